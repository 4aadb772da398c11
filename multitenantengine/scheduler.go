package multitenantengine

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/liamcoop/automations/rules"
)

// scheduledItem is one delayed action waiting in memory.
type scheduledItem struct {
	action *rules.ScheduledAction
	// durable is false when persisting failed; such items are executed
	// without claim/complete bookkeeping and are lost on restart.
	durable bool
}

type actionHeap []*scheduledItem

func (h actionHeap) Len() int           { return len(h) }
func (h actionHeap) Less(i, j int) bool { return h[i].action.DueAt.Before(h[j].action.DueAt) }
func (h actionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *actionHeap) Push(x any)        { *h = append(*h, x.(*scheduledItem)) }
func (h *actionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// executeFunc runs a due action.
type executeFunc func(ctx context.Context, action *rules.ScheduledAction) error

// Scheduler runs delayed actions when they fall due. Actions are persisted
// through the Gateway before they are accepted, recovered on Start and
// claimed before execution so that several engine processes sharing one
// database run each action once.
type Scheduler struct {
	gateway      rules.Gateway
	execute      executeFunc
	logger       *slog.Logger
	recorder     Recorder
	pollInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	queue   actionHeap
	known   map[string]struct{}
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func newScheduler(gateway rules.Gateway, execute executeFunc, logger *slog.Logger, recorder Recorder, pollInterval time.Duration) *Scheduler {
	return &Scheduler{
		gateway:      gateway,
		execute:      execute,
		logger:       logger,
		recorder:     recorder,
		pollInterval: pollInterval,
		now:          time.Now,
		known:        make(map[string]struct{}),
		wake:         make(chan struct{}, 1),
	}
}

// Start recovers pending actions and starts the timer loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if err := s.resync(ctx); err != nil {
		s.logger.Warn("Failed to recover scheduled actions", slog.String("error", err.Error()))
	}

	go s.loop(stop, done)
	return nil
}

// Stop halts the loop. Pending actions stay persisted and are picked up by
// the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
}

// Schedule persists action and queues it in memory. When persisting fails
// the action is still queued, but only in memory.
func (s *Scheduler) Schedule(ctx context.Context, action *rules.ScheduledAction) {
	durable := true
	if err := s.gateway.SaveScheduledAction(ctx, action); err != nil {
		durable = false
		s.logger.Warn("Failed to persist delayed action, keeping it in memory only",
			slog.String("tenant_id", action.TenantID),
			slog.String("rule_id", action.RuleID),
			slog.String("scheduled_id", action.ID),
			slog.String("error", err.Error()))
	}
	s.push(&scheduledItem{action: action, durable: durable})
	s.recorder.ActionScheduled(action.Action.Type)
}

// Len returns the number of actions waiting in memory.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) push(item *scheduledItem) bool {
	s.mu.Lock()
	if _, ok := s.known[item.action.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.known[item.action.ID] = struct{}{}
	heap.Push(&s.queue, item)
	s.recorder.ScheduledPending(s.queue.Len())
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// resync loads pending actions from storage and queues unknown ones.
func (s *Scheduler) resync(ctx context.Context) error {
	pending, err := s.gateway.ListPendingScheduledActions(ctx)
	if err != nil {
		return err
	}
	added := 0
	for _, a := range pending {
		if s.push(&scheduledItem{action: a, durable: true}) {
			added++
		}
	}
	if added > 0 {
		s.logger.Info("Recovered scheduled actions", slog.Int("count", added))
	}
	return nil
}

func (s *Scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return time.Time{}, false
	}
	return s.queue[0].action.DueAt, true
}

func (s *Scheduler) popDue(now time.Time) []*scheduledItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*scheduledItem
	for s.queue.Len() > 0 && !s.queue[0].action.DueAt.After(now) {
		item := heap.Pop(&s.queue).(*scheduledItem)
		delete(s.known, item.action.ID)
		due = append(due, item)
	}
	s.recorder.ScheduledPending(s.queue.Len())
	return due
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var poll <-chan time.Time
	if s.pollInterval > 0 {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if next, ok := s.nextDue(); ok {
			timer.Reset(max(next.Sub(s.now()), 0))
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-stop:
			return
		case <-s.wake:
		case <-poll:
			if err := s.resync(ctx); err != nil {
				s.logger.Warn("Scheduled action resync failed", slog.String("error", err.Error()))
			}
		case <-timer.C:
			for _, item := range s.popDue(s.now()) {
				s.run(ctx, item)
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context, item *scheduledItem) {
	a := item.action
	log := s.logger.With(
		slog.String("tenant_id", a.TenantID),
		slog.String("rule_id", a.RuleID),
		slog.String("scheduled_id", a.ID),
		slog.String("action_type", string(a.Action.Type)))

	if item.durable {
		claimed, err := s.gateway.ClaimScheduledAction(ctx, a.ID)
		if err != nil {
			log.Error("Failed to claim scheduled action", slog.String("error", err.Error()))
			return
		}
		if !claimed {
			log.Debug("Scheduled action already claimed elsewhere")
			return
		}
	}

	execErr := s.execute(ctx, a)
	if execErr != nil {
		log.Error("Delayed action failed", slog.String("error", execErr.Error()))
	}

	if item.durable {
		if err := s.gateway.CompleteScheduledAction(ctx, a.ID, execErr); err != nil {
			log.Error("Failed to record scheduled action outcome", slog.String("error", err.Error()))
		}
	}
}
