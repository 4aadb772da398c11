// Package multitenantengine evaluates tenant automation rules against
// domain triggers and dispatches their actions.
package multitenantengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/liamcoop/automations/rules"
)

const DefaultLoadTimeout = 10 * time.Second

// Options configures an Engine. Only Gateway is required.
type Options struct {
	Gateway rules.Gateway
	// Cache defaults to an in-memory cache with rules.DefaultCacheConfig.
	Cache rules.RulesCache

	Email   EmailSender
	SMS     SMSSender
	Webhook WebhookPoster

	Logger   *slog.Logger
	Recorder Recorder

	ActionTimeout time.Duration
	LoadTimeout   time.Duration
	// SchedulerPollInterval re-reads pending delayed actions from storage.
	// Zero disables polling; pending actions are still recovered on Start.
	SchedulerPollInterval time.Duration

	// ExtraTriggerTypes extends the builtin trigger types.
	ExtraTriggerTypes []string
}

// TriggerResult summarises one processed trigger.
type TriggerResult struct {
	TenantID          string        `json:"tenantId"`
	TriggerType       string        `json:"triggerType"`
	RulesEvaluated    int           `json:"rulesEvaluated"`
	RulesFired        []string      `json:"rulesFired"`
	ActionsDispatched int           `json:"actionsDispatched"`
	ActionsScheduled  int           `json:"actionsScheduled"`
	ActionsFailed     int           `json:"actionsFailed"`
	Duration          time.Duration `json:"duration"`
}

const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

// Engine processes triggers one at a time on a single worker goroutine.
// Triggers of the same tenant run in submission order and never overlap;
// tenants take turns so one busy tenant cannot starve the others.
type Engine struct {
	gateway      rules.Gateway
	cache        rules.RulesCache
	guards       *rules.GuardCompiler
	dispatcher   *dispatcher
	scheduler    *Scheduler
	logger       *slog.Logger
	recorder     Recorder
	loadTimeout  time.Duration
	triggerTypes map[string]struct{}
	now          func() time.Time

	queue  *tenantQueue
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
	stopMu sync.Mutex
}

// New creates an engine. Call Start before submitting triggers.
func New(opts Options) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	guards, err := rules.NewGuardCompiler()
	if err != nil {
		return nil, err
	}

	triggerTypes := make(map[string]struct{})
	for _, t := range rules.BuiltinTriggerTypes {
		triggerTypes[t] = struct{}{}
	}
	for _, t := range opts.ExtraTriggerTypes {
		if !rules.ValidIdentifier(t) {
			return nil, fmt.Errorf("invalid trigger type %q", t)
		}
		triggerTypes[t] = struct{}{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var recorder Recorder = nopRecorder{}
	if opts.Recorder != nil {
		recorder = opts.Recorder
	}
	cache := opts.Cache
	if cache == nil {
		cache = rules.NewInMemoryRulesCache(rules.DefaultCacheConfig())
	}
	actionTimeout := opts.ActionTimeout
	if actionTimeout <= 0 {
		actionTimeout = DefaultActionTimeout
	}
	loadTimeout := opts.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}

	e := &Engine{
		gateway:      opts.Gateway,
		cache:        cache,
		guards:       guards,
		logger:       logger,
		recorder:     recorder,
		loadTimeout:  loadTimeout,
		triggerTypes: triggerTypes,
		now:          time.Now,
		queue:        newTenantQueue(),
	}
	e.dispatcher = &dispatcher{
		gateway:  opts.Gateway,
		email:    opts.Email,
		sms:      opts.SMS,
		webhook:  opts.Webhook,
		logger:   logger,
		recorder: recorder,
		timeout:  actionTimeout,
		now:      func() time.Time { return e.now() },
	}
	e.scheduler = newScheduler(opts.Gateway, e.runScheduled, logger, recorder, opts.SchedulerPollInterval)
	return e, nil
}

// Start launches the worker and the delayed-action scheduler.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(stateNew, stateRunning) {
		return fmt.Errorf("engine already started")
	}

	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(runCtx)

	e.logger.Info("Automation engine started", slog.Int("trigger_types", len(e.triggerTypes)))
	return nil
}

// Stop rejects new triggers, lets the worker drain what is already queued
// and stops the scheduler. If ctx ends first the remaining jobs fail with
// ErrEngineStopped.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()

	if !e.state.CompareAndSwap(stateRunning, stateStopped) {
		return nil
	}

	e.queue.Close()
	var err error
	select {
	case <-e.done:
	case <-ctx.Done():
		e.cancel()
		<-e.done
		err = ctx.Err()
	}
	e.cancel()
	e.scheduler.Stop()

	e.logger.Info("Automation engine stopped")
	return err
}

// KnownTriggerType reports whether triggerType is accepted by this engine.
func (e *Engine) KnownTriggerType(triggerType string) bool {
	_, ok := e.triggerTypes[triggerType]
	return ok
}

// TriggerTypes returns the accepted trigger types, sorted.
func (e *Engine) TriggerTypes() []string {
	out := make([]string, 0, len(e.triggerTypes))
	for t := range e.triggerTypes {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Guards exposes the guard compiler so rule validation uses the same
// CEL environment as evaluation.
func (e *Engine) Guards() *rules.GuardCompiler {
	return e.guards
}

// InvalidateRules drops cached rules of a tenant after they were edited.
func (e *Engine) InvalidateRules(ctx context.Context, tenantID string) {
	e.cache.Invalidate(ctx, tenantID)
}

// PendingDelayedActions returns the number of delayed actions held in memory.
func (e *Engine) PendingDelayedActions() int {
	return e.scheduler.Len()
}

// ProcessTrigger queues a trigger and waits for it to be evaluated.
//
// Cancelling ctx only stops the wait: a queued trigger is still processed.
// The only errors are input validation, ErrEngineStopped and a
// *RuleLoadError; rule and action failures are logged and counted in the
// result instead.
func (e *Engine) ProcessTrigger(ctx context.Context, tenantID string, trigger rules.Trigger) (*TriggerResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrEmptyTenant
	}
	if !e.KnownTriggerType(trigger.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTriggerType, trigger.Type)
	}
	if e.state.Load() != stateRunning {
		return nil, ErrEngineStopped
	}

	j := &job{
		tenantID:   tenantID,
		trigger:    trigger,
		enqueuedAt: e.now(),
		done:       make(chan jobResult, 1),
	}
	if !e.queue.Enqueue(j) {
		return nil, ErrEngineStopped
	}
	e.recorder.QueueDepth(e.queue.Len())

	select {
	case r := <-j.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	for {
		if j, ok := e.queue.TryDequeue(); ok {
			e.recorder.QueueDepth(e.queue.Len())
			if ctx.Err() != nil {
				j.done <- jobResult{err: ErrEngineStopped}
				continue
			}
			result, err := e.process(ctx, j)
			j.done <- jobResult{result: result, err: err}
			continue
		}

		if e.queue.Closed() {
			return
		}

		select {
		case <-e.queue.Wait():
		case <-ctx.Done():
			e.queue.Close()
		}
	}
}

// process evaluates every matching rule of one trigger.
func (e *Engine) process(ctx context.Context, j *job) (*TriggerResult, error) {
	start := e.now()
	log := e.logger.With(
		slog.String("tenant_id", j.tenantID),
		slog.String("trigger_type", j.trigger.Type))

	ruleset, err := e.loadRules(ctx, j.tenantID, j.trigger.Type)
	if err != nil {
		loadErr := &RuleLoadError{TenantID: j.tenantID, TriggerType: j.trigger.Type, Err: err}
		log.Error("Failed to load rules", slog.String("error", err.Error()))
		e.recorder.TriggerProcessed(j.trigger.Type, 0, e.now().Sub(start), loadErr)
		return nil, loadErr
	}

	// data and contextData are private copies; the caller may reuse its map
	// once ProcessTrigger returns while delayed actions still hold them.
	data := rules.ValueOf(j.trigger.ContextData)
	contextData, _ := data.Interface().(map[string]any)
	result := &TriggerResult{
		TenantID:       j.tenantID,
		TriggerType:    j.trigger.Type,
		RulesEvaluated: len(ruleset),
		RulesFired:     []string{},
	}

	for _, rule := range ruleset {
		out, fired := e.evaluateRule(ctx, log, j, rule, data, contextData)
		if !fired {
			continue
		}
		result.RulesFired = append(result.RulesFired, rule.ID)
		result.ActionsDispatched += out.dispatched
		result.ActionsScheduled += out.scheduled
		result.ActionsFailed += out.failed
	}

	result.Duration = e.now().Sub(start)
	e.recorder.TriggerProcessed(j.trigger.Type, len(result.RulesFired), result.Duration, nil)
	log.Debug("Trigger processed",
		slog.Int("rules_evaluated", result.RulesEvaluated),
		slog.Int("rules_fired", len(result.RulesFired)),
		slog.Int("actions_failed", result.ActionsFailed),
		slog.Duration("queue_wait", start.Sub(j.enqueuedAt)),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// loadRules returns the active rules for a trigger in evaluation order.
func (e *Engine) loadRules(ctx context.Context, tenantID, triggerType string) ([]*rules.Rule, error) {
	if cached, ok := e.cache.Get(ctx, tenantID, triggerType); ok {
		return cached, nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, e.loadTimeout)
	defer cancel()

	loaded, err := e.gateway.LoadActiveRules(loadCtx, tenantID, triggerType)
	if err != nil {
		return nil, err
	}

	out := make([]*rules.Rule, 0, len(loaded))
	for _, r := range loaded {
		if r == nil || !r.Active || r.TriggerType != triggerType {
			continue
		}
		if r.TenantID != "" && r.TenantID != tenantID {
			continue
		}
		out = append(out, r)
	}
	rules.SortRules(out)

	e.cache.Set(ctx, tenantID, triggerType, out)
	return out, nil
}

type ruleOutcome struct {
	dispatched int
	scheduled  int
	failed     int
}

// evaluateRule matches one rule and, if it fires, runs its actions and
// writes the audit record. A panic is contained to this rule; a rule that
// matched still gets its audit record.
func (e *Engine) evaluateRule(ctx context.Context, log *slog.Logger, j *job, rule *rules.Rule, data rules.Value, contextData map[string]any) (out ruleOutcome, fired bool) {
	log = log.With(slog.String("rule_id", rule.ID))
	audited := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error("Rule evaluation panicked", slog.Any("panic", r))
		if fired && !audited {
			out.failed++
			e.writeAuditSafe(ctx, log, j, rule, data, out)
		}
	}()

	if !rules.EvaluateConditions(rule.Conditions, data) {
		return out, false
	}
	matched, err := e.guards.Evaluate(rule, j.tenantID, data)
	if err != nil {
		log.Warn("Rule guard failed, treating as no match", slog.String("error", err.Error()))
		return out, false
	}
	if !matched {
		return out, false
	}
	fired = true

	ref := actionRef{
		tenantID:    j.tenantID,
		ruleID:      rule.ID,
		ruleName:    rule.Name,
		triggerType: j.trigger.Type,
	}
	for i, action := range rule.Actions {
		if delay := action.Delay(); delay > 0 {
			e.scheduler.Schedule(ctx, &rules.ScheduledAction{
				ID:          uuid.NewString(),
				TenantID:    j.tenantID,
				RuleID:      rule.ID,
				TriggerType: j.trigger.Type,
				Action:      action,
				ContextData: contextData,
				DueAt:       e.now().Add(delay),
				Status:      rules.ScheduledPending,
				CreatedAt:   e.now(),
			})
			out.scheduled++
			continue
		}

		if err := e.dispatcher.execute(ctx, ref, action, contextData); err != nil {
			out.failed++
			log.Error("Action failed",
				slog.Int("action_index", i),
				slog.String("action_type", string(action.Type)),
				slog.String("error", err.Error()))
			continue
		}
		out.dispatched++
	}

	audited = true
	e.writeAudit(ctx, log, j, rule, data, out)
	return out, true
}

// writeAuditSafe is writeAudit for the panic path, where a second panic
// must not escape the rule.
func (e *Engine) writeAuditSafe(ctx context.Context, log *slog.Logger, j *job, rule *rules.Rule, data rules.Value, out ruleOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Execution record write panicked", slog.Any("panic", r))
		}
	}()
	e.writeAudit(ctx, log, j, rule, data, out)
}

// writeAudit records one fired rule. Failing to write it does not undo the
// actions that already ran.
func (e *Engine) writeAudit(ctx context.Context, log *slog.Logger, j *job, rule *rules.Rule, data rules.Value, out ruleOutcome) {
	snapshot, hash, err := canonicalSnapshot(data)
	if err != nil {
		log.Warn("Failed to canonicalize trigger context", slog.String("error", err.Error()))
	}

	record := &rules.ExecutionRecord{
		ID:                uuid.NewString(),
		TenantID:          j.tenantID,
		RuleID:            rule.ID,
		RuleName:          rule.Name,
		TriggerType:       j.trigger.Type,
		ContextSnapshot:   snapshot,
		ContextHash:       hash,
		ActionsDispatched: out.dispatched,
		ActionsScheduled:  out.scheduled,
		ActionsFailed:     out.failed,
		ExecutedAt:        e.now().UTC(),
	}
	if err := e.gateway.AppendExecutionRecord(ctx, j.tenantID, record); err != nil {
		e.recorder.AuditWriteFailed()
		log.Error("Failed to write execution record", slog.String("error", err.Error()))
	}
}

// canonicalSnapshot renders data as RFC 8785 canonical JSON and returns it
// with its hex SHA-256.
func canonicalSnapshot(data rules.Value) (json.RawMessage, string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return json.RawMessage("null"), "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return json.RawMessage(canonical), hex.EncodeToString(sum[:]), err
}

// runScheduled executes a delayed action once it falls due.
func (e *Engine) runScheduled(ctx context.Context, a *rules.ScheduledAction) error {
	return e.dispatcher.execute(ctx, actionRef{
		tenantID:    a.TenantID,
		ruleID:      a.RuleID,
		ruleName:    a.RuleID,
		triggerType: a.TriggerType,
	}, a.Action, a.ContextData)
}
