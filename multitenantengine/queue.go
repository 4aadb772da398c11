package multitenantengine

import (
	"sync"
	"time"

	"github.com/liamcoop/automations/rules"
)

// job is one queued trigger invocation.
type job struct {
	tenantID   string
	trigger    rules.Trigger
	enqueuedAt time.Time
	done       chan jobResult // buffered, size 1
}

type jobResult struct {
	result *TriggerResult
	err    error
}

// tenantQueue holds one FIFO sub-queue per tenant and hands jobs out
// round-robin across tenants, so a tenant with a deep backlog delays
// every other tenant by at most one job per turn.
//
// The queue is unbounded. Callers that can produce triggers faster than
// they are evaluated must apply their own backpressure.
type tenantQueue struct {
	mu      sync.Mutex
	pending map[string][]*job
	order   []string // tenants with pending jobs, next turn first
	size    int
	closed  bool
	signal  chan struct{} // buffered, size 1
}

func newTenantQueue() *tenantQueue {
	return &tenantQueue{
		pending: make(map[string][]*job),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends j to its tenant's sub-queue.
// Returns false if the queue is closed.
func (q *tenantQueue) Enqueue(j *job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if len(q.pending[j.tenantID]) == 0 {
		q.order = append(q.order, j.tenantID)
	}
	q.pending[j.tenantID] = append(q.pending[j.tenantID], j)
	q.size++

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue takes the oldest job of the tenant whose turn it is.
func (q *tenantQueue) TryDequeue() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil, false
	}

	tenantID := q.order[0]
	q.order[0] = ""
	q.order = q.order[1:]

	jobs := q.pending[tenantID]
	j := jobs[0]
	jobs[0] = nil
	jobs = jobs[1:]

	if len(jobs) == 0 {
		delete(q.pending, tenantID)
	} else {
		q.pending[tenantID] = jobs
		q.order = append(q.order, tenantID)
	}
	q.size--

	return j, true
}

// Wait returns a channel that signals when jobs may be available.
// It is closed by Close.
func (q *tenantQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued jobs across all tenants.
func (q *tenantQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close rejects further jobs and wakes the consumer. Jobs already queued
// stay available to TryDequeue.
func (q *tenantQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *tenantQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
