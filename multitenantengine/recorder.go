package multitenantengine

import (
	"time"

	"github.com/liamcoop/automations/rules"
)

// Recorder receives engine measurements. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	TriggerProcessed(triggerType string, rulesFired int, duration time.Duration, err error)
	ActionExecuted(actionType rules.ActionType, err error)
	ActionScheduled(actionType rules.ActionType)
	AuditWriteFailed()
	QueueDepth(depth int)
	ScheduledPending(count int)
}

type nopRecorder struct{}

func (nopRecorder) TriggerProcessed(string, int, time.Duration, error) {}
func (nopRecorder) ActionExecuted(rules.ActionType, error)             {}
func (nopRecorder) ActionScheduled(rules.ActionType)                   {}
func (nopRecorder) AuditWriteFailed()                                  {}
func (nopRecorder) QueueDepth(int)                                     {}
func (nopRecorder) ScheduledPending(int)                               {}
