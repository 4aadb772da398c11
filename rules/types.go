package rules

import (
	"encoding/json"
	"time"
)

// Trigger types emitted by the host application.
const (
	TriggerClientAdded      = "client_added"
	TriggerClientUpdated    = "client_updated"
	TriggerClientContacted  = "client_contacted"
	TriggerMatterOpened     = "matter_opened"
	TriggerDocumentUploaded = "document_uploaded"
)

// BuiltinTriggerTypes lists the trigger types every engine accepts.
var BuiltinTriggerTypes = []string{
	TriggerClientAdded,
	TriggerClientUpdated,
	TriggerClientContacted,
	TriggerMatterOpened,
	TriggerDocumentUploaded,
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpNotEmpty    Operator = "not_empty"
	OpIsEmpty     Operator = "is_empty"
)

// LogicalOperator joins a condition to the one that follows it.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// ActionType identifies which executor handles an action.
type ActionType string

const (
	ActionSendEmail   ActionType = "send_email"
	ActionSendSMS     ActionType = "send_sms"
	ActionCreateTask  ActionType = "create_task"
	ActionUpdateField ActionType = "update_field"
	ActionLogActivity ActionType = "log_activity"
	ActionWebhookCall ActionType = "webhook_call"
)

// Rule is a tenant-scoped automation definition.
// The engine only ever reads rules; they are edited through RuleStore.
type Rule struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenantId"`
	Name        string      `json:"name"`
	TriggerType string      `json:"triggerType"`
	Conditions  []Condition `json:"conditions"`
	Actions     []Action    `json:"actions"`

	// Guard is an optional CEL expression ANDed with the condition chain.
	Guard string `json:"guard,omitempty"`

	// Priority orders rules within one trigger; higher fires first.
	Priority  int       `json:"priority"`
	Active    bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Condition is a single predicate over a trigger's context payload.
type Condition struct {
	Field           string          `json:"field"`
	Operator        Operator        `json:"operator"`
	Value           any             `json:"value"`
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty"`
}

// Action is a single side-effecting instruction.
type Action struct {
	Type         ActionType     `json:"type"`
	Target       string         `json:"target"`
	Payload      map[string]any `json:"payload,omitempty"`
	DelayMinutes int            `json:"delayMinutes,omitempty"`
}

// MaxDelayMinutes is the longest delay an action may carry (ten years).
const MaxDelayMinutes = 10 * 365 * 24 * 60

// Delay returns the configured delay as a duration, capped at
// MaxDelayMinutes. A positive DelayMinutes always yields a positive delay.
func (a Action) Delay() time.Duration {
	if a.DelayMinutes <= 0 {
		return 0
	}
	if a.DelayMinutes > MaxDelayMinutes {
		return MaxDelayMinutes * time.Minute
	}
	return time.Duration(a.DelayMinutes) * time.Minute
}

// Trigger is a domain event handed to the engine. It is never persisted.
type Trigger struct {
	Type        string         `json:"type"`
	ContextData map[string]any `json:"contextData"`
}

// ExecutionRecord is the audit row written once per fired rule.
type ExecutionRecord struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenantId"`
	RuleID            string          `json:"ruleId"`
	RuleName          string          `json:"ruleName"`
	TriggerType       string          `json:"triggerType"`
	ContextSnapshot   json.RawMessage `json:"contextSnapshot"`
	ContextHash       string          `json:"contextHash"`
	ActionsDispatched int             `json:"actionsDispatched"`
	ActionsScheduled  int             `json:"actionsScheduled"`
	ActionsFailed     int             `json:"actionsFailed"`
	ExecutedAt        time.Time       `json:"executedAt"`
}

// ScheduledStatus is the lifecycle state of a delayed action.
type ScheduledStatus string

const (
	ScheduledPending ScheduledStatus = "pending"
	ScheduledRunning ScheduledStatus = "running"
	ScheduledDone    ScheduledStatus = "done"
	ScheduledFailed  ScheduledStatus = "failed"
)

// ScheduledAction is a delayed action persisted so it survives restarts.
type ScheduledAction struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId"`
	RuleID      string          `json:"ruleId"`
	TriggerType string          `json:"triggerType"`
	Action      Action          `json:"action"`
	ContextData map[string]any  `json:"contextData"`
	DueAt       time.Time       `json:"dueAt"`
	Status      ScheduledStatus `json:"status"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Task is a row created by the create_task action.
type Task struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Assignee    string     `json:"assignee"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	RuleID      string     `json:"ruleId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// ActivityLogEntry is a row appended by the log_activity action.
type ActivityLogEntry struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	EntityType   string    `json:"entityType"`
	EntityID     string    `json:"entityId"`
	ActivityType string    `json:"activityType"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"createdAt"`
}
