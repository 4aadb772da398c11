package main

import (
	"time"

	"github.com/liamcoop/automations/rules"
)

// API request and response models

// CreateTenantRequest represents the request body for creating a tenant
type CreateTenantRequest struct {
	Name string `json:"name"`
}

// Tenant represents a tenant in API responses
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RuleRequest is the body of rule create and update calls. Updates replace
// the whole definition.
type RuleRequest struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	TriggerType string            `json:"triggerType"`
	Conditions  []rules.Condition `json:"conditions"`
	Actions     []rules.Action    `json:"actions"`
	Guard       string            `json:"guard,omitempty"`
	Priority    int               `json:"priority"`
	IsActive    *bool             `json:"isActive,omitempty"`
}

func (req RuleRequest) toRule(tenantID, id string) *rules.Rule {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	conditions := req.Conditions
	if conditions == nil {
		conditions = []rules.Condition{}
	}
	return &rules.Rule{
		ID:          id,
		TenantID:    tenantID,
		Name:        req.Name,
		TriggerType: req.TriggerType,
		Conditions:  conditions,
		Actions:     req.Actions,
		Guard:       req.Guard,
		Priority:    req.Priority,
		Active:      active,
	}
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// TriggerRequest submits a raw trigger
type TriggerRequest struct {
	Type        string         `json:"type"`
	ContextData map[string]any `json:"contextData"`
}

// EventRequest carries the entities of a builtin domain event
type EventRequest struct {
	Client   map[string]any `json:"client,omitempty"`
	Changes  map[string]any `json:"changes,omitempty"`
	Method   string         `json:"method,omitempty"`
	Matter   map[string]any `json:"matter,omitempty"`
	Document map[string]any `json:"document,omitempty"`
}

// ExecutionsListResponse lists audit records, newest first
type ExecutionsListResponse struct {
	Executions []*rules.ExecutionRecord `json:"executions"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status                string `json:"status"`
	Error                 string `json:"error,omitempty"`
	PendingDelayedActions int    `json:"pendingDelayedActions"`
}
