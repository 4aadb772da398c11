package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrRuleNotFound            = errors.New("rule not found")
	ErrRuleExists              = errors.New("rule already exists")
	ErrFieldNotAllowed         = errors.New("field update not allowed")
	ErrRecordNotFound          = errors.New("record not found")
	ErrScheduledActionNotFound = errors.New("scheduled action not found")
)

// RuleStore is the host-facing CRUD surface for rule definitions and the
// read side of the audit trail. Every call is scoped to one tenant.
type RuleStore interface {
	// Add a new rule
	Add(ctx context.Context, rule *Rule) error

	// Get a rule by ID
	Get(ctx context.Context, tenantID, id string) (*Rule, error)

	// List all rules of a tenant, active or not
	List(ctx context.Context, tenantID string) ([]*Rule, error)

	// Update an existing rule
	Update(ctx context.Context, rule *Rule) error

	// Delete a rule
	Delete(ctx context.Context, tenantID, id string) error

	// ListExecutionRecords returns the most recent audit rows first
	ListExecutionRecords(ctx context.Context, tenantID string, limit int) ([]*ExecutionRecord, error)
}

// Gateway is everything the engine reads from or writes to tenant storage.
// Implementations must be safe for concurrent append-only writes.
type Gateway interface {
	// LoadActiveRules returns active rules of one tenant for one trigger type
	LoadActiveRules(ctx context.Context, tenantID, triggerType string) ([]*Rule, error)

	CreateTask(ctx context.Context, tenantID string, task *Task) error
	UpdateField(ctx context.Context, tenantID, table, recordID, field string, value any) error
	AppendActivityLog(ctx context.Context, tenantID string, entry *ActivityLogEntry) error
	AppendExecutionRecord(ctx context.Context, tenantID string, record *ExecutionRecord) error

	SaveScheduledAction(ctx context.Context, action *ScheduledAction) error
	// ListPendingScheduledActions returns pending actions of every tenant
	ListPendingScheduledActions(ctx context.Context) ([]*ScheduledAction, error)
	// ClaimScheduledAction moves an action from pending to running and
	// reports false if another claimer got there first
	ClaimScheduledAction(ctx context.Context, id string) (bool, error)
	CompleteScheduledAction(ctx context.Context, id string, execErr error) error
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether name is a safe table/field/trigger identifier.
func ValidIdentifier(name string) bool {
	return len(name) <= 100 && identifierPattern.MatchString(name)
}

// FieldPolicy lists, per table, the fields update_field actions may write.
type FieldPolicy map[string][]string

// DefaultFieldPolicy covers the practice-management records automations
// are expected to touch.
func DefaultFieldPolicy() FieldPolicy {
	return FieldPolicy{
		"clients": {"status", "stage", "priority", "assigned_to", "notes", "last_contacted_at"},
		"matters": {"status", "stage", "priority", "assigned_to"},
		"tasks":   {"status", "assignee", "priority"},
	}
}

// Allows reports whether table.field may be written.
func (p FieldPolicy) Allows(table, field string) bool {
	if !ValidIdentifier(table) || !ValidIdentifier(field) {
		return false
	}
	return slices.Contains(p[table], field)
}

// SortRules orders rules by descending priority, then creation time, then ID.
func SortRules(rules []*Rule) {
	slices.SortStableFunc(rules, func(a, b *Rule) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// InMemoryStore implements RuleStore and Gateway with in-process maps.
// Used by tests and single-node development setups.
type InMemoryStore struct {
	rules      map[string]map[string]*Rule // tenantID -> ruleID -> rule
	tasks      []*Task
	activity   []*ActivityLogEntry
	executions []*ExecutionRecord
	scheduled  map[string]*ScheduledAction
	fields     map[string]any
	policy     FieldPolicy
	mu         sync.RWMutex
}

// NewInMemoryStore creates an empty store using DefaultFieldPolicy.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rules:     make(map[string]map[string]*Rule),
		scheduled: make(map[string]*ScheduledAction),
		fields:    make(map[string]any),
		policy:    DefaultFieldPolicy(),
	}
}

// SetFieldPolicy replaces the update_field allow-list.
func (s *InMemoryStore) SetFieldPolicy(p FieldPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

func cloneRule(r *Rule) *Rule {
	c := *r
	c.Conditions = slices.Clone(r.Conditions)
	c.Actions = slices.Clone(r.Actions)
	return &c
}

// Add stores a new rule. IDs are unique per tenant.
func (s *InMemoryStore) Add(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenantRules, ok := s.rules[rule.TenantID]
	if !ok {
		tenantRules = make(map[string]*Rule)
		s.rules[rule.TenantID] = tenantRules
	}
	if _, exists := tenantRules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	tenantRules[rule.ID] = cloneRule(rule)
	return nil
}

// Get retrieves a rule by ID.
func (s *InMemoryStore) Get(ctx context.Context, tenantID, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[tenantID][id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return cloneRule(rule), nil
}

// List returns every rule of the tenant in firing order.
func (s *InMemoryStore) List(ctx context.Context, tenantID string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules[tenantID]))
	for _, rule := range s.rules[tenantID] {
		out = append(out, cloneRule(rule))
	}
	SortRules(out)
	return out, nil
}

// Update replaces an existing rule, preserving CreatedAt.
func (s *InMemoryStore) Update(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.TenantID][rule.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.TenantID][rule.ID] = cloneRule(rule)
	return nil
}

// Delete removes a rule.
func (s *InMemoryStore) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[tenantID][id]; !exists {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	delete(s.rules[tenantID], id)
	return nil
}

// LoadActiveRules returns the tenant's active rules for triggerType.
func (s *InMemoryStore) LoadActiveRules(ctx context.Context, tenantID, triggerType string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*Rule
	for _, rule := range s.rules[tenantID] {
		if rule.Active && rule.TriggerType == triggerType {
			active = append(active, cloneRule(rule))
		}
	}
	SortRules(active)
	return active, nil
}

// CreateTask appends a task row.
func (s *InMemoryStore) CreateTask(ctx context.Context, tenantID string, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *task
	t.TenantID = tenantID
	s.tasks = append(s.tasks, &t)
	return nil
}

// UpdateField records a field write permitted by the field policy.
func (s *InMemoryStore) UpdateField(ctx context.Context, tenantID, table, recordID, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.policy.Allows(table, field) {
		return fmt.Errorf("%s.%s: %w", table, field, ErrFieldNotAllowed)
	}
	s.fields[fieldKey(tenantID, table, recordID, field)] = value
	return nil
}

func fieldKey(tenantID, table, recordID, field string) string {
	return tenantID + "/" + table + "/" + recordID + "/" + field
}

// FieldValue returns the last value written by UpdateField.
func (s *InMemoryStore) FieldValue(tenantID, table, recordID, field string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.fields[fieldKey(tenantID, table, recordID, field)]
	return v, ok
}

// AppendActivityLog appends an activity row.
func (s *InMemoryStore) AppendActivityLog(ctx context.Context, tenantID string, entry *ActivityLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	e.TenantID = tenantID
	s.activity = append(s.activity, &e)
	return nil
}

// AppendExecutionRecord appends an audit row.
func (s *InMemoryStore) AppendExecutionRecord(ctx context.Context, tenantID string, record *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *record
	r.TenantID = tenantID
	s.executions = append(s.executions, &r)
	return nil
}

// ListExecutionRecords returns up to limit audit rows, newest first.
func (s *InMemoryStore) ListExecutionRecords(ctx context.Context, tenantID string, limit int) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionRecord
	for i := len(s.executions) - 1; i >= 0; i-- {
		if s.executions[i].TenantID != tenantID {
			continue
		}
		r := *s.executions[i]
		out = append(out, &r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Tasks returns a snapshot of every task of the tenant.
func (s *InMemoryStore) Tasks(tenantID string) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Task
	for _, t := range s.tasks {
		if t.TenantID == tenantID {
			out = append(out, *t)
		}
	}
	return out
}

// ActivityLog returns a snapshot of every activity row of the tenant.
func (s *InMemoryStore) ActivityLog(tenantID string) []ActivityLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ActivityLogEntry
	for _, e := range s.activity {
		if e.TenantID == tenantID {
			out = append(out, *e)
		}
	}
	return out
}

// SaveScheduledAction persists a delayed action as pending.
func (s *InMemoryStore) SaveScheduledAction(ctx context.Context, action *ScheduledAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *action
	if a.Status == "" {
		a.Status = ScheduledPending
	}
	a.ContextData = cloneContext(action.ContextData)
	s.scheduled[a.ID] = &a
	return nil
}

// cloneContext deep-copies a context payload.
func cloneContext(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c, _ := ValueOf(m).Interface().(map[string]any)
	return c
}

// ListPendingScheduledActions returns pending actions ordered by due time.
func (s *InMemoryStore) ListPendingScheduledActions(ctx context.Context) ([]*ScheduledAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ScheduledAction
	for _, a := range s.scheduled {
		if a.Status == ScheduledPending {
			c := *a
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *ScheduledAction) int {
		return a.DueAt.Compare(b.DueAt)
	})
	return out, nil
}

// ClaimScheduledAction flips a pending action to running.
func (s *InMemoryStore) ClaimScheduledAction(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.scheduled[id]
	if !ok {
		return false, fmt.Errorf("scheduled action %s: %w", id, ErrScheduledActionNotFound)
	}
	if a.Status != ScheduledPending {
		return false, nil
	}
	a.Status = ScheduledRunning
	return true, nil
}

// CompleteScheduledAction marks a claimed action done or failed.
func (s *InMemoryStore) CompleteScheduledAction(ctx context.Context, id string, execErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.scheduled[id]
	if !ok {
		return fmt.Errorf("scheduled action %s: %w", id, ErrScheduledActionNotFound)
	}
	if execErr != nil {
		a.Status = ScheduledFailed
		a.LastError = execErr.Error()
		return nil
	}
	a.Status = ScheduledDone
	a.LastError = ""
	return nil
}

// ScheduledAction returns a snapshot of one scheduled action.
func (s *InMemoryStore) ScheduledAction(id string) (ScheduledAction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.scheduled[id]
	if !ok {
		return ScheduledAction{}, false
	}
	return *a, true
}

// ScheduledActions returns a snapshot of every scheduled action.
func (s *InMemoryStore) ScheduledActions() []ScheduledAction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ScheduledAction, 0, len(s.scheduled))
	for _, a := range s.scheduled {
		out = append(out, *a)
	}
	return out
}
