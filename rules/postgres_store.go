package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements RuleStore and Gateway backed by PostgreSQL.
// Every statement is scoped by tenant_id.
type PostgresStore struct {
	db     *sql.DB
	policy FieldPolicy
}

// NewPostgresStore creates a PostgreSQL-backed store. A nil policy falls
// back to DefaultFieldPolicy.
func NewPostgresStore(db *sql.DB, policy FieldPolicy) *PostgresStore {
	if policy == nil {
		policy = DefaultFieldPolicy()
	}
	return &PostgresStore{
		db:     db,
		policy: policy,
	}
}

const ruleColumns = `id, tenant_id, name, trigger_type, conditions, actions, guard, priority, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	var conditions, actions []byte
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.TriggerType, &conditions, &actions,
		&r.Guard, &r.Priority, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("malformed conditions for rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("malformed actions for rule %s: %w", r.ID, err)
	}
	return &r, nil
}

func marshalRuleBody(rule *Rule) ([]byte, []byte, error) {
	conds := rule.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	acts := rule.Actions
	if acts == nil {
		acts = []Action{}
	}
	conditions, err := json.Marshal(conds)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal conditions: %w", err)
	}
	actions, err := json.Marshal(acts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal actions: %w", err)
	}
	return conditions, actions, nil
}

// Add inserts a new rule.
func (s *PostgresStore) Add(ctx context.Context, rule *Rule) error {
	conditions, actions, err := marshalRuleBody(rule)
	if err != nil {
		return err
	}

	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rule.ID, rule.TenantID, rule.Name, rule.TriggerType, conditions, actions,
		rule.Guard, rule.Priority, rule.Active, rule.CreatedAt, rule.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get retrieves a rule by ID.
func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns every rule of the tenant in firing order.
func (s *PostgresStore) List(ctx context.Context, tenantID string) ([]*Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE tenant_id = $1
		ORDER BY priority DESC, created_at ASC, id ASC
	`, tenantID)
}

// LoadActiveRules returns the tenant's active rules for triggerType in
// firing order.
func (s *PostgresStore) LoadActiveRules(ctx context.Context, tenantID, triggerType string) ([]*Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE tenant_id = $1 AND trigger_type = $2 AND is_active = true
		ORDER BY priority DESC, created_at ASC, id ASC
	`, tenantID, triggerType)
}

func (s *PostgresStore) queryRules(ctx context.Context, query string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

// Update modifies an existing rule.
func (s *PostgresStore) Update(ctx context.Context, rule *Rule) error {
	conditions, actions, err := marshalRuleBody(rule)
	if err != nil {
		return err
	}
	rule.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET name = $1, trigger_type = $2, conditions = $3, actions = $4, guard = $5,
		    priority = $6, is_active = $7, updated_at = $8
		WHERE tenant_id = $9 AND id = $10
	`, rule.Name, rule.TriggerType, conditions, actions, rule.Guard,
		rule.Priority, rule.Active, rule.UpdatedAt, rule.TenantID, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	return expectOneRow(result, fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound))
}

// Delete removes a rule.
func (s *PostgresStore) Delete(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM automation_rules
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	return expectOneRow(result, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound))
}

func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

// CreateTask inserts a task row.
func (s *PostgresStore) CreateTask(ctx context.Context, tenantID string, task *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, tenant_id, title, description, assignee, due_date, rule_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, task.ID, tenantID, task.Title, task.Description, task.Assignee, task.DueDate, task.RuleID, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// UpdateField writes one allow-listed column of one tenant record.
func (s *PostgresStore) UpdateField(ctx context.Context, tenantID, table, recordID, field string, value any) error {
	if !s.policy.Allows(table, field) {
		return fmt.Errorf("%s.%s: %w", table, field, ErrFieldNotAllowed)
	}

	switch value.(type) {
	case map[string]any, []any:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode field value: %w", err)
		}
		value = string(encoded)
	}

	query := fmt.Sprintf(`UPDATE %s SET %s = $1, updated_at = NOW() WHERE tenant_id = $2 AND id = $3`,
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(field))
	result, err := s.db.ExecContext(ctx, query, value, tenantID, recordID)
	if err != nil {
		return fmt.Errorf("failed to update %s.%s: %w", table, field, err)
	}

	return expectOneRow(result, fmt.Errorf("%s %s: %w", table, recordID, ErrRecordNotFound))
}

// AppendActivityLog inserts an activity row.
func (s *PostgresStore) AppendActivityLog(ctx context.Context, tenantID string, entry *ActivityLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, tenant_id, entity_type, entity_id, activity_type, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, tenantID, entry.EntityType, entry.EntityID, entry.ActivityType, entry.Description, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert activity log: %w", err)
	}
	return nil
}

// AppendExecutionRecord inserts an audit row.
func (s *PostgresStore) AppendExecutionRecord(ctx context.Context, tenantID string, record *ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_executions (id, tenant_id, rule_id, rule_name, trigger_type, context_snapshot,
		    context_hash, actions_dispatched, actions_scheduled, actions_failed, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, record.ID, tenantID, record.RuleID, record.RuleName, record.TriggerType, []byte(record.ContextSnapshot),
		record.ContextHash, record.ActionsDispatched, record.ActionsScheduled, record.ActionsFailed, record.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}
	return nil
}

// ListExecutionRecords returns up to limit audit rows, newest first.
func (s *PostgresStore) ListExecutionRecords(ctx context.Context, tenantID string, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, rule_id, rule_name, trigger_type, context_snapshot, context_hash,
		       actions_dispatched, actions_scheduled, actions_failed, executed_at
		FROM automation_executions
		WHERE tenant_id = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		var r ExecutionRecord
		var snapshot []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.RuleID, &r.RuleName, &r.TriggerType, &snapshot, &r.ContextHash,
			&r.ActionsDispatched, &r.ActionsScheduled, &r.ActionsFailed, &r.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		r.ContextSnapshot = snapshot
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution records: %w", err)
	}
	return records, nil
}

// SaveScheduledAction persists a delayed action as pending.
func (s *PostgresStore) SaveScheduledAction(ctx context.Context, action *ScheduledAction) error {
	actionJSON, err := json.Marshal(action.Action)
	if err != nil {
		return fmt.Errorf("failed to marshal scheduled action: %w", err)
	}
	contextJSON, err := json.Marshal(action.ContextData)
	if err != nil {
		return fmt.Errorf("failed to marshal scheduled action context: %w", err)
	}

	status := action.Status
	if status == "" {
		status = ScheduledPending
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_actions (id, tenant_id, rule_id, trigger_type, action, context_data, due_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, action.ID, action.TenantID, action.RuleID, action.TriggerType, actionJSON, contextJSON,
		action.DueAt, string(status), action.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert scheduled action: %w", err)
	}
	return nil
}

// ListPendingScheduledActions returns pending actions of every tenant
// ordered by due time.
func (s *PostgresStore) ListPendingScheduledActions(ctx context.Context) ([]*ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, rule_id, trigger_type, action, context_data, due_at, status, last_error, created_at
		FROM scheduled_actions
		WHERE status = 'pending'
		ORDER BY due_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled actions: %w", err)
	}
	defer rows.Close()

	var pending []*ScheduledAction
	for rows.Next() {
		var a ScheduledAction
		var actionJSON, contextJSON []byte
		var status string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.RuleID, &a.TriggerType, &actionJSON, &contextJSON,
			&a.DueAt, &status, &a.LastError, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled action: %w", err)
		}
		if err := json.Unmarshal(actionJSON, &a.Action); err != nil {
			return nil, fmt.Errorf("malformed scheduled action %s: %w", a.ID, err)
		}
		if err := json.Unmarshal(contextJSON, &a.ContextData); err != nil {
			return nil, fmt.Errorf("malformed scheduled action context %s: %w", a.ID, err)
		}
		a.Status = ScheduledStatus(status)
		pending = append(pending, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled actions: %w", err)
	}
	return pending, nil
}

// ClaimScheduledAction flips a pending action to running. Only one
// process can win the claim.
func (s *PostgresStore) ClaimScheduledAction(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_actions
		SET status = 'running', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim scheduled action: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// CompleteScheduledAction marks a claimed action done or failed.
func (s *PostgresStore) CompleteScheduledAction(ctx context.Context, id string, execErr error) error {
	status, lastError := ScheduledDone, ""
	if execErr != nil {
		status, lastError = ScheduledFailed, execErr.Error()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_actions
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3
	`, string(status), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to complete scheduled action: %w", err)
	}

	return expectOneRow(result, fmt.Errorf("scheduled action %s: %w", id, ErrScheduledActionNotFound))
}
