package multitenantengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/automations/rules"
)

// TestProcessTrigger_WelcomeEmail verifies a matching rule sends an
// interpolated email and writes one audit record.
func TestProcessTrigger_WelcomeEmail(t *testing.T) {
	store := rules.NewInMemoryStore()
	addRule(t, store, welcomeRule("tenant-a"))
	email := &fakeEmail{}
	e := startEngine(t, Options{Gateway: store, Email: email})

	result, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("jane@example.com"))
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}

	if result.RulesEvaluated != 1 || len(result.RulesFired) != 1 || result.RulesFired[0] != "welcome" {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.ActionsDispatched != 1 || result.ActionsFailed != 0 {
		t.Errorf("expected 1 dispatched / 0 failed, got %d / %d", result.ActionsDispatched, result.ActionsFailed)
	}

	sent := email.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(sent))
	}
	if sent[0].to != "jane@example.com" {
		t.Errorf("expected recipient jane@example.com, got %q", sent[0].to)
	}
	if sent[0].msg.Subject != "Welcome, Jane Doe" {
		t.Errorf("expected interpolated subject, got %q", sent[0].msg.Subject)
	}

	records, _ := store.ListExecutionRecords(context.Background(), "tenant-a", 0)
	if len(records) != 1 {
		t.Fatalf("expected 1 execution record, got %d", len(records))
	}
	rec := records[0]
	if rec.RuleID != "welcome" || rec.RuleName != "Welcome new clients" || rec.TriggerType != rules.TriggerClientAdded {
		t.Errorf("unexpected record: %+v", rec)
	}
	sum := sha256.Sum256(rec.ContextSnapshot)
	if rec.ContextHash != hex.EncodeToString(sum[:]) {
		t.Errorf("context hash does not match snapshot")
	}
	want := `{"client":{"email":"jane@example.com","id":"client-1","name":"Jane Doe","status":"lead"}}`
	if string(rec.ContextSnapshot) != want {
		t.Errorf("snapshot = %s, want %s", rec.ContextSnapshot, want)
	}
}

// TestProcessTrigger_ConditionNotMet verifies no actions or audit when
// conditions fail.
func TestProcessTrigger_ConditionNotMet(t *testing.T) {
	store := rules.NewInMemoryStore()
	addRule(t, store, welcomeRule("tenant-a"))
	email := &fakeEmail{}
	e := startEngine(t, Options{Gateway: store, Email: email})

	result, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded(""))
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if len(result.RulesFired) != 0 {
		t.Errorf("expected no rules fired, got %v", result.RulesFired)
	}
	if len(email.Sent()) != 0 {
		t.Errorf("expected no emails")
	}
	records, _ := store.ListExecutionRecords(context.Background(), "tenant-a", 0)
	if len(records) != 0 {
		t.Errorf("expected no execution records, got %d", len(records))
	}
}

// TestProcessTrigger_TenantIsolation verifies rules of one tenant never fire
// for another tenant's trigger.
func TestProcessTrigger_TenantIsolation(t *testing.T) {
	store := rules.NewInMemoryStore()
	addRule(t, store, welcomeRule("tenant-a"))
	email := &fakeEmail{}
	e := startEngine(t, Options{Gateway: store, Email: email})

	result, err := e.ProcessTrigger(context.Background(), "tenant-b", clientAdded("jane@example.com"))
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if result.RulesEvaluated != 0 || len(email.Sent()) != 0 {
		t.Errorf("tenant-b must not see tenant-a rules: %+v", result)
	}
}

// TestProcessTrigger_InactiveAndOtherTrigger verifies inactive rules and
// rules for other trigger types are not evaluated.
func TestProcessTrigger_InactiveAndOtherTrigger(t *testing.T) {
	store := rules.NewInMemoryStore()
	inactive := welcomeRule("tenant-a")
	inactive.Active = false
	addRule(t, store, inactive)

	other := welcomeRule("tenant-a")
	other.ID = "on-update"
	other.TriggerType = rules.TriggerClientUpdated
	addRule(t, store, other)

	email := &fakeEmail{}
	e := startEngine(t, Options{Gateway: store, Email: email})

	result, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("jane@example.com"))
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if result.RulesEvaluated != 0 || len(email.Sent()) != 0 {
		t.Errorf("expected nothing evaluated, got %+v", result)
	}
}

// TestProcessTrigger_PriorityOrder verifies higher priority rules fire first
// and equal priorities fall back to creation order.
func TestProcessTrigger_PriorityOrder(t *testing.T) {
	store := rules.NewInMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, tc := range []struct {
		id       string
		priority int
	}{
		{"low", 0},
		{"high", 10},
		{"low-later", 0},
	} {
		addRule(t, store, &rules.Rule{
			ID:          tc.id,
			TenantID:    "tenant-a",
			Name:        tc.id,
			TriggerType: rules.TriggerClientAdded,
			Priority:    tc.priority,
			Active:      true,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			Actions: []rules.Action{
				{Type: rules.ActionLogActivity, Payload: map[string]any{"description": tc.id}},
			},
		})
	}
	e := startEngine(t, Options{Gateway: store})

	result, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("x@example.com"))
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}

	want := []string{"high", "low", "low-later"}
	if fmt.Sprint(result.RulesFired) != fmt.Sprint(want) {
		t.Errorf("RulesFired = %v, want %v", result.RulesFired, want)
	}
	log := store.ActivityLog("tenant-a")
	if len(log) != 3 {
		t.Fatalf("expected 3 activity entries, got %d", len(log))
	}
	for i, id := range want {
		if log[i].Description != id {
			t.Errorf("activity[%d] = %q, want %q", i, log[i].Description, id)
		}
		if log[i].EntityType != "client" || log[i].EntityID != "client-1" {
			t.Errorf("activity[%d] entity = %s/%s, want client/client-1", i, log[i].EntityType, log[i].EntityID)
		}
	}
}

// TestProcessTrigger_FailingActionIsolated verifies a failed action neither
// stops later actions of the rule nor other rules.
func TestProcessTrigger_FailingActionIsolated(t *testing.T) {
	store := rules.NewInMemoryStore()
	addRule(t, store, &rules.Rule{
		ID:          "notify",
		TenantID:    "tenant-a",
		Name:        "Notify and task",
		TriggerType: rules.TriggerClientAdded,
		Active:      true,
		Priority:    1,
		Actions: []rules.Action{
			{Type: rules.ActionWebhookCall, Target: "https://hooks.example.com/new"},
			{Type: rules.ActionCreateTask, Target: "paralegal", Payload: map[string]any{"title": "Call {{client.name}}", "dueInDays": 2}},
		},
	})
	addRule(t, store, welcomeRule("tenant-a"))

	webhook := &fakeWebhook{err: errBoom}
	email := &fakeEmail{}
	e := startEngine(t, Options{Gateway: store, Email: email, Webhook: webhook})

	result, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("jane@example.com"))
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if result.ActionsFailed != 1 || result.ActionsDispatched != 2 {
		t.Errorf("expected 1 failed / 2 dispatched, got %+v", result)
	}
	if len(result.RulesFired) != 2 {
		t.Errorf("expected both rules fired, got %v", result.RulesFired)
	}

	tasks := store.Tasks("tenant-a")
	if len(tasks) != 1 || tasks[0].Title != "Call Jane Doe" || tasks[0].Assignee != "paralegal" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	if tasks[0].DueDate == nil || tasks[0].RuleID != "notify" {
		t.Errorf("expected due date and rule id on task: %+v", tasks[0])
	}
	if len(email.Sent()) != 1 {
		t.Errorf("expected welcome email despite failed webhook")
	}

	records, _ := store.ListExecutionRecords(context.Background(), "tenant-a", 0)
	if len(records) != 2 {
		t.Fatalf("expected 2 execution records, got %d", len(records))
	}
	failed := 0
	for _, r := range records {
		failed += r.ActionsFailed
	}
	if failed != 1 {
		t.Errorf("expected 1 failed action across records, got %d", failed)
	}
}

// TestProcessTrigger_PanickingExecutorContained verifies a panic in an
// executor is counted as a failed action.
func TestProcessTrigger_PanickingExecutorContained(t *testing.T) {
	store := rules.NewInMemoryStore()
	addRule(t, store, &rules.Rule{
		ID:          "hook",
		TenantID:    "tenant-a",
		Name:        "Hook",
		TriggerType: rules.TriggerClientAdded,
		Active:      true,
		Actions: []rules.Action{
			{Type: rules.ActionWebhookCall, Target: "https://hooks.example.com/x"},
			{Type: rules.ActionLogActivity, Payload: map[string]any{"description": "after"}},
		},
	})
	e := startEngine(t, Options{Gateway: store, Webhook: &fakeWebhook{panic: true}})

	result, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("a@example.com"))
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if result.ActionsFailed != 1 || result.ActionsDispatched != 1 {
		t.Errorf("expected 1 failed / 1 dispatched, got %+v", result)
	}
	if len(store.ActivityLog("tenant-a")) != 1 {
		t.Errorf("expected the second action to run")
	}
}

// TestProcessTrigger_RuleLoadError verifies a storage failure aborts the
// trigger with a *RuleLoadError.
func TestProcessTrigger_RuleLoadError(t *testing.T) {
	store := rules.NewInMemoryStore()
	addRule(t, store, welcomeRule("tenant-a"))
	email := &fakeEmail{}
	gw := &failingGateway{InMemoryStore: store, loadErr: errBoom}
	e := startEngine(t, Options{Gateway: gw, Email: email})

	_, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("jane@example.com"))
	var loadErr *RuleLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected *RuleLoadError, got %v", err)
	}
	if loadErr.TenantID != "tenant-a" || loadErr.TriggerType != rules.TriggerClientAdded {
		t.Errorf("unexpected load error fields: %+v", loadErr)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("expected wrapped cause")
	}
	if len(email.Sent()) != 0 {
		t.Errorf("no actions may run after a load failure")
	}
}

// TestProcessTrigger_AuditFailureIgnored verifies a failed audit write does
// not fail the trigger or undo actions.
func TestProcessTrigger_AuditFailureIgnored(t *testing.T) {
	store := rules.NewInMemoryStore()
	addRule(t, store, welcomeRule("tenant-a"))
	email := &fakeEmail{}
	gw := &failingGateway{InMemoryStore: store, auditErr: errBoom}
	e := startEngine(t, Options{Gateway: gw, Email: email})

	result, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("jane@example.com"))
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if len(result.RulesFired) != 1 || len(email.Sent()) != 1 {
		t.Errorf("expected rule to fire and email to be sent, got %+v", result)
	}
}

// TestProcessTrigger_InputValidation verifies the synchronous input errors.
func TestProcessTrigger_InputValidation(t *testing.T) {
	store := rules.NewInMemoryStore()
	e := startEngine(t, Options{Gateway: store})

	tests := []struct {
		name     string
		tenantID string
		trigger  rules.Trigger
		want     error
	}{
		{"empty tenant", "", clientAdded("x"), ErrEmptyTenant},
		{"blank tenant", "   ", clientAdded("x"), ErrEmptyTenant},
		{"unknown trigger", "tenant-a", rules.Trigger{Type: "invoice_paid"}, ErrUnknownTriggerType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ProcessTrigger(context.Background(), tt.tenantID, tt.trigger)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestProcessTrigger_ExtraTriggerTypes verifies host-registered trigger types.
func TestProcessTrigger_ExtraTriggerTypes(t *testing.T) {
	store := rules.NewInMemoryStore()
	addRule(t, store, &rules.Rule{
		ID:          "paid",
		TenantID:    "tenant-a",
		Name:        "Invoice paid",
		TriggerType: "invoice_paid",
		Active:      true,
		Conditions:  []rules.Condition{{Field: "invoice.amount", Operator: rules.OpGreaterThan, Value: 1000}},
		Actions:     []rules.Action{{Type: rules.ActionLogActivity}},
	})
	e := startEngine(t, Options{Gateway: store, ExtraTriggerTypes: []string{"invoice_paid"}})

	result, err := e.ProcessTrigger(context.Background(), "tenant-a", rules.Trigger{
		Type:        "invoice_paid",
		ContextData: map[string]any{"invoice": map[string]any{"amount": 1500}},
	})
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if len(result.RulesFired) != 1 {
		t.Errorf("expected rule to fire, got %+v", result)
	}
	entries := store.ActivityLog("tenant-a")
	if len(entries) != 1 || entries[0].ActivityType != "automation" {
		t.Errorf("unexpected activity log: %+v", entries)
	}
}

// TestNew_InvalidOptions verifies constructor validation.
func TestNew_InvalidOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error without gateway")
	}
	if _, err := New(Options{Gateway: rules.NewInMemoryStore(), ExtraTriggerTypes: []string{"bad-type"}}); err == nil {
		t.Error("expected error for invalid trigger type")
	}
}

// TestProcessTrigger_StoppedEngine verifies triggers are rejected after Stop
// and before Start.
func TestProcessTrigger_StoppedEngine(t *testing.T) {
	e, err := New(Options{Gateway: rules.NewInMemoryStore()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("x")); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("before Start: error = %v, want ErrEngineStopped", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("x")); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("after Stop: error = %v, want ErrEngineStopped", err)
	}
}

// TestProcessTrigger_SameTenantNeverInterleaves verifies concurrent triggers
// of one tenant run one at a time.
func TestProcessTrigger_SameTenantNeverInterleaves(t *testing.T) {
	store := rules.NewInMemoryStore()
	addRule(t, store, welcomeRule("tenant-a"))
	addRule(t, store, welcomeRule("tenant-b"))
	email := &fakeEmail{delay: 2 * time.Millisecond}
	e := startEngine(t, Options{Gateway: store, Email: email})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		for _, tenant := range []string{"tenant-a", "tenant-b"} {
			wg.Add(1)
			go func(tenant string, i int) {
				defer wg.Done()
				_, err := e.ProcessTrigger(context.Background(), tenant, clientAdded(fmt.Sprintf("c%d@example.com", i)))
				errs <- err
			}(tenant, i)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("ProcessTrigger() error = %v", err)
		}
	}
	if got := len(email.Sent()); got != 2*n {
		t.Errorf("expected %d emails, got %d", 2*n, got)
	}
	if email.maxInFlight != 1 {
		t.Errorf("expected at most 1 in-flight action per tenant, got %d", email.maxInFlight)
	}
}

// TestProcessTrigger_CallerCancelDoesNotCancelJob verifies a cancelled
// caller still gets its queued trigger processed.
func TestProcessTrigger_CallerCancelDoesNotCancelJob(t *testing.T) {
	store := rules.NewInMemoryStore()
	addRule(t, store, welcomeRule("tenant-a"))
	email := &fakeEmail{delay: 50 * time.Millisecond}
	e := startEngine(t, Options{Gateway: store, Email: email})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := e.ProcessTrigger(ctx, "tenant-a", clientAdded("jane@example.com")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}

	// A second trigger queues behind the first, so once it returns the
	// first has completed.
	if _, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("john@example.com")); err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if got := len(email.Sent()); got != 2 {
		t.Errorf("expected both emails sent, got %d", got)
	}
}

// TestProcessTrigger_GuardFilters verifies the CEL guard is ANDed with the
// conditions and that guard errors mean no match.
func TestProcessTrigger_GuardFilters(t *testing.T) {
	store := rules.NewInMemoryStore()
	guarded := welcomeRule("tenant-a")
	guarded.Guard = `event.client.status == "retained"`
	addRule(t, store, guarded)

	broken := welcomeRule("tenant-a")
	broken.ID = "broken"
	broken.Guard = `event.client.missing.deeper == 1`
	addRule(t, store, broken)

	email := &fakeEmail{}
	e := startEngine(t, Options{Gateway: store, Email: email})

	result, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("jane@example.com"))
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if len(result.RulesFired) != 0 {
		t.Errorf("expected guards to block both rules, got %v", result.RulesFired)
	}

	trigger := clientAdded("jane@example.com")
	trigger.ContextData["client"].(map[string]any)["status"] = "retained"
	result, err = e.ProcessTrigger(context.Background(), "tenant-a", trigger)
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if fmt.Sprint(result.RulesFired) != "[welcome]" {
		t.Errorf("RulesFired = %v, want [welcome]", result.RulesFired)
	}
}

// TestProcessTrigger_DelayedActionScheduled verifies delayed actions are
// persisted rather than run inline.
func TestProcessTrigger_DelayedActionScheduled(t *testing.T) {
	store := rules.NewInMemoryStore()
	rule := welcomeRule("tenant-a")
	rule.Actions[0].DelayMinutes = 60
	addRule(t, store, rule)
	email := &fakeEmail{}
	e := startEngine(t, Options{Gateway: store, Email: email})

	result, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("jane@example.com"))
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if result.ActionsScheduled != 1 || result.ActionsDispatched != 0 {
		t.Errorf("expected 1 scheduled action, got %+v", result)
	}
	if len(email.Sent()) != 0 {
		t.Errorf("delayed email must not be sent inline")
	}

	scheduled := store.ScheduledActions()
	if len(scheduled) != 1 {
		t.Fatalf("expected 1 persisted scheduled action, got %d", len(scheduled))
	}
	sa := scheduled[0]
	if sa.Status != rules.ScheduledPending || sa.TenantID != "tenant-a" || sa.RuleID != "welcome" {
		t.Errorf("unexpected scheduled action: %+v", sa)
	}
	if d := time.Until(sa.DueAt); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("expected due in about an hour, got %v", d)
	}
	if e.PendingDelayedActions() != 1 {
		t.Errorf("expected 1 delayed action in memory, got %d", e.PendingDelayedActions())
	}
}

// TestProcessTrigger_OversizedDelayStillScheduled verifies a delay too large
// for time.Duration is capped and never runs inline.
func TestProcessTrigger_OversizedDelayStillScheduled(t *testing.T) {
	store := rules.NewInMemoryStore()
	rule := welcomeRule("tenant-a")
	rule.Actions[0].DelayMinutes = 200_000_000
	addRule(t, store, rule)
	email := &fakeEmail{}
	e := startEngine(t, Options{Gateway: store, Email: email})

	result, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("jane@example.com"))
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if result.ActionsScheduled != 1 || result.ActionsDispatched != 0 {
		t.Errorf("expected 1 scheduled action, got %+v", result)
	}
	if len(email.Sent()) != 0 {
		t.Errorf("delayed email must not be sent inline")
	}
	scheduled := store.ScheduledActions()
	if len(scheduled) != 1 {
		t.Fatalf("expected 1 scheduled action, got %d", len(scheduled))
	}
	if d := time.Until(scheduled[0].DueAt); d < 9*365*24*time.Hour {
		t.Errorf("expected due in about ten years, got %v", d)
	}
}

// TestProcessTrigger_DelayedActionOwnsContext verifies a delayed action keeps
// the context as it was when the trigger was processed.
func TestProcessTrigger_DelayedActionOwnsContext(t *testing.T) {
	store := rules.NewInMemoryStore()
	rule := welcomeRule("tenant-a")
	rule.Actions[0].DelayMinutes = 60
	addRule(t, store, rule)
	e := startEngine(t, Options{Gateway: store, Email: &fakeEmail{}})

	trigger := clientAdded("jane@example.com")
	if _, err := e.ProcessTrigger(context.Background(), "tenant-a", trigger); err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	trigger.ContextData["client"].(map[string]any)["email"] = "mallory@example.com"

	e.scheduler.mu.Lock()
	queued := e.scheduler.queue[0].action
	e.scheduler.mu.Unlock()
	if got, _ := rules.Resolve(queued.ContextData, "client.email"); got.Text() != "jane@example.com" {
		t.Errorf("queued client.email = %q, want jane@example.com", got.Text())
	}

	scheduled := store.ScheduledActions()
	if len(scheduled) != 1 {
		t.Fatalf("expected 1 scheduled action, got %d", len(scheduled))
	}
	if got, _ := rules.Resolve(scheduled[0].ContextData, "client.email"); got.Text() != "jane@example.com" {
		t.Errorf("stored client.email = %q, want jane@example.com", got.Text())
	}
}

// TestProcessTrigger_PanicAfterMatchStillAudited verifies a rule that panics
// while dispatching is reported as fired and has an execution record.
func TestProcessTrigger_PanicAfterMatchStillAudited(t *testing.T) {
	store := rules.NewInMemoryStore()
	rule := welcomeRule("tenant-a")
	rule.Actions[0].DelayMinutes = 60
	addRule(t, store, rule)
	gw := &failingGateway{InMemoryStore: store, savePanic: true}
	e := startEngine(t, Options{Gateway: gw, Email: &fakeEmail{}})

	result, err := e.ProcessTrigger(context.Background(), "tenant-a", clientAdded("jane@example.com"))
	if err != nil {
		t.Fatalf("ProcessTrigger() error = %v", err)
	}
	if fmt.Sprint(result.RulesFired) != "[welcome]" || result.ActionsFailed != 1 {
		t.Errorf("expected welcome fired with 1 failed action, got %+v", result)
	}

	records, err := store.ListExecutionRecords(context.Background(), "tenant-a", 10)
	if err != nil {
		t.Fatalf("ListExecutionRecords() error = %v", err)
	}
	if len(records) != 1 || records[0].RuleID != "welcome" || records[0].ActionsFailed != 1 {
		t.Errorf("expected one execution record with 1 failed action, got %+v", records)
	}
}

// TestProcessTrigger_UpdateField verifies allow-listed field writes and that
// a disallowed field is a failed action.
func TestProcessTrigger_UpdateField(t *testing.T) {
	store := rules.NewInMemoryStore()
	addRule(t, store, &rules.Rule{
		ID:          "stage",
		TenantID:    "tenant-a",
		Name:        "Mark contacted",
		TriggerType: rules.TriggerClientContacted,
		Active:      true,
		Conditions: []rules.Condition{
			{Field: "contactMethod", Operator: rules.OpEquals, Value: "phone"},
		},
		Actions: []rules.Action{
			{Type: rules.ActionUpdateField, Target: "clients.{{client.id}}.status", Payload: map[string]any{"value": "contacted"}},
			{Type: rules.ActionUpdateField, Target: "clients.{{client.id}}.password", Payload: map[string]any{"value": "x"}},
		},
	})
	e := startEngine(t, Options{Gateway: store})

	result, err := e.TriggerClientContacted(context.Background(), "tenant-a", map[string]any{"id": "c-9"}, "phone")
	if err != nil {
		t.Fatalf("TriggerClientContacted() error = %v", err)
	}
	if result.ActionsDispatched != 1 || result.ActionsFailed != 1 {
		t.Errorf("expected 1 dispatched / 1 failed, got %+v", result)
	}
	if v, ok := store.FieldValue("tenant-a", "clients", "c-9", "status"); !ok || v != "contacted" {
		t.Errorf("status = %v (%v), want contacted", v, ok)
	}
	if _, ok := store.FieldValue("tenant-a", "clients", "c-9", "password"); ok {
		t.Errorf("disallowed field must not be written")
	}
}

// TestEngine_ValidateRule verifies the engine-bound validator accepts its
// own trigger types.
func TestEngine_ValidateRule(t *testing.T) {
	e, err := New(Options{Gateway: rules.NewInMemoryStore(), ExtraTriggerTypes: []string{"invoice_paid"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rule := welcomeRule("tenant-a")
	rule.TriggerType = "invoice_paid"
	if err := e.ValidateRule(rule); err != nil {
		t.Errorf("ValidateRule() error = %v", err)
	}
}
