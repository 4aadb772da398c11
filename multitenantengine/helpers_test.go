package multitenantengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/automations/executors"
	"github.com/liamcoop/automations/rules"
)

type sentEmail struct {
	tenantID string
	to       string
	msg      executors.EmailMessage
}

// fakeEmail records deliveries and tracks how many run at once per tenant.
type fakeEmail struct {
	mu          sync.Mutex
	sent        []sentEmail
	err         error
	delay       time.Duration
	inFlight    map[string]int
	maxInFlight int
}

func (f *fakeEmail) SendEmail(ctx context.Context, tenantID, to string, msg executors.EmailMessage) error {
	f.mu.Lock()
	if f.inFlight == nil {
		f.inFlight = make(map[string]int)
	}
	f.inFlight[tenantID]++
	if f.inFlight[tenantID] > f.maxInFlight {
		f.maxInFlight = f.inFlight[tenantID]
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight[tenantID]--
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentEmail{tenantID: tenantID, to: to, msg: msg})
	return nil
}

func (f *fakeEmail) Sent() []sentEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEmail(nil), f.sent...)
}

type fakeWebhook struct {
	mu    sync.Mutex
	calls []string
	err   error
	panic bool
}

func (f *fakeWebhook) PostWebhook(ctx context.Context, tenantID, url string, body executors.WebhookBody) error {
	if f.panic {
		panic("webhook exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	return f.err
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSMS) SendSMS(ctx context.Context, tenantID, to, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+message)
	return nil
}

// failingGateway wraps an InMemoryStore and injects errors.
type failingGateway struct {
	*rules.InMemoryStore
	loadErr  error
	auditErr error
	saveErr  error
	// savePanic makes SaveScheduledAction panic.
	savePanic bool
}

func (g *failingGateway) LoadActiveRules(ctx context.Context, tenantID, triggerType string) ([]*rules.Rule, error) {
	if g.loadErr != nil {
		return nil, g.loadErr
	}
	return g.InMemoryStore.LoadActiveRules(ctx, tenantID, triggerType)
}

func (g *failingGateway) AppendExecutionRecord(ctx context.Context, tenantID string, record *rules.ExecutionRecord) error {
	if g.auditErr != nil {
		return g.auditErr
	}
	return g.InMemoryStore.AppendExecutionRecord(ctx, tenantID, record)
}

func (g *failingGateway) SaveScheduledAction(ctx context.Context, action *rules.ScheduledAction) error {
	if g.savePanic {
		panic("scheduled_actions table locked")
	}
	if g.saveErr != nil {
		return g.saveErr
	}
	return g.InMemoryStore.SaveScheduledAction(ctx, action)
}

var errBoom = errors.New("boom")

// startEngine creates and starts an engine, stopping it when the test ends.
func startEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Cache == nil {
		opts.Cache = rules.NoopRulesCache{}
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func addRule(t *testing.T, store *rules.InMemoryStore, rule *rules.Rule) {
	t.Helper()
	if err := store.Add(context.Background(), rule); err != nil {
		t.Fatalf("Add(%s) error = %v", rule.ID, err)
	}
}

func clientAdded(email string) rules.Trigger {
	return rules.Trigger{
		Type: rules.TriggerClientAdded,
		ContextData: map[string]any{
			"client": map[string]any{
				"id":     "client-1",
				"name":   "Jane Doe",
				"email":  email,
				"status": "lead",
			},
		},
	}
}

func welcomeRule(tenantID string) *rules.Rule {
	return &rules.Rule{
		ID:          "welcome",
		TenantID:    tenantID,
		Name:        "Welcome new clients",
		TriggerType: rules.TriggerClientAdded,
		Active:      true,
		Conditions: []rules.Condition{
			{Field: "client.email", Operator: rules.OpNotEmpty},
		},
		Actions: []rules.Action{
			{
				Type:   rules.ActionSendEmail,
				Target: "{{client.email}}",
				Payload: map[string]any{
					"subject": "Welcome, {{client.name}}",
					"body":    "Thanks for reaching out.",
				},
			},
		},
	}
}
