package multitenantengine

import (
	"context"
	"time"

	"github.com/liamcoop/automations/rules"
)

// Trigger helpers build the context payload for the builtin trigger types.
// Entities may be plain maps or the typed structs in rules/generated.

func (e *Engine) TriggerClientAdded(ctx context.Context, tenantID string, client any) (*TriggerResult, error) {
	return e.ProcessTrigger(ctx, tenantID, e.buildTrigger(rules.TriggerClientAdded, map[string]any{
		"client": client,
	}))
}

// TriggerClientUpdated carries the changed fields under "changes" so rules
// can react to a specific transition, e.g. changes.status equals "retained".
func (e *Engine) TriggerClientUpdated(ctx context.Context, tenantID string, client any, changes map[string]any) (*TriggerResult, error) {
	if changes == nil {
		changes = map[string]any{}
	}
	return e.ProcessTrigger(ctx, tenantID, e.buildTrigger(rules.TriggerClientUpdated, map[string]any{
		"client":  client,
		"changes": changes,
	}))
}

func (e *Engine) TriggerClientContacted(ctx context.Context, tenantID string, client any, method string) (*TriggerResult, error) {
	return e.ProcessTrigger(ctx, tenantID, e.buildTrigger(rules.TriggerClientContacted, map[string]any{
		"client":        client,
		"contactMethod": method,
	}))
}

func (e *Engine) TriggerMatterOpened(ctx context.Context, tenantID string, matter, client any) (*TriggerResult, error) {
	return e.ProcessTrigger(ctx, tenantID, e.buildTrigger(rules.TriggerMatterOpened, map[string]any{
		"matter": matter,
		"client": client,
	}))
}

func (e *Engine) TriggerDocumentUploaded(ctx context.Context, tenantID string, document, matter any) (*TriggerResult, error) {
	return e.ProcessTrigger(ctx, tenantID, e.buildTrigger(rules.TriggerDocumentUploaded, map[string]any{
		"document": document,
		"matter":   matter,
	}))
}

// buildTrigger normalizes entities to plain JSON-shaped values and stamps
// the trigger time. Nil entities are left out.
func (e *Engine) buildTrigger(triggerType string, fields map[string]any) rules.Trigger {
	data := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		if v == nil {
			continue
		}
		data[k] = rules.ValueOf(v).Interface()
	}
	data["timestamp"] = e.now().UTC().Format(time.RFC3339)
	return rules.Trigger{Type: triggerType, ContextData: data}
}
