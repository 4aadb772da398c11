package multitenantengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automations/executors"
	"github.com/liamcoop/automations/rules"
)

// DefaultActionTimeout bounds a single action execution.
const DefaultActionTimeout = 30 * time.Second

// EmailSender delivers send_email actions.
type EmailSender interface {
	SendEmail(ctx context.Context, tenantID, to string, msg executors.EmailMessage) error
}

// SMSSender delivers send_sms actions.
type SMSSender interface {
	SendSMS(ctx context.Context, tenantID, to, message string) error
}

// WebhookPoster delivers webhook_call actions.
type WebhookPoster interface {
	PostWebhook(ctx context.Context, tenantID, url string, body executors.WebhookBody) error
}

// Command is a decoded action. The concrete types below are the only
// implementations.
type Command interface {
	ActionType() rules.ActionType
}

type SendEmail struct {
	To      string
	Message executors.EmailMessage
}

type SendSMS struct {
	To      string
	Message string
}

type CreateTask struct {
	Assignee    string
	Title       string
	Description string
	DueDate     *time.Time
}

type UpdateField struct {
	Table    string
	RecordID string
	Field    string
	Value    any
}

type LogActivity struct {
	EntityType   string
	EntityID     string
	ActivityType string
	Description  string
}

type WebhookCall struct {
	URL     string
	Payload map[string]any
}

func (SendEmail) ActionType() rules.ActionType   { return rules.ActionSendEmail }
func (SendSMS) ActionType() rules.ActionType     { return rules.ActionSendSMS }
func (CreateTask) ActionType() rules.ActionType  { return rules.ActionCreateTask }
func (UpdateField) ActionType() rules.ActionType { return rules.ActionUpdateField }
func (LogActivity) ActionType() rules.ActionType { return rules.ActionLogActivity }
func (WebhookCall) ActionType() rules.ActionType { return rules.ActionWebhookCall }

var ErrUnknownActionType = errors.New("unknown action type")

// DecodeAction turns a stored action into a Command, interpolating
// {{path}} placeholders in its target and string payload values.
func DecodeAction(action rules.Action, data rules.Value, now time.Time) (Command, error) {
	target := strings.TrimSpace(interpolate(action.Target, data))
	payload, _ := interpolateAny(action.Payload, data).(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}

	switch action.Type {
	case rules.ActionSendEmail:
		if target == "" {
			return nil, errors.New("send_email: recipient is empty")
		}
		return SendEmail{
			To: target,
			Message: executors.EmailMessage{
				Subject: stringField(payload, "subject"),
				Body:    stringField(payload, "body"),
				Extra:   extraFields(payload, "subject", "body"),
			},
		}, nil

	case rules.ActionSendSMS:
		if target == "" {
			return nil, errors.New("send_sms: recipient is empty")
		}
		return SendSMS{To: target, Message: stringField(payload, "message")}, nil

	case rules.ActionCreateTask:
		title := stringField(payload, "title")
		if title == "" {
			return nil, errors.New("create_task: title is required")
		}
		due, err := dueDate(payload, now)
		if err != nil {
			return nil, fmt.Errorf("create_task: %w", err)
		}
		return CreateTask{
			Assignee:    target,
			Title:       title,
			Description: stringField(payload, "description"),
			DueDate:     due,
		}, nil

	case rules.ActionUpdateField:
		table, recordID, field, err := splitFieldTarget(target)
		if err != nil {
			return nil, fmt.Errorf("update_field: %w", err)
		}
		value, ok := payload["value"]
		if !ok {
			return nil, errors.New("update_field: payload.value is required")
		}
		return UpdateField{Table: table, RecordID: recordID, Field: field, Value: value}, nil

	case rules.ActionLogActivity:
		cmd := LogActivity{
			ActivityType: stringField(payload, "activityType"),
			Description:  stringField(payload, "description"),
			EntityType:   stringField(payload, "entityType"),
			EntityID:     stringField(payload, "entityId"),
		}
		if cmd.EntityType == "" && cmd.EntityID == "" && target != "" {
			cmd.EntityType, cmd.EntityID, _ = strings.Cut(target, ".")
		}
		if cmd.EntityType == "" && cmd.EntityID == "" {
			if id, ok := data.Lookup("client.id"); ok && !id.IsEmpty() {
				cmd.EntityType, cmd.EntityID = "client", id.Text()
			}
		}
		if cmd.ActivityType == "" {
			cmd.ActivityType = "automation"
		}
		return cmd, nil

	case rules.ActionWebhookCall:
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("webhook_call: invalid url %q", target)
		}
		return WebhookCall{URL: target, Payload: payload}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, action.Type)
}

// extraFields returns payload without the named keys, or nil if nothing
// is left.
func extraFields(payload map[string]any, known ...string) map[string]any {
	var extra map[string]any
	for k, v := range payload {
		if slices.Contains(known, k) {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}

func stringField(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return rules.ValueOf(v).Text()
}

func dueDate(payload map[string]any, now time.Time) (*time.Time, error) {
	if raw := stringField(payload, "dueDate"); raw != "" {
		for _, layout := range []string{time.RFC3339, time.DateOnly} {
			if t, err := time.Parse(layout, raw); err == nil {
				return &t, nil
			}
		}
		return nil, fmt.Errorf("invalid dueDate %q", raw)
	}
	if raw, ok := payload["dueInDays"]; ok {
		days := rules.ValueOf(raw).Float()
		if math.IsNaN(days) || days < 0 {
			return nil, fmt.Errorf("invalid dueInDays %v", raw)
		}
		t := now.AddDate(0, 0, int(days))
		return &t, nil
	}
	return nil, nil
}

// splitFieldTarget parses "table.recordId.field". The record id may itself
// contain dots.
func splitFieldTarget(target string) (table, recordID, field string, err error) {
	first := strings.Index(target, ".")
	last := strings.LastIndex(target, ".")
	if first <= 0 || last == first || last == len(target)-1 {
		return "", "", "", fmt.Errorf("target %q must be table.recordId.field", target)
	}
	return target[:first], target[first+1 : last], target[last+1:], nil
}

// dispatcher executes decoded commands against the configured executors.
type dispatcher struct {
	gateway  rules.Gateway
	email    EmailSender
	sms      SMSSender
	webhook  WebhookPoster
	logger   *slog.Logger
	recorder Recorder
	timeout  time.Duration
	now      func() time.Time
}

// actionRef identifies where an action came from, for tasks and logs.
type actionRef struct {
	tenantID    string
	ruleID      string
	ruleName    string
	triggerType string
}

// execute runs one action. A panic inside an executor is returned as an
// error so it cannot abort sibling actions.
func (d *dispatcher) execute(ctx context.Context, ref actionRef, action rules.Action, contextData map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", action.Type, r)
		}
		d.recorder.ActionExecuted(action.Type, err)
	}()

	now := d.now()
	data := rules.ValueOf(contextData)
	cmd, err := DecodeAction(action, data, now)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch c := cmd.(type) {
	case SendEmail:
		if d.email == nil {
			return errors.New("send_email: no email transport configured")
		}
		return d.email.SendEmail(ctx, ref.tenantID, c.To, c.Message)

	case SendSMS:
		if d.sms == nil {
			return errors.New("send_sms: no sms transport configured")
		}
		return d.sms.SendSMS(ctx, ref.tenantID, c.To, c.Message)

	case CreateTask:
		return d.gateway.CreateTask(ctx, ref.tenantID, &rules.Task{
			ID:          uuid.NewString(),
			TenantID:    ref.tenantID,
			Title:       c.Title,
			Description: c.Description,
			Assignee:    c.Assignee,
			DueDate:     c.DueDate,
			RuleID:      ref.ruleID,
			CreatedAt:   now,
		})

	case UpdateField:
		return d.gateway.UpdateField(ctx, ref.tenantID, c.Table, c.RecordID, c.Field, c.Value)

	case LogActivity:
		description := c.Description
		if description == "" {
			description = fmt.Sprintf("Automation %q ran for %s", ref.ruleName, ref.triggerType)
		}
		return d.gateway.AppendActivityLog(ctx, ref.tenantID, &rules.ActivityLogEntry{
			ID:           uuid.NewString(),
			TenantID:     ref.tenantID,
			EntityType:   c.EntityType,
			EntityID:     c.EntityID,
			ActivityType: c.ActivityType,
			Description:  description,
			CreatedAt:    now,
		})

	case WebhookCall:
		if d.webhook == nil {
			return errors.New("webhook_call: no webhook client configured")
		}
		return d.webhook.PostWebhook(ctx, ref.tenantID, c.URL, executors.WebhookBody{
			Payload:     c.Payload,
			ContextData: contextData,
			Timestamp:   now.UTC(),
		})

	default:
		return fmt.Errorf("%w: %T", ErrUnknownActionType, cmd)
	}
}
