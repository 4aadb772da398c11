package multitenantengine

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/liamcoop/automations/executors"
	"github.com/liamcoop/automations/rules"
)

func emailMessage(subject, body string) executors.EmailMessage {
	return executors.EmailMessage{Subject: subject, Body: body}
}

var testData = rules.ValueOf(map[string]any{
	"client": map[string]any{
		"id":    "c-1",
		"name":  "Jane Doe",
		"email": "jane@example.com",
		"phone": "+15550100",
		"tags":  []any{"vip", "referral"},
		"value": 2500,
	},
})

// TestInterpolate verifies placeholder substitution.
func TestInterpolate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"Hi {{client.name}}", "Hi Jane Doe"},
		{"{{ client.email }}", "jane@example.com"},
		{"{{client.tags.0}}/{{client.tags.1}}", "vip/referral"},
		{"worth {{client.value}}", "worth 2500"},
		{"missing [{{client.nope}}]", "missing []"},
		{"unclosed {{client.name", "unclosed {{client.name"},
	}
	for _, tt := range tests {
		if got := interpolate(tt.in, testData); got != tt.want {
			t.Errorf("interpolate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestDecodeAction verifies each action type decodes into its command.
func TestDecodeAction(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		action  rules.Action
		want    Command
		wantErr bool
	}{
		{
			name: "send_email",
			action: rules.Action{Type: rules.ActionSendEmail, Target: "{{client.email}}",
				Payload: map[string]any{"subject": "Hello {{client.name}}", "body": "b"}},
			want: SendEmail{To: "jane@example.com", Message: emailMessage("Hello Jane Doe", "b")},
		},
		{
			name: "send_email passes extra payload keys through",
			action: rules.Action{Type: rules.ActionSendEmail, Target: "{{client.email}}",
				Payload: map[string]any{"subject": "s", "body": "b", "cc": "{{client.email}}", "templateId": "welcome-v2"}},
			want: SendEmail{To: "jane@example.com", Message: executors.EmailMessage{
				Subject: "s",
				Body:    "b",
				Extra:   map[string]any{"cc": "jane@example.com", "templateId": "welcome-v2"},
			}},
		},
		{
			name:    "send_email without recipient",
			action:  rules.Action{Type: rules.ActionSendEmail, Target: "{{client.nope}}"},
			wantErr: true,
		},
		{
			name:   "send_sms",
			action: rules.Action{Type: rules.ActionSendSMS, Target: "{{client.phone}}", Payload: map[string]any{"message": "Hi"}},
			want:   SendSMS{To: "+15550100", Message: "Hi"},
		},
		{
			name:   "update_field",
			action: rules.Action{Type: rules.ActionUpdateField, Target: "clients.{{client.id}}.status", Payload: map[string]any{"value": "active"}},
			want:   UpdateField{Table: "clients", RecordID: "c-1", Field: "status", Value: "active"},
		},
		{
			name:   "update_field dotted record id",
			action: rules.Action{Type: rules.ActionUpdateField, Target: "matters.2026.01.stage", Payload: map[string]any{"value": 3}},
			want:   UpdateField{Table: "matters", RecordID: "2026.01", Field: "stage", Value: 3},
		},
		{
			name:    "update_field bad target",
			action:  rules.Action{Type: rules.ActionUpdateField, Target: "clients.status", Payload: map[string]any{"value": 1}},
			wantErr: true,
		},
		{
			name:    "update_field missing value",
			action:  rules.Action{Type: rules.ActionUpdateField, Target: "clients.1.status"},
			wantErr: true,
		},
		{
			name:   "log_activity from target",
			action: rules.Action{Type: rules.ActionLogActivity, Target: "matter.m-7", Payload: map[string]any{"description": "d"}},
			want:   LogActivity{EntityType: "matter", EntityID: "m-7", ActivityType: "automation", Description: "d"},
		},
		{
			name:   "log_activity defaults to client",
			action: rules.Action{Type: rules.ActionLogActivity, Payload: map[string]any{"activityType": "note"}},
			want:   LogActivity{EntityType: "client", EntityID: "c-1", ActivityType: "note"},
		},
		{
			name:    "webhook bad scheme",
			action:  rules.Action{Type: rules.ActionWebhookCall, Target: "ftp://example.com"},
			wantErr: true,
		},
		{
			name:    "create_task without title",
			action:  rules.Action{Type: rules.ActionCreateTask, Target: "bob"},
			wantErr: true,
		},
		{
			name:    "create_task bad due date",
			action:  rules.Action{Type: rules.ActionCreateTask, Payload: map[string]any{"title": "t", "dueDate": "next week"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAction(tt.action, testData, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeAction() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DecodeAction() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestDecodeAction_CreateTaskDueDate verifies both due date forms.
func TestDecodeAction_CreateTaskDueDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	cmd, err := DecodeAction(rules.Action{
		Type:    rules.ActionCreateTask,
		Target:  "paralegal",
		Payload: map[string]any{"title": "Call {{client.name}}", "dueInDays": 3},
	}, testData, now)
	if err != nil {
		t.Fatalf("DecodeAction() error = %v", err)
	}
	task := cmd.(CreateTask)
	if task.Title != "Call Jane Doe" || task.Assignee != "paralegal" {
		t.Errorf("unexpected task: %+v", task)
	}
	if task.DueDate == nil || !task.DueDate.Equal(now.AddDate(0, 0, 3)) {
		t.Errorf("DueDate = %v, want %v", task.DueDate, now.AddDate(0, 0, 3))
	}

	cmd, err = DecodeAction(rules.Action{
		Type:    rules.ActionCreateTask,
		Payload: map[string]any{"title": "t", "dueDate": "2026-04-15"},
	}, testData, now)
	if err != nil {
		t.Fatalf("DecodeAction() error = %v", err)
	}
	if due := cmd.(CreateTask).DueDate; due == nil || due.Format(time.DateOnly) != "2026-04-15" {
		t.Errorf("DueDate = %v, want 2026-04-15", due)
	}
}

// TestDecodeAction_WebhookPayloadInterpolated verifies nested payload
// strings are interpolated.
func TestDecodeAction_WebhookPayloadInterpolated(t *testing.T) {
	cmd, err := DecodeAction(rules.Action{
		Type:   rules.ActionWebhookCall,
		Target: "https://hooks.example.com/{{client.id}}",
		Payload: map[string]any{
			"who":   "{{client.name}}",
			"meta":  map[string]any{"email": "{{client.email}}"},
			"count": 2,
		},
	}, testData, time.Now())
	if err != nil {
		t.Fatalf("DecodeAction() error = %v", err)
	}
	hook := cmd.(WebhookCall)
	if hook.URL != "https://hooks.example.com/c-1" {
		t.Errorf("URL = %q", hook.URL)
	}
	if hook.Payload["who"] != "Jane Doe" || hook.Payload["count"] != 2 {
		t.Errorf("unexpected payload: %+v", hook.Payload)
	}
	if meta := hook.Payload["meta"].(map[string]any); meta["email"] != "jane@example.com" {
		t.Errorf("nested payload not interpolated: %+v", meta)
	}
}

// TestDecodeAction_UnknownType verifies unknown action types are rejected.
func TestDecodeAction_UnknownType(t *testing.T) {
	_, err := DecodeAction(rules.Action{Type: "send_fax"}, testData, time.Now())
	if !errors.Is(err, ErrUnknownActionType) {
		t.Errorf("error = %v, want ErrUnknownActionType", err)
	}
}
