// Package executors holds the outbound transports used by automation
// actions: email, SMS and webhooks.
package executors

import (
	"strings"
	"time"
)

// EmailMessage is the rendered content of a send_email action.
type EmailMessage struct {
	Subject string
	Body    string
	// Extra holds the remaining payload keys (cc, replyTo, templateId, ...).
	// Senders use the keys they understand and ignore the rest.
	Extra map[string]any
}

// Cc returns the carbon copy recipients from Extra["cc"], which may be a
// comma separated string or a list of strings.
func (m EmailMessage) Cc() []string {
	var out []string
	add := func(s string) {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	switch v := m.Extra["cc"].(type) {
	case string:
		add(v)
	case []string:
		for _, s := range v {
			add(s)
		}
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				add(s)
			}
		}
	}
	return out
}

// ReplyTo returns Extra["replyTo"] when it is a string.
func (m EmailMessage) ReplyTo() string {
	s, _ := m.Extra["replyTo"].(string)
	return strings.TrimSpace(s)
}

// WebhookBody is the JSON document POSTed by a webhook_call action.
type WebhookBody struct {
	Payload     map[string]any `json:"payload"`
	ContextData map[string]any `json:"contextData"`
	Timestamp   time.Time      `json:"timestamp"`
}
