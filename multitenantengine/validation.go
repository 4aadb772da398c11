package multitenantengine

import (
	"fmt"
	"math"
	"net/url"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/liamcoop/automations/rules"
)

const (
	maxConditions = 50
	maxActions    = 20
	maxNameLength = 200
)

// ValidateRule checks a rule definition before it is stored and reports
// every problem found. guards may be nil, in which case a fresh compiler is
// used for the guard expression.
func ValidateRule(rule *rules.Rule, knownTriggers []string, guards *rules.GuardCompiler) error {
	var result *multierror.Error

	name := strings.TrimSpace(rule.Name)
	if name == "" {
		result = multierror.Append(result, fmt.Errorf("name is required"))
	} else if len(name) > maxNameLength {
		result = multierror.Append(result, fmt.Errorf("name length %d exceeds maximum of %d characters", len(name), maxNameLength))
	}

	if !slices.Contains(knownTriggers, rule.TriggerType) {
		result = multierror.Append(result, fmt.Errorf("unknown trigger type %q (must be one of: %s)", rule.TriggerType, strings.Join(knownTriggers, ", ")))
	}

	if len(rule.Conditions) > maxConditions {
		result = multierror.Append(result, fmt.Errorf("rule has %d conditions, maximum allowed is %d", len(rule.Conditions), maxConditions))
	}
	for i, c := range rule.Conditions {
		if err := validateCondition(c); err != nil {
			result = multierror.Append(result, fmt.Errorf("condition %d: %w", i, err))
		}
	}

	if len(rule.Actions) == 0 {
		result = multierror.Append(result, fmt.Errorf("rule must contain at least one action"))
	}
	if len(rule.Actions) > maxActions {
		result = multierror.Append(result, fmt.Errorf("rule has %d actions, maximum allowed is %d", len(rule.Actions), maxActions))
	}
	for i, a := range rule.Actions {
		if err := validateAction(a); err != nil {
			result = multierror.Append(result, fmt.Errorf("action %d: %w", i, err))
		}
	}

	if rule.Guard != "" {
		if guards == nil {
			g, err := rules.NewGuardCompiler()
			if err != nil {
				return err
			}
			guards = g
		}
		if _, err := guards.Compile(rule.Guard); err != nil {
			result = multierror.Append(result, fmt.Errorf("guard: %w", err))
		}
	}

	return result.ErrorOrNil()
}

func validateCondition(c rules.Condition) error {
	if err := validateFieldPath(c.Field); err != nil {
		return err
	}
	if !c.Operator.Known() {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	if !c.LogicalOperator.Known() {
		return fmt.Errorf("unknown logical operator %q (must be AND or OR)", c.LogicalOperator)
	}
	if !c.Operator.NeedsValue() {
		return nil
	}
	// equals null is a strict null check.
	if c.Value == nil && c.Operator != rules.OpEquals {
		return fmt.Errorf("operator %q requires a value", c.Operator)
	}
	if c.Operator == rules.OpGreaterThan || c.Operator == rules.OpLessThan {
		v := rules.ValueOf(c.Value)
		if math.IsNaN(v.Float()) {
			return fmt.Errorf("operator %q requires a numeric value, got %v", c.Operator, c.Value)
		}
	}
	return nil
}

// validateFieldPath accepts dot-separated paths whose segments are
// identifiers or array indexes, e.g. "client.tags.0".
func validateFieldPath(path string) error {
	if path == "" {
		return fmt.Errorf("field is required")
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Errorf("field %q has an empty path segment", path)
		}
		if isIndex(seg) {
			continue
		}
		if !rules.ValidIdentifier(seg) {
			return fmt.Errorf("field %q: segment %q must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$", path, seg)
		}
	}
	return nil
}

func isIndex(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func validateAction(a rules.Action) error {
	if a.DelayMinutes < 0 {
		return fmt.Errorf("delayMinutes must not be negative")
	}
	if a.DelayMinutes > rules.MaxDelayMinutes {
		return fmt.Errorf("delayMinutes must not exceed %d", rules.MaxDelayMinutes)
	}

	templated := strings.Contains(a.Target, "{{")
	switch a.Type {
	case rules.ActionSendEmail, rules.ActionSendSMS:
		if strings.TrimSpace(a.Target) == "" {
			return fmt.Errorf("%s requires a target recipient", a.Type)
		}
	case rules.ActionCreateTask:
		if title, _ := a.Payload["title"].(string); strings.TrimSpace(title) == "" {
			return fmt.Errorf("create_task requires payload.title")
		}
	case rules.ActionUpdateField:
		if _, ok := a.Payload["value"]; !ok {
			return fmt.Errorf("update_field requires payload.value")
		}
		if templated {
			return nil
		}
		table, _, field, err := splitFieldTarget(a.Target)
		if err != nil {
			return err
		}
		if err := validateIdentifier(table); err != nil {
			return fmt.Errorf("invalid table %q: %w", table, err)
		}
		if err := validateIdentifier(field); err != nil {
			return fmt.Errorf("invalid field %q: %w", field, err)
		}
	case rules.ActionLogActivity:
	case rules.ActionWebhookCall:
		if templated {
			return nil
		}
		u, err := url.Parse(a.Target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook_call target %q must be an http(s) URL", a.Target)
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// validateIdentifier validates a table or field name.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}
	if !rules.ValidIdentifier(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}
	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

// isReservedKeyword reports SQL and CEL keywords that cannot be used as
// table or field names.
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		"true":   true,
		"false":  true,
		"null":   true,
		"select": true,
		"insert": true,
		"update": true,
		"delete": true,
		"drop":   true,
		"table":  true,
		"where":  true,
		"from":   true,
		"in":     true,
		"as":     true,
	}
	return reservedKeywords[strings.ToLower(name)]
}

// ValidateRule validates rule against this engine's trigger types and
// guard environment.
func (e *Engine) ValidateRule(rule *rules.Rule) error {
	return ValidateRule(rule, e.TriggerTypes(), e.guards)
}
