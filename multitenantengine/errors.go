package multitenantengine

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyTenant        = errors.New("tenant id is required")
	ErrUnknownTriggerType = errors.New("unknown trigger type")
	ErrEngineStopped      = errors.New("automation engine is not running")
)

// RuleLoadError aborts a trigger invocation: no rule of that invocation
// fired. It is the only engine failure reported back to the host.
type RuleLoadError struct {
	TenantID    string
	TriggerType string
	Err         error
}

func (e *RuleLoadError) Error() string {
	return fmt.Sprintf("failed to load rules for tenant %s trigger %s: %v", e.TenantID, e.TriggerType, e.Err)
}

func (e *RuleLoadError) Unwrap() error {
	return e.Err
}
