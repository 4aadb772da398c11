package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// guardCostLimit bounds the work a single guard evaluation may perform.
const guardCostLimit = 1000000

// GuardCompiler compiles and caches the optional CEL guard of each rule.
// Guards see three variables: event (the trigger context), trigger (the
// trigger type) and tenantId. It is safe for concurrent use.
type GuardCompiler struct {
	env      *cel.Env
	programs map[string]cel.Program // expression -> compiled program
	mu       sync.RWMutex
}

// NewGuardCompiler creates a compiler with the guard environment.
func NewGuardCompiler() (*GuardCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("trigger", cel.StringType),
		cel.Variable("tenantId", cel.StringType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &GuardCompiler{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile type-checks a guard expression and caches the program.
// The expression must produce a bool (or dyn, checked at evaluation).
func (g *GuardCompiler) Compile(expression string) (cel.Program, error) {
	g.mu.RLock()
	prog, ok := g.programs[expression]
	g.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := g.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("guard must evaluate to bool, got %s", out)
	}

	prog, err := g.env.Program(ast, cel.CostLimit(guardCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	g.mu.Lock()
	g.programs[expression] = prog
	g.mu.Unlock()

	return prog, nil
}

// Evaluate runs a rule's guard. An empty guard passes. Anything other
// than a boolean true result is a non-match.
func (g *GuardCompiler) Evaluate(rule *Rule, tenantID string, data Value) (bool, error) {
	if rule.Guard == "" {
		return true, nil
	}

	prog, err := g.Compile(rule.Guard)
	if err != nil {
		return false, err
	}

	event, ok := data.Interface().(map[string]any)
	if !ok {
		event = map[string]any{}
	}

	out, _, err := prog.Eval(map[string]any{
		"event":    event,
		"trigger":  rule.TriggerType,
		"tenantId": tenantID,
	})
	if err != nil {
		return false, fmt.Errorf("guard evaluation error: %w", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard returned %T, want bool", out.Value())
	}
	return matched, nil
}
