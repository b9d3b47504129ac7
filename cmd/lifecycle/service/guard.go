package service

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// EventGuard evaluates CEL expressions that gate which events may trigger
// firmware regeneration. Expressions see two variables:
//
//	event:  {"device_id", "details", "policy"}
//	device: {"device_id", "current_version_id", "update_sequence", "version_count"}
//
// Compiled programs are cached per expression.
type EventGuard struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEventGuard creates a guard with the event/device evaluation environment
func NewEventGuard() (*EventGuard, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("device", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard environment: %w", err)
	}

	return &EventGuard{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Allow evaluates the expression against the event and device. An empty
// expression allows everything.
func (g *EventGuard) Allow(expr string, event, device map[string]interface{}) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prog, err := g.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prog.Eval(map[string]interface{}{
		"event":  event,
		"device": device,
	})
	if err != nil {
		return false, fmt.Errorf("guard evaluation failed: %w", err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard expression must evaluate to bool, got %T", out.Value())
	}

	return allowed, nil
}

func (g *EventGuard) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prog, ok := g.programs[expr]
	g.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile guard expression: %w", issues.Err())
	}

	prog, err := g.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build guard program: %w", err)
	}

	g.mu.Lock()
	g.programs[expr] = prog
	g.mu.Unlock()

	return prog, nil
}
