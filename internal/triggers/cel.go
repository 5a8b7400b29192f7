package triggers

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/playbooks/pkg/schema"
)

// CELFilter evaluates trigger filters written in CEL. Filters see three map
// variables: event (id, type), payload and organization (id, slug).
// Compiled programs are cached and reused across goroutines.
type CELFilter struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

var celVariables = []string{"event", "payload", "organization"}

// NewCELFilter creates a CELFilter.
func NewCELFilter() (*CELFilter, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELFilter{env: env, cache: make(map[string]cel.Program)}, nil
}

// Check compiles expression and verifies it yields a boolean.
func (f *CELFilter) Check(expression string) error {
	_, err := f.program(expression)
	return err
}

// Match reports whether the event described by vars passes expression. An
// empty expression matches everything.
func (f *CELFilter) Match(ctx context.Context, expression string, vars map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	prg, err := f.program(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, activation(vars))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"filter %q returned %T, want bool", expression, out.Value())
	}
	return matched, nil
}

func (f *CELFilter) program(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	f.mu.RLock()
	if prg, ok := f.cache[expression]; ok {
		f.mu.RUnlock()
		return prg, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if prg, ok := f.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := f.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"filter %q has type %s, want bool", expression, out.String()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := f.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	f.cache[expression] = prg
	return prg, nil
}

// activation fills missing variables with empty maps so a filter never trips
// over an absent one.
func activation(vars map[string]any) map[string]any {
	out := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		if v, ok := vars[name]; ok && v != nil {
			out[name] = v
		} else {
			out[name] = map[string]any{}
		}
	}
	return out
}
