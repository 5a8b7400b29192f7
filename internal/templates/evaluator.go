// Package templates resolves step inputs written as {{ expr }} templates.
//
// Expressions use expr-lang syntax and see the environment built by NewEnv:
// trigger, outputs, run, playbook, organization and inputs.
package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/playbooks/pkg/schema"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Evaluator compiles and runs template expressions. Compiled programs are
// cached by source and reused across goroutines.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates an Evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs a bare expression (no delimiters) against env.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, env map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeTemplate, "empty template expression")
	}

	prg, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "evaluate %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	// Untyped environment: the shape of trigger data differs per playbook.
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "compile %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	e.cache[expression] = prg
	return prg, nil
}

// Render resolves every template inside value. A string that is exactly one
// template yields the expression's typed result; a string mixing text and
// templates is interpolated. Maps and slices are rendered recursively.
func (e *Evaluator) Render(ctx context.Context, value any, env map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return e.renderString(ctx, v, env)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := e.Render(ctx, item, env)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := e.Render(ctx, item, env)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

func (e *Evaluator) renderString(ctx context.Context, s string, env map[string]any) (any, error) {
	if !strings.Contains(s, openDelim) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openDelim) && strings.HasSuffix(trimmed, closeDelim) &&
		strings.Count(trimmed, openDelim) == 1 {
		return e.Evaluate(ctx, trimmed[len(openDelim):len(trimmed)-len(closeDelim)], env)
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], closeDelim)
		if end < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "unterminated template in %q", s)
		}
		b.WriteString(rest[:start])
		val, err := e.Evaluate(ctx, rest[start+len(openDelim):start+end], env)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		rest = rest[start+end+len(closeDelim):]
	}
	return b.String(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// RenderInputs decodes and renders a step's raw inputs. Lists whose entries
// all carry a "value" key become []schema.TaggedValue.
func (e *Evaluator) RenderInputs(ctx context.Context, raw map[string]json.RawMessage, env map[string]any) (map[string]any, error) {
	inputs := make(map[string]any, len(raw))
	for name, msg := range raw {
		var decoded any
		if len(msg) > 0 {
			if err := json.Unmarshal(msg, &decoded); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeTemplate, "input %q is not valid JSON", name).WithCause(err)
			}
		}
		val, err := e.Render(ctx, decoded, env)
		if err != nil {
			var pbErr *schema.PlaybookError
			if errors.As(err, &pbErr) {
				return nil, pbErr.WithDetails(map[string]any{"input": name})
			}
			return nil, err
		}
		inputs[name] = tagged(val)
	}
	return inputs, nil
}

func tagged(v any) any {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return v
	}
	out := make([]schema.TaggedValue, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return v
		}
		value, ok := m["value"]
		if !ok {
			return v
		}
		label, _ := m["label"].(string)
		out = append(out, schema.TaggedValue{Label: label, Value: stringify(value)})
	}
	return out
}
