// Package steps executes one ActionStep at a time. Step types are looked up by
// name in a Registry; the Executor renders inputs, validates them, runs the
// step body and always hands back a StepResult.
package steps

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/pkg/schema"
)

// Step is one step type. Implementations must be safe for concurrent use; all
// per-execution state lives in the StepContext.
type Step interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, sc *StepContext) (*schema.StepResult, error)
}

// Descriptor describes a step type for registration and authoring tools.
type Descriptor struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	InputSchema json.RawMessage      `json:"input_schema,omitempty"`
	Outcomes    []schema.StepOutcome `json:"outcomes,omitempty"`
}

// TemplateEvaluator resolves a bare expression against an environment.
type TemplateEvaluator interface {
	Evaluate(ctx context.Context, expression string, env map[string]any) (any, error)
}

// StepContext is built fresh for every execution and discarded afterwards.
// Durable effects must flow through the returned StepResult.
type StepContext struct {
	Reference    schema.ActionReference
	Step         *schema.ActionStep
	Inputs       map[string]any
	Run          *store.PlaybookRun
	Playbook     *store.Playbook
	Organization *store.Organization
	Templates    TemplateEvaluator
	Env          map[string]any
	Now          time.Time
}

// Input returns a rendered input, or nil when absent.
func (sc *StepContext) Input(name string) any {
	if sc.Inputs == nil {
		return nil
	}
	return sc.Inputs[name]
}

// Evaluate resolves an ad-hoc expression with the same environment the
// step's inputs were rendered with.
func (sc *StepContext) Evaluate(ctx context.Context, expression string) (any, error) {
	if sc.Templates == nil {
		return nil, schema.NewError(schema.ErrCodeTemplate, "no template evaluator available")
	}
	return sc.Templates.Evaluate(ctx, expression, sc.Env)
}
