package steps

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rendis/playbooks/internal/logging"
	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/internal/templates"
	"github.com/rendis/playbooks/pkg/schema"
)

// InputValidator checks rendered inputs against a step type's input schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Invocation identifies the step to execute and the aggregates it runs for.
type Invocation struct {
	Run          *store.PlaybookRun
	Playbook     *store.Playbook
	Organization *store.Organization
	Reference    schema.ActionReference
	Step         *schema.ActionStep
}

// ExecutorConfig configures an Executor. Inputs may be nil to skip input
// schema checks.
type ExecutorConfig struct {
	Registry  *Registry
	Templates *templates.Evaluator
	Inputs    InputValidator
	Logger    *slog.Logger
	Now       func() time.Time
}

// Executor runs a single step. It never lets a step failure or panic escape:
// those become a Failed result routed through the branch table.
type Executor struct {
	registry  *Registry
	templates *templates.Evaluator
	inputs    InputValidator
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Templates == nil {
		cfg.Templates = templates.NewEvaluator()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	return &Executor{
		registry:  cfg.Registry,
		templates: cfg.Templates,
		inputs:    cfg.Inputs,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Execute runs the step and returns its result. The error is non-nil only when
// ctx ended before a result was obtained; the caller must not record anything
// in that case.
func (e *Executor) Execute(ctx context.Context, inv Invocation) (*schema.StepResult, error) {
	if inv.Step == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invocation has no step")
	}
	ctx = logging.WithStepID(ctx, inv.Step.ID)
	start := e.now()

	result, err := e.execute(ctx, inv)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		e.logger.WarnContext(ctx, "step failed",
			slog.String("step_type", inv.Step.StepTypeName),
			slog.String("error", err.Error()))
		return annotate(schema.Failed(err), inv.Step), nil
	}

	e.logger.DebugContext(ctx, "step executed",
		slog.String("step_type", inv.Step.StepTypeName),
		slog.String("outcome", string(result.Outcome)),
		slog.Duration("elapsed", e.now().Sub(start)))
	return result, nil
}

func (e *Executor) execute(ctx context.Context, inv Invocation) (result *schema.StepResult, err error) {
	step, err := e.registry.Get(inv.Step.StepTypeName)
	if err != nil {
		return nil, err
	}

	env := templates.NewEnv(inv.Run, inv.Playbook, inv.Organization, nil)
	inputs, err := e.templates.RenderInputs(ctx, inv.Step.Inputs, env)
	if err != nil {
		return nil, err
	}

	desc := step.Descriptor()
	if e.inputs != nil && len(desc.InputSchema) > 0 {
		if err := e.inputs.ValidateInput(inputs, desc.InputSchema); err != nil {
			return nil, err
		}
	}

	sc := &StepContext{
		Reference:    inv.Reference,
		Step:         inv.Step,
		Inputs:       inputs,
		Run:          inv.Run,
		Playbook:     inv.Playbook,
		Organization: inv.Organization,
		Templates:    e.templates,
		Env:          templates.NewEnv(inv.Run, inv.Playbook, inv.Organization, inputs),
		Now:          e.now(),
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "step panicked",
				slog.String("step_type", inv.Step.StepTypeName),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result = nil
			err = schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", r)
		}
	}()

	result, err = step.Execute(ctx, sc)
	if err != nil {
		return nil, err
	}
	if result == nil || result.Outcome == "" {
		var data map[string]any
		if result != nil {
			data = result.Data
		}
		return schema.Succeeded(data), nil
	}
	return result, nil
}

func annotate(res *schema.StepResult, step *schema.ActionStep) *schema.StepResult {
	if res.Data == nil {
		res.Data = map[string]any{}
	}
	res.Data["step_type"] = step.StepTypeName
	return res
}

