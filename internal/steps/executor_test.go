package steps

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/internal/templates"
	"github.com/rendis/playbooks/internal/validation"
	"github.com/rendis/playbooks/pkg/schema"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type funcStep struct {
	name string
	fn   func(ctx context.Context, sc *StepContext) (*schema.StepResult, error)
}

func (s *funcStep) Descriptor() Descriptor { return Descriptor{Name: s.name} }

func (s *funcStep) Execute(ctx context.Context, sc *StepContext) (*schema.StepResult, error) {
	return s.fn(ctx, sc)
}

func newTestExecutor(t *testing.T, extra ...Step) *Executor {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	for _, s := range extra {
		require.NoError(t, reg.Register(s))
	}
	sv, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	return NewExecutor(ExecutorConfig{
		Registry:  reg,
		Templates: templates.NewEvaluator(),
		Inputs:    sv,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       func() time.Time { return fixedNow },
	})
}

func testRun() *store.PlaybookRun {
	return &store.PlaybookRun{
		ID:          uuid.New(),
		State:       schema.RunStateRunning,
		TriggerType: "message",
		TriggerData: map[string]any{"text": "Hello", "plan": "Foo,SMB"},
		Outputs:     map[string]map[string]any{},
	}
}

func invoke(stepType string, inputs map[string]string) Invocation {
	raw := make(map[string]json.RawMessage, len(inputs))
	for k, v := range inputs {
		raw[k] = json.RawMessage(v)
	}
	step := &schema.ActionStep{ID: "s1", StepTypeName: stepType, Inputs: raw}
	return Invocation{
		Run:       testRun(),
		Reference: schema.ActionReference{SequenceName: "main", StepID: "s1", AttemptCount: 1},
		Step:      step,
	}
}

func TestContinueIf(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		inputs map[string]string
		want   schema.StepOutcome
	}{
		{"starts with holds", map[string]string{
			"left": `"Hello"`, "comparison": `"StartsWith"`, "right": `"Hel"`,
		}, schema.OutcomeSucceeded},
		{"starts with fails closed", map[string]string{
			"left": `"Hello"`, "comparison": `"StartsWith"`, "right": `"Byte"`,
		}, schema.OutcomeCompletePlaybook},
		{"templated left", map[string]string{
			"left": `"{{ trigger.text }}"`, "comparison": `"Contains"`, "right": `"ell"`,
		}, schema.OutcomeSucceeded},
		{"tagged right", map[string]string{
			"left":       `"{{ trigger.plan }}"`,
			"comparison": `"Any"`,
			"right":      `[{"label":"SMB","value":"SMB"},{"label":"BusinessPlan","value":"BusinessPlan"}]`,
		}, schema.OutcomeSucceeded},
		{"bad operand is a failure", map[string]string{
			"left": `"abc"`, "comparison": `"GreaterThan"`, "right": `"1"`,
		}, schema.OutcomeFailed},
		{"unknown comparison rejected by schema", map[string]string{
			"left": `"a"`, "comparison": `"Matches"`, "right": `"a"`,
		}, schema.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Execute(ctx, invoke("ContinueIf", tt.inputs))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
		})
	}
}

func TestIf(t *testing.T) {
	e := newTestExecutor(t)

	res, err := e.Execute(context.Background(), invoke("If", map[string]string{
		"left": `"30"`, "comparison": `"GreaterThan"`, "right": `"20"`,
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTrue, res.Outcome)

	res, err = e.Execute(context.Background(), invoke("If", map[string]string{
		"left": `"20"`, "comparison": `"GreaterThan"`, "right": `"30"`,
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFalse, res.Outcome)
}

func TestWait(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		inputs map[string]string
		want   time.Time
	}{
		{"go duration", map[string]string{"duration": `"10m"`}, fixedNow.Add(10 * time.Minute)},
		{"seconds number", map[string]string{"duration": `90`}, fixedNow.Add(90 * time.Second)},
		{"seconds string", map[string]string{"duration": `"30"`}, fixedNow.Add(30 * time.Second)},
		{"until", map[string]string{"until": `"2026-03-02T00:00:00Z"`}, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Execute(ctx, invoke("Wait", tt.inputs))
			require.NoError(t, err)
			require.Equal(t, schema.OutcomeSuspended, res.Outcome)
			at, ok := ResumeAt(res)
			require.True(t, ok)
			assert.True(t, tt.want.Equal(at), "want %s got %s", tt.want, at)
		})
	}

	t.Run("past deadline does not suspend", func(t *testing.T) {
		res, err := e.Execute(ctx, invoke("Wait", map[string]string{"until": `"2020-01-01T00:00:00Z"`}))
		require.NoError(t, err)
		assert.Equal(t, schema.OutcomeSucceeded, res.Outcome)
	})

	t.Run("missing inputs", func(t *testing.T) {
		res, err := e.Execute(ctx, invoke("Wait", nil))
		require.NoError(t, err)
		assert.Equal(t, schema.OutcomeFailed, res.Outcome)
	})
}

func TestSetOutput(t *testing.T) {
	e := newTestExecutor(t)
	res, err := e.Execute(context.Background(), invoke("SetOutput", map[string]string{
		"greeting": `"Hi {{ trigger.text }}"`,
		"n":        `2`,
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "Hi Hello", res.Data["greeting"])
	assert.Equal(t, float64(2), res.Data["n"])
}

func TestFail(t *testing.T) {
	e := newTestExecutor(t)
	res, err := e.Execute(context.Background(), invoke("Fail", map[string]string{"message": `"nope"`}))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailed, res.Outcome)
	assert.Equal(t, "[STEP_FAILED] nope", res.Data["error"])
	assert.Equal(t, schema.ErrCodeStepFailed, res.Data["code"])
	assert.Equal(t, "Fail", res.Data["step_type"])
}

func TestExecutor_PanicBecomesFailed(t *testing.T) {
	e := newTestExecutor(t, &funcStep{name: "Boom", fn: func(context.Context, *StepContext) (*schema.StepResult, error) {
		panic("kaboom")
	}})

	res, err := e.Execute(context.Background(), invoke("Boom", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Data["error"], "kaboom")
	assert.Equal(t, schema.ErrCodeStepFailed, res.Data["code"])
}

func TestExecutor_ErrorBecomesFailed(t *testing.T) {
	e := newTestExecutor(t, &funcStep{name: "Flaky", fn: func(context.Context, *StepContext) (*schema.StepResult, error) {
		return nil, errors.New("upstream unavailable")
	}})

	res, err := e.Execute(context.Background(), invoke("Flaky", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailed, res.Outcome)
	assert.Equal(t, "upstream unavailable", res.Data["error"])
}

func TestExecutor_NilResultIsSucceeded(t *testing.T) {
	e := newTestExecutor(t, &funcStep{name: "Quiet", fn: func(context.Context, *StepContext) (*schema.StepResult, error) {
		return nil, nil
	}})

	res, err := e.Execute(context.Background(), invoke("Quiet", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSucceeded, res.Outcome)
}

func TestExecutor_UnknownStepType(t *testing.T) {
	e := newTestExecutor(t)
	res, err := e.Execute(context.Background(), invoke("PostToSlack", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailed, res.Outcome)
	assert.Equal(t, schema.ErrCodeStepTypeUnavailable, res.Data["code"])
}

func TestExecutor_TemplateErrorBecomesFailed(t *testing.T) {
	e := newTestExecutor(t)
	res, err := e.Execute(context.Background(), invoke("SetOutput", map[string]string{"x": `"{{ 1 + }}"`}))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailed, res.Outcome)
	assert.Equal(t, schema.ErrCodeTemplate, res.Data["code"])
}

func TestExecutor_StepSeesRenderedInputsOnly(t *testing.T) {
	var seen map[string]any
	e := newTestExecutor(t, &funcStep{name: "Spy", fn: func(ctx context.Context, sc *StepContext) (*schema.StepResult, error) {
		seen = sc.Inputs
		v, err := sc.Evaluate(ctx, "inputs.who + '!'")
		if err != nil {
			return nil, err
		}
		return schema.Succeeded(map[string]any{"shout": v}), nil
	}})

	res, err := e.Execute(context.Background(), invoke("Spy", map[string]string{"who": `"{{ trigger.text }}"`}))
	require.NoError(t, err)
	assert.Equal(t, "Hello", seen["who"])
	assert.Equal(t, "Hello!", res.Data["shout"])
}

func TestExecutor_CanceledContextIsNotAResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := newTestExecutor(t, &funcStep{name: "Slow", fn: func(ctx context.Context, _ *StepContext) (*schema.StepResult, error) {
		cancel()
		return nil, ctx.Err()
	}})

	res, err := e.Execute(ctx, invoke("Slow", nil))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}
