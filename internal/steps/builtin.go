package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/rendis/playbooks/internal/conditions"
	"github.com/rendis/playbooks/pkg/schema"
)

// Outcomes returned by the If step.
const (
	OutcomeTrue  schema.StepOutcome = "True"
	OutcomeFalse schema.StepOutcome = "False"
)

// ResumeAtKey is the data key a Suspended result uses for its wake-up time.
const ResumeAtKey = "resume_at"

// Builtins returns the step types that ship with every deployment.
func Builtins() []Step {
	return []Step{
		&continueIfStep{},
		&ifStep{},
		&waitStep{},
		&setOutputStep{},
		&failStep{},
	}
}

// RegisterBuiltins registers every built-in step type.
func RegisterBuiltins(r *Registry) error {
	for _, s := range Builtins() {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

var conditionSchema = func() json.RawMessage {
	names := make([]string, len(conditions.Comparisons))
	for i, c := range conditions.Comparisons {
		names[i] = string(c)
	}
	b, _ := json.Marshal(map[string]any{
		"type":     "object",
		"required": []string{"comparison"},
		"properties": map[string]any{
			"left":       map[string]any{},
			"comparison": map[string]any{"enum": names},
			"right":      map[string]any{},
		},
	})
	return b
}()

func evaluateCondition(sc *StepContext) (bool, error) {
	comparison := conditions.Comparison(cast.ToString(sc.Input("comparison")))
	return conditions.Evaluate(sc.Input("left"), comparison, sc.Input("right"))
}

// --- ContinueIf ---

// continueIfStep stops the run early when its condition does not hold. A false
// condition completes the playbook; it is not a failure.
type continueIfStep struct{}

func (s *continueIfStep) Descriptor() Descriptor {
	return Descriptor{
		Name:        "ContinueIf",
		Description: "Continue only when the condition holds, otherwise complete the playbook",
		InputSchema: conditionSchema,
		Outcomes:    []schema.StepOutcome{schema.OutcomeSucceeded, schema.OutcomeCompletePlaybook},
	}
}

func (s *continueIfStep) Execute(_ context.Context, sc *StepContext) (*schema.StepResult, error) {
	ok, err := evaluateCondition(sc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &schema.StepResult{Outcome: schema.OutcomeCompletePlaybook, Data: map[string]any{"result": false}}, nil
	}
	return schema.Succeeded(map[string]any{"result": true}), nil
}

// --- If ---

type ifStep struct{}

func (s *ifStep) Descriptor() Descriptor {
	return Descriptor{
		Name:        "If",
		Description: "Evaluate a condition and route through the True or False branch",
		InputSchema: conditionSchema,
		Outcomes:    []schema.StepOutcome{OutcomeTrue, OutcomeFalse},
	}
}

func (s *ifStep) Execute(_ context.Context, sc *StepContext) (*schema.StepResult, error) {
	ok, err := evaluateCondition(sc)
	if err != nil {
		return nil, err
	}
	outcome := OutcomeFalse
	if ok {
		outcome = OutcomeTrue
	}
	return &schema.StepResult{Outcome: outcome, Data: map[string]any{"result": ok}}, nil
}

// --- Wait ---

// waitStep suspends the run until a duration elapses or a timestamp passes.
// A number duration is read as seconds.
type waitStep struct{}

func (s *waitStep) Descriptor() Descriptor {
	return Descriptor{
		Name:        "Wait",
		Description: "Suspend the run for a duration or until a point in time",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"duration": {"type": ["string", "number"]},
				"until": {"type": "string"}
			},
			"anyOf": [{"required": ["duration"]}, {"required": ["until"]}]
		}`),
		Outcomes: []schema.StepOutcome{schema.OutcomeSuspended, schema.OutcomeSucceeded},
	}
}

func (s *waitStep) Execute(_ context.Context, sc *StepContext) (*schema.StepResult, error) {
	resumeAt, err := s.resumeAt(sc)
	if err != nil {
		return nil, err
	}
	if !resumeAt.After(sc.Now) {
		return schema.Succeeded(map[string]any{"waited": false}), nil
	}
	return &schema.StepResult{
		Outcome: schema.OutcomeSuspended,
		Data:    map[string]any{ResumeAtKey: resumeAt.UTC().Format(time.RFC3339Nano)},
	}, nil
}

func (s *waitStep) resumeAt(sc *StepContext) (time.Time, error) {
	if until := sc.Input("until"); until != nil && cast.ToString(until) != "" {
		t, err := cast.ToTimeE(until)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "until %q is not a timestamp", until).WithCause(err)
		}
		return t, nil
	}

	switch d := sc.Input("duration").(type) {
	case nil:
		return time.Time{}, schema.NewError(schema.ErrCodeValidation, "Wait requires 'duration' or 'until'")
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(d))
		if err != nil {
			secs, nerr := cast.ToFloat64E(strings.TrimSpace(d))
			if nerr != nil {
				return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "duration %q is not valid", d).WithCause(err)
			}
			parsed = time.Duration(secs * float64(time.Second))
		}
		return sc.Now.Add(parsed), nil
	default:
		secs, err := cast.ToFloat64E(d)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "duration %v is not valid", d).WithCause(err)
		}
		return sc.Now.Add(time.Duration(secs * float64(time.Second))), nil
	}
}

// ResumeAt extracts the wake-up time of a Suspended result.
func ResumeAt(res *schema.StepResult) (time.Time, bool) {
	if res == nil || res.Outcome != schema.OutcomeSuspended {
		return time.Time{}, false
	}
	t, err := cast.ToTimeE(res.Data[ResumeAtKey])
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

// --- SetOutput ---

type setOutputStep struct{}

func (s *setOutputStep) Descriptor() Descriptor {
	return Descriptor{
		Name:        "SetOutput",
		Description: "Record its inputs as the step's output data",
		Outcomes:    []schema.StepOutcome{schema.OutcomeSucceeded},
	}
}

func (s *setOutputStep) Execute(_ context.Context, sc *StepContext) (*schema.StepResult, error) {
	data := make(map[string]any, len(sc.Inputs))
	for k, v := range sc.Inputs {
		data[k] = v
	}
	return schema.Succeeded(data), nil
}

// --- Fail ---

type failStep struct{}

func (s *failStep) Descriptor() Descriptor {
	return Descriptor{
		Name:        "Fail",
		Description: "Fail the step with a message",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {"message": {"type": "string"}}}`),
		Outcomes:    []schema.StepOutcome{schema.OutcomeFailed},
	}
}

func (s *failStep) Execute(_ context.Context, sc *StepContext) (*schema.StepResult, error) {
	msg := cast.ToString(sc.Input("message"))
	if msg == "" {
		msg = fmt.Sprintf("step %s failed", sc.Reference.StepID)
	}
	return nil, schema.NewError(schema.ErrCodeStepFailed, msg)
}
