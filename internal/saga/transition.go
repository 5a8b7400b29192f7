package saga

import (
	"time"

	"github.com/rendis/playbooks/internal/steps"
	"github.com/rendis/playbooks/pkg/schema"
)

// SuspendForever marks a run suspended with no deadline. Only an explicit
// ResumeRun or CancelRun moves it on; the resume sweep never picks it up.
var SuspendForever = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// EventKind is what happened to a run.
type EventKind string

const (
	EventTriggered     EventKind = "Triggered"
	EventStepCompleted EventKind = "StepCompleted"
	EventResumed       EventKind = "Resumed"
	EventCanceled      EventKind = "Canceled"
)

// Event is the input of Transition.
type Event struct {
	Kind      EventKind
	Reference schema.ActionReference
	Result    *schema.StepResult
	Reason    string
	Now       time.Time
}

// Snapshot is the part of a run Transition reads.
type Snapshot struct {
	State          schema.RunState
	Cursor         *schema.ActionReference
	SuspendedUntil *time.Time
}

// Suspended reports whether the run is parked on its cursor.
func (s Snapshot) Suspended() bool {
	return s.SuspendedUntil != nil
}

// Decision is the output of Transition: the run's next state plus the effects
// the caller must carry out. Transition itself performs none of them.
type Decision struct {
	State          schema.RunState
	Cursor         *schema.ActionReference
	SuspendedUntil *time.Time
	Error          string
	Effects        []Effect

	// Ignored is set when the event does not apply to the snapshot (stale or
	// duplicate delivery). Nothing must be written in that case.
	Ignored bool
	Reason  string
}

// Terminal reports whether the decision ends the run.
func (d Decision) Terminal() bool { return d.State.IsTerminal() }

// Effect is an instruction produced by Transition.
type Effect interface{ isEffect() }

// DispatchStep asks for the step at Reference to be executed.
type DispatchStep struct{ Reference schema.ActionReference }

// EmitLifecycle publishes a run lifecycle message. Type is a MsgRun* constant;
// the remaining fields are stamped from the decision when it is applied.
type EmitLifecycle struct {
	Type      string
	State     schema.RunState
	Reference *schema.ActionReference
	Error     string
	At        time.Time
}

// AppendHistory records an entry in the run history, atomically with the save.
type AppendHistory struct {
	Type    string
	StepID  string
	Outcome schema.StepOutcome
	Payload map[string]any
}

// RecordOutput stores a step's result data where templates can see it.
type RecordOutput struct {
	StepID string
	Data   map[string]any
}

// ScheduleResume asks for a ResumeRun to be delivered at At.
type ScheduleResume struct {
	Reference schema.ActionReference
	At        time.Time
}

// NotifyGroup tells the run's group that the run reached State.
type NotifyGroup struct{ State schema.RunState }

func (DispatchStep) isEffect()   {}
func (EmitLifecycle) isEffect()  {}
func (AppendHistory) isEffect()  {}
func (RecordOutput) isEffect()   {}
func (ScheduleResume) isEffect() {}
func (NotifyGroup) isEffect()    {}

// Transition computes how a run reacts to ev. It is pure: no I/O, no clock
// reads beyond ev.Now.
func Transition(snap Snapshot, def *schema.WorkflowDefinition, ev Event) (Decision, error) {
	switch ev.Kind {
	case EventTriggered:
		return start(snap, def)
	case EventCanceled:
		return cancel(snap, ev)
	case EventStepCompleted:
		if reason := staleReason(snap, ev.Reference); reason != "" {
			return ignore(snap, reason), nil
		}
		if snap.Suspended() {
			return ignore(snap, "run is suspended on this step"), nil
		}
		return complete(snap, def, ev)
	case EventResumed:
		if reason := staleReason(snap, ev.Reference); reason != "" {
			return ignore(snap, reason), nil
		}
		if !snap.Suspended() {
			return ignore(snap, "run is not suspended"), nil
		}
		d, err := complete(snap, def, Event{
			Kind:      EventResumed,
			Reference: ev.Reference,
			Result:    schema.Succeeded(resumeData(ev.Result)),
			Now:       ev.Now,
		})
		if err != nil {
			return d, err
		}
		d.Effects = append([]Effect{AppendHistory{Type: schema.EventRunResumed, StepID: ev.Reference.StepID}}, d.Effects...)
		return d, nil
	default:
		return Decision{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown event kind %q", ev.Kind)
	}
}

func start(snap Snapshot, def *schema.WorkflowDefinition) (Decision, error) {
	state, err := fire(snap.State, triggerStart)
	if err != nil {
		return Decision{}, err
	}
	ref, err := def.StartReference()
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		State:  state,
		Cursor: &ref,
		Effects: []Effect{
			AppendHistory{Type: schema.EventRunStarted, StepID: ref.StepID},
			EmitLifecycle{Type: schema.MsgRunStarted},
			DispatchStep{Reference: ref},
		},
	}, nil
}

func cancel(snap Snapshot, ev Event) (Decision, error) {
	if snap.State.IsTerminal() {
		return ignore(snap, "run already finished"), nil
	}
	state, err := fire(snap.State, triggerCancel)
	if err != nil {
		return Decision{}, err
	}
	payload := map[string]any{}
	if ev.Reason != "" {
		payload["reason"] = ev.Reason
	}
	return Decision{
		State: state,
		Error: ev.Reason,
		Effects: []Effect{
			AppendHistory{Type: schema.EventRunCanceled, Payload: payload},
			EmitLifecycle{Type: schema.MsgRunCanceled},
			NotifyGroup{State: state},
		},
	}, nil
}

// complete routes a step result through the current step's branch table.
func complete(snap Snapshot, def *schema.WorkflowDefinition, ev Event) (Decision, error) {
	cur := *snap.Cursor
	step, _, err := def.Resolve(cur)
	if err != nil {
		return Decision{}, err
	}

	res := ev.Result
	if res == nil {
		res = schema.Succeeded(nil)
	}

	effects := []Effect{
		AppendHistory{Type: schema.EventStepCompleted, StepID: cur.StepID, Outcome: res.Outcome, Payload: res.Data},
	}
	if res.Outcome != schema.OutcomeSuspended {
		effects = append(effects, RecordOutput{StepID: cur.StepID, Data: res.Data})
	}

	switch res.Outcome {
	case schema.OutcomeCompletePlaybook:
		return finish(snap, schema.RunStateCompleted, "", effects)

	case schema.OutcomeSuspended:
		until := SuspendForever
		if at, ok := steps.ResumeAt(res); ok {
			until = at
		}
		effects = append(effects,
			AppendHistory{Type: schema.EventRunSuspended, StepID: cur.StepID, Payload: map[string]any{"until": until}},
			EmitLifecycle{Type: schema.MsgRunSuspended},
		)
		if !until.Equal(SuspendForever) {
			effects = append(effects, ScheduleResume{Reference: cur, At: until})
		}
		return Decision{State: snap.State, Cursor: &cur, SuspendedUntil: &until, Effects: effects}, nil
	}

	if branch, ok := step.Branches[res.Outcome]; ok {
		target := schema.ActionReference{SequenceName: branch.SequenceName, StepID: branch.StepID, AttemptCount: 1}
		if target.SameStep(cur) {
			target.AttemptCount = cur.AttemptCount + 1
		}
		if _, _, err := def.Resolve(target); err != nil {
			return Decision{}, err
		}
		return advance(snap, target, effects)
	}

	if res.Outcome == schema.OutcomeFailed {
		return finish(snap, schema.RunStateFailed, failureMessage(res), effects)
	}

	next, ok, err := def.Next(cur)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return finish(snap, schema.RunStateCompleted, "", effects)
	}
	return advance(snap, next, effects)
}

func advance(snap Snapshot, target schema.ActionReference, effects []Effect) (Decision, error) {
	state, err := fire(snap.State, triggerAdvance)
	if err != nil {
		return Decision{}, err
	}
	effects = append(effects, DispatchStep{Reference: target})
	return Decision{State: state, Cursor: &target, Effects: effects}, nil
}

func finish(snap Snapshot, to schema.RunState, errMsg string, effects []Effect) (Decision, error) {
	state, err := fire(snap.State, triggerFor(to))
	if err != nil {
		return Decision{}, err
	}
	history, lifecycle := schema.EventRunCompleted, schema.MsgRunCompleted
	if state == schema.RunStateFailed {
		history, lifecycle = schema.EventRunFailed, schema.MsgRunFailed
	}
	var payload map[string]any
	if errMsg != "" {
		payload = map[string]any{"error": errMsg}
	}
	effects = append(effects,
		AppendHistory{Type: history, Payload: payload},
		EmitLifecycle{Type: lifecycle},
		NotifyGroup{State: state},
	)
	return Decision{State: state, Error: errMsg, Effects: effects}, nil
}

// staleReason explains why a completion for ref does not apply, or returns "".
func staleReason(snap Snapshot, ref schema.ActionReference) string {
	switch {
	case snap.State.IsTerminal():
		return "run already finished"
	case snap.Cursor == nil:
		return "run has no cursor"
	case !snap.Cursor.SameStep(ref):
		return "cursor moved past this step"
	case snap.Cursor.AttemptCount != ref.AttemptCount:
		return "attempt superseded"
	}
	return ""
}

func ignore(snap Snapshot, reason string) Decision {
	return Decision{
		State:          snap.State,
		Cursor:         snap.Cursor,
		SuspendedUntil: snap.SuspendedUntil,
		Ignored:        true,
		Reason:         reason,
	}
}

func failureMessage(res *schema.StepResult) string {
	if msg, ok := res.Data["error"].(string); ok && msg != "" {
		return msg
	}
	return "step failed"
}

func resumeData(res *schema.StepResult) map[string]any {
	if res == nil {
		return nil
	}
	return res.Data
}
