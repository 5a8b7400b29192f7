package schema

import (
	"encoding/json"
	"fmt"
)

// CurrentFormatVersion is the definition format written by the authoring tools.
const CurrentFormatVersion = 1

// WorkflowDefinition is the JSON-serializable playbook graph. It is authored and
// validated outside the run-execution core and frozen into each run.
type WorkflowDefinition struct {
	FormatVersion int                       `json:"format_version"`
	Triggers      []TriggerStep             `json:"triggers"`
	Dispatch      DispatchSettings          `json:"dispatch,omitempty"`
	StartSequence string                    `json:"start_sequence"`
	Sequences     map[string]ActionSequence `json:"sequences"`
}

// TriggerStep describes a platform event that starts a run.
type TriggerStep struct {
	ID      string            `json:"id,omitempty"`
	Type    string            `json:"type"`              // message, reaction, schedule, http, ...
	Filter  string            `json:"filter,omitempty"`  // CEL expression over the event
	Outputs map[string]string `json:"outputs,omitempty"` // name -> jq path into the event payload
}

// DispatchMode selects where step bodies run.
type DispatchMode string

const (
	// DispatchInline executes steps inside the saga turn.
	DispatchInline DispatchMode = "inline"
	// DispatchQueued publishes one StepDispatch message per step.
	DispatchQueued DispatchMode = "queued"
)

// DispatchSettings controls how the saga hands steps to the executor.
type DispatchSettings struct {
	Mode          DispatchMode `json:"mode,omitempty"`
	MaxIterations int          `json:"max_iterations,omitempty"`
}

// EffectiveMode returns the dispatch mode with the inline default applied.
func (d DispatchSettings) EffectiveMode() DispatchMode {
	if d.Mode == "" {
		return DispatchInline
	}
	return d.Mode
}

// ActionSequence is an ordered list of steps.
type ActionSequence struct {
	Actions []ActionStep `json:"actions"`
}

// ActionStep is one node of the action graph.
type ActionStep struct {
	ID           string                     `json:"id"`
	StepTypeName string                     `json:"action"`
	Inputs       map[string]json.RawMessage `json:"inputs,omitempty"`
	Branches     map[StepOutcome]StepBranch `json:"branches,omitempty"`
}

// StepBranch is the target of an outcome. An outcome with no branch falls through.
type StepBranch struct {
	SequenceName string `json:"sequence"`
	StepID       string `json:"step"`
}

// ActionReference is the run's execution cursor. It is a value: transitions
// replace it wholesale.
type ActionReference struct {
	SequenceName string `json:"sequence"`
	StepID       string `json:"step"`
	AttemptCount int    `json:"attempt"`
}

func (r ActionReference) String() string {
	return fmt.Sprintf("%s/%s#%d", r.SequenceName, r.StepID, r.AttemptCount)
}

// SameStep reports whether both references point at the same step, ignoring attempts.
func (r ActionReference) SameStep(other ActionReference) bool {
	return r.SequenceName == other.SequenceName && r.StepID == other.StepID
}

// ParseDefinition decodes a frozen definition snapshot.
func ParseDefinition(serialized string) (*WorkflowDefinition, error) {
	if serialized == "" {
		return nil, NewError(ErrCodeCorruptDefinition, "definition is empty")
	}
	var def WorkflowDefinition
	if err := json.Unmarshal([]byte(serialized), &def); err != nil {
		return nil, NewErrorf(ErrCodeCorruptDefinition, "decode definition: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}

// Serialize encodes the definition for storage.
func (d *WorkflowDefinition) Serialize() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal definition: %w", err)
	}
	return string(b), nil
}

// StartReference returns the cursor for the first step of StartSequence.
func (d *WorkflowDefinition) StartReference() (ActionReference, error) {
	seq, ok := d.Sequences[d.StartSequence]
	if !ok {
		return ActionReference{}, NewErrorf(ErrCodeCorruptDefinition,
			"start sequence %q does not exist", d.StartSequence)
	}
	if len(seq.Actions) == 0 {
		return ActionReference{}, NewErrorf(ErrCodeCorruptDefinition,
			"start sequence %q has no steps", d.StartSequence)
	}
	return ActionReference{SequenceName: d.StartSequence, StepID: seq.Actions[0].ID, AttemptCount: 1}, nil
}

// Resolve returns the step a reference points at and its index within the sequence.
func (d *WorkflowDefinition) Resolve(ref ActionReference) (*ActionStep, int, error) {
	seq, ok := d.Sequences[ref.SequenceName]
	if !ok {
		return nil, -1, NewErrorf(ErrCodeCorruptDefinition,
			"sequence %q does not exist", ref.SequenceName).WithStep(ref.StepID)
	}
	for i := range seq.Actions {
		if seq.Actions[i].ID == ref.StepID {
			return &seq.Actions[i], i, nil
		}
	}
	return nil, -1, NewErrorf(ErrCodeCorruptDefinition,
		"step %q not found in sequence %q", ref.StepID, ref.SequenceName).WithStep(ref.StepID)
}

// Next returns the step following ref in its sequence. ok is false when the
// sequence is exhausted.
func (d *WorkflowDefinition) Next(ref ActionReference) (next ActionReference, ok bool, err error) {
	_, idx, err := d.Resolve(ref)
	if err != nil {
		return ActionReference{}, false, err
	}
	seq := d.Sequences[ref.SequenceName]
	if idx+1 >= len(seq.Actions) {
		return ActionReference{}, false, nil
	}
	return ActionReference{SequenceName: ref.SequenceName, StepID: seq.Actions[idx+1].ID, AttemptCount: 1}, true, nil
}

// MatchTrigger returns the first trigger of the given type.
func (d *WorkflowDefinition) MatchTrigger(triggerType string) (*TriggerStep, bool) {
	for i := range d.Triggers {
		if d.Triggers[i].Type == triggerType {
			return &d.Triggers[i], true
		}
	}
	return nil, false
}
