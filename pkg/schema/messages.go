package schema

import (
	"time"

	"github.com/google/uuid"
)

// Message type names on the bus.
const (
	MsgPlatformEvent          = "platform.event"
	MsgTriggerFired           = "run.trigger_fired"
	MsgStepDispatch           = "run.step_dispatch"
	MsgStepCompleted          = "run.step_completed"
	MsgResumeRun              = "run.resume"
	MsgCancelRun              = "run.cancel"
	MsgStartRunGroup          = "group.start"
	MsgCancelRunGroup         = "group.cancel"
	MsgRunGroupMemberFinished = "group.member_finished"

	MsgRunStarted     = "run.started"
	MsgRunSuspended   = "run.suspended"
	MsgRunCompleted   = "run.completed"
	MsgRunFailed      = "run.failed"
	MsgRunCanceled    = "run.canceled"
	MsgGroupCompleted = "group.completed"
	MsgGroupCanceled  = "group.canceled"
)

// RunKey correlates a message with a PlaybookRun.
type RunKey struct {
	RunID uuid.UUID `json:"run_id"`
}

func (k RunKey) PlaybookRunID() uuid.UUID { return k.RunID }

// GroupKey correlates a message with a PlaybookRunGroup.
type GroupKey struct {
	GroupID uuid.UUID `json:"group_id"`
}

func (k GroupKey) PlaybookRunGroupID() uuid.UUID { return k.GroupID }

// OrgKey correlates a message with an Organization.
type OrgKey struct {
	OrgID uuid.UUID `json:"organization_id"`
}

func (k OrgKey) OrganizationID() uuid.UUID { return k.OrgID }

// PlatformEventReceived is a raw platform event (chat message, reaction, schedule tick).
type PlatformEventReceived struct {
	OrgKey
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	ActivityID string         `json:"activity_id,omitempty"`
}

func (PlatformEventReceived) MessageType() string { return MsgPlatformEvent }

// TriggerFired asks the saga to start a run. RunID is chosen by the publisher so
// that redelivered triggers collapse onto one run.
type TriggerFired struct {
	OrgKey
	RunID       uuid.UUID      `json:"run_id"`
	PlaybookID  uuid.UUID      `json:"playbook_id"`
	TriggerType string         `json:"trigger_type"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	GroupID     *uuid.UUID     `json:"group_id,omitempty"`
	ActivityID  string         `json:"activity_id,omitempty"`
}

func (TriggerFired) MessageType() string { return MsgTriggerFired }

// StepDispatch asks a step worker to execute the step at Reference.
type StepDispatch struct {
	RunKey
	Reference  ActionReference `json:"reference"`
	ActivityID string          `json:"activity_id,omitempty"`
}

func (StepDispatch) MessageType() string { return MsgStepDispatch }

// StepCompleted reports the result of the step at Reference.
type StepCompleted struct {
	RunKey
	Reference ActionReference `json:"reference"`
	Result    StepResult      `json:"result"`
}

func (StepCompleted) MessageType() string { return MsgStepCompleted }

// ResumeRun wakes a run suspended on Reference.
type ResumeRun struct {
	RunKey
	Reference ActionReference `json:"reference"`
	Data      map[string]any  `json:"data,omitempty"`
}

func (ResumeRun) MessageType() string { return MsgResumeRun }

// CancelRun cancels a run regardless of its cursor.
type CancelRun struct {
	RunKey
	Reason string `json:"reason,omitempty"`
}

func (CancelRun) MessageType() string { return MsgCancelRun }

// StartRunGroup fans a playbook out over a set of targets, one run per target.
type StartRunGroup struct {
	OrgKey
	GroupID     uuid.UUID        `json:"group_id"`
	PlaybookID  uuid.UUID        `json:"playbook_id"`
	TriggerType string           `json:"trigger_type"`
	Targets     []map[string]any `json:"targets"`
	ActivityID  string           `json:"activity_id,omitempty"`
}

func (StartRunGroup) MessageType() string { return MsgStartRunGroup }

// CancelRunGroup cancels every unfinished run of a group.
type CancelRunGroup struct {
	GroupKey
	Reason string `json:"reason,omitempty"`
}

func (CancelRunGroup) MessageType() string { return MsgCancelRunGroup }

// RunGroupMemberFinished tells a group that one of its runs reached a terminal state.
type RunGroupMemberFinished struct {
	GroupKey
	RunID uuid.UUID `json:"run_id"`
	State RunState  `json:"state"`
}

func (RunGroupMemberFinished) MessageType() string { return MsgRunGroupMemberFinished }

// RunLifecycle is published for UI and analytics subscribers whenever a run
// starts, suspends or terminates. Type is one of the MsgRun* constants.
type RunLifecycle struct {
	RunKey
	Type       string           `json:"type"`
	PlaybookID uuid.UUID        `json:"playbook_id"`
	OrgID      uuid.UUID        `json:"organization_id"`
	GroupID    *uuid.UUID       `json:"group_id,omitempty"`
	State      RunState         `json:"state"`
	Reference  *ActionReference `json:"reference,omitempty"`
	Error      string           `json:"error,omitempty"`
	At         time.Time        `json:"at"`
}

func (m RunLifecycle) MessageType() string { return m.Type }

// GroupLifecycle is published when a run group finishes.
type GroupLifecycle struct {
	GroupKey
	Type       string     `json:"type"`
	PlaybookID uuid.UUID  `json:"playbook_id"`
	State      GroupState `json:"state"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Canceled   int        `json:"canceled"`
	At         time.Time  `json:"at"`
}

func (m GroupLifecycle) MessageType() string { return m.Type }
