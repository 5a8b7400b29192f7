package schema

// Run history event types, appended atomically with each persisted transition.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCanceled  = "run_canceled"
	EventRunSuspended = "run_suspended"
	EventRunResumed   = "run_resumed"

	EventStepDispatched = "step_dispatched"
	EventStepCompleted  = "step_completed"
)

// RunState is the saga state of a PlaybookRun.
type RunState string

const (
	RunStateInitial   RunState = "Initial"
	RunStateRunning   RunState = "Running"
	RunStateCompleted RunState = "Completed"
	RunStateFailed    RunState = "Failed"
	RunStateCanceled  RunState = "Canceled"
)

// IsTerminal reports whether no further transition can leave the state.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCanceled
}

// GroupState is the lifecycle state of a PlaybookRunGroup.
type GroupState string

const (
	GroupStateRunning   GroupState = "Running"
	GroupStateCompleted GroupState = "Completed"
	GroupStateCanceled  GroupState = "Canceled"
)
