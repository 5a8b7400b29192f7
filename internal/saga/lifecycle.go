package saga

import (
	"github.com/qmuntal/stateless"

	"github.com/rendis/playbooks/pkg/schema"
)

// lifecycle triggers.
const (
	triggerStart    = "start"
	triggerAdvance  = "advance"
	triggerComplete = "complete"
	triggerFail     = "fail"
	triggerCancel   = "cancel"
)

// newLifecycle builds the table of permitted run state changes, positioned at
// state. Terminal states permit nothing.
func newLifecycle(state schema.RunState) *stateless.StateMachine {
	sm := stateless.NewStateMachine(state)

	sm.Configure(schema.RunStateInitial).
		Permit(triggerStart, schema.RunStateRunning).
		Permit(triggerCancel, schema.RunStateCanceled)

	sm.Configure(schema.RunStateRunning).
		PermitReentry(triggerAdvance).
		Permit(triggerComplete, schema.RunStateCompleted).
		Permit(triggerFail, schema.RunStateFailed).
		Permit(triggerCancel, schema.RunStateCanceled)

	sm.Configure(schema.RunStateCompleted)
	sm.Configure(schema.RunStateFailed)
	sm.Configure(schema.RunStateCanceled)

	return sm
}

// fire moves from state along trigger and returns the resulting state, or an
// INVALID_TRANSITION error when the lifecycle does not permit it.
func fire(state schema.RunState, trigger string) (schema.RunState, error) {
	sm := newLifecycle(state)
	if err := sm.Fire(trigger); err != nil {
		return state, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot %s a run in state %s", trigger, state).WithCause(err)
	}
	return sm.MustState().(schema.RunState), nil
}

// triggerFor names the lifecycle trigger that leads from a running run to to.
func triggerFor(to schema.RunState) string {
	switch to {
	case schema.RunStateCompleted:
		return triggerComplete
	case schema.RunStateFailed:
		return triggerFail
	case schema.RunStateCanceled:
		return triggerCancel
	default:
		return triggerAdvance
	}
}
