package saga

import (
	"context"
	"log/slog"

	"github.com/rendis/playbooks/internal/bus"
	"github.com/rendis/playbooks/internal/steps"
	"github.com/rendis/playbooks/pkg/schema"
)

// StepWorker executes steps dispatched by runs in queued mode and reports the
// result back as a StepCompleted message. It never writes to the store.
type StepWorker struct {
	executor  *steps.Executor
	publisher bus.Publisher
	logger    *slog.Logger
}

// NewStepWorker creates a StepWorker.
func NewStepWorker(executor *steps.Executor, publisher bus.Publisher, logger *slog.Logger) *StepWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepWorker{executor: executor, publisher: publisher, logger: logger}
}

// Register subscribes the worker to step dispatches.
func (w *StepWorker) Register(sub Subscriber, f Filters) {
	sub.Subscribe(schema.MsgStepDispatch, w.HandleStepDispatch, pipeline(f.Run, f.Organization)...)
}

// HandleStepDispatch runs the dispatched step if the run still points at it.
func (w *StepWorker) HandleStepDispatch(ctx context.Context, cc *bus.ConsumeContext) error {
	msg, ok := cc.Message.(schema.StepDispatch)
	if !ok {
		return unexpected(cc)
	}
	run := cc.Run
	if run == nil {
		return bus.Permanent(schema.NewError(schema.ErrCodeValidation, "step dispatch without a resolved run"))
	}
	ctx = correlate(ctx, run.ID, msg.ActivityID)

	snap := Snapshot{State: run.State, Cursor: run.Cursor, SuspendedUntil: run.SuspendedUntil}
	if reason := staleReason(snap, msg.Reference); reason != "" || snap.Suspended() {
		if reason == "" {
			reason = "run is suspended"
		}
		w.logger.DebugContext(ctx, "ignoring stale dispatch",
			slog.String("reference", msg.Reference.String()), slog.String("reason", reason))
		return nil
	}

	def, err := schema.ParseDefinition(run.SerializedDefinition)
	if err != nil {
		w.logger.ErrorContext(ctx, "run definition is corrupt", slog.String("error", err.Error()))
		return bus.Permanent(err)
	}
	step, _, err := def.Resolve(msg.Reference)
	if err != nil {
		w.logger.ErrorContext(ctx, "dispatched step does not exist", slog.String("error", err.Error()))
		return bus.Permanent(err)
	}

	result, err := w.executor.Execute(ctx, steps.Invocation{
		Run:          run,
		Playbook:     cc.Playbook,
		Organization: cc.Organization,
		Reference:    msg.Reference,
		Step:         step,
	})
	if err != nil {
		return err
	}

	return w.publisher.Publish(ctx, schema.StepCompleted{
		RunKey:    schema.RunKey{RunID: run.ID},
		Reference: msg.Reference,
		Result:    *result,
	})
}
