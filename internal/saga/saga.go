// Package saga owns the lifecycle of playbook runs. It consumes trigger,
// completion, resume and cancel messages, decides the next step with the pure
// Transition function and persists every turn with one compare-and-swap on
// the run's version.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/playbooks/internal/bus"
	"github.com/rendis/playbooks/internal/logging"
	"github.com/rendis/playbooks/internal/steps"
	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/pkg/schema"
)

// DefaultMaxIterations bounds the steps one inline turn may execute.
const DefaultMaxIterations = 50

// Config configures a Saga.
type Config struct {
	Store     store.Store
	Publisher bus.Publisher
	Executor  *steps.Executor
	Logger    *slog.Logger

	// MaxIterations applies when a definition does not set its own.
	MaxIterations int
	Now           func() time.Time
}

// Saga drives playbook runs. It is safe for concurrent use; work on one run
// is serialized by a per-run lock and, across processes, by the version CAS.
type Saga struct {
	store         store.Store
	publisher     bus.Publisher
	executor      *steps.Executor
	logger        *slog.Logger
	maxIterations int
	now           func() time.Time
	locks         *KeyedMutex
}

// New creates a Saga.
func New(cfg Config) *Saga {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Saga{
		store:         cfg.Store,
		publisher:     cfg.Publisher,
		executor:      cfg.Executor,
		logger:        cfg.Logger,
		maxIterations: cfg.MaxIterations,
		now:           cfg.Now,
		locks:         NewKeyedMutex(),
	}
}

// turn is one message's worth of work on a run: a working copy that
// decisions are folded into, and what to write and publish afterwards.
type turn struct {
	run      *store.PlaybookRun
	playbook *store.Playbook
	org      *store.Organization
	def      *schema.WorkflowDefinition

	isNew    bool
	expected int

	history []*store.RunEvent
	publish []Effect
}

// apply folds a decision into the working copy.
func (t *turn) apply(d Decision, now time.Time) {
	t.run.State = d.State
	t.run.Cursor = d.Cursor
	t.run.SuspendedUntil = d.SuspendedUntil
	t.run.UpdatedAt = now
	if d.Error != "" {
		t.run.Error = d.Error
	}
	if d.Terminal() {
		completed := now
		t.run.CompletedAt = &completed
		t.run.Cursor = nil
		t.run.SuspendedUntil = nil
	}

	for _, eff := range d.Effects {
		switch e := eff.(type) {
		case AppendHistory:
			t.history = append(t.history, historyEvent(t.run.ID, e, now))
		case RecordOutput:
			if t.run.Outputs == nil {
				t.run.Outputs = make(map[string]map[string]any)
			}
			data := e.Data
			if data == nil {
				data = map[string]any{}
			}
			t.run.Outputs[e.StepID] = data
		case EmitLifecycle:
			e.State, e.Reference, e.Error, e.At = d.State, d.Cursor, d.Error, now
			t.publish = append(t.publish, e)
		default:
			t.publish = append(t.publish, eff)
		}
	}
}

// pendingDispatch returns the DispatchStep of the last applied decision, if any.
func (t *turn) pendingDispatch() (schema.ActionReference, bool) {
	for i := len(t.publish) - 1; i >= 0; i-- {
		if d, ok := t.publish[i].(DispatchStep); ok {
			t.publish = append(t.publish[:i], t.publish[i+1:]...)
			return d.Reference, true
		}
	}
	return schema.ActionReference{}, false
}

func (t *turn) snapshot() Snapshot {
	return Snapshot{State: t.run.State, Cursor: t.run.Cursor, SuspendedUntil: t.run.SuspendedUntil}
}

func (s *Saga) maxIterationsFor(def *schema.WorkflowDefinition) int {
	if def.Dispatch.MaxIterations > 0 {
		return def.Dispatch.MaxIterations
	}
	return s.maxIterations
}

// drive applies d and, in inline mode, keeps executing dispatched steps until
// the run terminates, suspends or the iteration guard trips.
func (s *Saga) drive(ctx context.Context, t *turn, d Decision) error {
	now := s.now()
	t.apply(d, now)
	if t.def.Dispatch.EffectiveMode() != schema.DispatchInline {
		return nil
	}

	limit := s.maxIterationsFor(t.def)
	for executed := 0; ; executed++ {
		ref, ok := t.pendingDispatch()
		if !ok {
			return nil
		}
		if executed >= limit {
			return bus.Permanent(schema.NewErrorf(schema.ErrCodeIterationLimit,
				"executed %d steps without reaching a terminal or suspended state", limit).
				WithRun(t.run.ID.String()).
				WithStep(ref.StepID))
		}

		result, err := s.execute(ctx, t, ref)
		if err != nil {
			return err
		}

		next, err := Transition(t.snapshot(), t.def, Event{
			Kind: EventStepCompleted, Reference: ref, Result: result, Now: s.now(),
		})
		if err != nil {
			return s.fatal(err, t.run.ID)
		}
		t.apply(next, s.now())
	}
}

func (s *Saga) execute(ctx context.Context, t *turn, ref schema.ActionReference) (*schema.StepResult, error) {
	step, _, err := t.def.Resolve(ref)
	if err != nil {
		return nil, s.fatal(err, t.run.ID)
	}
	return s.executor.Execute(ctx, steps.Invocation{
		Run:          t.run,
		Playbook:     t.playbook,
		Organization: t.org,
		Reference:    ref,
		Step:         step,
	})
}

// commit persists the turn with one write and then publishes its effects.
func (s *Saga) commit(ctx context.Context, t *turn) error {
	if t.isNew {
		t.run.Version = 1
		if err := s.store.CreateRun(ctx, t.run, t.history); err != nil {
			return err
		}
	} else {
		saved, err := s.store.SaveRunIfVersionMatches(ctx, t.run, t.expected, t.history)
		if err != nil {
			return err
		}
		if !saved {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"run version changed since version %d was read", t.expected).
				WithRun(t.run.ID.String())
		}
	}

	if t.run.State.IsTerminal() {
		s.logger.InfoContext(ctx, "run finished",
			slog.String("state", string(t.run.State)),
			slog.Int("version", t.run.Version))
	}

	for _, eff := range t.publish {
		if err := s.publishEffect(ctx, t, eff); err != nil {
			// The transition is already durable; redelivering the message
			// would only find it stale.
			s.logger.ErrorContext(ctx, "failed to publish effect",
				slog.String("effect", effectName(eff)), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *Saga) publishEffect(ctx context.Context, t *turn, eff Effect) error {
	run := t.run
	switch e := eff.(type) {
	case DispatchStep:
		return s.publisher.Publish(ctx, schema.StepDispatch{
			RunKey:     schema.RunKey{RunID: run.ID},
			Reference:  e.Reference,
			ActivityID: run.Properties.ActivityID,
		})
	case EmitLifecycle:
		return s.publisher.Publish(ctx, schema.RunLifecycle{
			RunKey:     schema.RunKey{RunID: run.ID},
			Type:       e.Type,
			PlaybookID: run.PlaybookID,
			OrgID:      run.OrganizationID,
			GroupID:    run.GroupID,
			State:      e.State,
			Reference:  e.Reference,
			Error:      e.Error,
			At:         e.At,
		})
	case ScheduleResume:
		delay := e.At.Sub(s.now())
		if delay < 0 {
			delay = 0
		}
		return s.publisher.PublishAfter(ctx, schema.ResumeRun{
			RunKey:    schema.RunKey{RunID: run.ID},
			Reference: e.Reference,
		}, delay)
	case NotifyGroup:
		if run.GroupID == nil {
			return nil
		}
		return s.publisher.Publish(ctx, schema.RunGroupMemberFinished{
			GroupKey: schema.GroupKey{GroupID: *run.GroupID},
			RunID:    run.ID,
			State:    e.State,
		})
	}
	return nil
}

// fatal logs an operational error and makes sure it is never redelivered.
func (s *Saga) fatal(err error, runID uuid.UUID) error {
	var pbErr *schema.PlaybookError
	if errors.As(err, &pbErr) && pbErr.RunID == "" {
		pbErr.WithRun(runID.String())
	}
	return bus.Permanent(err)
}

// loadTurn reads the run fresh under its lock and prepares a turn.
func (s *Saga) loadTurn(ctx context.Context, runID uuid.UUID, cc *bus.ConsumeContext) (*turn, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	def, err := schema.ParseDefinition(run.SerializedDefinition)
	if err != nil {
		return nil, s.fatal(err, run.ID)
	}
	return &turn{
		run:      run,
		playbook: cc.Playbook,
		org:      cc.Organization,
		def:      def,
		expected: run.Version,
	}, nil
}

// applyEvent runs one event against a stored run: lock, fresh read,
// transition, drive, commit.
func (s *Saga) applyEvent(ctx context.Context, cc *bus.ConsumeContext, runID uuid.UUID, ev Event) error {
	unlock := s.locks.Lock(runID)
	defer unlock()

	t, err := s.loadTurn(ctx, runID, cc)
	if store.IsNotFound(err) {
		s.logger.DebugContext(ctx, "run disappeared, dropping message")
		return nil
	}
	if err != nil {
		return err
	}
	ctx = correlate(ctx, runID, t.run.Properties.ActivityID)

	ev.Now = s.now()
	d, err := Transition(t.snapshot(), t.def, ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "transition failed",
			slog.String("event", string(ev.Kind)), slog.String("error", err.Error()))
		return s.fatal(err, runID)
	}
	if d.Ignored {
		s.logger.DebugContext(ctx, "ignoring stale message",
			slog.String("event", string(ev.Kind)),
			slog.String("reference", ev.Reference.String()),
			slog.String("reason", d.Reason))
		return nil
	}

	if err := s.drive(ctx, t, d); err != nil {
		if !bus.IsRetryable(err) {
			s.logger.ErrorContext(ctx, "run turn aborted", slog.String("error", err.Error()))
		}
		return err
	}
	return s.commit(ctx, t)
}

func historyEvent(runID uuid.UUID, e AppendHistory, now time.Time) *store.RunEvent {
	ev := &store.RunEvent{
		RunID:     runID,
		Type:      e.Type,
		StepID:    e.StepID,
		Outcome:   e.Outcome,
		Timestamp: now,
	}
	if len(e.Payload) > 0 {
		if b, err := json.Marshal(e.Payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

func effectName(eff Effect) string {
	switch e := eff.(type) {
	case DispatchStep:
		return "dispatch_step"
	case EmitLifecycle:
		return e.Type
	case ScheduleResume:
		return "schedule_resume"
	case NotifyGroup:
		return "notify_group"
	default:
		return "unknown"
	}
}

// correlate adds the run's correlation ids to ctx.
func correlate(ctx context.Context, runID uuid.UUID, activityID string) context.Context {
	ctx = logging.WithRunID(ctx, runID.String())
	if activityID != "" {
		ctx = logging.WithActivityID(ctx, activityID)
	}
	return ctx
}
