package saga

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/playbooks/internal/bus"
	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/pkg/schema"
)

// Subscriber is the subscribe half of the message bus.
type Subscriber interface {
	Subscribe(msgType string, h bus.Handler, filters ...bus.Filter)
}

// Filters are the enrichment stages placed in front of saga handlers. Nil
// entries are skipped.
type Filters struct {
	Run          bus.Filter
	Group        bus.Filter
	Organization bus.Filter
}

func pipeline(filters ...bus.Filter) []bus.Filter {
	out := make([]bus.Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

// Register subscribes every saga handler. Cancellation only needs the run to
// exist: a disabled organization can still cancel its runs.
func (s *Saga) Register(sub Subscriber, f Filters) {
	sub.Subscribe(schema.MsgTriggerFired, s.HandleTriggerFired, pipeline(f.Organization)...)
	sub.Subscribe(schema.MsgStepCompleted, s.HandleStepCompleted, pipeline(f.Run, f.Organization)...)
	sub.Subscribe(schema.MsgResumeRun, s.HandleResumeRun, pipeline(f.Run, f.Organization)...)
	sub.Subscribe(schema.MsgCancelRun, s.HandleCancelRun, pipeline(f.Run)...)

	sub.Subscribe(schema.MsgStartRunGroup, s.HandleStartRunGroup, pipeline(f.Organization)...)
	sub.Subscribe(schema.MsgCancelRunGroup, s.HandleCancelRunGroup, pipeline(f.Group)...)
	sub.Subscribe(schema.MsgRunGroupMemberFinished, s.HandleRunGroupMemberFinished, pipeline(f.Group)...)
}

func unexpected(cc *bus.ConsumeContext) error {
	return bus.Permanent(fmt.Errorf("unexpected message %T", cc.Message))
}

// HandleTriggerFired creates a run. A trigger for a run id that already exists
// is a redelivery and is dropped. Group members only start while their group
// is running.
func (s *Saga) HandleTriggerFired(ctx context.Context, cc *bus.ConsumeContext) error {
	msg, ok := cc.Message.(schema.TriggerFired)
	if !ok {
		return unexpected(cc)
	}
	ctx = correlate(ctx, msg.RunID, msg.ActivityID)

	unlock := s.locks.Lock(msg.RunID)
	defer unlock()

	existing, err := s.store.GetRun(ctx, msg.RunID)
	if err == nil {
		s.logger.DebugContext(ctx, "run already exists, dropping trigger")
		if msg.GroupID != nil && !existing.State.IsTerminal() {
			return s.cancelIfGroupCanceled(ctx, *msg.GroupID, existing.ID)
		}
		return nil
	}
	if !store.IsNotFound(err) {
		return err
	}

	if msg.GroupID != nil {
		accepting, err := s.groupAccepting(ctx, *msg.GroupID, msg.RunID)
		if err != nil || !accepting {
			return err
		}
	}

	pb, err := s.store.GetPlaybook(ctx, msg.PlaybookID)
	if store.IsNotFound(err) {
		s.logger.DebugContext(ctx, "playbook not found, dropping trigger", slog.String("playbook_id", msg.PlaybookID.String()))
		return nil
	}
	if err != nil {
		return err
	}
	if pb.OrganizationID != msg.OrgID || !pb.Enabled || pb.Definition == "" {
		s.logger.DebugContext(ctx, "playbook not runnable, dropping trigger",
			slog.String("playbook_id", pb.ID.String()), slog.Bool("enabled", pb.Enabled))
		return nil
	}

	def, err := schema.ParseDefinition(pb.Definition)
	if err != nil {
		s.logger.ErrorContext(ctx, "published definition is corrupt", slog.String("error", err.Error()))
		return s.fatal(err, msg.RunID)
	}

	now := s.now()
	run := &store.PlaybookRun{
		ID:                   msg.RunID,
		PlaybookID:           pb.ID,
		OrganizationID:       pb.OrganizationID,
		GroupID:              msg.GroupID,
		State:                schema.RunStateInitial,
		SerializedDefinition: pb.Definition,
		DefinitionVersion:    pb.DefinitionVersion,
		TriggerType:          msg.TriggerType,
		TriggerData:          msg.TriggerData,
		Outputs:              map[string]map[string]any{},
		Properties:           store.RunProperties{ActivityID: msg.ActivityID},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	t := &turn{run: run, playbook: pb, org: cc.Organization, def: def, isNew: true}

	d, err := Transition(t.snapshot(), def, Event{Kind: EventTriggered, Now: now})
	if err != nil {
		s.logger.ErrorContext(ctx, "cannot start run", slog.String("error", err.Error()))
		return s.fatal(err, run.ID)
	}
	if err := s.drive(ctx, t, d); err != nil {
		if !bus.IsRetryable(err) {
			s.logger.ErrorContext(ctx, "run turn aborted", slog.String("error", err.Error()))
		}
		return err
	}

	err = s.commit(ctx, t)
	if store.IsConflict(err) {
		s.logger.DebugContext(ctx, "run created concurrently, dropping trigger")
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "run started",
		slog.String("playbook_id", pb.ID.String()),
		slog.String("trigger_type", msg.TriggerType))

	if msg.GroupID != nil && !run.State.IsTerminal() {
		return s.cancelIfGroupCanceled(ctx, *msg.GroupID, run.ID)
	}
	return nil
}

// groupAccepting reports whether a member trigger may still start a run. A
// trigger still queued when its group was canceled is dropped and the member
// is counted as canceled.
func (s *Saga) groupAccepting(ctx context.Context, groupID, runID uuid.UUID) (bool, error) {
	group, err := s.store.GetRunGroup(ctx, groupID)
	if store.IsNotFound(err) {
		s.logger.DebugContext(ctx, "run group not found, dropping trigger", slog.String("group_id", groupID.String()))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if group.State == schema.GroupStateRunning {
		return true, nil
	}

	s.logger.DebugContext(ctx, "run group not running, dropping trigger",
		slog.String("group_id", groupID.String()), slog.String("group_state", string(group.State)))
	return false, s.updateGroup(ctx, groupID, func(g *store.PlaybookRunGroup) (string, bool) {
		return "", g.RecordMember(runID, schema.RunStateCanceled)
	})
}

// cancelIfGroupCanceled covers a group canceled between groupAccepting and
// the run's first write: the group cancel may have listed members before
// this run existed. A redelivered trigger checks again, so a failed publish
// is retried.
func (s *Saga) cancelIfGroupCanceled(ctx context.Context, groupID, runID uuid.UUID) error {
	group, err := s.store.GetRunGroup(ctx, groupID)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil || group.State != schema.GroupStateCanceled {
		return err
	}
	s.logger.DebugContext(ctx, "run group canceled while run was starting", slog.String("group_id", groupID.String()))
	return s.publisher.Publish(ctx, schema.CancelRun{
		RunKey: schema.RunKey{RunID: runID},
		Reason: "run group canceled",
	})
}

// HandleStepCompleted advances a run with a step's result.
func (s *Saga) HandleStepCompleted(ctx context.Context, cc *bus.ConsumeContext) error {
	msg, ok := cc.Message.(schema.StepCompleted)
	if !ok {
		return unexpected(cc)
	}
	result := msg.Result
	return s.applyEvent(ctx, cc, msg.RunID, Event{
		Kind:      EventStepCompleted,
		Reference: msg.Reference,
		Result:    &result,
	})
}

// HandleResumeRun wakes a suspended run. The step it was parked on counts as
// succeeded with the resume data as its output.
func (s *Saga) HandleResumeRun(ctx context.Context, cc *bus.ConsumeContext) error {
	msg, ok := cc.Message.(schema.ResumeRun)
	if !ok {
		return unexpected(cc)
	}
	return s.applyEvent(ctx, cc, msg.RunID, Event{
		Kind:      EventResumed,
		Reference: msg.Reference,
		Result:    schema.Succeeded(msg.Data),
	})
}

// HandleCancelRun cancels a run wherever its cursor is.
func (s *Saga) HandleCancelRun(ctx context.Context, cc *bus.ConsumeContext) error {
	msg, ok := cc.Message.(schema.CancelRun)
	if !ok {
		return unexpected(cc)
	}
	return s.applyEvent(ctx, cc, msg.RunID, Event{Kind: EventCanceled, Reason: msg.Reason})
}
