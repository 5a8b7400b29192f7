package saga

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/rendis/playbooks/internal/bus"
	"github.com/rendis/playbooks/internal/logging"
	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/pkg/schema"
)

// GroupTriggerType is the trigger type of runs started by a group fan-out
// that does not name one.
const GroupTriggerType = "group"

// ChildRunID is the run id of a group's i-th target. Redelivered fan-outs
// therefore publish the same ids and the trigger dedupe collapses them.
func ChildRunID(groupID uuid.UUID, i int) uuid.UUID {
	return uuid.NewSHA1(groupID, []byte(strconv.Itoa(i)))
}

// HandleStartRunGroup creates a group and publishes one trigger per target.
// It is idempotent: a redelivery finds the group and republishes the same
// deterministic child triggers.
func (s *Saga) HandleStartRunGroup(ctx context.Context, cc *bus.ConsumeContext) error {
	msg, ok := cc.Message.(schema.StartRunGroup)
	if !ok {
		return unexpected(cc)
	}
	if msg.ActivityID != "" {
		ctx = logging.WithActivityID(ctx, msg.ActivityID)
	}

	unlock := s.locks.Lock(msg.GroupID)
	defer unlock()

	pb, err := s.store.GetPlaybook(ctx, msg.PlaybookID)
	if store.IsNotFound(err) || (err == nil && pb.OrganizationID != msg.OrgID) {
		s.logger.DebugContext(ctx, "playbook not found, dropping group start",
			slog.String("group_id", msg.GroupID.String()), slog.String("playbook_id", msg.PlaybookID.String()))
		return nil
	}
	if err != nil {
		return err
	}

	now := s.now()
	group := &store.PlaybookRunGroup{
		ID:             msg.GroupID,
		PlaybookID:     pb.ID,
		OrganizationID: pb.OrganizationID,
		Version:        1,
		State:          schema.GroupStateRunning,
		Total:          len(msg.Targets),
		Properties:     store.RunProperties{ActivityID: msg.ActivityID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if group.Total == 0 {
		group.State = schema.GroupStateCompleted
	}

	err = s.store.CreateRunGroup(ctx, group)
	switch {
	case store.IsConflict(err):
		s.logger.DebugContext(ctx, "run group already exists, republishing triggers",
			slog.String("group_id", msg.GroupID.String()))
	case err != nil:
		return err
	default:
		s.logger.InfoContext(ctx, "run group started",
			slog.String("group_id", group.ID.String()), slog.Int("total", group.Total))
		if group.State == schema.GroupStateCompleted {
			s.publishGroupLifecycle(ctx, group, schema.MsgGroupCompleted)
		}
	}

	triggerType := msg.TriggerType
	if triggerType == "" {
		triggerType = GroupTriggerType
	}
	groupID := msg.GroupID
	for i, target := range msg.Targets {
		if err := s.publisher.Publish(ctx, schema.TriggerFired{
			OrgKey:      msg.OrgKey,
			RunID:       ChildRunID(groupID, i),
			PlaybookID:  pb.ID,
			TriggerType: triggerType,
			TriggerData: target,
			GroupID:     &groupID,
			ActivityID:  msg.ActivityID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// HandleRunGroupMemberFinished counts a finished member and completes the
// group once every member is done.
func (s *Saga) HandleRunGroupMemberFinished(ctx context.Context, cc *bus.ConsumeContext) error {
	msg, ok := cc.Message.(schema.RunGroupMemberFinished)
	if !ok {
		return unexpected(cc)
	}

	return s.updateGroup(ctx, msg.GroupID, func(g *store.PlaybookRunGroup) (string, bool) {
		if !g.RecordMember(msg.RunID, msg.State) {
			s.logger.DebugContext(ctx, "member already counted",
				slog.String("group_id", msg.GroupID.String()), slog.String("run_id", msg.RunID.String()))
			return "", false
		}
		if g.State == schema.GroupStateRunning && g.Finished() >= g.Total {
			g.State = schema.GroupStateCompleted
			return schema.MsgGroupCompleted, true
		}
		return "", true
	})
}

// HandleCancelRunGroup marks a running group canceled and cancels every
// member that has not finished.
func (s *Saga) HandleCancelRunGroup(ctx context.Context, cc *bus.ConsumeContext) error {
	msg, ok := cc.Message.(schema.CancelRunGroup)
	if !ok {
		return unexpected(cc)
	}

	err := s.updateGroup(ctx, msg.GroupID, func(g *store.PlaybookRunGroup) (string, bool) {
		if g.State != schema.GroupStateRunning {
			return "", false
		}
		g.State = schema.GroupStateCanceled
		return schema.MsgGroupCanceled, true
	})
	if err != nil {
		return err
	}

	// Cancels are idempotent, so this also runs on redelivery after the
	// group write already succeeded.
	groupID := msg.GroupID
	runs, err := s.store.ListRuns(ctx, store.RunFilter{GroupID: &groupID})
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.State.IsTerminal() {
			continue
		}
		if err := s.publisher.Publish(ctx, schema.CancelRun{
			RunKey: schema.RunKey{RunID: run.ID},
			Reason: msg.Reason,
		}); err != nil {
			return err
		}
	}
	return nil
}

// updateGroup applies mutate to a fresh copy of the group and saves it with a
// version check. mutate returns the lifecycle message to publish ("" for
// none) and whether anything changed.
func (s *Saga) updateGroup(ctx context.Context, groupID uuid.UUID, mutate func(*store.PlaybookRunGroup) (string, bool)) error {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	group, err := s.store.GetRunGroup(ctx, groupID)
	if store.IsNotFound(err) {
		s.logger.DebugContext(ctx, "run group disappeared", slog.String("group_id", groupID.String()))
		return nil
	}
	if err != nil {
		return err
	}

	expected := group.Version
	lifecycle, changed := mutate(group)
	if !changed {
		return nil
	}
	group.UpdatedAt = s.now()

	saved, err := s.store.SaveRunGroupIfVersionMatches(ctx, group, expected)
	if err != nil {
		return err
	}
	if !saved {
		return schema.NewErrorf(schema.ErrCodeConflict, "run group %s changed since version %d was read", groupID, expected)
	}

	if lifecycle != "" {
		s.logger.InfoContext(ctx, "run group finished",
			slog.String("group_id", groupID.String()),
			slog.String("state", string(group.State)),
			slog.Int("completed", group.Completed),
			slog.Int("failed", group.Failed),
			slog.Int("canceled", group.Canceled))
		s.publishGroupLifecycle(ctx, group, lifecycle)
	}
	return nil
}

func (s *Saga) publishGroupLifecycle(ctx context.Context, g *store.PlaybookRunGroup, msgType string) {
	err := s.publisher.Publish(ctx, schema.GroupLifecycle{
		GroupKey:   schema.GroupKey{GroupID: g.ID},
		Type:       msgType,
		PlaybookID: g.PlaybookID,
		State:      g.State,
		Completed:  g.Completed,
		Failed:     g.Failed,
		Canceled:   g.Canceled,
		At:         g.UpdatedAt,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to publish group lifecycle", slog.String("error", err.Error()))
	}
}
