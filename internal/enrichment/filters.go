// Package enrichment resolves the aggregates a message refers to and attaches
// them to the consume context before the consumer runs.
//
// Missing or disabled aggregates are not errors. The message is dropped at
// debug level so garbage correlation ids never cause a redelivery storm. The
// filters only read from the store.
package enrichment

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/playbooks/internal/bus"
	"github.com/rendis/playbooks/internal/store"
)

// Reader is the subset of the store the filters use.
type Reader interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*store.Organization, error)
	GetPlaybook(ctx context.Context, id uuid.UUID) (*store.Playbook, error)
	GetRun(ctx context.Context, id uuid.UUID) (*store.PlaybookRun, error)
	GetRunGroup(ctx context.Context, id uuid.UUID) (*store.PlaybookRunGroup, error)
}

// RunFilter resolves the PlaybookRun of a RunMessage together with its
// playbook, organization and group.
type RunFilter struct {
	store  Reader
	logger *slog.Logger
}

// NewRunFilter creates a RunFilter reading from s. A nil logger uses slog.Default.
func NewRunFilter(s Reader, logger *slog.Logger) *RunFilter {
	return &RunFilter{store: s, logger: orDefault(logger)}
}

// Apply attaches the run, its playbook, organization and group to cc, or drops
// the message when the run or its owners are gone.
func (f *RunFilter) Apply(ctx context.Context, cc *bus.ConsumeContext, next bus.Handler) error {
	msg, ok := cc.Message.(bus.RunMessage)
	if !ok {
		return next(ctx, cc)
	}

	run, err := f.store.GetRun(ctx, msg.PlaybookRunID())
	if store.IsNotFound(err) {
		f.logger.DebugContext(ctx, "run not found, dropping message",
			"message_type", msg.MessageType(), "run_id", msg.PlaybookRunID())
		return nil
	}
	if err != nil {
		return err
	}

	pb, org, ok, err := resolveOwners(ctx, f.store, run.PlaybookID)
	if err != nil {
		return err
	}
	if !ok {
		f.logger.DebugContext(ctx, "run owner not found, dropping message",
			"message_type", msg.MessageType(), "run_id", run.ID, "playbook_id", run.PlaybookID)
		return nil
	}

	if run.GroupID != nil {
		group, err := f.store.GetRunGroup(ctx, *run.GroupID)
		switch {
		case store.IsNotFound(err):
			// The run is still usable without its group; nothing to report to.
		case err != nil:
			return err
		default:
			run.Group = group
			cc.Group = group
		}
	}

	cc.Run = run
	cc.Playbook = pb
	if cc.Organization == nil {
		cc.Organization = org
	}
	return next(ctx, cc)
}

// RunGroupFilter resolves the PlaybookRunGroup of a RunGroupMessage together
// with its playbook and organization.
type RunGroupFilter struct {
	store  Reader
	logger *slog.Logger
}

// NewRunGroupFilter creates a RunGroupFilter reading from s. A nil logger uses
// slog.Default.
func NewRunGroupFilter(s Reader, logger *slog.Logger) *RunGroupFilter {
	return &RunGroupFilter{store: s, logger: orDefault(logger)}
}

// Apply attaches the group, its playbook and organization to cc, or drops the
// message when the group or its owners are gone.
func (f *RunGroupFilter) Apply(ctx context.Context, cc *bus.ConsumeContext, next bus.Handler) error {
	msg, ok := cc.Message.(bus.RunGroupMessage)
	if !ok {
		return next(ctx, cc)
	}

	group, err := f.store.GetRunGroup(ctx, msg.PlaybookRunGroupID())
	if store.IsNotFound(err) {
		f.logger.DebugContext(ctx, "run group not found, dropping message",
			"message_type", msg.MessageType(), "group_id", msg.PlaybookRunGroupID())
		return nil
	}
	if err != nil {
		return err
	}

	pb, org, ok, err := resolveOwners(ctx, f.store, group.PlaybookID)
	if err != nil {
		return err
	}
	if !ok {
		f.logger.DebugContext(ctx, "run group owner not found, dropping message",
			"message_type", msg.MessageType(), "group_id", group.ID)
		return nil
	}

	cc.Group = group
	cc.Playbook = pb
	if cc.Organization == nil {
		cc.Organization = org
	}
	return next(ctx, cc)
}

// OrganizationFilter resolves the Organization of an OrganizationMessage and
// drops the message when it is missing or disabled. Messages that are not
// organization-scoped themselves are checked against the organization already
// attached by an earlier filter, if any.
type OrganizationFilter struct {
	store  Reader
	logger *slog.Logger
}

// NewOrganizationFilter creates an OrganizationFilter reading from s. A nil
// logger uses slog.Default.
func NewOrganizationFilter(s Reader, logger *slog.Logger) *OrganizationFilter {
	return &OrganizationFilter{store: s, logger: orDefault(logger)}
}

// Apply attaches the organization to cc and drops the message when it is
// missing or disabled.
func (f *OrganizationFilter) Apply(ctx context.Context, cc *bus.ConsumeContext, next bus.Handler) error {
	org := cc.Organization
	if msg, ok := cc.Message.(bus.OrganizationMessage); ok {
		resolved, err := f.store.GetOrganization(ctx, msg.OrganizationID())
		if store.IsNotFound(err) {
			f.logger.DebugContext(ctx, "organization not found, dropping message",
				"message_type", msg.MessageType(), "organization_id", msg.OrganizationID())
			return nil
		}
		if err != nil {
			return err
		}
		org = resolved
	}

	if org != nil && !org.Enabled {
		f.logger.DebugContext(ctx, "organization disabled, dropping message",
			"message_type", cc.Message.MessageType(), "organization_id", org.ID)
		return nil
	}
	cc.Organization = org
	return next(ctx, cc)
}

func resolveOwners(ctx context.Context, s Reader, playbookID uuid.UUID) (*store.Playbook, *store.Organization, bool, error) {
	pb, err := s.GetPlaybook(ctx, playbookID)
	if store.IsNotFound(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	org, err := s.GetOrganization(ctx, pb.OrganizationID)
	if store.IsNotFound(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return pb, org, true, nil
}

var (
	_ bus.Filter = (*RunFilter)(nil)
	_ bus.Filter = (*RunGroupFilter)(nil)
	_ bus.Filter = (*OrganizationFilter)(nil)
)

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
