// Package triggers turns platform events into run triggers. Each enabled
// playbook of the event's organization is matched by trigger type and CEL
// filter; matching triggers extract their outputs with jq and start a run.
package triggers

import (
	"context"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/rendis/playbooks/internal/bus"
	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/pkg/schema"
)

// PlaybookLister is the store subset the router reads.
type PlaybookLister interface {
	ListPlaybooks(ctx context.Context, filter store.PlaybookFilter) ([]*store.Playbook, error)
}

// Subscriber is the subscribe half of the message bus.
type Subscriber interface {
	Subscribe(msgType string, h bus.Handler, filters ...bus.Filter)
}

// Checker validates trigger filters and output paths at import time.
type Checker struct {
	filter    *CELFilter
	extractor *Extractor
}

// NewChecker creates a Checker sharing the router's compiled caches.
func NewChecker(filter *CELFilter, extractor *Extractor) *Checker {
	return &Checker{filter: filter, extractor: extractor}
}

func (c *Checker) CheckFilter(filter string) error { return c.filter.Check(filter) }
func (c *Checker) CheckOutput(path string) error   { return c.extractor.Check(path) }

// RunID is the run a playbook starts for a platform event. The same event
// always maps to the same run, so redelivered events collapse onto it.
func RunID(playbookID uuid.UUID, eventID string) uuid.UUID {
	return uuid.NewSHA1(playbookID, []byte(eventID))
}

// Router matches platform events against playbook triggers.
type Router struct {
	playbooks PlaybookLister
	publisher bus.Publisher
	filter    *CELFilter
	extractor *Extractor
	logger    *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(playbooks PlaybookLister, publisher bus.Publisher, filter *CELFilter, extractor *Extractor, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		playbooks: playbooks,
		publisher: publisher,
		filter:    filter,
		extractor: extractor,
		logger:    logger,
	}
}

// Register subscribes the router to platform events behind orgFilter, which
// drops events of missing or disabled organizations.
func (r *Router) Register(sub Subscriber, orgFilter bus.Filter) {
	var filters []bus.Filter
	if orgFilter != nil {
		filters = append(filters, orgFilter)
	}
	sub.Subscribe(schema.MsgPlatformEvent, r.HandlePlatformEvent, filters...)
}

// HandlePlatformEvent publishes one TriggerFired per playbook with a matching
// trigger. A playbook fires at most once per event.
func (r *Router) HandlePlatformEvent(ctx context.Context, cc *bus.ConsumeContext) error {
	msg, ok := cc.Message.(schema.PlatformEventReceived)
	if !ok {
		return bus.Permanent(schema.NewErrorf(schema.ErrCodeValidation, "unexpected message %T", cc.Message))
	}
	if msg.EventID == "" {
		r.logger.WarnContext(ctx, "platform event without id, dropping", slog.String("type", msg.Type))
		return nil
	}

	orgID := msg.OrgID
	playbooks, err := r.playbooks.ListPlaybooks(ctx, store.PlaybookFilter{OrganizationID: &orgID, EnabledOnly: true})
	if err != nil {
		return err
	}

	vars := map[string]any{
		"event":        map[string]any{"id": msg.EventID, "type": msg.Type},
		"payload":      msg.Payload,
		"organization": organizationVars(cc.Organization, orgID),
	}

	fired := 0
	for _, pb := range playbooks {
		data, ok := r.match(ctx, pb, msg, vars)
		if !ok {
			continue
		}
		if err := r.publisher.Publish(ctx, schema.TriggerFired{
			OrgKey:      schema.OrgKey{OrgID: orgID},
			RunID:       RunID(pb.ID, msg.EventID),
			PlaybookID:  pb.ID,
			TriggerType: msg.Type,
			TriggerData: data,
			ActivityID:  msg.ActivityID,
		}); err != nil {
			return err
		}
		fired++
	}

	r.logger.DebugContext(ctx, "platform event routed",
		slog.String("event_id", msg.EventID),
		slog.String("type", msg.Type),
		slog.Int("playbooks", len(playbooks)),
		slog.Int("fired", fired))
	return nil
}

// match returns the trigger data of the first trigger of pb that accepts the
// event. Broken definitions and failing filters only skip the playbook.
func (r *Router) match(ctx context.Context, pb *store.Playbook, msg schema.PlatformEventReceived, vars map[string]any) (map[string]any, bool) {
	if pb.Definition == "" {
		return nil, false
	}
	def, err := schema.ParseDefinition(pb.Definition)
	if err != nil {
		r.logger.WarnContext(ctx, "skipping playbook with corrupt definition",
			slog.String("playbook_id", pb.ID.String()), slog.String("error", err.Error()))
		return nil, false
	}

	for _, trig := range def.Triggers {
		if trig.Type != msg.Type {
			continue
		}
		ok, err := r.filter.Match(ctx, trig.Filter, vars)
		if err != nil {
			r.logger.WarnContext(ctx, "trigger filter failed",
				slog.String("playbook_id", pb.ID.String()),
				slog.String("trigger_id", trig.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}

		outputs, err := r.extractor.Extract(ctx, trig.Outputs, msg.Payload)
		if err != nil {
			r.logger.WarnContext(ctx, "trigger output extraction failed",
				slog.String("playbook_id", pb.ID.String()),
				slog.String("trigger_id", trig.ID),
				slog.String("error", err.Error()))
			continue
		}
		return triggerData(msg, outputs), true
	}
	return nil, false
}

// triggerData is the payload with the extracted outputs laid over it, plus
// the event id under "event_id".
func triggerData(msg schema.PlatformEventReceived, outputs map[string]any) map[string]any {
	data := make(map[string]any, len(msg.Payload)+len(outputs)+1)
	maps.Copy(data, msg.Payload)
	maps.Copy(data, outputs)
	data["event_id"] = msg.EventID
	return data
}

func organizationVars(org *store.Organization, id uuid.UUID) map[string]any {
	if org == nil {
		return map[string]any{"id": id.String()}
	}
	return map[string]any{"id": org.ID.String(), "slug": org.Slug, "name": org.Name}
}

// StartGroup fans playbookID out over targets as one run group and returns
// the group id. Pass a fixed groupID to make the call idempotent; uuid.Nil
// picks a fresh one.
func StartGroup(ctx context.Context, pub bus.Publisher, orgID, playbookID, groupID uuid.UUID, triggerType string, targets []map[string]any) (uuid.UUID, error) {
	if groupID == uuid.Nil {
		groupID = uuid.New()
	}
	err := pub.Publish(ctx, schema.StartRunGroup{
		OrgKey:      schema.OrgKey{OrgID: orgID},
		GroupID:     groupID,
		PlaybookID:  playbookID,
		TriggerType: triggerType,
		Targets:     targets,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return groupID, nil
}
