package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/playbooks/internal/bus"
	"github.com/rendis/playbooks/pkg/schema"
)

// Subscriber is the subscribe half of the message bus.
type Subscriber interface {
	Subscribe(msgType string, h bus.Handler, filters ...bus.Filter)
}

// LifecycleTypes are the bus message types the bridge forwards.
var LifecycleTypes = []string{
	schema.MsgRunStarted,
	schema.MsgRunSuspended,
	schema.MsgRunCompleted,
	schema.MsgRunFailed,
	schema.MsgRunCanceled,
	schema.MsgGroupCompleted,
	schema.MsgGroupCanceled,
}

// Bridge forwards lifecycle messages from the bus to a hub.
type Bridge struct {
	hub    EventHub
	logger *slog.Logger
}

// NewBridge creates a Bridge publishing to hub.
func NewBridge(hub EventHub, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{hub: hub, logger: logger}
}

// Register subscribes the bridge to every lifecycle message type.
func (b *Bridge) Register(sub Subscriber) {
	for _, t := range LifecycleTypes {
		sub.Subscribe(t, b.Handle)
	}
}

// Handle converts a lifecycle message and publishes it. Hub failures are
// logged, never retried: live subscribers only care about fresh events.
func (b *Bridge) Handle(ctx context.Context, cc *bus.ConsumeContext) error {
	event, ok := toStreamEvent(cc.Message)
	if !ok {
		b.logger.DebugContext(ctx, "ignoring non-lifecycle message",
			slog.String("type", cc.Message.MessageType()))
		return nil
	}
	if err := b.hub.Publish(ctx, event); err != nil {
		b.logger.WarnContext(ctx, "failed to stream lifecycle event",
			slog.String("type", event.Type), slog.String("error", err.Error()))
	}
	return nil
}

func toStreamEvent(msg bus.Message) (StreamEvent, bool) {
	switch m := msg.(type) {
	case schema.RunLifecycle:
		return StreamEvent{
			Type:       m.Type,
			RunID:      m.RunID,
			GroupID:    m.GroupID,
			PlaybookID: m.PlaybookID,
			OrgID:      m.OrgID,
			State:      string(m.State),
			At:         m.At,
			Payload:    m,
		}, true
	case schema.GroupLifecycle:
		groupID := m.GroupID
		return StreamEvent{
			Type:       m.Type,
			GroupID:    &groupID,
			PlaybookID: m.PlaybookID,
			State:      string(m.State),
			At:         m.At,
			Payload:    m,
		}, true
	default:
		return StreamEvent{}, false
	}
}
