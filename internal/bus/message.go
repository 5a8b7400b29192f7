// Package bus delivers messages to subscribers with per-correlation ordering.
//
// Messages that share a partition key are handled one at a time in arrival
// order. A run's messages therefore never overlap, while different runs proceed
// in parallel. Delivery is at-least-once: a handler error classified as
// retryable re-runs the subscriber's whole pipeline, filters included.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is anything published on the bus.
type Message interface {
	MessageType() string
}

// RunMessage is correlated with a PlaybookRun.
type RunMessage interface {
	Message
	PlaybookRunID() uuid.UUID
}

// RunGroupMessage is correlated with a PlaybookRunGroup.
type RunGroupMessage interface {
	Message
	PlaybookRunGroupID() uuid.UUID
}

// OrganizationMessage is scoped to an Organization.
type OrganizationMessage interface {
	Message
	OrganizationID() uuid.UUID
}

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	// PublishAfter delivers msg once delay has elapsed. Pending delayed
	// messages do not survive a restart.
	PublishAfter(ctx context.Context, msg Message, delay time.Duration) error
}

// PartitionKey picks the session a message is serialized on: run id, then
// group id, then organization id, then the message type.
func PartitionKey(msg Message) string {
	if m, ok := msg.(RunMessage); ok {
		return "run:" + m.PlaybookRunID().String()
	}
	if m, ok := msg.(RunGroupMessage); ok {
		return "group:" + m.PlaybookRunGroupID().String()
	}
	if m, ok := msg.(OrganizationMessage); ok {
		return "org:" + m.OrganizationID().String()
	}
	return "type:" + msg.MessageType()
}
