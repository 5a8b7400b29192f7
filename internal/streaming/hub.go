// Package streaming fans run and group lifecycle events out to live
// subscribers such as dashboards and analytics sinks.
package streaming

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StreamEvent is a lifecycle change of a run or a run group.
type StreamEvent struct {
	Type       string     `json:"type"`
	RunID      uuid.UUID `json:"run_id,omitempty"`
	GroupID    *uuid.UUID `json:"group_id,omitempty"`
	PlaybookID uuid.UUID `json:"playbook_id"`
	OrgID      uuid.UUID `json:"organization_id,omitempty"`
	State      string     `json:"state"`
	At         time.Time  `json:"at"`
	Payload    any        `json:"payload,omitempty"`
}

// EventFilter selects the events a subscriber receives. Zero fields match
// everything.
type EventFilter struct {
	OrgID      uuid.UUID `json:"organization_id,omitempty"`
	PlaybookID uuid.UUID `json:"playbook_id,omitempty"`
	RunID      uuid.UUID `json:"run_id,omitempty"`
	GroupID    uuid.UUID `json:"group_id,omitempty"`
	EventTypes []string  `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for lifecycle events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
