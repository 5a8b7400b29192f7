package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/playbooks/pkg/schema"
)

// Organization owns playbooks. Messages for a disabled organization are dropped.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Playbook is an authored workflow with its currently published definition.
type Playbook struct {
	ID                uuid.UUID `json:"id"`
	OrganizationID    uuid.UUID `json:"organization_id"`
	Name              string    `json:"name"`
	Slug              string    `json:"slug"`
	Enabled           bool      `json:"enabled"`
	Definition        string    `json:"definition,omitempty"`
	DefinitionVersion int       `json:"definition_version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// RunProperties carries tracing correlation for a run.
type RunProperties struct {
	ActivityID string            `json:"activity_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// PlaybookRun is the saga instance. Only the saga mutates it, and every write
// goes through SaveRunIfVersionMatches.
type PlaybookRun struct {
	ID                   uuid.UUID                 `json:"id"`
	PlaybookID           uuid.UUID                 `json:"playbook_id"`
	OrganizationID       uuid.UUID                 `json:"organization_id"`
	GroupID              *uuid.UUID                `json:"group_id,omitempty"`
	Version              int                       `json:"version"`
	State                schema.RunState           `json:"state"`
	SerializedDefinition string                    `json:"definition"`
	DefinitionVersion    int                       `json:"definition_version"`
	Cursor               *schema.ActionReference   `json:"cursor,omitempty"`
	TriggerType          string                    `json:"trigger_type"`
	TriggerData          map[string]any            `json:"trigger_data,omitempty"`
	Outputs              map[string]map[string]any `json:"outputs,omitempty"`
	Properties           RunProperties             `json:"properties"`
	SuspendedUntil       *time.Time                `json:"suspended_until,omitempty"`
	Error                string                    `json:"error,omitempty"`
	CreatedAt            time.Time                 `json:"created_at"`
	UpdatedAt            time.Time                 `json:"updated_at"`
	CompletedAt          *time.Time                `json:"completed_at,omitempty"`

	// Group is the resolved back-reference; it is never persisted.
	Group *PlaybookRunGroup `json:"-"`
}

// PlaybookRunGroup groups correlated runs started by one fan-out.
type PlaybookRunGroup struct {
	ID             uuid.UUID         `json:"id"`
	PlaybookID     uuid.UUID         `json:"playbook_id"`
	OrganizationID uuid.UUID         `json:"organization_id"`
	Version        int               `json:"version"`
	State          schema.GroupState `json:"state"`
	Total          int               `json:"total"`
	Completed      int               `json:"completed"`
	Failed         int               `json:"failed"`
	Canceled       int               `json:"canceled"`
	Properties     RunProperties     `json:"properties"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`

	// Members maps each counted member run to its terminal state. The
	// counters above are derived from it, one count per run.
	Members map[uuid.UUID]schema.RunState `json:"members,omitempty"`
}

// Finished returns how many member runs reached a terminal state.
func (g *PlaybookRunGroup) Finished() int {
	return g.Completed + g.Failed + g.Canceled
}

// RecordMember counts run as finished in state. It reports false when run
// was already counted or state is not terminal.
func (g *PlaybookRunGroup) RecordMember(run uuid.UUID, state schema.RunState) bool {
	if !state.IsTerminal() {
		return false
	}
	if _, seen := g.Members[run]; seen {
		return false
	}
	if g.Members == nil {
		g.Members = make(map[uuid.UUID]schema.RunState)
	}
	g.Members[run] = state
	switch state {
	case schema.RunStateCompleted:
		g.Completed++
	case schema.RunStateFailed:
		g.Failed++
	case schema.RunStateCanceled:
		g.Canceled++
	}
	return true
}

// RunEvent is an immutable entry in a run's history.
type RunEvent struct {
	RunID     uuid.UUID          `json:"run_id"`
	Sequence  int64              `json:"sequence"`
	Type      string             `json:"event_type"`
	StepID    string             `json:"step_id,omitempty"`
	Outcome   schema.StepOutcome `json:"outcome,omitempty"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// PlaybookSchedule is a cron trigger for a playbook.
type PlaybookSchedule struct {
	ID             uuid.UUID  `json:"id"`
	PlaybookID     uuid.UUID  `json:"playbook_id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// PlaybookFilter specifies criteria for listing playbooks.
type PlaybookFilter struct {
	OrganizationID *uuid.UUID
	EnabledOnly    bool
	Limit          int
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	GroupID        *uuid.UUID
	PlaybookID     *uuid.UUID
	State          *schema.RunState
	SuspendedUntil *time.Time // runs suspended with a deadline at or before this instant
	Limit          int
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled    *bool
	PlaybookID *uuid.UUID
	Limit      int
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}
