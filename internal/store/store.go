package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rendis/playbooks/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error)
	SetOrganizationEnabled(ctx context.Context, id uuid.UUID, enabled bool) error

	// Playbooks
	CreatePlaybook(ctx context.Context, pb *Playbook) error
	GetPlaybook(ctx context.Context, id uuid.UUID) (*Playbook, error)
	ListPlaybooks(ctx context.Context, filter PlaybookFilter) ([]*Playbook, error)
	// PublishDefinition stores an already-validated definition and returns its new version.
	PublishDefinition(ctx context.Context, playbookID uuid.UUID, serialized string) (int, error)

	// Runs (saga instances)
	// CreateRun inserts a new run. It fails with ErrCodeConflict if the id is taken.
	CreateRun(ctx context.Context, run *PlaybookRun, history []*RunEvent) error
	GetRun(ctx context.Context, id uuid.UUID) (*PlaybookRun, error)
	// SaveRunIfVersionMatches writes run and appends history only when the stored
	// version equals expected. On success run.Version becomes expected+1.
	SaveRunIfVersionMatches(ctx context.Context, run *PlaybookRun, expected int, history []*RunEvent) (bool, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*PlaybookRun, error)
	GetRunHistory(ctx context.Context, runID uuid.UUID, since int64) ([]*RunEvent, error)

	// Run groups
	CreateRunGroup(ctx context.Context, group *PlaybookRunGroup) error
	GetRunGroup(ctx context.Context, id uuid.UUID) (*PlaybookRunGroup, error)
	SaveRunGroupIfVersionMatches(ctx context.Context, group *PlaybookRunGroup, expected int) (bool, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *PlaybookSchedule) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*PlaybookSchedule, error)
	UpdateSchedule(ctx context.Context, id uuid.UUID, update ScheduleUpdate) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ErrVersionConflict is returned by callers that turn a failed compare-and-swap
// into an error. It is retryable.
var ErrVersionConflict = schema.NewError(schema.ErrCodeConflict, "stored version changed since read")

// IsNotFound reports whether err is a NOT_FOUND store error.
func IsNotFound(err error) bool {
	return schema.HasCode(err, schema.ErrCodeNotFound)
}

// IsConflict reports whether err is a CONFLICT store error.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || schema.HasCode(err, schema.ErrCodeConflict)
}

func storeNotFound(resource string, id any) *schema.PlaybookError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource string, id any) *schema.PlaybookError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}
