package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbooks/pkg/schema"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLStore(DialectLibSQL, "file:"+dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore()
	require.NoError(t, err)
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, newTestMemoryStore(t)) })
}

func seedPlaybook(t *testing.T, s Store) (*Organization, *Playbook) {
	t.Helper()
	ctx := context.Background()
	org := &Organization{ID: uuid.New(), Name: "Acme", Slug: "acme", Enabled: true}
	require.NoError(t, s.CreateOrganization(ctx, org))
	pb := &Playbook{ID: uuid.New(), OrganizationID: org.ID, Name: "triage", Slug: "triage", Enabled: true}
	require.NoError(t, s.CreatePlaybook(ctx, pb))
	return org, pb
}

func newRun(pb *Playbook) *PlaybookRun {
	return &PlaybookRun{
		ID:                   uuid.New(),
		PlaybookID:           pb.ID,
		OrganizationID:       pb.OrganizationID,
		Version:              1,
		State:                schema.RunStateRunning,
		SerializedDefinition: `{"start_sequence":"main"}`,
		DefinitionVersion:    1,
		Cursor:               &schema.ActionReference{SequenceName: "main", StepID: "first", AttemptCount: 1},
		TriggerType:          "message",
		TriggerData:          map[string]any{"text": "hello"},
		Properties:           RunProperties{ActivityID: "act-1"},
	}
}

func TestOrganizations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		org, _ := seedPlaybook(t, s)

		got, err := s.GetOrganization(ctx, org.ID)
		require.NoError(t, err)
		assert.Equal(t, "acme", got.Slug)
		assert.True(t, got.Enabled)

		require.NoError(t, s.SetOrganizationEnabled(ctx, org.ID, false))
		got, err = s.GetOrganization(ctx, org.ID)
		require.NoError(t, err)
		assert.False(t, got.Enabled)

		_, err = s.GetOrganization(ctx, uuid.New())
		assert.True(t, IsNotFound(err))
		assert.True(t, IsNotFound(s.SetOrganizationEnabled(ctx, uuid.New(), true)))
	})
}

func TestPlaybooks_PublishAndList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		org, pb := seedPlaybook(t, s)

		v, err := s.PublishDefinition(ctx, pb.ID, `{"v":1}`)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		v, err = s.PublishDefinition(ctx, pb.ID, `{"v":2}`)
		require.NoError(t, err)
		assert.Equal(t, 2, v)

		got, err := s.GetPlaybook(ctx, pb.ID)
		require.NoError(t, err)
		assert.Equal(t, `{"v":2}`, got.Definition)

		disabled := &Playbook{ID: uuid.New(), OrganizationID: org.ID, Name: "off", Slug: "off"}
		require.NoError(t, s.CreatePlaybook(ctx, disabled))

		all, err := s.ListPlaybooks(ctx, PlaybookFilter{OrganizationID: &org.ID})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		enabled, err := s.ListPlaybooks(ctx, PlaybookFilter{OrganizationID: &org.ID, EnabledOnly: true})
		require.NoError(t, err)
		require.Len(t, enabled, 1)
		assert.Equal(t, pb.ID, enabled[0].ID)

		_, err = s.PublishDefinition(ctx, uuid.New(), "{}")
		assert.True(t, IsNotFound(err))
	})
}

func TestCreateRun_RoundTripAndDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, pb := seedPlaybook(t, s)
		run := newRun(pb)

		require.NoError(t, s.CreateRun(ctx, run, []*RunEvent{{Type: schema.EventRunStarted}}))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Version)
		assert.Equal(t, schema.RunStateRunning, got.State)
		require.NotNil(t, got.Cursor)
		assert.Equal(t, *run.Cursor, *got.Cursor)
		assert.Equal(t, "hello", got.TriggerData["text"])
		assert.Equal(t, "act-1", got.Properties.ActivityID)
		assert.Nil(t, got.GroupID)

		err = s.CreateRun(ctx, newRunWithID(pb, run.ID), nil)
		assert.True(t, IsConflict(err))

		_, err = s.GetRun(ctx, uuid.New())
		assert.True(t, IsNotFound(err))
	})
}

func newRunWithID(pb *Playbook, id uuid.UUID) *PlaybookRun {
	r := newRun(pb)
	r.ID = id
	return r
}

func TestSaveRunIfVersionMatches(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, pb := seedPlaybook(t, s)
		run := newRun(pb)
		require.NoError(t, s.CreateRun(ctx, run, []*RunEvent{{Type: schema.EventRunStarted}}))

		run.Cursor = &schema.ActionReference{SequenceName: "main", StepID: "second", AttemptCount: 1}
		run.Outputs = map[string]map[string]any{"first": {"ok": true}}
		ok, err := s.SaveRunIfVersionMatches(ctx, run, 1, []*RunEvent{
			{Type: schema.EventStepCompleted, StepID: "first", Outcome: schema.OutcomeSucceeded},
		})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, run.Version)

		// A writer still holding version 1 loses.
		stale := newRunWithID(pb, run.ID)
		stale.State = schema.RunStateCanceled
		ok, err = s.SaveRunIfVersionMatches(ctx, stale, 1, []*RunEvent{{Type: schema.EventRunCanceled}})
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, schema.RunStateRunning, got.State)
		assert.Equal(t, "second", got.Cursor.StepID)
		assert.Equal(t, true, got.Outputs["first"]["ok"])

		history, err := s.GetRunHistory(ctx, run.ID, 0)
		require.NoError(t, err)
		require.Len(t, history, 2, "losing writer must not append history")
		assert.Equal(t, int64(1), history[0].Sequence)
		assert.Equal(t, schema.EventRunStarted, history[0].Type)
		assert.Equal(t, int64(2), history[1].Sequence)
		assert.Equal(t, "first", history[1].StepID)
		assert.Equal(t, schema.OutcomeSucceeded, history[1].Outcome)

		since, err := s.GetRunHistory(ctx, run.ID, 1)
		require.NoError(t, err)
		require.Len(t, since, 1)
		assert.Equal(t, int64(2), since[0].Sequence)

		ok, err = s.SaveRunIfVersionMatches(ctx, newRun(pb), 1, nil)
		require.NoError(t, err)
		assert.False(t, ok, "missing run never matches")
	})
}

func TestSaveRunIfVersionMatches_ConcurrentWritersOneWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, pb := seedPlaybook(t, s)
		run := newRun(pb)
		require.NoError(t, s.CreateRun(ctx, run, nil))

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r := newRunWithID(pb, run.ID)
				r.Cursor = &schema.ActionReference{SequenceName: "main", StepID: "w", AttemptCount: i + 1}
				ok, err := s.SaveRunIfVersionMatches(ctx, r, 1, []*RunEvent{{Type: schema.EventStepCompleted}})
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		history, err := s.GetRunHistory(ctx, run.ID, 0)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

func TestListRuns_Filters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		org, pb := seedPlaybook(t, s)

		group := &PlaybookRunGroup{
			ID: uuid.New(), PlaybookID: pb.ID, OrganizationID: org.ID,
			Version: 1, State: schema.GroupStateRunning, Total: 2,
		}
		require.NoError(t, s.CreateRunGroup(ctx, group))

		now := time.Now().UTC()
		due := now.Add(-time.Minute)
		later := now.Add(time.Hour)

		member := newRun(pb)
		member.GroupID = &group.ID
		member.SuspendedUntil = &due
		require.NoError(t, s.CreateRun(ctx, member, nil))

		notDue := newRun(pb)
		notDue.SuspendedUntil = &later
		require.NoError(t, s.CreateRun(ctx, notDue, nil))

		done := newRun(pb)
		done.State = schema.RunStateCompleted
		done.Cursor = nil
		require.NoError(t, s.CreateRun(ctx, done, nil))

		byGroup, err := s.ListRuns(ctx, RunFilter{GroupID: &group.ID})
		require.NoError(t, err)
		require.Len(t, byGroup, 1)
		assert.Equal(t, member.ID, byGroup[0].ID)
		require.NotNil(t, byGroup[0].GroupID)
		assert.Equal(t, group.ID, *byGroup[0].GroupID)

		running := schema.RunStateRunning
		dueRuns, err := s.ListRuns(ctx, RunFilter{State: &running, SuspendedUntil: &now})
		require.NoError(t, err)
		require.Len(t, dueRuns, 1)
		assert.Equal(t, member.ID, dueRuns[0].ID)

		all, err := s.ListRuns(ctx, RunFilter{PlaybookID: &pb.ID})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		limited, err := s.ListRuns(ctx, RunFilter{PlaybookID: &pb.ID, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestRunGroups_CompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		org, pb := seedPlaybook(t, s)
		group := &PlaybookRunGroup{
			ID: uuid.New(), PlaybookID: pb.ID, OrganizationID: org.ID,
			Version: 1, State: schema.GroupStateRunning, Total: 3,
		}
		require.NoError(t, s.CreateRunGroup(ctx, group))
		assert.True(t, IsConflict(s.CreateRunGroup(ctx, &PlaybookRunGroup{
			ID: group.ID, PlaybookID: pb.ID, OrganizationID: org.ID, Version: 1, State: schema.GroupStateRunning,
		})))

		member := uuid.New()
		require.True(t, group.RecordMember(member, schema.RunStateCompleted))
		require.False(t, group.RecordMember(member, schema.RunStateCompleted))
		ok, err := s.SaveRunGroupIfVersionMatches(ctx, group, 1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, group.Version)

		ok, err = s.SaveRunGroupIfVersionMatches(ctx, group, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetRunGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Completed)
		assert.Equal(t, 1, got.Finished())
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, map[uuid.UUID]schema.RunState{member: schema.RunStateCompleted}, got.Members)
		assert.False(t, got.RecordMember(member, schema.RunStateFailed), "a stored member is not counted again")

		_, err = s.GetRunGroup(ctx, uuid.New())
		assert.True(t, IsNotFound(err))
	})
}

func TestSchedules(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		org, pb := seedPlaybook(t, s)

		sched := &PlaybookSchedule{
			ID: uuid.New(), PlaybookID: pb.ID, OrganizationID: org.ID,
			CronExpression: "*/5 * * * *", Enabled: true,
		}
		require.NoError(t, s.CreateSchedule(ctx, sched))

		enabled := true
		list, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "*/5 * * * *", list[0].CronExpression)
		assert.Nil(t, list[0].LastRunAt)

		ranAt := time.Now().UTC().Truncate(time.Second)
		disabled := false
		require.NoError(t, s.UpdateSchedule(ctx, sched.ID, ScheduleUpdate{
			Enabled: &disabled, LastRunAt: &ranAt, LastRunStatus: "fired",
		}))

		list, err = s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
		require.NoError(t, err)
		assert.Empty(t, list)

		list, err = s.ListSchedules(ctx, ScheduleFilter{PlaybookID: &pb.ID})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "fired", list[0].LastRunStatus)
		require.NotNil(t, list[0].LastRunAt)
		assert.True(t, ranAt.Equal(*list[0].LastRunAt))

		assert.True(t, IsNotFound(s.UpdateSchedule(ctx, uuid.New(), ScheduleUpdate{LastRunStatus: "x"})))
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()
	_, pb := seedPlaybook(t, s)
	run := newRun(pb)
	require.NoError(t, s.CreateRun(ctx, run, nil))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	got.TriggerData["text"] = "mutated"
	got.Cursor.StepID = "mutated"

	again, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", again.TriggerData["text"])
	assert.Equal(t, "first", again.Cursor.StepID)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}
