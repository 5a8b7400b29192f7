package enrichment

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbooks/internal/bus"
	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/pkg/schema"
)

type fixture struct {
	store *store.MemoryStore
	org   *store.Organization
	pb    *store.Playbook
	group *store.PlaybookRunGroup
	run   *store.PlaybookRun
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewMemoryStore()
	require.NoError(t, err)

	f := &fixture{store: s}
	f.org = &store.Organization{ID: uuid.New(), Name: "Acme", Slug: "acme", Enabled: true}
	require.NoError(t, s.CreateOrganization(ctx, f.org))
	f.pb = &store.Playbook{ID: uuid.New(), OrganizationID: f.org.ID, Name: "triage", Enabled: true}
	require.NoError(t, s.CreatePlaybook(ctx, f.pb))
	f.group = &store.PlaybookRunGroup{
		ID: uuid.New(), PlaybookID: f.pb.ID, OrganizationID: f.org.ID, Version: 1, State: schema.GroupStateRunning, Total: 1,
	}
	require.NoError(t, s.CreateRunGroup(ctx, f.group))
	f.run = &store.PlaybookRun{
		ID: uuid.New(), PlaybookID: f.pb.ID, OrganizationID: f.org.ID, GroupID: &f.group.ID,
		Version: 1, State: schema.RunStateRunning, SerializedDefinition: "{}", TriggerType: "message",
	}
	require.NoError(t, s.CreateRun(ctx, f.run, nil))
	return f
}

// recorder is a terminal handler that counts invocations and keeps the last context.
type recorder struct {
	calls atomic.Int32
	last  *bus.ConsumeContext
}

func (r *recorder) handle(_ context.Context, cc *bus.ConsumeContext) error {
	r.calls.Add(1)
	r.last = cc
	return nil
}

func runMsg(id uuid.UUID) bus.Message {
	return schema.StepCompleted{RunKey: schema.RunKey{RunID: id}}
}

func TestRunFilter_ResolvesRunAndOwners(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	h := bus.Chain(rec.handle, NewRunFilter(f.store, nil))

	require.NoError(t, h(context.Background(), &bus.ConsumeContext{Message: runMsg(f.run.ID)}))
	require.Equal(t, int32(1), rec.calls.Load())

	cc := rec.last
	require.NotNil(t, cc.Run)
	assert.Equal(t, f.run.ID, cc.Run.ID)
	assert.Equal(t, f.pb.ID, cc.Playbook.ID)
	assert.Equal(t, f.org.ID, cc.Organization.ID)
	require.NotNil(t, cc.Group)
	assert.Equal(t, f.group.ID, cc.Group.ID)
	assert.Same(t, cc.Group, cc.Run.Group)
}

func TestRunFilter_MissingRunIsDropped(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	h := bus.Chain(rec.handle, NewRunFilter(f.store, nil))

	err := h(context.Background(), &bus.ConsumeContext{Message: runMsg(uuid.New())})
	assert.NoError(t, err)
	assert.Zero(t, rec.calls.Load())
}

func TestRunFilter_MissingRunOnBusNeverRetriesOrWrites(t *testing.T) {
	f := newFixture(t)
	b := bus.NewMemoryBus(bus.Config{Partitions: 2, MaxRedeliveries: 5, RedeliveryDelay: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = b.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })

	var filterRuns atomic.Int32
	counting := bus.FilterFunc(func(ctx context.Context, cc *bus.ConsumeContext, next bus.Handler) error {
		filterRuns.Add(1)
		return next(ctx, cc)
	})
	rec := &recorder{}
	b.Subscribe(schema.MsgStepCompleted, rec.handle, counting, NewRunFilter(f.store, nil))
	var dead atomic.Int32
	b.OnDeadLetter(func(bus.DeadLetter) { dead.Add(1) })

	require.NoError(t, b.Publish(context.Background(), runMsg(uuid.New())))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, b.WaitIdle(waitCtx))

	assert.Equal(t, int32(1), filterRuns.Load(), "no redelivery")
	assert.Zero(t, rec.calls.Load())
	assert.Zero(t, dead.Load())

	runs, err := f.store.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Version, "nothing was written")
}

func TestRunGroupFilter(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	h := bus.Chain(rec.handle, NewRunGroupFilter(f.store, nil))

	msg := schema.CancelRunGroup{GroupKey: schema.GroupKey{GroupID: f.group.ID}}
	require.NoError(t, h(context.Background(), &bus.ConsumeContext{Message: msg}))
	require.Equal(t, int32(1), rec.calls.Load())
	assert.Equal(t, f.group.ID, rec.last.Group.ID)
	assert.Equal(t, f.org.ID, rec.last.Organization.ID)

	missing := schema.CancelRunGroup{GroupKey: schema.GroupKey{GroupID: uuid.New()}}
	require.NoError(t, h(context.Background(), &bus.ConsumeContext{Message: missing}))
	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestOrganizationFilter_DisabledOrMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &recorder{}
	h := bus.Chain(rec.handle, NewOrganizationFilter(f.store, nil))

	event := func(org uuid.UUID) *bus.ConsumeContext {
		return &bus.ConsumeContext{Message: schema.PlatformEventReceived{OrgKey: schema.OrgKey{OrgID: org}, Type: "message"}}
	}

	require.NoError(t, h(ctx, event(f.org.ID)))
	assert.Equal(t, int32(1), rec.calls.Load())

	require.NoError(t, h(ctx, event(uuid.New())))
	assert.Equal(t, int32(1), rec.calls.Load(), "missing organization dropped")

	require.NoError(t, f.store.SetOrganizationEnabled(ctx, f.org.ID, false))
	require.NoError(t, h(ctx, event(f.org.ID)))
	assert.Equal(t, int32(1), rec.calls.Load(), "disabled organization dropped")
}

func TestOrganizationFilter_ChecksOrgResolvedByRunFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetOrganizationEnabled(ctx, f.org.ID, false))

	rec := &recorder{}
	h := bus.Chain(rec.handle, NewRunFilter(f.store, nil), NewOrganizationFilter(f.store, nil))

	require.NoError(t, h(ctx, &bus.ConsumeContext{Message: runMsg(f.run.ID)}))
	assert.Zero(t, rec.calls.Load())
}

func TestFilters_IdempotentOnRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &recorder{}
	h := bus.Chain(rec.handle, NewRunFilter(f.store, nil), NewOrganizationFilter(f.store, nil))

	require.NoError(t, h(ctx, &bus.ConsumeContext{Message: runMsg(f.run.ID), Attempt: 1}))
	first := rec.last
	require.NoError(t, h(ctx, &bus.ConsumeContext{Message: runMsg(f.run.ID), Attempt: 2}))
	second := rec.last

	assert.Equal(t, first.Run, second.Run)
	assert.Equal(t, first.Playbook, second.Playbook)
	assert.Equal(t, first.Organization, second.Organization)
	assert.NotSame(t, first.Run, second.Run, "each attempt reads a fresh copy")
}

func TestNewFilters_NilLoggerUsesDefault(t *testing.T) {
	f := newFixture(t)
	assert.Same(t, slog.Default(), NewRunFilter(f.store, nil).logger)
	assert.Same(t, slog.Default(), NewRunGroupFilter(f.store, nil).logger)
	assert.Same(t, slog.Default(), NewOrganizationFilter(f.store, nil).logger)

	own := slog.New(slog.DiscardHandler)
	assert.Same(t, own, NewRunFilter(f.store, own).logger)
}

func TestFilters_PassUnrelatedMessagesThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := schema.PlatformEventReceived{OrgKey: schema.OrgKey{OrgID: f.org.ID}, Type: "message"}

	for _, filter := range []bus.Filter{NewRunFilter(f.store, nil), NewRunGroupFilter(f.store, nil)} {
		rec := &recorder{}
		require.NoError(t, bus.Chain(rec.handle, filter)(ctx, &bus.ConsumeContext{Message: msg}))
		assert.Equal(t, int32(1), rec.calls.Load())
		assert.Nil(t, rec.last.Run)
		assert.Nil(t, rec.last.Group)
	}
}
