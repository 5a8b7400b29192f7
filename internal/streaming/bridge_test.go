package streaming_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbooks/internal/bus"
	"github.com/rendis/playbooks/internal/streaming"
	"github.com/rendis/playbooks/pkg/schema"
)

func TestBridgeForwardsLifecycleMessages(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.NewMemoryBus(bus.Config{}, logger)
	hub := streaming.NewMemoryHub(0)
	streaming.NewBridge(hub, logger).Register(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{})
	require.NoError(t, err)
	defer unsubscribe()

	runID, groupID, playbookID, orgID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	require.NoError(t, b.Publish(ctx, schema.RunLifecycle{
		RunKey:     schema.RunKey{RunID: runID},
		Type:       schema.MsgRunCompleted,
		PlaybookID: playbookID,
		OrgID:      orgID,
		GroupID:    &groupID,
		State:      schema.RunStateCompleted,
		At:         at,
	}))
	require.NoError(t, b.WaitIdle(ctx))

	run := <-events
	assert.Equal(t, schema.MsgRunCompleted, run.Type)
	assert.Equal(t, runID, run.RunID)
	assert.Equal(t, orgID, run.OrgID)
	assert.Equal(t, &groupID, run.GroupID)
	assert.Equal(t, "Completed", run.State)
	assert.True(t, at.Equal(run.At))

	require.NoError(t, b.Publish(ctx, schema.GroupLifecycle{
		GroupKey:   schema.GroupKey{GroupID: groupID},
		Type:       schema.MsgGroupCanceled,
		PlaybookID: playbookID,
		State:      schema.GroupStateCanceled,
		Canceled:   2,
	}))
	require.NoError(t, b.WaitIdle(ctx))

	group := <-events
	assert.Equal(t, schema.MsgGroupCanceled, group.Type)
	require.NotNil(t, group.GroupID)
	assert.Equal(t, groupID, *group.GroupID)
	assert.Equal(t, uuid.Nil, group.RunID)
	payload, ok := group.Payload.(schema.GroupLifecycle)
	require.True(t, ok)
	assert.Equal(t, 2, payload.Canceled)
}
