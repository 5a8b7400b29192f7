package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", OrganizationID(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithStepID(ctx, "check")
	ctx = WithOrganizationID(ctx, "org-9")
	ctx = WithActivityID(ctx, "act-3")

	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "check", StepID(ctx))
	assert.Equal(t, "org-9", OrganizationID(ctx))
	assert.Equal(t, "act-3", ActivityID(ctx))
}

func TestLogWith_OnlyPresentKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithRunID(context.Background(), "run-only")
	LogWith(ctx, logger).Info("partial context")

	out := buf.String()
	assert.Contains(t, out, "run_id=run-only")
	assert.NotContains(t, out, "step_id")
	assert.NotContains(t, out, "organization_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner)).With("component", "saga")

	ctx := WithOrganizationID(context.Background(), "org-1")
	ctx = WithRunID(ctx, "run-7")
	ctx = WithStepID(ctx, "post")
	logger.InfoContext(ctx, "step completed")

	out := buf.String()
	assert.Contains(t, out, "component=saga")
	assert.Contains(t, out, "organization_id=org-1")
	assert.Contains(t, out, "run_id=run-7")
	assert.Contains(t, out, "step_id=post")

	buf.Reset()
	logger.Info("no context")
	assert.NotContains(t, buf.String(), "run_id")
}
