package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbooks/internal/logging"
	"github.com/rendis/playbooks/internal/steps"
	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/internal/triggers"
	"github.com/rendis/playbooks/internal/validation"
	"github.com/rendis/playbooks/pkg/schema"
)

const (
	orgID      = "7d1d3c8e-3f53-4c1c-9a53-2a4a0f0e6b01"
	playbookID = "0b6b8f52-1c1e-4d8e-8a57-5e9f4c3f2a02"
	scheduleID = "c2f8e1d4-6b5a-4f3e-9d2c-1a0b9c8d7e03"
)

const seedYAML = `
organizations:
  - id: ` + orgID + `
    name: Acme
    slug: acme
    enabled: true
    playbooks:
      - id: ` + playbookID + `
        name: Greeter
        slug: greeter
        enabled: true
        definition:
          format_version: 1
          triggers:
            - type: message
              filter: payload.text != ""
              outputs:
                text: .text
          start_sequence: main
          sequences:
            main:
              actions:
                - id: check
                  action: ContinueIf
                  inputs:
                    left: "{{ trigger.text }}"
                    comparison: StartsWith
                    right: Hel
                - id: reply
                  action: SetOutput
                  inputs:
                    text: "{{ trigger.text }} back"
        schedules:
          - id: ` + scheduleID + `
            cron: "0 9 * * *"
            enabled: true
`

func newSeeder(t *testing.T) (*seeder, *store.MemoryStore) {
	t.Helper()
	st, err := store.NewMemoryStore()
	require.NoError(t, err)

	registry := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(registry))
	filter, err := triggers.NewCELFilter()
	require.NoError(t, err)
	validator, err := validation.NewDefinitionValidator(registry, triggers.NewChecker(filter, triggers.NewExtractor()))
	require.NoError(t, err)

	return &seeder{
		store:     st,
		validator: validator,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, st
}

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSeeder_ImportsEverything(t *testing.T) {
	s, st := newSeeder(t)
	ctx := context.Background()

	require.NoError(t, s.loadFile(ctx, writeSeed(t, seedYAML)))

	org, err := st.GetOrganization(ctx, uuid.MustParse(orgID))
	require.NoError(t, err)
	assert.Equal(t, "acme", org.Slug)
	assert.True(t, org.Enabled)

	pb, err := st.GetPlaybook(ctx, uuid.MustParse(playbookID))
	require.NoError(t, err)
	assert.Equal(t, 1, pb.DefinitionVersion)
	def, err := schema.ParseDefinition(pb.Definition)
	require.NoError(t, err)
	assert.Equal(t, "main", def.StartSequence)
	require.Len(t, def.Sequences["main"].Actions, 2)
	assert.JSONEq(t, `"{{ trigger.text }} back"`, string(def.Sequences["main"].Actions[1].Inputs["text"]))

	pbID := uuid.MustParse(playbookID)
	schedules, err := st.ListSchedules(ctx, store.ScheduleFilter{PlaybookID: &pbID})
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "0 9 * * *", schedules[0].CronExpression)
	assert.Equal(t, org.ID, schedules[0].OrganizationID)
}

func TestSeeder_IsIdempotent(t *testing.T) {
	s, st := newSeeder(t)
	ctx := context.Background()
	path := writeSeed(t, seedYAML)

	require.NoError(t, s.loadFile(ctx, path))
	require.NoError(t, s.loadFile(ctx, path))

	pb, err := st.GetPlaybook(ctx, uuid.MustParse(playbookID))
	require.NoError(t, err)
	assert.Equal(t, 1, pb.DefinitionVersion, "unchanged definition is not republished")

	pbID := uuid.MustParse(playbookID)
	schedules, err := st.ListSchedules(ctx, store.ScheduleFilter{PlaybookID: &pbID})
	require.NoError(t, err)
	assert.Len(t, schedules, 1)
}

func TestSeeder_ChangedDefinitionIsRepublished(t *testing.T) {
	s, st := newSeeder(t)
	ctx := context.Background()

	require.NoError(t, s.loadFile(ctx, writeSeed(t, seedYAML)))
	changed := bytes.ReplaceAll([]byte(seedYAML), []byte("right: Hel"), []byte("right: Hi"))
	require.NoError(t, s.loadFile(ctx, writeSeed(t, string(changed))))

	pb, err := st.GetPlaybook(ctx, uuid.MustParse(playbookID))
	require.NoError(t, err)
	assert.Equal(t, 2, pb.DefinitionVersion)
}

func TestSeeder_RejectsInvalidDefinition(t *testing.T) {
	s, st := newSeeder(t)
	ctx := context.Background()
	broken := bytes.ReplaceAll([]byte(seedYAML), []byte("action: SetOutput"), []byte("action: Teleport"))

	err := s.loadFile(ctx, writeSeed(t, string(broken)))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = st.GetPlaybook(ctx, uuid.MustParse(playbookID))
	assert.True(t, store.IsNotFound(err), "nothing is created for an invalid definition")
}

func TestSeeder_RejectsBadIDs(t *testing.T) {
	s, _ := newSeeder(t)
	broken := bytes.ReplaceAll([]byte(seedYAML), []byte(orgID), []byte("acme"))

	assert.Error(t, s.loadFile(context.Background(), writeSeed(t, string(broken))))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{LogLevel: "info", LogFormat: "json"}, &buf)

	ctx := logging.WithRunID(context.Background(), "run-1")
	logger.DebugContext(ctx, "hidden")
	logger.InfoContext(ctx, "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"run_id":"run-1"`)
}
