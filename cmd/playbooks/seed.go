package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/internal/validation"
	"github.com/rendis/playbooks/pkg/schema"
)

// seedFile is the YAML layout of the seed file. Definitions are written as
// plain YAML mappings and published as JSON.
type seedFile struct {
	Organizations []seedOrganization `yaml:"organizations"`
}

type seedOrganization struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Slug      string         `yaml:"slug"`
	Enabled   bool           `yaml:"enabled"`
	Playbooks []seedPlaybook `yaml:"playbooks"`
}

type seedPlaybook struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Slug       string         `yaml:"slug"`
	Enabled    bool           `yaml:"enabled"`
	Definition map[string]any `yaml:"definition"`
	Schedules  []seedSchedule `yaml:"schedules"`
}

type seedSchedule struct {
	ID      string `yaml:"id"`
	Cron    string `yaml:"cron"`
	Enabled bool   `yaml:"enabled"`
}

// seeder imports a seed file. Re-running it is safe: existing organizations
// and schedules are left alone and a definition is only republished when it
// changed.
type seeder struct {
	store     store.Store
	validator *validation.DefinitionValidator
	logger    *slog.Logger
}

func (s *seeder) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return s.apply(ctx, f)
}

func (s *seeder) apply(ctx context.Context, f seedFile) error {
	for _, o := range f.Organizations {
		orgID, err := uuid.Parse(o.ID)
		if err != nil {
			return fmt.Errorf("organization %q: invalid id: %w", o.Slug, err)
		}
		err = ensure(ctx, func(ctx context.Context) error {
			_, err := s.store.GetOrganization(ctx, orgID)
			return err
		}, func(ctx context.Context) error {
			return s.store.CreateOrganization(ctx, &store.Organization{ID: orgID, Name: o.Name, Slug: o.Slug, Enabled: o.Enabled})
		})
		if err != nil {
			return fmt.Errorf("organization %s: %w", o.Slug, err)
		}

		for _, p := range o.Playbooks {
			if err := s.applyPlaybook(ctx, orgID, p); err != nil {
				return fmt.Errorf("playbook %s: %w", p.Slug, err)
			}
		}
	}
	return nil
}

func (s *seeder) applyPlaybook(ctx context.Context, orgID uuid.UUID, p seedPlaybook) error {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	serialized, err := s.definition(p.Definition)
	if err != nil {
		return err
	}

	pb, err := s.store.GetPlaybook(ctx, id)
	switch {
	case store.IsNotFound(err):
		pb = &store.Playbook{ID: id, OrganizationID: orgID, Name: p.Name, Slug: p.Slug, Enabled: p.Enabled}
		if err := s.store.CreatePlaybook(ctx, pb); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	if pb.Definition != serialized {
		version, err := s.store.PublishDefinition(ctx, id, serialized)
		if err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "published playbook definition",
			slog.String("playbook_id", id.String()),
			slog.String("slug", p.Slug),
			slog.Int("version", version))
	}

	for _, sc := range p.Schedules {
		if err := s.applySchedule(ctx, orgID, id, sc); err != nil {
			return err
		}
	}
	return nil
}

// definition validates the raw definition and returns its canonical JSON.
func (s *seeder) definition(raw map[string]any) (string, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("encode definition: %w", err)
	}
	if err := s.validator.ValidateSerialized(string(data)).ToError(); err != nil {
		return "", err
	}
	def, err := schema.ParseDefinition(string(data))
	if err != nil {
		return "", err
	}
	return def.Serialize()
}

func (s *seeder) applySchedule(ctx context.Context, orgID, playbookID uuid.UUID, sc seedSchedule) error {
	id, err := uuid.Parse(sc.ID)
	if err != nil {
		return fmt.Errorf("schedule %q: invalid id: %w", sc.Cron, err)
	}
	existing, err := s.store.ListSchedules(ctx, store.ScheduleFilter{PlaybookID: &playbookID})
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.ID == id {
			return nil
		}
	}
	return s.store.CreateSchedule(ctx, &store.PlaybookSchedule{
		ID:             id,
		PlaybookID:     playbookID,
		OrganizationID: orgID,
		CronExpression: sc.Cron,
		Enabled:        sc.Enabled,
	})
}

// ensure runs create when get reports the entity missing.
func ensure(ctx context.Context, get, create func(context.Context) error) error {
	err := get(ctx)
	if store.IsNotFound(err) {
		return create(ctx)
	}
	return err
}
