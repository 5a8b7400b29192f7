// Package scheduler fires cron-scheduled playbook triggers and wakes runs
// whose suspension deadline has passed.
//
// Both jobs only publish messages. Run ids for schedule slots and resume
// references for suspended runs are deterministic, so a slot fired twice or a
// run resumed twice is collapsed by the saga.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/playbooks/internal/bus"
	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/internal/workers"
	"github.com/rendis/playbooks/pkg/schema"
)

// TriggerType is the trigger type of scheduled runs.
const TriggerType = "schedule"

// Schedule run statuses.
const (
	StatusFired   = "fired"
	StatusError   = "error"
	StatusInvalid = "invalid_cron"
)

// Store is the store subset the scheduler uses.
type Store interface {
	ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.PlaybookSchedule, error)
	UpdateSchedule(ctx context.Context, id uuid.UUID, update store.ScheduleUpdate) error
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.PlaybookRun, error)
}

// Config tunes a Scheduler. Zero values take defaults.
type Config struct {
	ScheduleInterval time.Duration
	SweepInterval    time.Duration
	SweepBatch       int
	Logger           *slog.Logger
	Now              func() time.Time
}

// Scheduler polls schedules and suspended runs.
type Scheduler struct {
	store     Store
	publisher bus.Publisher
	pool      *workers.Pool
	parser    cron.Parser
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[uuid.UUID]struct{}
}

// NewScheduler creates a Scheduler. Due schedules are fired on pool.
func NewScheduler(s Store, publisher bus.Publisher, pool *workers.Pool, cfg Config) *Scheduler {
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:     s,
		publisher: publisher,
		pool:      pool,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:       cfg,
		logger:    cfg.Logger,
		inflight:  make(map[uuid.UUID]struct{}),
	}
}

// Run recovers missed schedules, then ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.RecoverMissed(ctx); err != nil {
		s.logger.ErrorContext(ctx, "schedule recovery failed", slog.String("error", err.Error()))
	}
	s.Sweep(ctx)

	schedules := time.NewTicker(s.cfg.ScheduleInterval)
	defer schedules.Stop()
	sweeps := time.NewTicker(s.cfg.SweepInterval)
	defer sweeps.Stop()

	for {
		select {
		case <-ctx.Done():
			s.pool.Wait()
			return nil
		case <-schedules.C:
			s.Tick(ctx)
		case <-sweeps.C:
			s.Sweep(ctx)
		}
	}
}

// Start runs the scheduler in the background until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = s.Run(ctx)
	}(s.done)
	s.logger.Info("scheduler started",
		slog.Duration("schedule_interval", s.cfg.ScheduleInterval),
		slog.Duration("sweep_interval", s.cfg.SweepInterval))
	return nil
}

// Stop cancels a started scheduler and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	s.logger.Info("scheduler stopped")
}

// Tick submits every due schedule to the pool. Schedules that have never been
// planned get their first NextRunAt instead of firing.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := s.cfg.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt == nil {
			s.plan(ctx, sched, now)
			continue
		}
		if sched.NextRunAt.After(now) || !s.tryAcquire(sched.ID) {
			continue
		}
		err := s.pool.Submit(ctx, "schedule:"+sched.ID.String(), func(ctx context.Context) error {
			defer s.release(sched.ID)
			return s.fire(ctx, sched, now)
		})
		if err != nil {
			s.release(sched.ID)
			s.logger.WarnContext(ctx, "could not submit schedule",
				slog.String("schedule_id", sched.ID.String()), slog.String("error", err.Error()))
		}
	}
}

// RecoverMissed fires, once, every schedule whose slot passed while the
// process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	now := s.cfg.Now().UTC()
	recovered := 0
	for _, sched := range schedules {
		if sched.NextRunAt == nil || !sched.NextRunAt.Before(now) || !s.tryAcquire(sched.ID) {
			continue
		}
		err := s.fire(ctx, sched, now)
		s.release(sched.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to recover missed schedule",
				slog.String("schedule_id", sched.ID.String()), slog.String("error", err.Error()))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}

// SlotRunID is the run a schedule starts for the slot due at due.
func SlotRunID(scheduleID uuid.UUID, due time.Time) uuid.UUID {
	return uuid.NewSHA1(scheduleID, []byte(due.UTC().Format(time.RFC3339)))
}

// fire publishes the trigger for the schedule's due slot and plans the next.
func (s *Scheduler) fire(ctx context.Context, sched *store.PlaybookSchedule, now time.Time) error {
	next, err := s.NextRun(sched.CronExpression, now)
	if err != nil {
		return s.disable(ctx, sched, err)
	}

	due := *sched.NextRunAt
	status := StatusFired
	err = s.publisher.Publish(ctx, schema.TriggerFired{
		OrgKey:      schema.OrgKey{OrgID: sched.OrganizationID},
		RunID:       SlotRunID(sched.ID, due),
		PlaybookID:  sched.PlaybookID,
		TriggerType: TriggerType,
		TriggerData: map[string]any{
			"schedule_id":  sched.ID.String(),
			"cron":         sched.CronExpression,
			"scheduled_at": due.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		status = StatusError
		s.logger.ErrorContext(ctx, "failed to publish scheduled trigger",
			slog.String("schedule_id", sched.ID.String()), slog.String("error", err.Error()))
	} else {
		s.logger.InfoContext(ctx, "schedule fired",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("playbook_id", sched.PlaybookID.String()),
			slog.Time("due", due))
	}

	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

func (s *Scheduler) plan(ctx context.Context, sched *store.PlaybookSchedule, now time.Time) {
	next, err := s.NextRun(sched.CronExpression, now)
	if err != nil {
		err = s.disable(ctx, sched, err)
	} else {
		err = s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{NextRunAt: &next})
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to plan schedule",
			slog.String("schedule_id", sched.ID.String()), slog.String("error", err.Error()))
	}
}

// disable turns off a schedule whose cron expression cannot be parsed.
func (s *Scheduler) disable(ctx context.Context, sched *store.PlaybookSchedule, cause error) error {
	s.logger.ErrorContext(ctx, "disabling schedule with invalid cron expression",
		slog.String("schedule_id", sched.ID.String()),
		slog.String("cron", sched.CronExpression),
		slog.String("error", cause.Error()))
	disabled := false
	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{Enabled: &disabled, LastRunStatus: StatusInvalid})
}

// NextRun computes the first activation of cronExpr after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
}

// Sweep publishes a ResumeRun for every run whose suspension deadline has
// passed. It backs up the bus's in-memory delayed delivery, which does not
// survive a restart.
func (s *Scheduler) Sweep(ctx context.Context) {
	state := schema.RunStateRunning
	now := s.cfg.Now().UTC()
	runs, err := s.store.ListRuns(ctx, store.RunFilter{State: &state, SuspendedUntil: &now, Limit: s.cfg.SweepBatch})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list suspended runs", slog.String("error", err.Error()))
		return
	}

	resumed := 0
	for _, run := range runs {
		if run.Cursor == nil {
			continue
		}
		err := s.publisher.Publish(ctx, schema.ResumeRun{
			RunKey:    schema.RunKey{RunID: run.ID},
			Reference: *run.Cursor,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to publish resume",
				slog.String("run_id", run.ID.String()), slog.String("error", err.Error()))
			continue
		}
		resumed++
	}
	if resumed > 0 {
		s.logger.DebugContext(ctx, "resume sweep", slog.Int("resumed", resumed))
	}
}

func (s *Scheduler) tryAcquire(id uuid.UUID) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id uuid.UUID) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
