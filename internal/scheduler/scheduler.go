// Package scheduler starts rooms from cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/openrooms/internal/engine"
	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/pkg/schema"
)

// DefaultTickInterval is how often due schedules are checked.
const DefaultTickInterval = 60 * time.Second

// Run statuses recorded on a schedule.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RoomCreator creates the room a schedule fires.
type RoomCreator interface {
	CreateRoom(ctx context.Context, req engine.NewRoom) (*schema.Room, error)
}

// Scheduler polls the store for due schedules, creates a room for each and
// enqueues it.
type Scheduler struct {
	store    store.ScheduleStore
	rooms    RoomCreator
	queue    engine.RunQueue
	parser   cron.Parser
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently firing
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides DefaultTickInterval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(st store.ScheduleStore, rooms RoomCreator, queue engine.RunQueue, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		rooms:    rooms,
		queue:    queue,
		parser:   NewParser(),
		interval: DefaultTickInterval,
		now:      time.Now,
		logger:   logging.OrDefault(logger),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewParser returns the five-field cron parser schedules are written in.
func NewParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// NextRun returns the first activation of expr after from. A malformed
// expression is a VALIDATION_ERROR.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := NewParser().Parse(expr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", expr, err.Error()).
			WithCause(err)
	}
	return schedule.Next(from), nil
}

// Start launches the scheduling loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(schedCtx, s.done)
	s.logger.Info("scheduler started", logging.Duration(s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled schedule whose next run is due or unset.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "list scheduled jobs failed", logging.Error(err))
		return
	}

	now := s.now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.fire(ctx, job, now); err != nil {
			s.logger.ErrorContext(ctx, "scheduled job failed",
				slog.String("job_id", job.ID),
				logging.Error(err),
			)
		}
		s.release(job.ID)
	}
}

// fire creates and enqueues one room for job, then records the outcome and
// the next run time.
func (s *Scheduler) fire(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.InfoContext(ctx, "firing scheduled job",
		slog.String("job_id", job.ID),
		logging.WorkflowID(job.WorkflowID),
	)

	status := StatusSuccess
	roomID, runErr := s.launch(ctx, job, now)
	if runErr != nil {
		status = StatusError
		s.logger.ErrorContext(ctx, "scheduled room launch failed",
			slog.String("job_id", job.ID),
			logging.RoomID(roomID),
			logging.Error(runErr),
		)
	}
	return s.record(ctx, job, now, status)
}

func (s *Scheduler) launch(ctx context.Context, job *store.ScheduledJob, now time.Time) (string, error) {
	name := job.RoomName
	if name == "" {
		name = job.ID + "-" + now.Format("20060102T150405Z")
	}
	room, err := s.rooms.CreateRoom(ctx, engine.NewRoom{
		Name:       name,
		WorkflowID: job.WorkflowID,
		Input:      maps.Clone(job.Variables),
		Metadata:   map[string]any{"scheduled_job_id": job.ID},
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	if s.queue == nil {
		return room.ID, nil
	}
	if err := s.queue.Enqueue(ctx, room.ID); err != nil {
		return room.ID, fmt.Errorf("enqueue room %s: %w", room.ID, err)
	}
	return room.ID, nil
}

func (s *Scheduler) record(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun returns the first activation of cronExpr after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires once every enabled schedule whose next run passed while
// the process was down, however many activations were missed.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.fire(ctx, job, now)
		s.release(job.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "recover missed job failed",
				slog.String("job_id", job.ID),
				logging.Error(err),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
