// Package dispatch feeds queued rooms to the engine through a bounded worker
// pool at a limited rate.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/rendis/openrooms/internal/engine"
	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/pkg/schema"
)

// Defaults for Config.
const (
	DefaultQueueSize    = 256
	DefaultRate         = 10
	DefaultBurst        = 5
	DefaultMaxAttempts  = 3
	DefaultRequeueDelay = 250 * time.Millisecond
)

// Reasons passed to Recorder.JobDropped.
const (
	DropMaxAttempts = "max_attempts"
	DropLockLost    = "lock_lost"
	DropShutdown    = "shutdown"
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("dispatcher is stopped")

// Config tunes the dispatcher. Zero fields take the defaults.
type Config struct {
	QueueSize int
	// Rate is the number of jobs started per second.
	Rate  float64
	Burst int
	// MaxAttempts bounds how often a job that hit a concurrency conflict runs.
	MaxAttempts int
	// RequeueDelay is the first requeue delay; it doubles per attempt.
	RequeueDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Rate <= 0 {
		c.Rate = DefaultRate
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = DefaultRequeueDelay
	}
	return c
}

// Runner executes a room.
type Runner interface {
	ExecuteRoom(ctx context.Context, roomID string) (*engine.RunResult, error)
}

// Recorder receives dispatcher measurements.
type Recorder interface {
	JobDispatched()
	JobRequeued()
	JobDropped(reason string)
}

// Job is one queued room run.
type Job struct {
	ID         string
	RoomID     string
	Attempt    int
	EnqueuedAt time.Time
}

// Dispatcher is the room run queue. Enqueue satisfies engine.RunQueue.
type Dispatcher struct {
	cfg     Config
	runner  Runner
	pool    *engine.WorkerPool
	limiter *rate.Limiter
	metrics Recorder
	logger  *slog.Logger

	jobs chan Job
	stop chan struct{}

	mu         sync.Mutex
	started    bool
	stopped    bool
	runCtx     context.Context
	cancelRuns context.CancelFunc
	cancelLoop context.CancelFunc

	loopWG    sync.WaitGroup
	requeueWG sync.WaitGroup
}

// New creates a dispatcher running rooms on pool.
func New(runner Runner, pool *engine.WorkerPool, cfg Config, metrics Recorder, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Dispatcher{
		cfg:     cfg,
		runner:  runner,
		pool:    pool,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		metrics: metrics,
		logger:  logging.OrDefault(logger),
		jobs:    make(chan Job, cfg.QueueSize),
		stop:    make(chan struct{}),
	}
}

// Enqueue queues roomID for execution. It blocks while the queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, roomID string) error {
	return d.enqueue(ctx, Job{
		ID:         ulid.Make().String(),
		RoomID:     roomID,
		EnqueuedAt: time.Now().UTC(),
	})
}

func (d *Dispatcher) enqueue(ctx context.Context, job Job) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	select {
	case d.jobs <- job:
		d.logger.DebugContext(ctx, "room queued",
			logging.RoomID(job.RoomID),
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempt),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stop:
		return ErrStopped
	}
}

// Pending returns the number of queued jobs not yet handed to the pool.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

// Start launches the dispatch loop. Runs inherit ctx's values but not its
// cancellation; Stop decides when they are cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	d.runCtx, d.cancelRuns = context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, cancelLoop := context.WithCancel(d.runCtx)
	d.cancelLoop = cancelLoop

	d.loopWG.Add(1)
	go func() {
		defer d.loopWG.Done()
		d.loop(loopCtx)
	}()
}

// loop hands queued jobs to the pool. ctx is cancelled by Stop and only
// bounds the waits for a rate token and a free worker.
func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-d.stop:
			return
		case job := <-d.jobs:
			if err := d.limiter.Wait(ctx); err != nil {
				d.drop(ctx, job, DropShutdown)
				return
			}
			if err := d.pool.Submit(ctx, job.RoomID, d.runJob(job)); err != nil {
				d.drop(ctx, job, DropShutdown)
				return
			}
			d.metrics.JobDispatched()
		}
	}
}

func (d *Dispatcher) runJob(job Job) engine.RoomJob {
	// Runs use the dispatcher's run context, not the loop's, so Stop can let
	// them finish.
	return func(context.Context) error {
		ctx := logging.WithRoomID(d.runCtx, job.RoomID)
		res, err := d.runner.ExecuteRoom(ctx, job.RoomID)
		switch {
		case err == nil:
			d.logger.InfoContext(ctx, "room run done",
				logging.RoomID(job.RoomID),
				logging.Status(res.Status),
				slog.String("job_id", job.ID),
			)
		case schema.IsConcurrency(err):
			d.onConflict(ctx, job, err)
		default:
			d.logger.ErrorContext(ctx, "room run failed",
				logging.RoomID(job.RoomID),
				slog.String("job_id", job.ID),
				logging.Error(err),
			)
		}
		return err
	}
}

// onConflict requeues a job refused by a concurrency conflict, with doubling
// delay, until MaxAttempts runs were spent. A lost lock means another runner
// owns the room, so the job is dropped.
func (d *Dispatcher) onConflict(ctx context.Context, job Job, err error) {
	if conflictReason(err) == schema.ReasonLockLost {
		d.drop(ctx, job, DropLockLost)
		return
	}
	if job.Attempt+1 >= d.cfg.MaxAttempts {
		d.drop(ctx, job, DropMaxAttempts)
		return
	}

	next := job
	next.Attempt++
	delay := d.cfg.RequeueDelay << job.Attempt

	d.metrics.JobRequeued()
	d.logger.InfoContext(ctx, "room busy, requeueing",
		logging.RoomID(job.RoomID),
		slog.String("job_id", job.ID),
		slog.Int("attempt", next.Attempt),
		logging.Duration(delay),
	)
	d.requeueWG.Add(1)
	go func() {
		defer d.requeueWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-d.stop:
			d.drop(ctx, next, DropShutdown)
			return
		}
		if err := d.enqueue(ctx, next); err != nil {
			d.drop(ctx, next, DropShutdown)
		}
	}()
}

func (d *Dispatcher) drop(ctx context.Context, job Job, reason string) {
	d.metrics.JobDropped(reason)
	d.logger.WarnContext(ctx, "room job dropped",
		logging.RoomID(job.RoomID),
		slog.String("job_id", job.ID),
		slog.String("reason", reason),
		slog.Int("attempt", job.Attempt),
	)
}

// Stop stops accepting jobs and waits for running rooms. When ctx expires
// first, running rooms are cancelled and Stop waits for them to unwind.
// Jobs still queued are dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.stop)
	cancelLoop, cancelRuns := d.cancelLoop, d.cancelRuns
	d.mu.Unlock()

	if cancelLoop != nil {
		cancelLoop()
	}
	d.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		d.pool.Shutdown()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		if cancelRuns != nil {
			cancelRuns()
		}
		<-done
	}
	if cancelRuns != nil {
		cancelRuns()
	}

	// Finished runs may have scheduled requeues; they observe stop and drop.
	d.requeueWG.Wait()
	for n := len(d.jobs); n > 0; n-- {
		d.drop(ctx, <-d.jobs, DropShutdown)
	}
	return err
}

func conflictReason(err error) string {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		reason, _ := engErr.Details["reason"].(string)
		return reason
	}
	return ""
}

type nopRecorder struct{}

func (nopRecorder) JobDispatched()    {}
func (nopRecorder) JobRequeued()      {}
func (nopRecorder) JobDropped(string) {}

var _ engine.RunQueue = (*Dispatcher)(nil)
