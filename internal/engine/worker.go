package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/pkg/schema"
)

// DefaultPoolSize is the number of rooms run concurrently when unset.
const DefaultPoolSize = 5

// PoolStats is a snapshot of worker pool counters.
type PoolStats struct {
	Active    int64 `json:"active"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	// Conflicts counts jobs that lost the room lock to another runner.
	Conflicts int64 `json:"conflicts"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// RoomJob runs one room.
type RoomJob func(ctx context.Context) error

// WorkerPool bounds how many rooms run at once. Different rooms run in
// parallel; the room lock keeps a single room sequential.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	stats  PoolStats
	mu     sync.Mutex
	done   chan struct{}
	closed bool
	logger *slog.Logger
}

// NewWorkerPool creates a pool running at most size jobs concurrently.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logging.OrDefault(logger),
	}
}

// Size returns the pool's concurrency bound.
func (p *WorkerPool) Size() int {
	return cap(p.sem)
}

// Submit runs job for roomID on a free worker. It blocks while the pool is
// full and gives up when ctx is done or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, roomID string, job RoomJob) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.stats.Active, 1)
	p.mu.Unlock()

	jobCtx := logging.WithRoomID(ctx, roomID)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.stats.Panics, 1)
				atomic.AddInt64(&p.stats.Failed, 1)
				p.logger.ErrorContext(jobCtx, "room job panicked",
					logging.RoomID(roomID),
					logging.Error(fmt.Errorf("%v", r)),
				)
			}
			atomic.AddInt64(&p.stats.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		err := job(jobCtx)
		switch {
		case err == nil:
			atomic.AddInt64(&p.stats.Succeeded, 1)
		case schema.IsConcurrency(err):
			atomic.AddInt64(&p.stats.Conflicts, 1)
		default:
			atomic.AddInt64(&p.stats.Failed, 1)
		}
	}()

	return nil
}

// Wait blocks until all submitted jobs complete.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new jobs and waits for the active ones.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Active:    atomic.LoadInt64(&p.stats.Active),
		Succeeded: atomic.LoadInt64(&p.stats.Succeeded),
		Failed:    atomic.LoadInt64(&p.stats.Failed),
		Conflicts: atomic.LoadInt64(&p.stats.Conflicts),
		Panics:    atomic.LoadInt64(&p.stats.Panics),
	}
}
