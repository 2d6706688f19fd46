package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/internal/state"
)

// releaseTimeout bounds lock release on the way out of a run.
const releaseTimeout = 5 * time.Second

// lockKeeper renews a room lock in the background while a run is active.
type lockKeeper struct {
	states   state.Store
	lock     *state.Lock
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger

	lost   atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newLockKeeper(states state.Store, lock *state.Lock, ttl, interval time.Duration, logger *slog.Logger) *lockKeeper {
	return &lockKeeper{
		states:   states,
		lock:     lock,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// start launches the renewal goroutine. A zero interval disables renewal.
func (k *lockKeeper) start(ctx context.Context) {
	if k.interval <= 0 {
		return
	}
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		ticker := time.NewTicker(k.interval)
		defer ticker.Stop()
		for {
			select {
			case <-k.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := k.states.RenewLock(context.WithoutCancel(ctx), k.lock, k.ttl)
				if err != nil {
					k.logger.WarnContext(ctx, "lock renewal failed", logging.RoomID(k.lock.RoomID), logging.Error(err))
					continue
				}
				if !ok {
					k.logger.ErrorContext(ctx, "room lock lost", logging.RoomID(k.lock.RoomID))
					k.lost.Store(true)
					return
				}
			}
		}
	}()
}

// isLost reports whether a renewal found the lock owned by someone else.
func (k *lockKeeper) isLost() bool {
	return k.lost.Load()
}

// stopAndRelease stops renewal and releases the lock with a context detached
// from the run's cancellation.
func (k *lockKeeper) stopAndRelease(ctx context.Context) {
	close(k.stopCh)
	k.wg.Wait()

	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := k.states.ReleaseLock(relCtx, k.lock); err != nil {
		k.logger.WarnContext(ctx, "lock release failed", logging.RoomID(k.lock.RoomID), logging.Error(err))
	}
}
