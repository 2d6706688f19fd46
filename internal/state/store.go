// Package state persists ephemeral per-room execution state and the per-room
// execution lock.
package state

import (
	"context"
	"time"

	"github.com/rendis/openrooms/pkg/schema"
)

// Lock is a held execution lock. The token identifies the holder so that only
// the holder can release or extend it.
type Lock struct {
	RoomID string
	Token  string
	TTL    time.Duration
}

// Store persists RoomState documents and provides the per-room lock primitive.
// All implementations must be safe for concurrent use.
type Store interface {
	// GetState returns nil, nil when the record is missing or cannot be decoded.
	GetState(ctx context.Context, roomID string) (*schema.RoomState, error)
	SetState(ctx context.Context, roomID string, state *schema.RoomState) error
	// UpdateState merges the update into the existing record and bumps LastUpdateTime.
	// It fails with STATE_NOT_FOUND when no record exists.
	UpdateState(ctx context.Context, roomID string, update schema.StateUpdate) (*schema.RoomState, error)
	DeleteState(ctx context.Context, roomID string) error

	// AcquireLock returns nil, nil when the lock is already held. It never blocks.
	AcquireLock(ctx context.Context, roomID string, ttl time.Duration) (*Lock, error)
	// ReleaseLock is a no-op when the lock expired or belongs to another holder.
	ReleaseLock(ctx context.Context, lock *Lock) error
	// RenewLock extends the lock's expiry. It returns false when the lock is no longer held.
	RenewLock(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error)

	Ping(ctx context.Context) error
}
