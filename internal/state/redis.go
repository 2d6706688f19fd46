package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/pkg/schema"
)

const (
	// DefaultStateTTL bounds how long an abandoned state document survives.
	DefaultStateTTL = time.Hour

	maxUpdateRetries = 3
)

// Token-checked release: only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Token-checked renewal: ARGV[2] is the new TTL in milliseconds.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ClientConfig holds Redis connection settings.
type ClientConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// NewClient opens a Redis client for the given settings.
func NewClient(cfg ClientConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisStore implements Store on Redis. State lives under room:{id}:state as
// a JSON document; the lock lives under room:{id}:lock holding an opaque token.
type RedisStore struct {
	client   redis.UniversalClient
	stateTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewRedisStore creates a Store on the given client. A zero stateTTL uses DefaultStateTTL.
func NewRedisStore(client redis.UniversalClient, stateTTL time.Duration, logger *slog.Logger) *RedisStore {
	if stateTTL <= 0 {
		stateTTL = DefaultStateTTL
	}
	return &RedisStore{
		client:   client,
		stateTTL: stateTTL,
		logger:   logging.OrDefault(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func stateKey(roomID string) string {
	return "room:" + roomID + ":state"
}

func lockKey(roomID string) string {
	return "room:" + roomID + ":lock"
}

// GetState loads the state document. Missing, unreadable and malformed
// documents (no cursor, or another room's id) all yield nil.
func (s *RedisStore) GetState(ctx context.Context, roomID string) (*schema.RoomState, error) {
	data, err := s.client.Get(ctx, stateKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get state", roomID, err)
	}
	return s.decode(ctx, roomID, data), nil
}

func (s *RedisStore) decode(ctx context.Context, roomID string, data []byte) *schema.RoomState {
	var st schema.RoomState
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.WarnContext(ctx, "discarding unreadable room state",
			logging.RoomID(roomID), logging.Error(err))
		return nil
	}
	if st.RoomID != roomID || st.CurrentNodeID == "" {
		s.logger.WarnContext(ctx, "discarding malformed room state",
			logging.RoomID(roomID),
			slog.String("state_room_id", st.RoomID),
			slog.String("current_node_id", st.CurrentNodeID),
		)
		return nil
	}
	if st.Attempts == nil {
		st.Attempts = schema.AttemptCounts{}
	}
	if st.Variables == nil {
		st.Variables = map[string]any{}
	}
	return &st
}

// SetState writes the full document and refreshes its TTL.
func (s *RedisStore) SetState(ctx context.Context, roomID string, st *schema.RoomState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal room state: %w", err)
	}
	if err := s.client.Set(ctx, stateKey(roomID), data, s.stateTTL).Err(); err != nil {
		return storeError("set state", roomID, err)
	}
	return nil
}

// UpdateState performs an optimistic read-modify-write under WATCH, so a
// concurrent delete is never resurrected.
func (s *RedisStore) UpdateState(ctx context.Context, roomID string, update schema.StateUpdate) (*schema.RoomState, error) {
	key := stateKey(roomID)
	var result *schema.RoomState

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return schema.NewStateNotFoundError(roomID)
		}
		if err != nil {
			return err
		}
		st := s.decode(ctx, roomID, data)
		if st == nil {
			return schema.NewStateNotFoundError(roomID)
		}

		update.Apply(st)
		st.LastUpdateTime = s.now()

		out, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal room state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.stateTTL)
			return nil
		})
		if err != nil {
			return err
		}
		result = st
		return nil
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var engErr *schema.EngineError
		if errors.As(err, &engErr) {
			return nil, err
		}
		return nil, storeError("update state", roomID, err)
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict,
		"state for room %s changed concurrently %d times", roomID, maxUpdateRetries)
}

// DeleteState removes the document. Deleting a missing document is not an error.
func (s *RedisStore) DeleteState(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, stateKey(roomID)).Err(); err != nil {
		return storeError("delete state", roomID, err)
	}
	return nil
}

// AcquireLock performs an atomic SET NX PX with a fresh token.
func (s *RedisStore) AcquireLock(ctx context.Context, roomID string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "lock ttl must be positive")
	}
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockKey(roomID), token, ttl).Result()
	if err != nil {
		return nil, storeError("acquire lock", roomID, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{RoomID: roomID, Token: token, TTL: ttl}, nil
}

// ReleaseLock deletes the lock only if it still carries this holder's token.
func (s *RedisStore) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, s.client, []string{lockKey(lock.RoomID)}, lock.Token).Err(); err != nil {
		return storeError("release lock", lock.RoomID, err)
	}
	return nil
}

// RenewLock extends the lock if it is still held by this token.
func (s *RedisStore) RenewLock(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error) {
	if lock == nil {
		return false, nil
	}
	n, err := renewScript.Run(ctx, s.client, []string{lockKey(lock.RoomID)}, lock.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, storeError("renew lock", lock.RoomID, err)
	}
	return n == 1, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func storeError(op, roomID string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s for room %s: %s", op, roomID, err.Error()).
		WithCause(err)
}

var _ Store = (*RedisStore)(nil)
