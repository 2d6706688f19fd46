package state

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/openrooms/pkg/schema"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *bytes.Buffer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewRedisStore(client, 0, logger), mr, &buf
}

func TestRedisStore_StateRoundTrip(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := schema.NewRoomState("r1", "start", now)
	st.Variables["count"] = float64(3)
	st.Attempts = st.Attempts.With("tool", 2)

	require.NoError(t, s.SetState(ctx, "r1", st))
	assert.True(t, mr.Exists("room:r1:state"))
	assert.Equal(t, DefaultStateTTL, mr.TTL("room:r1:state"))

	got, err := s.GetState(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "start", got.CurrentNodeID)
	assert.Equal(t, schema.RoomStatusRunning, got.Status)
	assert.Equal(t, float64(3), got.Variables["count"])
	assert.Equal(t, 2, got.Attempts.Get("tool"))
	assert.True(t, now.Equal(got.StartTime))
}

func TestRedisStore_GetStateMissing(t *testing.T) {
	s, _, _ := newTestStore(t)

	got, err := s.GetState(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_GetStateCorrupt(t *testing.T) {
	s, mr, logs := newTestStore(t)
	require.NoError(t, mr.Set("room:bad:state", "{not json"))

	got, err := s.GetState(context.Background(), "bad")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Contains(t, logs.String(), "discarding unreadable room state")
	assert.Contains(t, logs.String(), `"room_id":"bad"`)
}

func TestRedisStore_GetStateMalformed(t *testing.T) {
	docs := map[string]string{
		"null":          `null`,
		"empty object":  `{}`,
		"no cursor":     `{"room_id":"r1"}`,
		"other room":    `{"room_id":"r2","current_node_id":"start"}`,
		"missing owner": `{"current_node_id":"start"}`,
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			s, mr, logs := newTestStore(t)
			ctx := context.Background()
			require.NoError(t, mr.Set("room:r1:state", doc))

			got, err := s.GetState(ctx, "r1")
			require.NoError(t, err)
			assert.Nil(t, got)
			assert.Contains(t, logs.String(), "discarding malformed room state")

			_, err = s.UpdateState(ctx, "r1", schema.StateUpdate{Variables: map[string]any{"x": 1}})
			assert.True(t, schema.HasCode(err, schema.ErrCodeStateNotFound))
		})
	}
}

func TestRedisStore_UpdateStateMerges(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Minute)
	st := schema.NewRoomState("r1", "start", start)
	st.Variables["keep"] = "yes"
	require.NoError(t, s.SetState(ctx, "r1", st))

	next := "agent"
	updated, err := s.UpdateState(ctx, "r1", schema.StateUpdate{
		CurrentNodeID: &next,
		Variables:     map[string]any{"added": true},
		Attempts:      schema.AttemptCounts{"agent": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent", updated.CurrentNodeID)
	assert.True(t, updated.LastUpdateTime.After(start))

	got, err := s.GetState(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "agent", got.CurrentNodeID)
	assert.Equal(t, "yes", got.Variables["keep"])
	assert.Equal(t, true, got.Variables["added"])
	assert.Equal(t, 1, got.Attempts.Get("agent"))
}

func TestRedisStore_UpdateStateMissing(t *testing.T) {
	s, mr, _ := newTestStore(t)

	_, err := s.UpdateState(context.Background(), "gone", schema.StateUpdate{
		Variables: map[string]any{"x": 1},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStateNotFound))
	assert.False(t, mr.Exists("room:gone:state"))
}

func TestRedisStore_DeleteState(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "r1", schema.NewRoomState("r1", "start", time.Now())))
	require.NoError(t, s.DeleteState(ctx, "r1"))
	require.NoError(t, s.DeleteState(ctx, "r1"))

	got, err := s.GetState(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_AcquireLockExclusive(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, "r1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.NotEmpty(t, lock.Token)
	assert.Equal(t, 30*time.Second, mr.TTL("room:r1:lock"))

	second, err := s.AcquireLock(ctx, "r1", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, second)

	other, err := s.AcquireLock(ctx, "r2", 30*time.Second)
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestRedisStore_AcquireLockRejectsZeroTTL(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.AcquireLock(context.Background(), "r1", 0)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRedisStore_ReleaseLockIdempotent(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, "r1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)

	require.NoError(t, s.ReleaseLock(ctx, lock))
	assert.False(t, mr.Exists("room:r1:lock"))
	require.NoError(t, s.ReleaseLock(ctx, lock))
	require.NoError(t, s.ReleaseLock(ctx, nil))

	again, err := s.AcquireLock(ctx, "r1", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestRedisStore_ReleaseLockWrongToken(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, "r1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)

	stale := &Lock{RoomID: "r1", Token: "someone-else"}
	require.NoError(t, s.ReleaseLock(ctx, stale))
	assert.True(t, mr.Exists("room:r1:lock"))
}

func TestRedisStore_LockExpires(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.AcquireLock(ctx, "r1", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	mr.FastForward(6 * time.Second)

	second, err := s.AcquireLock(ctx, "r1", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.Token, second.Token)

	// The expired holder can no longer release the new holder's lock.
	require.NoError(t, s.ReleaseLock(ctx, first))
	assert.True(t, mr.Exists("room:r1:lock"))
}

func TestRedisStore_RenewLock(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, "r1", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lock)

	mr.FastForward(4 * time.Second)
	ok, err := s.RenewLock(ctx, lock, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, mr.TTL("room:r1:lock"))

	ok, err = s.RenewLock(ctx, &Lock{RoomID: "r1", Token: "other"}, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(6 * time.Second)
	ok, err = s.RenewLock(ctx, lock, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Ping(t *testing.T) {
	s, mr, _ := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
