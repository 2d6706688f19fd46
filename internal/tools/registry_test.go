package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/openrooms/internal/validation"
	"github.com/rendis/openrooms/pkg/schema"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return NewRegistry(v, cfg, nil)
}

func echoTool(name string) *Func {
	return &Func{
		ToolName: name,
		Schema:   json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["msg"]}, nil
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := newTestRegistry(t, Config{})

	require.NoError(t, r.Register(echoTool("echo")))
	assert.True(t, r.Has("echo"))

	tool, err := r.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", tool.Name())
}

func TestRegistry_RegisterRejects(t *testing.T) {
	r := newTestRegistry(t, Config{})

	require.NoError(t, r.Register(echoTool("echo")))
	err := r.Register(echoTool("echo"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	assert.True(t, schema.HasCode(r.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(r.Register(echoTool("")), schema.ErrCodeValidation))
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := newTestRegistry(t, Config{})

	_, err := r.Get("nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeToolNotFound))
	assert.False(t, r.Has("nope"))
}

func TestRegistry_ListSorted(t *testing.T) {
	r := newTestRegistry(t, Config{})
	require.NoError(t, r.Register(echoTool("zeta")))
	require.NoError(t, r.Register(echoTool("alpha")))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "zeta", infos[1].Name)
}

func TestRegistry_Invoke(t *testing.T) {
	r := newTestRegistry(t, Config{})
	require.NoError(t, r.Register(echoTool("echo")))

	out, err := r.Invoke(context.Background(), "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "hi"}, out)
}

func TestRegistry_InvokeValidatesArguments(t *testing.T) {
	r := newTestRegistry(t, Config{Breaker: BreakerConfig{FailureThreshold: 1}})
	require.NoError(t, r.Register(echoTool("echo")))

	_, err := r.Invoke(context.Background(), "echo", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Equal(t, BreakerClosed, r.BreakerState("echo"))
}

func TestRegistry_InvokeWrapsFailures(t *testing.T) {
	r := newTestRegistry(t, Config{Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}})
	var calls atomic.Int32
	require.NoError(t, r.Register(&Func{
		ToolName: "flaky",
		Fn: func(context.Context, map[string]any) (any, error) {
			calls.Add(1)
			return nil, errors.New("upstream down")
		},
	}))

	for range 2 {
		_, err := r.Invoke(context.Background(), "flaky", nil)
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeToolExecution))
	}
	assert.Equal(t, BreakerOpen, r.BreakerState("flaky"))

	_, err := r.Invoke(context.Background(), "flaky", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRegistry_InvokeTimeout(t *testing.T) {
	r := newTestRegistry(t, Config{Timeout: 20 * time.Millisecond})
	require.NoError(t, r.Register(&Func{
		ToolName: "slow",
		Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	_, err := r.Invoke(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeToolExecution))
	assert.Contains(t, err.Error(), "timed out")
}
