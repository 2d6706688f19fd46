package executors

import (
	"context"
	"maps"
	"time"

	"github.com/rendis/openrooms/pkg/schema"
)

// Start seeds the room variables from the node's `variables` defaults, then
// from the room input.
func Start() NodeExecutor {
	return Func(func(_ context.Context, ec ExecutionContext) (*Result, error) {
		vars := map[string]any{}
		if defaults, ok := ec.Node.Config["variables"].(map[string]any); ok {
			maps.Copy(vars, defaults)
		}
		maps.Copy(vars, ec.Input)
		return &Result{Output: map[string]any{}, Variables: vars}, nil
	})
}

// Wait sleeps for the configured duration or until ctx is done.
func Wait() NodeExecutor {
	return Func(func(ctx context.Context, ec ExecutionContext) (*Result, error) {
		var cfg schema.WaitConfig
		if err := ec.Node.DecodeConfig(&cfg); err != nil {
			return nil, configError(ec.Node, err)
		}
		ms := max(cfg.DurationMs(), 0)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		return &Result{Output: map[string]any{"waited_ms": ms}}, nil
	})
}
