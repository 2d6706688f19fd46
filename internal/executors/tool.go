package executors

import (
	"context"
	"maps"
	"time"

	"github.com/rendis/openrooms/internal/expressions"
	"github.com/rendis/openrooms/pkg/schema"
)

// ToolInvoker runs a named tool.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// ToolExecutor handles TOOL_EXECUTION nodes.
type ToolExecutor struct {
	tools ToolInvoker
	jq    expressions.Engine
}

// NewToolExecutor creates a TOOL_EXECUTION executor. jq shapes arguments_from.
func NewToolExecutor(tools ToolInvoker, jq expressions.Engine) *ToolExecutor {
	return &ToolExecutor{tools: tools, jq: jq}
}

func (e *ToolExecutor) Execute(ctx context.Context, ec ExecutionContext) (*Result, error) {
	var cfg schema.ToolConfig
	if err := ec.Node.DecodeConfig(&cfg); err != nil {
		return nil, configError(ec.Node, err)
	}
	if cfg.Tool == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "TOOL_EXECUTION requires config.tool").WithNode(ec.Node.ID)
	}

	args, err := e.arguments(ctx, cfg, ec.Variables)
	if err != nil {
		return nil, err
	}

	ec.Emit(ctx, Event{
		Type:    schema.EventToolInvoked,
		Level:   schema.LevelInfo,
		Message: "invoking tool " + cfg.Tool,
		Data:    map[string]any{"tool": cfg.Tool, "arguments": args},
	})

	start := time.Now()
	out, err := e.tools.Invoke(ctx, cfg.Tool, args)
	elapsed := time.Since(start)
	if err != nil {
		ec.Emit(ctx, Event{
			Type:     schema.EventToolFailed,
			Level:    schema.LevelError,
			Message:  "tool " + cfg.Tool + " failed",
			Data:     map[string]any{"tool": cfg.Tool},
			Err:      err,
			Duration: elapsed,
		})
		return nil, err
	}

	ec.Emit(ctx, Event{
		Type:     schema.EventToolCompleted,
		Level:    schema.LevelInfo,
		Message:  "tool " + cfg.Tool + " completed",
		Data:     map[string]any{"tool": cfg.Tool, "result": out},
		Duration: elapsed,
	})

	return &Result{
		Output:    map[string]any{"tool": cfg.Tool, "result": out},
		Variables: map[string]any{outputKey(cfg.OutputKey, ec.Node): out},
	}, nil
}

func (e *ToolExecutor) arguments(ctx context.Context, cfg schema.ToolConfig, vars map[string]any) (map[string]any, error) {
	args := map[string]any{}
	if len(cfg.Arguments) > 0 {
		resolved, err := expressions.Interpolate(cfg.Arguments, vars)
		if err != nil {
			return nil, err
		}
		args = resolved.(map[string]any)
	}
	if cfg.ArgumentsFrom == "" {
		return args, nil
	}

	shaped, err := e.jq.Evaluate(ctx, cfg.ArgumentsFrom, vars)
	if err != nil {
		return nil, err
	}
	obj, ok := shaped.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"arguments_from must produce an object, got %T", shaped).
			WithDetails(map[string]any{"expression": cfg.ArgumentsFrom})
	}
	maps.Copy(args, obj)
	return args, nil
}
