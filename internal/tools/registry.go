package tools

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/pkg/schema"
)

// DefaultTimeout bounds a single tool call.
const DefaultTimeout = 30 * time.Second

// ArgumentValidator checks arguments against a JSON Schema.
type ArgumentValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Config configures a Registry.
type Config struct {
	Timeout time.Duration
	Breaker BreakerConfig
}

// Registry is a thread-safe set of tools. Invoke validates arguments, applies
// the per-call timeout and guards each tool with its own circuit breaker.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	validator ArgumentValidator
	breakers  *BreakerSet
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. A nil validator skips schema checks.
func NewRegistry(validator ArgumentValidator, cfg Config, logger *slog.Logger) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Registry{
		tools:     make(map[string]Tool),
		validator: validator,
		breakers:  NewBreakerSet(cfg.Breaker),
		timeout:   cfg.Timeout,
		logger:    logging.OrDefault(logger),
	}
}

// Register adds a tool. Duplicate names are rejected with CONFLICT.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns the named tool or TOOL_NOT_FOUND.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not registered", name).
			WithDetails(map[string]any{"tool": name})
	}
	return tool, nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// BreakerState exposes the breaker state for a tool.
func (r *Registry) BreakerState(name string) BreakerState {
	return r.breakers.State(name)
}

// Invoke runs the named tool. Argument validation failures do not count
// against the breaker.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	if s := tool.InputSchema(); r.validator != nil && len(s) > 0 {
		if err := r.validator.ValidateInput(args, s); err != nil {
			return nil, err
		}
	}
	if err := r.breakers.Allow(name); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	out, err := tool.Execute(callCtx, args)
	if err != nil {
		state := r.breakers.Failure(name)
		r.logger.WarnContext(ctx, "tool call failed",
			slog.String("tool", name),
			slog.String("breaker", state.String()),
			logging.Duration(time.Since(start)),
			logging.Error(err),
		)
		return nil, toolError(callCtx, name, r.timeout, err)
	}
	r.breakers.Success(name)
	return out, nil
}

func toolError(callCtx context.Context, name string, timeout time.Duration, err error) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeToolExecution, "tool %q timed out after %s", name, timeout).
			WithCause(err).
			WithDetails(map[string]any{"tool": name, "timeout": timeout.String()})
	}
	var engErr *schema.EngineError
	if errors.As(err, &engErr) && engErr.Code == schema.ErrCodeToolExecution {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeToolExecution, "tool %q failed: %s", name, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"tool": name})
}
