// Package executors implements the per-node-type work of a workflow run and
// the registry the engine dispatches through.
package executors

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/rendis/openrooms/pkg/schema"
)

// ExecutionContext is everything an executor sees of the room it runs in.
type ExecutionContext struct {
	RoomID     string
	WorkflowID string
	Node       *schema.WorkflowNode
	// Variables is a copy of the room variables; executors may not mutate the room through it.
	Variables map[string]any
	// Input is the room's creation input, consumed by START.
	Input  map[string]any
	Events EventSink
}

// Emit forwards ev to the sink, defaulting NodeID to the executing node.
func (ec ExecutionContext) Emit(ctx context.Context, ev Event) {
	if ec.Events == nil {
		return
	}
	if ev.NodeID == "" && ec.Node != nil {
		ev.NodeID = ec.Node.ID
	}
	ec.Events.Emit(ctx, ev)
}

// Result is the outcome of a successful execution.
type Result struct {
	Output map[string]any
	// Variables are merged into the room state before transitions are evaluated.
	Variables map[string]any
}

// NodeExecutor runs one node type.
type NodeExecutor interface {
	Execute(ctx context.Context, ec ExecutionContext) (*Result, error)
}

// Func adapts a function into a NodeExecutor.
type Func func(ctx context.Context, ec ExecutionContext) (*Result, error)

func (f Func) Execute(ctx context.Context, ec ExecutionContext) (*Result, error) {
	return f(ctx, ec)
}

// Event is an execution log event raised from inside an executor.
type Event struct {
	Type     schema.EventType
	Level    schema.LogLevel
	NodeID   string
	AgentID  string
	Message  string
	Data     map[string]any
	Err      error
	Duration time.Duration
}

// EventSink receives executor events.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// Registry maps node types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.NodeType]NodeExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.NodeType]NodeExecutor)}
}

// Register binds an executor to a node type. END is resolved by the engine
// itself and cannot be registered.
func (r *Registry) Register(t schema.NodeType, e NodeExecutor) error {
	if e == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "executor for %s is nil", t)
	}
	if !t.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown node type %q", t)
	}
	if t == schema.NodeTypeEnd {
		return schema.NewError(schema.ErrCodeValidation, "END nodes have no executor")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for %s already registered", t)
	}
	r.executors[t] = e
	return nil
}

// Get returns the executor for t or EXECUTOR_NOT_REGISTERED.
func (r *Registry) Get(t schema.NodeType) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecutorNotRegistered, "no executor registered for node type %s", t).
			WithDetails(map[string]any{"node_type": string(t)})
	}
	return e, nil
}

// Types lists the registered node types in sorted order.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]schema.NodeType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// outputKey returns the variable name a node's result is stored under.
func outputKey(configured string, node *schema.WorkflowNode) string {
	if configured != "" {
		return configured
	}
	return node.ID
}

func copyVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	maps.Copy(out, vars)
	return out
}

func configError(node *schema.WorkflowNode, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s config: %s", node.Type, err.Error()).
		WithNode(node.ID).
		WithCause(err)
}
