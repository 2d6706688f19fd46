package executors

import (
	"github.com/rendis/openrooms/internal/agents"
	"github.com/rendis/openrooms/internal/expressions"
	"github.com/rendis/openrooms/pkg/schema"
)

// Deps are the collaborators of the built-in executors. A nil collaborator
// leaves its node type unregistered.
type Deps struct {
	Tools  ToolInvoker
	Agents agents.Client
	CEL    expressions.Engine
	JQ     expressions.Engine
}

// NewDefaultRegistry registers START, WAIT and PARALLEL plus every executor
// whose collaborator is present.
func NewDefaultRegistry(deps Deps) (*Registry, error) {
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}

	r := NewRegistry()
	entries := map[schema.NodeType]NodeExecutor{
		schema.NodeTypeStart:    Start(),
		schema.NodeTypeWait:     Wait(),
		schema.NodeTypeParallel: NewParallelExecutor(r),
	}
	if deps.Tools != nil {
		entries[schema.NodeTypeToolExecution] = NewToolExecutor(deps.Tools, deps.JQ)
	}
	if deps.Agents != nil {
		entries[schema.NodeTypeAgentTask] = NewAgentExecutor(deps.Agents, deps.JQ)
	}
	if deps.CEL != nil {
		entries[schema.NodeTypeDecision] = Decision(deps.CEL)
	}

	for t, e := range entries {
		if err := r.Register(t, e); err != nil {
			return nil, err
		}
	}
	return r, nil
}
