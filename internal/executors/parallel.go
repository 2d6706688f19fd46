package executors

import (
	"context"
	"maps"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/openrooms/pkg/schema"
)

// ParallelExecutor runs a PARALLEL node's branches concurrently. Each branch
// is a pseudo-node dispatched through the registry and sees its own copy of
// the variables. The first branch failure cancels the rest.
type ParallelExecutor struct {
	registry *Registry
}

// NewParallelExecutor creates a PARALLEL executor over registry.
func NewParallelExecutor(registry *Registry) *ParallelExecutor {
	return &ParallelExecutor{registry: registry}
}

type branchResult struct {
	id     string
	result *Result
}

func (e *ParallelExecutor) Execute(ctx context.Context, ec ExecutionContext) (*Result, error) {
	var cfg schema.ParallelConfig
	if err := ec.Node.DecodeConfig(&cfg); err != nil {
		return nil, configError(ec.Node, err)
	}
	if len(cfg.Branches) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "PARALLEL requires at least one branch").WithNode(ec.Node.ID)
	}

	execs := make([]NodeExecutor, len(cfg.Branches))
	for i, b := range cfg.Branches {
		if b.Type == schema.NodeTypeParallel || b.Type == schema.NodeTypeEnd {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "branch %q has unsupported type %s", b.ID, b.Type).
				WithNode(ec.Node.ID)
		}
		exec, err := e.registry.Get(b.Type)
		if err != nil {
			return nil, err
		}
		execs[i] = exec
	}

	results := make([]branchResult, len(cfg.Branches))
	g, gctx := errgroup.WithContext(ctx)
	if cfg.MaxConcurrency > 0 {
		g.SetLimit(cfg.MaxConcurrency)
	}

	for i, b := range cfg.Branches {
		branchEC := ec
		branchEC.Node = &schema.WorkflowNode{
			ID:         ec.Node.ID + "." + b.ID,
			WorkflowID: ec.Node.WorkflowID,
			Type:       b.Type,
			Name:       b.ID,
			Config:     b.Config,
		}
		branchEC.Variables = copyVars(ec.Variables)

		g.Go(func() error {
			res, err := execs[i].Execute(gctx, branchEC)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeNodeExecution, "branch %q failed: %s", b.ID, err.Error()).
					WithNode(ec.Node.ID).
					WithCause(err).
					WithDetails(map[string]any{"branch": b.ID})
			}
			if res == nil {
				res = &Result{}
			}
			results[i] = branchResult{id: b.ID, result: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outputs := make(map[string]any, len(results))
	vars := map[string]any{}
	for _, r := range results {
		outputs[r.id] = r.result.Output
		maps.Copy(vars, r.result.Variables)
	}
	vars[outputKey(cfg.OutputKey, ec.Node)] = outputs

	return &Result{
		Output:    map[string]any{"branches": outputs},
		Variables: vars,
	}, nil
}
