package executors

import (
	"context"

	"github.com/rendis/openrooms/internal/expressions"
	"github.com/rendis/openrooms/pkg/schema"
)

// Decision evaluates config.expression with CEL and stores the value so that
// later CONDITION_MET guards can branch on it.
func Decision(cel expressions.Engine) NodeExecutor {
	return Func(func(ctx context.Context, ec ExecutionContext) (*Result, error) {
		var cfg schema.DecisionConfig
		if err := ec.Node.DecodeConfig(&cfg); err != nil {
			return nil, configError(ec.Node, err)
		}
		if cfg.Expression == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "DECISION requires config.expression").WithNode(ec.Node.ID)
		}

		val, err := cel.Evaluate(ctx, cfg.Expression, ec.Variables)
		if err != nil {
			return nil, err
		}
		return &Result{
			Output:    map[string]any{"result": val},
			Variables: map[string]any{outputKey(cfg.OutputKey, ec.Node): val},
		}, nil
	})
}
