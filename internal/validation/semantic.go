package validation

import (
	"fmt"

	"github.com/rendis/openrooms/pkg/schema"
)

const highRetryWarning = 10

// semanticChecks holds the optional collaborators consulted by node checks.
type semanticChecks struct {
	tools      ToolLookup
	conditions ExpressionChecker
	decisions  ExpressionChecker
}

// validateSemantic checks references and per-node configuration.
func validateSemantic(wf *schema.Workflow, checks semanticChecks) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(wf.Nodes))
	for i, n := range wf.Nodes {
		path := schema.NodePath(i)
		if n == nil {
			result.AddError(path, schema.ErrCodeValidation, "node is null")
			continue
		}
		if ids[n.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = true
	}

	if !ids[wf.InitialNodeID] {
		result.AddError("initial_node_id", schema.ErrCodeNodeNotFound,
			fmt.Sprintf("initial node %q does not exist", wf.InitialNodeID))
	}

	for i, n := range wf.Nodes {
		if n == nil {
			continue
		}
		path := schema.NodePath(i)
		validateNode(n, path, ids, checks, result)
	}
	return result
}

func validateNode(n *schema.WorkflowNode, path string, ids map[string]bool, checks semanticChecks, result *schema.ValidationResult) {
	if !n.Type.Valid() {
		result.AddError(path+".type", schema.ErrCodeValidation, fmt.Sprintf("unknown node type %q", n.Type))
		return
	}

	for j, tr := range n.Transitions {
		trPath := schema.TransitionPath(path, j)
		if !ids[tr.TargetNodeID] {
			result.AddError(trPath+".target_node_id", schema.ErrCodeNodeNotFound,
				fmt.Sprintf("references non-existent node %q", tr.TargetNodeID))
		}
		if tr.Condition != schema.ConditionConditionMet {
			continue
		}
		if tr.ConditionExpression == "" {
			result.AddError(trPath+".condition_expression", schema.ErrCodeValidation,
				"CONDITION_MET requires a condition_expression")
		} else if checks.conditions != nil {
			if err := checks.conditions.Check(tr.ConditionExpression); err != nil {
				result.AddError(trPath+".condition_expression", schema.ErrCodeValidation,
					fmt.Sprintf("invalid condition: %s", err.Error()))
			}
		}
	}

	switch {
	case n.Type == schema.NodeTypeEnd && len(n.Transitions) > 0:
		result.AddWarning(path+".transitions", schema.ErrCodeValidation,
			"END node transitions are never evaluated")
	case n.Type != schema.NodeTypeEnd && len(n.Transitions) == 0:
		result.AddWarning(path+".transitions", schema.ErrCodeValidation,
			fmt.Sprintf("node %q has no transitions; reaching it fails the run", n.ID))
	}

	validateRetryPolicy(n.RetryPolicy, path+".retry_policy", result)
	validateNodeConfig(n.Type, n.Config, path+".config", checks, result)
}

func validateRetryPolicy(p *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if p == nil {
		return
	}
	if p.BackoffMultiplier != 0 && p.BackoffMultiplier < 1 {
		result.AddError(path+".backoff_multiplier", schema.ErrCodeValidation,
			"backoff_multiplier must be at least 1")
	}
	if p.MaxDelayMs > 0 && p.MaxDelayMs < p.InitialDelayMs {
		result.AddError(path+".max_delay_ms", schema.ErrCodeValidation,
			"max_delay_ms must not be smaller than initial_delay_ms")
	}
	if p.MaxAttempts > highRetryWarning {
		result.AddWarning(path+".max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", p.MaxAttempts))
	}
}

// validateNodeConfig checks the type-specific config. PARALLEL branches are
// checked recursively as pseudo-nodes.
func validateNodeConfig(t schema.NodeType, config map[string]any, path string, checks semanticChecks, result *schema.ValidationResult) {
	holder := &schema.WorkflowNode{Config: config}

	switch t {
	case schema.NodeTypeWait:
		var cfg schema.WaitConfig
		if err := holder.DecodeConfig(&cfg); err != nil {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid WAIT config: %s", err.Error()))
			return
		}
		if cfg.Duration != nil && *cfg.Duration < 0 {
			result.AddError(path+".duration", schema.ErrCodeValidation, "duration must not be negative")
		}

	case schema.NodeTypeToolExecution:
		var cfg schema.ToolConfig
		if err := holder.DecodeConfig(&cfg); err != nil {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid TOOL_EXECUTION config: %s", err.Error()))
			return
		}
		if cfg.Tool == "" {
			result.AddError(path+".tool", schema.ErrCodeValidation, "TOOL_EXECUTION requires config.tool")
		} else if checks.tools != nil && !checks.tools.Has(cfg.Tool) {
			result.AddError(path+".tool", schema.ErrCodeToolNotFound,
				fmt.Sprintf("tool %q not registered", cfg.Tool))
		}

	case schema.NodeTypeAgentTask:
		var cfg schema.AgentConfig
		if err := holder.DecodeConfig(&cfg); err != nil {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid AGENT_TASK config: %s", err.Error()))
			return
		}
		if cfg.Prompt == "" {
			result.AddError(path+".prompt", schema.ErrCodeValidation, "AGENT_TASK requires config.prompt")
		}

	case schema.NodeTypeDecision:
		var cfg schema.DecisionConfig
		if err := holder.DecodeConfig(&cfg); err != nil {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid DECISION config: %s", err.Error()))
			return
		}
		if cfg.Expression == "" {
			result.AddError(path+".expression", schema.ErrCodeValidation, "DECISION requires config.expression")
		} else if checks.decisions != nil {
			if err := checks.decisions.Check(cfg.Expression); err != nil {
				result.AddError(path+".expression", schema.ErrCodeValidation,
					fmt.Sprintf("invalid decision expression: %s", err.Error()))
			}
		}

	case schema.NodeTypeParallel:
		var cfg schema.ParallelConfig
		if err := holder.DecodeConfig(&cfg); err != nil {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid PARALLEL config: %s", err.Error()))
			return
		}
		if len(cfg.Branches) == 0 {
			result.AddError(path+".branches", schema.ErrCodeValidation, "PARALLEL requires at least one branch")
		}
		seen := make(map[string]bool, len(cfg.Branches))
		for i, b := range cfg.Branches {
			bPath := schema.BranchPath(path, i)
			if b.ID == "" {
				result.AddError(bPath+".id", schema.ErrCodeValidation, "branch id is required")
			} else if seen[b.ID] {
				result.AddError(bPath+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate branch id %q", b.ID))
			}
			seen[b.ID] = true
			switch {
			case !b.Type.Valid():
				result.AddError(bPath+".type", schema.ErrCodeValidation,
					fmt.Sprintf("unknown node type %q", b.Type))
			case b.Type == schema.NodeTypeEnd, b.Type == schema.NodeTypeParallel:
				result.AddError(bPath+".type", schema.ErrCodeValidation,
					fmt.Sprintf("branch type %s is not allowed inside PARALLEL", b.Type))
			default:
				validateNodeConfig(b.Type, b.Config, bPath+".config", checks, result)
			}
		}
	}
}
