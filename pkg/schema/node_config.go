package schema

// WaitConfig is the config of a WAIT node.
type WaitConfig struct {
	// Duration in milliseconds; DefaultWaitMs when unset. An explicit 0 does not wait.
	Duration *int64 `json:"duration,omitempty"`
}

// DefaultWaitMs is the WAIT duration when none is configured.
const DefaultWaitMs = 1000

// DurationMs resolves the configured duration.
func (c WaitConfig) DurationMs() int64 {
	if c.Duration == nil {
		return DefaultWaitMs
	}
	return *c.Duration
}

// ToolConfig is the config of a TOOL_EXECUTION node.
type ToolConfig struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	// ArgumentsFrom is a jq program over the variables whose object result is
	// merged over Arguments.
	ArgumentsFrom string `json:"arguments_from,omitempty"`
	OutputKey     string `json:"output_key,omitempty"`
}

// AgentConfig is the config of an AGENT_TASK node.
type AgentConfig struct {
	Agent        string  `json:"agent,omitempty"`
	Model        string  `json:"model,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Prompt       string  `json:"prompt"`
	Temperature  float64 `json:"temperature,omitempty"`
	// Input is a jq program over the variables; its result is sent as context.
	Input     string `json:"input,omitempty"`
	OutputKey string `json:"output_key,omitempty"`
}

// DecisionConfig is the config of a DECISION node.
type DecisionConfig struct {
	// Expression is a CEL expression over vars; its value is stored at OutputKey.
	Expression string `json:"expression"`
	OutputKey  string `json:"output_key,omitempty"`
}

// ParallelBranch is a pseudo-node run inside a PARALLEL node.
type ParallelBranch struct {
	ID     string         `json:"id"`
	Type   NodeType       `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// ParallelConfig is the config of a PARALLEL node.
type ParallelConfig struct {
	Branches       []ParallelBranch `json:"branches"`
	MaxConcurrency int              `json:"max_concurrency,omitempty"`
	OutputKey      string           `json:"output_key,omitempty"`
}
