package schema

import (
	"encoding/json"
	"time"
)

// WorkflowStatus represents the publication state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "DRAFT"
	WorkflowStatusActive   WorkflowStatus = "ACTIVE"
	WorkflowStatusArchived WorkflowStatus = "ARCHIVED"
)

// Workflow is a graph of nodes connected by guarded transitions.
// Cycles are permitted: it is a state machine, not necessarily a DAG.
type Workflow struct {
	ID            string          `json:"id" yaml:"id"`
	Name          string          `json:"name" yaml:"name"`
	Description   string          `json:"description,omitempty" yaml:"description,omitempty"`
	Version       int             `json:"version" yaml:"version"`
	Status        WorkflowStatus  `json:"status" yaml:"status"`
	InitialNodeID string          `json:"initial_node_id" yaml:"initial_node_id"`
	Nodes         []*WorkflowNode `json:"nodes" yaml:"nodes"`
	Metadata      map[string]any  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time       `json:"updated_at" yaml:"-"`
}

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (*WorkflowNode, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// NodeType enumerates the kinds of workflow nodes.
type NodeType string

const (
	NodeTypeStart         NodeType = "START"
	NodeTypeAgentTask     NodeType = "AGENT_TASK"
	NodeTypeToolExecution NodeType = "TOOL_EXECUTION"
	NodeTypeDecision      NodeType = "DECISION"
	NodeTypeParallel      NodeType = "PARALLEL"
	NodeTypeWait          NodeType = "WAIT"
	NodeTypeEnd           NodeType = "END"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeStart, NodeTypeAgentTask, NodeTypeToolExecution, NodeTypeDecision,
		NodeTypeParallel, NodeTypeWait, NodeTypeEnd:
		return true
	}
	return false
}

// WorkflowNode is a state in the workflow FSM.
type WorkflowNode struct {
	ID          string           `json:"id" yaml:"id"`
	WorkflowID  string           `json:"workflow_id,omitempty" yaml:"-"`
	Type        NodeType         `json:"type" yaml:"type"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Config      map[string]any   `json:"config,omitempty" yaml:"config,omitempty"`
	Transitions []NodeTransition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	RetryPolicy *RetryPolicy     `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	TimeoutMs   int64            `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Timeout returns the per-invocation timeout, or zero when unbounded.
func (n *WorkflowNode) Timeout() time.Duration {
	return time.Duration(n.TimeoutMs) * time.Millisecond
}

// DecodeConfig decodes the node's free-form config into v.
func (n *WorkflowNode) DecodeConfig(v any) error {
	if len(n.Config) == 0 {
		return nil
	}
	b, err := json.Marshal(n.Config)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// TransitionCondition is the guard kind of a transition.
type TransitionCondition string

const (
	ConditionAlways       TransitionCondition = "ALWAYS"
	ConditionSuccess      TransitionCondition = "SUCCESS"
	ConditionFailure      TransitionCondition = "FAILURE"
	ConditionTimeout      TransitionCondition = "TIMEOUT"
	ConditionConditionMet TransitionCondition = "CONDITION_MET"
)

// NodeTransition is a guarded edge; a node's transitions are evaluated in order.
type NodeTransition struct {
	Condition           TransitionCondition `json:"condition" yaml:"condition"`
	TargetNodeID        string              `json:"target_node_id" yaml:"target_node_id"`
	ConditionExpression string              `json:"condition_expression,omitempty" yaml:"condition_expression,omitempty"`
	Metadata            map[string]any      `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// RetryPolicy configures bounded re-execution of a failing node.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMs    int64   `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxDelayMs        int64   `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
}
