package executors

import (
	"context"
	"time"

	"github.com/rendis/openrooms/internal/agents"
	"github.com/rendis/openrooms/internal/expressions"
	"github.com/rendis/openrooms/pkg/schema"
)

// AgentExecutor handles AGENT_TASK nodes.
type AgentExecutor struct {
	client agents.Client
	jq     expressions.Engine
}

// NewAgentExecutor creates an AGENT_TASK executor. jq shapes config.input.
func NewAgentExecutor(client agents.Client, jq expressions.Engine) *AgentExecutor {
	return &AgentExecutor{client: client, jq: jq}
}

func (e *AgentExecutor) Execute(ctx context.Context, ec ExecutionContext) (*Result, error) {
	var cfg schema.AgentConfig
	if err := ec.Node.DecodeConfig(&cfg); err != nil {
		return nil, configError(ec.Node, err)
	}

	req, err := e.request(ctx, ec, cfg)
	if err != nil {
		return nil, err
	}

	ec.Emit(ctx, Event{
		Type:    schema.EventAgentInvoked,
		Level:   schema.LevelInfo,
		AgentID: cfg.Agent,
		Message: "invoking agent",
		Data:    map[string]any{"agent": cfg.Agent, "model": cfg.Model},
	})

	start := time.Now()
	resp, err := e.client.Complete(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		if schema.ErrorCode(err) == "" {
			err = schema.NewErrorf(schema.ErrCodeLLMProvider, "agent call failed: %s", err.Error()).WithCause(err)
		}
		ec.Emit(ctx, Event{
			Type:     schema.EventAgentError,
			Level:    schema.LevelError,
			AgentID:  cfg.Agent,
			Message:  "agent call failed",
			Err:      err,
			Duration: elapsed,
		})
		return nil, err
	}

	output := map[string]any{
		"content":       resp.Content,
		"model":         resp.Model,
		"finish_reason": resp.FinishReason,
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}
	ec.Emit(ctx, Event{
		Type:     schema.EventAgentResponse,
		Level:    schema.LevelInfo,
		AgentID:  cfg.Agent,
		Message:  "agent responded",
		Data:     output,
		Duration: elapsed,
	})

	return &Result{
		Output:    output,
		Variables: map[string]any{outputKey(cfg.OutputKey, ec.Node): resp.Content},
	}, nil
}

func (e *AgentExecutor) request(ctx context.Context, ec ExecutionContext, cfg schema.AgentConfig) (agents.Request, error) {
	if cfg.Prompt == "" {
		return agents.Request{}, schema.NewError(schema.ErrCodeValidation, "AGENT_TASK requires config.prompt").WithNode(ec.Node.ID)
	}
	prompt, err := expressions.InterpolateString(cfg.Prompt, ec.Variables)
	if err != nil {
		return agents.Request{}, err
	}

	var messages []agents.Message
	if cfg.SystemPrompt != "" {
		system, err := expressions.InterpolateString(cfg.SystemPrompt, ec.Variables)
		if err != nil {
			return agents.Request{}, err
		}
		messages = append(messages, agents.Message{Role: "system", Content: system})
	}
	messages = append(messages, agents.Message{Role: "user", Content: prompt})

	req := agents.Request{
		RoomID:   ec.RoomID,
		NodeID:   ec.Node.ID,
		Agent:    cfg.Agent,
		Model:    cfg.Model,
		Messages: messages,
	}
	if cfg.Temperature != 0 {
		temp := cfg.Temperature
		req.Temperature = &temp
	}
	if cfg.Input != "" {
		shaped, err := e.jq.Evaluate(ctx, cfg.Input, ec.Variables)
		if err != nil {
			return agents.Request{}, err
		}
		if obj, ok := shaped.(map[string]any); ok {
			req.Input = obj
		} else {
			req.Input = map[string]any{"input": shaped}
		}
	}
	return req, nil
}
