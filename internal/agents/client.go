// Package agents provides the clients AGENT_TASK nodes use to reach a
// language model.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/openrooms/pkg/schema"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	RoomID      string         `json:"room_id,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	Agent       string         `json:"agent,omitempty"`
	Model       string         `json:"model,omitempty"`
	Messages    []Message      `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the model's reply.
type Response struct {
	ID           string `json:"id,omitempty"`
	Model        string `json:"model,omitempty"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Client completes agent requests.
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Router selects a client by agent name, falling back to a default.
type Router struct {
	mu       sync.RWMutex
	clients  map[string]Client
	fallback Client
}

// NewRouter creates a router whose unnamed or unknown agents use fallback.
func NewRouter(fallback Client) *Router {
	return &Router{clients: make(map[string]Client), fallback: fallback}
}

// Register binds an agent name to a client.
func (r *Router) Register(agent string, c Client) error {
	if agent == "" || c == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent name and client are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[agent]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", agent)
	}
	r.clients[agent] = c
	return nil
}

// Agents lists the registered agent names.
func (r *Router) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Name() string { return "router" }

// Complete dispatches to the client registered for req.Agent.
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	r.mu.RLock()
	c, ok := r.clients[req.Agent]
	r.mu.RUnlock()
	if !ok {
		c = r.fallback
	}
	if c == nil {
		return nil, schema.NewErrorf(schema.ErrCodeLLMProvider, "no client for agent %q", req.Agent).
			WithDetails(map[string]any{"agent": req.Agent})
	}
	return c.Complete(ctx, req)
}

// EchoClient answers with the last user message. It needs no credentials and
// serves local development and tests.
type EchoClient struct{}

func (EchoClient) Name() string { return "echo" }

func (EchoClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	n := len(req.Messages)
	return &Response{
		Model:        req.Model,
		Content:      fmt.Sprintf("echo: %s", last),
		FinishReason: "stop",
		Usage:        Usage{PromptTokens: n, CompletionTokens: 1, TotalTokens: n + 1},
	}, nil
}

var (
	_ Client = (*Router)(nil)
	_ Client = EchoClient{}
)
