package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rendis/openrooms/pkg/schema"
)

// OpenAIConfig configures an OpenAI-compatible chat completions client.
type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	HTTPClient   *http.Client
}

// OpenAIClient calls POST {BaseURL}/chat/completions.
type OpenAIClient struct {
	cfg OpenAIConfig
}

// NewOpenAIClient creates a client. BaseURL defaults to the public OpenAI API.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &OpenAIClient{cfg: cfg}
}

func (c *OpenAIClient) Name() string { return "openai" }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a non-streaming chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	if model == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "agent request has no model")
	}

	payload, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, providerError(c.Name(), "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, providerError(c.Name(), "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, providerError(c.Name(), "send request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, providerError(c.Name(), "read response", err)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, providerError(c.Name(), fmt.Sprintf("decode response (status %d)", resp.StatusCode), err)
	}
	if resp.StatusCode >= 400 || out.Error != nil {
		msg := http.StatusText(resp.StatusCode)
		if out.Error != nil {
			msg = out.Error.Message
		}
		return nil, schema.NewErrorf(schema.ErrCodeLLMProvider, "%s: %s", c.Name(), msg).
			WithDetails(map[string]any{"provider": c.Name(), "status": resp.StatusCode})
	}
	if len(out.Choices) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeLLMProvider, "%s: no choices in response", c.Name()).
			WithDetails(map[string]any{"provider": c.Name()})
	}

	choice := out.Choices[0]
	return &Response{
		ID:           out.ID,
		Model:        out.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        out.Usage,
	}, nil
}

func providerError(provider, op string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeLLMProvider, "%s: %s: %s", provider, op, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"provider": provider})
}

var _ Client = (*OpenAIClient)(nil)
