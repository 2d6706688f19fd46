package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/openrooms/internal/expressions"
	"github.com/rendis/openrooms/pkg/schema"
)

// Builtins returns the tools every deployment registers.
func Builtins(httpCfg HTTPConfig) []Tool {
	return []Tool{
		NewCalculator(),
		NewHTTPRequest(httpCfg),
	}
}

// RegisterBuiltins registers Builtins into r.
func RegisterBuiltins(r *Registry, httpCfg HTTPConfig) error {
	for _, t := range Builtins(httpCfg) {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// --- calculator ---

const calculatorSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "variables": {"type": "object"}
  },
  "required": ["expression"]
}`

// Calculator evaluates arithmetic with expr-lang. Optional variables are
// visible by name inside the expression.
type Calculator struct {
	engine *expressions.ExprEngine
}

// NewCalculator creates the calculator tool.
func NewCalculator() *Calculator {
	return &Calculator{engine: expressions.NewExprEngine()}
}

func (c *Calculator) Name() string                 { return "calculator" }
func (c *Calculator) Description() string          { return "Performs arithmetic calculations" }
func (c *Calculator) InputSchema() json.RawMessage { return json.RawMessage(calculatorSchema) }

func (c *Calculator) Execute(ctx context.Context, args map[string]any) (any, error) {
	expression, _ := args["expression"].(string)
	vars, _ := args["variables"].(map[string]any)

	result, err := c.engine.Evaluate(ctx, expression, vars)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

// --- http_request ---

// HTTPConfig configures the http_request tool.
type HTTPConfig struct {
	MaxResponseBody int64
	Client          *http.Client
}

const defaultMaxResponseBody = 10 * 1024 * 1024

const httpRequestSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"], "default": "GET"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string"}
  },
  "required": ["url"]
}`

// HTTPRequest calls an external HTTP endpoint. JSON responses are decoded;
// anything else is returned as text.
type HTTPRequest struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPRequest creates the http_request tool.
func NewHTTPRequest(cfg HTTPConfig) *HTTPRequest {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTPRequest{client: cfg.Client, maxBody: cfg.MaxResponseBody}
}

func (h *HTTPRequest) Name() string                 { return "http_request" }
func (h *HTTPRequest) Description() string          { return "Makes HTTP requests to external APIs" }
func (h *HTTPRequest) InputSchema() json.RawMessage { return json.RawMessage(httpRequestSchema) }

func (h *HTTPRequest) Execute(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := args["url"].(string)
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http_request: invalid url %q", rawURL)
	}
	method := "GET"
	if m, ok := args["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if ts, ok := args["timeout"].(string); ok && ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	var body io.Reader
	if raw, ok := args["body"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeToolExecution, "http_request: marshal body").WithCause(err)
		}
		body = strings.NewReader(string(b))
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeToolExecution, "http_request: build request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hdrs, ok := args["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "http_request: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeToolExecution, "http_request: read response").WithCause(err)
	}

	var parsed any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			parsed = string(data)
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"status":      resp.StatusCode,
		"status_text": http.StatusText(resp.StatusCode),
		"headers":     headers,
		"data":        parsed,
	}, nil
}
