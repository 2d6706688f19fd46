package executors

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/openrooms/internal/agents"
	"github.com/rendis/openrooms/internal/expressions"
	"github.com/rendis/openrooms/pkg/schema"
)

// --- fakes ---

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types() []schema.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type fakeTools struct {
	gotName string
	gotArgs map[string]any
	out     any
	err     error
}

func (f *fakeTools) Invoke(_ context.Context, name string, args map[string]any) (any, error) {
	f.gotName = name
	f.gotArgs = args
	return f.out, f.err
}

type fakeAgent struct {
	got  agents.Request
	resp *agents.Response
	err  error
}

func (f *fakeAgent) Name() string { return "fake" }
func (f *fakeAgent) Complete(_ context.Context, req agents.Request) (*agents.Response, error) {
	f.got = req
	return f.resp, f.err
}

func execCtx(node *schema.WorkflowNode, vars map[string]any, sink EventSink) ExecutionContext {
	return ExecutionContext{
		RoomID:     "room-1",
		WorkflowID: "wf-1",
		Node:       node,
		Variables:  vars,
		Events:     sink,
	}
}

// --- registry ---

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := Func(func(context.Context, ExecutionContext) (*Result, error) { return &Result{}, nil })

	require.NoError(t, r.Register(schema.NodeTypeWait, noop))
	require.NoError(t, r.Register(schema.NodeTypeStart, noop))

	err := r.Register(schema.NodeTypeWait, noop)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	assert.True(t, schema.HasCode(r.Register(schema.NodeTypeEnd, noop), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(r.Register("BOGUS", noop), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(r.Register(schema.NodeTypeDecision, nil), schema.ErrCodeValidation))

	_, err = r.Get(schema.NodeTypeDecision)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecutorNotRegistered))

	assert.Equal(t, []schema.NodeType{schema.NodeTypeStart, schema.NodeTypeWait}, r.Types())
}

func TestNewDefaultRegistry(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	r, err := NewDefaultRegistry(Deps{Tools: &fakeTools{}, Agents: agents.EchoClient{}, CEL: cel})
	require.NoError(t, err)
	assert.Equal(t, []schema.NodeType{
		schema.NodeTypeAgentTask,
		schema.NodeTypeDecision,
		schema.NodeTypeParallel,
		schema.NodeTypeStart,
		schema.NodeTypeToolExecution,
		schema.NodeTypeWait,
	}, r.Types())

	minimal, err := NewDefaultRegistry(Deps{})
	require.NoError(t, err)
	assert.Len(t, minimal.Types(), 3)
}

// --- START / WAIT ---

func TestStart_SeedsVariables(t *testing.T) {
	node := &schema.WorkflowNode{ID: "start", Type: schema.NodeTypeStart, Config: map[string]any{
		"variables": map[string]any{"city": "Paris", "units": "metric"},
	}}
	ec := execCtx(node, map[string]any{}, nil)
	ec.Input = map[string]any{"city": "Lisbon"}

	res, err := Start().Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Lisbon", "units": "metric"}, res.Variables)
}

func TestWait_Sleeps(t *testing.T) {
	node := &schema.WorkflowNode{ID: "w", Type: schema.NodeTypeWait, Config: map[string]any{"duration": 20}}

	start := time.Now()
	res, err := Wait().Execute(context.Background(), execCtx(node, nil, nil))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int64(20), res.Output["waited_ms"])
}

func TestWait_Duration(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		want   int64
	}{
		{"explicit zero does not wait", map[string]any{"duration": 0}, 0},
		{"unset uses default", nil, schema.DefaultWaitMs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &schema.WorkflowNode{ID: "w", Type: schema.NodeTypeWait, Config: tt.config}

			start := time.Now()
			res, err := Wait().Execute(context.Background(), execCtx(node, nil, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Output["waited_ms"])
			assert.GreaterOrEqual(t, time.Since(start), time.Duration(tt.want)*time.Millisecond)
			if tt.want == 0 {
				assert.Less(t, time.Since(start), 500*time.Millisecond)
			}
		})
	}
}

func TestWait_HonoursCancellation(t *testing.T) {
	node := &schema.WorkflowNode{ID: "w", Type: schema.NodeTypeWait, Config: map[string]any{"duration": 60000}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Wait().Execute(ctx, execCtx(node, nil, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// --- TOOL_EXECUTION ---

func TestToolExecutor_Success(t *testing.T) {
	tools := &fakeTools{out: map[string]any{"temp": 21}}
	sink := &recordingSink{}
	node := &schema.WorkflowNode{ID: "fetch", Type: schema.NodeTypeToolExecution, Config: map[string]any{
		"tool":           "weather",
		"arguments":      map[string]any{"city": "${{ city }}", "days": 3},
		"arguments_from": "{units: .prefs.units}",
		"output_key":     "forecast",
	}}
	vars := map[string]any{"city": "Lisbon", "prefs": map[string]any{"units": "metric"}}

	res, err := NewToolExecutor(tools, expressions.NewGoJQEngine()).
		Execute(context.Background(), execCtx(node, vars, sink))
	require.NoError(t, err)

	assert.Equal(t, "weather", tools.gotName)
	assert.Equal(t, map[string]any{"city": "Lisbon", "days": float64(3), "units": "metric"}, tools.gotArgs)
	assert.Equal(t, map[string]any{"forecast": map[string]any{"temp": 21}}, res.Variables)
	assert.Equal(t, []schema.EventType{schema.EventToolInvoked, schema.EventToolCompleted}, sink.types())
	assert.Equal(t, "fetch", sink.events[0].NodeID)
}

func TestToolExecutor_Failure(t *testing.T) {
	tools := &fakeTools{err: schema.NewError(schema.ErrCodeToolExecution, "boom")}
	sink := &recordingSink{}
	node := &schema.WorkflowNode{ID: "fetch", Type: schema.NodeTypeToolExecution, Config: map[string]any{"tool": "weather"}}

	_, err := NewToolExecutor(tools, expressions.NewGoJQEngine()).
		Execute(context.Background(), execCtx(node, nil, sink))
	require.Error(t, err)
	assert.Equal(t, []schema.EventType{schema.EventToolInvoked, schema.EventToolFailed}, sink.types())
	assert.Equal(t, schema.LevelError, sink.events[1].Level)
}

func TestToolExecutor_RequiresTool(t *testing.T) {
	node := &schema.WorkflowNode{ID: "fetch", Type: schema.NodeTypeToolExecution}

	_, err := NewToolExecutor(&fakeTools{}, expressions.NewGoJQEngine()).
		Execute(context.Background(), execCtx(node, nil, nil))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestToolExecutor_ArgumentsFromMustBeObject(t *testing.T) {
	node := &schema.WorkflowNode{ID: "fetch", Type: schema.NodeTypeToolExecution, Config: map[string]any{
		"tool":           "weather",
		"arguments_from": ".city",
	}}

	_, err := NewToolExecutor(&fakeTools{}, expressions.NewGoJQEngine()).
		Execute(context.Background(), execCtx(node, map[string]any{"city": "x"}, nil))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

// --- AGENT_TASK ---

func TestAgentExecutor_Success(t *testing.T) {
	agent := &fakeAgent{resp: &agents.Response{Content: "Sunny", Model: "m1", FinishReason: "stop"}}
	sink := &recordingSink{}
	node := &schema.WorkflowNode{ID: "ask", Type: schema.NodeTypeAgentTask, Config: map[string]any{
		"agent":         "forecaster",
		"model":         "m1",
		"system_prompt": "You forecast for ${{ city }}.",
		"prompt":        "Summarise ${{ forecast.temp }} degrees",
		"temperature":   0.2,
		"input":         "{city}",
		"output_key":    "summary",
	}}
	vars := map[string]any{"city": "Lisbon", "forecast": map[string]any{"temp": 21}}

	res, err := NewAgentExecutor(agent, expressions.NewGoJQEngine()).
		Execute(context.Background(), execCtx(node, vars, sink))
	require.NoError(t, err)

	require.Len(t, agent.got.Messages, 2)
	assert.Equal(t, "You forecast for Lisbon.", agent.got.Messages[0].Content)
	assert.Equal(t, "Summarise 21 degrees", agent.got.Messages[1].Content)
	require.NotNil(t, agent.got.Temperature)
	assert.InDelta(t, 0.2, *agent.got.Temperature, 1e-9)
	assert.Equal(t, map[string]any{"city": "Lisbon"}, agent.got.Input)
	assert.Equal(t, "room-1", agent.got.RoomID)

	assert.Equal(t, map[string]any{"summary": "Sunny"}, res.Variables)
	assert.Equal(t, "Sunny", res.Output["content"])
	assert.Equal(t, []schema.EventType{schema.EventAgentInvoked, schema.EventAgentResponse}, sink.types())
	assert.Equal(t, "forecaster", sink.events[1].AgentID)
}

func TestAgentExecutor_ProviderError(t *testing.T) {
	agent := &fakeAgent{err: errors.New("rate limited")}
	sink := &recordingSink{}
	node := &schema.WorkflowNode{ID: "ask", Type: schema.NodeTypeAgentTask, Config: map[string]any{"prompt": "hi"}}

	_, err := NewAgentExecutor(agent, expressions.NewGoJQEngine()).
		Execute(context.Background(), execCtx(node, nil, sink))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeLLMProvider))
	assert.Equal(t, []schema.EventType{schema.EventAgentInvoked, schema.EventAgentError}, sink.types())
}

func TestAgentExecutor_DefaultOutputKey(t *testing.T) {
	node := &schema.WorkflowNode{ID: "ask", Type: schema.NodeTypeAgentTask, Config: map[string]any{"prompt": "hi"}}

	res, err := NewAgentExecutor(agents.EchoClient{}, expressions.NewGoJQEngine()).
		Execute(context.Background(), execCtx(node, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ask": "echo: hi"}, res.Variables)
}

func TestAgentExecutor_MissingVariable(t *testing.T) {
	node := &schema.WorkflowNode{ID: "ask", Type: schema.NodeTypeAgentTask, Config: map[string]any{"prompt": "${{ nope }}"}}

	_, err := NewAgentExecutor(agents.EchoClient{}, expressions.NewGoJQEngine()).
		Execute(context.Background(), execCtx(node, map[string]any{}, nil))
	assert.True(t, schema.HasCode(err, schema.ErrCodeInterpolation))
}

// --- DECISION ---

func TestDecision(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	node := &schema.WorkflowNode{ID: "route", Type: schema.NodeTypeDecision, Config: map[string]any{
		"expression": `vars.score >= 80 ? "approve" : "review"`,
		"output_key": "route",
	}}

	res, err := Decision(cel).Execute(context.Background(), execCtx(node, map[string]any{"score": 91}, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"route": "approve"}, res.Variables)

	_, err = Decision(cel).Execute(context.Background(),
		execCtx(&schema.WorkflowNode{ID: "d", Type: schema.NodeTypeDecision}, nil, nil))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

// --- PARALLEL ---

func TestParallel_RunsBranchesAndMerges(t *testing.T) {
	r := NewRegistry()
	var running, peak atomic.Int32
	require.NoError(t, r.Register(schema.NodeTypeToolExecution, Func(func(ctx context.Context, ec ExecutionContext) (*Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return &Result{
			Output:    map[string]any{"node": ec.Node.ID},
			Variables: map[string]any{ec.Node.Name: ec.Node.Config["value"]},
		}, nil
	})))
	require.NoError(t, r.Register(schema.NodeTypeParallel, NewParallelExecutor(r)))

	node := &schema.WorkflowNode{ID: "fan", Type: schema.NodeTypeParallel, Config: map[string]any{
		"max_concurrency": 2,
		"branches": []any{
			map[string]any{"id": "a", "type": "TOOL_EXECUTION", "config": map[string]any{"value": 1}},
			map[string]any{"id": "b", "type": "TOOL_EXECUTION", "config": map[string]any{"value": 2}},
			map[string]any{"id": "c", "type": "TOOL_EXECUTION", "config": map[string]any{"value": 3}},
		},
	}}

	exec, err := r.Get(schema.NodeTypeParallel)
	require.NoError(t, err)
	res, err := exec.Execute(context.Background(), execCtx(node, map[string]any{}, nil))
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, float64(1), res.Variables["a"])
	assert.Equal(t, float64(3), res.Variables["c"])
	branches := res.Output["branches"].(map[string]any)
	assert.Equal(t, map[string]any{"node": "fan.b"}, branches["b"])
	assert.Equal(t, branches, res.Variables["fan"])
}

func TestParallel_BranchFailureCancelsOthers(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(schema.NodeTypeWait, Wait()))
	require.NoError(t, r.Register(schema.NodeTypeToolExecution, Func(func(context.Context, ExecutionContext) (*Result, error) {
		return nil, errors.New("tool down")
	})))

	node := &schema.WorkflowNode{ID: "fan", Type: schema.NodeTypeParallel, Config: map[string]any{
		"branches": []any{
			map[string]any{"id": "slow", "type": "WAIT", "config": map[string]any{"duration": 60000}},
			map[string]any{"id": "bad", "type": "TOOL_EXECUTION"},
		},
	}}

	start := time.Now()
	_, err := NewParallelExecutor(r).Execute(context.Background(), execCtx(node, nil, nil))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNodeExecution))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestParallel_RejectsUnregisteredBranch(t *testing.T) {
	node := &schema.WorkflowNode{ID: "fan", Type: schema.NodeTypeParallel, Config: map[string]any{
		"branches": []any{map[string]any{"id": "x", "type": "DECISION"}},
	}}

	_, err := NewParallelExecutor(NewRegistry()).Execute(context.Background(), execCtx(node, nil, nil))
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecutorNotRegistered))
}

func TestParallel_RequiresBranches(t *testing.T) {
	node := &schema.WorkflowNode{ID: "fan", Type: schema.NodeTypeParallel}

	_, err := NewParallelExecutor(NewRegistry()).Execute(context.Background(), execCtx(node, nil, nil))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
