package engine

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rendis/openrooms/internal/executors"
	"github.com/rendis/openrooms/internal/expressions"
	"github.com/rendis/openrooms/internal/state"
	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/pkg/schema"
)

// fakeStore is an in-memory RoomStore and WorkflowStore.
type fakeStore struct {
	mu        sync.Mutex
	rooms     map[string]*schema.Room
	workflows map[string]*schema.Workflow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:     make(map[string]*schema.Room),
		workflows: make(map[string]*schema.Workflow),
	}
}

func (s *fakeStore) addWorkflow(wf *schema.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf
}

func (s *fakeStore) addRoom(room *schema.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room.Status == "" {
		room.Status = schema.RoomStatusIdle
	}
	s.rooms[room.ID] = room
}

func (s *fakeStore) CreateRoom(_ context.Context, room *schema.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "room %s exists", room.ID)
	}
	cp := *room
	s.rooms[room.ID] = &cp
	return nil
}

func (s *fakeStore) GetRoom(_ context.Context, id string) (*schema.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, schema.NewRoomNotFoundError(id)
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) UpdateRoom(_ context.Context, id string, update store.RoomUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return schema.NewRoomNotFoundError(id)
	}
	if update.CurrentNodeID != nil {
		r.CurrentNodeID = *update.CurrentNodeID
	}
	return nil
}

func (s *fakeStore) UpdateRoomStatus(_ context.Context, id string, to schema.RoomStatus, from ...schema.RoomStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return schema.NewRoomNotFoundError(id)
	}
	if len(from) > 0 && !slices.Contains(from, r.Status) {
		return schema.NewInvalidStateTransitionError(string(r.Status), string(to))
	}
	r.Status = to
	return nil
}

func (s *fakeStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, schema.NewWorkflowNotFoundError(id)
	}
	return wf, nil
}

func (s *fakeStore) GetNode(_ context.Context, workflowID, nodeID string) (*schema.WorkflowNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, schema.NewWorkflowNotFoundError(workflowID)
	}
	n, ok := wf.Node(nodeID)
	if !ok {
		return nil, schema.NewNodeNotFoundError(nodeID)
	}
	return n, nil
}

func (s *fakeStore) status(t *testing.T, id string) schema.RoomStatus {
	t.Helper()
	r, err := s.GetRoom(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

// recordingLog captures appended execution log entries.
type recordingLog struct {
	mu      sync.Mutex
	entries []*store.LogEntry
}

func (l *recordingLog) Append(_ context.Context, entry *store.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *entry
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *recordingLog) types() []schema.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schema.EventType, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.EventType
	}
	return out
}

func (l *recordingLog) count(t schema.EventType) int {
	n := 0
	for _, et := range l.types() {
		if et == t {
			n++
		}
	}
	return n
}

func (l *recordingLog) find(t schema.EventType) *store.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.EventType == t {
			return e
		}
	}
	return nil
}

// recordingQueue captures enqueued room ids.
type recordingQueue struct {
	mu    sync.Mutex
	rooms []string
}

func (q *recordingQueue) Enqueue(_ context.Context, roomID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rooms = append(q.rooms, roomID)
	return nil
}

// scripted dispatches TOOL_EXECUTION nodes to per-node functions.
type scripted struct {
	mu    sync.Mutex
	fns   map[string]executors.Func
	calls map[string]int
}

func newScripted() *scripted {
	return &scripted{fns: make(map[string]executors.Func), calls: make(map[string]int)}
}

func (s *scripted) on(nodeID string, fn executors.Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns[nodeID] = fn
}

func (s *scripted) callCount(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[nodeID]
}

func (s *scripted) Execute(ctx context.Context, ec executors.ExecutionContext) (*executors.Result, error) {
	s.mu.Lock()
	s.calls[ec.Node.ID]++
	fn := s.fns[ec.Node.ID]
	s.mu.Unlock()
	if fn == nil {
		return &executors.Result{}, nil
	}
	return fn(ctx, ec)
}

type testEnv struct {
	engine *Engine
	store  *fakeStore
	log    *recordingLog
	queue  *recordingQueue
	tasks  *scripted
	states *state.RedisStore
	redis  *miniredis.Miniredis
	logs   *bytes.Buffer
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	states := state.NewRedisStore(client, 0, logger)

	tasks := newScripted()
	reg := executors.NewRegistry()
	require.NoError(t, reg.Register(schema.NodeTypeStart, executors.Start()))
	require.NoError(t, reg.Register(schema.NodeTypeWait, executors.Wait()))
	require.NoError(t, reg.Register(schema.NodeTypeToolExecution, tasks))

	fs := newFakeStore()
	log := &recordingLog{}
	queue := &recordingQueue{}
	eng, err := New(cfg, Deps{
		Rooms:     fs,
		Workflows: fs,
		States:    states,
		Log:       log,
		Executors: reg,
		Guards:    expressions.NewExprEngine(),
		Queue:     queue,
		Logger:    logger,
	})
	require.NoError(t, err)

	return &testEnv{
		engine: eng, store: fs, log: log, queue: queue, tasks: tasks,
		states: states, redis: mr, logs: &buf,
	}
}

// seed registers wf and an IDLE room running it.
func (e *testEnv) seed(roomID string, wf *schema.Workflow) {
	e.store.addWorkflow(wf)
	e.store.addRoom(&schema.Room{ID: roomID, Name: roomID, WorkflowID: wf.ID})
}

func (e *testEnv) state(t *testing.T, roomID string) *schema.RoomState {
	t.Helper()
	st, err := e.states.GetState(context.Background(), roomID)
	require.NoError(t, err)
	return st
}

func workflow(id, initial string, nodes ...*schema.WorkflowNode) *schema.Workflow {
	return &schema.Workflow{ID: id, Name: id, Version: 1, Status: schema.WorkflowStatusActive, InitialNodeID: initial, Nodes: nodes}
}

func node(id string, typ schema.NodeType, next ...string) *schema.WorkflowNode {
	n := &schema.WorkflowNode{ID: id, Name: id, Type: typ}
	for _, target := range next {
		n.Transitions = append(n.Transitions, schema.NodeTransition{Condition: schema.ConditionAlways, TargetNodeID: target})
	}
	return n
}

// blocker is a task that parks until released.
type blocker struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlocker() *blocker {
	return &blocker{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blocker) fn(result error) executors.Func {
	return func(ctx context.Context, _ executors.ExecutionContext) (*executors.Result, error) {
		b.once.Do(func() { close(b.entered) })
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if result != nil {
			return nil, result
		}
		return &executors.Result{Variables: map[string]any{"released": true}}, nil
	}
}

func (b *blocker) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-b.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}
}

type runOutcome struct {
	res *RunResult
	err error
}

func runAsync(e *Engine, roomID string) <-chan runOutcome {
	ch := make(chan runOutcome, 1)
	go func() {
		res, err := e.ExecuteRoom(context.Background(), roomID)
		ch <- runOutcome{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan runOutcome) runOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
		return runOutcome{}
	}
}
