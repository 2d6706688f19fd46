package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/openrooms/internal/engine"
	"github.com/rendis/openrooms/pkg/schema"
)

// fakeRunner returns scripted results per room, falling back to success.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string][]error
	calls   map[string]int
	block   chan struct{}
	ran     chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[string][]error),
		calls:   make(map[string]int),
		ran:     make(chan string, 64),
	}
}

func (r *fakeRunner) script(roomID string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[roomID] = errs
}

func (r *fakeRunner) callCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[roomID]
}

func (r *fakeRunner) ExecuteRoom(ctx context.Context, roomID string) (*engine.RunResult, error) {
	r.mu.Lock()
	n := r.calls[roomID]
	r.calls[roomID]++
	var err error
	if errs := r.results[roomID]; n < len(errs) {
		err = errs[n]
	}
	block := r.block
	r.mu.Unlock()

	defer func() { r.ran <- roomID }()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &engine.RunResult{RoomID: roomID, Status: schema.RoomStatusCompleted}, nil
}

type countingRecorder struct {
	mu         sync.Mutex
	dispatched int
	requeued   int
	dropped    map[string]int
}

func (c *countingRecorder) JobDispatched() { c.mu.Lock(); c.dispatched++; c.mu.Unlock() }
func (c *countingRecorder) JobRequeued()   { c.mu.Lock(); c.requeued++; c.mu.Unlock() }
func (c *countingRecorder) JobDropped(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped == nil {
		c.dropped = make(map[string]int)
	}
	c.dropped[reason]++
}

func (c *countingRecorder) snapshot() (int, int, map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := make(map[string]int, len(c.dropped))
	for k, v := range c.dropped {
		dropped[k] = v
	}
	return c.dispatched, c.requeued, dropped
}

func newTestDispatcher(t *testing.T, runner Runner, cfg Config) (*Dispatcher, *countingRecorder) {
	t.Helper()
	rec := &countingRecorder{}
	d := New(runner, engine.NewWorkerPool(4, nil), cfg, rec, nil)
	d.Start(context.Background())
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d, rec
}

func waitRan(t *testing.T, r *fakeRunner, n int) []string {
	t.Helper()
	var rooms []string
	for range n {
		select {
		case id := <-r.ran:
			rooms = append(rooms, id)
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of %d runs happened", len(rooms), n)
		}
	}
	return rooms
}

func conflict(reason string) error {
	return schema.NewConcurrencyError("r", reason)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultQueueSize, cfg.QueueSize)
	assert.Equal(t, float64(DefaultRate), cfg.Rate)
	assert.Equal(t, DefaultBurst, cfg.Burst)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultRequeueDelay, cfg.RequeueDelay)
}

func TestDispatcher_RunsQueuedRooms(t *testing.T) {
	runner := newFakeRunner()
	d, rec := newTestDispatcher(t, runner, Config{Rate: 1000, Burst: 10})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Enqueue(context.Background(), id))
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, waitRan(t, runner, 3))

	dispatched, _, _ := rec.snapshot()
	assert.Equal(t, 3, dispatched)
}

func TestDispatcher_RateLimited(t *testing.T) {
	runner := newFakeRunner()
	d, _ := newTestDispatcher(t, runner, Config{Rate: 20, Burst: 1})

	begin := time.Now()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, d.Enqueue(context.Background(), id))
	}
	waitRan(t, runner, 5)
	// One token up front, then four at 50ms intervals.
	assert.GreaterOrEqual(t, time.Since(begin), 190*time.Millisecond)
}

func TestDispatcher_RequeuesConflictsUntilMaxAttempts(t *testing.T) {
	runner := newFakeRunner()
	runner.script("busy", conflict(schema.ReasonLockHeld), conflict(schema.ReasonLockHeld), conflict(schema.ReasonLockHeld))
	d, rec := newTestDispatcher(t, runner, Config{Rate: 1000, Burst: 10, MaxAttempts: 3, RequeueDelay: 5 * time.Millisecond})

	require.NoError(t, d.Enqueue(context.Background(), "busy"))
	waitRan(t, runner, 3)

	require.Eventually(t, func() bool {
		_, _, dropped := rec.snapshot()
		return dropped[DropMaxAttempts] == 1
	}, time.Second, 5*time.Millisecond)
	_, requeued, _ := rec.snapshot()
	assert.Equal(t, 2, requeued)
	assert.Equal(t, 3, runner.callCount("busy"))
}

func TestDispatcher_RequeuedJobCanSucceed(t *testing.T) {
	runner := newFakeRunner()
	runner.script("flaky", conflict(schema.ReasonStatusConflict))
	d, rec := newTestDispatcher(t, runner, Config{Rate: 1000, Burst: 10, RequeueDelay: 5 * time.Millisecond})

	require.NoError(t, d.Enqueue(context.Background(), "flaky"))
	waitRan(t, runner, 2)

	_, requeued, dropped := rec.snapshot()
	assert.Equal(t, 1, requeued)
	assert.Empty(t, dropped)
}

func TestDispatcher_LostLockIsNotRequeued(t *testing.T) {
	runner := newFakeRunner()
	runner.script("stolen", conflict(schema.ReasonLockLost))
	d, rec := newTestDispatcher(t, runner, Config{Rate: 1000, Burst: 10, RequeueDelay: 5 * time.Millisecond})

	require.NoError(t, d.Enqueue(context.Background(), "stolen"))
	waitRan(t, runner, 1)

	require.Eventually(t, func() bool {
		_, _, dropped := rec.snapshot()
		return dropped[DropLockLost] == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, runner.callCount("stolen"))
}

func TestDispatcher_FailuresAreNotRequeued(t *testing.T) {
	runner := newFakeRunner()
	runner.script("broken", errors.New("node failed"))
	d, rec := newTestDispatcher(t, runner, Config{Rate: 1000, Burst: 10, RequeueDelay: 5 * time.Millisecond})

	require.NoError(t, d.Enqueue(context.Background(), "broken"))
	waitRan(t, runner, 1)
	time.Sleep(30 * time.Millisecond)

	_, requeued, _ := rec.snapshot()
	assert.Zero(t, requeued)
	assert.Equal(t, 1, runner.callCount("broken"))
}

func TestDispatcher_StopWaitsForRunningRooms(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	d := New(runner, engine.NewWorkerPool(2, nil), Config{Rate: 1000, Burst: 10}, nil, nil)
	d.Start(context.Background())

	require.NoError(t, d.Enqueue(context.Background(), "slow"))
	require.Eventually(t, func() bool { return runner.callCount("slow") == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a room was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.block)
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.ErrorIs(t, d.Enqueue(context.Background(), "late"), ErrStopped)
}

func TestDispatcher_StopDeadlineCancelsRuns(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	d := New(runner, engine.NewWorkerPool(2, nil), Config{Rate: 1000, Burst: 10}, nil, nil)
	d.Start(context.Background())

	require.NoError(t, d.Enqueue(context.Background(), "stuck"))
	require.Eventually(t, func() bool { return runner.callCount("stuck") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := d.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"stuck"}, waitRan(t, runner, 1))
}

func TestDispatcher_StopDropsQueuedJobs(t *testing.T) {
	runner := newFakeRunner()
	rec := &countingRecorder{}
	d := New(runner, engine.NewWorkerPool(1, nil), Config{}, rec, nil)

	// Never started: the jobs stay queued.
	require.NoError(t, d.Enqueue(context.Background(), "a"))
	require.NoError(t, d.Enqueue(context.Background(), "b"))
	assert.Equal(t, 2, d.Pending())

	require.NoError(t, d.Stop(context.Background()))
	_, _, dropped := rec.snapshot()
	assert.Equal(t, 2, dropped[DropShutdown])
	assert.Zero(t, runner.callCount("a"))
}
