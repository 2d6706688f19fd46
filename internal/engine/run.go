package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"time"

	"github.com/rendis/openrooms/internal/executors"
	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/pkg/schema"
)

// RunResult summarises one ExecuteRoom call.
type RunResult struct {
	RoomID string `json:"room_id"`
	// Status is the observed outcome: COMPLETED, FAILED, PAUSED or CANCELLED.
	Status    schema.RoomStatus `json:"status"`
	NodeID    string            `json:"node_id,omitempty"`
	Variables map[string]any    `json:"variables,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

type loopOutcome int

const (
	outcomeCompleted loopOutcome = iota
	outcomePaused
	outcomeCancelled
)

// run is the mutable context of one ExecuteRoom call.
type run struct {
	room   *schema.Room
	state  *schema.RoomState
	events *runEvents
	keeper *lockKeeper
	start  time.Time
	bound  time.Duration
}

// ExecuteRoom runs a room until it reaches END, fails, times out, or observes
// a pause or cancel. Exactly one caller can run a room at a time; the others
// get a CONCURRENCY_ERROR.
func (e *Engine) ExecuteRoom(ctx context.Context, roomID string) (result *RunResult, err error) {
	ctx = logging.WithRoomID(ctx, roomID)

	lock, err := e.states.AcquireLock(ctx, roomID, e.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		e.metrics.LockConflict(schema.ReasonLockHeld)
		return nil, schema.NewConcurrencyError(roomID, schema.ReasonLockHeld)
	}
	keeper := newLockKeeper(e.states, lock, e.cfg.LockTimeout, e.cfg.LockRenewInterval, e.logger)
	keeper.start(ctx)
	defer keeper.stopAndRelease(ctx)

	r, err := e.begin(ctx, roomID, keeper)
	if err != nil {
		return nil, err
	}
	e.metrics.RunStarted()

	defer func() {
		if p := recover(); p != nil {
			e.logger.ErrorContext(ctx, "room run panicked",
				logging.RoomID(roomID),
				logging.Error(fmt.Errorf("%v", p)),
			)
			perr := schema.NewErrorf(schema.ErrCodeNodeExecution, "room run panicked: %v", p).
				WithDetails(map[string]any{"stack": string(debug.Stack())})
			result, err = e.finalize(ctx, r, 0, perr)
		}
	}()

	outcome, runErr := e.loop(ctx, r)
	return e.finalize(ctx, r, outcome, runErr)
}

// begin validates the room, hydrates or seeds its state and marks it RUNNING.
func (e *Engine) begin(ctx context.Context, roomID string, keeper *lockKeeper) (*run, error) {
	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflowID(ctx, room.WorkflowID)

	if room.Status == schema.RoomStatusRunning {
		e.logger.WarnContext(ctx, "room already marked running", logging.RoomID(roomID))
		e.metrics.LockConflict(schema.ReasonStatusConflict)
		return nil, schema.NewConcurrencyError(roomID, schema.ReasonStatusConflict)
	}
	if !CanTransition(room.Status, schema.RoomStatusRunning) {
		return nil, schema.NewInvalidStateTransitionError(string(room.Status), string(schema.RoomStatusRunning)).
			WithDetails(map[string]any{"room_id": roomID})
	}

	st, err := e.states.GetState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		wf, err := e.workflows.GetWorkflow(ctx, room.WorkflowID)
		if err != nil {
			return nil, err
		}
		st = schema.NewRoomState(roomID, wf.InitialNodeID, e.now().UTC())
		if err := e.states.SetState(ctx, roomID, st); err != nil {
			return nil, err
		}
	} else {
		running := schema.RoomStatusRunning
		update := schema.StateUpdate{Status: &running}
		if room.Status == schema.RoomStatusFailed && st.Attempts.Get(st.CurrentNodeID) > 0 {
			// A re-run gives the failed node a fresh retry budget.
			update.Attempts = st.Attempts.Without(st.CurrentNodeID)
		}
		if st, err = e.states.UpdateState(ctx, roomID, update); err != nil {
			return nil, err
		}
	}

	if err := e.fsm.Transition(ctx, StatusChange{
		RoomID: roomID, WorkflowID: room.WorkflowID,
		From: room.Status, To: schema.RoomStatusRunning,
	}); err != nil {
		return nil, err
	}
	room.Status = schema.RoomStatusRunning

	bound := e.cfg.MaxExecutionTime
	if ms := room.Config.MaxExecutionTimeMs; ms > 0 && time.Duration(ms)*time.Millisecond < bound {
		bound = time.Duration(ms) * time.Millisecond
	}

	return &run{
		room:  room,
		state: st,
		events: &runEvents{
			log:        e.events,
			roomID:     roomID,
			workflowID: room.WorkflowID,
			enabled:    room.Config.LoggingEnabled(),
		},
		keeper: keeper,
		start:  e.now(),
		bound:  bound,
	}, nil
}

func (e *Engine) loop(ctx context.Context, r *run) (loopOutcome, error) {
	roomID := r.room.ID
	runCtx, cancel := context.WithTimeout(ctx, r.bound)
	defer cancel()

	for {
		if r.keeper.isLost() {
			e.metrics.LockConflict(schema.ReasonLockLost)
			return 0, schema.NewConcurrencyError(roomID, schema.ReasonLockLost)
		}
		if e.now().Sub(r.start) > r.bound {
			return 0, schema.NewExecutionTimeoutError(roomID, r.bound.Milliseconds())
		}

		outcome, stop, err := e.observeStatus(runCtx, r)
		if err != nil {
			return 0, e.timeoutOr(runCtx, r, err)
		}
		if stop {
			return outcome, nil
		}

		node, err := e.workflows.GetNode(runCtx, r.room.WorkflowID, r.state.CurrentNodeID)
		if err != nil {
			return 0, e.timeoutOr(runCtx, r, err)
		}
		nodeCtx := logging.WithNodeID(runCtx, node.ID)

		if node.Type == schema.NodeTypeEnd {
			r.events.emit(nodeCtx, &store.LogEntry{
				NodeID:    node.ID,
				EventType: schema.EventNodeEntered,
				Message:   "entering node " + node.Name,
				Data:      map[string]any{"node_type": string(node.Type)},
			})
			return outcomeCompleted, nil
		}

		exec, err := e.executors.Get(node.Type)
		if err != nil {
			return 0, err
		}

		res, err := e.executeWithRetry(nodeCtx, r, node, exec)
		if err != nil {
			return 0, e.timeoutOr(runCtx, r, err)
		}

		update := schema.StateUpdate{Variables: res.Variables}
		if r.state.Attempts.Get(node.ID) > 0 {
			// Retries are budgeted per visit; a success clears the count.
			update.Attempts = r.state.Attempts.Without(node.ID)
		}
		if len(update.Variables) > 0 || update.Attempts != nil {
			st, err := e.states.UpdateState(nodeCtx, roomID, update)
			if err != nil {
				return 0, e.timeoutOr(runCtx, r, err)
			}
			r.state = st
		}
		if len(res.Variables) > 0 {
			r.events.emit(nodeCtx, &store.LogEntry{
				NodeID:    node.ID,
				EventType: schema.EventStateUpdated,
				Message:   "variables updated",
				Data:      map[string]any{"keys": sortedKeys(res.Variables)},
			})
		}

		next, ok := e.selectTransition(nodeCtx, node, r.state.Variables)
		if !ok {
			return 0, schema.NewErrorf(schema.ErrCodeNoTransition, "no transition matched from node %s", node.ID).
				WithNode(node.ID)
		}

		if err := e.Transition(nodeCtx, roomID, node.ID, next); err != nil {
			return 0, e.timeoutOr(runCtx, r, err)
		}
		st, err := e.states.GetState(runCtx, roomID)
		if err != nil {
			return 0, e.timeoutOr(runCtx, r, err)
		}
		if st == nil {
			return 0, schema.NewStateNotFoundError(roomID)
		}
		r.state = st
	}
}

// observeStatus applies cooperative pause and cancel at a node boundary.
func (e *Engine) observeStatus(ctx context.Context, r *run) (loopOutcome, bool, error) {
	room, err := e.rooms.GetRoom(ctx, r.room.ID)
	if err != nil {
		return 0, false, err
	}
	switch room.Status {
	case schema.RoomStatusRunning:
		return 0, false, nil
	case schema.RoomStatusPaused:
		return outcomePaused, true, nil
	case schema.RoomStatusCancelled:
		return outcomeCancelled, true, nil
	case schema.RoomStatusIdle:
		// Resumed before this loop observed the pause.
		if err := e.fsm.Transition(ctx, StatusChange{
			RoomID: room.ID, WorkflowID: room.WorkflowID,
			From: schema.RoomStatusIdle, To: schema.RoomStatusRunning,
			Silent: true,
		}); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	default:
		e.metrics.LockConflict(schema.ReasonStatusConflict)
		return 0, false, schema.NewConcurrencyError(room.ID, schema.ReasonStatusConflict).
			WithDetails(map[string]any{"status": string(room.Status)})
	}
}

// executeWithRetry runs node, re-running it while its retry policy allows.
func (e *Engine) executeWithRetry(ctx context.Context, r *run, node *schema.WorkflowNode, exec executors.NodeExecutor) (*executors.Result, error) {
	for {
		res, err := e.executeNode(ctx, r, node, exec)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		attempts := r.state.Attempts.Get(node.ID)
		if !shouldRetry(node.RetryPolicy, attempts) {
			return nil, err
		}

		st, uerr := e.states.UpdateState(ctx, r.room.ID, schema.StateUpdate{
			Attempts: r.state.Attempts.With(node.ID, attempts+1),
		})
		if uerr != nil {
			return nil, uerr
		}
		r.state = st

		delay := ComputeBackoff(node.RetryPolicy, attempts)
		e.metrics.NodeRetried(node.Type)
		r.events.emit(ctx, &store.LogEntry{
			NodeID:    node.ID,
			EventType: schema.EventNodeRetrying,
			Level:     schema.LevelWarn,
			Message:   fmt.Sprintf("retrying node %s (%d/%d)", node.ID, attempts+1, node.RetryPolicy.MaxAttempts),
			Data: map[string]any{
				"attempt":      attempts + 1,
				"max_attempts": node.RetryPolicy.MaxAttempts,
				"delay_ms":     delay.Milliseconds(),
			},
			Error: schema.ErrorDetailsFrom(err),
		})
		if werr := waitForBackoff(ctx, delay); werr != nil {
			return nil, err
		}
	}
}

// executeNode invokes exec once under the node timeout. Executor panics
// become node failures.
func (e *Engine) executeNode(ctx context.Context, r *run, node *schema.WorkflowNode, exec executors.NodeExecutor) (res *executors.Result, err error) {
	r.events.emit(ctx, &store.LogEntry{
		NodeID:    node.ID,
		EventType: schema.EventNodeEntered,
		Message:   "entering node " + node.Name,
		Data:      map[string]any{"node_type": string(node.Type)},
	})

	nodeCtx := ctx
	if t := node.Timeout(); t > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	ec := executors.ExecutionContext{
		RoomID:     r.room.ID,
		WorkflowID: r.room.WorkflowID,
		Node:       node,
		Variables:  maps.Clone(r.state.Variables),
		Input:      roomInput(r.room),
		Events:     r.events,
	}
	if ec.Variables == nil {
		ec.Variables = map[string]any{}
	}

	start := e.now()
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = schema.NewErrorf(schema.ErrCodeNodeExecution, "executor panicked: %v", p).WithNode(node.ID)
			}
		}()
		res, err = exec.Execute(nodeCtx, ec)
	}()
	elapsed := e.now().Sub(start)
	ms := elapsed.Milliseconds()

	if err == nil && res == nil {
		res = &executors.Result{}
	}
	if err != nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = schema.NewErrorf(schema.ErrCodeNodeExecution, "node %s timed out after %dms", node.ID, node.TimeoutMs).
			WithNode(node.ID).
			WithCause(err).
			WithDetails(map[string]any{"timeout_ms": node.TimeoutMs, "timed_out": true})
	}

	e.metrics.NodeExecuted(node.Type, err == nil, elapsed)
	if err != nil {
		e.logger.WarnContext(ctx, "node failed",
			logging.NodeID(node.ID),
			logging.NodeType(node.Type),
			logging.Duration(elapsed),
			logging.Error(err),
		)
		r.events.emit(ctx, &store.LogEntry{
			NodeID:     node.ID,
			EventType:  schema.EventNodeFailed,
			Level:      schema.LevelError,
			Message:    "node " + node.ID + " failed",
			Error:      schema.ErrorDetailsFrom(err),
			DurationMs: &ms,
		})
		return nil, err
	}

	r.events.emit(ctx, &store.LogEntry{
		NodeID:     node.ID,
		EventType:  schema.EventNodeExecuted,
		Message:    "node " + node.ID + " executed",
		Data:       map[string]any{"output": res.Output},
		DurationMs: &ms,
	})
	return res, nil
}

// selectTransition returns the target of the first transition whose guard
// holds after a successful execution.
func (e *Engine) selectTransition(ctx context.Context, node *schema.WorkflowNode, vars map[string]any) (string, bool) {
	for _, t := range node.Transitions {
		var ok bool
		switch t.Condition {
		case schema.ConditionAlways, schema.ConditionSuccess:
			ok = true
		case schema.ConditionConditionMet:
			met, err := e.guards.EvaluateCondition(ctx, t.ConditionExpression, vars)
			if err != nil {
				e.logger.WarnContext(ctx, "transition guard failed; treating as false",
					logging.NodeID(node.ID),
					logging.Error(err),
				)
			}
			ok = err == nil && met
		}
		if ok {
			return t.TargetNodeID, true
		}
	}
	return "", false
}

// timeoutOr reports a run-level timeout when the run deadline caused err.
func (e *Engine) timeoutOr(runCtx context.Context, r *run, err error) error {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return schema.NewExecutionTimeoutError(r.room.ID, r.bound.Milliseconds()).WithCause(err)
	}
	return err
}

// finalize records the outcome. Writes use a context detached from the
// caller's cancellation so a shutdown cannot strand a room in RUNNING.
func (e *Engine) finalize(ctx context.Context, r *run, outcome loopOutcome, runErr error) (*RunResult, error) {
	ctx = context.WithoutCancel(ctx)
	roomID := r.room.ID

	if reason, _ := concurrencyReason(runErr); reason == schema.ReasonLockLost {
		// Another runner owns the room now; status and state are its business.
		return nil, runErr
	}

	current, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	if current.Status == schema.RoomStatusCancelled {
		// A cancel that raced the run wins over whatever the loop saw.
		outcome, runErr = outcomeCancelled, nil
	}

	result := &RunResult{
		RoomID:    roomID,
		NodeID:    r.state.CurrentNodeID,
		Variables: r.state.Variables,
		Duration:  e.now().Sub(r.start),
	}

	switch {
	case runErr != nil:
		result.Status = schema.RoomStatusFailed
		e.fail(ctx, r, current.Status, runErr)

	case outcome == outcomeCompleted:
		result.Status = schema.RoomStatusCompleted
		if err := e.fsm.Transition(ctx, StatusChange{
			RoomID: roomID, WorkflowID: r.room.WorkflowID,
			From: current.Status, To: schema.RoomStatusCompleted,
		}); err != nil {
			e.metrics.RunFinished(schema.RoomStatusFailed, result.Duration)
			return nil, err
		}
		if err := e.states.DeleteState(ctx, roomID); err != nil {
			e.logger.WarnContext(ctx, "delete completed state", logging.RoomID(roomID), logging.Error(err))
		}

	case outcome == outcomePaused:
		result.Status = schema.RoomStatusPaused
		paused := schema.RoomStatusPaused
		if _, err := e.states.UpdateState(ctx, roomID, schema.StateUpdate{Status: &paused}); err != nil {
			e.logger.WarnContext(ctx, "mark state paused", logging.RoomID(roomID), logging.Error(err))
		}

	case outcome == outcomeCancelled:
		result.Status = schema.RoomStatusCancelled
		if err := e.states.DeleteState(ctx, roomID); err != nil {
			e.logger.WarnContext(ctx, "delete cancelled state", logging.RoomID(roomID), logging.Error(err))
		}
	}

	e.metrics.RunFinished(result.Status, result.Duration)
	e.logger.InfoContext(ctx, "room run finished",
		logging.RoomID(roomID),
		logging.Status(result.Status),
		logging.Duration(result.Duration),
	)
	return result, runErr
}

// fail marks the room FAILED and keeps its state so it can be run again.
func (e *Engine) fail(ctx context.Context, r *run, from schema.RoomStatus, runErr error) {
	roomID := r.room.ID
	e.logger.ErrorContext(ctx, "room run failed", logging.RoomID(roomID), logging.Error(runErr))

	if err := e.fsm.Transition(ctx, StatusChange{
		RoomID: roomID, WorkflowID: r.room.WorkflowID,
		From: from, To: schema.RoomStatusFailed,
		Cause: runErr,
	}); err != nil {
		e.logger.ErrorContext(ctx, "mark room failed", logging.RoomID(roomID), logging.Error(err))
	}
	failed := schema.RoomStatusFailed
	if _, err := e.states.UpdateState(ctx, roomID, schema.StateUpdate{Status: &failed}); err != nil && !schema.HasCode(err, schema.ErrCodeStateNotFound) {
		e.logger.WarnContext(ctx, "mark state failed", logging.RoomID(roomID), logging.Error(err))
	}
}

func concurrencyReason(err error) (string, bool) {
	var engErr *schema.EngineError
	if !errors.As(err, &engErr) || engErr.Code != schema.ErrCodeConcurrency {
		return "", false
	}
	reason, ok := engErr.Details["reason"].(string)
	return reason, ok
}

// roomInput returns the creation input stored in the room metadata.
func roomInput(room *schema.Room) map[string]any {
	if in, ok := room.Metadata["input"].(map[string]any); ok {
		return in
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
