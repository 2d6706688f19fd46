package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/openrooms/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/openrooms.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Ping checks that the database answers queries.
func (s *LibSQLStore) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

// --- Rooms ---

const roomColumns = `id, name, description, status, workflow_id, current_node_id, config, metadata, created_at, updated_at, started_at, completed_at`

func (s *LibSQLStore) CreateRoom(ctx context.Context, room *schema.Room) error {
	if room.Status == "" {
		room.Status = schema.RoomStatusIdle
	}
	room.CreatedAt = timeOrNow(room.CreatedAt)
	room.UpdatedAt = timeOrNow(room.UpdatedAt)

	cfg, err := json.Marshal(room.Config)
	if err != nil {
		return fmt.Errorf("marshal room config: %w", err)
	}
	metadata, err := marshalMapOrDefault(room.Metadata)
	if err != nil {
		return fmt.Errorf("marshal room metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rooms (`+roomColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.Name, nullStr(room.Description), string(room.Status), room.WorkflowID,
		nullStr(room.CurrentNodeID), string(cfg), string(metadata),
		room.CreatedAt, room.UpdatedAt, nullTime(room.StartedAt), nullTime(room.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetRoom(ctx context.Context, id string) (*schema.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewRoomNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

func (s *LibSQLStore) ListRooms(ctx context.Context, filter RoomFilter) ([]*schema.Room, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT ` + roomColumns + ` FROM rooms`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*schema.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *LibSQLStore) UpdateRoom(ctx context.Context, id string, update RoomUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, nullStr(*update.CurrentNodeID))
	}
	if update.Config != nil {
		cfg, err := json.Marshal(update.Config)
		if err != nil {
			return fmt.Errorf("marshal room config: %w", err)
		}
		sets = append(sets, "config = ?")
		args = append(args, string(cfg))
	}
	if update.Metadata != nil {
		metadata, err := marshalMapOrDefault(update.Metadata)
		if err != nil {
			return fmt.Errorf("marshal room metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, string(metadata))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	return checkRoomAffected(res, id)
}

// UpdateRoomStatus also stamps started_at on the first RUNNING and completed_at
// on COMPLETED, FAILED and CANCELLED.
func (s *LibSQLStore) UpdateRoomStatus(ctx context.Context, id string, to schema.RoomStatus, from ...schema.RoomStatus) error {
	now := time.Now().UTC()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), now}

	switch to {
	case schema.RoomStatusRunning:
		sets = append(sets, "started_at = COALESCE(started_at, ?)", "completed_at = NULL")
		args = append(args, now)
	case schema.RoomStatusCompleted, schema.RoomStatusFailed, schema.RoomStatusCancelled:
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}

	query := `UPDATE rooms SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if len(from) > 0 {
		query += " AND status IN (" + placeholders(len(from)) + ")"
		for _, st := range from {
			args = append(args, string(st))
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update room status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetRoom(ctx, id)
	if err != nil {
		return err
	}
	return schema.NewInvalidStateTransitionError(string(current.Status), string(to))
}

func (s *LibSQLStore) DeleteRoom(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete room: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM execution_logs WHERE room_id = ?`, id); err != nil {
		return fmt.Errorf("delete room logs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if err := checkRoomAffected(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(sc rowScanner) (*schema.Room, error) {
	r := &schema.Room{}
	var (
		desc, currentNode      sql.NullString
		status                 string
		cfgJSON, metaJSON      string
		startedAt, completedAt sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.Name, &desc, &status, &r.WorkflowID, &currentNode,
		&cfgJSON, &metaJSON, &r.CreatedAt, &r.UpdatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	r.Description = desc.String
	r.Status = schema.RoomStatus(status)
	r.CurrentNodeID = currentNode.String
	if cfgJSON != "" {
		if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
			return nil, fmt.Errorf("unmarshal room config: %w", err)
		}
	}
	r.Metadata = unmarshalMap(metaJSON)
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusDraft
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = time.Now().UTC()

	metadata, err := marshalMapOrDefault(wf.Metadata)
	if err != nil {
		return fmt.Errorf("marshal workflow metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save workflow: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, version, status, initial_node_id, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description, version=excluded.version,
		   status=excluded.status, initial_node_id=excluded.initial_node_id,
		   metadata=excluded.metadata, updated_at=excluded.updated_at`,
		wf.ID, wf.Name, nullStr(wf.Description), wf.Version, string(wf.Status),
		wf.InitialNodeID, string(metadata), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_nodes WHERE workflow_id = ?`, wf.ID); err != nil {
		return fmt.Errorf("clear workflow nodes: %w", err)
	}
	for i, n := range wf.Nodes {
		n.WorkflowID = wf.ID
		if err := insertNode(ctx, tx, i, n); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertNode(ctx context.Context, tx *sql.Tx, position int, n *schema.WorkflowNode) error {
	cfg, err := marshalMapOrDefault(n.Config)
	if err != nil {
		return fmt.Errorf("marshal node %s config: %w", n.ID, err)
	}
	transitions := n.Transitions
	if transitions == nil {
		transitions = []schema.NodeTransition{}
	}
	trJSON, err := json.Marshal(transitions)
	if err != nil {
		return fmt.Errorf("marshal node %s transitions: %w", n.ID, err)
	}
	var retry any
	if n.RetryPolicy != nil {
		b, err := json.Marshal(n.RetryPolicy)
		if err != nil {
			return fmt.Errorf("marshal node %s retry policy: %w", n.ID, err)
		}
		retry = string(b)
	}
	metadata, err := marshalMapOrDefault(n.Metadata)
	if err != nil {
		return fmt.Errorf("marshal node %s metadata: %w", n.ID, err)
	}
	var timeout any
	if n.TimeoutMs > 0 {
		timeout = n.TimeoutMs
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_nodes (workflow_id, id, position, type, name, description, config, transitions, retry_policy, timeout_ms, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.WorkflowID, n.ID, position, string(n.Type), n.Name, nullStr(n.Description),
		string(cfg), string(trJSON), retry, timeout, string(metadata),
	)
	if err != nil {
		return fmt.Errorf("insert node %s: %w", n.ID, err)
	}
	return nil
}

const workflowColumns = `id, name, description, version, status, initial_node_id, metadata, created_at, updated_at`

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewWorkflowNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	nodes, err := s.listNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Nodes = nodes
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	if filter.Status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*filter.Status))
	}
	query += " ORDER BY created_at DESC, id"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) GetNode(ctx context.Context, workflowID, nodeID string) (*schema.WorkflowNode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM workflow_nodes WHERE workflow_id = ? AND id = ?`, workflowID, nodeID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewNodeNotFoundError(nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete workflow: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_nodes WHERE workflow_id = ?`, id); err != nil {
		return fmt.Errorf("delete workflow nodes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewWorkflowNotFoundError(id)
	}
	return tx.Commit()
}

const nodeColumns = `workflow_id, id, type, name, description, config, transitions, retry_policy, timeout_ms, metadata`

func (s *LibSQLStore) listNodes(ctx context.Context, workflowID string) ([]*schema.WorkflowNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM workflow_nodes WHERE workflow_id = ? ORDER BY position`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*schema.WorkflowNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func scanWorkflow(sc rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var desc sql.NullString
	var status, metaJSON string
	if err := sc.Scan(&wf.ID, &wf.Name, &desc, &wf.Version, &status, &wf.InitialNodeID,
		&metaJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.Status = schema.WorkflowStatus(status)
	wf.Metadata = unmarshalMap(metaJSON)
	return wf, nil
}

func scanNode(sc rowScanner) (*schema.WorkflowNode, error) {
	n := &schema.WorkflowNode{}
	var (
		nodeType                  string
		desc, retryJSON           sql.NullString
		cfgJSON, trJSON, metaJSON string
		timeout                   sql.NullInt64
	)
	if err := sc.Scan(&n.WorkflowID, &n.ID, &nodeType, &n.Name, &desc, &cfgJSON, &trJSON,
		&retryJSON, &timeout, &metaJSON); err != nil {
		return nil, err
	}
	n.Type = schema.NodeType(nodeType)
	n.Description = desc.String
	n.Config = unmarshalMap(cfgJSON)
	if trJSON != "" {
		if err := json.Unmarshal([]byte(trJSON), &n.Transitions); err != nil {
			return nil, fmt.Errorf("unmarshal transitions of node %s: %w", n.ID, err)
		}
	}
	if retryJSON.Valid && retryJSON.String != "" {
		n.RetryPolicy = &schema.RetryPolicy{}
		if err := json.Unmarshal([]byte(retryJSON.String), n.RetryPolicy); err != nil {
			return nil, fmt.Errorf("unmarshal retry policy of node %s: %w", n.ID, err)
		}
	}
	n.TimeoutMs = timeout.Int64
	n.Metadata = unmarshalMap(metaJSON)
	return n, nil
}

// --- Helpers ---

func checkRoomAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewRoomNotFoundError(id)
	}
	return nil
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func limitOffset(limit, offset int) string {
	var out string
	if limit > 0 {
		out += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			out += fmt.Sprintf(" OFFSET %d", offset)
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

// unmarshalMap decodes a JSON object column, returning nil for empty objects.
func unmarshalMap(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

var _ Store = (*LibSQLStore)(nil)
