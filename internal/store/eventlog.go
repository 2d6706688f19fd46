package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/openrooms/pkg/schema"
)

// Append stores an entry with a monotonically increasing per-room sequence.
func (s *LibSQLStore) Append(ctx context.Context, entry *LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = schema.LevelInfo
	}

	var data, errJSON any
	if len(entry.Data) > 0 {
		b, err := json.Marshal(entry.Data)
		if err != nil {
			return fmt.Errorf("marshal log data: %w", err)
		}
		data = string(b)
	}
	if entry.Error != nil {
		b, err := json.Marshal(entry.Error)
		if err != nil {
			return fmt.Errorf("marshal log error: %w", err)
		}
		errJSON = string(b)
	}
	var duration any
	if entry.DurationMs != nil {
		duration = *entry.DurationMs
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append log: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// In WAL mode BeginTx may start a deferred transaction; a write forces the
	// write lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_logs WHERE room_id = ?`, entry.RoomID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next log sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_logs (id, room_id, workflow_id, node_id, agent_id, event_type, level, message, data, error, timestamp, duration_ms, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RoomID, entry.WorkflowID, nullStr(entry.NodeID), nullStr(entry.AgentID),
		string(entry.EventType), string(entry.Level), entry.Message, data, errJSON,
		entry.Timestamp, duration, seq,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log entry: %w", err)
	}
	entry.Sequence = seq
	return nil
}

// ListLogs returns a room's entries ordered by sequence.
func (s *LibSQLStore) ListLogs(ctx context.Context, roomID string, filter LogFilter) ([]*LogEntry, error) {
	query := `SELECT id, room_id, workflow_id, node_id, agent_id, event_type, level, message, data, error, timestamp, duration_ms, sequence
		FROM execution_logs WHERE room_id = ? AND sequence > ?`
	args := []any{roomID, filter.AfterSequence}

	if filter.Level != "" {
		query += " AND level = ?"
		args = append(args, string(filter.Level))
	}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, string(filter.EventType))
	}
	query += " ORDER BY sequence ASC"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var (
			nodeID, agentID, data, errJSON sql.NullString
			eventType, level               string
			duration                       sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.RoomID, &e.WorkflowID, &nodeID, &agentID, &eventType, &level,
			&e.Message, &data, &errJSON, &e.Timestamp, &duration, &e.Sequence); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.NodeID = nodeID.String
		e.AgentID = agentID.String
		e.EventType = schema.EventType(eventType)
		e.Level = schema.LogLevel(level)
		if data.Valid {
			e.Data = unmarshalMap(data.String)
		}
		if errJSON.Valid && errJSON.String != "" {
			e.Error = &schema.ErrorDetails{}
			if err := json.Unmarshal([]byte(errJSON.String), e.Error); err != nil {
				return nil, fmt.Errorf("unmarshal log error: %w", err)
			}
		}
		if duration.Valid {
			d := duration.Int64
			e.DurationMs = &d
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
