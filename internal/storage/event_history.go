package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// EventStore persists health and scaling events. Records are
// append-only and queryable by time range.
type EventStore interface {
	// AppendHealthEvent stores one health event
	AppendHealthEvent(ctx context.Context, event model.HealthEvent) error

	// AppendScalingEvent stores one scaling event
	AppendScalingEvent(ctx context.Context, event model.ScalingEvent) error

	// HealthEventsInRange returns a node's events within [from, to],
	// oldest first. An empty nodeID matches all nodes.
	HealthEventsInRange(ctx context.Context, nodeID string, from, to time.Time) ([]model.HealthEvent, error)

	// ScalingEventsInRange returns scaling events within [from, to],
	// oldest first
	ScalingEventsInRange(ctx context.Context, from, to time.Time) ([]model.ScalingEvent, error)

	// DeleteBefore removes events older than the given time
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the underlying store
	Close() error
}

// SQLiteEventStore implements EventStore using SQLite
type SQLiteEventStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteEventStore opens (or creates) the event database
func NewSQLiteEventStore(logger *zap.Logger, dbPath string) (*SQLiteEventStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteEventStore{
		logger: logger.Named("event-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the event tables if they don't exist
func (s *SQLiteEventStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS health_events (
			event_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			health_score REAL NOT NULL,
			issues TEXT,
			actions TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_health_events_node_id ON health_events(node_id);
		CREATE INDEX IF NOT EXISTS idx_health_events_timestamp ON health_events(timestamp);

		CREATE TABLE IF NOT EXISTS scaling_events (
			event_id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			trigger_type TEXT NOT NULL,
			trigger_data TEXT NOT NULL,
			result TEXT NOT NULL,
			impact TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_scaling_events_timestamp ON scaling_events(timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// AppendHealthEvent implements EventStore.AppendHealthEvent
func (s *SQLiteEventStore) AppendHealthEvent(ctx context.Context, event model.HealthEvent) error {
	issues, err := json.Marshal(event.Issues)
	if err != nil {
		return fmt.Errorf("failed to marshal issues: %w", err)
	}
	actions, err := json.Marshal(event.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO health_events (
			event_id, node_id, timestamp, health_score, issues, actions
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID,
		event.NodeID,
		event.Timestamp,
		event.HealthScore,
		string(issues),
		string(actions),
	)
	if err != nil {
		return fmt.Errorf("failed to store health event: %w", err)
	}
	return nil
}

// AppendScalingEvent implements EventStore.AppendScalingEvent
func (s *SQLiteEventStore) AppendScalingEvent(ctx context.Context, event model.ScalingEvent) error {
	trigger, err := json.Marshal(event.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	result, err := json.Marshal(event.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scaling_events (
			event_id, timestamp, trigger_type, trigger_data, result, impact
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID,
		event.Timestamp,
		string(event.Trigger.Type),
		string(trigger),
		string(result),
		sql.NullString{String: event.Impact, Valid: event.Impact != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to store scaling event: %w", err)
	}
	return nil
}

// HealthEventsInRange implements EventStore.HealthEventsInRange
func (s *SQLiteEventStore) HealthEventsInRange(ctx context.Context, nodeID string, from, to time.Time) ([]model.HealthEvent, error) {
	query := `
		SELECT event_id, node_id, timestamp, health_score, issues, actions
		FROM health_events
		WHERE timestamp >= ? AND timestamp <= ?`
	args := []interface{}{from, to}
	if nodeID != "" {
		query += " AND node_id = ?"
		args = append(args, nodeID)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query health events: %w", err)
	}
	defer rows.Close()

	var events []model.HealthEvent
	for rows.Next() {
		var event model.HealthEvent
		var issues, actions sql.NullString

		if err := rows.Scan(
			&event.EventID,
			&event.NodeID,
			&event.Timestamp,
			&event.HealthScore,
			&issues,
			&actions,
		); err != nil {
			return nil, fmt.Errorf("failed to scan health event: %w", err)
		}

		if issues.Valid && issues.String != "" {
			if err := json.Unmarshal([]byte(issues.String), &event.Issues); err != nil {
				return nil, fmt.Errorf("failed to unmarshal issues: %w", err)
			}
		}
		if actions.Valid && actions.String != "" {
			if err := json.Unmarshal([]byte(actions.String), &event.Actions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ScalingEventsInRange implements EventStore.ScalingEventsInRange
func (s *SQLiteEventStore) ScalingEventsInRange(ctx context.Context, from, to time.Time) ([]model.ScalingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, timestamp, trigger_data, result, impact
		FROM scaling_events
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query scaling events: %w", err)
	}
	defer rows.Close()

	var events []model.ScalingEvent
	for rows.Next() {
		var event model.ScalingEvent
		var trigger, result string
		var impact sql.NullString

		if err := rows.Scan(
			&event.EventID,
			&event.Timestamp,
			&trigger,
			&result,
			&impact,
		); err != nil {
			return nil, fmt.Errorf("failed to scan scaling event: %w", err)
		}

		if err := json.Unmarshal([]byte(trigger), &event.Trigger); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
		}
		if err := json.Unmarshal([]byte(result), &event.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		event.Impact = impact.String
		events = append(events, event)
	}
	return events, rows.Err()
}

// DeleteBefore implements EventStore.DeleteBefore
func (s *SQLiteEventStore) DeleteBefore(ctx context.Context, before time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM health_events WHERE timestamp < ?`, before); err != nil {
		return fmt.Errorf("failed to delete old health events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM scaling_events WHERE timestamp < ?`, before); err != nil {
		return fmt.Errorf("failed to delete old scaling events: %w", err)
	}

	s.logger.Info("Deleted events before cutoff", zap.Time("cutoff", before))
	return nil
}

// Close implements EventStore.Close
func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}
