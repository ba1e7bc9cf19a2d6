package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/store"
)

// LogStore implements store.LogStore using PostgreSQL.
type LogStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *LogStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Insert persists a log event, ignoring event IDs that were already stored.
func (s *LogStore) Insert(ctx context.Context, event *models.LogEvent) (bool, error) {
	query := `
		INSERT INTO log_events (event_id, deployment_id, project_id, message, timestamp, sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	result, err := s.conn().ExecContext(ctx, query,
		event.EventID,
		event.DeploymentID,
		event.ProjectID,
		event.Message,
		event.Timestamp,
		event.Sequence,
	)
	if err != nil {
		return false, fmt.Errorf("inserting log event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}

	return rows == 1, nil
}

// Query retrieves log events for a deployment in chronological order.
func (s *LogStore) Query(ctx context.Context, deploymentID string, q store.LogQuery) ([]*models.LogEvent, error) {
	query := `
		SELECT event_id, deployment_id, project_id, message, timestamp, sequence
		FROM log_events
		WHERE deployment_id = $1
		ORDER BY timestamp ASC, sequence ASC
		LIMIT $2`

	if q.Tail {
		query = `
		SELECT event_id, deployment_id, project_id, message, timestamp, sequence
		FROM (
			SELECT event_id, deployment_id, project_id, message, timestamp, sequence
			FROM log_events
			WHERE deployment_id = $1
			ORDER BY timestamp DESC, sequence DESC
			LIMIT $2
		) tail
		ORDER BY timestamp ASC, sequence ASC`
	}

	rows, err := s.conn().QueryContext(ctx, query, deploymentID, q.NormalizedLimit())
	if err != nil {
		return nil, fmt.Errorf("querying log events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.LogEvent, 0)
	for rows.Next() {
		e := &models.LogEvent{}
		if err := rows.Scan(&e.EventID, &e.DeploymentID, &e.ProjectID, &e.Message, &e.Timestamp, &e.Sequence); err != nil {
			return nil, fmt.Errorf("scanning log event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log events: %w", err)
	}

	return events, nil
}

// Count returns the number of stored events for a deployment.
func (s *LogStore) Count(ctx context.Context, deploymentID string) (int, error) {
	var n int
	err := s.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM log_events WHERE deployment_id = $1`, deploymentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting log events: %w", err)
	}
	return n, nil
}
