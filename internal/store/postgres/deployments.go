package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/narvanalabs/shipyard/internal/models"
)

// DeploymentStore implements store.DeploymentStore using PostgreSQL.
type DeploymentStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *DeploymentStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create creates a new deployment.
func (s *DeploymentStore) Create(ctx context.Context, deployment *models.Deployment) error {
	query := `
		INSERT INTO deployments (id, project_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	now := time.Now().UTC()
	if deployment.CreatedAt.IsZero() {
		deployment.CreatedAt = now
	}
	if deployment.UpdatedAt.IsZero() {
		deployment.UpdatedAt = now
	}
	if deployment.Status == "" {
		deployment.Status = models.DeploymentStatusQueued
	}

	err := s.conn().QueryRowContext(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		deployment.Status,
		deployment.CreatedAt,
		deployment.UpdatedAt,
	).Scan(&deployment.CreatedAt, &deployment.UpdatedAt)

	if err != nil {
		return fmt.Errorf("inserting deployment: %w", err)
	}

	return nil
}

// Get retrieves a deployment by ID.
func (s *DeploymentStore) Get(ctx context.Context, id string) (*models.Deployment, error) {
	query := `
		SELECT id, project_id, status, created_at, updated_at
		FROM deployments
		WHERE id = $1`

	d := &models.Deployment{}
	err := s.conn().QueryRowContext(ctx, query, id).Scan(
		&d.ID,
		&d.ProjectID,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying deployment: %w", err)
	}

	return d, nil
}

// ListByProject retrieves all deployments for a project, newest first.
func (s *DeploymentStore) ListByProject(ctx context.Context, projectID string) ([]*models.Deployment, error) {
	query := `
		SELECT id, project_id, status, created_at, updated_at
		FROM deployments
		WHERE project_id = $1
		ORDER BY created_at DESC`

	rows, err := s.conn().QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying deployments: %w", err)
	}
	defer rows.Close()

	return scanDeployments(rows)
}

// AdvanceStatus moves a deployment forward. The guard lives in the WHERE
// clause so concurrent writers can never move a deployment backwards.
func (s *DeploymentStore) AdvanceStatus(ctx context.Context, id string, status models.DeploymentStatus) (bool, error) {
	from := status.Predecessors()
	if len(from) == 0 {
		return false, nil
	}

	prev := make([]string, len(from))
	for i, st := range from {
		prev[i] = string(st)
	}

	query := `
		UPDATE deployments
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = ANY($4)`

	result, err := s.conn().ExecContext(ctx, query, status, time.Now().UTC(), id, pq.Array(prev))
	if err != nil {
		return false, fmt.Errorf("updating deployment status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}

	if rows == 0 {
		return false, nil
	}

	s.logger.Debug("deployment status advanced", "deployment_id", id, "status", status)
	return true, nil
}

// ListStale retrieves deployments in one of statuses last updated before the given time.
func (s *DeploymentStore) ListStale(ctx context.Context, statuses []models.DeploymentStatus, before time.Time) ([]*models.Deployment, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	query := `
		SELECT id, project_id, status, created_at, updated_at
		FROM deployments
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC`

	rows, err := s.conn().QueryContext(ctx, query, pq.Array(names), before)
	if err != nil {
		return nil, fmt.Errorf("querying stale deployments: %w", err)
	}
	defer rows.Close()

	return scanDeployments(rows)
}

func scanDeployments(rows *sql.Rows) ([]*models.Deployment, error) {
	var deployments []*models.Deployment
	for rows.Next() {
		d := &models.Deployment{}
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployments: %w", err)
	}

	return deployments, nil
}
