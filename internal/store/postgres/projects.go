package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/shipyard/internal/models"
)

// ProjectStore implements store.ProjectStore using PostgreSQL.
type ProjectStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ProjectStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create creates a new project.
func (s *ProjectStore) Create(ctx context.Context, project *models.Project) error {
	query := `
		INSERT INTO projects (id, name, git_url, subdomain, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, query,
		project.ID,
		project.Name,
		project.GitURL,
		project.SubDomain,
		project.CreatedAt,
	).Scan(&project.CreatedAt)

	if err != nil {
		if isUniqueViolation(err) && constraintName(err) != "projects_pkey" {
			return ErrDuplicateSlug
		}
		return fmt.Errorf("inserting project: %w", err)
	}

	s.logger.Debug("project created", "project_id", project.ID, "subdomain", project.SubDomain)
	return nil
}

// Get retrieves a project by ID.
func (s *ProjectStore) Get(ctx context.Context, id string) (*models.Project, error) {
	query := `
		SELECT id, name, git_url, subdomain, created_at
		FROM projects
		WHERE id = $1`

	return s.scanProject(s.conn().QueryRowContext(ctx, query, id))
}

func (s *ProjectStore) scanProject(row *sql.Row) (*models.Project, error) {
	project := &models.Project{}
	err := row.Scan(
		&project.ID,
		&project.Name,
		&project.GitURL,
		&project.SubDomain,
		&project.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying project: %w", err)
	}
	return project, nil
}
