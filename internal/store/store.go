// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/shipyard/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateSlug is returned when a project subdomain is already taken.
	ErrDuplicateSlug = errors.New("duplicate subdomain")
)

// Log query limits.
const (
	DefaultLogLimit = 5000
	MaxLogLimit     = 10000
)

// ProjectStore defines operations for project management.
type ProjectStore interface {
	// Create creates a new project. Returns ErrDuplicateSlug if the subdomain is taken.
	Create(ctx context.Context, project *models.Project) error
	// Get retrieves a project by ID.
	Get(ctx context.Context, id string) (*models.Project, error)
}

// DeploymentStore defines operations for deployment management.
type DeploymentStore interface {
	// Create creates a new deployment.
	Create(ctx context.Context, deployment *models.Deployment) error
	// Get retrieves a deployment by ID.
	Get(ctx context.Context, id string) (*models.Deployment, error)
	// ListByProject retrieves all deployments of a project, newest first.
	ListByProject(ctx context.Context, projectID string) ([]*models.Deployment, error)
	// AdvanceStatus moves a deployment to status if that is a forward
	// transition from its current status. It reports whether the row changed.
	AdvanceStatus(ctx context.Context, id string, status models.DeploymentStatus) (bool, error)
	// ListStale retrieves deployments in one of statuses not updated since before.
	ListStale(ctx context.Context, statuses []models.DeploymentStatus, before time.Time) ([]*models.Deployment, error)
}

// LogQuery narrows a log query.
type LogQuery struct {
	// Limit caps the number of events returned. Zero means DefaultLogLimit.
	Limit int
	// Tail returns the last Limit events instead of the first, still in ascending order.
	Tail bool
}

// NormalizedLimit returns the effective limit for q.
func (q LogQuery) NormalizedLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLogLimit
	case q.Limit > MaxLogLimit:
		return MaxLogLimit
	default:
		return q.Limit
	}
}

// LogStore defines operations on persisted build log events.
type LogStore interface {
	// Insert persists an event. A previously seen EventID is a no-op and
	// reports inserted == false.
	Insert(ctx context.Context, event *models.LogEvent) (inserted bool, err error)
	// Query retrieves events of a deployment ordered by timestamp, then sequence.
	Query(ctx context.Context, deploymentID string, q LogQuery) ([]*models.LogEvent, error)
	// Count returns the number of stored events of a deployment.
	Count(ctx context.Context, deploymentID string) (int, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Projects returns the ProjectStore for project operations.
	Projects() ProjectStore
	// Deployments returns the DeploymentStore for deployment operations.
	Deployments() DeploymentStore
	// Logs returns the LogStore for log operations.
	Logs() LogStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping verifies the connection to the database.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
