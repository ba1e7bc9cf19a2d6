// Package deploy orchestrates projects and deployments: project creation
// with subdomain allocation, deployment triggering through a launcher, log
// retrieval and the stale deployment reaper.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/narvanalabs/shipyard/internal/launcher"
	"github.com/narvanalabs/shipyard/internal/metrics"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/slug"
	"github.com/narvanalabs/shipyard/internal/store"
	"github.com/narvanalabs/shipyard/pkg/logger"
)

// DefaultSlugAttempts is how many subdomains are tried before giving up.
const DefaultSlugAttempts = 5

// ErrSlugExhausted is returned when every generated subdomain was taken.
var ErrSlugExhausted = errors.New("no free subdomain")

// Config configures a Service.
type Config struct {
	// PublicURLTemplate renders a project URL from its subdomain ("%s").
	PublicURLTemplate string
	SlugAttempts      int
	// Slugs generates candidate subdomains. Defaults to slug.Generate.
	Slugs func() string
}

// Service implements the control plane operations.
type Service struct {
	store    store.Store
	launcher launcher.Launcher
	cfg      Config
	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService creates a service. m may be nil.
func NewService(st store.Store, l launcher.Launcher, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SlugAttempts < 1 {
		cfg.SlugAttempts = DefaultSlugAttempts
	}
	if cfg.Slugs == nil {
		cfg.Slugs = slug.Generate
	}
	if cfg.PublicURLTemplate == "" {
		cfg.PublicURLTemplate = "http://%s.localhost:8000"
	}
	return &Service{
		store:    st,
		launcher: l,
		cfg:      cfg,
		validate: newValidator(),
		metrics:  m,
		logger:   logger,
	}
}

// CreateProject validates in and stores a project under a freshly generated
// subdomain, regenerating on collision.
func (s *Service) CreateProject(ctx context.Context, in CreateProjectInput) (*models.Project, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.GitURL = strings.TrimSpace(in.GitURL)
	if err := validate(s.validate, in); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.cfg.SlugAttempts; attempt++ {
		project := &models.Project{
			ID:        uuid.New().String(),
			Name:      in.Name,
			GitURL:    in.GitURL,
			SubDomain: s.cfg.Slugs(),
		}

		err := s.store.Projects().Create(ctx, project)
		if err == nil {
			s.logger.Info("project created",
				"project_id", project.ID,
				"subdomain", project.SubDomain,
			)
			return project, nil
		}
		if !errors.Is(err, store.ErrDuplicateSlug) {
			return nil, fmt.Errorf("creating project: %w", err)
		}
		s.logger.Debug("subdomain taken, regenerating", "subdomain", project.SubDomain, "attempt", attempt)
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrSlugExhausted, s.cfg.SlugAttempts)
}

// DeployResult is returned by TriggerDeploy.
type DeployResult struct {
	ProjectSlug  string `json:"projectSlug"`
	DeploymentID string `json:"deploymentId"`
	URL          string `json:"url"`
}

// TriggerDeploy records a QUEUED deployment of projectID and launches its
// build job. An unknown project returns store.ErrNotFound without creating
// a deployment. A rejected launch marks the deployment FAILED and returns
// an error wrapping launcher.ErrLaunchFailed.
func (s *Service) TriggerDeploy(ctx context.Context, projectID string) (*DeployResult, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, newValidationError("projectId", "is required")
	}

	var (
		project    *models.Project
		deployment *models.Deployment
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		p, err := tx.Projects().Get(ctx, projectID)
		if err != nil {
			return fmt.Errorf("getting project: %w", err)
		}
		d := &models.Deployment{
			ID:        uuid.New().String(),
			ProjectID: p.ID,
			Status:    models.DeploymentStatusQueued,
		}
		if err := tx.Deployments().Create(ctx, d); err != nil {
			return fmt.Errorf("creating deployment: %w", err)
		}
		project, deployment = p, d
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx = logger.ContextWithDeployment(ctx, project.ID, deployment.ID)
	log := logger.Wrap(s.logger).WithContext(ctx)

	handle, err := s.launcher.Launch(ctx, project, deployment)
	s.metrics.Launch(s.launcher.Name(), err)
	if err != nil {
		log.WithError(err).Error("launching build job")
		// The request context may be cancelled by now; the compensation must land.
		compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, advErr := s.store.Deployments().AdvanceStatus(compCtx, deployment.ID, models.DeploymentStatusFailed); advErr != nil {
			log.WithError(advErr).Error("marking deployment failed")
		}
		return nil, fmt.Errorf("launching deployment %s: %w", deployment.ID, err)
	}

	log.Info("deployment launched", "backend", handle.Backend, "job_id", handle.ID)
	return &DeployResult{
		ProjectSlug:  project.SubDomain,
		DeploymentID: deployment.ID,
		URL:          s.PublicURL(project.SubDomain),
	}, nil
}

// PublicURL renders the URL a project is served under.
func (s *Service) PublicURL(subdomain string) string {
	return fmt.Sprintf(s.cfg.PublicURLTemplate, subdomain)
}

// Logs returns the stored log events of a deployment in (timestamp,
// sequence) order. limit is clamped to the store limits.
func (s *Service) Logs(ctx context.Context, deploymentID string, limit int) ([]*models.LogEvent, error) {
	events, err := s.store.Logs().Query(ctx, deploymentID, store.LogQuery{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	return events, nil
}

// GetDeployment returns a deployment record.
func (s *Service) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	d, err := s.store.Deployments().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting deployment: %w", err)
	}
	return d, nil
}

// GetProject returns a project record.
func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := s.store.Projects().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting project: %w", err)
	}
	return p, nil
}

// ListDeployments returns the deployments of a project, newest first.
func (s *Service) ListDeployments(ctx context.Context, projectID string) ([]*models.Deployment, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	list, err := s.store.Deployments().ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	return list, nil
}
