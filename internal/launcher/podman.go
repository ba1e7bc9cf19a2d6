package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/podman"
	"github.com/narvanalabs/shipyard/pkg/config"
	"golang.org/x/sync/singleflight"
)

// DefaultPullTimeout bounds a builder image pull.
const DefaultPullTimeout = 10 * time.Minute

// ContainerRuntime is the subset of the podman client the launcher uses.
type ContainerRuntime interface {
	RunDetached(ctx context.Context, cfg *podman.ContainerConfig) (string, error)
	ImageExists(ctx context.Context, image string) (bool, error)
	Pull(ctx context.Context, image string) error
	RemoveContainer(ctx context.Context, idOrName string) error
}

// Podman launches build jobs as detached local containers.
type Podman struct {
	runtime ContainerRuntime
	cfg     config.PodmanConfig
	env     map[string]string
	limits  *podman.ResourceLimits
	logger  *slog.Logger

	pulls singleflight.Group
}

// NewPodman creates a local container launcher. extraEnv is added to every
// container next to the identifying environment.
func NewPodman(runtime ContainerRuntime, cfg config.PodmanConfig, extraEnv map[string]string, logger *slog.Logger) *Podman {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultPullTimeout
	}
	return &Podman{
		runtime: runtime,
		cfg:     cfg,
		env:     extraEnv,
		limits:  podman.ParseLimits(cfg.CPUs, cfg.Memory),
		logger:  logger,
	}
}

// Name returns "podman".
func (l *Podman) Name() string { return "podman" }

// ContainerName returns the build container name of a deployment.
func ContainerName(deploymentID string) string {
	return "shipyard-build-" + deploymentID
}

// Prepare pulls the builder image if it is not present yet.
func (l *Podman) Prepare(ctx context.Context) error {
	return l.ensureImage(ctx)
}

// ensureImage pulls a missing builder image. The pull runs detached from
// ctx under PullTimeout and is shared by concurrent callers, so a caller
// that gives up early leaves it running for the next one.
func (l *Podman) ensureImage(ctx context.Context) error {
	exists, err := l.runtime.ImageExists(ctx, l.cfg.Image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	ch := l.pulls.DoChan(l.cfg.Image, func() (any, error) {
		pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.PullTimeout)
		defer cancel()

		start := time.Now()
		l.logger.Info("pulling builder image", "image", l.cfg.Image)
		if err := l.runtime.Pull(pullCtx, l.cfg.Image); err != nil {
			return nil, err
		}
		l.logger.Info("builder image pulled", "image", l.cfg.Image, "duration", time.Since(start).String())
		return nil, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("pulling %s: %w", l.cfg.Image, res.Err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pull of %s: %w", l.cfg.Image, ctx.Err())
	}
}

// Launch starts the builder image with the identifying environment.
func (l *Podman) Launch(ctx context.Context, project *models.Project, deployment *models.Deployment) (*Handle, error) {
	if err := l.ensureImage(ctx); err != nil {
		return nil, launchError(l.Name(), err)
	}

	env := make(map[string]string, len(l.env)+3)
	for k, v := range l.env {
		env[k] = v
	}
	for k, v := range BuildEnv(project, deployment) {
		env[k] = v
	}

	id, err := l.runtime.RunDetached(ctx, &podman.ContainerConfig{
		Name:  ContainerName(deployment.ID),
		Image: l.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			"shipyard.project":    project.ID,
			"shipyard.deployment": deployment.ID,
		},
		Limits:      l.limits,
		NetworkMode: l.cfg.Network,
		Remove:      true,
	})
	if err != nil {
		return nil, launchError(l.Name(), err)
	}

	l.logger.Info("build container started",
		"deployment_id", deployment.ID,
		"project_id", project.ID,
		"container_id", id,
	)
	return &Handle{Backend: l.Name(), ID: id, StartedAt: time.Now().UTC()}, nil
}

// Stop removes the build container of deploymentID.
func (l *Podman) Stop(ctx context.Context, deploymentID string) error {
	if err := l.runtime.RemoveContainer(ctx, ContainerName(deploymentID)); err != nil {
		return fmt.Errorf("stopping build container: %w", err)
	}
	return nil
}
