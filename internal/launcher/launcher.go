// Package launcher starts isolated build jobs, one per deployment.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/narvanalabs/shipyard/internal/models"
)

// ErrLaunchFailed is returned when the backend rejects a build job.
var ErrLaunchFailed = errors.New("launching build job failed")

// Environment injected into every build job.
const (
	EnvGitRepositoryURL = "GIT_REPOSITORY_URL"
	EnvProjectID        = "PROJECT_ID"
	EnvDeploymentID     = "DEPLOYMENT_ID"
	EnvProjectSubdomain = "PROJECT_SUBDOMAIN"
)

// Preparer is implemented by launchers with slow one-time setup that
// should run before the first Launch.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Handle identifies a submitted build job.
type Handle struct {
	Backend   string
	ID        string
	StartedAt time.Time
}

// Launcher submits build jobs. Launch is fire-and-forget: it returns once
// the backend accepted the job and does not wait for the build.
type Launcher interface {
	Launch(ctx context.Context, project *models.Project, deployment *models.Deployment) (*Handle, error)
	// Stop terminates the build job of a deployment if it is still running.
	Stop(ctx context.Context, deploymentID string) error
	// Name returns the backend name.
	Name() string
}

// BuildEnv returns the identifying environment of a build job.
func BuildEnv(project *models.Project, deployment *models.Deployment) map[string]string {
	return map[string]string{
		EnvGitRepositoryURL: project.GitURL,
		EnvProjectID:        project.ID,
		EnvDeploymentID:     deployment.ID,
		EnvProjectSubdomain: project.SubDomain,
	}
}

func launchError(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLaunchFailed, backend, err)
}
