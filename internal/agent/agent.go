// Package agent drives a single static site build: clone, install, build
// and upload, streaming every output line to the log pipeline.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/narvanalabs/shipyard/internal/artifact"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/pkg/config"
)

// Lifecycle lines.
const (
	LineBuildStarted  = "Build started..."
	LineBuildComplete = "Build complete. Starting upload..."
	LineDone          = "Upload done. Your app should be live in a few minutes."
)

// ErrOutputMissing is returned when none of the output directories exist
// after the build.
var ErrOutputMissing = errors.New("build output directory not found")

// LogSink receives build output and lifecycle lines.
type LogSink interface {
	Publish(ctx context.Context, line string)
	PublishStatus(ctx context.Context, line string, status models.DeploymentStatus)
}

// Uploader pushes the build output directory to object storage.
type Uploader interface {
	UploadDir(ctx context.Context, dir string) (artifact.Result, error)
}

// Option configures an Agent.
type Option func(*Agent)

// WithRunner replaces the shell used for install and build commands.
func WithRunner(r Runner) Option {
	return func(a *Agent) { a.run = r }
}

// WithCloner replaces git clone.
func WithCloner(c Cloner) Option {
	return func(a *Agent) { a.clone = c }
}

// Agent runs one build.
type Agent struct {
	cfg      *config.AgentConfig
	sink     LogSink
	uploader Uploader
	run      Runner
	clone    Cloner
	logger   *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates an agent for the deployment described by cfg.
func New(cfg *config.AgentConfig, sink LogSink, uploader Uploader, logger *slog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:      cfg,
		sink:     sink,
		uploader: uploader,
		run:      ShellRunner,
		clone:    GitClone,
		logger:   logger.With("project_id", cfg.ProjectID, "deployment_id", cfg.DeploymentID),
		state:    StateInit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current step of the run.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) enter(next State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.state.CanTransitionTo(next) {
		return &transitionError{from: a.state, to: next}
	}
	a.logger.Debug("agent state", "from", a.state, "to", next)
	a.state = next
	return nil
}

// Run executes the build. It returns nil once the output was uploaded and
// the completion line published. Any failure publishes a FAILED line and is
// returned. The run is bounded by BuildTimeout.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.BuildTimeout)
		defer cancel()
	}

	a.sink.PublishStatus(ctx, LineBuildStarted, models.DeploymentStatusBuilding)

	if err := a.steps(ctx); err != nil {
		a.fail(ctx, err)
		return err
	}
	return nil
}

func (a *Agent) steps(ctx context.Context) error {
	src := a.cfg.SourceDir

	empty, err := isEmptyDir(src)
	if err != nil {
		return fmt.Errorf("inspecting source directory: %w", err)
	}
	if empty {
		if err := a.enter(StateCloning); err != nil {
			return err
		}
		if a.cfg.GitRepositoryURL == "" {
			return fmt.Errorf("source directory %s is empty and GIT_REPOSITORY_URL is not set", src)
		}
		a.sink.Publish(ctx, "Cloning "+a.cfg.GitRepositoryURL)
		if err := a.clone(ctx, a.cfg.GitRepositoryURL, src); err != nil {
			return err
		}
	}

	install, build, outputs := a.cfg.InstallCommand, a.cfg.BuildCommand, a.cfg.OutputDirs
	bc, err := LoadBuildConfig(src)
	if err != nil {
		return err
	}
	if bc != nil {
		a.sink.Publish(ctx, "Using build settings from "+BuildConfigFile)
		if bc.Install != "" {
			install = bc.Install
		}
		if bc.Build != "" {
			build = bc.Build
		}
		if len(bc.Output) > 0 {
			outputs = bc.Output
		}
	}

	if err := a.enter(StateInstalling); err != nil {
		return err
	}
	if err := a.command(ctx, src, install); err != nil {
		return err
	}

	if err := a.enter(StateBuilding); err != nil {
		return err
	}
	if err := a.command(ctx, src, build); err != nil {
		return err
	}

	if err := a.enter(StateUploading); err != nil {
		return err
	}
	outDir, err := findOutputDir(src, outputs)
	if err != nil {
		return err
	}
	a.sink.Publish(ctx, LineBuildComplete)

	res, err := a.uploader.UploadDir(ctx, outDir)
	if err != nil {
		return fmt.Errorf("uploading build output: %w", err)
	}
	a.logger.Info("build output uploaded",
		"uploaded", res.Uploaded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"bytes", res.Bytes,
	)
	a.sink.Publish(ctx, uploadSummary(res))

	if err := a.enter(StateDone); err != nil {
		return err
	}
	a.sink.PublishStatus(ctx, LineDone, models.DeploymentStatusReady)
	return nil
}

// command runs one step, publishing stdout lines as-is and stderr lines
// prefixed with "error: ". Empty commands are skipped.
func (a *Agent) command(ctx context.Context, dir, command string) error {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	a.sink.Publish(ctx, "$ "+command)

	stdout := newLineWriter(func(line string) { a.sink.Publish(ctx, line) })
	stderr := newLineWriter(func(line string) { a.sink.Publish(ctx, "error: "+line) })

	err := a.run(ctx, dir, command, stdout, stderr)
	stdout.Flush()
	stderr.Flush()
	return err
}

func (a *Agent) fail(ctx context.Context, err error) {
	a.mu.Lock()
	if !a.state.IsTerminal() {
		a.state = StateFailed
	}
	a.mu.Unlock()

	a.logger.Error("build failed", "error", err)
	// The run context may already be done; the publisher still delivers.
	a.sink.PublishStatus(context.WithoutCancel(ctx), "Build failed: "+err.Error(), models.DeploymentStatusFailed)
}

// findOutputDir returns the first candidate that exists as a directory
// under src.
func findOutputDir(src string, candidates []string) (string, error) {
	for _, c := range candidates {
		dir := filepath.Join(src, c)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w (tried %s)", ErrOutputMissing, strings.Join(candidates, ", "))
}

func uploadSummary(res artifact.Result) string {
	line := fmt.Sprintf("Uploaded %s (%s)",
		english.Plural(res.Uploaded, "file", ""), humanize.Bytes(uint64(res.Bytes)))
	if res.Failed > 0 {
		line += fmt.Sprintf(", %d failed", res.Failed)
	}
	if res.Skipped > 0 {
		line += fmt.Sprintf(", %d skipped", res.Skipped)
	}
	return line
}
