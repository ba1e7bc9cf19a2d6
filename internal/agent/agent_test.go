package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/narvanalabs/shipyard/internal/artifact"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/pkg/config"
)

type sinkLine struct {
	line   string
	status models.DeploymentStatus
}

type recordingSink struct {
	mu    sync.Mutex
	lines []sinkLine
}

func (s *recordingSink) Publish(_ context.Context, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, sinkLine{line: line})
}

func (s *recordingSink) PublishStatus(_ context.Context, line string, status models.DeploymentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, sinkLine{line: line, status: status})
}

func (s *recordingSink) contains(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if l.line == line {
			return true
		}
	}
	return false
}

func (s *recordingSink) statuses() []models.DeploymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeploymentStatus
	for _, l := range s.lines {
		if l.status != "" {
			out = append(out, l.status)
		}
	}
	return out
}

type fakeUploader struct {
	dirs []string
	err  error
}

func (u *fakeUploader) UploadDir(_ context.Context, dir string) (artifact.Result, error) {
	u.dirs = append(u.dirs, dir)
	return artifact.Result{Uploaded: 1, Bytes: 2048}, u.err
}

// scriptedRunner emulates install and build commands. Every successful
// command creates outDir under the source when set.
type scriptedRunner struct {
	outDir   string
	failOn   string
	commands []string
}

func (r *scriptedRunner) run(_ context.Context, dir, command string, stdout, stderr io.Writer) error {
	r.commands = append(r.commands, command)
	fmt.Fprintf(stdout, "running %s\n", command)
	fmt.Fprint(stderr, "npm WARN deprecated\n")
	if command == r.failOn {
		fmt.Fprint(stdout, "partial line")
		return fmt.Errorf("%q exited with code 1", command)
	}
	if r.outDir != "" {
		return os.MkdirAll(filepath.Join(dir, r.outDir), 0o755)
	}
	return nil
}

func testConfig(t *testing.T) *config.AgentConfig {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "package.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	return &config.AgentConfig{
		GitRepositoryURL: "https://github.com/acme/site.git",
		ProjectID:        "p-1",
		DeploymentID:     "d-1",
		SourceDir:        src,
		InstallCommand:   "npm install",
		BuildCommand:     "npm run build",
		OutputDirs:       []string{"dist", "build"},
		BuildTimeout:     time.Minute,
	}
}

func TestRunSuccess(t *testing.T) {
	cfg := testConfig(t)
	sink := &recordingSink{}
	up := &fakeUploader{}
	runner := &scriptedRunner{outDir: "build"}

	a := New(cfg, sink, up, nil, WithRunner(runner.run), WithCloner(func(context.Context, string, string) error {
		t.Fatal("clone called for a populated source directory")
		return nil
	}))

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if a.State() != StateDone {
		t.Errorf("State() = %s, want DONE", a.State())
	}

	if len(up.dirs) != 1 || up.dirs[0] != filepath.Join(cfg.SourceDir, "build") {
		t.Errorf("uploaded dirs = %v, want the build directory", up.dirs)
	}
	if got := sink.statuses(); len(got) != 2 || got[0] != models.DeploymentStatusBuilding || got[1] != models.DeploymentStatusReady {
		t.Errorf("statuses = %v, want [BUILDING READY]", got)
	}
	if !sink.contains("running npm install") {
		t.Error("stdout line not published as-is")
	}
	if !sink.contains("error: npm WARN deprecated") {
		t.Error("stderr line not published with error prefix")
	}
	if !sink.contains(LineBuildComplete) {
		t.Error("build complete line missing")
	}
	if !sink.contains("Uploaded 1 file (2.0 kB)") {
		t.Error("upload summary line missing")
	}
}

func TestUploadSummary(t *testing.T) {
	tests := []struct {
		res  artifact.Result
		want string
	}{
		{artifact.Result{}, "Uploaded 0 files (0 B)"},
		{artifact.Result{Uploaded: 12, Bytes: 3_400_000}, "Uploaded 12 files (3.4 MB)"},
		{artifact.Result{Uploaded: 3, Failed: 1, Skipped: 2, Bytes: 999}, "Uploaded 3 files (999 B), 1 failed, 2 skipped"},
	}
	for _, tt := range tests {
		if got := uploadSummary(tt.res); got != tt.want {
			t.Errorf("uploadSummary(%+v) = %q, want %q", tt.res, got, tt.want)
		}
	}
}

func TestRunPrefersFirstOutputDir(t *testing.T) {
	cfg := testConfig(t)
	for _, d := range []string{"dist", "build"} {
		if err := os.MkdirAll(filepath.Join(cfg.SourceDir, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	up := &fakeUploader{}
	a := New(cfg, &recordingSink{}, up, nil, WithRunner((&scriptedRunner{}).run))

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if up.dirs[0] != filepath.Join(cfg.SourceDir, "dist") {
		t.Errorf("uploaded %s, want dist", up.dirs[0])
	}
}

func TestRunBuildFailure(t *testing.T) {
	cfg := testConfig(t)
	sink := &recordingSink{}
	up := &fakeUploader{}
	runner := &scriptedRunner{outDir: "dist", failOn: "npm run build"}

	a := New(cfg, sink, up, nil, WithRunner(runner.run))
	err := a.Run(context.Background())
	if err == nil {
		t.Fatal("expected build failure")
	}

	if a.State() != StateFailed {
		t.Errorf("State() = %s, want FAILED", a.State())
	}
	if len(up.dirs) != 0 {
		t.Error("upload attempted after a failed build")
	}
	if !sink.contains("partial line") {
		t.Error("trailing output without newline was not flushed")
	}
	got := sink.statuses()
	if got[len(got)-1] != models.DeploymentStatusFailed {
		t.Errorf("last status = %s, want FAILED", got[len(got)-1])
	}
}

func TestRunInstallFailureSkipsBuild(t *testing.T) {
	cfg := testConfig(t)
	runner := &scriptedRunner{failOn: "npm install"}

	a := New(cfg, &recordingSink{}, &fakeUploader{}, nil, WithRunner(runner.run))
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected install failure")
	}
	if len(runner.commands) != 1 {
		t.Errorf("commands = %v, want only the install", runner.commands)
	}
}

func TestRunMissingOutput(t *testing.T) {
	cfg := testConfig(t)
	sink := &recordingSink{}
	up := &fakeUploader{}

	a := New(cfg, sink, up, nil, WithRunner((&scriptedRunner{}).run))
	err := a.Run(context.Background())
	if !errors.Is(err, ErrOutputMissing) {
		t.Fatalf("Run() error = %v, want ErrOutputMissing", err)
	}
	if len(up.dirs) != 0 {
		t.Error("upload attempted without output directory")
	}
	if sink.contains(LineBuildComplete) {
		t.Error("build complete line published without output")
	}
}

func TestRunUploadFailFast(t *testing.T) {
	cfg := testConfig(t)
	up := &fakeUploader{err: artifact.ErrUploadExhausted}

	a := New(cfg, &recordingSink{}, up, nil, WithRunner((&scriptedRunner{outDir: "dist"}).run))
	if err := a.Run(context.Background()); !errors.Is(err, artifact.ErrUploadExhausted) {
		t.Fatalf("Run() error = %v, want ErrUploadExhausted", err)
	}
	if a.State() != StateFailed {
		t.Errorf("State() = %s, want FAILED", a.State())
	}
}

func TestRunClonesEmptySource(t *testing.T) {
	cfg := testConfig(t)
	cfg.SourceDir = filepath.Join(t.TempDir(), "output")

	var clonedURL string
	cloner := func(_ context.Context, gitURL, dest string) error {
		clonedURL = gitURL
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dest, BuildConfigFile), []byte("build: make site\noutput: public\n"), 0o644)
	}
	runner := &scriptedRunner{outDir: "public"}
	up := &fakeUploader{}

	a := New(cfg, &recordingSink{}, up, nil, WithRunner(runner.run), WithCloner(cloner))
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if clonedURL != cfg.GitRepositoryURL {
		t.Errorf("cloned %q", clonedURL)
	}
	if runner.commands[1] != "make site" {
		t.Errorf("build command = %q, want override from %s", runner.commands[1], BuildConfigFile)
	}
	if up.dirs[0] != filepath.Join(cfg.SourceDir, "public") {
		t.Errorf("uploaded %s, want public", up.dirs[0])
	}
}

func TestRunTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.BuildTimeout = 20 * time.Millisecond

	slow := func(ctx context.Context, _, _ string, _, _ io.Writer) error {
		<-ctx.Done()
		return ctx.Err()
	}

	a := New(cfg, &recordingSink{}, &fakeUploader{}, nil, WithRunner(slow))
	if err := a.Run(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want deadline exceeded", err)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInit, StateCloning, true},
		{StateInit, StateInstalling, true},
		{StateInit, StateBuilding, false},
		{StateCloning, StateInstalling, true},
		{StateInstalling, StateBuilding, true},
		{StateBuilding, StateUploading, true},
		{StateUploading, StateDone, true},
		{StateUploading, StateInstalling, false},
		{StateBuilding, StateFailed, true},
		{StateDone, StateFailed, false},
		{StateFailed, StateInit, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
