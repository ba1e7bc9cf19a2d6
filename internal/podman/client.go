// Package podman provides a client wrapper for running build containers with
// the podman (or docker) CLI.
package podman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
)

// ResourceLimits defines resource constraints for a container.
type ResourceLimits struct {
	CPUQuota  float64 // CPU quota in cores (e.g., 0.5 = half a core)
	MemoryMB  int64   // Memory limit in megabytes
	PidsLimit int64   // Maximum number of PIDs
}

// ContainerConfig holds configuration for creating a container.
type ContainerConfig struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	Labels      map[string]string
	Limits      *ResourceLimits
	NetworkMode string
	Remove      bool // Remove container after exit
}

// CommandRunner executes the CLI and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Client provides methods for interacting with Podman.
type Client struct {
	binary string
	run    CommandRunner
	logger *slog.Logger
}

// NewClient creates a client for binary ("podman" or "docker").
func NewClient(binary string, logger *slog.Logger) *Client {
	return NewClientWithRunner(binary, execRunner, logger)
}

// NewClientWithRunner creates a client that executes commands through run.
func NewClientWithRunner(binary string, run CommandRunner, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if binary == "" {
		binary = "podman"
	}
	return &Client{
		binary: binary,
		run:    run,
		logger: logger,
	}
}

// ParseLimits builds resource limits from textual settings such as "1.5"
// cores and "1Gi" of memory. Empty settings leave the limit unset.
func ParseLimits(cpu, memory string) *ResourceLimits {
	if cpu == "" && memory == "" {
		return nil
	}

	limits := &ResourceLimits{PidsLimit: 500}

	if cpu != "" {
		var cores float64
		fmt.Sscanf(cpu, "%f", &cores)
		if cores > 0 {
			limits.CPUQuota = cores
		}
	}

	if memory != "" {
		limits.MemoryMB = parseMemoryToMB(memory)
	}

	// Scale PIDs limit based on resources
	if limits.CPUQuota >= 4 {
		limits.PidsLimit = 2000
	} else if limits.CPUQuota >= 2 {
		limits.PidsLimit = 1000
	}

	return limits
}

// parseMemoryToMB parses a memory string to megabytes.
func parseMemoryToMB(mem string) int64 {
	mem = strings.TrimSpace(mem)

	switch {
	case strings.HasSuffix(mem, "Gi"):
		var val float64
		fmt.Sscanf(mem, "%fGi", &val)
		return int64(val * 1024)
	case strings.HasSuffix(mem, "Mi"):
		var val int64
		fmt.Sscanf(mem, "%dMi", &val)
		return val
	case strings.HasSuffix(mem, "G"):
		var val float64
		fmt.Sscanf(mem, "%fG", &val)
		return int64(val * 1024)
	case strings.HasSuffix(mem, "M"):
		var val int64
		fmt.Sscanf(mem, "%dM", &val)
		return val
	}

	// Try parsing as plain number (assume MB)
	var val int64
	fmt.Sscanf(mem, "%d", &val)
	return val
}

// RunDetached starts a container in the background and returns its ID.
func (c *Client) RunDetached(ctx context.Context, cfg *ContainerConfig) (string, error) {
	args := c.buildRunArgs(cfg)
	c.logger.Debug("starting container",
		"binary", c.binary,
		"name", cfg.Name,
		"image", cfg.Image,
	)

	output, err := c.run(ctx, c.binary, args...)
	if err != nil {
		return "", fmt.Errorf("running container: %w\nOutput: %s", err, strings.TrimSpace(string(output)))
	}

	id := lastLine(string(output))
	if id == "" {
		return "", fmt.Errorf("running container: no container id in output")
	}
	return id, nil
}

// buildRunArgs constructs the run command arguments.
func (c *Client) buildRunArgs(cfg *ContainerConfig) []string {
	args := []string{"run", "-d"}

	// Container name
	if cfg.Name != "" {
		args = append(args, "--name", cfg.Name)
	}

	// Remove after exit
	if cfg.Remove {
		args = append(args, "--rm")
	}

	// Network mode
	if cfg.NetworkMode != "" {
		args = append(args, "--network", cfg.NetworkMode)
	}

	// Environment variables, sorted for stable command lines
	for _, k := range sortedKeys(cfg.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, cfg.Env[k]))
	}

	for _, k := range sortedKeys(cfg.Labels) {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, cfg.Labels[k]))
	}

	// Resource limits
	if cfg.Limits != nil {
		if cfg.Limits.CPUQuota > 0 {
			// Period is 100000 microseconds (100ms), quota is proportional
			period := 100000
			quota := int(cfg.Limits.CPUQuota * float64(period))
			args = append(args, "--cpu-period", fmt.Sprintf("%d", period))
			args = append(args, "--cpu-quota", fmt.Sprintf("%d", quota))
		}
		if cfg.Limits.MemoryMB > 0 {
			args = append(args, "--memory", fmt.Sprintf("%dm", cfg.Limits.MemoryMB))
		}
		if cfg.Limits.PidsLimit > 0 {
			args = append(args, "--pids-limit", fmt.Sprintf("%d", cfg.Limits.PidsLimit))
		}
	}

	args = append(args, cfg.Image)
	args = append(args, cfg.Command...)

	return args
}

// ImageExists checks if an image exists locally.
func (c *Client) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := c.run(ctx, c.binary, "image", "inspect", image)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("checking image existence: %w", err)
	}
	return true, nil
}

// Pull pulls an image from a registry.
func (c *Client) Pull(ctx context.Context, image string) error {
	c.logger.Debug("pulling image", "image", image)

	output, err := c.run(ctx, c.binary, "pull", image)
	if err != nil {
		return fmt.Errorf("pulling image %s: %w\nOutput: %s", image, err, string(output))
	}
	return nil
}

// RemoveContainer force-removes a container by ID or name. A container that
// does not exist is not an error.
func (c *Client) RemoveContainer(ctx context.Context, idOrName string) error {
	c.logger.Debug("removing container", "id", idOrName)

	output, err := c.run(ctx, c.binary, "rm", "-f", idOrName)
	if err != nil {
		if strings.Contains(strings.ToLower(string(output)), "no such container") {
			return nil
		}
		return fmt.Errorf("removing container: %w\nOutput: %s", err, string(output))
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
