package launcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/shipyard/internal/podman"
	"github.com/narvanalabs/shipyard/pkg/config"
)

// New builds the launcher selected by cfg.Backend.
func New(ctx context.Context, cfg config.LauncherConfig, logger *slog.Logger) (Launcher, error) {
	switch cfg.Backend {
	case "ecs":
		return NewECS(ctx, cfg.ECS, cfg.Env, logger)
	case "podman":
		runtime := podman.NewClient(cfg.Podman.Binary, logger)
		return NewPodman(runtime, cfg.Podman, cfg.Env, logger), nil
	default:
		return nil, fmt.Errorf("unknown launcher backend %q", cfg.Backend)
	}
}
