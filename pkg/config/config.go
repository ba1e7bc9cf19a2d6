// Package config provides environment-based configuration for shipyard binaries.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the control plane and the reverse proxy.
type Config struct {
	// Database configuration
	DatabaseDSN     string
	MigrateOnStart  bool
	ShutdownTimeout time.Duration

	// Server configuration
	APIHost string
	APIPort int

	// PublicURLTemplate renders a project's public URL from its subdomain,
	// e.g. "http://%s.localhost:8000".
	PublicURLTemplate string

	// DeploymentTimeout bounds how long a deployment may stay QUEUED or BUILDING
	// before the reaper marks it FAILED. Zero disables the reaper.
	DeploymentTimeout time.Duration
	ReaperInterval    time.Duration

	Queue     QueueConfig
	Storage   StorageConfig
	Launcher  LauncherConfig
	Proxy     ProxyConfig
	Broadcast BroadcastConfig
}

// QueueConfig holds the durable log queue configuration.
type QueueConfig struct {
	RedisURL          string
	Topic             string
	Partitions        int
	Group             string
	Consumer          string
	BatchSize         int
	BlockTimeout      time.Duration
	HeartbeatInterval time.Duration
	ClaimMinIdle      time.Duration
	MessageTimeout    time.Duration
	RestartDelay      time.Duration
	MaxLen            int64
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Bucket         string
	Region         string
	Endpoint       string
	AccessKeyID    string
	SecretKey      string
	ForcePathStyle bool
	Prefix         string
}

// LauncherConfig holds configuration for the build job backend.
type LauncherConfig struct {
	// Backend is "ecs" or "podman".
	Backend string

	// Env is forwarded verbatim to every build job (queue and storage
	// settings the agent needs), read from BUILDER_ENV_* variables.
	Env map[string]string

	ECS    ECSConfig
	Podman PodmanConfig
}

// ECSConfig holds AWS ECS (Fargate) RunTask parameters.
type ECSConfig struct {
	Region         string
	Cluster        string
	TaskDefinition string
	ContainerName  string
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
}

// PodmanConfig holds local container backend parameters.
type PodmanConfig struct {
	Binary  string
	Image   string
	Network string
	CPUs    string
	Memory  string
	// PullTimeout bounds pulling a missing builder image.
	PullTimeout time.Duration
}

// ProxyConfig holds reverse proxy configuration.
type ProxyConfig struct {
	Host     string
	Port     int
	BasePath string
	// MetricsPort serves /metrics on a separate listener; zero disables it.
	// Every path on the main listener belongs to the hosted sites.
	MetricsPort int
}

// BroadcastConfig holds live broadcast configuration.
type BroadcastConfig struct {
	// Mode is "local" (in-process hub) or "redis" (hub relayed over Redis pub/sub).
	Mode        string
	ReplayLimit int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Queue.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Queue.Partitions < 1 {
		return fmt.Errorf("QUEUE_PARTITIONS must be at least 1")
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be at least 1")
	}
	switch c.Launcher.Backend {
	case "ecs":
		if c.Launcher.ECS.Cluster == "" || c.Launcher.ECS.TaskDefinition == "" {
			return fmt.Errorf("ECS_CLUSTER and ECS_TASK_DEFINITION are required for the ecs launcher")
		}
	case "podman":
		if c.Launcher.Podman.Image == "" {
			return fmt.Errorf("BUILDER_IMAGE is required for the podman launcher")
		}
	default:
		return fmt.Errorf("unknown LAUNCHER_BACKEND %q", c.Launcher.Backend)
	}
	switch c.Broadcast.Mode {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown BROADCAST_MODE %q", c.Broadcast.Mode)
	}
	if !strings.Contains(c.PublicURLTemplate, "%s") {
		return fmt.Errorf("PUBLIC_URL_TEMPLATE must contain %%s")
	}
	return nil
}

// ValidateProxy checks the configuration needed by the reverse proxy only.
func (c *Config) ValidateProxy() error {
	if c.Proxy.BasePath == "" {
		return fmt.Errorf("BASE_PATH is required")
	}
	u, err := url.Parse(c.Proxy.BasePath)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BASE_PATH must be an absolute URL")
	}
	return nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	loadDotEnv()

	return &Config{
		DatabaseDSN:       getEnv("DATABASE_URL", "postgres://localhost:5432/shipyard?sslmode=disable"),
		MigrateOnStart:    getBoolEnv("MIGRATE_ON_START", false),
		ShutdownTimeout:   getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		APIHost:           getEnv("API_HOST", "0.0.0.0"),
		APIPort:           getIntEnv("API_PORT", 9000),
		PublicURLTemplate: getEnv("PUBLIC_URL_TEMPLATE", "http://%s.localhost:8000"),
		DeploymentTimeout: getDurationEnv("DEPLOYMENT_TIMEOUT", time.Hour),
		ReaperInterval:    getDurationEnv("REAPER_INTERVAL", time.Minute),
		Queue: QueueConfig{
			RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Topic:             getEnv("QUEUE_TOPIC", "container-logs"),
			Partitions:        getIntEnv("QUEUE_PARTITIONS", 4),
			Group:             getEnv("QUEUE_GROUP", "api-server-logs-consumer"),
			Consumer:          getEnv("QUEUE_CONSUMER", defaultConsumerName()),
			BatchSize:         getIntEnv("QUEUE_BATCH_SIZE", 100),
			BlockTimeout:      getDurationEnv("QUEUE_BLOCK_TIMEOUT", 2*time.Second),
			HeartbeatInterval: getDurationEnv("QUEUE_HEARTBEAT_INTERVAL", 3*time.Second),
			ClaimMinIdle:      getDurationEnv("QUEUE_CLAIM_MIN_IDLE", 30*time.Second),
			MessageTimeout:    getDurationEnv("QUEUE_MESSAGE_TIMEOUT", 10*time.Second),
			RestartDelay:      getDurationEnv("QUEUE_RESTART_DELAY", 5*time.Second),
			MaxLen:            int64(getIntEnv("QUEUE_MAX_LEN", 1_000_000)),
		},
		Storage: loadStorage(),
		Launcher: LauncherConfig{
			Backend: getEnv("LAUNCHER_BACKEND", "podman"),
			Env:     getPrefixedEnv("BUILDER_ENV_"),
			ECS: ECSConfig{
				Region:         getEnv("AWS_REGION", "ap-south-1"),
				Cluster:        getEnv("ECS_CLUSTER", ""),
				TaskDefinition: getEnv("ECS_TASK_DEFINITION", ""),
				ContainerName:  getEnv("ECS_CONTAINER_NAME", "builder-image"),
				Subnets:        getListEnv("ECS_SUBNETS", nil),
				SecurityGroups: getListEnv("ECS_SECURITY_GROUPS", nil),
				AssignPublicIP: getBoolEnv("ECS_ASSIGN_PUBLIC_IP", true),
			},
			Podman: PodmanConfig{
				Binary:      getEnv("PODMAN_BINARY", "podman"),
				Image:       getEnv("BUILDER_IMAGE", "localhost/shipyard-builder:latest"),
				Network:     getEnv("BUILDER_NETWORK", ""),
				CPUs:        getEnv("BUILDER_CPUS", ""),
				Memory:      getEnv("BUILDER_MEMORY", ""),
				PullTimeout: getDurationEnv("BUILDER_PULL_TIMEOUT", 10*time.Minute),
			},
		},
		Proxy: ProxyConfig{
			Host:        getEnv("PROXY_HOST", "0.0.0.0"),
			Port:        getIntEnv("PROXY_PORT", 8000),
			BasePath:    getEnv("BASE_PATH", ""),
			MetricsPort: getIntEnv("PROXY_METRICS_PORT", 0),
		},
		Broadcast: BroadcastConfig{
			Mode:        getEnv("BROADCAST_MODE", "local"),
			ReplayLimit: getIntEnv("BROADCAST_REPLAY_LIMIT", 100),
		},
	}
}

func loadStorage() StorageConfig {
	return StorageConfig{
		Bucket:         getEnv("S3_BUCKET", "shipyard-outputs"),
		Region:         getEnv("AWS_REGION", "ap-south-1"),
		Endpoint:       getEnv("S3_ENDPOINT", ""),
		AccessKeyID:    getEnv("AWS_ACCESS_KEY_ID", ""),
		SecretKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
		ForcePathStyle: getBoolEnv("S3_FORCE_PATH_STYLE", false),
		Prefix:         getEnv("S3_PREFIX", "__outputs"),
	}
}

// loadDotEnv loads a .env file from the working directory when present.
// Variables already set in the environment win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "api-server"
	}
	return host
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getListEnv splits a comma separated variable, dropping empty items.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getPrefixedEnv collects variables starting with prefix, keyed by the
// remainder of their name.
func getPrefixedEnv(prefix string) map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) || key == prefix {
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = value
	}
	return out
}
