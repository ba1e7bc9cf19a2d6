package config

import (
	"fmt"
	"time"
)

// AgentConfig holds configuration for the build agent running inside an
// isolated build job.
type AgentConfig struct {
	// Identifying environment injected by the task launcher.
	GitRepositoryURL string
	ProjectID        string
	DeploymentID     string
	ProjectSubdomain string

	SourceDir      string
	InstallCommand string
	BuildCommand   string
	OutputDirs     []string
	BuildTimeout   time.Duration

	UploadAttempts       int
	UploadBackoff        time.Duration
	UploadAttemptTimeout time.Duration
	UploadFailFast       bool
	// UploadScope is "project" (keys under the project id) or "subdomain"
	// (keys under the project subdomain, the layout the reverse proxy reads).
	UploadScope string

	Queue   QueueConfig
	Storage StorageConfig
}

// LoadAgent reads build agent configuration from environment variables.
func LoadAgent() (*AgentConfig, error) {
	loadDotEnv()

	cfg := &AgentConfig{
		GitRepositoryURL:     getEnv("GIT_REPOSITORY_URL", ""),
		ProjectID:            getEnv("PROJECT_ID", ""),
		DeploymentID:         getEnv("DEPLOYMENT_ID", ""),
		ProjectSubdomain:     getEnv("PROJECT_SUBDOMAIN", ""),
		SourceDir:            getEnv("SOURCE_DIR", "/home/app/output"),
		InstallCommand:       getEnv("INSTALL_COMMAND", "npm install"),
		BuildCommand:         getEnv("BUILD_COMMAND", "npm run build"),
		OutputDirs:           getListEnv("OUTPUT_DIRS", []string{"dist", "build"}),
		BuildTimeout:         getDurationEnv("BUILD_TIMEOUT", 30*time.Minute),
		UploadAttempts:       getIntEnv("UPLOAD_ATTEMPTS", 3),
		UploadBackoff:        getDurationEnv("UPLOAD_BACKOFF", 200*time.Millisecond),
		UploadAttemptTimeout: getDurationEnv("UPLOAD_ATTEMPT_TIMEOUT", 2*time.Minute),
		UploadFailFast:       getBoolEnv("UPLOAD_FAIL_FAST", false),
		UploadScope:          getEnv("UPLOAD_SCOPE", "project"),
		Queue: QueueConfig{
			RedisURL:   getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Topic:      getEnv("QUEUE_TOPIC", "container-logs"),
			Partitions: getIntEnv("QUEUE_PARTITIONS", 4),
			MaxLen:     int64(getIntEnv("QUEUE_MAX_LEN", 1_000_000)),
		},
		Storage: loadStorage(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StorageScope returns the key segment uploads are stored under.
func (c *AgentConfig) StorageScope() string {
	if c.UploadScope == "subdomain" {
		return c.ProjectSubdomain
	}
	return c.ProjectID
}

// Validate checks that the identifying environment is present.
func (c *AgentConfig) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("PROJECT_ID is required")
	}
	if c.DeploymentID == "" {
		return fmt.Errorf("DEPLOYMENT_ID is required")
	}
	switch c.UploadScope {
	case "project":
	case "subdomain":
		if c.ProjectSubdomain == "" {
			return fmt.Errorf("PROJECT_SUBDOMAIN is required when UPLOAD_SCOPE is subdomain")
		}
	default:
		return fmt.Errorf("unknown UPLOAD_SCOPE %q", c.UploadScope)
	}
	if c.UploadAttempts < 1 {
		return fmt.Errorf("UPLOAD_ATTEMPTS must be at least 1")
	}
	if len(c.OutputDirs) == 0 {
		return fmt.Errorf("OUTPUT_DIRS must name at least one directory")
	}
	if c.Queue.Partitions < 1 {
		return fmt.Errorf("QUEUE_PARTITIONS must be at least 1")
	}
	return nil
}
