package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Worker    WorkerConfig    `yaml:"worker"`
	Engine    EngineConfig    `yaml:"engine"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `yaml:"host" envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port         int           `yaml:"port" envconfig:"SERVER_PORT" default:"9613"`
	APIKey       string        `yaml:"api_key" envconfig:"API_KEY"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
}

// StoreConfig holds record store configuration.
type StoreConfig struct {
	// Backend selects "sqlite" or "memory".
	Backend string `yaml:"backend" envconfig:"STORE_BACKEND" default:"sqlite"`
	Path    string `yaml:"path" envconfig:"STORE_PATH" default:"/data/transcodeq.db"`
}

// WorkerConfig holds scheduler and retry policy configuration.
type WorkerConfig struct {
	// Count bounds concurrent transcodes. 0 means one worker per CPU core.
	Count             int           `yaml:"count" envconfig:"WORKER_COUNT" default:"0"`
	MaxRetries        int           `yaml:"max_retries" envconfig:"WORKER_MAX_RETRIES" default:"3"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" envconfig:"WORKER_RETRY_BASE_DELAY" default:"5s"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" envconfig:"WORKER_RETRY_MAX_DELAY" default:"5m"`
	JobTimeout        time.Duration `yaml:"job_timeout" envconfig:"WORKER_JOB_TIMEOUT" default:"2h"`
	LivenessThreshold time.Duration `yaml:"liveness_threshold" envconfig:"WORKER_LIVENESS_THRESHOLD" default:"15m"`
	ProgressStep      int           `yaml:"progress_step" envconfig:"WORKER_PROGRESS_STEP" default:"5"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" envconfig:"WORKER_RECONCILE_INTERVAL" default:"1m"`
	StoreRetries      int           `yaml:"store_retries" envconfig:"WORKER_STORE_RETRIES" default:"3"`
	StoreRetryDelay   time.Duration `yaml:"store_retry_delay" envconfig:"WORKER_STORE_RETRY_DELAY" default:"500ms"`
}

// EngineConfig holds transcoding engine configuration.
type EngineConfig struct {
	// Backend selects "ffmpeg" or "remote".
	Backend      string        `yaml:"backend" envconfig:"ENGINE_BACKEND" default:"ffmpeg"`
	WorkDir      string        `yaml:"work_dir" envconfig:"ENGINE_WORK_DIR" default:"/data/work"`
	FFmpegPath   string        `yaml:"ffmpeg_path" envconfig:"ENGINE_FFMPEG_PATH"`
	FFprobePath  string        `yaml:"ffprobe_path" envconfig:"ENGINE_FFPROBE_PATH"`
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"ENGINE_POLL_INTERVAL" default:"2s"`
	RemoteURL    string        `yaml:"remote_url" envconfig:"ENGINE_REMOTE_URL"`
	RemoteToken  string        `yaml:"remote_token" envconfig:"ENGINE_REMOTE_TOKEN"`
}

// ArtifactsConfig holds artifact publication configuration.
type ArtifactsConfig struct {
	// Backend selects "local" or "s3".
	Backend string `yaml:"backend" envconfig:"ARTIFACTS_BACKEND" default:"local"`
	Dir     string `yaml:"dir" envconfig:"ARTIFACTS_DIR" default:"/data/assets"`
	BaseURL string `yaml:"base_url" envconfig:"ARTIFACTS_BASE_URL" default:"/assets"`
	Bucket  string `yaml:"bucket" envconfig:"ARTIFACTS_BUCKET"`
	Prefix  string `yaml:"prefix" envconfig:"ARTIFACTS_PREFIX" default:"videos"`
	Region  string `yaml:"region" envconfig:"ARTIFACTS_REGION"`
}

// Load reads configuration from file and environment variables.
// Environment variables override file values.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Load from YAML file if provided
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Override with environment variables
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.Server.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH is required for the sqlite backend")
	}
	switch c.Engine.Backend {
	case "ffmpeg", "remote":
	default:
		return fmt.Errorf("unknown engine backend %q", c.Engine.Backend)
	}
	if c.Engine.Backend == "remote" && c.Engine.RemoteURL == "" {
		return fmt.Errorf("ENGINE_REMOTE_URL is required for the remote engine")
	}
	switch c.Artifacts.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("unknown artifacts backend %q", c.Artifacts.Backend)
	}
	if c.Artifacts.Backend == "s3" && c.Artifacts.Bucket == "" {
		return fmt.Errorf("ARTIFACTS_BUCKET is required for the s3 backend")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must not be negative")
	}
	if c.Worker.ProgressStep <= 0 || c.Worker.ProgressStep > 100 {
		return fmt.Errorf("worker progress_step must be within 1-100")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkerCount resolves the effective worker count, defaulting to one
// worker per physical CPU core when unset.
func (c *WorkerConfig) WorkerCount() int {
	if c.Count > 0 {
		return c.Count
	}
	if n, err := cpu.Counts(false); err == nil && n > 0 {
		return n
	}
	return 2
}
