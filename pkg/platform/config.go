// Package platform assembles the report runner: configuration, component
// wiring and lifecycle.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/cost-report-runner/pkg/assistant"
)

// CurrentConfigVersion is the only accepted apiVersion.
const CurrentConfigVersion = "v1"

// Config holds the complete runner configuration.
type Config struct {
	APIVersion string          `yaml:"apiVersion"`
	Server     ServerConfig    `yaml:"server"`
	Auth       AuthConfig      `yaml:"auth"`
	Identity   IdentityConfig  `yaml:"identity"`
	Engine     EngineConfig    `yaml:"engine"`
	Jobs       JobsConfig      `yaml:"jobs"`
	Stream     StreamConfig    `yaml:"stream"`
	Artifacts  ArtifactsConfig `yaml:"artifacts"`
	Capture    CaptureConfig   `yaml:"capture"`
	Database   DatabaseConfig  `yaml:"database"`
	History    HistoryConfig   `yaml:"history"`
	Audit      AuditConfig     `yaml:"audit"`
	Assistant  AssistantConfig `yaml:"assistant"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Name              string        `yaml:"name"`
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// DrainDelay is how long readiness reports draining before the
	// listener closes, giving load balancers time to stop routing.
	DrainDelay time.Duration `yaml:"drain_delay"`
}

// AuthConfig configures client tokens.
type AuthConfig struct {
	Issuer string `yaml:"issuer"`

	// SigningKey is the HMAC key for client tokens. When empty a random key
	// is generated at startup, so tokens do not survive a restart.
	SigningKey string `yaml:"signing_key"`

	// TokenTTL bounds both the token and the vaulted credentials.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// IdentityConfig configures the credential check.
type IdentityConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// EngineConfig configures the report engine process.
type EngineConfig struct {
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	WorkDir        string            `yaml:"work_dir"`
	Env            map[string]string `yaml:"env"`
	Timeout        time.Duration     `yaml:"timeout"`
	TerminateGrace time.Duration     `yaml:"terminate_grace"`
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (c EngineConfig) EnvList() []string {
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

// JobsConfig configures sessions and the job runner.
type JobsConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	ChannelCapacity int           `yaml:"channel_capacity"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StreamConfig configures the event stream endpoints.
type StreamConfig struct {
	Keepalive      time.Duration `yaml:"keepalive"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// ArtifactsConfig configures artifact extraction and download.
type ArtifactsConfig struct {
	Marker     string   `yaml:"marker"`
	Extensions []string `yaml:"extensions"`
	Root       string   `yaml:"root"`

	// S3 publishes finished workbooks when a bucket is set.
	S3 S3Config `yaml:"s3"`
}

// S3Config configures the optional S3 artifact publisher. Credentials fall
// back to the server's default AWS chain, never a client's vaulted keys.
type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	Timeout         time.Duration `yaml:"timeout"`
}

// CaptureConfig configures per-job output capture.
type CaptureConfig struct {
	TranscriptDir string `yaml:"transcript_dir"`
	MaxLineBytes  int    `yaml:"max_line_bytes"`
}

// DatabaseConfig configures the optional PostgreSQL database.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// HistoryConfig configures run history retention.
type HistoryConfig struct {
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AssistantConfig configures the chat collaborator.
type AssistantConfig struct {
	// Provider is "engine" or "anthropic".
	Provider  string          `yaml:"provider"`
	Timeout   time.Duration   `yaml:"timeout"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
	System    string `yaml:"system"`
	BaseURL   string `yaml:"base_url"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding ${VAR} references and
// applying defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.APIVersion == "" {
		cfg.APIVersion = CurrentConfigVersion
	}
	applyServerDefaults(&cfg.Server)
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = cfg.Server.Name
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = time.Hour
	}
	if cfg.Engine.Command == "" {
		cfg.Engine.Command = "CostMinimizer"
	}
	if cfg.Engine.TerminateGrace == 0 {
		cfg.Engine.TerminateGrace = 5 * time.Second
	}
	applyJobsDefaults(&cfg.Jobs)
	if cfg.Stream.Keepalive == 0 {
		cfg.Stream.Keepalive = 15 * time.Second
	}
	if cfg.Stream.WriteTimeout == 0 {
		cfg.Stream.WriteTimeout = 10 * time.Second
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = 30
	}
	if cfg.History.CleanupInterval == 0 {
		cfg.History.CleanupInterval = time.Hour
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Audit.CleanupInterval == 0 {
		cfg.Audit.CleanupInterval = time.Hour
	}
	if cfg.Assistant.Provider == "" {
		cfg.Assistant.Provider = assistant.ProviderEngine
	}
	if cfg.Assistant.Timeout == 0 {
		cfg.Assistant.Timeout = 2 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.Name == "" {
		s.Name = "cost-report-runner"
	}
	if s.Address == "" {
		s.Address = ":8000"
	}
	if s.ReadHeaderTimeout == 0 {
		s.ReadHeaderTimeout = 10 * time.Second
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
}

func applyJobsDefaults(j *JobsConfig) {
	if j.MaxConcurrent == 0 {
		j.MaxConcurrent = 4
	}
	if j.ChannelCapacity == 0 {
		j.ChannelCapacity = 1024
	}
	if j.IdleTimeout == 0 {
		j.IdleTimeout = 5 * time.Minute
	}
	if j.CleanupInterval == 0 {
		j.CleanupInterval = time.Minute
	}
	if j.ShutdownTimeout == 0 {
		j.ShutdownTimeout = 20 * time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.APIVersion != CurrentConfigVersion {
		errs = append(errs, fmt.Sprintf("apiVersion %q is not supported (want %q)", c.APIVersion, CurrentConfigVersion))
	}
	if strings.TrimSpace(c.Engine.Command) == "" {
		errs = append(errs, "engine.command is required")
	}
	if c.Auth.SigningKey != "" && len(c.Auth.SigningKey) < 32 {
		errs = append(errs, "auth.signing_key must be at least 32 bytes")
	}
	if c.Auth.TokenTTL < 0 {
		errs = append(errs, "auth.token_ttl must not be negative")
	}
	if c.Jobs.MaxConcurrent < 0 {
		errs = append(errs, "jobs.max_concurrent must not be negative")
	}
	if c.Jobs.ChannelCapacity < 0 {
		errs = append(errs, "jobs.channel_capacity must not be negative")
	}
	if c.Stream.Keepalive < 0 {
		errs = append(errs, "stream.keepalive must not be negative")
	}
	if s3 := c.Artifacts.S3; s3.Bucket == "" && s3.Prefix != "" {
		errs = append(errs, "artifacts.s3.bucket is required when artifacts.s3.prefix is set")
	}

	switch c.Assistant.Provider {
	case assistant.ProviderEngine, assistant.ProviderAnthropic:
	default:
		errs = append(errs, fmt.Sprintf("assistant.provider %q is not one of engine, anthropic", c.Assistant.Provider))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not one of text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
