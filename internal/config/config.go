package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSyncInterval   = 5 * time.Minute
	DefaultHealthInterval = time.Minute
	DefaultSidecarName    = "composesyncd-job"
	DefaultComposeBinary  = "docker"
)

// DefaultSidecarCommand is the command the sidecar runs in the server's image
var DefaultSidecarCommand = []string{"job"}

// Config represents the complete composesyncd configuration
type Config struct {
	Repo    RepoConfig    `yaml:"repo"`
	Paths   PathsConfig   `yaml:"paths"`
	Sync    SyncConfig    `yaml:"sync"`
	Auth    AuthConfig    `yaml:"auth"`
	Serve   ServeConfig   `yaml:"serve"`
	Sidecar SidecarConfig `yaml:"sidecar"`
	Docker  DockerConfig  `yaml:"docker"`
}

// RepoConfig configures the Git repository source
type RepoConfig struct {
	URL string `yaml:"url"`
	Ref string `yaml:"ref"`
	// KeyFile is the git-crypt symmetric key; empty means the repo must not
	// contain encrypted files
	KeyFile string `yaml:"key_file"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// SyncConfig configures reconciliation behavior
type SyncConfig struct {
	// IgnoreExternal leaves stacks whose manifest is outside the checkout alone
	IgnoreExternal *bool         `yaml:"ignore_external"`
	Interval       time.Duration `yaml:"interval"`
	StrictEnv      bool          `yaml:"strict_env"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
	Metrics                 *bool    `yaml:"metrics"`
}

// SidecarConfig configures the self-managed sync job container
type SidecarConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	Name           string        `yaml:"name"`
	Command        []string      `yaml:"command"`
	AutoRemove     *bool         `yaml:"auto_remove"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// DockerConfig configures access to the container engine
type DockerConfig struct {
	Host          string `yaml:"host"`
	ComposeBinary string `yaml:"compose_binary"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path-like string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Ref = os.ExpandEnv(c.Repo.Ref)
	c.Repo.KeyFile = os.ExpandEnv(c.Repo.KeyFile)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
	c.Docker.Host = os.ExpandEnv(c.Docker.Host)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.IgnoreExternal == nil {
		c.Sync.IgnoreExternal = boolPtr(true)
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = DefaultSyncInterval
	}
	if c.Serve.Metrics == nil {
		c.Serve.Metrics = boolPtr(true)
	}
	if c.Sidecar.Enabled == nil {
		c.Sidecar.Enabled = boolPtr(true)
	}
	if c.Sidecar.Name == "" {
		c.Sidecar.Name = DefaultSidecarName
	}
	if len(c.Sidecar.Command) == 0 {
		c.Sidecar.Command = append([]string(nil), DefaultSidecarCommand...)
	}
	if c.Sidecar.AutoRemove == nil {
		c.Sidecar.AutoRemove = boolPtr(true)
	}
	if c.Sidecar.HealthInterval == 0 {
		c.Sidecar.HealthInterval = DefaultHealthInterval
	}
	if c.Docker.ComposeBinary == "" {
		c.Docker.ComposeBinary = DefaultComposeBinary
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}
	if c.Repo.Ref == "" {
		return fmt.Errorf("repo.ref is required")
	}
	if c.Repo.KeyFile != "" && !filepath.IsAbs(c.Repo.KeyFile) {
		return fmt.Errorf("repo.key_file must be an absolute path: %s", c.Repo.KeyFile)
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must be positive: %s", c.Sync.Interval)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	if c.SidecarEnabled() {
		if strings.TrimSpace(c.Sidecar.Name) == "" {
			return fmt.Errorf("sidecar.name must not be blank")
		}
		if c.Sidecar.HealthInterval < 0 {
			return fmt.Errorf("sidecar.health_interval must be positive: %s", c.Sidecar.HealthInterval)
		}
	}

	return nil
}

// RepoDir returns the path where the git repository is checked out
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.StateDir, "repo")
}

// IgnoreExternal reports whether stacks outside the checkout are left alone
func (c *Config) IgnoreExternal() bool {
	return c.Sync.IgnoreExternal == nil || *c.Sync.IgnoreExternal
}

// SidecarEnabled reports whether the sync job sidecar is managed
func (c *Config) SidecarEnabled() bool {
	return c.Sidecar.Enabled == nil || *c.Sidecar.Enabled
}

// SidecarAutoRemove reports whether the sidecar is removed when it exits
func (c *Config) SidecarAutoRemove() bool {
	return c.Sidecar.AutoRemove == nil || *c.Sidecar.AutoRemove
}

// MetricsEnabled reports whether the server exposes /metrics
func (c *Config) MetricsEnabled() bool {
	return c.Serve.Metrics == nil || *c.Serve.Metrics
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}

func boolPtr(b bool) *bool {
	return &b
}
