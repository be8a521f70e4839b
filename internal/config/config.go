package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete guildsyncd configuration
type Config struct {
	Repo    RepoConfig    `yaml:"repo"`
	Paths   PathsConfig   `yaml:"paths"`
	Sync    SyncConfig    `yaml:"sync"`
	Targets TargetsConfig `yaml:"targets"`
	Serve   ServeConfig   `yaml:"serve"`
}

// RepoConfig configures the Git repository holding the plan documents
type RepoConfig struct {
	URL    string `yaml:"url"`
	Ref    string `yaml:"ref"`
	Subdir string `yaml:"subdir"`

	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// SyncConfig configures diff and apply behavior
type SyncConfig struct {
	// Strict turns a contradictory declared/expected format pair into a
	// hard validation failure.
	Strict bool `yaml:"strict"`
	// Prune deletes remote entities the plan does not mention. Destructive;
	// off by default.
	Prune bool `yaml:"prune"`
	// Parallel applies independent operation groups concurrently.
	Parallel bool `yaml:"parallel"`
}

// TargetsConfig selects and configures the sync backends
type TargetsConfig struct {
	// Default names the target used when the CLI does not pass --target.
	Default    string          `yaml:"default"`
	Guild      *GuildTarget    `yaml:"guild"`
	KubeLocal  *KubeTarget     `yaml:"kube_local"`
	KubeRemote *KubeTarget     `yaml:"kube_remote"`
	SSH        *SSHTarget      `yaml:"ssh"`
	Terminal   *TerminalTarget `yaml:"terminal"`
}

// GuildTarget configures the Discord guild backend
type GuildTarget struct {
	GuildID   string `yaml:"guild_id"`
	TokenFile string `yaml:"token_file"`
}

// KubeTarget configures a cluster backend; Context is empty for the local
// cluster
type KubeTarget struct {
	Context   string `yaml:"context"`
	Namespace string `yaml:"namespace"`
	ConfigMap string `yaml:"configmap"`
}

// SSHTarget configures the remote-host backend
type SSHTarget struct {
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	User           string `yaml:"user"`
	KeyFile        string `yaml:"key_file"`
	KnownHostsFile string `yaml:"known_hosts_file"`
	Path           string `yaml:"path"`
}

// TerminalTarget configures the tmux backend
type TerminalTarget struct {
	Session string `yaml:"session"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled           bool     `yaml:"enabled"`
	ListenAddr        string   `yaml:"listen_addr"`
	WebhookSecretFile string   `yaml:"webhook_secret_file"`
	AllowedEventTypes []string `yaml:"allowed_event_types"`
	AllowedRefs       []string `yaml:"allowed_refs"`
	DebounceSeconds   int      `yaml:"debounce_seconds"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
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

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Ref = os.ExpandEnv(c.Repo.Ref)
	c.Repo.Subdir = os.ExpandEnv(c.Repo.Subdir)
	c.Repo.SSHKeyFile = os.ExpandEnv(c.Repo.SSHKeyFile)
	c.Repo.HTTPSTokenFile = os.ExpandEnv(c.Repo.HTTPSTokenFile)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
	if c.Targets.Guild != nil {
		c.Targets.Guild.TokenFile = os.ExpandEnv(c.Targets.Guild.TokenFile)
	}
	if c.Targets.SSH != nil {
		c.Targets.SSH.KeyFile = os.ExpandEnv(c.Targets.SSH.KeyFile)
		c.Targets.SSH.KnownHostsFile = os.ExpandEnv(c.Targets.SSH.KnownHostsFile)
		c.Targets.SSH.Path = os.ExpandEnv(c.Targets.SSH.Path)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Ref == "" && c.Repo.URL != "" {
		c.Repo.Ref = "refs/heads/main"
	}
	if c.Serve.DebounceSeconds == 0 {
		c.Serve.DebounceSeconds = 2
	}
	if c.Targets.SSH != nil && c.Targets.SSH.Port == "" {
		c.Targets.SSH.Port = "22"
	}
	if c.Targets.KubeLocal != nil && c.Targets.KubeLocal.Namespace == "" {
		c.Targets.KubeLocal.Namespace = "default"
	}
	if c.Targets.KubeRemote != nil && c.Targets.KubeRemote.Namespace == "" {
		c.Targets.KubeRemote.Namespace = "default"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.Repo.SSHKeyFile != "" && c.Repo.HTTPSTokenFile != "" {
		return fmt.Errorf("repo: only one of ssh_key_file or https_token_file may be set")
	}

	if c.Targets.Default != "" {
		if err := c.TargetConfigured(c.Targets.Default); err != nil {
			return err
		}
	}
	if err := c.validateTargets(); err != nil {
		return err
	}

	if c.Serve.Enabled {
		if c.Repo.URL == "" {
			return fmt.Errorf("repo.url is required when serve is enabled")
		}
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.WebhookSecretFile == "" {
			return fmt.Errorf("serve.webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

func (c *Config) validateTargets() error {
	if t := c.Targets.Guild; t != nil {
		if t.GuildID == "" {
			return fmt.Errorf("targets.guild.guild_id is required")
		}
	}
	if t := c.Targets.KubeLocal; t != nil {
		if t.ConfigMap == "" {
			return fmt.Errorf("targets.kube_local.configmap is required")
		}
	}
	if t := c.Targets.KubeRemote; t != nil {
		if t.Context == "" {
			return fmt.Errorf("targets.kube_remote.context is required")
		}
		if t.ConfigMap == "" {
			return fmt.Errorf("targets.kube_remote.configmap is required")
		}
	}
	if t := c.Targets.SSH; t != nil {
		switch {
		case t.Host == "":
			return fmt.Errorf("targets.ssh.host is required")
		case t.User == "":
			return fmt.Errorf("targets.ssh.user is required")
		case t.KeyFile == "":
			return fmt.Errorf("targets.ssh.key_file is required")
		case t.KnownHostsFile == "":
			return fmt.Errorf("targets.ssh.known_hosts_file is required")
		case t.Path == "":
			return fmt.Errorf("targets.ssh.path is required")
		}
	}
	if t := c.Targets.Terminal; t != nil {
		if t.Session == "" {
			return fmt.Errorf("targets.terminal.session is required")
		}
	}
	return nil
}

// TargetConfigured checks that the named target has a configuration section
func (c *Config) TargetConfigured(name string) error {
	configured := map[string]bool{
		"guild":       c.Targets.Guild != nil,
		"kube-local":  c.Targets.KubeLocal != nil,
		"kube-remote": c.Targets.KubeRemote != nil,
		"ssh":         c.Targets.SSH != nil,
		"terminal":    c.Targets.Terminal != nil,
	}
	ok, known := configured[name]
	if !known {
		return fmt.Errorf("unknown target %q (must be guild, kube-local, kube-remote, ssh, or terminal)", name)
	}
	if !ok {
		return fmt.Errorf("target %q is not configured", name)
	}
	return nil
}

// RepoDir returns the path where the plan repository is checked out
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.StateDir, "repo")
}

// PlanSourceDir returns the path within the repo containing plan documents
func (c *Config) PlanSourceDir() string {
	if c.Repo.Subdir == "" {
		return c.RepoDir()
	}
	return filepath.Join(c.RepoDir(), c.Repo.Subdir)
}

// AuthMethod returns a description of the configured repo auth method
func (c *Config) AuthMethod() string {
	if c.Repo.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Repo.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
