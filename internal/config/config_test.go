package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
repo:
  url: "git@github.com:test/guild-plan.git"
  ref: "refs/heads/main"
  subdir: "plans"

paths:
  state_dir: "/var/lib/guildsyncd"

sync:
  strict: true
  prune: true

targets:
  default: "terminal"
  terminal:
    session: "main"
  kube_local:
    configmap: "guild-state"

serve:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Repo.URL != "git@github.com:test/guild-plan.git" {
		t.Errorf("expected URL git@github.com:test/guild-plan.git, got %s", cfg.Repo.URL)
	}
	if !cfg.Sync.Strict || !cfg.Sync.Prune {
		t.Errorf("unexpected sync config: %+v", cfg.Sync)
	}
	if cfg.Sync.Parallel {
		t.Error("parallel must default to off")
	}
	if cfg.Targets.Default != "terminal" {
		t.Errorf("expected default target terminal, got %s", cfg.Targets.Default)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "repo: [not: valid")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Paths: PathsConfig{StateDir: "/var/lib/guildsyncd"},
			Targets: TargetsConfig{
				Default:  "terminal",
				Terminal: &TerminalTarget{Session: "main"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing state dir", mutate: func(c *Config) { c.Paths.StateDir = "" }, wantErr: true},
		{name: "relative state dir", mutate: func(c *Config) { c.Paths.StateDir = "state" }, wantErr: true},
		{name: "both auth methods", mutate: func(c *Config) {
			c.Repo.SSHKeyFile = "/key"
			c.Repo.HTTPSTokenFile = "/token"
		}, wantErr: true},
		{name: "unknown default target", mutate: func(c *Config) { c.Targets.Default = "mainframe" }, wantErr: true},
		{name: "unconfigured default target", mutate: func(c *Config) { c.Targets.Default = "ssh" }, wantErr: true},
		{name: "guild without id", mutate: func(c *Config) { c.Targets.Guild = &GuildTarget{} }, wantErr: true},
		{name: "kube local without configmap", mutate: func(c *Config) { c.Targets.KubeLocal = &KubeTarget{} }, wantErr: true},
		{name: "kube remote without context", mutate: func(c *Config) {
			c.Targets.KubeRemote = &KubeTarget{ConfigMap: "guild-state"}
		}, wantErr: true},
		{name: "ssh without key", mutate: func(c *Config) {
			c.Targets.SSH = &SSHTarget{Host: "host", User: "sync", KnownHostsFile: "/kh", Path: "/state"}
		}, wantErr: true},
		{name: "terminal without session", mutate: func(c *Config) { c.Targets.Terminal = &TerminalTarget{} }, wantErr: true},
		{name: "serve without repo url", mutate: func(c *Config) {
			c.Serve = ServeConfig{Enabled: true, ListenAddr: "127.0.0.1:8787", WebhookSecretFile: "/secret"}
		}, wantErr: true},
		{name: "serve without listen addr", mutate: func(c *Config) {
			c.Repo.URL = "https://github.com/test/guild-plan.git"
			c.Serve = ServeConfig{Enabled: true, WebhookSecretFile: "/secret"}
		}, wantErr: true},
		{name: "serve without secret file", mutate: func(c *Config) {
			c.Repo.URL = "https://github.com/test/guild-plan.git"
			c.Serve = ServeConfig{Enabled: true, ListenAddr: "127.0.0.1:8787"}
		}, wantErr: true},
		{name: "serve fully configured", mutate: func(c *Config) {
			c.Repo.URL = "https://github.com/test/guild-plan.git"
			c.Serve = ServeConfig{Enabled: true, ListenAddr: "127.0.0.1:8787", WebhookSecretFile: "/secret"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{
		Repo: RepoConfig{URL: "https://github.com/test/guild-plan.git"},
		Targets: TargetsConfig{
			SSH:        &SSHTarget{Host: "host"},
			KubeLocal:  &KubeTarget{ConfigMap: "guild-state"},
			KubeRemote: &KubeTarget{Context: "staging", ConfigMap: "guild-state"},
		},
	}
	cfg.applyDefaults()

	if cfg.Repo.Ref != "refs/heads/main" {
		t.Errorf("expected default ref refs/heads/main, got %s", cfg.Repo.Ref)
	}
	if cfg.Serve.DebounceSeconds != 2 {
		t.Errorf("expected default debounce 2, got %d", cfg.Serve.DebounceSeconds)
	}
	if cfg.Targets.SSH.Port != "22" {
		t.Errorf("expected default ssh port 22, got %s", cfg.Targets.SSH.Port)
	}
	if cfg.Targets.KubeLocal.Namespace != "default" || cfg.Targets.KubeRemote.Namespace != "default" {
		t.Error("expected default namespace for both cluster targets")
	}
}

func TestTargetConfigured(t *testing.T) {
	cfg := Config{Targets: TargetsConfig{
		Terminal: &TerminalTarget{Session: "main"},
	}}

	if err := cfg.TargetConfigured("terminal"); err != nil {
		t.Errorf("expected terminal to be configured: %v", err)
	}
	if err := cfg.TargetConfigured("guild"); err == nil {
		t.Error("expected error for unconfigured guild target")
	}
	if err := cfg.TargetConfigured("mainframe"); err == nil {
		t.Error("expected error for unknown target name")
	}
}

func TestPlanSourceDir(t *testing.T) {
	cfg := Config{Paths: PathsConfig{StateDir: "/var/lib/guildsyncd"}}

	if got := cfg.PlanSourceDir(); got != "/var/lib/guildsyncd/repo" {
		t.Errorf("expected repo dir without subdir, got %s", got)
	}

	cfg.Repo.Subdir = "plans"
	if got := cfg.PlanSourceDir(); got != "/var/lib/guildsyncd/repo/plans" {
		t.Errorf("expected plans subdir, got %s", got)
	}
}

func TestAuthMethod(t *testing.T) {
	cfg := Config{}
	if got := cfg.AuthMethod(); got != "none" {
		t.Errorf("expected none, got %s", got)
	}
	cfg.Repo.SSHKeyFile = "/key"
	if got := cfg.AuthMethod(); got != "ssh" {
		t.Errorf("expected ssh, got %s", got)
	}
	cfg.Repo.SSHKeyFile = ""
	cfg.Repo.HTTPSTokenFile = "/token"
	if got := cfg.AuthMethod(); got != "https" {
		t.Errorf("expected https, got %s", got)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("GUILDSYNCD_TEST_STATE", "/var/lib/guildsyncd")

	path := writeConfig(t, `
paths:
  state_dir: "${GUILDSYNCD_TEST_STATE}"
targets:
  default: "terminal"
  terminal:
    session: "main"
  ssh:
    host: "host"
    user: "sync"
    key_file: "${GUILDSYNCD_TEST_STATE}/key"
    known_hosts_file: "/etc/ssh/known_hosts"
    path: "/srv/state.json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paths.StateDir != "/var/lib/guildsyncd" {
		t.Errorf("state_dir not expanded: %s", cfg.Paths.StateDir)
	}
	if cfg.Targets.SSH.KeyFile != "/var/lib/guildsyncd/key" {
		t.Errorf("ssh key_file not expanded: %s", cfg.Targets.SSH.KeyFile)
	}
}
