package main

import (
	"fmt"

	"github.com/schaermu/guildsyncd/internal/config"
	"github.com/schaermu/guildsyncd/internal/target"
	"github.com/schaermu/guildsyncd/internal/target/kube"
	"github.com/schaermu/guildsyncd/internal/target/sshhost"
	"github.com/schaermu/guildsyncd/internal/target/terminal"
)

type targetAdapter = target.Adapter

// buildAdapter constructs the sync backend for the named target, falling
// back to targets.default when name is empty.
func buildAdapter(cfg *config.Config, name string) (target.Adapter, error) {
	if name == "" {
		name = cfg.Targets.Default
	}
	if name == "" {
		return nil, fmt.Errorf("no target selected: pass --target or set targets.default")
	}
	if err := cfg.TargetConfigured(name); err != nil {
		return nil, err
	}

	switch name {
	case "guild":
		// The guild adapter needs a Discord API client, which this build
		// does not bundle. The adapter itself is fully functional and is
		// exercised against mock clients.
		return nil, fmt.Errorf("guild target: discord client transport is not bundled in this build")
	case "kube-local":
		t := cfg.Targets.KubeLocal
		return kube.NewLocal(t.Namespace, t.ConfigMap), nil
	case "kube-remote":
		t := cfg.Targets.KubeRemote
		return kube.NewRemote(t.Context, t.Namespace, t.ConfigMap), nil
	case "ssh":
		t := cfg.Targets.SSH
		return sshhost.New(sshhost.Config{
			Host:           t.Host,
			Port:           t.Port,
			User:           t.User,
			KeyFile:        t.KeyFile,
			KnownHostsFile: t.KnownHostsFile,
			Path:           t.Path,
		}), nil
	case "terminal":
		return terminal.New(cfg.Targets.Terminal.Session), nil
	}
	return nil, fmt.Errorf("unknown target %q", name)
}
