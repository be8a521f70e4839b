// Package terminal mirrors guild channels into windows of a tmux session.
// It is a deliberately partial backend: only channel creation and deletion
// map onto the multiplexer, everything else reports unsupported.
package terminal

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/format"
	"github.com/schaermu/guildsyncd/internal/target"
)

// Runner executes tmux invocations. Tests swap it for a fake.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ShellRunner runs the real tmux binary.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// Adapter implements target.Adapter against one tmux session. Window names
// double as entity ids; tmux has no separate id namespace to offer.
type Adapter struct {
	runner  Runner
	session string
}

// New builds an adapter for the named tmux session.
func New(session string) *Adapter {
	return &Adapter{runner: ShellRunner{}, session: session}
}

// NewWithRunner wires a custom runner, used by tests.
func NewWithRunner(runner Runner, session string) *Adapter {
	return &Adapter{runner: runner, session: session}
}

// Supports reports the partial capability set: channels can be created and
// deleted, nothing else maps onto a multiplexer.
func (a *Adapter) Supports(kind diff.OperationKind) bool {
	return kind == diff.OpCreateEntity || kind == diff.OpDeleteEntity
}

// FetchSnapshot lists the session's windows as channel entities.
func (a *Adapter) FetchSnapshot(ctx context.Context) (*format.Snapshot, error) {
	output, err := a.runner.Run(ctx, "list-windows", "-t", a.session, "-F", "#{window_name}")
	if err != nil {
		return nil, target.NewError("terminal", a.session, target.ErrTransport, err.Error())
	}

	// tmux allows several windows to share a name, but the adapter can
	// only address one window per name; keep the first.
	seen := make(map[string]bool)
	var entities []format.Entity
	for _, name := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		entities = append(entities, format.Entity{
			Kind:       format.KindChannel,
			ID:         name,
			Attributes: map[string]any{"name": name},
		})
	}

	doc := &format.Document{Format: format.FormatDump, Entities: entities}
	return doc.Snapshot(), nil
}

// Apply creates or kills a window. Operations outside the capability set
// report unsupported instead of failing the session.
func (a *Adapter) Apply(ctx context.Context, op diff.Operation) error {
	if !a.Supports(op.Kind) || op.Entity != format.KindChannel {
		return target.NewError("terminal", op.TargetID, target.ErrUnsupported,
			fmt.Sprintf("%s on %s does not map onto a tmux session", op.Kind, op.Entity))
	}

	switch op.Kind {
	case diff.OpCreateEntity:
		name := a.windowName(op)
		if _, err := a.runner.Run(ctx, "new-window", "-d", "-t", a.session, "-n", name); err != nil {
			return target.NewError("terminal", op.TargetID, target.ErrTransport, err.Error())
		}
	case diff.OpDeleteEntity:
		window := fmt.Sprintf("%s:%s", a.session, op.TargetID)
		if _, err := a.runner.Run(ctx, "kill-window", "-t", window); err != nil {
			return target.NewError("terminal", op.TargetID, target.ErrTransport, err.Error())
		}
	}
	return nil
}

// Close is a no-op; tmux is driven through one-shot commands.
func (a *Adapter) Close() error {
	return nil
}

// windowName prefers the channel's name attribute, falling back to the plan
// id so the window stays addressable for later deletes.
func (a *Adapter) windowName(op diff.Operation) string {
	if name, ok := op.After["name"].(string); ok && name != "" {
		return name
	}
	if op.PlanID != "" {
		return op.PlanID
	}
	return op.TargetID
}
