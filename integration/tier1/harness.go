//go:build integration

package tier1

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/format"
	"github.com/schaermu/guildsyncd/internal/git"
	guildsync "github.com/schaermu/guildsyncd/internal/sync"
	"github.com/schaermu/guildsyncd/internal/target/memory"
)

// Harness wires a local plan repository, the git client and an in-memory
// target into one end-to-end sync path, mirroring what serve mode does per
// push event.
type Harness struct {
	t *testing.T

	RemoteDir string
	StateDir  string
	Adapter   *memory.Adapter

	gitClient git.Client
	logger    *slog.Logger
}

// NewHarness creates a plan repository with an initial commit and an empty
// in-memory target.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	h := &Harness{
		t:         t,
		RemoteDir: t.TempDir(),
		StateDir:  t.TempDir(),
		Adapter:   memory.New(nil),
		gitClient: git.NewShellClient("", ""),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	h.git("init", "-b", "main", h.RemoteDir)
	h.git("-C", h.RemoteDir, "config", "user.email", "test@test.com")
	h.git("-C", h.RemoteDir, "config", "user.name", "Test")

	return h
}

// Push writes a plan document into the repository and commits it.
func (h *Harness) Push(name, content string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.RemoteDir, name), []byte(content), 0644); err != nil {
		h.t.Fatal(err)
	}
	h.git("-C", h.RemoteDir, "add", name)
	h.git("-C", h.RemoteDir, "commit", "-m", "update "+name)
}

// Sync runs one complete sync pass: checkout, discover, diff, apply.
func (h *Harness) Sync(ctx context.Context) (*guildsync.Result, error) {
	h.t.Helper()

	checkoutDir := filepath.Join(h.StateDir, "repo")
	if _, err := h.gitClient.EnsureCheckout(ctx, h.RemoteDir, "main", checkoutDir); err != nil {
		return nil, err
	}

	plans, err := format.DiscoverFiles(checkoutDir)
	if err != nil {
		return nil, err
	}

	var last *guildsync.Result
	for _, path := range plans {
		doc, _, err := format.ParseFile(path, format.Options{Expected: format.FormatUpload})
		if err != nil {
			return nil, err
		}

		snap, err := h.Adapter.FetchSnapshot(ctx)
		if err != nil {
			return nil, err
		}

		session, err := guildsync.NewSession(snap, doc.Plan(), h.Adapter, diff.Config{})
		if err != nil {
			return nil, err
		}

		last, err = guildsync.NewEngine(h.logger, false).Run(ctx, session, false)
		if err != nil {
			return nil, err
		}
	}
	return last, nil
}

func (h *Harness) git(args ...string) {
	h.t.Helper()
	if out, err := exec.Command("git", args...).CombinedOutput(); err != nil {
		h.t.Fatalf("git %v: %v: %s", args, err, out)
	}
}
