package kube

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/format"
	"github.com/schaermu/guildsyncd/internal/target"
)

// fakeRunner scripts kubectl responses per leading verb.
type fakeRunner struct {
	getOutput []byte
	getErr    error
	patchErr  error
	createErr error

	calls [][]string
}

func (f *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	verb := args[0]
	if verb == "--context" {
		verb = args[2]
	}
	switch verb {
	case "get":
		return f.getOutput, f.getErr
	case "patch":
		return nil, f.patchErr
	case "create":
		return nil, f.createErr
	default:
		return nil, fmt.Errorf("unexpected kubectl verb %s", verb)
	}
}

func TestAdapter_FetchSnapshot(t *testing.T) {
	runner := &fakeRunner{getOutput: []byte(`{"format": "dump", "version": 1, "entities": [
		{"kind": "guild", "id": "g"}
	]}`)}
	adapter := NewWithRunner(runner, "", "default", "guild-state")

	snap, err := adapter.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("FetchSnapshot returned error: %v", err)
	}
	if snap.Len() != 1 {
		t.Errorf("expected 1 entity, got %d", snap.Len())
	}

	args := runner.calls[0]
	if args[0] != "get" || args[2] != "guild-state" {
		t.Errorf("unexpected kubectl call: %v", args)
	}
}

func TestAdapter_MissingConfigMapStartsEmpty(t *testing.T) {
	runner := &fakeRunner{getErr: errors.New(`configmaps "guild-state" NotFound`)}
	adapter := NewWithRunner(runner, "", "default", "guild-state")

	snap, err := adapter.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("FetchSnapshot returned error: %v", err)
	}
	if snap.Len() != 0 {
		t.Errorf("expected empty snapshot, got %d entities", snap.Len())
	}
}

func TestAdapter_TransportError(t *testing.T) {
	runner := &fakeRunner{getErr: errors.New("connection refused")}
	adapter := NewWithRunner(runner, "", "default", "guild-state")

	_, err := adapter.FetchSnapshot(context.Background())
	if !errors.Is(err, target.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestAdapter_InvalidStoredDocument(t *testing.T) {
	runner := &fakeRunner{getOutput: []byte(`[not an object]`)}
	adapter := NewWithRunner(runner, "", "default", "guild-state")

	_, err := adapter.FetchSnapshot(context.Background())
	if !errors.Is(err, target.ErrTransport) {
		t.Fatalf("expected ErrTransport for corrupt state, got %v", err)
	}
}

func TestAdapter_ApplyPatchesConfigMap(t *testing.T) {
	runner := &fakeRunner{getOutput: []byte(`{"format": "dump", "entities": [
		{"kind": "guild", "id": "g"}
	]}`)}
	adapter := NewWithRunner(runner, "", "default", "guild-state")

	err := adapter.Apply(context.Background(), diff.Operation{
		Kind:     diff.OpCreateEntity,
		Entity:   format.KindChannel,
		TargetID: diff.PlaceholderID("general"),
		PlanID:   "general",
		ParentID: "g",
		After:    map[string]any{"name": "general"},
	})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	// load, then patch
	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 kubectl calls, got %v", runner.calls)
	}
	patch := runner.calls[1]
	if patch[0] != "patch" {
		t.Fatalf("expected a patch call, got %v", patch)
	}
	if !strings.Contains(patch[len(patch)-1], "general") {
		t.Errorf("patch payload missing new entity: %s", patch[len(patch)-1])
	}
}

func TestAdapter_SaveFallsBackToCreate(t *testing.T) {
	runner := &fakeRunner{
		getErr:   errors.New("NotFound"),
		patchErr: errors.New(`configmaps "guild-state" NotFound`),
	}
	adapter := NewWithRunner(runner, "", "default", "guild-state")

	err := adapter.Apply(context.Background(), diff.Operation{
		Kind:     diff.OpCreateEntity,
		Entity:   format.KindGuild,
		TargetID: diff.PlaceholderID("g"),
		PlanID:   "g",
	})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	last := runner.calls[len(runner.calls)-1]
	if last[0] != "create" {
		t.Fatalf("expected create fallback, got %v", last)
	}
}

func TestAdapter_RemoteContextFlag(t *testing.T) {
	runner := &fakeRunner{getOutput: []byte(``)}
	adapter := NewWithRunner(runner, "staging", "default", "guild-state")

	if _, err := adapter.FetchSnapshot(context.Background()); err != nil {
		t.Fatalf("FetchSnapshot returned error: %v", err)
	}

	args := runner.calls[0]
	if args[0] != "--context" || args[1] != "staging" {
		t.Errorf("expected --context staging prefix, got %v", args)
	}
}

func TestAdapter_FailedOperationKeepsConfigMapUntouched(t *testing.T) {
	runner := &fakeRunner{getOutput: []byte(`{"format": "dump", "entities": []}`)}
	adapter := NewWithRunner(runner, "", "default", "guild-state")

	err := adapter.Apply(context.Background(), diff.Operation{
		Kind:     diff.OpDeleteEntity,
		TargetID: "gone",
	})
	if !errors.Is(err, target.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Only the initial load may have hit the cluster
	if len(runner.calls) != 1 {
		t.Errorf("failed operation must not write back, calls: %v", runner.calls)
	}
}
