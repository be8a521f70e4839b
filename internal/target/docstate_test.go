package target

import (
	"errors"
	"reflect"
	"testing"

	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/format"
)

func mustDoc(t *testing.T, data string) *format.Document {
	t.Helper()
	doc, _, err := format.Parse([]byte(data), format.Options{})
	if err != nil {
		t.Fatalf("failed to parse fixture: %v", err)
	}
	return doc
}

func TestDocState_CreateAdoptsPlanID(t *testing.T) {
	state := NewDocState(nil)

	placeholder := diff.PlaceholderID("general")
	err := state.Apply(diff.Operation{
		Kind:     diff.OpCreateEntity,
		Entity:   format.KindChannel,
		TargetID: placeholder,
		PlanID:   "general",
		After:    map[string]any{"name": "general"},
	})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	if got := state.Resolve(placeholder); got != "general" {
		t.Errorf("expected plan id to be adopted, got %q", got)
	}
	snap := state.Snapshot()
	if e := snap.Entity("general"); e == nil || e.Attributes["name"] != "general" {
		t.Errorf("unexpected entity: %+v", e)
	}
}

func TestDocState_CreateMintsWhenPlanIDTaken(t *testing.T) {
	state := NewDocState(mustDoc(t, `{"format": "dump", "entities": [
		{"kind": "channel", "id": "general"}
	]}`))

	placeholder := diff.PlaceholderID("general")
	err := state.Apply(diff.Operation{
		Kind:     diff.OpCreateEntity,
		Entity:   format.KindChannel,
		TargetID: placeholder,
		PlanID:   "general",
	})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	assigned := state.Resolve(placeholder)
	if assigned == "general" {
		t.Fatal("taken plan id must not be reused")
	}
	if state.Snapshot().Entity(assigned) == nil {
		t.Errorf("minted entity %q not found", assigned)
	}
}

func TestDocState_CreateUnderPlaceholderParent(t *testing.T) {
	state := NewDocState(nil)

	parentPlaceholder := diff.PlaceholderID("cat")
	ops := []diff.Operation{
		{Kind: diff.OpCreateEntity, Entity: format.KindChannel, TargetID: parentPlaceholder, PlanID: "cat"},
		{Kind: diff.OpCreateEntity, Entity: format.KindChannel, TargetID: diff.PlaceholderID("general"), PlanID: "general", ParentID: parentPlaceholder},
	}
	for _, op := range ops {
		if err := state.Apply(op); err != nil {
			t.Fatalf("Apply(%s) returned error: %v", op.Kind, err)
		}
	}

	snap := state.Snapshot()
	if parent, ok := snap.Parent("general"); !ok || parent != "cat" {
		t.Errorf("expected general attached under cat, got %q (ok=%v)", parent, ok)
	}
}

func TestDocState_UpdateAttributes(t *testing.T) {
	state := NewDocState(mustDoc(t, `{"format": "dump", "entities": [
		{"kind": "channel", "id": "general", "attributes": {"name": "general", "topic": "old"}}
	]}`))

	err := state.Apply(diff.Operation{
		Kind:     diff.OpUpdateAttributes,
		TargetID: "general",
		After:    map[string]any{"topic": "new"},
	})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	attrs := state.Snapshot().Entity("general").Attributes
	if attrs["topic"] != "new" || attrs["name"] != "general" {
		t.Errorf("unexpected attributes: %v", attrs)
	}
}

func TestDocState_DeleteDetachesFromParent(t *testing.T) {
	state := NewDocState(mustDoc(t, `{"format": "dump", "entities": [
		{"kind": "guild", "id": "g", "children": ["general", "random"]},
		{"kind": "channel", "id": "general"},
		{"kind": "channel", "id": "random"}
	]}`))

	err := state.Apply(diff.Operation{Kind: diff.OpDeleteEntity, TargetID: "general"})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	snap := state.Snapshot()
	if snap.Entity("general") != nil {
		t.Error("deleted entity still present")
	}
	if got := snap.Entity("g").Children; !reflect.DeepEqual(got, []string{"random"}) {
		t.Errorf("expected parent children [random], got %v", got)
	}
}

func TestDocState_Reorder(t *testing.T) {
	state := NewDocState(mustDoc(t, `{"format": "dump", "entities": [
		{"kind": "guild", "id": "g", "children": ["a", "b"]},
		{"kind": "channel", "id": "a"},
		{"kind": "channel", "id": "b"}
	]}`))

	err := state.Apply(diff.Operation{
		Kind:     diff.OpReorderChildren,
		TargetID: "g",
		Children: []string{"b", "a"},
	})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	if got := state.Snapshot().Entity("g").Children; !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Errorf("unexpected child order: %v", got)
	}
}

func TestDocState_SetOverwrite(t *testing.T) {
	state := NewDocState(mustDoc(t, `{"format": "dump", "entities": [
		{"kind": "channel", "id": "general"}
	]}`))

	t.Run("create", func(t *testing.T) {
		err := state.Apply(diff.Operation{
			Kind:     diff.OpSetOverwrite,
			Entity:   format.KindOverwrite,
			TargetID: diff.PlaceholderID("ow1"),
			PlanID:   "ow1",
			ParentID: "general",
			Subject:  "role:admin",
			After:    map[string]any{"subject": "role:admin", "allow": "read"},
		})
		if err != nil {
			t.Fatalf("Apply returned error: %v", err)
		}

		snap := state.Snapshot()
		if e := snap.Entity("ow1"); e == nil || e.Kind != format.KindOverwrite {
			t.Fatalf("overwrite not created: %+v", e)
		}
		if parent, _ := snap.Parent("ow1"); parent != "general" {
			t.Errorf("expected overwrite attached to general, got %q", parent)
		}
	})

	t.Run("update in place", func(t *testing.T) {
		err := state.Apply(diff.Operation{
			Kind:     diff.OpSetOverwrite,
			Entity:   format.KindOverwrite,
			TargetID: "ow1",
			ParentID: "general",
			Subject:  "role:admin",
			After:    map[string]any{"allow": "manage"},
		})
		if err != nil {
			t.Fatalf("Apply returned error: %v", err)
		}

		snap := state.Snapshot()
		if got := snap.Entity("ow1").Attributes["allow"]; got != "manage" {
			t.Errorf("expected allow=manage, got %v", got)
		}
		// Still exactly one overwrite under the channel
		if got := snap.Entity("general").Children; len(got) != 1 {
			t.Errorf("expected one child, got %v", got)
		}
	})
}

func TestDocState_NotFound(t *testing.T) {
	state := NewDocState(nil)

	for _, op := range []diff.Operation{
		{Kind: diff.OpUpdateAttributes, TargetID: "gone"},
		{Kind: diff.OpDeleteEntity, TargetID: "gone"},
		{Kind: diff.OpReorderChildren, TargetID: "gone"},
	} {
		if err := state.Apply(op); !errors.Is(err, ErrNotFound) {
			t.Errorf("Apply(%s) = %v, want ErrNotFound", op.Kind, err)
		}
	}
}

// Applying a computed operation list must converge: re-diffing the mutated
// state against the same plan yields nothing.
func TestDocState_ApplyConverges(t *testing.T) {
	source := mustDoc(t, `{"format": "dump", "entities": [
		{"kind": "guild", "id": "g", "attributes": {"name": "home"}, "children": ["general", "old"]},
		{"kind": "channel", "id": "general", "attributes": {"name": "general", "topic": "stale"}},
		{"kind": "channel", "id": "old"}
	]}`)
	desired := mustDoc(t, `{"format": "upload", "entities": [
		{"kind": "guild", "id": "g", "attributes": {"name": "home"}, "children": ["cat", "general"]},
		{"kind": "channel", "id": "cat", "attributes": {"name": "Projects"}, "children": ["dev"]},
		{"kind": "channel", "id": "dev", "attributes": {"name": "dev"}},
		{"kind": "channel", "id": "general", "attributes": {"name": "general", "topic": "fresh"}},
		{"kind": "channel", "id": "old", "absent": true}
	]}`)

	ops, err := diff.Diff(source.Snapshot(), desired.Plan(), diff.Config{})
	if err != nil {
		t.Fatalf("Diff returned error: %v", err)
	}
	if len(ops) == 0 {
		t.Fatal("expected a non-empty operation list")
	}

	state := NewDocState(source)
	for _, op := range ops {
		if err := state.Apply(op); err != nil {
			t.Fatalf("Apply(%s %s) returned error: %v", op.Kind, op.TargetID, err)
		}
	}

	rest, err := diff.Diff(state.Snapshot(), desired.Plan(), diff.Config{})
	if err != nil {
		t.Fatalf("re-diff returned error: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("state did not converge, remaining operations: %+v", rest)
	}
}

func TestDocState_OverwriteUpdateWithoutSubjectConverges(t *testing.T) {
	source := mustDoc(t, `{"format": "dump", "entities": [
		{"kind": "channel", "id": "general", "children": ["ow"]},
		{"kind": "permission-overwrite", "id": "ow", "attributes": {"subject": "role:mods", "allow": "read"}}
	]}`)
	desired := mustDoc(t, `{"format": "upload", "entities": [
		{"kind": "channel", "id": "general", "children": ["ow"]},
		{"kind": "permission-overwrite", "id": "ow", "attributes": {"allow": "write"}}
	]}`)

	ops, err := diff.Diff(source.Snapshot(), desired.Plan(), diff.Config{})
	if err != nil {
		t.Fatalf("Diff returned error: %v", err)
	}

	state := NewDocState(source)
	for _, op := range ops {
		if err := state.Apply(op); err != nil {
			t.Fatalf("Apply(%s %s) returned error: %v", op.Kind, op.TargetID, err)
		}
	}

	if len(state.entities) != 2 {
		t.Fatalf("expected the existing overwrite to be patched in place, got %+v", state.entities)
	}
	ow := state.find("ow")
	if ow == nil {
		t.Fatal("overwrite disappeared")
	}
	if ow.Attributes["allow"] != "write" || ow.Attributes["subject"] != "role:mods" {
		t.Errorf("unexpected overwrite attributes: %+v", ow.Attributes)
	}

	rest, err := diff.Diff(state.Snapshot(), desired.Plan(), diff.Config{})
	if err != nil {
		t.Fatalf("re-diff returned error: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("state did not converge, remaining operations: %+v", rest)
	}
}
