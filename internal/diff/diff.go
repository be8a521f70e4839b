// Package diff computes the ordered operation list that transforms an
// observed snapshot into the desired plan state.
package diff

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/google/uuid"

	"github.com/schaermu/guildsyncd/internal/format"
)

// OperationKind enumerates the atomic change operations.
type OperationKind string

const (
	OpCreateEntity     OperationKind = "create-entity"
	OpUpdateAttributes OperationKind = "update-attributes"
	OpDeleteEntity     OperationKind = "delete-entity"
	OpReorderChildren  OperationKind = "reorder-children"
	OpSetOverwrite     OperationKind = "set-overwrite"
)

// ErrDiff is the root of the diff error taxonomy. Diff errors are only
// raised for provably unreconcilable input and abort the session before any
// mutation is attempted.
var ErrDiff = errors.New("diff")

// ErrUnknownParent indicates a plan entity whose parent cannot exist after
// the sync (marked absent or missing from both documents).
var ErrUnknownParent = fmt.Errorf("%w: unreconcilable parent reference", ErrDiff)

// Operation is a single atomic desired change. TargetID is the stable
// remote id, or a deterministic placeholder for entities that do not exist
// yet. Before values are advisory (conflict reporting), not enforced as a
// precondition.
type Operation struct {
	Kind     OperationKind  `json:"kind"`
	Entity   format.Kind    `json:"entity"`
	TargetID string         `json:"target_id"`
	// PlanID is the id the plan author chose for a not-yet-created entity.
	// Backends without their own id authority adopt it as the stable id;
	// id-assigning backends use it for reporting only.
	PlanID   string         `json:"plan_id,omitempty"`
	ParentID string         `json:"parent_id,omitempty"`
	Subject  string         `json:"subject,omitempty"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
	Children []string       `json:"children,omitempty"`

	// Blocking marks a create whose id later operations depend on; its
	// failure skips every structurally dependent operation.
	Blocking bool `json:"blocking,omitempty"`
	// DependsOn lists placeholder ids that must have been created before
	// this operation can be attempted.
	DependsOn []string `json:"depends_on,omitempty"`
	// Subtree is the root ancestor governing independence grouping.
	Subtree string `json:"-"`
}

// CreatesEntity reports whether the operation introduces a new entity on
// the target: a plain create, or an overwrite set for an entity the plan
// authored.
func (o Operation) CreatesEntity() bool {
	return o.Kind == OpCreateEntity || (o.Kind == OpSetOverwrite && o.PlanID != "")
}

// placeholderSpace namespaces the deterministic ids minted for entities the
// plan introduces. The same plan id always yields the same placeholder.
var placeholderSpace = uuid.MustParse("5d3f0448-1a9c-4c8a-9a1e-62e1a2b4f7d0")

// PlaceholderID returns the deterministic placeholder id for a plan entity
// that does not exist in the source snapshot yet.
func PlaceholderID(planID string) string {
	return "new-" + uuid.NewSHA1(placeholderSpace, []byte(planID)).String()
}

// Config controls diff policy.
type Config struct {
	// Prune deletes source entities wholly unmentioned by the plan. Off by
	// default; destructive pruning is strictly opt-in.
	Prune bool
}

// Diff computes the minimal ordered operation list. Creates come first in
// parent-before-child order, then attribute updates and overwrite changes,
// then one reorder per parent whose child order differs, then deletes in
// child-before-parent order. Entities with no differences produce no
// operation at all, so re-diffing a fully applied plan yields an empty
// list.
func Diff(source *format.Snapshot, desired *format.Plan, cfg Config) ([]Operation, error) {
	d := &differ{source: source, desired: desired, cfg: cfg}

	creates, err := d.creates()
	if err != nil {
		return nil, err
	}

	var ops []Operation
	ops = append(ops, creates...)
	ops = append(ops, d.updates()...)
	ops = append(ops, d.reorders()...)
	ops = append(ops, d.deletes()...)

	markBlocking(ops)
	return ops, nil
}

type differ struct {
	source  *format.Snapshot
	desired *format.Plan
	cfg     Config
}

// isNew reports whether a plan entity has no counterpart in the source.
func (d *differ) isNew(id string) bool {
	e := d.desired.Entity(id)
	return e != nil && !e.Absent && d.source.Entity(id) == nil
}

// targetID resolves a plan id to the id an adapter must address: the stable
// source id when the entity exists, the placeholder otherwise.
func (d *differ) targetID(id string) string {
	if d.isNew(id) {
		return PlaceholderID(id)
	}
	return id
}

// subtree canonicalizes an id to its topmost ancestor, preferring the
// source tree so partial plans land in the same group as the entities they
// touch.
func (d *differ) subtree(id string) string {
	root := id
	if d.desired.Entity(id) != nil {
		root = d.desired.Root(id)
	}
	if d.source.Entity(root) != nil {
		root = d.source.Root(root)
	}
	return root
}

func (d *differ) creates() ([]Operation, error) {
	var newIDs []string
	for _, e := range d.desired.Entities() {
		if d.isNew(e.ID) {
			newIDs = append(newIDs, e.ID)
		}
	}

	// Parents before children; ties follow desired document order. Depth
	// is measured in the plan tree, so a parent always sorts ahead of its
	// descendants.
	sort.SliceStable(newIDs, func(i, j int) bool {
		di, dj := planDepth(d.desired, newIDs[i]), planDepth(d.desired, newIDs[j])
		if di != dj {
			return di < dj
		}
		return d.desired.Order(newIDs[i]) < d.desired.Order(newIDs[j])
	})

	ops := make([]Operation, 0, len(newIDs))
	for _, id := range newIDs {
		entity := d.desired.Entity(id)

		op := Operation{
			Kind:     OpCreateEntity,
			Entity:   entity.Kind,
			TargetID: PlaceholderID(id),
			PlanID:   id,
			After:    entity.Attributes,
			Subtree:  d.subtree(id),
		}
		if entity.Kind == format.KindOverwrite {
			// Overwrites are keyed by (subject, entity), not a single
			// id; they are created through their own operation kind.
			op.Kind = OpSetOverwrite
			op.Subject = overwriteSubject(entity)
		}

		if parentID, ok := d.desired.Parent(id); ok {
			parent := d.desired.Entity(parentID)
			if parent.Absent {
				return nil, fmt.Errorf("%w: %q is created under %q which the plan deletes",
					ErrUnknownParent, id, parentID)
			}
			op.ParentID = d.targetID(parentID)
			if d.isNew(parentID) {
				op.DependsOn = []string{PlaceholderID(parentID)}
			}
		}

		ops = append(ops, op)
	}
	return ops, nil
}

func (d *differ) updates() []Operation {
	var ops []Operation
	for _, e := range d.desired.Entities() {
		if e.Absent || d.source.Entity(e.ID) == nil {
			continue
		}
		observed := d.source.Entity(e.ID)

		before, after := attributeDiff(observed.Attributes, e.Attributes)
		if len(after) == 0 {
			continue
		}

		op := Operation{
			Kind:     OpUpdateAttributes,
			Entity:   e.Kind,
			TargetID: e.ID,
			Before:   before,
			After:    after,
			Subtree:  d.subtree(e.ID),
		}
		if e.Kind == format.KindOverwrite {
			op.Kind = OpSetOverwrite
			op.Subject = overwriteSubject(&e)
			if op.Subject == "" {
				// A partial plan may restate only the attributes it
				// changes; the subject then comes from the observed
				// entity.
				op.Subject = overwriteSubject(observed)
			}
			if parentID, ok := d.desired.Parent(e.ID); ok {
				op.ParentID = d.targetID(parentID)
			} else if parentID, ok := d.source.Parent(e.ID); ok {
				op.ParentID = parentID
			}
		}
		ops = append(ops, op)
	}
	return ops
}

func (d *differ) reorders() []Operation {
	var ops []Operation
	for _, e := range d.desired.Entities() {
		// A nil child list means the plan does not care about ordering.
		// Newly created parents need no reorder either: their children
		// are created in the desired order.
		if e.Absent || e.Children == nil || d.source.Entity(e.ID) == nil {
			continue
		}
		observed := d.source.Entity(e.ID).Children
		if equalStrings(observed, e.Children) {
			continue
		}

		children := make([]string, len(e.Children))
		var deps []string
		for i, child := range e.Children {
			children[i] = d.targetID(child)
			if d.isNew(child) {
				deps = append(deps, PlaceholderID(child))
			}
		}

		ops = append(ops, Operation{
			Kind:      OpReorderChildren,
			Entity:    e.Kind,
			TargetID:  e.ID,
			Children:  children,
			DependsOn: deps,
			Subtree:   d.subtree(e.ID),
		})
	}
	return ops
}

func (d *differ) deletes() []Operation {
	var doomed []string
	for _, e := range d.desired.Entities() {
		if e.Absent && d.source.Entity(e.ID) != nil {
			doomed = append(doomed, e.ID)
		}
	}
	if d.cfg.Prune {
		for _, e := range d.source.Entities() {
			if d.desired.Entity(e.ID) == nil {
				doomed = append(doomed, e.ID)
			}
		}
	}

	// Children before parents, so backends enforcing referential integrity
	// never see an orphan.
	sort.SliceStable(doomed, func(i, j int) bool {
		di, dj := sourceDepth(d.source, doomed[i]), sourceDepth(d.source, doomed[j])
		if di != dj {
			return di > dj
		}
		return d.source.Order(doomed[i]) > d.source.Order(doomed[j])
	})

	ops := make([]Operation, 0, len(doomed))
	for _, id := range doomed {
		entity := d.source.Entity(id)
		op := Operation{
			Kind:     OpDeleteEntity,
			Entity:   entity.Kind,
			TargetID: id,
			Before:   entity.Attributes,
			Subtree:  d.subtree(id),
		}
		if entity.Kind == format.KindOverwrite {
			op.Subject = overwriteSubject(entity)
		}
		ops = append(ops, op)
	}
	return ops
}

// markBlocking flags creates whose placeholder id later operations list as
// a structural dependency.
func markBlocking(ops []Operation) {
	referenced := make(map[string]bool)
	for _, op := range ops {
		for _, dep := range op.DependsOn {
			referenced[dep] = true
		}
	}
	for i := range ops {
		if ops[i].CreatesEntity() && referenced[ops[i].TargetID] {
			ops[i].Blocking = true
		}
	}
}

// attributeDiff performs the three-valued attribute comparison: only
// attributes the plan mentions are considered, an attribute missing from
// the plan is "unspecified", never "clear it".
func attributeDiff(observed, planned map[string]any) (before, after map[string]any) {
	for key, want := range planned {
		have, present := observed[key]
		if present && reflect.DeepEqual(have, want) {
			continue
		}
		if after == nil {
			before = make(map[string]any)
			after = make(map[string]any)
		}
		if present {
			before[key] = have
		}
		after[key] = want
	}
	return before, after
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func overwriteSubject(e *format.Entity) string {
	if subject, ok := e.Attributes["subject"].(string); ok {
		return subject
	}
	return ""
}

func planDepth(p *format.Plan, id string) int {
	depth := 0
	for {
		parent, ok := p.Parent(id)
		if !ok {
			return depth
		}
		id = parent
		depth++
	}
}

func sourceDepth(s *format.Snapshot, id string) int {
	depth := 0
	for {
		parent, ok := s.Parent(id)
		if !ok {
			return depth
		}
		id = parent
		depth++
	}
}
