package format

import "fmt"

// tree is the id-indexed view over a validated entity list. It is shared by
// the Snapshot and Plan types; validateTree guarantees the structural
// invariants (unique ids, at most one parent, no cycles) before a tree is
// built.
type tree struct {
	entities []Entity
	byID     map[string]*Entity
	parentOf map[string]string
	order    map[string]int
	roots    []string
}

// Snapshot is the observed state of a remote target, parsed from a dump
// document or fetched from a target adapter.
type Snapshot struct {
	tree
	Version int
}

// Plan is the desired state, parsed from an upload document. Attributes may
// be partial and entities may carry the Absent marker.
type Plan struct {
	tree
	Version int
}

// Snapshot builds the indexed snapshot view of the document. The document
// must already have passed Parse validation.
func (d *Document) Snapshot() *Snapshot {
	s := &Snapshot{tree: buildTree(d.Entities), Version: CurrentVersion}
	if d.Version != nil {
		s.Version = *d.Version
	}
	return s
}

// Plan builds the indexed plan view of the document.
func (d *Document) Plan() *Plan {
	p := &Plan{tree: buildTree(d.Entities), Version: CurrentVersion}
	if d.Version != nil {
		p.Version = *d.Version
	}
	return p
}

// Document reassembles a document from the tree, preserving entity order.
// Used by adapters that persist their state as a dump document.
func (t *tree) Document() *Document {
	version := CurrentVersion
	return &Document{
		Format:   FormatDump,
		Version:  &version,
		Entities: append([]Entity(nil), t.entities...),
	}
}

// Entity returns the entity with the given id, or nil.
func (t *tree) Entity(id string) *Entity {
	return t.byID[id]
}

// Parent returns the id of the entity's parent and whether it has one.
func (t *tree) Parent(id string) (string, bool) {
	parent, ok := t.parentOf[id]
	return parent, ok
}

// Root returns the topmost ancestor of the given id (the id itself when the
// entity is a root).
func (t *tree) Root(id string) string {
	for {
		parent, ok := t.parentOf[id]
		if !ok {
			return id
		}
		id = parent
	}
}

// Entities returns all entities in document order.
func (t *tree) Entities() []Entity {
	return t.entities
}

// Order returns the document-order index of an entity id.
func (t *tree) Order(id string) int {
	return t.order[id]
}

// Roots returns the ids of entities without a parent, in document order.
func (t *tree) Roots() []string {
	return t.roots
}

// Len returns the number of entities.
func (t *tree) Len() int {
	return len(t.entities)
}

func buildTree(entities []Entity) tree {
	t := tree{
		entities: entities,
		byID:     make(map[string]*Entity, len(entities)),
		parentOf: make(map[string]string),
		order:    make(map[string]int, len(entities)),
	}
	for i := range entities {
		e := &entities[i]
		t.byID[e.ID] = e
		t.order[e.ID] = i
	}
	for i := range entities {
		for _, child := range entities[i].Children {
			t.parentOf[child] = entities[i].ID
		}
	}
	for i := range entities {
		if _, hasParent := t.parentOf[entities[i].ID]; !hasParent {
			t.roots = append(t.roots, entities[i].ID)
		}
	}
	return t
}

// validateTree enforces the structural invariants: unique ids, children
// referencing existing entities, at most one parent per entity, and an
// acyclic contains-relationship.
func validateTree(entities []Entity) error {
	seen := make(map[string]bool, len(entities))
	for i := range entities {
		if seen[entities[i].ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateID, entities[i].ID)
		}
		seen[entities[i].ID] = true
	}

	parentOf := make(map[string]string)
	for i := range entities {
		for _, child := range entities[i].Children {
			if !seen[child] {
				return fmt.Errorf("%w: %q lists unknown child %q", ErrDanglingParent, entities[i].ID, child)
			}
			if prev, ok := parentOf[child]; ok {
				return fmt.Errorf("%w: %q is child of both %q and %q",
					ErrConflictingParent, child, prev, entities[i].ID)
			}
			parentOf[child] = entities[i].ID
		}
	}

	// Walk the parent chain of every entity; revisiting the start id means
	// the contains-relationship loops.
	for i := range entities {
		id := entities[i].ID
		current := id
		for steps := 0; ; steps++ {
			parent, ok := parentOf[current]
			if !ok {
				break
			}
			if parent == id || steps > len(entities) {
				return fmt.Errorf("%w: involving %q", ErrCyclicStructure, id)
			}
			current = parent
		}
	}

	return nil
}
