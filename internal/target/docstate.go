package target

import (
	"fmt"

	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/format"
)

// DocState is the shared mutable entity table behind document-backed
// adapters (memory, kube, ssh host). It applies operations to an entity
// list and tracks the placeholder-to-assigned-id mapping so operations
// referencing not-yet-created entities resolve to the ids this state
// assigned.
type DocState struct {
	entities []format.Entity
	assigned map[string]string // placeholder -> assigned id
	nextID   int
}

// NewDocState builds a state from a parsed document. A nil document yields
// an empty state.
func NewDocState(doc *format.Document) *DocState {
	s := &DocState{assigned: make(map[string]string)}
	if doc != nil {
		s.entities = append(s.entities, doc.Entities...)
	}
	return s
}

// Document serializes the current state as a dump document.
func (s *DocState) Document() *format.Document {
	version := format.CurrentVersion
	return &format.Document{
		Format:   format.FormatDump,
		Version:  &version,
		Entities: append([]format.Entity(nil), s.entities...),
	}
}

// Snapshot returns the indexed view of the current state.
func (s *DocState) Snapshot() *format.Snapshot {
	return s.Document().Snapshot()
}

// Resolve maps a placeholder id to the id this state assigned on create;
// stable ids pass through unchanged.
func (s *DocState) Resolve(id string) string {
	if assigned, ok := s.assigned[id]; ok {
		return assigned
	}
	return id
}

// Apply mutates the state per the operation. Unknown targets report
// ErrNotFound so the caller can surface them verbatim.
func (s *DocState) Apply(op diff.Operation) error {
	switch op.Kind {
	case diff.OpCreateEntity:
		return s.create(op)
	case diff.OpUpdateAttributes:
		return s.update(op)
	case diff.OpDeleteEntity:
		return s.delete(op)
	case diff.OpReorderChildren:
		return s.reorder(op)
	case diff.OpSetOverwrite:
		return s.setOverwrite(op)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, op.Kind)
	}
}

func (s *DocState) create(op diff.Operation) error {
	id := s.mint(op)
	entity := format.Entity{
		Kind:       op.Entity,
		ID:         id,
		Attributes: cloneAttrs(op.After),
	}
	s.entities = append(s.entities, entity)
	if op.ParentID != "" {
		return s.attach(s.Resolve(op.ParentID), id)
	}
	return nil
}

func (s *DocState) update(op diff.Operation) error {
	entity := s.find(s.Resolve(op.TargetID))
	if entity == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, op.TargetID)
	}
	if entity.Attributes == nil {
		entity.Attributes = make(map[string]any, len(op.After))
	}
	for key, value := range op.After {
		entity.Attributes[key] = value
	}
	return nil
}

func (s *DocState) delete(op diff.Operation) error {
	id := s.Resolve(op.TargetID)
	index := -1
	for i := range s.entities {
		if s.entities[i].ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, op.TargetID)
	}
	s.entities = append(s.entities[:index], s.entities[index+1:]...)
	for i := range s.entities {
		s.entities[i].Children = remove(s.entities[i].Children, id)
	}
	return nil
}

func (s *DocState) reorder(op diff.Operation) error {
	entity := s.find(s.Resolve(op.TargetID))
	if entity == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, op.TargetID)
	}
	children := make([]string, len(op.Children))
	for i, child := range op.Children {
		children[i] = s.Resolve(child)
	}
	entity.Children = children
	return nil
}

// setOverwrite creates or updates a permission overwrite. Operations
// addressing an entity already in the store update it in place; anything
// else is keyed by (subject, parent entity).
func (s *DocState) setOverwrite(op diff.Operation) error {
	if existing := s.find(s.Resolve(op.TargetID)); existing != nil && existing.Kind == format.KindOverwrite {
		for key, value := range op.After {
			existing.Attributes[key] = value
		}
		return nil
	}
	parentID := s.Resolve(op.ParentID)
	if existing := s.findOverwrite(parentID, op.Subject); existing != nil {
		for key, value := range op.After {
			existing.Attributes[key] = value
		}
		return nil
	}

	id := s.mint(op)
	s.entities = append(s.entities, format.Entity{
		Kind:       format.KindOverwrite,
		ID:         id,
		Attributes: cloneAttrs(op.After),
	})
	if parentID != "" {
		return s.attach(parentID, id)
	}
	return nil
}

// mint assigns the stable id for a created entity and records the
// placeholder mapping. Document stores have no external id authority, so
// the plan author's id is adopted when it is free.
func (s *DocState) mint(op diff.Operation) string {
	id := op.PlanID
	if id == "" || s.find(id) != nil {
		s.nextID++
		id = fmt.Sprintf("ent-%04d", s.nextID)
		for s.find(id) != nil {
			s.nextID++
			id = fmt.Sprintf("ent-%04d", s.nextID)
		}
	}
	s.assigned[op.TargetID] = id
	return id
}

func (s *DocState) attach(parentID, childID string) error {
	parent := s.find(parentID)
	if parent == nil {
		return fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
	}
	parent.Children = append(parent.Children, childID)
	return nil
}

func (s *DocState) find(id string) *format.Entity {
	for i := range s.entities {
		if s.entities[i].ID == id {
			return &s.entities[i]
		}
	}
	return nil
}

func (s *DocState) findOverwrite(parentID, subject string) *format.Entity {
	parent := s.find(parentID)
	if parent == nil {
		return nil
	}
	for _, child := range parent.Children {
		entity := s.find(child)
		if entity == nil || entity.Kind != format.KindOverwrite {
			continue
		}
		if got, ok := entity.Attributes["subject"].(string); ok && got == subject {
			return entity
		}
	}
	return nil
}

func cloneAttrs(attrs map[string]any) map[string]any {
	clone := make(map[string]any, len(attrs))
	for key, value := range attrs {
		clone[key] = value
	}
	return clone
}

func remove(list []string, id string) []string {
	for i, item := range list {
		if item == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
