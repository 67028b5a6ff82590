package change

import (
	"fmt"

	"github.com/example/tree-sync-engine/internal/delta"
	"github.com/example/tree-sync-engine/internal/tree"
)

// EditBuilder records atomic edits. Every edit is refreshed against the
// stored tree, applied immediately, then appended to the record.
type EditBuilder struct {
	family  Family
	reader  Reader
	apply   func(delta.Root) error
	changes []Changeset
}

// NewEditBuilder builds an edit builder over r that applies deltas with
// apply.
func NewEditBuilder(r Reader, apply func(delta.Root) error) *EditBuilder {
	return &EditBuilder{reader: r, apply: apply}
}

// Apply records cs as one atomic edit. It reports whether anything was
// applied.
func (b *EditBuilder) Apply(cs Changeset) (bool, error) {
	applied, err := b.family.ApplyTo(cs, b.reader, b.apply)
	if len(applied) > 0 {
		b.changes = append(b.changes, applied)
	}
	if err != nil {
		return len(applied) > 0, fmt.Errorf("apply edit: %w", err)
	}
	return len(applied) > 0, nil
}

// Changes lists the recorded edits in order.
func (b *EditBuilder) Changes() []Changeset {
	return b.changes
}

// SetValue changes the value of the node at path.
func (b *EditBuilder) SetValue(path *tree.UpPath, value tree.Value) (bool, error) {
	return b.Apply(Changeset{SetValue(path, value)})
}

// ValueField edits a field that always holds exactly one node.
func (b *EditBuilder) ValueField(parent *tree.UpPath, key tree.FieldKey) ValueFieldEditor {
	return ValueFieldEditor{b: b, parent: parent, key: key}
}

// OptionalField edits a field that holds at most one node.
func (b *EditBuilder) OptionalField(parent *tree.UpPath, key tree.FieldKey) OptionalFieldEditor {
	return OptionalFieldEditor{b: b, parent: parent, key: key}
}

// SequenceField edits an ordered field.
func (b *EditBuilder) SequenceField(parent *tree.UpPath, key tree.FieldKey) SequenceFieldEditor {
	return SequenceFieldEditor{b: b, parent: parent, key: key}
}

type ValueFieldEditor struct {
	b      *EditBuilder
	parent *tree.UpPath
	key    tree.FieldKey
}

// Set replaces the field's node.
func (e ValueFieldEditor) Set(content *tree.Node) (bool, error) {
	if content == nil {
		return false, fmt.Errorf("value field %q: %w: content required", e.key, ErrUnsupported)
	}
	return e.b.Apply(Changeset{Replace(e.parent, e.key, content)})
}

type OptionalFieldEditor struct {
	b      *EditBuilder
	parent *tree.UpPath
	key    tree.FieldKey
}

// Set replaces the field's content; nil clears it. wasEmpty states what the
// caller believes the field held and is only used to skip clearing an empty
// field.
func (e OptionalFieldEditor) Set(content *tree.Node, wasEmpty bool) (bool, error) {
	if content == nil {
		if wasEmpty {
			return false, nil
		}
		return e.b.Apply(Changeset{Replace(e.parent, e.key)})
	}
	return e.b.Apply(Changeset{Replace(e.parent, e.key, content)})
}

type SequenceFieldEditor struct {
	b      *EditBuilder
	parent *tree.UpPath
	key    tree.FieldKey
}

// Insert attaches content at index.
func (e SequenceFieldEditor) Insert(index int, content ...*tree.Node) (bool, error) {
	if len(content) == 0 {
		return false, nil
	}
	return e.b.Apply(Changeset{Insert(e.parent, e.key, index, content...)})
}

// Delete detaches count nodes at index.
func (e SequenceFieldEditor) Delete(index, count int) (bool, error) {
	if count <= 0 {
		return false, nil
	}
	return e.b.Apply(Changeset{Delete(e.parent, e.key, index, count)})
}

// Move is not supported.
func (e SequenceFieldEditor) Move(sourceIndex, count int, dest *tree.UpPath, destField tree.FieldKey, destIndex int) (bool, error) {
	return false, fmt.Errorf("move %d nodes from %q: %w", count, e.key, ErrUnsupported)
}
