package delta

import (
	"errors"
	"fmt"

	"github.com/example/tree-sync-engine/internal/tree"
)

// ErrMalformed reports a delta that violates the mark invariants. Producers
// are expected never to emit one.
var ErrMalformed = errors.New("malformed delta")

// MarkType enumerates the kinds of marks in a field.
type MarkType int

const (
	MarkSkip MarkType = iota
	MarkInsert
	MarkDelete
	MarkModify
	MarkMoveOut
	MarkMoveIn
)

func (t MarkType) String() string {
	switch t {
	case MarkSkip:
		return "skip"
	case MarkInsert:
		return "insert"
	case MarkDelete:
		return "delete"
	case MarkModify:
		return "modify"
	case MarkMoveOut:
		return "moveOut"
	case MarkMoveIn:
		return "moveIn"
	default:
		return fmt.Sprintf("mark(%d)", int(t))
	}
}

// MoveID pairs a MoveOut with its MoveIn.
type MoveID uint64

// ValueChange is the new value set on a node.
type ValueChange struct {
	Value tree.Value
}

// Mark is one entry of a field's mark list.
type Mark struct {
	Type     MarkType
	Count    int
	Content  []*tree.Node
	MoveID   MoveID
	SetValue *ValueChange
	Fields   Root
}

// FieldChanges is the ordered mark list for one field.
type FieldChanges struct {
	Field tree.FieldKey
	Marks []Mark
}

// Root is a delta: the changes to a set of fields, in visitation order.
type Root []FieldChanges

// Skip leaves count nodes untouched.
func Skip(count int) Mark { return Mark{Type: MarkSkip, Count: count} }

// Insert attaches new content.
func Insert(content ...*tree.Node) Mark {
	return Mark{Type: MarkInsert, Count: len(content), Content: content}
}

// Delete detaches count nodes.
func Delete(count int) Mark { return Mark{Type: MarkDelete, Count: count} }

// MoveOut detaches count nodes to be attached by the MoveIn with the same id.
func MoveOut(count int, id MoveID) Mark { return Mark{Type: MarkMoveOut, Count: count, MoveID: id} }

// MoveIn attaches the nodes detached by the MoveOut with the same id.
func MoveIn(count int, id MoveID) Mark { return Mark{Type: MarkMoveIn, Count: count, MoveID: id} }

// SetValue modifies a single node's value.
func SetValue(value tree.Value) Mark {
	return Mark{Type: MarkModify, Count: 1, SetValue: &ValueChange{Value: value}}
}

// Modify descends into a single node.
func Modify(fields ...FieldChanges) Mark {
	return Mark{Type: MarkModify, Count: 1, Fields: fields}
}

// Field builds the changes of one field.
func Field(key tree.FieldKey, marks ...Mark) FieldChanges {
	return FieldChanges{Field: key, Marks: marks}
}

// InputLength is the number of pre-existing nodes the mark consumes.
func (m Mark) InputLength() int {
	switch m.Type {
	case MarkSkip, MarkDelete, MarkMoveOut:
		return m.Count
	case MarkModify:
		return 1
	default:
		return 0
	}
}

// OutputLength is the number of nodes the mark leaves in the field.
func (m Mark) OutputLength() int {
	switch m.Type {
	case MarkSkip, MarkMoveIn:
		return m.Count
	case MarkInsert:
		return len(m.Content)
	case MarkModify:
		return 1
	default:
		return 0
	}
}

// Footprint is how far the mark advances the mixed-context index: every
// position it references, detached and attached alike.
func (m Mark) Footprint() int {
	switch m.Type {
	case MarkInsert:
		return len(m.Content)
	case MarkModify:
		return 1
	default:
		return m.Count
	}
}

func (m Mark) check() error {
	switch m.Type {
	case MarkSkip, MarkDelete, MarkMoveOut, MarkMoveIn:
		if m.Count < 0 {
			return fmt.Errorf("%w: negative %s count %d", ErrMalformed, m.Type, m.Count)
		}
	case MarkInsert:
		if len(m.Content) == 0 {
			return fmt.Errorf("%w: empty insert", ErrMalformed)
		}
	case MarkModify:
		if m.SetValue == nil && len(m.Fields) == 0 {
			return fmt.Errorf("%w: empty modify", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown mark type %d", ErrMalformed, int(m.Type))
	}
	return nil
}

// Position locates a mark within its field.
type Position struct {
	// Mixed counts every position referenced so far, detached or attached.
	Mixed int
	// Input counts pre-existing nodes consumed so far.
	Input int
}

// Walk calls fn for every mark with its starting position.
func Walk(marks []Mark, fn func(m Mark, pos Position)) {
	var pos Position
	for _, m := range marks {
		fn(m, pos)
		pos.Mixed += m.Footprint()
		pos.Input += m.InputLength()
	}
}

// Validate checks the structural invariants of a delta: well-formed marks and
// every MoveIn paired with a MoveOut of the same size.
func Validate(root Root) error {
	outs := make(map[MoveID]int)
	ins := make(map[MoveID]int)
	if err := validateFields(root, outs, ins); err != nil {
		return err
	}
	for id, count := range ins {
		if outs[id] != count {
			return fmt.Errorf("%w: move %d attaches %d nodes but detaches %d", ErrMalformed, id, count, outs[id])
		}
	}
	return nil
}

func validateFields(root Root, outs, ins map[MoveID]int) error {
	for _, field := range root {
		for _, m := range field.Marks {
			if err := m.check(); err != nil {
				return fmt.Errorf("field %q: %w", field.Field, err)
			}
			switch m.Type {
			case MarkMoveOut:
				outs[m.MoveID] += m.Count
			case MarkMoveIn:
				ins[m.MoveID] += m.Count
			case MarkModify:
				if err := validateFields(m.Fields, outs, ins); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
