package change

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/example/tree-sync-engine/internal/tree"
)

// ErrUnsupported is returned for edits the change family cannot express yet.
var ErrUnsupported = errors.New("unsupported edit")

// OpKind enumerates atomic edits.
type OpKind int

const (
	OpSetValue OpKind = iota + 1
	OpInsert
	OpDelete
	// OpReplace swaps the whole content of a value or optional field.
	OpReplace
)

func (k OpKind) String() string {
	switch k {
	case OpSetValue:
		return "set"
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpReplace:
		return "replace"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Op is one atomic edit addressed by position: the steps from the detached
// field down to the node owning Field, then Index within Field. For
// OpSetValue the position names the node whose value changes.
//
// Removed and Old are repair data. They describe what the op overwrote and
// are recomputed by Refresh when the op is applied.
type Op struct {
	Kind    OpKind
	Parent  []tree.PathStep
	Field   tree.FieldKey
	Index   int
	Count   int
	Content []*tree.Node
	Removed []*tree.Node
	Value   tree.Value
	Old     tree.Value
}

// Changeset is an ordered list of ops applied one after the other.
type Changeset []Op

// SetValue changes the value of the node at path.
func SetValue(path *tree.UpPath, value tree.Value) Op {
	steps := tree.Steps(path)
	last := steps[len(steps)-1]
	return Op{Kind: OpSetValue, Parent: steps[:len(steps)-1], Field: last.Field, Index: last.Index, Value: value}
}

// Insert attaches content at index of field under parent (nil for a detached
// field).
func Insert(parent *tree.UpPath, field tree.FieldKey, index int, content ...*tree.Node) Op {
	return Op{Kind: OpInsert, Parent: tree.Steps(parent), Field: field, Index: index, Count: len(content), Content: content}
}

// Delete detaches count nodes starting at index.
func Delete(parent *tree.UpPath, field tree.FieldKey, index, count int) Op {
	return Op{Kind: OpDelete, Parent: tree.Steps(parent), Field: field, Index: index, Count: count}
}

// Replace sets the whole content of field. An empty content clears it.
func Replace(parent *tree.UpPath, field tree.FieldKey, content ...*tree.Node) Op {
	return Op{Kind: OpReplace, Parent: tree.Steps(parent), Field: field, Content: content}
}

// ParentPath is the up path of the node owning the field.
func (o Op) ParentPath() *tree.UpPath {
	return tree.FromSteps(o.Parent)
}

// Target is the position addressed by the op, parent steps first.
func (o Op) Target() []tree.PathStep {
	return append(slices.Clone(o.Parent), tree.At(o.Field, o.Index))
}

// TargetPath is Target as an up path.
func (o Op) TargetPath() *tree.UpPath {
	return tree.FromSteps(o.Target())
}

// Clone copies the op so that its parent steps can be rewritten.
func (o Op) Clone() Op {
	o.Parent = slices.Clone(o.Parent)
	return o
}

func (o Op) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", o.Kind, tree.FromSteps(o.Parent).Child(o.Field, o.Index))
	switch o.Kind {
	case OpSetValue:
		fmt.Fprintf(&b, " = %v", o.Value)
	case OpInsert, OpReplace:
		fmt.Fprintf(&b, " %v", o.Content)
	case OpDelete:
		fmt.Fprintf(&b, " x%d", o.Count)
	}
	return b.String()
}

func (cs Changeset) String() string {
	parts := make([]string, len(cs))
	for i, op := range cs {
		parts[i] = op.String()
	}
	return "[" + strings.Join(parts, "; ") + "]"
}

func stepsEqual(a, b []tree.PathStep) bool {
	return slices.Equal(a, b)
}
