package delta

import (
	"github.com/example/tree-sync-engine/internal/tree"
)

// PathVisitor receives point events with absolute paths. For inserts and
// deletes the path addresses the first affected position; for value changes
// it addresses the changed node.
type PathVisitor interface {
	OnDelete(path *tree.UpPath, count int)
	OnInsert(path *tree.UpPath, content []*tree.Node)
	OnSetValue(path *tree.UpPath, value tree.Value)
}

// MovePathVisitor is implemented by path visitors that also want moves.
type MovePathVisitor interface {
	PathVisitor
	OnMoveOut(path *tree.UpPath, count int, id MoveID)
	OnMoveIn(path *tree.UpPath, count int, id MoveID)
}

// PathTracker follows enter/exit calls to know the current node and field.
type PathTracker struct {
	node   *tree.UpPath
	fields []tree.FieldKey
}

// NewPathTracker starts tracking below base; nil starts at the detached
// fields.
func NewPathTracker(base *tree.UpPath) *PathTracker {
	return &PathTracker{node: base}
}

// Node is the path of the current node.
func (t *PathTracker) Node() *tree.UpPath { return t.node }

// At is the path of index in the current field.
func (t *PathTracker) At(index int) *tree.UpPath {
	return t.node.Child(t.fields[len(t.fields)-1], index)
}

func (t *PathTracker) EnterField(key tree.FieldKey) { t.fields = append(t.fields, key) }

func (t *PathTracker) ExitField(tree.FieldKey) { t.fields = t.fields[:len(t.fields)-1] }

func (t *PathTracker) EnterNode(index int) { t.node = t.At(index) }

func (t *PathTracker) ExitNode(int) { t.node = t.node.Parent }

type pathAdapter struct {
	*PathTracker
	target PathVisitor
}

// AdaptPathVisitor exposes a PathVisitor as a Visitor rooted at base.
func AdaptPathVisitor(base *tree.UpPath, target PathVisitor) Visitor {
	return &pathAdapter{PathTracker: NewPathTracker(base), target: target}
}

func (a *pathAdapter) OnDelete(index, count int) { a.target.OnDelete(a.At(index), count) }

func (a *pathAdapter) OnInsert(index int, content []*tree.Node) {
	a.target.OnInsert(a.At(index), content)
}

func (a *pathAdapter) OnSetValue(value tree.Value) { a.target.OnSetValue(a.Node(), value) }

func (a *pathAdapter) OnMoveOut(index, count int, id MoveID) {
	if mv, ok := a.target.(MovePathVisitor); ok {
		mv.OnMoveOut(a.At(index), count, id)
	}
}

func (a *pathAdapter) OnMoveIn(index, count int, id MoveID) {
	if mv, ok := a.target.(MovePathVisitor); ok {
		mv.OnMoveIn(a.At(index), count, id)
	}
}
