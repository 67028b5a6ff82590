package forest

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/tree"
)

var (
	// ErrInvalidAnchor is returned when an anchor's node has been deleted or
	// the anchor was forgotten.
	ErrInvalidAnchor = errors.New("anchor is no longer valid")
	// ErrCursorInvalidated is returned by a cursor used after a delta was
	// applied to its forest.
	ErrCursorInvalidated = errors.New("cursor invalidated by a later edit")
	// ErrCursorFreed is returned by a cursor used after Free.
	ErrCursorFreed = errors.New("cursor already freed")
	// ErrNodeNotFound is returned when a path does not address a node.
	ErrNodeNotFound = errors.New("node not found")
	// ErrWrongMode is returned when a cursor operation requires the other mode.
	ErrWrongMode = errors.New("cursor in wrong mode")
	// ErrInvalidDelta is returned when a delta does not fit the stored tree.
	ErrInvalidDelta = errors.New("delta does not fit tree")
	// ErrReentrantApply is returned when a delta is applied from inside a
	// visitor or a before-change notification.
	ErrReentrantApply = errors.New("delta applied during delta application")
)

// NavigationResult is the outcome of moving a cursor.
type NavigationResult int

const (
	Ok NavigationResult = iota
	NotFound
)

type node struct {
	typ         tree.NodeType
	value       tree.Value
	fields      map[tree.FieldKey][]*node
	parent      *node
	parentField tree.FieldKey
	detached    bool
	listeners   []*subtreeListener
}

func fromTree(src *tree.Node, parent *node, field tree.FieldKey) *node {
	n := &node{typ: src.Type, value: src.Value, parent: parent, parentField: field}
	for key, children := range src.Fields {
		if len(children) == 0 {
			continue
		}
		if n.fields == nil {
			n.fields = make(map[tree.FieldKey][]*node, len(src.Fields))
		}
		converted := make([]*node, len(children))
		for i, child := range children {
			converted[i] = fromTree(child, n, key)
		}
		n.fields[key] = converted
	}
	return n
}

func (n *node) toTree() *tree.Node {
	out := tree.NewLeaf(n.typ, n.value)
	for key, children := range n.fields {
		if len(children) == 0 {
			continue
		}
		converted := make([]*tree.Node, len(children))
		for i, child := range children {
			converted[i] = child.toTree()
		}
		out.SetField(key, converted...)
	}
	return out
}

func (n *node) index() int {
	for i, sibling := range n.parent.fields[n.parentField] {
		if sibling == n {
			return i
		}
	}
	return -1
}

func (n *node) setField(key tree.FieldKey, children []*node) {
	if len(children) == 0 {
		delete(n.fields, key)
		return
	}
	if n.fields == nil {
		n.fields = make(map[tree.FieldKey][]*node)
	}
	n.fields[key] = children
}

func (n *node) markDetached() {
	n.detached = true
	for _, children := range n.fields {
		for _, child := range children {
			child.markDetached()
		}
	}
}

// Forest is an in-memory tree store. The roots of the document live in
// detached fields of an unnamed container, tree.RootField by convention. A
// forest is not safe for concurrent use.
type Forest struct {
	logger zerolog.Logger
	root   *node
	epoch  uint64

	anchors    map[Anchor]*anchorEntry
	byNode     map[*node]Anchor
	nextAnchor Anchor

	dependents []Dependent
	visitors   []*visitorEntry
	afterBatch []*hookEntry
	batchDepth int
	dirty      bool
	applying   bool

	cursors int
}

// New returns an empty forest.
func New(logger zerolog.Logger) *Forest {
	return &Forest{
		logger:  logger.With().Str("component", "forest").Logger(),
		root:    &node{},
		anchors: make(map[Anchor]*anchorEntry),
		byNode:  make(map[*node]Anchor),
	}
}

func (f *Forest) locate(path *tree.UpPath) (*node, bool) {
	if path == nil {
		return nil, false
	}
	cur := f.root
	for _, step := range tree.Steps(path) {
		children := cur.fields[step.Field]
		if step.Index < 0 || step.Index >= len(children) {
			return nil, false
		}
		cur = children[step.Index]
	}
	return cur, true
}

func (f *Forest) pathOf(n *node) *tree.UpPath {
	if n == nil || n == f.root || n.parent == nil {
		return nil
	}
	return f.pathOf(n.parent).Child(n.parentField, n.index())
}

// ReadNode materializes the subtree at path.
func (f *Forest) ReadNode(path *tree.UpPath) (*tree.Node, bool) {
	n, ok := f.locate(path)
	if !ok {
		return nil, false
	}
	return n.toTree(), true
}

// NodeValue returns the value of the node at path.
func (f *Forest) NodeValue(path *tree.UpPath) (tree.Value, bool) {
	n, ok := f.locate(path)
	if !ok {
		return nil, false
	}
	return n.value, true
}

// FieldContent materializes field under the node at parent. A nil parent
// addresses a detached field. The boolean is false when parent does not
// exist.
func (f *Forest) FieldContent(parent *tree.UpPath, field tree.FieldKey) ([]*tree.Node, bool) {
	container := f.root
	if parent != nil {
		n, ok := f.locate(parent)
		if !ok {
			return nil, false
		}
		container = n
	}
	children := container.fields[field]
	out := make([]*tree.Node, len(children))
	for i, child := range children {
		out[i] = child.toTree()
	}
	return out, true
}

// Snapshot materializes the content of tree.RootField.
func (f *Forest) Snapshot() []*tree.Node {
	content, _ := f.FieldContent(nil, tree.RootField)
	return content
}

// Epoch counts applied deltas.
func (f *Forest) Epoch() uint64 {
	return f.epoch
}

// LiveCursors counts allocated, unfreed cursors.
func (f *Forest) LiveCursors() int {
	return f.cursors
}

// LiveAnchors counts tracked anchors, including invalidated ones that have
// not been forgotten.
func (f *Forest) LiveAnchors() int {
	return len(f.anchors)
}
