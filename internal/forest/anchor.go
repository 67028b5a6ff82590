package forest

import (
	"fmt"

	"github.com/example/tree-sync-engine/internal/tree"
)

// Anchor is a durable reference to a node. The zero value is never issued.
type Anchor uint64

// NoAnchor is the zero anchor.
const NoAnchor Anchor = 0

// FieldAnchor references a field of an anchored node, or a detached field
// when HasParent is false.
type FieldAnchor struct {
	Parent    Anchor
	HasParent bool
	Field     tree.FieldKey
}

type anchorEntry struct {
	node *node
	refs int
}

// TrackAnchor returns an anchor for the node at path. Tracking the same node
// twice returns the same anchor with its reference count raised; each call
// must be paired with ForgetAnchor.
func (f *Forest) TrackAnchor(path *tree.UpPath) (Anchor, error) {
	n, ok := f.locate(path)
	if !ok {
		return NoAnchor, fmt.Errorf("track %s: %w", path, ErrNodeNotFound)
	}
	return f.trackNode(n), nil
}

func (f *Forest) trackNode(n *node) Anchor {
	if a, ok := f.byNode[n]; ok {
		f.anchors[a].refs++
		return a
	}
	f.nextAnchor++
	a := f.nextAnchor
	f.anchors[a] = &anchorEntry{node: n, refs: 1}
	f.byNode[n] = a
	liveAnchors.Inc()
	return a
}

// TrackFieldAnchor anchors field under the node at parent (nil for a
// detached field).
func (f *Forest) TrackFieldAnchor(parent *tree.UpPath, field tree.FieldKey) (FieldAnchor, error) {
	if parent == nil {
		return FieldAnchor{Field: field}, nil
	}
	a, err := f.TrackAnchor(parent)
	if err != nil {
		return FieldAnchor{}, err
	}
	return FieldAnchor{Parent: a, HasParent: true, Field: field}, nil
}

// ForgetFieldAnchor releases the parent anchor of fa.
func (f *Forest) ForgetFieldAnchor(fa FieldAnchor) {
	if fa.HasParent {
		f.ForgetAnchor(fa.Parent)
	}
}

// ResolveAnchor returns the current path of the anchored node.
func (f *Forest) ResolveAnchor(a Anchor) (*tree.UpPath, error) {
	n, err := f.anchorNode(a)
	if err != nil {
		return nil, err
	}
	return f.pathOf(n), nil
}

func (f *Forest) anchorNode(a Anchor) (*node, error) {
	entry, ok := f.anchors[a]
	if !ok || entry.node.detached {
		return nil, fmt.Errorf("anchor %d: %w", a, ErrInvalidAnchor)
	}
	return entry.node, nil
}

// ForgetAnchor drops one reference to a. Forgetting an unknown anchor is a
// no-op.
func (f *Forest) ForgetAnchor(a Anchor) {
	entry, ok := f.anchors[a]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}
	delete(f.anchors, a)
	delete(f.byNode, entry.node)
	liveAnchors.Dec()
}
