package forest

import (
	"fmt"
	"slices"

	"github.com/example/tree-sync-engine/internal/delta"
	"github.com/example/tree-sync-engine/internal/tree"
)

// InvalidationToken tells a dependent which side of a change it is on.
type InvalidationToken int

const (
	// BeforeChange is sent before each delta is applied, while cursors are
	// still valid.
	BeforeChange InvalidationToken = iota
	// AfterChange is sent once per applied delta, or once per outermost batch.
	AfterChange
)

func (t InvalidationToken) String() string {
	if t == BeforeChange {
		return "beforeChange"
	}
	return "afterChange"
}

// Dependent is notified when the forest changes.
type Dependent interface {
	MarkInvalid(token InvalidationToken)
}

// Observer adapts a function to Dependent.
type Observer struct {
	fn func(InvalidationToken)
}

// NewObserver wraps fn.
func NewObserver(fn func(InvalidationToken)) *Observer {
	return &Observer{fn: fn}
}

func (o *Observer) MarkInvalid(token InvalidationToken) {
	o.fn(token)
}

// RegisterDependent adds d. It reports false if d was already registered.
func (f *Forest) RegisterDependent(d Dependent) bool {
	if slices.Contains(f.dependents, d) {
		return false
	}
	f.dependents = append(f.dependents, d)
	return true
}

// RemoveDependent drops d.
func (f *Forest) RemoveDependent(d Dependent) {
	f.dependents = slices.DeleteFunc(f.dependents, func(other Dependent) bool { return other == d })
}

func (f *Forest) notify(token InvalidationToken) {
	for _, d := range slices.Clone(f.dependents) {
		d.MarkInvalid(token)
	}
}

func (f *Forest) afterChange() {
	f.notify(AfterChange)
	for _, hook := range slices.Clone(f.afterBatch) {
		if !hook.removed {
			hook.fn()
		}
	}
}

// Batch runs fn; dependents get a single AfterChange once the outermost
// batch ends, if any delta was applied inside it.
func (f *Forest) Batch(fn func()) {
	f.batchDepth++
	defer func() {
		f.batchDepth--
		if f.batchDepth == 0 && f.dirty {
			f.dirty = false
			f.afterChange()
		}
	}()
	fn()
}

type hookEntry struct {
	fn      func()
	removed bool
}

// OnAfterBatch registers fn to run after every AfterChange notification.
func (f *Forest) OnAfterBatch(fn func()) func() {
	entry := &hookEntry{fn: fn}
	f.afterBatch = append(f.afterBatch, entry)
	return func() {
		entry.removed = true
		f.afterBatch = slices.DeleteFunc(f.afterBatch, func(h *hookEntry) bool { return h == entry })
	}
}

type visitorEntry struct {
	visitor delta.Visitor
}

// AddVisitor registers a raw visitor that observes every applied delta.
func (f *Forest) AddVisitor(v delta.Visitor) func() {
	entry := &visitorEntry{visitor: v}
	f.visitors = append(f.visitors, entry)
	return func() {
		f.visitors = slices.DeleteFunc(f.visitors, func(e *visitorEntry) bool { return e == entry })
	}
}

// SubtreeVisitorFactory builds the visitor for one delta touching an
// anchored subtree. It receives the node's path and may return nil to skip
// that delta.
type SubtreeVisitorFactory func(path *tree.UpPath) delta.PathVisitor

type subtreeListener struct {
	factory SubtreeVisitorFactory
}

// OnSubtreeChanging attaches factory to the anchored node. For every delta
// that changes something beneath the node, one visitor is built and receives
// every point event in that subtree with absolute paths.
func (f *Forest) OnSubtreeChanging(a Anchor, factory SubtreeVisitorFactory) (func(), error) {
	n, err := f.anchorNode(a)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	l := &subtreeListener{factory: factory}
	n.listeners = append(n.listeners, l)
	return func() {
		n.listeners = slices.DeleteFunc(n.listeners, func(other *subtreeListener) bool { return other == l })
	}, nil
}
