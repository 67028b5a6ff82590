package binder

import (
	"github.com/example/tree-sync-engine/internal/tree"
)

// BindingType selects which events a registration receives.
type BindingType int

const (
	Delete BindingType = iota + 1
	Insert
	SetValue
	Batch
	Invalidation
)

func (t BindingType) String() string {
	switch t {
	case Delete:
		return "delete"
	case Insert:
		return "insert"
	case SetValue:
		return "set_value"
	case Batch:
		return "batch"
	case Invalidation:
		return "invalidation"
	default:
		return "unknown"
	}
}

// BindPath is a root-to-node path without the root step. Steps built with
// tree.Step match any index.
type BindPath = tree.DownPath

// BindingContext is the payload handed to a listener.
type BindingContext interface {
	Type() BindingType
}

// DeleteContext reports count nodes deleted starting at Path.
type DeleteContext struct {
	Path  *tree.UpPath
	Count int
}

// InsertContext reports Content inserted at Path.
type InsertContext struct {
	Path    *tree.UpPath
	Content []*tree.Node
}

// SetValueContext reports the node at Path taking Value.
type SetValueContext struct {
	Path  *tree.UpPath
	Value tree.Value
}

// BatchContext carries every buffered event matched by a batch registration,
// in delivery order.
type BatchContext struct {
	Events []BindingContext
}

// InvalidationContext tells a listener something beneath its paths changed.
type InvalidationContext struct{}

func (DeleteContext) Type() BindingType       { return Delete }
func (InsertContext) Type() BindingType       { return Insert }
func (SetValueContext) Type() BindingType     { return SetValue }
func (BatchContext) Type() BindingType        { return Batch }
func (InvalidationContext) Type() BindingType { return Invalidation }

// pathOf returns the path of a point event.
func pathOf(c BindingContext) *tree.UpPath {
	switch e := c.(type) {
	case DeleteContext:
		return e.Path
	case InsertContext:
		return e.Path
	case SetValueContext:
		return e.Path
	default:
		return nil
	}
}

// Listener receives events. The concrete context type follows the binding
// type it was registered for.
type Listener func(BindingContext)

// ToDownPath converts an event path into the form bind paths are written in.
func ToDownPath(p *tree.UpPath) tree.DownPath {
	return tree.ToDownPath(p)
}

// CompareFunc orders two values like slices.SortFunc.
type CompareFunc[T any] func(a, b T) int

// CompareDeleteFirst puts deletions ahead of every other event and keeps the
// rest in place.
func CompareDeleteFirst(a, b BindingContext) int {
	ad, bd := a.Type() == Delete, b.Type() == Delete
	switch {
	case ad == bd:
		return 0
	case ad:
		return -1
	default:
		return 1
	}
}

// CompareAnchorsDepthFirst orders anchors shallowest first.
func CompareAnchorsDepthFirst(a, b *tree.UpPath) int {
	return tree.Depth(a) - tree.Depth(b)
}

// ComparePipeline combines comparisons; later ones break ties of earlier
// ones.
func ComparePipeline[T any](fns ...CompareFunc[T]) CompareFunc[T] {
	return func(a, b T) int {
		for _, fn := range fns {
			if r := fn(a, b); r != 0 {
				return r
			}
		}
		return 0
	}
}
