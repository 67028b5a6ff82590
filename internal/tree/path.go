package tree

import (
	"fmt"
	"strings"
)

// AnyIndex marks a path step that does not constrain the index.
const AnyIndex = -1

// UpPath addresses a node by its position under its parent. Parent is nil for
// nodes stored directly in a detached field such as RootField.
type UpPath struct {
	Parent      *UpPath
	ParentField FieldKey
	ParentIndex int
}

// Child returns the path of the node at index under field of p.
func (p *UpPath) Child(field FieldKey, index int) *UpPath {
	return &UpPath{Parent: p, ParentField: field, ParentIndex: index}
}

// String renders the path root first, e.g. "rootFieldKey[0]/address[0]".
func (p *UpPath) String() string {
	if p == nil {
		return "/"
	}
	steps := Steps(p)
	parts := make([]string, len(steps))
	for i, step := range steps {
		parts[i] = step.String()
	}
	return strings.Join(parts, "/")
}

// PathStep is one (field, index) hop in a top-down path.
type PathStep struct {
	Field FieldKey
	Index int
}

// Step builds a step that matches any index.
func Step(field FieldKey) PathStep {
	return PathStep{Field: field, Index: AnyIndex}
}

// At builds a step with a concrete index.
func At(field FieldKey, index int) PathStep {
	return PathStep{Field: field, Index: index}
}

// HasIndex reports whether the step constrains the index.
func (s PathStep) HasIndex() bool {
	return s.Index != AnyIndex
}

func (s PathStep) String() string {
	if !s.HasIndex() {
		return string(s.Field)
	}
	return fmt.Sprintf("%s[%d]", s.Field, s.Index)
}

// DownPath is a root-to-node list of steps without the implicit root step.
type DownPath []PathStep

// Equal compares two down paths step by step.
func (p DownPath) Equal(other DownPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

func (p DownPath) String() string {
	parts := make([]string, len(p))
	for i, step := range p {
		parts[i] = step.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Steps lists every step of p from the detached field down, root step
// included.
func Steps(p *UpPath) []PathStep {
	depth := Depth(p)
	steps := make([]PathStep, depth)
	for cur := p; cur != nil; cur = cur.Parent {
		depth--
		steps[depth] = PathStep{Field: cur.ParentField, Index: cur.ParentIndex}
	}
	return steps
}

// FromSteps is the inverse of Steps.
func FromSteps(steps []PathStep) *UpPath {
	var p *UpPath
	for _, step := range steps {
		p = p.Child(step.Field, step.Index)
	}
	return p
}

// ToDownPath converts p into a down path, dropping the root step.
func ToDownPath(p *UpPath) DownPath {
	steps := Steps(p)
	if len(steps) == 0 {
		return DownPath{}
	}
	return DownPath(steps[1:])
}

// FromDownPath restores the up path of a down path whose root node sits at
// rootIndex of RootField.
func FromDownPath(rootIndex int, down DownPath) *UpPath {
	p := (*UpPath)(nil).Child(RootField, rootIndex)
	for _, step := range down {
		p = p.Child(step.Field, step.Index)
	}
	return p
}

// Depth counts the steps of p.
func Depth(p *UpPath) int {
	depth := 0
	for cur := p; cur != nil; cur = cur.Parent {
		depth++
	}
	return depth
}

// EqualUpPaths compares two up paths structurally.
func EqualUpPaths(a, b *UpPath) bool {
	for a != nil && b != nil {
		if a == b {
			return true
		}
		if a.ParentField != b.ParentField || a.ParentIndex != b.ParentIndex {
			return false
		}
		a, b = a.Parent, b.Parent
	}
	return a == nil && b == nil
}
