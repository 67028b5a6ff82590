package schema

import (
	"slices"

	"github.com/example/tree-sync-engine/internal/tree"
)

// FieldKind is the multiplicity of a field.
type FieldKind int

const (
	Forbidden FieldKind = iota
	Value
	Optional
	Sequence
)

func (k FieldKind) String() string {
	switch k {
	case Value:
		return "value"
	case Optional:
		return "optional"
	case Sequence:
		return "sequence"
	default:
		return "forbidden"
	}
}

// ValueSchema constrains the value stored on a node.
type ValueSchema int

const (
	NoValue ValueSchema = iota
	AnyValue
	StringValue
	NumberValue
	BooleanValue
)

// FieldSchema describes a field: its kind and the node types it accepts. An
// empty Types list accepts every type of the repository.
type FieldSchema struct {
	Kind  FieldKind
	Types []tree.NodeType
}

// Allows reports whether typ may be stored in the field.
func (f FieldSchema) Allows(typ tree.NodeType) bool {
	return len(f.Types) == 0 || slices.Contains(f.Types, typ)
}

// TreeSchema describes one node type.
type TreeSchema struct {
	Name   tree.NodeType
	Value  ValueSchema
	Fields map[tree.FieldKey]FieldSchema
	// Extra, when set, applies to every field not listed in Fields.
	Extra *FieldSchema
}

// Repository is the set of tree schemas plus the schema of the root field.
type Repository struct {
	root  FieldSchema
	trees map[tree.NodeType]TreeSchema
}

// NewRepository builds a repository.
func NewRepository(root FieldSchema, trees ...TreeSchema) *Repository {
	r := &Repository{root: root, trees: make(map[tree.NodeType]TreeSchema, len(trees))}
	for _, t := range trees {
		r.trees[t.Name] = t
	}
	return r
}

// Root returns the schema of tree.RootField.
func (r *Repository) Root() FieldSchema {
	return r.root
}

// Tree looks up a node type.
func (r *Repository) Tree(typ tree.NodeType) (TreeSchema, bool) {
	t, ok := r.trees[typ]
	return t, ok
}

// Types lists every node type in sorted order.
func (r *Repository) Types() []tree.NodeType {
	types := make([]tree.NodeType, 0, len(r.trees))
	for typ := range r.trees {
		types = append(types, typ)
	}
	slices.Sort(types)
	return types
}

// LookupFieldSchema returns the schema of key on nodes of type typ. Unknown
// types and undeclared fields are Forbidden unless Extra is set.
func (r *Repository) LookupFieldSchema(typ tree.NodeType, key tree.FieldKey) FieldSchema {
	t, ok := r.trees[typ]
	if !ok {
		return FieldSchema{Kind: Forbidden}
	}
	if f, ok := t.Fields[key]; ok {
		return f
	}
	if t.Extra != nil {
		return *t.Extra
	}
	return FieldSchema{Kind: Forbidden}
}

// HasField reports whether any node type declares key, or accepts extra
// fields.
func (r *Repository) HasField(key tree.FieldKey) bool {
	for _, t := range r.trees {
		if _, ok := t.Fields[key]; ok || t.Extra != nil {
			return true
		}
	}
	return false
}
