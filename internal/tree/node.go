package tree

import (
	"fmt"
	"slices"
	"strings"
)

// FieldKey names a field of a node.
type FieldKey string

// NodeType is the schema type tag of a node.
type NodeType string

// Value is the payload stored on a node. Supported dynamic types are nil,
// string, bool, float64 and int64.
type Value any

// RootField is the key of the detached field holding the document roots.
const RootField FieldKey = "rootFieldKey"

// Node is a fully materialized subtree. It is the unit of insert content and
// of repair data carried by changes.
type Node struct {
	Type   NodeType
	Value  Value
	Fields map[FieldKey][]*Node
}

// NewLeaf builds a node without fields.
func NewLeaf(typ NodeType, value Value) *Node {
	return &Node{Type: typ, Value: value}
}

// Field returns the children stored under key.
func (n *Node) Field(key FieldKey) []*Node {
	if n == nil || n.Fields == nil {
		return nil
	}
	return n.Fields[key]
}

// SetField replaces the children stored under key. An empty slice removes the
// field.
func (n *Node) SetField(key FieldKey, children ...*Node) *Node {
	if len(children) == 0 {
		delete(n.Fields, key)
		return n
	}
	if n.Fields == nil {
		n.Fields = make(map[FieldKey][]*Node)
	}
	n.Fields[key] = children
	return n
}

// FieldKeys returns the non-empty field keys in sorted order.
func (n *Node) FieldKeys() []FieldKey {
	keys := make([]FieldKey, 0, len(n.Fields))
	for key, children := range n.Fields {
		if len(children) > 0 {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// Clone deep-copies the subtree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Type: n.Type, Value: n.Value}
	for key, children := range n.Fields {
		if len(children) == 0 {
			continue
		}
		out.SetField(key, CloneNodes(children)...)
	}
	return out
}

// Equal reports whether two subtrees have the same types, values and fields.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.Type != other.Type || !ValuesEqual(n.Value, other.Value) {
		return false
	}
	keys := n.FieldKeys()
	if !slices.Equal(keys, other.FieldKeys()) {
		return false
	}
	for _, key := range keys {
		if !EqualNodes(n.Fields[key], other.Fields[key]) {
			return false
		}
	}
	return true
}

// String renders the subtree in a compact, deterministic form.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n *Node) write(b *strings.Builder) {
	if n == nil {
		b.WriteString("<nil>")
		return
	}
	b.WriteString(string(n.Type))
	if n.Value != nil {
		fmt.Fprintf(b, "=%v", n.Value)
	}
	keys := n.FieldKeys()
	if len(keys) == 0 {
		return
	}
	b.WriteString("{")
	for i, key := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(string(key))
		b.WriteString(":[")
		for j, child := range n.Fields[key] {
			if j > 0 {
				b.WriteString(",")
			}
			child.write(b)
		}
		b.WriteString("]")
	}
	b.WriteString("}")
}

// CloneNodes deep-copies a slice of subtrees.
func CloneNodes(nodes []*Node) []*Node {
	if nodes == nil {
		return nil
	}
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}

// EqualNodes compares two slices of subtrees element by element.
func EqualNodes(a, b []*Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// ValuesEqual compares node values. Integer and float values compare by
// numeric value so that decoded payloads match their originals.
func ValuesEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aNum := numeric(a)
	bf, bNum := numeric(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	return a == b
}

func numeric(v Value) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}
