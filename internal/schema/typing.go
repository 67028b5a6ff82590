package schema

import (
	"errors"
	"fmt"
	"sort"

	"github.com/example/tree-sync-engine/internal/tree"
)

var (
	// ErrNoMatchingType is returned when no allowed type accepts the input.
	ErrNoMatchingType = errors.New("no allowed node type matches input")
	// ErrAmbiguousType is returned when more than one allowed type accepts the
	// input and no explicit type was provided.
	ErrAmbiguousType = errors.New("node type is ambiguous")
	// ErrUnexpectedData is returned for input shapes the field cannot hold.
	ErrUnexpectedData = errors.New("unexpected data for field")
)

// TypeKey is the object key used to name the node type explicitly in map
// input.
const TypeKey = "$type"

// ValueKey is the object key carrying the node value in map input.
const ValueKey = "$value"

// Typed is explicitly typed input data.
type Typed struct {
	Type   tree.NodeType
	Value  tree.Value
	Fields map[tree.FieldKey]any
}

// ContentFor converts contextually typed data into insert content for a field
// of the given schema. Sequence fields take a []any (or nil); value and
// optional fields take a single item (nil clears an optional field).
func (r *Repository) ContentFor(field FieldSchema, data any) ([]*tree.Node, error) {
	if data == nil {
		if field.Kind == Value {
			return nil, fmt.Errorf("%w: value field requires content", ErrUnexpectedData)
		}
		return nil, nil
	}
	if items, ok := data.([]any); ok {
		if field.Kind != Sequence {
			return nil, fmt.Errorf("%w: %s field cannot take a list", ErrUnexpectedData, field.Kind)
		}
		nodes := make([]*tree.Node, 0, len(items))
		for i, item := range items {
			n, err := r.NodeFor(field.Types, item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			nodes = append(nodes, n)
		}
		return nodes, nil
	}
	if field.Kind == Forbidden {
		return nil, fmt.Errorf("%w: field is forbidden", ErrUnexpectedData)
	}
	n, err := r.NodeFor(field.Types, data)
	if err != nil {
		return nil, err
	}
	return []*tree.Node{n}, nil
}

// NodeFor converts one item into a node whose type is one of allowed (or any
// repository type when allowed is empty).
func (r *Repository) NodeFor(allowed []tree.NodeType, data any) (*tree.Node, error) {
	candidates := allowed
	if len(candidates) == 0 {
		candidates = r.Types()
	}

	switch v := data.(type) {
	case *tree.Node:
		return v.Clone(), nil
	case Typed:
		return r.typedNode(v)
	case map[string]any:
		return r.objectNode(candidates, v)
	case int:
		return r.primitiveNode(candidates, int64(v), NumberValue)
	case int64:
		return r.primitiveNode(candidates, v, NumberValue)
	case float64:
		return r.primitiveNode(candidates, v, NumberValue)
	case string:
		return r.primitiveNode(candidates, v, StringValue)
	case bool:
		return r.primitiveNode(candidates, v, BooleanValue)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedData, data)
	}
}

func (r *Repository) primitiveNode(candidates []tree.NodeType, value tree.Value, want ValueSchema) (*tree.Node, error) {
	var match []tree.NodeType
	for _, typ := range candidates {
		t, ok := r.trees[typ]
		if ok && (t.Value == want || t.Value == AnyValue) {
			match = append(match, typ)
		}
	}
	switch len(match) {
	case 0:
		return nil, fmt.Errorf("%w: %v", ErrNoMatchingType, value)
	case 1:
		return tree.NewLeaf(match[0], value), nil
	default:
		return nil, fmt.Errorf("%w: %v matches %v", ErrAmbiguousType, value, match)
	}
}

func (r *Repository) objectNode(candidates []tree.NodeType, obj map[string]any) (*tree.Node, error) {
	typed := Typed{Fields: make(map[tree.FieldKey]any, len(obj))}
	for key, value := range obj {
		switch key {
		case TypeKey:
			name, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a string", ErrUnexpectedData, TypeKey)
			}
			typed.Type = tree.NodeType(name)
		case ValueKey:
			typed.Value = value
		default:
			typed.Fields[tree.FieldKey(key)] = value
		}
	}
	if typed.Type == "" {
		var objects []tree.NodeType
		for _, typ := range candidates {
			if t, ok := r.trees[typ]; ok && t.Value == NoValue {
				objects = append(objects, typ)
			}
		}
		switch len(objects) {
		case 0:
			return nil, ErrNoMatchingType
		case 1:
			typed.Type = objects[0]
		default:
			return nil, fmt.Errorf("%w: object matches %v", ErrAmbiguousType, objects)
		}
	}
	return r.typedNode(typed)
}

func (r *Repository) typedNode(in Typed) (*tree.Node, error) {
	if _, ok := r.trees[in.Type]; !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrNoMatchingType, in.Type)
	}
	value := in.Value
	if i, ok := value.(int); ok {
		value = int64(i)
	}
	n := tree.NewLeaf(in.Type, value)

	keys := make([]string, 0, len(in.Fields))
	for key := range in.Fields {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)
	for _, key := range keys {
		fieldKey := tree.FieldKey(key)
		field := r.LookupFieldSchema(in.Type, fieldKey)
		if field.Kind == Forbidden {
			return nil, fmt.Errorf("%w: %s has no field %q", ErrUnexpectedData, in.Type, key)
		}
		children, err := r.ContentFor(field, in.Fields[fieldKey])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		n.SetField(fieldKey, children...)
	}
	return n, nil
}
