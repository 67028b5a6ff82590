package wire

import (
	"fmt"
	"strconv"
	"time"

	"github.com/example/tree-sync-engine/internal/change"
	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
)

func editFrom(m map[string]any) (types.Edit, error) {
	refSeq, err := uintField(m, "ref_seq")
	if err != nil {
		return types.Edit{}, err
	}
	cs, err := changeFrom(m["change"])
	if err != nil {
		return types.Edit{}, err
	}
	return types.Edit{
		ID:       types.EditID(stringField(m, "id")),
		Document: types.DocumentID(stringField(m, "document")),
		Client:   types.ClientID(stringField(m, "client")),
		RefSeq:   refSeq,
		Change:   cs,
	}, nil
}

func sequencedFrom(m map[string]any) (types.SequencedEdit, error) {
	seq, err := uintField(m, "seq")
	if err != nil {
		return types.SequencedEdit{}, err
	}
	var created time.Time
	if raw := stringField(m, "created_at"); raw != "" {
		created, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return types.SequencedEdit{}, fmt.Errorf("%w: created_at: %v", ErrMalformed, err)
		}
	}
	editRaw, ok := m["edit"].(map[string]any)
	if !ok {
		return types.SequencedEdit{}, fmt.Errorf("%w: missing edit", ErrMalformed)
	}
	edit, err := editFrom(editRaw)
	if err != nil {
		return types.SequencedEdit{}, err
	}
	return types.SequencedEdit{Seq: seq, Edit: edit, CreatedAt: created}, nil
}

func changeFrom(raw any) (change.Changeset, error) {
	list, _ := raw.([]any)
	cs := make(change.Changeset, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: op %d", ErrMalformed, i)
		}
		op, err := opFrom(m)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		cs = append(cs, op)
	}
	return cs, nil
}

var opKinds = map[string]change.OpKind{
	change.OpSetValue.String(): change.OpSetValue,
	change.OpInsert.String():   change.OpInsert,
	change.OpDelete.String():   change.OpDelete,
	change.OpReplace.String():  change.OpReplace,
}

func opFrom(m map[string]any) (change.Op, error) {
	kind, ok := opKinds[stringField(m, "kind")]
	if !ok {
		return change.Op{}, fmt.Errorf("%w: unknown op kind %q", ErrMalformed, stringField(m, "kind"))
	}
	op := change.Op{
		Kind:  kind,
		Field: tree.FieldKey(stringField(m, "field")),
		Index: intField(m, "index"),
		Count: intField(m, "count"),
	}
	parent, _ := m["parent"].([]any)
	op.Parent = make([]tree.PathStep, 0, len(parent))
	for _, raw := range parent {
		step, ok := raw.(map[string]any)
		if !ok {
			return change.Op{}, fmt.Errorf("%w: parent step", ErrMalformed)
		}
		op.Parent = append(op.Parent, tree.At(tree.FieldKey(stringField(step, "field")), intField(step, "index")))
	}
	var err error
	if op.Content, err = nodesFrom(m["content"]); err != nil {
		return change.Op{}, err
	}
	if op.Removed, err = nodesFrom(m["removed"]); err != nil {
		return change.Op{}, err
	}
	if kind == change.OpSetValue {
		if op.Value, err = valueFrom(m["value"]); err != nil {
			return change.Op{}, err
		}
		if op.Old, err = valueFrom(m["old"]); err != nil {
			return change.Op{}, err
		}
	}
	return op, nil
}

func nodesFrom(raw any) ([]*tree.Node, error) {
	list, _ := raw.([]any)
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]*tree.Node, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: node %d", ErrMalformed, i)
		}
		n, err := nodeFrom(m)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func nodeFrom(m map[string]any) (*tree.Node, error) {
	value, err := valueFrom(m["value"])
	if err != nil {
		return nil, err
	}
	n := tree.NewLeaf(tree.NodeType(stringField(m, "type")), value)
	fields, _ := m["fields"].(map[string]any)
	for key, raw := range fields {
		children, err := nodesFrom(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		n.SetField(tree.FieldKey(key), children...)
	}
	return n, nil
}

func valueFrom(raw any) (tree.Value, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: untagged value %v", ErrMalformed, raw)
	}
	if s, ok := m["s"].(string); ok {
		return s, nil
	}
	if b, ok := m["b"].(bool); ok {
		return b, nil
	}
	if f, ok := m["f"].(float64); ok {
		return f, nil
	}
	if i, ok := m["i"].(string); ok {
		v, err := strconv.ParseInt(i, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: integer value: %v", ErrMalformed, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: unknown value tag", ErrMalformed)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}

func uintField(m map[string]any, key string) (uint64, error) {
	raw := stringField(m, key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return v, nil
}
