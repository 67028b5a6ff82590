package wire

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/tree-sync-engine/internal/change"
	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
)

// ErrMalformed is returned for payloads that do not decode into an edit.
var ErrMalformed = errors.New("malformed payload")

// EncodeEdit serializes an edit.
func EncodeEdit(e types.Edit) ([]byte, error) {
	s, err := structpb.NewStruct(editMap(e))
	if err != nil {
		return nil, fmt.Errorf("build edit struct: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeEdit is the inverse of EncodeEdit.
func DecodeEdit(data []byte) (types.Edit, error) {
	m, err := unmarshalMap(data)
	if err != nil {
		return types.Edit{}, err
	}
	return editFrom(m)
}

// EncodeSequenced serializes a sequenced edit.
func EncodeSequenced(se types.SequencedEdit) ([]byte, error) {
	s, err := structpb.NewStruct(sequencedMap(se))
	if err != nil {
		return nil, fmt.Errorf("build sequenced struct: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeSequenced is the inverse of EncodeSequenced.
func DecodeSequenced(data []byte) (types.SequencedEdit, error) {
	m, err := unmarshalMap(data)
	if err != nil {
		return types.SequencedEdit{}, err
	}
	return sequencedFrom(m)
}

// EncodeNodes serializes tree content, used for snapshots.
func EncodeNodes(nodes []*tree.Node) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{"nodes": nodesList(nodes)})
	if err != nil {
		return nil, fmt.Errorf("build nodes struct: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeNodes is the inverse of EncodeNodes.
func DecodeNodes(data []byte) ([]*tree.Node, error) {
	m, err := unmarshalMap(data)
	if err != nil {
		return nil, err
	}
	return nodesFrom(m["nodes"])
}

// DumpJSON renders a sequenced edit as JSON for logs and debugging.
func DumpJSON(se types.SequencedEdit) (string, error) {
	s, err := structpb.NewStruct(sequencedMap(se))
	if err != nil {
		return "", err
	}
	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// NodesJSON renders tree content as a JSON document of the form
// {"nodes": [...]}.
func NodesJSON(nodes []*tree.Node) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{"nodes": nodesList(nodes)})
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

func unmarshalMap(data []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s.AsMap(), nil
}

func editMap(e types.Edit) map[string]any {
	return map[string]any{
		"id":       string(e.ID),
		"document": string(e.Document),
		"client":   string(e.Client),
		"ref_seq":  strconv.FormatUint(e.RefSeq, 10),
		"change":   changeList(e.Change),
	}
}

func sequencedMap(se types.SequencedEdit) map[string]any {
	return map[string]any{
		"seq":        strconv.FormatUint(se.Seq, 10),
		"created_at": se.CreatedAt.UTC().Format(time.RFC3339Nano),
		"edit":       editMap(se.Edit),
	}
}

func changeList(cs change.Changeset) []any {
	out := make([]any, len(cs))
	for i, op := range cs {
		out[i] = opMap(op)
	}
	return out
}

func opMap(op change.Op) map[string]any {
	parent := make([]any, len(op.Parent))
	for i, step := range op.Parent {
		parent[i] = map[string]any{"field": string(step.Field), "index": float64(step.Index)}
	}
	m := map[string]any{
		"kind":   op.Kind.String(),
		"parent": parent,
		"field":  string(op.Field),
		"index":  float64(op.Index),
		"count":  float64(op.Count),
	}
	if len(op.Content) > 0 {
		m["content"] = nodesList(op.Content)
	}
	if len(op.Removed) > 0 {
		m["removed"] = nodesList(op.Removed)
	}
	if op.Kind == change.OpSetValue {
		m["value"] = valueMap(op.Value)
		m["old"] = valueMap(op.Old)
	}
	return m
}

func nodesList(nodes []*tree.Node) []any {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = nodeMap(n)
	}
	return out
}

func nodeMap(n *tree.Node) map[string]any {
	m := map[string]any{
		"type":  string(n.Type),
		"value": valueMap(n.Value),
	}
	if keys := n.FieldKeys(); len(keys) > 0 {
		fields := make(map[string]any, len(keys))
		for _, key := range keys {
			fields[string(key)] = nodesList(n.Fields[key])
		}
		m["fields"] = fields
	}
	return m
}

// valueMap tags values so that integers survive the float64-only number
// representation of structpb.
func valueMap(v tree.Value) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return map[string]any{"s": x}
	case bool:
		return map[string]any{"b": x}
	case float64:
		return map[string]any{"f": x}
	case int64:
		return map[string]any{"i": strconv.FormatInt(x, 10)}
	case int:
		return map[string]any{"i": strconv.Itoa(x)}
	default:
		return map[string]any{"s": fmt.Sprint(x)}
	}
}
