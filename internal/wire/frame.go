package wire

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/tree-sync-engine/internal/types"
)

// FrameKind tags relay protocol frames.
type FrameKind string

const (
	// FrameSubmit carries a client edit to the relay.
	FrameSubmit FrameKind = "submit"
	// FrameSequenced carries a sequenced edit to clients.
	FrameSequenced FrameKind = "sequenced"
	// FrameCatchUp asks the relay for every edit after FromSeq.
	FrameCatchUp FrameKind = "catch_up"
	// FrameError reports a rejected request.
	FrameError FrameKind = "error"
)

// Frame is one binary websocket message between relay and clients.
type Frame struct {
	Kind      FrameKind
	Edit      *types.Edit
	Sequenced *types.SequencedEdit
	FromSeq   uint64
	Error     string
}

// EncodeFrame serializes a frame.
func EncodeFrame(f Frame) ([]byte, error) {
	m := map[string]any{"kind": string(f.Kind)}
	if f.Edit != nil {
		m["edit"] = editMap(*f.Edit)
	}
	if f.Sequenced != nil {
		m["sequenced"] = sequencedMap(*f.Sequenced)
	}
	if f.FromSeq > 0 {
		m["from_seq"] = strconv.FormatUint(f.FromSeq, 10)
	}
	if f.Error != "" {
		m["error"] = f.Error
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build frame struct: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(data []byte) (Frame, error) {
	m, err := unmarshalMap(data)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Kind: FrameKind(stringField(m, "kind")), Error: stringField(m, "error")}
	if f.FromSeq, err = uintField(m, "from_seq"); err != nil {
		return Frame{}, err
	}
	if raw, ok := m["edit"].(map[string]any); ok {
		edit, err := editFrom(raw)
		if err != nil {
			return Frame{}, err
		}
		f.Edit = &edit
	}
	if raw, ok := m["sequenced"].(map[string]any); ok {
		se, err := sequencedFrom(raw)
		if err != nil {
			return Frame{}, err
		}
		f.Sequenced = &se
	}
	switch f.Kind {
	case FrameSubmit, FrameSequenced, FrameCatchUp, FrameError:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame kind %q", ErrMalformed, f.Kind)
	}
}
