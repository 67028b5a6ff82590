package wire

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/example/tree-sync-engine/internal/change"
	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
)

func sampleEdit() types.Edit {
	root := (*tree.UpPath)(nil).Child(tree.RootField, 0)
	address := tree.NewLeaf("address", nil)
	address.SetField("zip", tree.NewLeaf("string", "10000"))
	address.SetField("number", tree.NewLeaf("number", int64(1)<<53+1))

	set := change.SetValue(root.Child("name", 0), "Bob")
	set.Old = "Adam"
	del := change.Delete(root, "friends", 1, 1)
	del.Removed = []*tree.Node{tree.NewLeaf("string", "b")}
	replace := change.Replace(root, "address", address)
	replace.Count = 1
	replace.Removed = []*tree.Node{tree.NewLeaf("address", nil)}

	return types.Edit{
		ID:       types.EditID("01HZX"),
		Document: "doc-1",
		Client:   "alice",
		RefSeq:   41,
		Change: change.Changeset{
			set,
			change.Insert(root, "friends", 0, tree.NewLeaf("string", "x"), tree.NewLeaf("flag", true), tree.NewLeaf("ratio", 0.5)),
			del,
			replace,
		},
	}
}

func TestSequencedEditRoundTrip(t *testing.T) {
	se := types.SequencedEdit{
		Seq:       42,
		Edit:      sampleEdit(),
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC),
	}
	data, err := EncodeSequenced(se)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSequenced(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	assert.Equal(t, got.Seq, se.Seq)
	assert.Equal(t, got.CreatedAt.Equal(se.CreatedAt), true)
	assert.Equal(t, got.Edit.ID, se.Edit.ID)
	assert.Equal(t, got.Edit.RefSeq, se.Edit.RefSeq)
	assert.Equal(t, len(got.Edit.Change), len(se.Edit.Change))
	for i, want := range se.Edit.Change {
		op := got.Edit.Change[i]
		assert.Equal(t, op.Kind, want.Kind)
		assert.Equal(t, op.Parent, want.Parent)
		assert.Equal(t, op.Field, want.Field)
		assert.Equal(t, op.Index, want.Index)
		assert.Equal(t, op.Count, want.Count)
		assert.Equal(t, op.Value, want.Value)
		assert.Equal(t, op.Old, want.Old)
		if !tree.EqualNodes(op.Content, want.Content) || !tree.EqualNodes(op.Removed, want.Removed) {
			t.Fatalf("op %d content mismatch: %v vs %v", i, op, want)
		}
	}
	// Large integers must not lose precision.
	number := got.Edit.Change[3].Content[0].Field("number")[0]
	assert.Equal(t, number.Value, tree.Value(int64(1)<<53+1))
}

func TestFrameRoundTrip(t *testing.T) {
	edit := sampleEdit()
	data, err := EncodeFrame(Frame{Kind: FrameSubmit, Edit: &edit})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, f.Kind, FrameSubmit)
	assert.Equal(t, f.Edit.Client, edit.Client)
	assert.Equal(t, f.Sequenced == nil, true)

	data, _ = EncodeFrame(Frame{Kind: FrameCatchUp, FromSeq: 7})
	f, err = DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, f.FromSeq, uint64(7))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeSequenced([]byte{0xff, 0x01}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	data, _ := EncodeFrame(Frame{Kind: "bogus"})
	if _, err := DecodeFrame(data); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for unknown kind, got %v", err)
	}
}

func TestDumpJSON(t *testing.T) {
	out, err := DumpJSON(types.SequencedEdit{Seq: 3, Edit: sampleEdit()})
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if !strings.Contains(out, `"alice"`) {
		t.Fatalf("dump missing client: %s", out)
	}
}

func TestNodesRoundTrip(t *testing.T) {
	nodes := sampleEdit().Change[3].Content
	data, err := EncodeNodes(nodes)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeNodes(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !tree.EqualNodes(got, nodes) {
		t.Fatalf("nodes mismatch: %v vs %v", got, nodes)
	}
}
