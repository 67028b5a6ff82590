package sequencer

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/types"
)

type recorder struct {
	seqs  []uint64
	edits []types.EditID
	onSeq func(types.SequencedEdit)
}

func (r *recorder) Deliver(se types.SequencedEdit) error {
	r.seqs = append(r.seqs, se.Seq)
	r.edits = append(r.edits, se.Edit.ID)
	if r.onSeq != nil {
		r.onSeq(se)
	}
	return nil
}

func edit(doc types.DocumentID, id string) types.Edit {
	return types.Edit{ID: types.EditID(id), Document: doc, Client: "c1"}
}

func TestLocalDeliversInSubmitOrderToEveryReceiver(t *testing.T) {
	l := NewLocal(zerolog.Nop())
	a, b := &recorder{}, &recorder{}
	l.Join("doc", a)
	l.Join("doc", b)

	for _, id := range []string{"e1", "e2", "e3"} {
		if err := l.Submit(context.Background(), edit("doc", id)); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	assert.Equal(t, a.seqs, []uint64{1, 2, 3})
	assert.Equal(t, b.edits, []types.EditID{"e1", "e2", "e3"})
}

func TestLocalQueuesSubmitsMadeDuringDelivery(t *testing.T) {
	l := NewLocal(zerolog.Nop())
	first := &recorder{}
	second := &recorder{}
	first.onSeq = func(se types.SequencedEdit) {
		if se.Edit.ID == "e1" {
			if err := l.Submit(context.Background(), edit("doc", "reply")); err != nil {
				t.Fatalf("nested submit: %v", err)
			}
			// not sequenced until the current fan-out completes
			assert.Equal(t, len(second.seqs), 0)
		}
	}
	l.Join("doc", first)
	l.Join("doc", second)

	if err := l.Submit(context.Background(), edit("doc", "e1")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	assert.Equal(t, first.edits, []types.EditID{"e1", "reply"})
	assert.Equal(t, second.edits, []types.EditID{"e1", "reply"})
	assert.Equal(t, second.seqs, []uint64{1, 2})
}

func TestLocalPauseHoldsEdits(t *testing.T) {
	l := NewLocal(zerolog.Nop())
	r := &recorder{}
	l.Join("doc", r)

	l.Pause()
	_ = l.Submit(context.Background(), edit("doc", "e1"))
	_ = l.Submit(context.Background(), edit("doc", "e2"))
	assert.Equal(t, l.Pending(), 2)
	assert.Equal(t, len(r.seqs), 0)

	l.Resume()
	assert.Equal(t, l.Pending(), 0)
	assert.Equal(t, r.edits, []types.EditID{"e1", "e2"})
}

func TestLocalJoinReplaysHistoryPerDocument(t *testing.T) {
	l := NewLocal(zerolog.Nop())
	_ = l.Submit(context.Background(), edit("doc", "e1"))
	_ = l.Submit(context.Background(), edit("other", "o1"))
	_ = l.Submit(context.Background(), edit("doc", "e2"))

	late := &recorder{}
	leave := l.Join("doc", late)
	assert.Equal(t, late.edits, []types.EditID{"e1", "e2"})
	assert.Equal(t, late.seqs, []uint64{1, 2})
	assert.Equal(t, len(l.History("other")), 1)

	leave()
	_ = l.Submit(context.Background(), edit("doc", "e3"))
	assert.Equal(t, len(late.seqs), 2)
}

func TestLocalRejectsSubmitAfterClose(t *testing.T) {
	l := NewLocal(zerolog.Nop())
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := l.Submit(context.Background(), edit("doc", "e1"))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
