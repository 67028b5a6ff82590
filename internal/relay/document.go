package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/change"
	"github.com/example/tree-sync-engine/internal/checkout"
	"github.com/example/tree-sync-engine/internal/forest"
	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
)

// ErrRefAhead is returned for an edit referencing a sequence number the
// relay has not assigned yet.
var ErrRefAhead = errors.New("edit references a future sequence number")

// document hosts the sequenced state of one document. Every edit goes
// through a checkout so it can be restated against the state right before
// it; that normalized form is what gets logged and fanned out.
type document struct {
	mu       sync.Mutex
	id       types.DocumentID
	forest   *forest.Forest
	checkout *checkout.Checkout
	last     change.Changeset
	evicted  bool
}

func newDocument(id types.DocumentID, seq uint64, nodes []*tree.Node, trunkWindow int, logger zerolog.Logger) (*document, error) {
	f := forest.New(logger)
	if err := f.Load(nodes); err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	d := &document{id: id, forest: f}
	d.checkout = checkout.New(f, nil, logger, checkout.Options{
		Document:    id,
		Client:      "relay",
		StartSeq:    seq,
		TrunkWindow: trunkWindow,
	})
	d.checkout.AddIndex(d)
	return d, nil
}

// SequencedChange records the trunk form of the edit being applied.
func (d *document) SequencedChange(_, sequenced change.Changeset) {
	d.last = sequenced
}

func (d *document) seq() uint64 {
	return d.checkout.Seq()
}

// sequence assigns the next sequence number to edit and applies it. The
// returned edit references the previous sequence number. The caller holds
// mu.
func (d *document) sequence(edit types.Edit) (types.SequencedEdit, error) {
	current := d.checkout.Seq()
	if edit.RefSeq > current {
		return types.SequencedEdit{}, fmt.Errorf("%w: ref %d, current %d", ErrRefAhead, edit.RefSeq, current)
	}
	d.last = nil
	se := types.SequencedEdit{Seq: current + 1, Edit: edit, CreatedAt: time.Now().UTC()}
	if err := d.checkout.Deliver(se); err != nil {
		return types.SequencedEdit{}, err
	}
	se.Edit.RefSeq = current
	se.Edit.Change = d.last
	return se, nil
}

func (d *document) state() (uint64, []*tree.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkout.Seq(), d.forest.Snapshot()
}
