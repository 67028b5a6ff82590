package sequencer

import (
	"context"
	"errors"

	"github.com/example/tree-sync-engine/internal/types"
)

// ErrClosed is returned by a sequencer after Close.
var ErrClosed = errors.New("sequencer closed")

// Sequencer totally orders edits from every participant of a document.
type Sequencer interface {
	Submit(ctx context.Context, edit types.Edit) error
	Close() error
}

// Receiver accepts sequenced edits synchronously.
type Receiver interface {
	Deliver(se types.SequencedEdit) error
}
