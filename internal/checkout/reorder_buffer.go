package checkout

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/types"
)

// ErrSequenceGap is returned when an edit is queued because an earlier
// sequence number has not been delivered yet.
var ErrSequenceGap = errors.New("edit delayed: sequence gap detected")

// EditApplier is invoked when a sequenced edit is next in order.
type EditApplier func(types.SequencedEdit) error

// sequenceReorderBuffer holds edits that arrived ahead of their predecessors
// and drops edits that were already applied.
type sequenceReorderBuffer struct {
	next     uint64
	pending  map[uint64]types.SequencedEdit
	logger   zerolog.Logger
	reorders *prometheus.CounterVec
}

func newSequenceReorderBuffer(next uint64, logger zerolog.Logger) *sequenceReorderBuffer {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "sequence",
		Name:      "edits_reordered_total",
		Help:      "Number of sequenced edits applied after waiting for predecessors.",
	}, []string{"document_id"})

	if err := prometheus.Register(counter); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counter = regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return &sequenceReorderBuffer{
		next:     next,
		pending:  make(map[uint64]types.SequencedEdit),
		logger:   logger,
		reorders: counter,
	}
}

// handle applies se if it is next in order, then every queued edit it
// unblocks. Early edits are queued and ErrSequenceGap is returned.
func (b *sequenceReorderBuffer) handle(se types.SequencedEdit, apply EditApplier) error {
	switch {
	case se.Seq < b.next:
		duplicateEdits.WithLabelValues(string(se.Edit.Document)).Inc()
		b.logger.Debug().
			Uint64("seq", se.Seq).
			Str("edit", string(se.Edit.ID)).
			Msg("dropped duplicate sequenced edit")
		return nil
	case se.Seq > b.next:
		if _, queued := b.pending[se.Seq]; !queued {
			b.pending[se.Seq] = se
		}
		b.logger.Info().
			Uint64("seq", se.Seq).
			Uint64("expected", b.next).
			Str("client", string(se.Edit.Client)).
			Msg("queued sequenced edit pending predecessors")
		return ErrSequenceGap
	}

	if err := apply(se); err != nil {
		return err
	}
	b.next++
	return b.drain(apply)
}

func (b *sequenceReorderBuffer) drain(apply EditApplier) error {
	for {
		se, ok := b.pending[b.next]
		if !ok {
			return nil
		}
		delete(b.pending, b.next)

		b.logger.Info().
			Uint64("seq", se.Seq).
			Str("client", string(se.Edit.Client)).
			Msg("applying previously queued sequenced edit")
		b.reorders.WithLabelValues(string(se.Edit.Document)).Inc()

		if err := apply(se); err != nil {
			return err
		}
		b.next++
	}
}

// waiting counts queued edits.
func (b *sequenceReorderBuffer) waiting() int {
	return len(b.pending)
}
