package sequencer

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/types"
)

type localReceiver struct {
	r Receiver
}

// Local sequences edits in-process and delivers them synchronously to every
// joined receiver of the document, the submitter included. A submit issued
// while a delivery is in progress is queued and sequenced afterwards. Local
// is not safe for concurrent use.
type Local struct {
	logger    zerolog.Logger
	seq       map[types.DocumentID]uint64
	history   map[types.DocumentID][]types.SequencedEdit
	receivers map[types.DocumentID][]*localReceiver

	delivering bool
	paused     bool
	queue      []types.Edit
	closed     bool
	now        func() time.Time
}

// NewLocal returns an empty in-process sequencer.
func NewLocal(logger zerolog.Logger) *Local {
	return &Local{
		logger:    logger.With().Str("component", "local_sequencer").Logger(),
		seq:       make(map[types.DocumentID]uint64),
		history:   make(map[types.DocumentID][]types.SequencedEdit),
		receivers: make(map[types.DocumentID][]*localReceiver),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Join subscribes r to doc. Edits already sequenced are replayed to r first.
func (l *Local) Join(doc types.DocumentID, r Receiver) (leave func()) {
	entry := &localReceiver{r: r}
	l.receivers[doc] = append(l.receivers[doc], entry)
	for _, se := range l.history[doc] {
		l.deliver(entry, se)
	}
	return func() {
		l.receivers[doc] = slices.DeleteFunc(l.receivers[doc], func(other *localReceiver) bool { return other == entry })
	}
}

// Submit sequences edit and fans it out.
func (l *Local) Submit(_ context.Context, edit types.Edit) error {
	if l.closed {
		return ErrClosed
	}
	l.queue = append(l.queue, edit)
	if l.delivering || l.paused {
		return nil
	}
	l.flush()
	return nil
}

// Pause holds submitted edits until Resume, so that several participants
// can author edits against the same state.
func (l *Local) Pause() {
	l.paused = true
}

// Resume sequences every held edit in submission order.
func (l *Local) Resume() {
	l.paused = false
	if !l.delivering {
		l.flush()
	}
}

// Pending counts held edits.
func (l *Local) Pending() int {
	return len(l.queue)
}

// History returns the edits sequenced for doc.
func (l *Local) History(doc types.DocumentID) []types.SequencedEdit {
	return slices.Clone(l.history[doc])
}

func (l *Local) flush() {
	l.delivering = true
	defer func() { l.delivering = false }()
	for len(l.queue) > 0 && !l.paused {
		edit := l.queue[0]
		l.queue = l.queue[1:]
		l.sequence(edit)
	}
}

func (l *Local) sequence(edit types.Edit) {
	l.seq[edit.Document]++
	se := types.SequencedEdit{Seq: l.seq[edit.Document], Edit: edit, CreatedAt: l.now()}
	l.history[edit.Document] = append(l.history[edit.Document], se)
	for _, entry := range slices.Clone(l.receivers[edit.Document]) {
		l.deliver(entry, se)
	}
}

func (l *Local) deliver(entry *localReceiver, se types.SequencedEdit) {
	if err := entry.r.Deliver(se); err != nil {
		l.logger.Warn().Err(err).
			Str("document", string(se.Edit.Document)).
			Uint64("seq", se.Seq).
			Msg("receiver rejected sequenced edit")
	}
}

// Close stops accepting edits.
func (l *Local) Close() error {
	l.closed = true
	return nil
}
