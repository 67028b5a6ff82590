package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/tree-sync-engine/internal/change"
	"github.com/example/tree-sync-engine/internal/forest"
	"github.com/example/tree-sync-engine/internal/observability"
	"github.com/example/tree-sync-engine/internal/types"
)

// ErrTrunkTooOld is returned for an edit whose reference sequence number
// predates the retained trunk history.
var ErrTrunkTooOld = errors.New("edit references trunk history no longer retained")

// Submitter hands local edits to a sequencing service.
type Submitter interface {
	Submit(ctx context.Context, edit types.Edit) error
}

// Index observes every sequenced change once it has been applied to the
// forest. applied is the change exactly as it was applied on top of whatever
// the forest held; sequenced is the same change expressed against the state
// left by the previous sequenced edit.
type Index interface {
	SequencedChange(applied, sequenced change.Changeset)
}

// Options configures a checkout.
type Options struct {
	Document types.DocumentID
	Client   types.ClientID
	// StartSeq is the last sequence number already reflected in the forest.
	StartSeq uint64
	// TrunkWindow bounds the retained history used to rebase edits authored
	// against older states. Defaults to 4096.
	TrunkWindow int
	// InboxSize is the capacity of the channel network sequencers deliver
	// into. Defaults to 256.
	InboxSize int
}

type trunkEntry struct {
	seq    uint64
	change change.Changeset
}

// Checkout binds a forest to a sequencing service. It submits local edits and
// applies sequenced edits strictly in order. It is not safe for concurrent
// use, except for sends on Inbox.
type Checkout struct {
	logger    zerolog.Logger
	forest    *forest.Forest
	family    change.Family
	submitter Submitter
	document  types.DocumentID
	client    types.ClientID

	seq         uint64
	reorder     *sequenceReorderBuffer
	trunk       []trunkEntry
	trunkWindow int
	indexes     []Index

	delivering bool
	queue      []types.SequencedEdit
	inbox      chan types.SequencedEdit
}

// New builds a checkout.
func New(f *forest.Forest, submitter Submitter, logger zerolog.Logger, opts Options) *Checkout {
	if opts.Client == "" {
		opts.Client = types.NewClientID()
	}
	if opts.TrunkWindow <= 0 {
		opts.TrunkWindow = 4096
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	logger = logger.With().
		Str("component", "checkout").
		Str("document", string(opts.Document)).
		Str("client", string(opts.Client)).
		Logger()
	return &Checkout{
		logger:      logger,
		forest:      f,
		submitter:   submitter,
		document:    opts.Document,
		client:      opts.Client,
		seq:         opts.StartSeq,
		reorder:     newSequenceReorderBuffer(opts.StartSeq+1, logger),
		trunkWindow: opts.TrunkWindow,
		inbox:       make(chan types.SequencedEdit, opts.InboxSize),
	}
}

// Forest returns the checkout's storage.
func (c *Checkout) Forest() *forest.Forest { return c.forest }

// Family returns the change family used for rebasing.
func (c *Checkout) Family() change.Family { return c.family }

// Document returns the document id.
func (c *Checkout) Document() types.DocumentID { return c.document }

// Client returns the local client id.
func (c *Checkout) Client() types.ClientID { return c.client }

// Seq is the last sequence number applied.
func (c *Checkout) Seq() uint64 { return c.seq }

// Waiting counts sequenced edits queued behind a gap.
func (c *Checkout) Waiting() int { return c.reorder.waiting() }

// AddIndex registers idx for sequenced change notifications.
func (c *Checkout) AddIndex(idx Index) {
	c.indexes = append(c.indexes, idx)
}

// RemoveIndex drops idx.
func (c *Checkout) RemoveIndex(idx Index) {
	for i, other := range c.indexes {
		if other == idx {
			c.indexes = append(c.indexes[:i:i], c.indexes[i+1:]...)
			return
		}
	}
}

// SubmitEdit wraps cs as an edit authored against the current sequence
// number and submits it.
func (c *Checkout) SubmitEdit(ctx context.Context, cs change.Changeset) (types.Edit, error) {
	edit := types.Edit{
		ID:       types.NewEditID(),
		Document: c.document,
		Client:   c.client,
		RefSeq:   c.seq,
		Change:   cs,
	}
	ctx, span := tracer.Start(ctx, "checkout.submit_edit")
	defer span.End()
	span.SetAttributes(observability.EditAttributes(c.document, edit.ID, 0)...)
	span.SetAttributes(attribute.Int("ops", len(cs)))

	if err := c.submitter.Submit(ctx, edit); err != nil {
		span.RecordError(err)
		return edit, fmt.Errorf("submit edit %s: %w", edit.ID, err)
	}
	submittedEdits.WithLabelValues(string(c.document)).Inc()
	c.logger.Debug().Str("edit", string(edit.ID)).Uint64("ref_seq", edit.RefSeq).Int("ops", len(cs)).Msg("edit submitted")
	return edit, nil
}

// Deliver hands a sequenced edit to the checkout. Edits are applied in
// sequence order; early ones wait (ErrSequenceGap) and duplicates are
// dropped. A delivery made while another is being processed, for example by
// a synchronous sequencer reacting to a submit issued from an index, is
// queued and applied once the current one completes.
func (c *Checkout) Deliver(se types.SequencedEdit) error {
	if c.delivering {
		c.queue = append(c.queue, se)
		return nil
	}
	c.delivering = true
	defer func() { c.delivering = false }()

	err := c.reorder.handle(se, c.apply)
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		if qerr := c.reorder.handle(next, c.apply); qerr != nil && err == nil {
			err = qerr
		}
	}
	return err
}

// Inbox is where network sequencers push sequenced edits from their own
// goroutines. The owner applies them with Drain.
func (c *Checkout) Inbox() chan<- types.SequencedEdit {
	return c.inbox
}

// Drain delivers every edit waiting in the inbox. Sequence gaps are not
// errors here; the missing edits are expected to follow.
func (c *Checkout) Drain() error {
	for {
		select {
		case se := <-c.inbox:
			if err := c.Deliver(se); err != nil && !errors.Is(err, ErrSequenceGap) {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Checkout) apply(se types.SequencedEdit) error {
	_, span := tracer.Start(context.Background(), "checkout.apply_sequenced")
	defer span.End()
	span.SetAttributes(observability.EditAttributes(c.document, se.Edit.ID, se.Seq)...)

	sequenced, err := c.rebaseOverTrunk(se.Edit)
	if err != nil {
		span.RecordError(err)
		return err
	}

	c.forest.Batch(func() {
		var applied change.Changeset
		applied, err = c.family.ApplyTo(sequenced, c.forest, c.forest.ApplyDelta)
		if err != nil {
			// leave the forest as it was before the edit
			if _, undoErr := c.family.ApplyTo(c.family.Invert(applied), c.forest, c.forest.ApplyDelta); undoErr != nil {
				c.logger.Error().Err(undoErr).Uint64("seq", se.Seq).Msg("undo of partially applied edit failed")
			}
			return
		}
		c.seq = se.Seq
		c.remember(se.Seq, sequenced)
		for _, idx := range append([]Index(nil), c.indexes...) {
			idx.SequencedChange(applied, sequenced)
		}
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("apply sequenced edit %d: %w", se.Seq, err)
	}

	sequencedApplied.WithLabelValues(string(c.document)).Inc()
	c.logger.Debug().
		Uint64("seq", se.Seq).
		Str("edit", string(se.Edit.ID)).
		Str("author", string(se.Edit.Client)).
		Msg("sequenced edit applied")
	return nil
}

// rebaseOverTrunk restates an edit authored at RefSeq against the state
// after every edit sequenced since.
func (c *Checkout) rebaseOverTrunk(edit types.Edit) (change.Changeset, error) {
	if edit.RefSeq >= c.seq {
		return edit.Change, nil
	}
	if len(c.trunk) == 0 || c.trunk[0].seq > edit.RefSeq+1 {
		return nil, fmt.Errorf("%w: ref %d, oldest retained %d", ErrTrunkTooOld, edit.RefSeq, c.oldestRetained())
	}
	out := edit.Change
	depth := 0
	for _, entry := range c.trunk {
		if entry.seq <= edit.RefSeq {
			continue
		}
		out = c.family.Rebase(out, entry.change)
		depth++
	}
	trunkRebaseDepth.Observe(float64(depth))
	return out, nil
}

func (c *Checkout) remember(seq uint64, cs change.Changeset) {
	c.trunk = append(c.trunk, trunkEntry{seq: seq, change: cs})
	if over := len(c.trunk) - c.trunkWindow; over > 0 {
		c.trunk = append(c.trunk[:0:0], c.trunk[over:]...)
	}
}

func (c *Checkout) oldestRetained() uint64 {
	if len(c.trunk) == 0 {
		return c.seq
	}
	return c.trunk[0].seq
}
