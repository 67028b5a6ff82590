package binder

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/delta"
	"github.com/example/tree-sync-engine/internal/editable"
	"github.com/example/tree-sync-engine/internal/forest"
	"github.com/example/tree-sync-engine/internal/tree"
)

var (
	// ErrUnknownField is returned by Register for a bind path naming a field
	// no schema type declares.
	ErrUnknownField = errors.New("bind path field not in schema")
	// ErrBindingType is returned by Register for a binding type the binder
	// cannot deliver.
	ErrBindingType = errors.New("binding type not supported by binder")
	// ErrEmptyPath is returned by Register for an empty bind path.
	ErrEmptyPath = errors.New("empty bind path")
	// ErrFlushInProgress is returned by Flush when called from a listener
	// of the flush in progress.
	ErrFlushInProgress = errors.New("flush already in progress")
)

// MatchPolicy decides which event paths a bind path matches.
type MatchPolicy int

const (
	// MatchPath matches events whose path equals the bind path.
	MatchPath MatchPolicy = iota
	// MatchSubtree matches events at or beneath the bind path.
	MatchSubtree
)

// Options configures every binder.
type Options struct {
	MatchPolicy MatchPolicy
	// Sort orders buffered events before delivery. Defaults to
	// CompareDeleteFirst.
	Sort   CompareFunc[BindingContext]
	Logger zerolog.Logger
}

// FlushableOptions configures invalidating and buffering binders.
type FlushableOptions struct {
	Options
	// AutoFlush flushes after every completed change to the forest.
	AutoFlush bool
	// SortAnchors orders anchors on flush. Defaults to
	// CompareAnchorsDepthFirst.
	SortAnchors CompareFunc[*tree.UpPath]
}

type anchorEntry struct {
	anchor      forest.Anchor
	visitor     anchorVisitor
	location    *tree.UpPath
	unsubscribe func()
}

// Binder routes changes beneath registered anchors to listeners bound to
// paths. Events are delivered as they happen. It is not safe for concurrent
// use.
type Binder struct {
	logger  zerolog.Logger
	ctx     *editable.Context
	opts    Options
	mode    mode
	entries []*anchorEntry
	handles []func()
}

func newBinder(c *editable.Context, opts Options, m mode) *Binder {
	if opts.Sort == nil {
		opts.Sort = CompareDeleteFirst
	}
	return &Binder{
		logger: opts.Logger.With().Str("component", "binder").Str("mode", string(m)).Logger(),
		ctx:    c,
		opts:   opts,
		mode:   m,
	}
}

// NewDirect returns a binder that calls listeners synchronously while a
// change is being applied.
func NewDirect(c *editable.Context, opts Options) *Binder {
	return newBinder(c, opts, modeDirect)
}

func (b *Binder) newVisitor() anchorVisitor {
	base := baseVisitor{tree: newCallTree(), policy: b.opts.MatchPolicy, mode: b.mode}
	switch b.mode {
	case modeInvalidating:
		v := &invalidatingVisitor{baseVisitor: base}
		v.discard()
		return v
	case modeBuffering:
		return &bufferingVisitor{baseVisitor: base, sort: b.opts.Sort}
	default:
		return &directVisitor{baseVisitor: base}
	}
}

func (b *Binder) entry(anchor forest.Anchor) (*anchorEntry, error) {
	for _, e := range b.entries {
		if e.anchor == anchor {
			return e, nil
		}
	}
	e := &anchorEntry{anchor: anchor, visitor: b.newVisitor()}
	unsubscribe, err := b.ctx.Forest().OnSubtreeChanging(anchor, func(path *tree.UpPath) delta.PathVisitor {
		e.location = path
		return e.visitor
	})
	if err != nil {
		return nil, err
	}
	e.unsubscribe = unsubscribe
	b.entries = append(b.entries, e)
	return e, nil
}

// Register binds listener to events of type bt beneath node whose paths
// match paths. node must stay valid for as long as the registration is
// used; the binder does not free it.
func (b *Binder) Register(node *editable.NodeView, bt BindingType, paths []BindPath, listener Listener) (unregister func(), err error) {
	if !b.mode.accepts(bt) {
		return nil, fmt.Errorf("%w: %s on %s binder", ErrBindingType, bt, b.mode)
	}
	for _, path := range paths {
		if len(path) == 0 {
			return nil, ErrEmptyPath
		}
		for _, step := range path {
			if !b.ctx.Schema().HasField(step.Field) {
				return nil, fmt.Errorf("%w: %q in %s", ErrUnknownField, step.Field, path)
			}
		}
	}
	anchor, err := node.Anchor()
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	e, err := b.entry(anchor)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	calls := e.visitor.calls()
	before := calls.size()
	reg := &registration{listener: listener}
	for _, path := range paths {
		calls.insert(bt, path, reg)
	}
	callNodes.WithLabelValues(string(b.mode)).Add(float64(calls.size() - before))

	done := false
	unregister = func() {
		if done {
			return
		}
		done = true
		before := calls.size()
		for _, path := range paths {
			calls.remove(bt, path, reg)
		}
		callNodes.WithLabelValues(string(b.mode)).Sub(float64(before - calls.size()))
	}
	b.handles = append(b.handles, unregister)
	b.logger.Debug().Str("type", bt.String()).Int("paths", len(paths)).Msg("listener registered")
	return unregister, nil
}

// UnregisterAll drops every registration and pending event and detaches
// from every anchor.
func (b *Binder) UnregisterAll() {
	for _, h := range b.handles {
		h()
	}
	b.handles = nil
	for _, e := range b.entries {
		e.unsubscribe()
		e.visitor.discard()
	}
	b.entries = nil
}

// FlushableBinder holds events until Flush.
type FlushableBinder struct {
	*Binder
	sortAnchors CompareFunc[*tree.UpPath]
	flushing    bool
}

func newFlushable(c *editable.Context, opts FlushableOptions, m mode) *FlushableBinder {
	if opts.SortAnchors == nil {
		opts.SortAnchors = CompareAnchorsDepthFirst
	}
	fb := &FlushableBinder{Binder: newBinder(c, opts.Options, m), sortAnchors: opts.SortAnchors}
	if opts.AutoFlush {
		stop := c.Forest().OnAfterBatch(func() {
			if err := fb.Flush(); err != nil {
				fb.logger.Warn().Err(err).Msg("auto flush skipped")
			}
		})
		fb.handles = append(fb.handles, stop)
	}
	return fb
}

// NewInvalidating returns a binder that remembers which Invalidation
// listeners were hit and calls each once on Flush.
func NewInvalidating(c *editable.Context, opts FlushableOptions) *FlushableBinder {
	return newFlushable(c, opts, modeInvalidating)
}

// NewBuffering returns a binder that queues matched events and delivers
// them sorted on Flush.
func NewBuffering(c *editable.Context, opts FlushableOptions) *FlushableBinder {
	return newFlushable(c, opts, modeBuffering)
}

// Flush delivers what was collected since the last flush, anchor by anchor
// in SortAnchors order. It must not be called from one of its listeners.
func (b *FlushableBinder) Flush() error {
	if b.flushing {
		return ErrFlushInProgress
	}
	b.flushing = true
	defer func() { b.flushing = false }()
	start := time.Now()

	entries := slices.Clone(b.entries)
	if b.mode == modeBuffering {
		// anchors that never saw an event have nothing queued
		entries = slices.DeleteFunc(entries, func(e *anchorEntry) bool { return e.location == nil })
		slices.SortStableFunc(entries, func(x, y *anchorEntry) int { return b.sortAnchors(x.location, y.location) })
	}
	for _, e := range entries {
		e.visitor.flush()
	}
	flushSeconds.WithLabelValues(string(b.mode)).Observe(time.Since(start).Seconds())
	return nil
}
