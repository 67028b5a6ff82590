package editable

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/tree-sync-engine/internal/change"
	"github.com/example/tree-sync-engine/internal/checkout"
	"github.com/example/tree-sync-engine/internal/forest"
	"github.com/example/tree-sync-engine/internal/schema"
	"github.com/example/tree-sync-engine/internal/tree"
)

var (
	// ErrTransactionOpen is returned by OpenTransaction while a transaction
	// is already open.
	ErrTransactionOpen = errors.New("transaction already open")
	// ErrNoTransaction is returned by CommitTransaction when nothing is open.
	ErrNoTransaction = errors.New("no open transaction")
	// ErrReadOnly is returned for edits on a context without a checkout, or
	// one that has been freed.
	ErrReadOnly = errors.New("context is read only")
	// ErrInvalidProxy is returned by reads and edits through a proxy whose
	// node was deleted or which has been freed.
	ErrInvalidProxy = errors.New("proxy is no longer valid")
)

// Options configures a Context.
type Options struct {
	// Checkout makes the context editable. It must wrap the same forest.
	Checkout *checkout.Checkout
	// Schema types raw input data. Defaults to a repository whose root
	// field is an untyped sequence.
	Schema *schema.Repository
	Logger zerolog.Logger
	// Ctx parents commit and rebase spans. Defaults to context.Background().
	Ctx context.Context
}

type afterChangeHandler struct {
	fn func(*Context)
}

// Context is the editing surface over a forest. Reads go through NodeView and
// FieldView proxies; every mutation runs in a transaction which, on commit, is
// rolled back locally and submitted for sequencing. Local edits reappear once
// the sequenced edit is delivered back through the checkout.
//
// A Context is not safe for concurrent use.
type Context struct {
	logger   zerolog.Logger
	base     context.Context
	forest   *forest.Forest
	checkout *checkout.Checkout
	schema   *schema.Repository
	family   change.Family

	builder     *change.EditBuilder
	withCursors map[*target]struct{}
	withAnchors map[*target]struct{}
	handlers    []*afterChangeHandler
	observer    *forest.Observer
	index       *sequenceIndex
	freed       bool
}

// New builds a context over f and registers it with f and the checkout.
func New(f *forest.Forest, opts Options) *Context {
	if opts.Schema == nil {
		opts.Schema = schema.NewRepository(schema.FieldSchema{Kind: schema.Sequence})
	}
	if opts.Ctx == nil {
		opts.Ctx = context.Background()
	}
	c := &Context{
		logger:      opts.Logger.With().Str("component", "editable").Logger(),
		base:        opts.Ctx,
		forest:      f,
		checkout:    opts.Checkout,
		schema:      opts.Schema,
		withCursors: make(map[*target]struct{}),
		withAnchors: make(map[*target]struct{}),
	}
	c.observer = forest.NewObserver(func(token forest.InvalidationToken) {
		if token == forest.AfterChange {
			c.handleAfterChange()
			return
		}
		c.PrepareForEdit()
	})
	f.RegisterDependent(c.observer)
	c.index = &sequenceIndex{c: c}
	if c.checkout != nil {
		c.checkout.AddIndex(c.index)
	}
	return c
}

// Forest returns the underlying storage.
func (c *Context) Forest() *forest.Forest { return c.forest }

// Schema returns the schema repository used for typing input.
func (c *Context) Schema() *schema.Repository { return c.schema }

// Index returns the checkout index that rebases the open transaction over
// incoming sequenced changes. New registers it already.
func (c *Context) Index() checkout.Index { return c.index }

// PrepareForEdit converts every cursor-backed proxy into an anchor-backed
// one. It runs automatically before every change to the forest.
func (c *Context) PrepareForEdit() {
	for t := range c.withCursors {
		t.prepareForEdit()
	}
}

// Clear frees every proxy handed out so far. It may be called any number of
// times.
func (c *Context) Clear() {
	for t := range c.withCursors {
		t.free()
	}
	for t := range c.withAnchors {
		t.free()
	}
}

// Free clears the context and detaches it from the forest and the checkout.
// The context is read only afterwards.
func (c *Context) Free() {
	c.Clear()
	if c.freed {
		return
	}
	c.freed = true
	c.forest.RemoveDependent(c.observer)
	if c.checkout != nil {
		c.checkout.RemoveIndex(c.index)
	}
	c.builder = nil
	c.handlers = nil
}

// AttachAfterChangeHandler registers fn to run after every completed change
// to the forest, local or sequenced.
func (c *Context) AttachAfterChangeHandler(fn func(*Context)) (detach func()) {
	h := &afterChangeHandler{fn: fn}
	c.handlers = append(c.handlers, h)
	return func() {
		for i, other := range c.handlers {
			if other == h {
				c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

func (c *Context) handleAfterChange() {
	for _, h := range append([]*afterChangeHandler(nil), c.handlers...) {
		h.fn(c)
	}
}

// Root returns the proxy of the root field.
func (c *Context) Root() (*FieldView, error) {
	cursor := c.forest.AllocateCursor()
	defer cursor.Free()
	c.forest.MoveToDetachedField(tree.RootField, cursor)
	return c.fieldView(cursor, c.schema.Root()), nil
}

// UnwrappedRoot returns the root field unwrapped per its kind: a NodeView for
// a value field, a NodeView or nil for an optional field, the FieldView
// itself for a sequence.
func (c *Context) UnwrappedRoot() (any, error) {
	root, err := c.Root()
	if err != nil {
		return nil, err
	}
	return root.Unwrap()
}

// SetRoot replaces the content of the root field with nodes typed from data.
// Existing nodes are deleted and new ones inserted, so content inserted
// concurrently by another client survives.
func (c *Context) SetRoot(data any) error {
	content, err := c.schema.ContentFor(c.schema.Root(), data)
	if err != nil {
		return fmt.Errorf("set root: %w", err)
	}
	existing, _ := c.forest.FieldContent(nil, tree.RootField)
	_, err = c.ReplaceNodes(nil, tree.RootField, 0, len(existing), content...)
	return err
}

// SetUnwrappedRoot is SetRoot.
func (c *Context) SetUnwrappedRoot(data any) error {
	return c.SetRoot(data)
}

// SetNodeValue sets the value of the node at path.
func (c *Context) SetNodeValue(path *tree.UpPath, value tree.Value) (bool, error) {
	return c.runTransaction(func(b *change.EditBuilder) (bool, error) {
		return b.SetValue(path, value)
	})
}

// SetValueField replaces the single node of a value field.
func (c *Context) SetValueField(parent *tree.UpPath, key tree.FieldKey, content *tree.Node) (bool, error) {
	return c.runTransaction(func(b *change.EditBuilder) (bool, error) {
		return b.ValueField(parent, key).Set(content)
	})
}

// SetOptionalField replaces the content of an optional field; nil clears it.
func (c *Context) SetOptionalField(parent *tree.UpPath, key tree.FieldKey, content *tree.Node, wasEmpty bool) (bool, error) {
	return c.runTransaction(func(b *change.EditBuilder) (bool, error) {
		return b.OptionalField(parent, key).Set(content, wasEmpty)
	})
}

// InsertNodes inserts content into a sequence field at index.
func (c *Context) InsertNodes(parent *tree.UpPath, key tree.FieldKey, index int, content ...*tree.Node) (bool, error) {
	return c.runTransaction(func(b *change.EditBuilder) (bool, error) {
		return b.SequenceField(parent, key).Insert(index, content...)
	})
}

// DeleteNodes deletes count nodes of a sequence field from index.
func (c *Context) DeleteNodes(parent *tree.UpPath, key tree.FieldKey, index, count int) (bool, error) {
	return c.runTransaction(func(b *change.EditBuilder) (bool, error) {
		return b.SequenceField(parent, key).Delete(index, count)
	})
}

// ReplaceNodes deletes count nodes from index then inserts content there, as
// one atomic edit.
func (c *Context) ReplaceNodes(parent *tree.UpPath, key tree.FieldKey, index, count int, content ...*tree.Node) (bool, error) {
	var cs change.Changeset
	if count > 0 {
		cs = append(cs, change.Delete(parent, key, index, count))
	}
	if len(content) > 0 {
		cs = append(cs, change.Insert(parent, key, index, content...))
	}
	if len(cs) == 0 {
		return false, nil
	}
	return c.runTransaction(func(b *change.EditBuilder) (bool, error) {
		return b.Apply(cs)
	})
}

func (c *Context) runTransaction(fn func(b *change.EditBuilder) (bool, error)) (bool, error) {
	if c.builder != nil {
		return fn(c.builder)
	}
	if err := c.OpenTransaction(); err != nil {
		return false, err
	}
	ok, err := fn(c.builder)
	if cerr := c.CommitTransaction(); cerr != nil && err == nil {
		err = cerr
	}
	return ok, err
}

// HasOpenTransaction reports whether a transaction is open.
func (c *Context) HasOpenTransaction() bool {
	return c.builder != nil
}

// OpenTransaction starts recording edits.
func (c *Context) OpenTransaction() error {
	if c.checkout == nil || c.freed {
		return ErrReadOnly
	}
	if c.builder != nil {
		return ErrTransactionOpen
	}
	c.builder = change.NewEditBuilder(c.forest, c.forest.ApplyDelta)
	return nil
}

// CommitTransaction rolls the recorded edits back and submits their
// composition for sequencing. The transaction is closed before submitting,
// so a synchronous sequencer delivering the edit straight back finds no open
// transaction to rebase.
func (c *Context) CommitTransaction() error {
	if c.checkout == nil || c.freed {
		return ErrReadOnly
	}
	if c.builder == nil {
		return ErrNoTransaction
	}
	changes := c.builder.Changes()
	if len(changes) == 0 {
		c.builder = nil
		return nil
	}

	ctx, span := tracer.Start(c.base, "editable.commit")
	defer span.End()
	span.SetAttributes(attribute.Int("changes", len(changes)))

	rolled, err := c.rollback(changes)
	net := c.family.Compose(changes...)
	c.builder = nil
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("roll back transaction: %w", err)
	}
	rollbackOps.Add(float64(rolled))

	edit, err := c.checkout.SubmitEdit(ctx, net)
	if err != nil {
		span.RecordError(err)
		return err
	}
	commitsTotal.Inc()
	c.logger.Debug().Str("edit", string(edit.ID)).Int("changes", len(changes)).Int("ops", len(net)).Msg("transaction committed")
	return nil
}

// rollback applies the inverse of every change, last first, as one batch.
func (c *Context) rollback(changes []change.Changeset) (int, error) {
	var (
		rolled int
		err    error
	)
	c.forest.Batch(func() {
		for i := len(changes) - 1; i >= 0; i-- {
			var undone change.Changeset
			undone, err = c.family.ApplyTo(c.family.Invert(changes[i]), c.forest, c.forest.ApplyDelta)
			rolled += len(undone)
			if err != nil {
				return
			}
		}
	})
	return rolled, err
}
