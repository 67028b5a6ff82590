package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/checkout"
	"github.com/example/tree-sync-engine/internal/observability"
	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
	"github.com/example/tree-sync-engine/internal/wire"
)

var errCatchUpDone = errors.New("catch-up complete")

// EditLog persists sequenced edits. *storage.EditLog implements it.
type EditLog interface {
	Append(ctx context.Context, se types.SequencedEdit) error
	Replay(ctx context.Context, docID types.DocumentID, fromSeq uint64, handler func(types.SequencedEdit) error) error
}

// Loader returns the latest persisted state of a document, used the first
// time a document is hosted.
type Loader func(ctx context.Context, doc types.DocumentID) (seq uint64, nodes []*tree.Node, err error)

// Config controls the runtime behaviour of the relay.
type Config struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	MaxMessageSize     int64
	// CacheEdits bounds how many recent sequenced edits are kept in memory
	// for catch-up.
	CacheEdits int64
	// TrunkWindow bounds how far behind the head an edit may be authored.
	TrunkWindow int
}

// Option configures optional collaborators.
type Option func(*Relay)

// WithEditLog persists every sequenced edit before fan-out and serves
// catch-up requests that miss the cache.
func WithEditLog(log EditLog) Option {
	return func(r *Relay) { r.log = log }
}

// WithLoader hydrates documents from persisted state.
func WithLoader(load Loader) Option {
	return func(r *Relay) { r.load = load }
}

// Relay is the sequencing authority for websocket clients. It assigns
// sequence numbers per document, fans sequenced edits out to every
// connection of the document and answers catch-up requests.
type Relay struct {
	auth     Authenticator
	registry *ConnectionRegistry
	logger   zerolog.Logger
	cfg      Config
	log      EditLog
	load     Loader
	cache    *ristretto.Cache[string, types.SequencedEdit]
	upgrader websocket.Upgrader

	mu   sync.Mutex
	docs map[types.DocumentID]*document
}

// New creates a relay with sane defaults.
func New(auth Authenticator, logger zerolog.Logger, cfg Config, opts ...Option) (*Relay, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	if cfg.CacheEdits == 0 {
		cfg.CacheEdits = 1 << 16
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, types.SequencedEdit]{
		NumCounters:        cfg.CacheEdits * 10,
		MaxCost:            cfg.CacheEdits,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create catch-up cache: %w", err)
	}

	r := &Relay{
		auth:     auth,
		registry: NewConnectionRegistry(),
		logger:   logger.With().Str("component", "relay").Logger(),
		cfg:      cfg,
		cache:    cache,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		docs:     make(map[types.DocumentID]*document),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Registry exposes the connection registry.
func (r *Relay) Registry() *ConnectionRegistry { return r.registry }

// ServeHTTP implements http.Handler.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()

	identity, err := r.auth.Authenticate(req)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	doc := identity.Document
	if doc == "" {
		doc = types.DocumentID(req.URL.Query().Get("document_id"))
	}
	if doc == "" {
		http.Error(w, "missing document_id", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	upgradeLatency.Observe(time.Since(start).Seconds())

	logger := r.logger.With().Str("document", string(doc)).Str("client", string(identity.Client)).Logger()
	var c *Connection
	c = newConnection(conn, identity, doc, logger, connectionOptions{
		heartbeatInterval:  r.cfg.HeartbeatInterval,
		heartbeatTolerance: r.cfg.HeartbeatTolerance,
		sendBufferSize:     r.cfg.SendBuffer,
		writeTimeout:       r.cfg.WriteTimeout,
		maxMessageSize:     r.cfg.MaxMessageSize,
	}, func() {
		r.registry.Unregister(doc, c)
	})
	r.registry.Register(doc, c)
	logger.Info().Msg("websocket connection established")

	go c.Run(r.handle)
}

func (r *Relay) handle(ctx context.Context, c *Connection, f wire.Frame) error {
	switch f.Kind {
	case wire.FrameSubmit:
		if f.Edit == nil {
			return c.Send(wire.Frame{Kind: wire.FrameError, Error: "submit without edit"})
		}
		return r.submit(ctx, c, *f.Edit)
	case wire.FrameCatchUp:
		return r.catchUp(ctx, c, f.FromSeq)
	default:
		return c.Send(wire.Frame{Kind: wire.FrameError, Error: fmt.Sprintf("unexpected %s frame", f.Kind)})
	}
}

// document returns the hosted document, loading it on first use.
func (r *Relay) document(ctx context.Context, id types.DocumentID) (*document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[id]; ok {
		return d, nil
	}
	var (
		seq   uint64
		nodes []*tree.Node
	)
	if r.load != nil {
		var err error
		if seq, nodes, err = r.load(ctx, id); err != nil {
			return nil, fmt.Errorf("load document %s: %w", id, err)
		}
	}
	d, err := newDocument(id, seq, nodes, r.cfg.TrunkWindow, r.logger)
	if err != nil {
		return nil, err
	}
	r.docs[id] = d
	r.logger.Info().Str("document", string(id)).Uint64("seq", seq).Msg("document hosted")
	return d, nil
}

func (r *Relay) evict(d *document) {
	d.evicted = true
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.docs[d.id] == d {
		delete(r.docs, d.id)
	}
}

// locked returns the hosted document with its lock held.
func (r *Relay) locked(ctx context.Context, id types.DocumentID) (*document, error) {
	for {
		d, err := r.document(ctx, id)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		if !d.evicted {
			return d, nil
		}
		d.mu.Unlock()
	}
}

// Sequence assigns the next sequence number of its document to edit,
// persists it when an edit log is configured and fans it out.
func (r *Relay) Sequence(ctx context.Context, edit types.Edit) (types.SequencedEdit, error) {
	ctx, span := tracer.Start(ctx, "relay.sequence")
	defer span.End()
	span.SetAttributes(observability.EditAttributes(edit.Document, edit.ID, 0)...)

	d, err := r.locked(ctx, edit.Document)
	if err != nil {
		span.RecordError(err)
		return types.SequencedEdit{}, err
	}
	defer d.mu.Unlock()

	se, err := d.sequence(edit)
	if err != nil {
		span.RecordError(err)
		return types.SequencedEdit{}, err
	}
	if r.log != nil {
		if err := r.log.Append(ctx, se); err != nil {
			// the hosted tree is ahead of the log now
			r.evict(d)
			span.RecordError(err)
			return types.SequencedEdit{}, fmt.Errorf("persist seq %d: %w", se.Seq, err)
		}
	}
	r.cache.Set(cacheKey(se.Edit.Document, se.Seq), se, 1)
	r.cache.Wait()

	payload, err := wire.EncodeFrame(wire.Frame{Kind: wire.FrameSequenced, Sequenced: &se})
	if err != nil {
		return se, err
	}
	sent := r.registry.BroadcastBinary(se.Edit.Document, payload)
	sequencedEdits.WithLabelValues(string(se.Edit.Document)).Inc()
	traceLogger := observability.LoggerWithTrace(ctx, r.logger)
	traceLogger.Debug().
		Str("document", string(se.Edit.Document)).
		Uint64("seq", se.Seq).
		Str("edit", string(se.Edit.ID)).
		Int("recipients", sent).
		Msg("edit sequenced")
	return se, nil
}

func (r *Relay) submit(ctx context.Context, c *Connection, edit types.Edit) error {
	edit.Document = c.Document()
	edit.Client = c.Client()
	if _, err := r.Sequence(ctx, edit); err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, checkout.ErrTrunkTooOld):
			reason = "trunk_too_old"
		case errors.Is(err, ErrRefAhead):
			reason = "ref_ahead"
		}
		rejectedEdits.WithLabelValues(reason).Inc()
		r.logger.Warn().Err(err).Str("document", string(edit.Document)).Str("edit", string(edit.ID)).Msg("edit rejected")
		return c.Send(wire.Frame{Kind: wire.FrameError, Edit: &edit, Error: err.Error()})
	}
	return nil
}

// catchUp resends every edit after fromSeq, from the cache while it has
// them and from the edit log after the first miss.
func (r *Relay) catchUp(ctx context.Context, c *Connection, fromSeq uint64) error {
	d, err := r.locked(ctx, c.Document())
	if err != nil {
		return c.Send(wire.Frame{Kind: wire.FrameError, Error: err.Error()})
	}
	head := d.seq()
	d.mu.Unlock()

	seq := fromSeq + 1
	for ; seq <= head; seq++ {
		se, ok := r.cache.Get(cacheKey(c.Document(), seq))
		if !ok {
			break
		}
		if err := c.Send(wire.Frame{Kind: wire.FrameSequenced, Sequenced: &se}); err != nil {
			return err
		}
		catchUpEdits.WithLabelValues("cache").Inc()
	}
	if seq > head {
		return nil
	}
	if r.log == nil {
		return c.Send(wire.Frame{Kind: wire.FrameError, Error: fmt.Sprintf("edits after %d no longer retained", seq-1)})
	}

	err = r.log.Replay(ctx, c.Document(), seq-1, func(se types.SequencedEdit) error {
		if se.Seq > head {
			return errCatchUpDone
		}
		catchUpEdits.WithLabelValues("log").Inc()
		return c.Send(wire.Frame{Kind: wire.FrameSequenced, Sequenced: &se})
	})
	if err != nil && !errors.Is(err, errCatchUpDone) {
		r.logger.Error().Err(err).Str("document", string(c.Document())).Msg("catch-up from edit log failed")
		return c.Send(wire.Frame{Kind: wire.FrameError, Error: "catch-up failed"})
	}
	return nil
}

// Documents lists the hosted documents.
func (r *Relay) Documents() []types.DocumentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.DocumentID, 0, len(r.docs))
	for id := range r.docs {
		out = append(out, id)
	}
	return out
}

// State returns the hosted content of a document and the last sequence
// number applied to it.
func (r *Relay) State(id types.DocumentID) (uint64, []*tree.Node, bool) {
	r.mu.Lock()
	d, ok := r.docs[id]
	r.mu.Unlock()
	if !ok {
		return 0, nil, false
	}
	seq, nodes := d.state()
	return seq, nodes, true
}

// Close releases the catch-up cache.
func (r *Relay) Close() {
	r.cache.Close()
}

func cacheKey(doc types.DocumentID, seq uint64) string {
	return string(doc) + "/" + strconv.FormatUint(seq, 10)
}
