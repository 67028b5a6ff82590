package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/checkout"
	"github.com/example/tree-sync-engine/internal/forest"
	"github.com/example/tree-sync-engine/internal/observability"
	"github.com/example/tree-sync-engine/internal/snapshot"
	"github.com/example/tree-sync-engine/internal/storage"
	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
)

var (
	// ErrFutureSequence is returned for a target past the last logged edit.
	ErrFutureSequence = errors.New("requested sequence not yet logged")
	// ErrIncompleteLog is returned when replay stops short of the target.
	ErrIncompleteLog = errors.New("edit log has a gap")

	errPlaybackComplete = errors.New("playback complete")
)

// Log provides the read operations required to rebuild a document at a
// sequence number.
type Log interface {
	LastSequence(ctx context.Context, docID types.DocumentID) (uint64, error)
	SnapshotBefore(ctx context.Context, docID types.DocumentID, seq uint64) (storage.SnapshotRef, error)
	Replay(ctx context.Context, docID types.DocumentID, fromSeq uint64, handler func(types.SequencedEdit) error) error
}

// SnapshotLoader fetches binary snapshot payloads from object storage.
type SnapshotLoader interface {
	Load(ctx context.Context, bucket, objectPath string) ([]byte, error)
}

// Authorizer validates that a caller can access a particular document.
type Authorizer interface {
	Authorize(ctx context.Context, docID types.DocumentID) error
}

// AllowAllAuthorizer is a no-op authorizer used when callers have already been validated upstream.
type AllowAllAuthorizer struct{}

// Authorize implements Authorizer.
func (AllowAllAuthorizer) Authorize(context.Context, types.DocumentID) error { return nil }

// Request names a document and the sequence number to rebuild it at. A zero
// AtSeq asks for the latest logged state.
type Request struct {
	Document types.DocumentID
	AtSeq    uint64
}

// Response is the rebuilt tree content.
type Response struct {
	Document types.DocumentID
	Seq      uint64
	Nodes    []*tree.Node
}

// Service rebuilds document trees from snapshots and logged edits.
type Service struct {
	log    Log
	bucket string
	loader SnapshotLoader
	auth   Authorizer
	cache  *stateCache
	logger zerolog.Logger
}

// ServiceConfig configures optional behaviours for playback.
type ServiceConfig struct {
	Authorizer Authorizer
	CacheSize  int
}

// NewService constructs a playback service backed by the provided log
// reader and object storage loader. loader may be nil when no snapshots
// are taken.
func NewService(log Log, bucket string, loader SnapshotLoader, logger zerolog.Logger, cfg ServiceConfig) *Service {
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = 8
	}
	return &Service{
		log:    log,
		bucket: bucket,
		loader: loader,
		auth:   cfg.Authorizer,
		cache:  newStateCache(cacheSize),
		logger: logger.With().Str("component", "playback").Logger(),
	}
}

// Playback rebuilds the document at the requested sequence number.
func (s *Service) Playback(ctx context.Context, req Request) (Response, error) {
	if req.Document == "" {
		return Response{}, errors.New("document id is required")
	}
	if s.auth != nil {
		if err := s.auth.Authorize(ctx, req.Document); err != nil {
			return Response{}, fmt.Errorf("access denied: %w", err)
		}
	}
	ctx, span := tracer.Start(ctx, "playback.rebuild")
	defer span.End()
	start := time.Now()

	last, err := s.log.LastSequence(ctx, req.Document)
	if err != nil {
		return Response{}, fmt.Errorf("lookup last sequence: %w", err)
	}
	target := req.AtSeq
	switch {
	case target == 0:
		target = last
	case target > last:
		return Response{}, fmt.Errorf("%w: %d > %d", ErrFutureSequence, target, last)
	}
	span.SetAttributes(observability.EditAttributes(req.Document, "", target)...)

	base, ok := s.cache.Get(req.Document, target)
	if ok {
		cacheLookups.WithLabelValues("hit").Inc()
	} else {
		cacheLookups.WithLabelValues("miss").Inc()
		if base, err = s.fetchSnapshot(ctx, req.Document, target); err != nil {
			span.RecordError(err)
			return Response{}, err
		}
	}

	nodes, err := s.replayFrom(ctx, req.Document, base, target)
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}
	s.cache.Put(req.Document, cacheEntry{Seq: target, Nodes: nodes})
	rebuildSeconds.Observe(time.Since(start).Seconds())

	traceLogger := observability.LoggerWithTrace(ctx, s.logger)
	traceLogger.Debug().Str("document", string(req.Document)).Uint64("seq", target).Uint64("from", base.Seq).Msg("document rebuilt")
	return Response{Document: req.Document, Seq: target, Nodes: tree.CloneNodes(nodes)}, nil
}

// Close releases the state cache.
func (s *Service) Close() {
	s.cache.Close()
}

// replayFrom applies logged edits after base.Seq up to target through a
// checkout, which rebases edits authored against older states.
func (s *Service) replayFrom(ctx context.Context, docID types.DocumentID, base cacheEntry, target uint64) ([]*tree.Node, error) {
	f := forest.New(s.logger)
	if err := f.Load(base.Nodes); err != nil {
		return nil, fmt.Errorf("load base state: %w", err)
	}
	if base.Seq >= target {
		return f.Snapshot(), nil
	}

	co := checkout.New(f, nil, s.logger, checkout.Options{Document: docID, StartSeq: base.Seq})
	err := s.log.Replay(ctx, docID, base.Seq, func(se types.SequencedEdit) error {
		if se.Seq > target {
			return errPlaybackComplete
		}
		if err := co.Deliver(se); err != nil && !errors.Is(err, checkout.ErrSequenceGap) {
			return err
		}
		return nil
	})
	if err != nil && !errors.Is(err, errPlaybackComplete) {
		return nil, fmt.Errorf("replay document: %w", err)
	}
	if co.Seq() != target {
		return nil, fmt.Errorf("%w: reached %d of %d", ErrIncompleteLog, co.Seq(), target)
	}
	return f.Snapshot(), nil
}

func (s *Service) fetchSnapshot(ctx context.Context, docID types.DocumentID, target uint64) (cacheEntry, error) {
	if s.loader == nil {
		return cacheEntry{}, nil
	}
	ref, err := s.log.SnapshotBefore(ctx, docID, target)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("find snapshot: %w", err)
	}
	if ref.IsZero() {
		return cacheEntry{}, nil
	}

	data, err := s.loader.Load(ctx, s.bucket, ref.ObjectPath)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("load snapshot object: %w", err)
	}
	payload, err := snapshot.DecodePayload(data)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if payload.Document != "" && payload.Document != docID {
		s.logger.Warn().Str("document", string(docID)).Str("snapshot_doc", string(payload.Document)).Msg("snapshot document mismatch")
	}
	nodes, err := payload.Tree()
	if err != nil {
		return cacheEntry{}, fmt.Errorf("decode snapshot tree: %w", err)
	}
	return cacheEntry{Seq: ref.Seq, Nodes: nodes}, nil
}

// ObjectLoader fetches raw bytes from object storage.
type ObjectLoader struct {
	object *minio.Client
}

// NewObjectLoader creates a loader backed by MinIO/S3.
func NewObjectLoader(object *minio.Client) *ObjectLoader {
	return &ObjectLoader{object: object}
}

// Load implements SnapshotLoader.
func (l *ObjectLoader) Load(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	if l.object == nil {
		return nil, errors.New("object storage client is not configured")
	}

	obj, err := l.object.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

// MemoryLoader is a helper used in tests to return embedded snapshots.
type MemoryLoader struct {
	Objects map[string][]byte
}

// Load implements SnapshotLoader.
func (m MemoryLoader) Load(_ context.Context, _, objectPath string) ([]byte, error) {
	data, ok := m.Objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectPath)
	}
	return data, nil
}
