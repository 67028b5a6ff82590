package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/storage"
	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
	"github.com/example/tree-sync-engine/internal/wire"
)

const (
	defaultInterval      = 15 * time.Second
	defaultEditThreshold = int64(500)
)

// Payload is the object stored for a snapshot. Nodes holds the content of
// the root field encoded with wire.EncodeNodes.
type Payload struct {
	Document  types.DocumentID `json:"document_id"`
	Seq       uint64           `json:"seq"`
	Nodes     []byte           `json:"nodes"`
	CreatedAt time.Time        `json:"created_at"`
}

// Source exposes the documents whose trees are kept current in memory.
type Source interface {
	Documents() []types.DocumentID
	// State returns the content of a document together with the last
	// sequence number applied to it.
	State(doc types.DocumentID) (seq uint64, nodes []*tree.Node, ok bool)
}

// Log is the part of the edit log the worker reads and writes.
type Log interface {
	LatestSnapshot(ctx context.Context, docID types.DocumentID) (storage.SnapshotRef, error)
	CountAfter(ctx context.Context, docID types.DocumentID, seq uint64) (int64, error)
	RecordSnapshot(ctx context.Context, ref storage.SnapshotRef) error
}

// Uploader stores snapshot objects. *minio.Client implements it.
type Uploader interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval sets how often documents are inspected.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) { w.interval = d }
}

// WithEditThreshold sets how many edits past the latest snapshot trigger a
// new one.
func WithEditThreshold(n int64) Option {
	return func(w *Worker) { w.editThreshold = n }
}

// Worker periodically inspects how many edits each hosted document
// accumulated since its last snapshot and uploads a new one past a
// threshold.
type Worker struct {
	log    Log
	source Source
	object Uploader
	bucket string

	interval      time.Duration
	editThreshold int64

	logger zerolog.Logger
}

// NewWorker constructs a snapshot worker.
func NewWorker(log Log, source Source, object Uploader, bucket string, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		log:           log,
		source:        source,
		object:        object,
		bucket:        bucket,
		interval:      defaultInterval,
		editThreshold: defaultEditThreshold,
		logger:        logger.With().Str("component", "snapshot_worker").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce inspects every hosted document once.
func (w *Worker) RunOnce(ctx context.Context) {
	for _, docID := range w.source.Documents() {
		if err := w.processDocument(ctx, docID); err != nil {
			w.logger.Error().Err(err).Str("document", string(docID)).Msg("snapshot emission failed")
		}
	}
}

func (w *Worker) processDocument(ctx context.Context, docID types.DocumentID) error {
	if w.object == nil {
		return fmt.Errorf("object storage client not configured")
	}

	latest, err := w.log.LatestSnapshot(ctx, docID)
	if err != nil {
		return fmt.Errorf("lookup latest snapshot: %w", err)
	}
	pending, err := w.log.CountAfter(ctx, docID, latest.Seq)
	if err != nil {
		return fmt.Errorf("count edits: %w", err)
	}
	if pending < w.editThreshold {
		return nil
	}

	seq, nodes, ok := w.source.State(docID)
	if !ok || seq <= latest.Seq {
		return nil
	}
	encoded, err := wire.EncodeNodes(nodes)
	if err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}
	payload := Payload{Document: docID, Seq: seq, Nodes: encoded, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := ObjectPath(docID, seq)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/octet-stream"}); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	ref := storage.SnapshotRef{
		Document:   docID,
		Seq:        seq,
		ObjectPath: objectPath,
		CreatedAt:  payload.CreatedAt,
	}
	if err := w.log.RecordSnapshot(ctx, ref); err != nil {
		return fmt.Errorf("persist snapshot ref: %w", err)
	}

	snapshotsWritten.WithLabelValues(string(docID)).Inc()
	w.logger.Info().Str("document", string(docID)).Uint64("seq", seq).Int64("edits", pending).Msg("snapshot created")
	return nil
}

// ObjectPath names the object holding the snapshot of doc at seq.
func ObjectPath(doc types.DocumentID, seq uint64) string {
	return fmt.Sprintf("snapshots/%s/%020d.bin", doc, seq)
}

// DecodePayload unmarshals a snapshot payload from its binary representation.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// Tree decodes the snapshot content.
func (p Payload) Tree() ([]*tree.Node, error) {
	if len(p.Nodes) == 0 {
		return nil, nil
	}
	return wire.DecodeNodes(p.Nodes)
}
