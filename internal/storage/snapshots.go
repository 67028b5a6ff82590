package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/tree-sync-engine/internal/types"
)

// SnapshotRef points at a serialized tree in object storage. Seq is the last
// sequence number reflected in it.
type SnapshotRef struct {
	Document   types.DocumentID
	Seq        uint64
	ObjectPath string
	CreatedAt  time.Time
}

// IsZero reports whether the ref names no snapshot.
func (r SnapshotRef) IsZero() bool {
	return r.ObjectPath == ""
}

// RecordSnapshot stores a snapshot reference.
func (l *EditLog) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	return l.retry(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
INSERT INTO document_snapshots (document_id, seq, object_path, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (document_id, seq)
DO UPDATE SET object_path = EXCLUDED.object_path, created_at = EXCLUDED.created_at`,
			ref.Document, int64(ref.Seq), ref.ObjectPath, ref.CreatedAt)
		return err
	})
}

// LatestSnapshot returns the newest snapshot of a document. A zero ref means
// none exists.
func (l *EditLog) LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error) {
	return l.scanSnapshot(l.pool.QueryRow(ctx, `
SELECT document_id, seq, object_path, created_at FROM document_snapshots
WHERE document_id = $1
ORDER BY seq DESC LIMIT 1`, docID))
}

// SnapshotBefore returns the newest snapshot at or before seq. A zero ref
// means none exists.
func (l *EditLog) SnapshotBefore(ctx context.Context, docID types.DocumentID, seq uint64) (SnapshotRef, error) {
	return l.scanSnapshot(l.pool.QueryRow(ctx, `
SELECT document_id, seq, object_path, created_at FROM document_snapshots
WHERE document_id = $1 AND seq <= $2
ORDER BY seq DESC LIMIT 1`, docID, int64(seq)))
}

func (l *EditLog) scanSnapshot(row pgx.Row) (SnapshotRef, error) {
	var (
		ref SnapshotRef
		doc string
		seq int64
	)
	err := row.Scan(&doc, &seq, &ref.ObjectPath, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{}, nil
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	ref.Document = types.DocumentID(doc)
	ref.Seq = uint64(seq)
	return ref, nil
}
