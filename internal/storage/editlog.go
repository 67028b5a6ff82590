package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/tree-sync-engine/internal/observability"
	"github.com/example/tree-sync-engine/internal/types"
	"github.com/example/tree-sync-engine/internal/wire"
)

// ErrDuplicateSequence is returned by Append when the document already holds
// an edit at that sequence number.
var ErrDuplicateSequence = errors.New("sequence number already logged")

// EditLog persists sequenced edits per document and answers the recovery
// queries used by snapshots and playback.
type EditLog struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the edit log.
type Option func(*EditLog)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(l *EditLog) {
		l.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(l *EditLog) {
		l.retryDelay = d
	}
}

// NewEditLog constructs an edit log using the provided Postgres pool.
func NewEditLog(pool *pgxpool.Pool, opts ...Option) *EditLog {
	l := &EditLog{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record encodes a sequenced edit for storage.
func Record(se types.SequencedEdit) (types.EditRecord, error) {
	payload, err := wire.EncodeSequenced(se)
	if err != nil {
		return types.EditRecord{}, fmt.Errorf("encode sequenced edit: %w", err)
	}
	createdAt := se.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return types.EditRecord{
		Seq:       se.Seq,
		Edit:      se.Edit.ID,
		Document:  se.Edit.Document,
		Client:    se.Edit.Client,
		RefSeq:    se.Edit.RefSeq,
		Payload:   payload,
		CreatedAt: createdAt,
	}, nil
}

// Append durably stores a sequenced edit. The insert is wrapped in a
// transaction and transient failures are retried.
func (l *EditLog) Append(ctx context.Context, se types.SequencedEdit) error {
	ctx, span := tracer.Start(ctx, "editlog.append")
	defer span.End()
	span.SetAttributes(observability.EditAttributes(se.Edit.Document, se.Edit.ID, se.Seq)...)

	record, err := Record(se)
	if err != nil {
		return err
	}

	start := time.Now()
	err = l.retry(ctx, func(ctx context.Context) error {
		tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `
INSERT INTO document_edits (document_id, seq, edit_id, client_id, ref_seq, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			record.Document, int64(record.Seq), record.Edit, record.Client, int64(record.RefSeq), record.Payload, record.CreatedAt,
		); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	appendLatency.WithLabelValues(string(record.Document)).Observe(time.Since(start).Seconds())

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		err = fmt.Errorf("%w: %s seq %d", ErrDuplicateSequence, record.Document, record.Seq)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// ActiveDocuments returns the documents that currently have logged edits.
func (l *EditLog) ActiveDocuments(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := l.pool.Query(ctx, `SELECT DISTINCT document_id FROM document_edits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []types.DocumentID
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, types.DocumentID(doc))
	}
	return docs, rows.Err()
}

// Replay scans the edits of a document after fromSeq in sequence order,
// invoking handler for each one. A handler error stops the scan and is
// returned as is.
func (l *EditLog) Replay(ctx context.Context, docID types.DocumentID, fromSeq uint64, handler func(types.SequencedEdit) error) error {
	ctx, span := tracer.Start(ctx, "editlog.replay")
	defer span.End()
	span.SetAttributes(attribute.String("document", string(docID)), attribute.Int64("from_seq", int64(fromSeq)))
	start := time.Now()
	defer func() {
		replayLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	}()

	rows, err := l.pool.Query(ctx, `
SELECT payload FROM document_edits
WHERE document_id = $1 AND seq > $2
ORDER BY seq`, docID, int64(fromSeq))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		se, err := wire.DecodeSequenced(payload)
		if err != nil {
			return fmt.Errorf("decode logged edit: %w", err)
		}
		if err := handler(se); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LastSequence returns the highest logged sequence number of a document, or
// zero when nothing was logged.
func (l *EditLog) LastSequence(ctx context.Context, docID types.DocumentID) (uint64, error) {
	var seq int64
	err := l.pool.QueryRow(ctx, `
SELECT COALESCE(MAX(seq), 0) FROM document_edits WHERE document_id = $1`, docID).Scan(&seq)
	return uint64(seq), err
}

// CountAfter counts the logged edits of a document after seq.
func (l *EditLog) CountAfter(ctx context.Context, docID types.DocumentID, seq uint64) (int64, error) {
	var count int64
	err := l.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM document_edits WHERE document_id = $1 AND seq > $2`, docID, int64(seq)).Scan(&count)
	return count, err
}

// LastCheckpoint returns the most recent checkpointed sequence number for a
// document.
func (l *EditLog) LastCheckpoint(ctx context.Context, docID types.DocumentID) (uint64, error) {
	var seq int64
	err := l.pool.QueryRow(ctx, `
SELECT last_seq FROM document_checkpoints WHERE document_id = $1`, docID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return uint64(seq), err
}

// RecordCheckpoint upserts the current sequence number for a document.
func (l *EditLog) RecordCheckpoint(ctx context.Context, docID types.DocumentID, seq uint64) error {
	return l.retry(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
INSERT INTO document_checkpoints (document_id, last_seq)
VALUES ($1, $2)
ON CONFLICT (document_id)
DO UPDATE SET last_seq = EXCLUDED.last_seq, checkpointed_at = now()`, docID, int64(seq))
		return err
	})
}

// RecordBacklog publishes the number of edits logged past the checkpoint.
func (l *EditLog) RecordBacklog(docID types.DocumentID, backlog int64) {
	backlogEntries.WithLabelValues(string(docID)).Set(float64(backlog))
}

func (l *EditLog) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := l.retryDelay
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == l.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
