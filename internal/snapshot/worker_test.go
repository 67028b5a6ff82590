package snapshot

import (
	"context"
	"io"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/storage"
	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
)

type fakeLog struct {
	count int64
	refs  []storage.SnapshotRef
}

func (f *fakeLog) LatestSnapshot(_ context.Context, doc types.DocumentID) (storage.SnapshotRef, error) {
	var best storage.SnapshotRef
	for _, ref := range f.refs {
		if ref.Document == doc && ref.Seq >= best.Seq {
			best = ref
		}
	}
	return best, nil
}

func (f *fakeLog) CountAfter(context.Context, types.DocumentID, uint64) (int64, error) {
	return f.count, nil
}

func (f *fakeLog) RecordSnapshot(_ context.Context, ref storage.SnapshotRef) error {
	f.refs = append(f.refs, ref)
	return nil
}

type fakeSource struct {
	seq   uint64
	nodes []*tree.Node
}

func (s fakeSource) Documents() []types.DocumentID { return []types.DocumentID{"doc"} }

func (s fakeSource) State(types.DocumentID) (uint64, []*tree.Node, bool) {
	return s.seq, s.nodes, true
}

type memoryUploader map[string][]byte

func (m memoryUploader) PutObject(_ context.Context, _, name string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	m[name] = data
	return minio.UploadInfo{Key: name, Size: int64(len(data))}, nil
}

func TestWorkerUploadsPastThreshold(t *testing.T) {
	content := []*tree.Node{tree.NewLeaf("string", "hello")}
	log := &fakeLog{count: 3}
	objects := memoryUploader{}
	w := NewWorker(log, fakeSource{seq: 7, nodes: content}, objects, "bucket", zerolog.New(io.Discard), WithEditThreshold(3))

	w.RunOnce(context.Background())

	assert.Equal(t, len(log.refs), 1)
	ref := log.refs[0]
	assert.Equal(t, ref.Seq, uint64(7))
	assert.Equal(t, ref.ObjectPath, ObjectPath("doc", 7))

	payload, err := DecodePayload(objects[ref.ObjectPath])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	assert.Equal(t, payload.Seq, uint64(7))
	nodes, err := payload.Tree()
	if err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	if !tree.EqualNodes(nodes, content) {
		t.Fatalf("snapshot content mismatch: %v", nodes)
	}
}

func TestWorkerSkipsBelowThresholdAndStaleState(t *testing.T) {
	log := &fakeLog{count: 1}
	objects := memoryUploader{}
	w := NewWorker(log, fakeSource{seq: 4}, objects, "bucket", zerolog.New(io.Discard), WithEditThreshold(2))
	w.RunOnce(context.Background())
	assert.Equal(t, len(objects), 0)

	log.count = 10
	log.refs = []storage.SnapshotRef{{Document: "doc", Seq: 4, ObjectPath: ObjectPath("doc", 4)}}
	w.RunOnce(context.Background())
	assert.Equal(t, len(objects), 0)
	assert.Equal(t, len(log.refs), 1)
}
