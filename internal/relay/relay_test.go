package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/change"
	"github.com/example/tree-sync-engine/internal/checkout"
	"github.com/example/tree-sync-engine/internal/sequencer"
	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
)

var secret = []byte("test-secret")

func str(v string) *tree.Node { return tree.NewLeaf("string", v) }

func root0() *tree.UpPath { return (*tree.UpPath)(nil).Child(tree.RootField, 0) }

func person() *tree.Node {
	p := tree.NewLeaf("person", nil)
	p.SetField("friends", str("a"), str("b"), str("c"))
	return p
}

func edit(ref uint64, ops ...change.Op) types.Edit {
	return types.Edit{ID: types.NewEditID(), Document: "doc", Client: "tester", RefSeq: ref, Change: ops}
}

type memoryLog struct {
	mu    sync.Mutex
	edits []types.SequencedEdit
}

func (m *memoryLog) Append(_ context.Context, se types.SequencedEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, se)
	return nil
}

func (m *memoryLog) Replay(_ context.Context, _ types.DocumentID, fromSeq uint64, handler func(types.SequencedEdit) error) error {
	m.mu.Lock()
	edits := append([]types.SequencedEdit(nil), m.edits...)
	m.mu.Unlock()
	for _, se := range edits {
		if se.Seq <= fromSeq {
			continue
		}
		if err := handler(se); err != nil {
			return err
		}
	}
	return nil
}

func newRelay(t *testing.T, cfg Config, opts ...Option) *Relay {
	t.Helper()
	r, err := New(NewJWTAuthenticator(secret), zerolog.New(io.Discard), cfg, opts...)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func serve(t *testing.T, r *Relay) string {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/?document_id=doc"
}

func dial(t *testing.T, url string, client types.ClientID, fromSeq uint64) (*sequencer.WSClient, chan types.SequencedEdit) {
	t.Helper()
	token, err := IssueToken(secret, client, "", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	inbox := make(chan types.SequencedEdit, 16)
	c, err := sequencer.DialWS(context.Background(), url, token, fromSeq, inbox, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, inbox
}

func receive(t *testing.T, inbox <-chan types.SequencedEdit) types.SequencedEdit {
	t.Helper()
	select {
	case se := <-inbox:
		return se
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a sequenced edit")
		return types.SequencedEdit{}
	}
}

func waitConnections(t *testing.T, r *Relay, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Registry().Count("doc") != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connections, have %d", n, r.Registry().Count("doc"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayFansOutToEveryConnection(t *testing.T) {
	r := newRelay(t, Config{})
	url := serve(t, r)
	a, inboxA := dial(t, url, "a", 0)
	_, inboxB := dial(t, url, "b", 0)
	waitConnections(t, r, 2)

	if err := a.Submit(context.Background(), edit(0, change.Insert(nil, tree.RootField, 0, person()))); err != nil {
		t.Fatalf("submit: %v", err)
	}
	gotA, gotB := receive(t, inboxA), receive(t, inboxB)
	assert.Equal(t, gotA.Seq, uint64(1))
	assert.Equal(t, gotB.Seq, uint64(1))
	assert.Equal(t, gotA.Edit.ID, gotB.Edit.ID)
	assert.Equal(t, gotA.Edit.Client, types.ClientID("a"))
	assert.Equal(t, gotA.Edit.Document, types.DocumentID("doc"))
}

func TestRelayNormalizesEditsAgainstTrunk(t *testing.T) {
	r := newRelay(t, Config{})
	ctx := context.Background()
	if _, err := r.Sequence(ctx, edit(0, change.Insert(nil, tree.RootField, 0, person()))); err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if _, err := r.Sequence(ctx, edit(1, change.Insert(root0(), "friends", 0, str("x")))); err != nil {
		t.Fatalf("sequence: %v", err)
	}
	se, err := r.Sequence(ctx, edit(1, change.Delete(root0(), "friends", 0, 1)))
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}

	assert.Equal(t, se.Seq, uint64(3))
	assert.Equal(t, se.Edit.RefSeq, uint64(2))
	assert.Equal(t, len(se.Edit.Change), 1)
	assert.Equal(t, se.Edit.Change[0].Index, 1)

	seq, nodes, ok := r.State("doc")
	if !ok {
		t.Fatalf("document not hosted")
	}
	assert.Equal(t, seq, uint64(3))
	var friends []tree.Value
	for _, n := range nodes[0].Field("friends") {
		friends = append(friends, n.Value)
	}
	assert.Equal(t, friends, []tree.Value{"x", "b", "c"})
	assert.Equal(t, r.Documents(), []types.DocumentID{"doc"})
}

func TestRelayRejectsEditsOutsideTheTrunk(t *testing.T) {
	r := newRelay(t, Config{TrunkWindow: 1})
	ctx := context.Background()

	_, err := r.Sequence(ctx, edit(5, change.Insert(nil, tree.RootField, 0, person())))
	if !errors.Is(err, ErrRefAhead) {
		t.Fatalf("expected ErrRefAhead, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.Sequence(ctx, edit(uint64(i), change.Insert(nil, tree.RootField, 0, str("n")))); err != nil {
			t.Fatalf("sequence %d: %v", i, err)
		}
	}
	_, err = r.Sequence(ctx, edit(0, change.Insert(nil, tree.RootField, 0, str("late"))))
	if !errors.Is(err, checkout.ErrTrunkTooOld) {
		t.Fatalf("expected ErrTrunkTooOld, got %v", err)
	}
	seq, _, _ := r.State("doc")
	assert.Equal(t, seq, uint64(3))
}

func TestRelayCatchUpFromCacheAndLog(t *testing.T) {
	log := &memoryLog{}
	r := newRelay(t, Config{}, WithEditLog(log))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Sequence(ctx, edit(uint64(i), change.Insert(nil, tree.RootField, 0, str("n")))); err != nil {
			t.Fatalf("sequence: %v", err)
		}
	}
	assert.Equal(t, len(log.edits), 3)

	url := serve(t, r)
	_, inbox := dial(t, url, "late", 1)
	assert.Equal(t, receive(t, inbox).Seq, uint64(2))
	assert.Equal(t, receive(t, inbox).Seq, uint64(3))

	r.cache.Clear()
	_, inbox = dial(t, url, "later", 0)
	for want := uint64(1); want <= 3; want++ {
		assert.Equal(t, receive(t, inbox).Seq, want)
	}
}

func TestRelayHydratesFromLoader(t *testing.T) {
	load := func(context.Context, types.DocumentID) (uint64, []*tree.Node, error) {
		return 7, []*tree.Node{person()}, nil
	}
	r := newRelay(t, Config{}, WithLoader(load))
	se, err := r.Sequence(context.Background(), edit(7, change.Delete(root0(), "friends", 0, 1)))
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	assert.Equal(t, se.Seq, uint64(8))
}

func TestJWTAuthenticator(t *testing.T) {
	auth := NewJWTAuthenticator(secret)

	_, err := auth.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	token, err := IssueToken(secret, "alice", "doc", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := auth.Authenticate(httptest.NewRequest(http.MethodGet, "/?token="+token, nil))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	assert.Equal(t, id, Identity{Client: "alice", Document: "doc"})

	forged, err := IssueToken([]byte("other"), "mallory", "", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	if _, err := auth.Authenticate(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected forged token to fail, got %v", err)
	}

	expired, err := IssueToken(secret, "bob", "", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	if _, err := auth.Authenticate(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestRelayRejectsUnauthenticatedUpgrade(t *testing.T) {
	r := newRelay(t, Config{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?document_id=doc", nil))
	assert.Equal(t, rec.Code, http.StatusUnauthorized)
}
