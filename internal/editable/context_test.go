package editable

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/change"
	"github.com/example/tree-sync-engine/internal/checkout"
	"github.com/example/tree-sync-engine/internal/forest"
	"github.com/example/tree-sync-engine/internal/schema"
	"github.com/example/tree-sync-engine/internal/sequencer"
	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
)

func testSchema() *schema.Repository {
	return schema.NewRepository(
		schema.FieldSchema{Kind: schema.Optional, Types: []tree.NodeType{"person"}},
		schema.TreeSchema{Name: "string", Value: schema.StringValue},
		schema.TreeSchema{Name: "person", Fields: map[tree.FieldKey]schema.FieldSchema{
			"name":    {Kind: schema.Value, Types: []tree.NodeType{"string"}},
			"nick":    {Kind: schema.Optional, Types: []tree.NodeType{"string"}},
			"friends": {Kind: schema.Sequence, Types: []tree.NodeType{"string"}},
		}},
	)
}

type replica struct {
	forest   *forest.Forest
	checkout *checkout.Checkout
	ctx      *Context
}

func newReplica(t *testing.T, seq *sequencer.Local, client string) *replica {
	t.Helper()
	f := forest.New(zerolog.Nop())
	co := checkout.New(f, seq, zerolog.Nop(), checkout.Options{Document: "doc", Client: types.ClientID(client)})
	leave := seq.Join("doc", co)
	c := New(f, Options{Checkout: co, Schema: testSchema(), Logger: zerolog.Nop()})
	t.Cleanup(func() {
		c.Free()
		leave()
	})
	return &replica{forest: f, checkout: co, ctx: c}
}

// newPair returns two replicas of a document holding Adam and three friends.
func newPair(t *testing.T) (*sequencer.Local, *replica, *replica) {
	t.Helper()
	seq := sequencer.NewLocal(zerolog.Nop())
	a := newReplica(t, seq, "a")
	err := a.ctx.SetRoot(map[string]any{
		"name":    "Adam",
		"friends": []any{"a", "b", "c"},
	})
	if err != nil {
		t.Fatalf("set root: %v", err)
	}
	b := newReplica(t, seq, "b")
	return seq, a, b
}

func person(t *testing.T, c *Context) *NodeView {
	t.Helper()
	root, err := c.UnwrappedRoot()
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	n, ok := root.(*NodeView)
	if !ok || n == nil {
		t.Fatalf("root is %T, want a node", root)
	}
	return n
}

func friendsField(t *testing.T, c *Context) *FieldView {
	t.Helper()
	f, err := person(t, c).Field("friends")
	if err != nil {
		t.Fatalf("friends: %v", err)
	}
	return f
}

func friendValues(t *testing.T, f *forest.Forest) []tree.Value {
	t.Helper()
	content, _ := f.FieldContent((*tree.UpPath)(nil).Child(tree.RootField, 0), "friends")
	values := make([]tree.Value, 0, len(content))
	for _, n := range content {
		values = append(values, n.Value)
	}
	return values
}

func TestSetRootReachesEveryReplica(t *testing.T) {
	_, a, b := newPair(t)

	name, err := person(t, b.ctx).Field("name")
	if err != nil {
		t.Fatalf("name: %v", err)
	}
	unwrapped, err := name.Unwrap()
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	value, err := unwrapped.(*NodeView).Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	assert.Equal(t, value, tree.Value("Adam"))
	assert.Equal(t, friendValues(t, b.forest), []tree.Value{"a", "b", "c"})
	if !tree.EqualNodes(a.forest.Snapshot(), b.forest.Snapshot()) {
		t.Fatalf("replicas differ")
	}
}

func TestCommitRollsBackUntilSequenced(t *testing.T) {
	seq, a, _ := newPair(t)
	before := a.forest.Snapshot()

	seq.Pause()
	if err := a.ctx.OpenTransaction(); err != nil {
		t.Fatalf("open: %v", err)
	}
	ok, err := friendsField(t, a.ctx).Insert(3, "d")
	if err != nil || !ok {
		t.Fatalf("insert: %v %v", ok, err)
	}
	assert.Equal(t, friendValues(t, a.forest), []tree.Value{"a", "b", "c", "d"})

	if err := a.ctx.CommitTransaction(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	assert.Equal(t, a.ctx.HasOpenTransaction(), false)
	assert.Equal(t, seq.Pending(), 1)
	if !tree.EqualNodes(a.forest.Snapshot(), before) {
		t.Fatalf("commit did not roll back: %v", a.forest.Snapshot())
	}

	seq.Resume()
	assert.Equal(t, friendValues(t, a.forest), []tree.Value{"a", "b", "c", "d"})
}

func TestTransactionStateErrors(t *testing.T) {
	_, a, _ := newPair(t)

	if err := a.ctx.CommitTransaction(); !errors.Is(err, ErrNoTransaction) {
		t.Fatalf("expected ErrNoTransaction, got %v", err)
	}
	if err := a.ctx.OpenTransaction(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.ctx.OpenTransaction(); !errors.Is(err, ErrTransactionOpen) {
		t.Fatalf("expected ErrTransactionOpen, got %v", err)
	}
	if err := a.ctx.CommitTransaction(); err != nil {
		t.Fatalf("empty commit: %v", err)
	}

	readOnly := New(a.forest, Options{Schema: testSchema(), Logger: zerolog.Nop()})
	defer readOnly.Free()
	if _, err := readOnly.DeleteNodes(nil, tree.RootField, 0, 1); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	assert.Equal(t, friendValues(t, a.forest), []tree.Value{"a", "b", "c"})
}

func TestOpenTransactionRebasedOverRemoteDelete(t *testing.T) {
	_, a, b := newPair(t)

	if err := b.ctx.OpenTransaction(); err != nil {
		t.Fatalf("open: %v", err)
	}
	friends := friendsField(t, b.ctx)
	if _, err := friends.Insert(1, "X"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	assert.Equal(t, friendValues(t, b.forest), []tree.Value{"a", "X", "b", "c"})

	// a deletes "a" and the edit is sequenced while b's transaction is open.
	if _, err := friendsField(t, a.ctx).Delete(0, 1); err != nil {
		t.Fatalf("remote delete: %v", err)
	}
	assert.Equal(t, friendValues(t, b.forest), []tree.Value{"X", "b", "c"})
	assert.Equal(t, b.ctx.HasOpenTransaction(), true)

	if err := b.ctx.CommitTransaction(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	assert.Equal(t, friendValues(t, a.forest), []tree.Value{"X", "b", "c"})
	if !tree.EqualNodes(a.forest.Snapshot(), b.forest.Snapshot()) {
		t.Fatalf("replicas differ:\n%v\n%v", a.forest.Snapshot(), b.forest.Snapshot())
	}
}

func TestRebaseCarriesBaselineThroughLocalEdits(t *testing.T) {
	_, a, b := newPair(t)

	if err := b.ctx.OpenTransaction(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := friendsField(t, b.ctx).Insert(1, "X"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// "b" now sits at index 2.
	bNode, err := friendsField(t, b.ctx).Node(2)
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	if _, err := bNode.SetValue("B"); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, err := friendsField(t, a.ctx).Delete(0, 1); err != nil {
		t.Fatalf("remote delete: %v", err)
	}
	assert.Equal(t, friendValues(t, b.forest), []tree.Value{"X", "B", "c"})

	if err := b.ctx.CommitTransaction(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	assert.Equal(t, friendValues(t, a.forest), []tree.Value{"X", "B", "c"})
	if !tree.EqualNodes(a.forest.Snapshot(), b.forest.Snapshot()) {
		t.Fatalf("replicas differ")
	}
}

func TestProxySurvivesEditsThroughAnchor(t *testing.T) {
	_, a, _ := newPair(t)

	c, err := friendsField(t, a.ctx).Node(2)
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	if _, err := a.ctx.DeleteNodes((*tree.UpPath)(nil).Child(tree.RootField, 0), "friends", 0, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}

	value, err := c.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	assert.Equal(t, value, tree.Value("c"))
	path, err := c.Path()
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	assert.Equal(t, path.ParentIndex, 1)

	if _, err := friendsField(t, a.ctx).Delete(1, 1); err != nil {
		t.Fatalf("delete c: %v", err)
	}
	assert.Equal(t, c.IsValid(), false)
	if _, err := c.Value(); !errors.Is(err, ErrInvalidProxy) {
		t.Fatalf("expected ErrInvalidProxy, got %v", err)
	}
}

func TestClearReleasesCursorsAndAnchors(t *testing.T) {
	_, a, _ := newPair(t)

	friends := friendsField(t, a.ctx)
	if _, err := friends.Nodes(); err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if a.forest.LiveCursors() == 0 {
		t.Fatalf("proxies should hold cursors")
	}
	a.ctx.PrepareForEdit()
	assert.Equal(t, a.forest.LiveCursors(), 0)
	if a.forest.LiveAnchors() == 0 {
		t.Fatalf("proxies should hold anchors")
	}

	a.ctx.Clear()
	a.ctx.Clear()
	assert.Equal(t, a.forest.LiveCursors(), 0)
	assert.Equal(t, a.forest.LiveAnchors(), 0)
	if _, err := friends.Len(); !errors.Is(err, ErrInvalidProxy) {
		t.Fatalf("expected ErrInvalidProxy after clear, got %v", err)
	}
}

func TestFieldSetByKind(t *testing.T) {
	_, a, b := newPair(t)
	p := person(t, a.ctx)

	name, _ := p.Field("name")
	if _, err := name.Set("Eve"); err != nil {
		t.Fatalf("set name: %v", err)
	}
	nick, _ := p.Field("nick")
	if _, err := nick.Set("E"); err != nil {
		t.Fatalf("set nick: %v", err)
	}
	friends, _ := p.Field("friends")
	if _, err := friends.Replace(0, 2, []any{"y", "z", "w"}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, ok := b.forest.ReadNode((*tree.UpPath)(nil).Child(tree.RootField, 0))
	if !ok {
		t.Fatalf("person missing")
	}
	assert.Equal(t, got.Field("name")[0].Value, tree.Value("Eve"))
	assert.Equal(t, got.Field("nick")[0].Value, tree.Value("E"))
	assert.Equal(t, friendValues(t, b.forest), []tree.Value{"y", "z", "w", "c"})

	if _, err := nick.Set(nil); err != nil {
		t.Fatalf("clear nick: %v", err)
	}
	n, _ := nick.Len()
	assert.Equal(t, n, 0)
}

func TestAfterChangeHandlerRunsOncePerRemoteEdit(t *testing.T) {
	_, a, b := newPair(t)

	calls := 0
	detach := b.ctx.AttachAfterChangeHandler(func(*Context) { calls++ })
	if _, err := friendsField(t, a.ctx).Delete(0, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	assert.Equal(t, calls, 1)

	detach()
	if _, err := friendsField(t, a.ctx).Delete(0, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	assert.Equal(t, calls, 1)
}

func TestMoveIsUnsupported(t *testing.T) {
	_, a, _ := newPair(t)
	if err := a.ctx.OpenTransaction(); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err := a.ctx.builder.SequenceField(nil, tree.RootField).Move(0, 1, nil, tree.RootField, 1)
	if !errors.Is(err, change.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
