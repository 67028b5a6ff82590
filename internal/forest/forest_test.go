package forest

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/delta"
	"github.com/example/tree-sync-engine/internal/tree"
)

func str(v string) *tree.Node { return tree.NewLeaf("string", v) }

func newTestForest(t *testing.T) *Forest {
	t.Helper()
	f := New(zerolog.New(io.Discard))
	person := tree.NewLeaf("person", nil)
	person.SetField("name", str("Adam"))
	person.SetField("friends", str("a"), str("b"), str("c"))
	if err := f.Load([]*tree.Node{person}); err != nil {
		t.Fatalf("load: %v", err)
	}
	return f
}

func root0() *tree.UpPath { return (*tree.UpPath)(nil).Child(tree.RootField, 0) }

func friends(marks ...delta.Mark) delta.Root {
	return delta.Root{delta.Field(tree.RootField, delta.Modify(delta.Field("friends", marks...)))}
}

func friendValues(t *testing.T, f *Forest) []tree.Value {
	t.Helper()
	content, ok := f.FieldContent(root0(), "friends")
	if !ok {
		t.Fatalf("person missing")
	}
	values := make([]tree.Value, len(content))
	for i, n := range content {
		values[i] = n.Value
	}
	return values
}

func TestAnchorFollowsNodeAcrossSiblingEdits(t *testing.T) {
	f := newTestForest(t)
	a, err := f.TrackAnchor(root0().Child("friends", 1))
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	if err := f.ApplyDelta(friends(delta.Insert(str("x"), str("y")))); err != nil {
		t.Fatalf("apply insert: %v", err)
	}
	path, err := f.ResolveAnchor(a)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	assert.Equal(t, path.ParentIndex, 3)

	if err := f.ApplyDelta(friends(delta.Delete(3))); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	path, err = f.ResolveAnchor(a)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	assert.Equal(t, path.ParentIndex, 0)
	value, _ := f.NodeValue(path)
	assert.Equal(t, value, tree.Value("b"))
}

func TestAnchorInvalidatedWhenNodeDeleted(t *testing.T) {
	f := newTestForest(t)
	child, _ := f.TrackAnchor(root0().Child("friends", 2))
	person, _ := f.TrackAnchor(root0())

	if err := f.ApplyDelta(friends(delta.Skip(2), delta.Delete(1))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := f.ResolveAnchor(child); !errors.Is(err, ErrInvalidAnchor) {
		t.Fatalf("expected ErrInvalidAnchor, got %v", err)
	}
	if _, err := f.ResolveAnchor(person); err != nil {
		t.Fatalf("person anchor should survive: %v", err)
	}

	c := f.AllocateCursor()
	defer c.Free()
	assert.Equal(t, f.MoveCursorToAnchor(child, c), NotFound)

	// Deleting an ancestor invalidates the whole subtree.
	first, _ := f.TrackAnchor(root0().Child("friends", 0))
	if err := f.ApplyDelta(delta.Root{delta.Field(tree.RootField, delta.Delete(1))}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := f.ResolveAnchor(first); !errors.Is(err, ErrInvalidAnchor) {
		t.Fatalf("expected ErrInvalidAnchor for descendant, got %v", err)
	}
}

func TestAnchorSurvivesMove(t *testing.T) {
	f := newTestForest(t)
	a, _ := f.TrackAnchor(root0().Child("friends", 0))

	if err := f.ApplyDelta(friends(delta.MoveOut(1, 1), delta.Skip(2), delta.MoveIn(1, 1))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	assert.Equal(t, friendValues(t, f), []tree.Value{"b", "c", "a"})
	path, err := f.ResolveAnchor(a)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	assert.Equal(t, path.ParentIndex, 2)
}

func TestUnmatchedMoveOutActsAsDelete(t *testing.T) {
	f := newTestForest(t)
	a, _ := f.TrackAnchor(root0().Child("friends", 0))
	if err := f.ApplyDelta(friends(delta.MoveOut(1, 9))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	assert.Equal(t, friendValues(t, f), []tree.Value{"b", "c"})
	if _, err := f.ResolveAnchor(a); !errors.Is(err, ErrInvalidAnchor) {
		t.Fatalf("expected ErrInvalidAnchor, got %v", err)
	}
}

func TestAnchorReferenceCounting(t *testing.T) {
	f := newTestForest(t)
	before := f.LiveAnchors()
	a1, _ := f.TrackAnchor(root0())
	a2, _ := f.TrackAnchor(root0())
	assert.Equal(t, a1, a2)
	assert.Equal(t, f.LiveAnchors(), before+1)

	f.ForgetAnchor(a1)
	if _, err := f.ResolveAnchor(a2); err != nil {
		t.Fatalf("anchor dropped too early: %v", err)
	}
	f.ForgetAnchor(a2)
	assert.Equal(t, f.LiveAnchors(), before)
	if _, err := f.ResolveAnchor(a2); !errors.Is(err, ErrInvalidAnchor) {
		t.Fatalf("expected ErrInvalidAnchor after forget, got %v", err)
	}
}

func TestCursorNavigationAndInvalidation(t *testing.T) {
	f := newTestForest(t)
	c := f.AllocateCursor()
	assert.Equal(t, f.LiveCursors(), 1)

	if !c.FirstNode() {
		t.Fatalf("root field should not be empty")
	}
	typ, _ := c.Type()
	assert.Equal(t, typ, tree.NodeType("person"))
	if err := c.EnterField("friends"); err != nil {
		t.Fatalf("enter field: %v", err)
	}
	length, _ := c.FieldLength()
	assert.Equal(t, length, 3)

	var seen []tree.Value
	for ok := c.FirstNode(); ok; ok = c.NextNode() {
		v, _ := c.Value()
		seen = append(seen, v)
	}
	assert.Equal(t, seen, []tree.Value{"a", "b", "c"})
	assert.Equal(t, c.Mode(), AtField)

	if err := c.EnterNode(1); err != nil {
		t.Fatalf("enter node: %v", err)
	}
	path, _ := c.Path()
	assert.Equal(t, path.String(), "rootFieldKey[0]/friends[1]")

	fork := c.Fork()
	assert.Equal(t, f.LiveCursors(), 2)
	if err := c.ExitNode(); err != nil {
		t.Fatalf("exit node: %v", err)
	}
	if err := c.ExitField(); err != nil {
		t.Fatalf("exit field: %v", err)
	}
	name, _ := fork.Value()
	assert.Equal(t, name, tree.Value("b"))

	if err := f.ApplyDelta(friends(delta.Delete(1))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := c.Type(); !errors.Is(err, ErrCursorInvalidated) {
		t.Fatalf("expected ErrCursorInvalidated, got %v", err)
	}

	c.Free()
	c.Free()
	fork.Free()
	assert.Equal(t, f.LiveCursors(), 0)
	if _, err := c.Type(); !errors.Is(err, ErrCursorFreed) {
		t.Fatalf("expected ErrCursorFreed, got %v", err)
	}
}

func TestBatchSendsSingleAfterChange(t *testing.T) {
	f := newTestForest(t)
	var tokens []InvalidationToken
	obs := NewObserver(func(token InvalidationToken) { tokens = append(tokens, token) })
	assert.Equal(t, f.RegisterDependent(obs), true)
	assert.Equal(t, f.RegisterDependent(obs), false)
	hooks := 0
	remove := f.OnAfterBatch(func() { hooks++ })

	f.Batch(func() {
		_ = f.ApplyDelta(friends(delta.Delete(1)))
		f.Batch(func() {
			_ = f.ApplyDelta(friends(delta.Insert(str("z"))))
		})
	})
	assert.Equal(t, tokens, []InvalidationToken{BeforeChange, BeforeChange, AfterChange})
	assert.Equal(t, hooks, 1)

	remove()
	f.RemoveDependent(obs)
	_ = f.ApplyDelta(friends(delta.Delete(1)))
	assert.Equal(t, len(tokens), 3)
	assert.Equal(t, hooks, 1)
}

func TestApplyRejectsDeltaOverrunningField(t *testing.T) {
	f := newTestForest(t)
	epoch := f.Epoch()
	err := f.ApplyDelta(friends(delta.Skip(2), delta.Delete(2)))
	if !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}
	assert.Equal(t, f.Epoch(), epoch)
	assert.Equal(t, friendValues(t, f), []tree.Value{"a", "b", "c"})
}

func TestApplyRejectsReentrantDelta(t *testing.T) {
	f := newTestForest(t)
	var inner error
	f.RegisterDependent(NewObserver(func(token InvalidationToken) {
		if token == BeforeChange && inner == nil {
			inner = f.ApplyDelta(friends(delta.Delete(1)))
		}
	}))
	if err := f.ApplyDelta(friends(delta.Skip(1), delta.Delete(1))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !errors.Is(inner, ErrReentrantApply) {
		t.Fatalf("expected ErrReentrantApply, got %v", inner)
	}
}

type eventLog struct {
	events []string
}

func (l *eventLog) OnDelete(path *tree.UpPath, count int) {
	l.events = append(l.events, fmt.Sprintf("delete %s %d", path, count))
}

func (l *eventLog) OnInsert(path *tree.UpPath, content []*tree.Node) {
	l.events = append(l.events, fmt.Sprintf("insert %s %d", path, len(content)))
}

func (l *eventLog) OnSetValue(path *tree.UpPath, value tree.Value) {
	l.events = append(l.events, fmt.Sprintf("set %s %v", path, value))
}

func TestSubtreeListenerReceivesEventsBeneathAnchor(t *testing.T) {
	f := newTestForest(t)
	a, _ := f.TrackAnchor(root0())
	log := &eventLog{}
	var bases []string
	unsubscribe, err := f.OnSubtreeChanging(a, func(path *tree.UpPath) delta.PathVisitor {
		bases = append(bases, path.String())
		return log
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	root := delta.Root{delta.Field(tree.RootField, delta.Modify(
		delta.Field("name", delta.Delete(1), delta.Insert(str("Bob"))),
		delta.Field("friends", delta.Skip(1), delta.SetValue("B")),
	))}
	if err := f.ApplyDelta(root); err != nil {
		t.Fatalf("apply: %v", err)
	}
	assert.Equal(t, bases, []string{"rootFieldKey[0]"})
	assert.Equal(t, log.events, []string{
		"delete rootFieldKey[0]/name[0] 1",
		"set rootFieldKey[0]/friends[1] B",
		"insert rootFieldKey[0]/name[1] 1",
	})

	// Events outside the anchored subtree are not forwarded.
	if err := f.ApplyDelta(delta.Root{delta.Field(tree.RootField, delta.Skip(1), delta.Insert(str("other")))}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	assert.Equal(t, len(log.events), 3)

	unsubscribe()
	if err := f.ApplyDelta(friends(delta.Delete(1))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	assert.Equal(t, len(log.events), 3)
}

func TestRawVisitorSeesSameIndicesAsVisit(t *testing.T) {
	f := newTestForest(t)
	var applied, visited []string
	record := func(out *[]string) *pathRecorder { return &pathRecorder{out: out} }
	remove := f.AddVisitor(delta.AdaptPathVisitor(nil, record(&applied)))
	defer remove()

	root := friends(delta.Delete(1), delta.Insert(str("x")), delta.Skip(1), delta.SetValue("C"))
	delta.Visit(root, delta.AdaptPathVisitor(nil, record(&visited)))
	if err := f.ApplyDelta(root); err != nil {
		t.Fatalf("apply: %v", err)
	}
	assert.Equal(t, applied, visited)
	assert.Equal(t, friendValues(t, f), []tree.Value{"x", "b", "C"})
}

type pathRecorder struct {
	out *[]string
}

func (p *pathRecorder) OnDelete(path *tree.UpPath, count int) {
	*p.out = append(*p.out, fmt.Sprintf("delete %s %d", path, count))
}

func (p *pathRecorder) OnInsert(path *tree.UpPath, content []*tree.Node) {
	*p.out = append(*p.out, fmt.Sprintf("insert %s %d", path, len(content)))
}

func (p *pathRecorder) OnSetValue(path *tree.UpPath, value tree.Value) {
	*p.out = append(*p.out, fmt.Sprintf("set %s %v", path, value))
}

func TestSnapshotAndLoad(t *testing.T) {
	f := newTestForest(t)
	snap := f.Snapshot()
	assert.Equal(t, len(snap), 1)

	other := New(zerolog.Nop())
	if err := other.Load(snap); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !tree.EqualNodes(other.Snapshot(), snap) {
		t.Fatalf("snapshot mismatch: %v vs %v", other.Snapshot(), snap)
	}
}
