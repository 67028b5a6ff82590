package change

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/forest"
	"github.com/example/tree-sync-engine/internal/tree"
)

func str(v string) *tree.Node { return tree.NewLeaf("string", v) }

func person() *tree.Node {
	p := tree.NewLeaf("person", nil)
	p.SetField("name", str("Adam"))
	p.SetField("friends", str("a"), str("b"), str("c"), str("d"))
	p.SetField("address", tree.NewLeaf("address", nil).SetField("zip", str("10000")))
	return p
}

func root0() *tree.UpPath { return (*tree.UpPath)(nil).Child(tree.RootField, 0) }

func newForest(t *testing.T) *forest.Forest {
	t.Helper()
	f := forest.New(zerolog.Nop())
	if err := f.Load([]*tree.Node{person()}); err != nil {
		t.Fatalf("load: %v", err)
	}
	return f
}

func apply(t *testing.T, f *forest.Forest, cs Changeset) Changeset {
	t.Helper()
	applied, err := Family{}.ApplyTo(cs, f, f.ApplyDelta)
	if err != nil {
		t.Fatalf("apply %v: %v", cs, err)
	}
	return applied
}

func TestInvertRestoresState(t *testing.T) {
	f := newForest(t)
	before := f.Snapshot()

	zip := root0().Child("address", 0)
	applied := apply(t, f, Changeset{
		Insert(root0(), "friends", 1, str("x"), str("y")),
		Delete(root0(), "friends", 3, 2),
		SetValue(root0().Child("name", 0), "Bob"),
		Replace(zip, "zip", str("20000")),
		Replace(root0(), "address"),
	})
	assert.Equal(t, len(applied), 5)
	if tree.EqualNodes(f.Snapshot(), before) {
		t.Fatalf("edits had no effect")
	}

	apply(t, f, Family{}.Invert(applied))
	if !tree.EqualNodes(f.Snapshot(), before) {
		t.Fatalf("rollback mismatch:\n got %v\nwant %v", f.Snapshot(), before)
	}
}

func TestRefreshDropsMissingTargets(t *testing.T) {
	f := newForest(t)
	fam := Family{}

	if _, ok := fam.Refresh(SetValue(root0().Child("friends", 9), "x"), f); ok {
		t.Fatalf("set on missing node should be dropped")
	}
	if _, ok := fam.Refresh(Insert(root0().Child("friends", 9), "x", 0, str("x")), f); ok {
		t.Fatalf("insert under missing parent should be dropped")
	}
	op, ok := fam.Refresh(Delete(root0(), "friends", 2, 10), f)
	if !ok {
		t.Fatalf("delete should be clamped, not dropped")
	}
	assert.Equal(t, op.Count, 2)
	assert.Equal(t, len(op.Removed), 2)
}

func TestIntoDeltasSkipsNoops(t *testing.T) {
	deltas := Family{}.IntoDeltas(Changeset{
		Delete(root0(), "friends", 0, 0),
		Insert(root0(), "friends", 0, str("x")),
		Replace(root0(), "address"),
	})
	assert.Equal(t, len(deltas), 1)
}

func TestEditBuilderRejectsMove(t *testing.T) {
	f := newForest(t)
	b := NewEditBuilder(f, f.ApplyDelta)
	ok, err := b.SequenceField(root0(), "friends").Move(0, 1, root0(), "friends", 2)
	assert.Equal(t, ok, false)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	assert.Equal(t, len(b.Changes()), 0)
}

func TestEditBuilderRecordsAppliedEdits(t *testing.T) {
	f := newForest(t)
	b := NewEditBuilder(f, f.ApplyDelta)

	ok, err := b.SequenceField(root0(), "friends").Insert(0, str("z"))
	if err != nil || !ok {
		t.Fatalf("insert: %v %v", ok, err)
	}
	ok, _ = b.SequenceField(root0(), "friends").Delete(0, 0)
	assert.Equal(t, ok, false)
	ok, _ = b.OptionalField(root0(), "nickname").Set(nil, true)
	assert.Equal(t, ok, false)
	if _, err := b.ValueField(root0().Child("address", 0), "zip").Set(str("30000")); err != nil {
		t.Fatalf("set zip: %v", err)
	}
	if _, err := b.SetValue(root0().Child("name", 0), "Eve"); err != nil {
		t.Fatalf("set name: %v", err)
	}

	changes := b.Changes()
	assert.Equal(t, len(changes), 3)
	assert.Equal(t, changes[2][0].Old, tree.Value("Adam"))
	assert.Equal(t, len(changes[1][0].Removed), 1)
}

// Applying a then b-after-a must equal applying b then a-after-b.
func TestTransformConverges(t *testing.T) {
	ops := map[string]Op{
		"ins0":     Insert(root0(), "friends", 0, str("p")),
		"ins2":     Insert(root0(), "friends", 2, str("q"), str("r")),
		"ins4":     Insert(root0(), "friends", 4, str("s")),
		"del0":     Delete(root0(), "friends", 0, 1),
		"del1x2":   Delete(root0(), "friends", 1, 2),
		"del2x2":   Delete(root0(), "friends", 2, 2),
		"setB":     SetValue(root0().Child("friends", 1), "B"),
		"setC":     SetValue(root0().Child("friends", 2), "C"),
		"setB2":    SetValue(root0().Child("friends", 1), "BB"),
		"zip":      Replace(root0().Child("address", 0), "zip", str("20000")),
		"zip2":     Replace(root0().Child("address", 0), "zip", str("30000")),
		"setZip":   SetValue(root0().Child("address", 0).Child("zip", 0), "1"),
		"dropAddr": Replace(root0(), "address"),
		"delRoot":  Delete(nil, tree.RootField, 0, 1),
	}

	for nameA, a := range ops {
		for nameB, b := range ops {
			t.Run(fmt.Sprintf("%s/%s", nameA, nameB), func(t *testing.T) {
				aPrime, bPrime := Family{}.Transform(Changeset{a}, Changeset{b}, true)

				left := newForest(t)
				apply(t, left, Changeset{a})
				apply(t, left, bPrime)

				right := newForest(t)
				apply(t, right, Changeset{b})
				apply(t, right, aPrime)

				if !tree.EqualNodes(left.Snapshot(), right.Snapshot()) {
					t.Fatalf("diverged:\n a;b' = %v\n b;a' = %v\n a'=%v b'=%v", left.Snapshot(), right.Snapshot(), aPrime, bPrime)
				}
			})
		}
	}
}

func TestRebaseOfSequences(t *testing.T) {
	local := Changeset{
		Insert(root0(), "friends", 1, str("x")),
		Delete(root0(), "friends", 3, 1),
		SetValue(root0().Child("friends", 0), "A"),
	}
	remote := Changeset{
		Delete(root0(), "friends", 0, 1),
		Insert(root0(), "friends", 2, str("y")),
	}

	left := newForest(t)
	apply(t, left, local)
	apply(t, left, Family{}.Rebase(remote, local))

	right := newForest(t)
	apply(t, right, remote)
	apply(t, right, Family{}.Rebase(local, remote))

	// Both orders agree; the remote delete of "a" wins over the local set.
	if !tree.EqualNodes(left.Snapshot(), right.Snapshot()) {
		t.Fatalf("diverged:\n%v\n%v", left.Snapshot(), right.Snapshot())
	}
	content, _ := right.FieldContent(root0(), "friends")
	var values []tree.Value
	for _, n := range content {
		values = append(values, n.Value)
	}
	assert.Equal(t, values, []tree.Value{"x", "b", "y", "d"})
}
