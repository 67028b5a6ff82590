package tree

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDownPathRoundTripDropsRootStep(t *testing.T) {
	up := (*UpPath)(nil).Child(RootField, 2).Child("address", 0).Child("zip", 1)

	down := ToDownPath(up)
	assert.Equal(t, DownPath{At("address", 0), At("zip", 1)}, down)

	back := FromDownPath(2, down)
	if !EqualUpPaths(up, back) {
		t.Fatalf("expected %s, got %s", up, back)
	}
	assert.Equal(t, 3, Depth(back))
}

func TestStepsAndFromSteps(t *testing.T) {
	up := (*UpPath)(nil).Child(RootField, 0).Child("a", 3)
	steps := Steps(up)
	assert.Equal(t, []PathStep{At(RootField, 0), At("a", 3)}, steps)
	if !EqualUpPaths(FromSteps(steps), up) {
		t.Fatalf("from steps mismatch")
	}
	assert.Equal(t, "rootFieldKey[0]/a[3]", up.String())
}

func TestNodeEqualAndClone(t *testing.T) {
	n := NewLeaf("person", nil)
	n.SetField("name", NewLeaf("string", "ada"))
	n.SetField("age", NewLeaf("number", int64(36)))

	clone := n.Clone()
	if !n.Equal(clone) {
		t.Fatalf("clone differs: %s vs %s", n, clone)
	}
	clone.Fields["age"][0].Value = float64(36)
	if !n.Equal(clone) {
		t.Fatalf("numeric values should compare by value")
	}
	clone.Fields["name"][0].Value = "grace"
	if n.Equal(clone) {
		t.Fatalf("expected difference after mutation")
	}
	assert.Equal(t, []FieldKey{"age", "name"}, n.FieldKeys())
}
