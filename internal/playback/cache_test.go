package playback

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/example/tree-sync-engine/internal/tree"
)

func TestStateCacheReturnsNewestAtOrBefore(t *testing.T) {
	c := newStateCache(8)
	defer c.Close()

	for _, seq := range []uint64{2, 5, 9} {
		c.Put("doc", cacheEntry{Seq: seq, Nodes: []*tree.Node{tree.NewLeaf("n", float64(seq))}})
	}

	entry, ok := c.Get("doc", 7)
	if !ok {
		t.Fatalf("expected a cached state at or before 7")
	}
	assert.Equal(t, entry.Seq, uint64(5))
	assert.Equal(t, entry.Nodes[0].Value, float64(5))

	entry, ok = c.Get("doc", 9)
	if !ok {
		t.Fatalf("expected exact hit at 9")
	}
	assert.Equal(t, entry.Seq, uint64(9))

	_, ok = c.Get("doc", 1)
	assert.Equal(t, ok, false)
	_, ok = c.Get("other", 9)
	assert.Equal(t, ok, false)
}

func TestStateCacheHandsOutCopies(t *testing.T) {
	c := newStateCache(2)
	defer c.Close()

	nodes := []*tree.Node{tree.NewLeaf("n", "a")}
	c.Put("doc", cacheEntry{Seq: 1, Nodes: nodes})
	nodes[0].Value = "mutated"

	entry, ok := c.Get("doc", 1)
	if !ok {
		t.Fatalf("expected cached state")
	}
	entry.Nodes[0].Value = "mutated again"

	again, _ := c.Get("doc", 1)
	assert.Equal(t, again.Nodes[0].Value, "a")
}
