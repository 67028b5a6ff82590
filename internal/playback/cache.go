package playback

import (
	"slices"
	"strconv"
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
)

// cacheEntry stores rebuilt tree content at a sequence number.
type cacheEntry struct {
	Seq   uint64
	Nodes []*tree.Node
}

// stateCache keeps recently rebuilt states. Entries live in ristretto; seqs
// indexes the sequence numbers stored per document so a lookup can find the
// newest state at or before a target. The index may name entries ristretto
// already evicted; those are pruned on lookup.
type stateCache struct {
	store    *ristretto.Cache[string, cacheEntry]
	capacity int

	mu   sync.Mutex
	seqs map[types.DocumentID][]uint64
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, cacheEntry]{
		NumCounters:        int64(capacity) * 10,
		MaxCost:            int64(capacity),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		// Only reachable with an invalid config; run uncached.
		store = nil
	}
	return &stateCache{store: store, capacity: capacity, seqs: make(map[types.DocumentID][]uint64)}
}

func stateKey(docID types.DocumentID, seq uint64) string {
	return string(docID) + "@" + strconv.FormatUint(seq, 10)
}

// Get returns the newest cached state at or before targetSeq.
func (c *stateCache) Get(docID types.DocumentID, targetSeq uint64) (cacheEntry, bool) {
	if c.store == nil {
		return cacheEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	seqs := c.seqs[docID]
	// seqs is sorted; walk down from the newest candidate.
	i, found := slices.BinarySearch(seqs, targetSeq)
	if found {
		i++
	}
	for i--; i >= 0; i-- {
		entry, ok := c.store.Get(stateKey(docID, seqs[i]))
		if ok {
			c.seqs[docID] = seqs
			entry.Nodes = tree.CloneNodes(entry.Nodes)
			return entry, true
		}
		seqs = slices.Delete(seqs, i, i+1)
	}
	if len(seqs) == 0 {
		delete(c.seqs, docID)
	} else {
		c.seqs[docID] = seqs
	}
	return cacheEntry{}, false
}

func (c *stateCache) Put(docID types.DocumentID, entry cacheEntry) {
	if c.store == nil {
		return
	}
	entry.Nodes = tree.CloneNodes(entry.Nodes)
	if !c.store.Set(stateKey(docID, entry.Seq), entry, 1) {
		return
	}
	c.store.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	seqs := c.seqs[docID]
	if i, found := slices.BinarySearch(seqs, entry.Seq); !found {
		seqs = slices.Insert(seqs, i, entry.Seq)
	}
	// The store never holds more than capacity entries.
	if extra := len(seqs) - c.capacity; extra > 0 {
		seqs = seqs[extra:]
	}
	c.seqs[docID] = seqs
}

func (c *stateCache) Close() {
	if c.store != nil {
		c.store.Close()
	}
}
