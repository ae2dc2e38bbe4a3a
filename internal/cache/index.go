package cache

import (
	"hash/fnv"
	"sync"

	"github.com/granaryproject/granary/internal/metadata"
)

// Index is the cache's metadata index: a two-level hash table keyed by
// the Indexable portion of a block's metadata (spec.md §3: "a two-level
// hash table keyed by the indexable portion of metadata. A lookup returns
// Accept(existing) | Adapt(existing) | Reject"). Level one is the bucket
// array, addressed by the Indexable hash; level two is the intrusive
// chain within a bucket, threaded through each Record's IndexMetaData
// slot, so no separate chain-node allocation is needed.
type Index struct {
	mu      sync.RWMutex
	buckets []*metadata.Record
	mask    uint64
}

// NewIndex creates an Index with 2^log2Buckets buckets.
func NewIndex(log2Buckets uint) *Index {
	n := uint64(1) << log2Buckets
	return &Index{
		buckets: make([]*metadata.Record, n),
		mask:    n - 1,
	}
}

func (x *Index) bucketFor(r *metadata.Record) uint64 {
	h := fnv.New64a()
	r.Hash(h)
	return h.Sum64() & x.mask
}

// Lookup scans the bucket chain for a Record whose Indexable descriptors
// equal query's, and reports the finest-grained verdict among equal
// candidates: Accept if an existing Record can be reused outright, Adapt
// if one can be reused behind a compensation block, or Reject if no
// candidate in the chain unifies with query.
func (x *Index) Lookup(query *metadata.Record) (existing *metadata.Record, status metadata.UnificationStatus) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	idx := x.bucketFor(query)
	best := metadata.Reject
	var bestRec *metadata.Record
	for cur := x.buckets[idx]; cur != nil; cur = nextOf(cur) {
		if !cur.Equals(query) {
			continue
		}
		switch v := cur.CanUnifyWith(query); v {
		case metadata.Accept:
			return cur, metadata.Accept
		case metadata.Adapt:
			if best == metadata.Reject {
				best, bestRec = metadata.Adapt, cur
			}
		}
	}
	if bestRec != nil {
		return bestRec, best
	}
	return nil, metadata.Reject
}

// Insert adds rec to its bucket's chain, threading it through rec's own
// IndexMetaData slot.
func (x *Index) Insert(rec *metadata.Record) {
	x.mu.Lock()
	defer x.mu.Unlock()

	idx := x.bucketFor(rec)
	rec.Cast("IndexMetaData").(*metadata.IndexMetaData).Next = x.buckets[idx]
	x.buckets[idx] = rec
}

// Remove unlinks rec from its bucket's chain. It is a no-op if rec is not
// present (already removed, or never inserted).
func (x *Index) Remove(rec *metadata.Record) {
	x.mu.Lock()
	defer x.mu.Unlock()

	idx := x.bucketFor(rec)
	head := x.buckets[idx]
	if head == rec {
		x.buckets[idx] = nextOf(rec)
		return
	}
	for cur := head; cur != nil; {
		next := nextOf(cur)
		if next == rec {
			cur.Cast("IndexMetaData").(*metadata.IndexMetaData).Next = nextOf(rec)
			return
		}
		cur = next
	}
}

func nextOf(r *metadata.Record) *metadata.Record {
	return r.Cast("IndexMetaData").(*metadata.IndexMetaData).Next
}
