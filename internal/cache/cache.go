package cache

import (
	"fmt"
	"sync"

	"github.com/granaryproject/granary/internal/metadata"
)

// CodeCache is the code cache spec.md §4.8/§5 describes: a block-code
// arena, an edge-code arena, and the metadata Index that ties a block's
// App/Stack metadata to where its translation landed. Grounded on the
// teacher's engine.codes map (internal/engine/compiler/engine_cache.go):
// that map was keyed by wasm module ID and guarded by a mutex serializing
// add/get; here the module-keyed map becomes the Index's bucket chains
// and the mutex becomes the finer-grained per-range Transaction locking
// transaction.go provides, since unrelated blocks committing concurrently must
// not serialize on each other.
type CodeCache struct {
	Blocks *Arena
	Edges  *Arena
	Index  *Index

	mu      sync.RWMutex
	byAppPC map[uint64]*entry
}

type entry struct {
	meta *metadata.Record
	code []byte
}

// NewCodeCache wraps the blocks code arena and the edges edge-stub arena
// behind a shared index with 2^log2Buckets buckets.
func NewCodeCache(blocks, edges *Arena, log2Buckets uint) *CodeCache {
	return &CodeCache{
		Blocks:  blocks,
		Edges:   edges,
		Index:   NewIndex(log2Buckets),
		byAppPC: make(map[uint64]*entry),
	}
}

// Lookup reports what (if anything) the cache already holds for query,
// mirroring spec.md §3's three-way index verdict.
func (c *CodeCache) Lookup(query *metadata.Record) (existing *metadata.Record, status metadata.UnificationStatus) {
	return c.Index.Lookup(query)
}

// CommitBlock reserves length bytes in the block arena under an exclusive
// transaction, hands the region to encode to fill in, and on success
// records rec in both the fast AppPC map and the metadata Index. encode
// must write exactly len(region) bytes and is called while the region's
// transaction is held, so no other writer can observe a half-written
// block (spec.md §4.8: exclusive write access to a sub-range).
func (c *CodeCache) CommitBlock(rec *metadata.Record, length int, encode func(region []byte) error) ([]byte, error) {
	region, err := c.Blocks.Alloc(length)
	if err != nil {
		return nil, fmt.Errorf("cache: commit block: %w", err)
	}
	offset := c.Blocks.offsetOf(region)
	txn := c.Blocks.BeginTransaction(offset, length)
	defer txn.Commit()

	if err := encode(region); err != nil {
		return nil, fmt.Errorf("cache: encode block: %w", err)
	}

	app := rec.Cast("AppMetaData")
	if a, ok := app.(*metadata.AppMetaData); ok {
		c.mu.Lock()
		c.byAppPC[a.AppPC] = &entry{meta: rec, code: region}
		c.mu.Unlock()
	}
	c.Index.Insert(rec)
	return region, nil
}

// CommitEdge is CommitBlock's counterpart for the edge arena (spec.md
// §4.9's direct/indirect edge stubs), with no metadata indexing of its
// own — an edge is addressed by the block that owns it, not looked up
// independently.
func (c *CodeCache) CommitEdge(length int, encode func(region []byte) error) ([]byte, error) {
	region, err := c.Edges.Alloc(length)
	if err != nil {
		return nil, fmt.Errorf("cache: commit edge: %w", err)
	}
	offset := c.Edges.offsetOf(region)
	txn := c.Edges.BeginTransaction(offset, length)
	defer txn.Commit()

	if err := encode(region); err != nil {
		return nil, fmt.Errorf("cache: encode edge: %w", err)
	}
	return region, nil
}

// FindByAppPC is the cache's fast path for "has this application address
// already been translated", ahead of an Index lookup (which additionally
// accounts for Stack/Unifiable compatibility).
func (c *CodeCache) FindByAppPC(appPC uint64) (*metadata.Record, []byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byAppPC[appPC]
	if !ok {
		return nil, nil, false
	}
	return e.meta, e.code, true
}

// Evict removes rec from both the fast map and the Index, freeing its
// code region back to the owning arena. Used when a tool invalidates a
// translation (spec.md's Non-goals exclude a full invalidation API, but
// single-record eviction is the primitive any such policy would build on).
func (c *CodeCache) Evict(rec *metadata.Record, code []byte, arena *Arena) {
	c.Index.Remove(rec)
	if app, ok := rec.Cast("AppMetaData").(*metadata.AppMetaData); ok {
		c.mu.Lock()
		delete(c.byAppPC, app.AppPC)
		c.mu.Unlock()
	}
	arena.Free(code)
}
