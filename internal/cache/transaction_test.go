package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/granaryproject/granary/internal/testing/require"
)

func TestTransactionBlocksOverlappingRange(t *testing.T) {
	a := newTestArena(t, 64)

	txn1 := a.BeginTransaction(0, 16)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		txn2 := a.BeginTransaction(8, 16) // overlaps [0,16)
		close(done)
		txn2.Commit()
	}()
	<-started
	select {
	case <-done:
		t.Fatal("overlapping transaction should not have proceeded before Commit")
	case <-time.After(50 * time.Millisecond):
	}

	txn1.Commit()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("overlapping transaction never proceeded after Commit")
	}
}

func TestTransactionAllowsDisjointRanges(t *testing.T) {
	a := newTestArena(t, 64)

	var wg sync.WaitGroup
	wg.Add(2)
	for _, off := range []int{0, 32} {
		off := off
		go func() {
			defer wg.Done()
			txn := a.BeginTransaction(off, 16)
			txn.Commit()
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disjoint transactions should not block each other")
	}
}

func TestSpanOverlaps(t *testing.T) {
	require.True(t, span{0, 10}.overlaps(span{5, 15}))
	require.False(t, span{0, 10}.overlaps(span{10, 20}))
	require.False(t, span{10, 20}.overlaps(span{0, 10}))
}
