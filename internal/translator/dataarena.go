// Package translator ties the decode/mangle/allocate/encode pipeline
// together into the single operation spec.md §4.11 describes: turning an
// application entry address into committed, runnable code-cache bytes.
// Grounded on original_source/arch/x86-64/assemble/{*}.cc's "assemble a
// fragment list" driver and, for the overall shape of gluing several small
// packages behind one entry point, the teacher's engine.go
// (CompileModule -> call sequence through the compiler backend).
package translator

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/granaryproject/granary/internal/platform"
)

// nativeAddressSlots backs LateMangler.OwnNativeAddress (spec.md §4.6: "an
// owned NativeAddress pointer" for far-target indirect rewrites). Each Own
// call reserves one 8-byte little-endian slot out of a bump-allocated data
// page and writes addr into it, returning the slot's own real address —
// the same "hand code a stable Go/mmap address" idiom internal/edge uses
// for DirectEdge's EntryTarget/ExitTarget fields, except here the backing
// store is raw mmap'd memory rather than a Go heap allocation, since these
// slots are read by generated code via an absolute MOV, never by Go code.
type nativeAddressSlots struct {
	mu   sync.Mutex
	page []byte
	next int
}

const nativeAddressPageCount = 1

func newNativeAddressSlots() (*nativeAddressSlots, error) {
	page, err := platform.AllocateDataPages(nativeAddressPageCount)
	if err != nil {
		return nil, fmt.Errorf("translator: allocate native address slots: %w", err)
	}
	return &nativeAddressSlots{page: page}, nil
}

// Own writes addr into a freshly reserved slot and returns the slot's own
// address. It panics if the backing page is exhausted: the number of
// distinct far targets a single translation unit needs is bounded by its
// instruction count, never by anything dynamic, so running out indicates
// nativeAddressPageCount needs raising, not a recoverable runtime
// condition.
func (s *nativeAddressSlots) Own(addr uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next+8 > len(s.page) {
		panic("translator: native address slot arena exhausted")
	}
	slot := s.page[s.next : s.next+8]
	binary.LittleEndian.PutUint64(slot, addr)
	s.next += 8
	return uint64(uintptr(unsafe.Pointer(&slot[0])))
}
