// Package platform implements the page-grained host-OS contract spec.md §6
// describes as an external collaborator: code/data page allocation and
// protection. Adapted from the teacher's internal/platform package, which
// provided a similar syscall-facing primitives layer for a different
// purpose (a WASI filesystem bridge); that surface is gone, replaced with
// the mmap/mprotect contract the code cache actually needs, built on the
// same golang.org/x/sys/unix dependency the teacher's (filtered-out, only
// its test file survived retrieval) mmap_linux.go used.
package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the host's page granularity, queried once at startup.
var PageSize = unix.Getpagesize()

// Protection mirrors spec.md §6's `prot` enum.
type Protection int

const (
	ProtPatchableExecutable Protection = iota
	ProtExecutable
	ProtReadOnly
	ProtReadWrite
	ProtInaccessible
)

func (p Protection) unixProt() int {
	switch p {
	case ProtPatchableExecutable:
		return unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	case ProtExecutable:
		return unix.PROT_READ | unix.PROT_EXEC
	case ProtReadOnly:
		return unix.PROT_READ
	case ProtReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case ProtInaccessible:
		return unix.PROT_NONE
	default:
		panic(fmt.Sprintf("platform: invalid protection %d", p))
	}
}

// AllocateCodePages reserves n pages of RWX (patchable-executable) memory,
// the code cache's one and only allocation primitive (spec.md §6:
// "allocate_code_pages(n)").
func AllocateCodePages(n int) ([]byte, error) {
	return allocate(n, ProtPatchableExecutable)
}

// AllocateDataPages reserves n pages of RW memory (spec.md §6:
// "allocate_data_pages(n)"), used for metadata records, spill-slot TLS
// areas, and owned NativeAddress slots.
func AllocateDataPages(n int) ([]byte, error) {
	return allocate(n, ProtReadWrite)
}

func allocate(n int, prot Protection) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("platform: page count must be positive, got %d", n)
	}
	size := n * PageSize
	b, err := unix.Mmap(-1, 0, size, prot.unixProt(), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap %d pages: %w", n, err)
	}
	return b, nil
}

// FreeCodePages / FreeDataPages release a region obtained from the
// corresponding Allocate* call (spec.md §6).
func FreeCodePages(b []byte) error { return free(b) }
func FreeDataPages(b []byte) error { return free(b) }

func free(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("platform: munmap: %w", err)
	}
	return nil
}

// ProtectPages applies prot to region, whose start must be page-aligned
// (spec.md §6: "protect_pages(addr, n, prot)").
func ProtectPages(region []byte, prot Protection) error {
	if err := unix.Mprotect(region, prot.unixProt()); err != nil {
		return fmt.Errorf("platform: mprotect: %w", err)
	}
	return nil
}

// PageAlign rounds n up to the next multiple of PageSize.
func PageAlign(n int) int {
	if n <= 0 {
		return PageSize
	}
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// PagesFor returns the number of pages needed to hold n bytes.
func PagesFor(n int) int {
	return PageAlign(n) / PageSize
}
