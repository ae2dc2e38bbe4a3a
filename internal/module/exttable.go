package module

// ExceptionTableEntry is one `{fault_addr_rel32, fixup_addr_rel32}` pair as
// it appears in a kernel module's `__ex_table` section (spec.md §6): each
// field is a rel32 offset from that field's own address, not an absolute
// address. Grounded on
// original_source/os/linux/arch/x86-64/annotate.cc's ExceptionTableEntry
// usage (FaultPC/RecoveryPC).
type ExceptionTableEntry struct {
	FaultAddrRel32 int32
	FixupAddrRel32 int32
}

// entrySize is the encoded size of one ExceptionTableEntry: two 4-byte
// rel32 fields, back to back, with no padding (the kernel's `__ex_table`
// layout).
const entrySize = 8

// ExceptionTable is one module's sorted exception table (spec.md §6:
// "kernel only... a sorted array of {fault_addr_rel32, fixup_addr_rel32}"),
// plus the runtime address the entries themselves are mapped at, needed to
// resolve each rel32 field back to an absolute PC.
type ExceptionTable struct {
	Base    uint64
	Entries []ExceptionTableEntry

	// ErrorSentinel is the `_ASM_EXTABLE_EX` bias, 0x7ffffff0 on the
	// kernels annotate.cc targets. spec.md §9 leaves open whether this is
	// a fixed architectural constant or a build-time parameter; Granary
	// answers by exposing it as a field instead of a literal, so a caller
	// built against a different kernel config can supply its own value.
	ErrorSentinel uint64
}

// DefaultErrorSentinel is the literal annotate.cc hard-codes
// (`0x7ffffff0`); callers targeting that same kernel convention can use it
// directly as ExceptionTable.ErrorSentinel.
const DefaultErrorSentinel = 0x7ffffff0

func (t *ExceptionTable) fieldAddr(index int, fieldOffset uint64) uint64 {
	return t.Base + uint64(index)*entrySize + fieldOffset
}

func (t *ExceptionTable) faultPC(index int) uint64 {
	return uint64(int64(t.fieldAddr(index, 0)) + int64(t.Entries[index].FaultAddrRel32))
}

func (t *ExceptionTable) fixupPC(index int) uint64 {
	return uint64(int64(t.fieldAddr(index, 4)) + int64(t.Entries[index].FixupAddrRel32))
}

// Find performs annotate.cc's FindRecoveryEntry: a binary search of
// Entries (assumed sorted by resolved fault PC, as the kernel's linker
// guarantees) for the entry whose fault_pc equals pc.
func (t *ExceptionTable) Find(pc uint64) (index int, ok bool) {
	first, last := 0, len(t.Entries)-1
	for first <= last {
		mid := first + (last-first)/2
		switch fp := t.faultPC(mid); {
		case fp < pc:
			first = mid + 1
		case fp > pc:
			last = mid - 1
		default:
			return mid, true
		}
	}
	return 0, false
}

// IsError reports whether entry index was created by the kernel's
// `_ASM_EXTABLE_EX` macro rather than plain `_ASM_EXTABLE` (annotate.cc's
// RecoveryEntryIsError): its fixup/fault rel32 fields differ by at least
// ErrorSentinel-4, a gap plain recovery entries never produce. The
// subtraction is done on the raw uint32 bit patterns of the two rel32
// fields (matching the wraparound arithmetic the kernel macro relies on),
// not on the resolved absolute addresses.
func (t *ExceptionTable) IsError(index int) bool {
	e := t.Entries[index]
	diff := uint32(e.FixupAddrRel32) - uint32(e.FaultAddrRel32)
	return uint64(diff) >= t.ErrorSentinel-4
}

// RecoveryAddress returns entry index's resolved recovery PC, applying the
// ErrorSentinel bias for an error-producing entry (annotate.cc's
// FindRecoveryAddress).
func (t *ExceptionTable) RecoveryAddress(index int) uint64 {
	pc := t.fixupPC(index)
	if t.IsError(index) {
		pc -= t.ErrorSentinel
	}
	return pc
}

// Order returns log2 of a memory operand's bit width, the index
// internal/translator uses to select one of the four
// granary_uaccess_{read,write}_{8,16,32,64} trampolines spec.md §6
// describes (annotate.cc's Order()).
func Order(bitWidth int) int {
	switch bitWidth {
	case 64:
		return 3
	case 32:
		return 2
	case 16:
		return 1
	default:
		return 0
	}
}
