package metadata

import "hash"

// Record is one block's generic metadata: a slice of per-descriptor slots
// addressed by the owning Manager's frozen offsets (spec.md §3
// "BlockMetaData"). Every operation on a Record defers to its Manager to
// decide which descriptors participate.
type Record struct {
	manager *Manager
	slots   []any
}

// Cast retrieves the slot registered under name, the Go analogue of
// spec.md's `MetaDataCast<T>(meta)`.
func (r *Record) Cast(name string) any {
	return r.slots[r.manager.offsetOf(name)]
}

// Copy duplicates r via every descriptor's CopyInit (spec.md: "Create a
// copy of some meta-data and return a new instance of the copied
// meta-data").
func (r *Record) Copy() *Record {
	out := &Record{manager: r.manager, slots: make([]any, len(r.slots))}
	for i, e := range r.manager.entries {
		if e.desc.CopyInit != nil {
			out.slots[i] = e.desc.CopyInit(r.slots[i])
		} else {
			out.slots[i] = r.slots[i]
		}
	}
	return out
}

// Hash folds every Indexable descriptor's content into h, in registration
// order (spec.md: "Hash all serializable meta-data contained within this
// generic meta-data").
func (r *Record) Hash(h hash.Hash64) {
	for i, e := range r.manager.entries {
		if e.desc.Policy == PolicyIndexable && e.desc.Hash != nil {
			e.desc.Hash(h, r.slots[i])
		}
	}
}

// Equals compares the Indexable descriptors of r and other for strict
// equality (spec.md invariant: "meta1.equals(meta2) iff hash(meta1) ==
// hash(meta2) for every registered indexable descriptor"). Mutable and
// Unifiable descriptors never participate.
func (r *Record) Equals(other *Record) bool {
	if r.manager != other.manager {
		return false
	}
	for i, e := range r.manager.entries {
		if e.desc.Policy != PolicyIndexable {
			continue
		}
		if e.desc.Equals == nil {
			continue
		}
		if !e.desc.Equals(r.slots[i], other.slots[i]) {
			return false
		}
	}
	return true
}

// CanUnifyWith combines every Unifiable descriptor's verdict on r standing
// in for other: any Reject dominates, else any Adapt dominates, else Accept
// (spec.md §3's three-way UnificationStatus, extended here to "what does a
// record made of several unifiable descriptors do" — not specified by name
// in spec.md, decided as the natural lattice meet over per-descriptor
// verdicts, recorded in DESIGN.md).
func (r *Record) CanUnifyWith(other *Record) UnificationStatus {
	if r.manager != other.manager {
		return Reject
	}
	status := Accept
	for i, e := range r.manager.entries {
		if e.desc.Policy != PolicyUnifiable || e.desc.CanUnify == nil {
			continue
		}
		switch e.desc.CanUnify(r.slots[i], other.slots[i]) {
		case Reject:
			return Reject
		case Adapt:
			status = Adapt
		}
	}
	return status
}
