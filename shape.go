package livediff

// ShapeStore mirrors the shape of the previously transmitted tree for one
// position: its structural fingerprint plus per-slot records for nested
// templates, comprehensions, and component references. It persists across
// render passes and is replaced wholesale wherever a fingerprint mismatch
// forces a full fragment resend.
//
// Dynamic values are never stored here; the store remembers shape only.
type ShapeStore struct {
	fingerprint uint64

	children map[int]*ShapeStore        // nested template shapes by slot
	comps    map[int]*comprehensionShape // comprehension shapes by slot
	slotCIDs map[int][]int               // component cids beneath each slot
}

// comprehensionShape is the per-slot marker for a comprehension position. It
// is allocated on the first non-empty render and persists even if the
// comprehension later becomes empty again, so "empty now" is never confused
// with "never seen". The marker hashes the item statics; keyed holds per-row
// value hashes for the keyed variant.
type comprehensionShape struct {
	marker    uint64
	keyed     map[string]uint64 // keyed variant: row key -> row value hash
	order     []string          // keyed variant: last transmitted key order
	keyedCIDs map[string][]int  // keyed variant: row key -> component cids in that row
}

func newShapeStore(fingerprint uint64) *ShapeStore {
	return &ShapeStore{
		fingerprint: fingerprint,
		children:    make(map[int]*ShapeStore),
		comps:       make(map[int]*comprehensionShape),
		slotCIDs:    make(map[int][]int),
	}
}

// child returns the nested shape for slot i, or nil.
func (s *ShapeStore) child(i int) *ShapeStore {
	if s == nil {
		return nil
	}
	return s.children[i]
}

// comp returns the comprehension marker for slot i, or nil.
func (s *ShapeStore) comp(i int) *comprehensionShape {
	if s == nil {
		return nil
	}
	return s.comps[i]
}

// cids returns the component cids recorded beneath slot i.
func (s *ShapeStore) cids(i int) []int {
	if s == nil {
		return nil
	}
	return s.slotCIDs[i]
}

// allCIDs returns every component cid recorded anywhere in this subtree.
func (s *ShapeStore) allCIDs() []int {
	if s == nil {
		return nil
	}
	var out []int
	for _, cids := range s.slotCIDs {
		out = append(out, cids...)
	}
	return out
}

// adopt carries slot i's shape forward unchanged from prev, returning the
// cids kept alive by the skipped slot.
func (s *ShapeStore) adopt(prev *ShapeStore, i int) []int {
	if prev == nil {
		return nil
	}
	if child, ok := prev.children[i]; ok {
		s.children[i] = child
	}
	if cs, ok := prev.comps[i]; ok {
		s.comps[i] = cs
	}
	if cids, ok := prev.slotCIDs[i]; ok {
		s.slotCIDs[i] = cids
		return cids
	}
	return nil
}
