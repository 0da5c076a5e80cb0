package engine

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/tickflow/internal/ir"
)

// scopeIndex records which slots each scope owns.
//
// Teardown of a scope frees the scope and every descendant. Because a
// ScopeID encodes its ancestry, "descendant" is a prefix test on the value;
// the index only has to remember ownership.
type scopeIndex struct {
	owned map[ir.ScopeID]mapset.Set[ir.SlotID]
}

func newScopeIndex() *scopeIndex {
	return &scopeIndex{owned: make(map[ir.ScopeID]mapset.Set[ir.SlotID])}
}

// add records that scope owns slot.
func (s *scopeIndex) add(scope ir.ScopeID, slot ir.SlotID) {
	set, ok := s.owned[scope]
	if !ok {
		set = mapset.NewThreadUnsafeSet[ir.SlotID]()
		s.owned[scope] = set
	}
	set.Add(slot)
}

// remove forgets slot.
func (s *scopeIndex) remove(scope ir.ScopeID, slot ir.SlotID) {
	if set, ok := s.owned[scope]; ok {
		set.Remove(slot)
		if set.Cardinality() == 0 {
			delete(s.owned, scope)
		}
	}
}

// within returns scope and its live descendants, deepest first then by
// scope order, so children are torn down before their parents.
func (s *scopeIndex) within(scope ir.ScopeID) []ir.ScopeID {
	var out []ir.ScopeID
	for sc := range s.owned {
		if sc.Within(scope) {
			out = append(out, sc)
		}
	}
	slices.SortFunc(out, func(a, b ir.ScopeID) int {
		if a.Depth() != b.Depth() {
			return b.Depth() - a.Depth()
		}
		return ir.CompareScope(a, b)
	})
	return out
}

// slots returns the slots scope owns, in slot index order.
func (s *scopeIndex) slots(scope ir.ScopeID) []ir.SlotID {
	set, ok := s.owned[scope]
	if !ok {
		return nil
	}
	out := set.ToSlice()
	slices.SortFunc(out, func(a, b ir.SlotID) int {
		if a.Index != b.Index {
			if a.Index < b.Index {
				return -1
			}
			return 1
		}
		return int(a.Generation) - int(b.Generation)
	})
	return out
}

// count returns the number of slots owned by scope and its descendants.
func (s *scopeIndex) count(scope ir.ScopeID) int {
	n := 0
	for sc, set := range s.owned {
		if sc.Within(scope) {
			n += set.Cardinality()
		}
	}
	return n
}
