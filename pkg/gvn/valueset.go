package gvn

import (
	"slices"

	"github.com/raymyers/ralph-oat/pkg/ir"
)

// ValueSet holds the values available at a point of the method, keyed by
// a structural hash. Entries with the same hash are chained in their
// bucket. No two entries are structurally equal.
type ValueSet struct {
	g       *ir.Graph
	buckets map[uint64][]ir.ValueID
	n       int
}

func NewValueSet(g *ir.Graph) *ValueSet {
	return &ValueSet{g: g, buckets: map[uint64][]ir.ValueID{}}
}

// keyInputs returns the inputs in key order: commutative operations are
// normalized so a+b and b+a hash and compare equal.
func keyInputs(inst *ir.Instruction) []ir.ValueID {
	in := inst.Inputs()
	if inst.Op.IsCommutative() && len(in) == 2 && in[1].Index() < in[0].Index() {
		return []ir.ValueID{in[1], in[0]}
	}
	return in
}

func hashOf(inst *ir.Instruction) uint64 {
	h := uint64(14695981039346656037)
	mix := func(x uint64) {
		h ^= x
		h *= 1099511628211
	}
	mix(uint64(inst.Op))
	mix(uint64(inst.Type))
	mix(uint64(inst.Aux))
	for _, in := range keyInputs(inst) {
		mix(uint64(in.Index()))
	}
	return h
}

func equal(a, b *ir.Instruction) bool {
	if a.Op != b.Op || a.Type != b.Type || a.Aux != b.Aux {
		return false
	}
	return slices.Equal(keyInputs(a), keyInputs(b)) && slices.Equal(a.Payload, b.Payload)
}

// Add inserts an instruction that has no structural twin in the set.
func (s *ValueSet) Add(id ir.ValueID) {
	inst := s.g.Inst(id)
	h := hashOf(inst)
	s.buckets[h] = append(s.buckets[h], id)
	s.n++
}

// Lookup returns the entry structurally equal to id, or ir.NoValue.
func (s *ValueSet) Lookup(id ir.ValueID) ir.ValueID {
	inst := s.g.Inst(id)
	for _, e := range s.buckets[hashOf(inst)] {
		if equal(s.g.Inst(e), inst) {
			return e
		}
	}
	return ir.NoValue
}

// Contains reports whether id itself is an entry.
func (s *ValueSet) Contains(id ir.ValueID) bool {
	return slices.Contains(s.buckets[hashOf(s.g.Inst(id))], id)
}

// Kill removes every entry whose value may be changed by an operation
// with the given side effects.
func (s *ValueSet) Kill(effects ir.SideEffects) {
	if effects.DoesNothing() {
		return
	}
	s.filter(func(id ir.ValueID) bool {
		return !s.g.Inst(id).Effects.MayDependOn(effects)
	})
}

// IntersectWith keeps only the entries also present, by identity, in
// other.
func (s *ValueSet) IntersectWith(other *ValueSet) {
	if other == s {
		return
	}
	s.filter(func(id ir.ValueID) bool {
		return slices.Contains(other.buckets[hashOf(s.g.Inst(id))], id)
	})
}

func (s *ValueSet) filter(keep func(ir.ValueID) bool) {
	for h, chain := range s.buckets {
		kept := chain[:0]
		for _, id := range chain {
			if keep(id) {
				kept = append(kept, id)
			}
		}
		s.n -= len(chain) - len(kept)
		if len(kept) == 0 {
			delete(s.buckets, h)
		} else {
			s.buckets[h] = kept
		}
	}
}

func (s *ValueSet) Copy() *ValueSet {
	c := &ValueSet{g: s.g, buckets: make(map[uint64][]ir.ValueID, len(s.buckets)), n: s.n}
	for h, chain := range s.buckets {
		c.buckets[h] = slices.Clone(chain)
	}
	return c
}

func (s *ValueSet) Len() int { return s.n }

func (s *ValueSet) Clear() {
	clear(s.buckets)
	s.n = 0
}
