package regalloc

import (
	"sort"

	"github.com/raymyers/ralph-oat/pkg/lir"
)

// RegSet is a set of registers.
type RegSet map[lir.Reg]struct{}

func NewRegSet(regs ...lir.Reg) RegSet {
	s := make(RegSet, len(regs))
	for _, r := range regs {
		s.Add(r)
	}
	return s
}

func (s RegSet) Add(r lir.Reg)    { s[r] = struct{}{} }
func (s RegSet) Remove(r lir.Reg) { delete(s, r) }

func (s RegSet) Contains(r lir.Reg) bool {
	_, ok := s[r]
	return ok
}

func (s RegSet) Copy() RegSet {
	c := make(RegSet, len(s))
	for r := range s {
		c[r] = struct{}{}
	}
	return c
}

// AddAll adds every member of o and reports whether s grew.
func (s RegSet) AddAll(o RegSet) bool {
	n := len(s)
	for r := range o {
		s[r] = struct{}{}
	}
	return len(s) != n
}

func (s RegSet) Equal(o RegSet) bool {
	if len(s) != len(o) {
		return false
	}
	for r := range s {
		if !o.Contains(r) {
			return false
		}
	}
	return true
}

// Slice returns the members in ascending order.
func (s RegSet) Slice() []lir.Reg {
	out := make([]lir.Reg, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
