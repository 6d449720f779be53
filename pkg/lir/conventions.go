package lir

import (
	"github.com/raymyers/ralph-oat/pkg/config"
)

// Conventions describes an instruction set's registers and frame rules as
// the managed calling convention uses them.
type Conventions struct {
	ISA      config.ISA
	WordSize int
	NumRegs  int
	Names    []string

	// Allocatable lists registers in allocation order, caller-saved first.
	Allocatable []Reg
	CalleeSaved []Reg
	Args        []Reg
	Return      Reg
	// Scratch registers are never allocated; the assembler and the
	// parallel move resolver use them freely.
	Scratch []Reg
	SP      Reg
	// ReturnAddress is the link register, or NoReg when calls push the
	// return address on the stack.
	ReturnAddress Reg
	// Thread holds the runtime thread pointer, NoReg when it is reached
	// through a segment register.
	Thread Reg

	StackAlign int
	// OverflowReserve is how far below SP the overflow probe touches.
	OverflowReserve int
	// LeafFrameLimit is the largest leaf frame that skips the probe.
	LeafFrameLimit int

	callerSaved []Reg
	calleeSet   []bool
}

// Init derives the lookup tables; call it once after filling the fields.
func (c *Conventions) Init() *Conventions {
	c.calleeSet = make([]bool, c.NumRegs)
	for _, r := range c.CalleeSaved {
		c.calleeSet[r] = true
	}
	c.callerSaved = nil
	for _, r := range c.Allocatable {
		if !c.calleeSet[r] {
			c.callerSaved = append(c.callerSaved, r)
		}
	}
	return c
}

// CallerSaved lists the allocatable registers a call may clobber.
func (c *Conventions) CallerSaved() []Reg { return c.callerSaved }

func (c *Conventions) IsCalleeSaved(r Reg) bool {
	return r.IsPhysical() && int(r) < len(c.calleeSet) && c.calleeSet[r]
}

// FirstCalleeSavedColor is the index in Allocatable of the first
// callee-saved register.
func (c *Conventions) FirstCalleeSavedColor() int { return len(c.callerSaved) }

func (c *Conventions) IsAllocatable(r Reg) bool {
	for _, a := range c.Allocatable {
		if a == r {
			return true
		}
	}
	return false
}

// RegName prints a physical register by its assembler name.
func (c *Conventions) RegName(r Reg) string {
	if r.IsPhysical() && int(r) < len(c.Names) {
		return c.Names[r]
	}
	return r.String()
}
