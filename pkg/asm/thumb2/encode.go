// Package thumb2 encodes 32-bit Thumb-2 instructions, plus the few 16-bit
// forms the backend needs. A 32-bit instruction is two halfwords, the
// first at the lower address.
package thumb2

import (
	"encoding/binary"
	"fmt"

	"github.com/raymyers/ralph-oat/pkg/asm"
)

const (
	IP = 12
	SP = 13
	LR = 14
	PC = 15
)

// Ins is a 32-bit instruction as its two halfwords.
type Ins struct{ Hw1, Hw2 uint16 }

// Emit appends i to b.
func Emit(b *asm.Buffer, i Ins) {
	b.Emit16(i.Hw1)
	b.Emit16(i.Hw2)
}

type Cond uint16

const (
	EQ Cond = iota
	NE
	HS
	LO
	MI
	PL
	VS
	VC
	HI
	LS
	GE
	LT
	GT
	LE
	AL
)

// ExpandImm finds the 12-bit modified-immediate encoding of v.
func ExpandImm(v uint32) (uint16, bool) {
	b, c := v&0xff, v>>8&0xff
	switch {
	case v < 256:
		return uint16(v), true
	case v == b<<16|b:
		return 1<<8 | uint16(b), true
	case v == c<<24|c<<8:
		return 2<<8 | uint16(c), true
	case v == b*0x01010101:
		return 3<<8 | uint16(b), true
	}
	for rot := uint32(8); rot < 32; rot++ {
		u := v<<rot | v>>(32-rot)
		if u < 256 && u&0x80 != 0 {
			return uint16(rot<<7 | u&0x7f), true
		}
	}
	return 0, false
}

// Modified-immediate data-processing opcodes.
const (
	opAND = 0
	opBIC = 1
	opORR = 2
	opORN = 3
	opEOR = 4
	opADD = 8
	opSUB = 13
	opRSB = 14
)

func modImm(op, s uint16, rd, rn uint16, imm12 uint16) Ins {
	return Ins{
		0xf000 | (imm12>>11&1)<<10 | op<<5 | s<<4 | rn,
		(imm12>>8&7)<<12 | rd<<8 | imm12&0xff,
	}
}

func imm(op, s uint16, rd, rn uint16, v uint32) (Ins, bool) {
	e, ok := ExpandImm(v)
	if !ok {
		return Ins{}, false
	}
	return modImm(op, s, rd, rn, e), true
}

func AndImm(rd, rn uint16, v uint32) (Ins, bool) { return imm(opAND, 0, rd, rn, v) }
func OrrImm(rd, rn uint16, v uint32) (Ins, bool) { return imm(opORR, 0, rd, rn, v) }
func EorImm(rd, rn uint16, v uint32) (Ins, bool) { return imm(opEOR, 0, rd, rn, v) }
func SubModImm(rd, rn uint16, v uint32) (Ins, bool) {
	return imm(opSUB, 0, rd, rn, v)
}
func CmpImm(rn uint16, v uint32) (Ins, bool) { return imm(opSUB, 1, PC, rn, v) }
func CmnImm(rn uint16, v uint32) (Ins, bool) { return imm(opADD, 1, PC, rn, v) }
func MovImm(rd uint16, v uint32) (Ins, bool) { return imm(opORR, 0, rd, PC, v) }
func MvnImm(rd uint16, v uint32) (Ins, bool) { return imm(opORN, 0, rd, PC, v) }

// Neg is RSB rd, rn, #0.
func Neg(rd, rn uint16) Ins { return modImm(opRSB, 0, rd, rn, 0) }

func plainImm(base uint16, rd, rn uint16, v uint16) Ins {
	return Ins{base | (v>>11&1)<<10 | rn, (v>>8&7)<<12 | rd<<8 | v&0xff}
}

// AddW and SubW take a plain 12-bit immediate.
func AddW(rd, rn uint16, v uint16) Ins { return plainImm(0xf200, rd, rn, v&0xfff) }
func SubW(rd, rn uint16, v uint16) Ins { return plainImm(0xf2a0, rd, rn, v&0xfff) }

func MovW(rd uint16, v uint16) Ins {
	return Ins{0xf240 | (v>>11&1)<<10 | v>>12, (v>>8&7)<<12 | rd<<8 | v&0xff}
}

func MovT(rd uint16, v uint16) Ins {
	return Ins{0xf2c0 | (v>>11&1)<<10 | v>>12, (v>>8&7)<<12 | rd<<8 | v&0xff}
}

// MoveConst returns the shortest sequence loading v.
func MoveConst(rd uint16, v uint32) []Ins {
	if i, ok := MovImm(rd, v); ok {
		return []Ins{i}
	}
	if i, ok := MvnImm(rd, ^v); ok {
		return []Ins{i}
	}
	out := []Ins{MovW(rd, uint16(v))}
	if v>>16 != 0 {
		out = append(out, MovT(rd, uint16(v>>16)))
	}
	return out
}

// Shift types.
const (
	LSL uint16 = iota
	LSR
	ASR
	ROR
)

func shifted(base uint16, rd, rn, rm, typ, amount uint16) Ins {
	return Ins{base | rn, (amount>>2&7)<<12 | rd<<8 | (amount&3)<<6 | typ<<4 | rm}
}

func AndReg(rd, rn, rm, typ, n uint16) Ins { return shifted(0xea00, rd, rn, rm, typ, n) }
func OrrReg(rd, rn, rm, typ, n uint16) Ins { return shifted(0xea40, rd, rn, rm, typ, n) }
func EorReg(rd, rn, rm, typ, n uint16) Ins { return shifted(0xea80, rd, rn, rm, typ, n) }
func AddReg(rd, rn, rm, typ, n uint16) Ins { return shifted(0xeb00, rd, rn, rm, typ, n) }
func SubReg(rd, rn, rm, typ, n uint16) Ins { return shifted(0xeba0, rd, rn, rm, typ, n) }
func CmpReg(rn, rm uint16) Ins             { return shifted(0xebb0, PC, rn, rm, LSL, 0) }
func Mov(rd, rm uint16) Ins                { return shifted(0xea40, rd, PC, rm, LSL, 0) }
func Mvn(rd, rm uint16) Ins                { return shifted(0xea60, rd, PC, rm, LSL, 0) }

// ShiftImm is MOV rd, rm, <typ> #n. An amount of zero must be encoded as
// a plain move, since it means 32 for LSR and ASR.
func ShiftImm(rd, rm, typ, n uint16) Ins { return shifted(0xea40, rd, PC, rm, typ, n&31) }

// ShiftReg shifts rn by the low byte of rm.
func ShiftReg(rd, rn, rm, typ uint16) Ins {
	return Ins{0xfa00 | typ<<5 | rn, 0xf000 | rd<<8 | rm}
}

func Mul(rd, rn, rm uint16) Ins     { return Ins{0xfb00 | rn, 0xf000 | rd<<8 | rm} }
func Mla(rd, rn, rm, ra uint16) Ins { return Ins{0xfb00 | rn, ra<<12 | rd<<8 | rm} }
func Mls(rd, rn, rm, ra uint16) Ins { return Ins{0xfb00 | rn, ra<<12 | rd<<8 | 0x10 | rm} }
func Sdiv(rd, rn, rm uint16) Ins    { return Ins{0xfb90 | rn, 0xf0f0 | rd<<8 | rm} }

func Sxtb(rd, rm uint16) Ins { return Ins{0xfa4f, 0xf080 | rd<<8 | rm} }
func Uxtb(rd, rm uint16) Ins { return Ins{0xfa5f, 0xf080 | rd<<8 | rm} }
func Sxth(rd, rm uint16) Ins { return Ins{0xfa0f, 0xf080 | rd<<8 | rm} }
func Uxth(rd, rm uint16) Ins { return Ins{0xfa1f, 0xf080 | rd<<8 | rm} }

// Access is a load or store opcode; the low four bits take rn.
type Access uint16

const (
	Strb  Access = 0xf800
	Strh  Access = 0xf820
	Str   Access = 0xf840
	Ldrb  Access = 0xf810
	Ldrh  Access = 0xf830
	Ldr   Access = 0xf850
	Ldrsb Access = 0xf910
	Ldrsh Access = 0xf930
)

// LdSt encodes [rn, #off] with the 12-bit positive or the 8-bit negative
// offset form.
func LdSt(a Access, rt, rn uint16, off int64) (Ins, bool) {
	switch {
	case off >= 0 && off < 4096:
		return Ins{uint16(a) | 0x80 | rn, rt<<12 | uint16(off)}, true
	case off < 0 && off > -256:
		return Ins{uint16(a) | rn, rt<<12 | 0xc00 | uint16(-off)}, true
	}
	return Ins{}, false
}

// LdStReg encodes [rn, rm, lsl #shift].
func LdStReg(a Access, rt, rn, rm, shift uint16) Ins {
	return Ins{uint16(a) | rn, rt<<12 | (shift&3)<<4 | rm}
}

// PushW and PopW move a register list of at least two registers.
func PushW(list uint16) Ins { return Ins{0xe92d, list} }
func PopW(list uint16) Ins  { return Ins{0xe8bd, list} }

// PushOne and PopOne move a single register.
func PushOne(rt uint16) Ins { return Ins{0xf84d, rt<<12 | 0xd04} }
func PopOne(rt uint16) Ins  { return Ins{0xf85d, rt<<12 | 0xb04} }

// Tbh branches forward by twice the halfword at [pc, rm, lsl #1]; the
// table follows the instruction.
func Tbh(rm uint16) Ins { return Ins{0xe8df, 0xf010 | rm} }

// Branch templates; displacements come from fixups.
var (
	BW = Ins{0xf000, 0x9000}
	BL = Ins{0xf000, 0xd000}
	// AdrW is ADDW rd, pc, #0.
	AdrW = Ins{0xf20f, 0}
)

func BCond(c Cond) Ins { return Ins{0xf000 | uint16(c)<<6, 0x8000} }

const (
	BxLR uint16 = 0x4770
	Nop  uint16 = 0xbf00
)

func Blx(rm uint16) uint16 { return 0x4780 | rm<<3 }

// IT opens an if-then block; ITE when elseToo is set.
func IT(c Cond, elseToo bool) uint16 {
	mask := uint16(0x8)
	if elseToo {
		mask = (^uint16(c)&1)<<3 | 0x4
	}
	return 0xbf00 | uint16(c)<<4 | mask
}

// Fixup kinds.
const (
	// Branch24 is B.W.
	Branch24 asm.FixupKind = iota
	// Branch20 is the conditional B<c>.W.
	Branch20
	// Adr12 is the forward ADR.W offset from the aligned pc.
	Adr12
	// Table16 is a TBH entry: half the distance from the table start.
	Table16
)

func read(code []byte, at int) Ins {
	return Ins{binary.LittleEndian.Uint16(code[at:]), binary.LittleEndian.Uint16(code[at+2:])}
}

func write(code []byte, at int, i Ins) {
	binary.LittleEndian.PutUint16(code[at:], i.Hw1)
	binary.LittleEndian.PutUint16(code[at+2:], i.Hw2)
}

// Resolve writes one fixup. dist is measured from the instruction; the
// pc reads as the instruction address plus 4.
func Resolve(code []byte, f asm.Fixup, dist int) error {
	at := f.At
	d := int64(dist)
	switch f.Kind {
	case Branch24:
		d -= 4
		if d&1 != 0 || !asm.FitsSigned(d, 25) {
			return fmt.Errorf("%w: b.w %d", asm.ErrBranchRange, d)
		}
		s := uint16(d>>24) & 1
		j1 := ^(uint16(d>>23) ^ s) & 1
		j2 := ^(uint16(d>>22) ^ s) & 1
		i := read(code, at)
		i.Hw1 |= s<<10 | uint16(d>>12)&0x3ff
		i.Hw2 |= j1<<13 | j2<<11 | uint16(d>>1)&0x7ff
		write(code, at, i)
	case Branch20:
		d -= 4
		if d&1 != 0 || !asm.FitsSigned(d, 21) {
			return fmt.Errorf("%w: b<c>.w %d", asm.ErrBranchRange, d)
		}
		i := read(code, at)
		i.Hw1 |= (uint16(d>>20)&1)<<10 | uint16(d>>12)&0x3f
		i.Hw2 |= (uint16(d>>18)&1)<<13 | (uint16(d>>19)&1)<<11 | uint16(d>>1)&0x7ff
		write(code, at, i)
	case Adr12:
		base := int64((at + 4) &^ 3)
		v := int64(at) + d - base
		if v < 0 || v >= 4096 {
			return fmt.Errorf("%w: adr %d", asm.ErrBranchRange, v)
		}
		i := read(code, at)
		i.Hw1 |= uint16(v>>11&1) << 10
		i.Hw2 |= uint16(v>>8&7)<<12 | uint16(v&0xff)
		write(code, at, i)
	case Table16:
		if d < 0 || d&1 != 0 || d>>1 > 0xffff {
			return fmt.Errorf("%w: tbh %d", asm.ErrBranchRange, d)
		}
		binary.LittleEndian.PutUint16(code[at:], uint16(d>>1))
	default:
		return fmt.Errorf("thumb2: unknown fixup kind %d", f.Kind)
	}
	return nil
}
