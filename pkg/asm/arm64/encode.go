// Package arm64 encodes A64 instructions. Encoders return the instruction
// word; register operands are hardware numbers, where 31 is the stack
// pointer or the zero register depending on the instruction.
package arm64

import (
	"fmt"

	"github.com/raymyers/ralph-oat/pkg/asm"
)

const (
	SP  = 31
	ZR  = 31
	IP0 = 16
	IP1 = 17
	LR  = 30
)

// Cond is an A64 condition code.
type Cond uint32

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
)

func (c Cond) Invert() Cond { return c ^ 1 }

func sf(is64 bool) uint32 {
	if is64 {
		return 1 << 31
	}
	return 0
}

func enc(rd, rn uint32) uint32 { return rn<<5 | rd }

// FitsAddImm reports whether v is an ADD/SUB immediate: 12 bits,
// optionally shifted left by 12.
func FitsAddImm(v int64) bool {
	return v >= 0 && (v < 1<<12 || (v&0xfff == 0 && v < 1<<24))
}

func addSubImm(base uint32, is64 bool, rd, rn uint32, imm int64) uint32 {
	if imm >= 1<<12 {
		return base | sf(is64) | 1<<22 | uint32(imm>>12)<<10 | enc(rd, rn)
	}
	return base | sf(is64) | uint32(imm)<<10 | enc(rd, rn)
}

func AddImm(is64 bool, rd, rn uint32, imm int64) uint32 {
	return addSubImm(0x11000000, is64, rd, rn, imm)
}

func SubImm(is64 bool, rd, rn uint32, imm int64) uint32 {
	return addSubImm(0x51000000, is64, rd, rn, imm)
}

func CmpImm(is64 bool, rn uint32, imm int64) uint32 {
	return addSubImm(0x71000000, is64, ZR, rn, imm)
}

func CmnImm(is64 bool, rn uint32, imm int64) uint32 {
	return addSubImm(0x31000000, is64, ZR, rn, imm)
}

// Shift kinds of the shifted-register forms.
const (
	LSL uint32 = iota
	LSR
	ASR
	ROR
)

func shifted(base uint32, is64 bool, rd, rn, rm, shift, amount uint32) uint32 {
	return base | sf(is64) | shift<<22 | rm<<16 | (amount&63)<<10 | enc(rd, rn)
}

func AddReg(is64 bool, rd, rn, rm, shift, amount uint32) uint32 {
	return shifted(0x0b000000, is64, rd, rn, rm, shift, amount)
}

func SubReg(is64 bool, rd, rn, rm, shift, amount uint32) uint32 {
	return shifted(0x4b000000, is64, rd, rn, rm, shift, amount)
}

func CmpReg(is64 bool, rn, rm uint32) uint32 {
	return shifted(0x6b000000, is64, ZR, rn, rm, LSL, 0)
}

func AndReg(is64 bool, rd, rn, rm, shift, amount uint32) uint32 {
	return shifted(0x0a000000, is64, rd, rn, rm, shift, amount)
}

func OrrReg(is64 bool, rd, rn, rm, shift, amount uint32) uint32 {
	return shifted(0x2a000000, is64, rd, rn, rm, shift, amount)
}

func EorReg(is64 bool, rd, rn, rm, shift, amount uint32) uint32 {
	return shifted(0x4a000000, is64, rd, rn, rm, shift, amount)
}

// Mvn is ORN rd, zr, rm.
func Mvn(is64 bool, rd, rm uint32) uint32 {
	return shifted(0x2a200000, is64, rd, ZR, rm, LSL, 0)
}

func Neg(is64 bool, rd, rm, shift, amount uint32) uint32 {
	return SubReg(is64, rd, ZR, rm, shift, amount)
}

// Mov copies a register; neither operand may be SP.
func Mov(is64 bool, rd, rm uint32) uint32 { return OrrReg(is64, rd, ZR, rm, LSL, 0) }

// Extend options of the extended-register forms.
const (
	UXTW uint32 = 2
	UXTX uint32 = 3
	SXTW uint32 = 6
)

func AddExt(is64 bool, rd, rn, rm, option, amount uint32) uint32 {
	return 0x0b200000 | sf(is64) | rm<<16 | option<<13 | (amount&7)<<10 | enc(rd, rn)
}

func SubExt(is64 bool, rd, rn, rm, option, amount uint32) uint32 {
	return 0x4b200000 | sf(is64) | rm<<16 | option<<13 | (amount&7)<<10 | enc(rd, rn)
}

func Madd(is64 bool, rd, rn, rm, ra uint32) uint32 {
	return 0x1b000000 | sf(is64) | rm<<16 | ra<<10 | enc(rd, rn)
}

func Msub(is64 bool, rd, rn, rm, ra uint32) uint32 {
	return 0x1b008000 | sf(is64) | rm<<16 | ra<<10 | enc(rd, rn)
}

func Mul(is64 bool, rd, rn, rm uint32) uint32 { return Madd(is64, rd, rn, rm, ZR) }

func Sdiv(is64 bool, rd, rn, rm uint32) uint32 {
	return 0x1ac00c00 | sf(is64) | rm<<16 | enc(rd, rn)
}

// Variable shifts; the amount is taken modulo the register width.
func Lslv(is64 bool, rd, rn, rm uint32) uint32 { return 0x1ac02000 | sf(is64) | rm<<16 | enc(rd, rn) }
func Lsrv(is64 bool, rd, rn, rm uint32) uint32 { return 0x1ac02400 | sf(is64) | rm<<16 | enc(rd, rn) }
func Asrv(is64 bool, rd, rn, rm uint32) uint32 { return 0x1ac02800 | sf(is64) | rm<<16 | enc(rd, rn) }
func Rorv(is64 bool, rd, rn, rm uint32) uint32 { return 0x1ac02c00 | sf(is64) | rm<<16 | enc(rd, rn) }

func bitfield(base uint32, is64 bool, rd, rn, immr, imms uint32) uint32 {
	n := uint32(0)
	if is64 {
		n = 1 << 22
	}
	return base | sf(is64) | n | immr<<16 | imms<<10 | enc(rd, rn)
}

func Ubfm(is64 bool, rd, rn, immr, imms uint32) uint32 {
	return bitfield(0x53000000, is64, rd, rn, immr, imms)
}

func Sbfm(is64 bool, rd, rn, immr, imms uint32) uint32 {
	return bitfield(0x13000000, is64, rd, rn, immr, imms)
}

func width(is64 bool) uint32 {
	if is64 {
		return 64
	}
	return 32
}

func LslImm(is64 bool, rd, rn, s uint32) uint32 {
	w := width(is64)
	s &= w - 1
	return Ubfm(is64, rd, rn, (w-s)&(w-1), w-1-s)
}

func LsrImm(is64 bool, rd, rn, s uint32) uint32 {
	w := width(is64)
	return Ubfm(is64, rd, rn, s&(w-1), w-1)
}

func AsrImm(is64 bool, rd, rn, s uint32) uint32 {
	w := width(is64)
	return Sbfm(is64, rd, rn, s&(w-1), w-1)
}

// RorImm is EXTR rd, rn, rn, #s.
func RorImm(is64 bool, rd, rn, s uint32) uint32 {
	n := uint32(0)
	if is64 {
		n = 1 << 22
	}
	return 0x13800000 | sf(is64) | n | rn<<16 | (s&(width(is64)-1))<<10 | enc(rd, rn)
}

func Sxtb(rd, rn uint32) uint32 { return Sbfm(false, rd, rn, 0, 7) }
func Sxth(rd, rn uint32) uint32 { return Sbfm(false, rd, rn, 0, 15) }
func Uxtb(rd, rn uint32) uint32 { return Ubfm(false, rd, rn, 0, 7) }
func Uxth(rd, rn uint32) uint32 { return Ubfm(false, rd, rn, 0, 15) }
func Sxtw(rd, rn uint32) uint32 { return Sbfm(true, rd, rn, 0, 31) }

func Csel(is64 bool, rd, rn, rm uint32, c Cond) uint32 {
	return 0x1a800000 | sf(is64) | rm<<16 | uint32(c)<<12 | enc(rd, rn)
}

// Cset is CSINC rd, zr, zr, !c.
func Cset(rd uint32, c Cond) uint32 {
	return 0x1a800400 | ZR<<16 | uint32(c.Invert())<<12 | enc(rd, ZR)
}

func Movz(is64 bool, rd uint32, imm uint16, hw uint32) uint32 {
	return 0x52800000 | sf(is64) | hw<<21 | uint32(imm)<<5 | rd
}

func Movk(is64 bool, rd uint32, imm uint16, hw uint32) uint32 {
	return 0x72800000 | sf(is64) | hw<<21 | uint32(imm)<<5 | rd
}

func Movn(is64 bool, rd uint32, imm uint16, hw uint32) uint32 {
	return 0x12800000 | sf(is64) | hw<<21 | uint32(imm)<<5 | rd
}

// MoveWide returns the shortest MOVZ/MOVN + MOVK sequence for v.
func MoveWide(is64 bool, rd uint32, v int64) []uint32 {
	halves := 2
	if is64 {
		halves = 4
	} else {
		v = int64(uint32(v))
	}
	var zeros, ones int
	for i := 0; i < halves; i++ {
		switch uint16(v >> (16 * i)) {
		case 0:
			zeros++
		case 0xffff:
			ones++
		}
	}
	fill, first := uint16(0), Movz
	if ones > zeros {
		fill, first = 0xffff, Movn
	}
	var out []uint32
	for i := 0; i < halves; i++ {
		h := uint16(v >> (16 * i))
		if h == fill {
			continue
		}
		if out == nil {
			if fill == 0xffff {
				h = ^h
			}
			out = append(out, first(is64, rd, h, uint32(i)))
			continue
		}
		out = append(out, Movk(is64, rd, h, uint32(i)))
	}
	if out == nil {
		out = append(out, first(is64, rd, 0, 0))
	}
	return out
}

// Load/store access descriptors: size is log2 of the width, opc selects
// store (0), zero-extending load (1), sign-extending load to 64 (2) or
// to 32 bits (3).
type Access struct {
	Size uint32
	Opc  uint32
}

var (
	StrB  = Access{0, 0}
	StrH  = Access{1, 0}
	StrW  = Access{2, 0}
	StrX  = Access{3, 0}
	LdrB  = Access{0, 1}
	LdrH  = Access{1, 1}
	LdrW  = Access{2, 1}
	LdrX  = Access{3, 1}
	LdrSB = Access{0, 3}
	LdrSH = Access{1, 3}
)

// LdSt encodes [rn, #off] with a scaled unsigned or an unscaled signed
// offset. It reports false when neither form fits.
func LdSt(a Access, rt, rn uint32, off int64) (uint32, bool) {
	scale := int64(1) << a.Size
	if off >= 0 && off%scale == 0 && off/scale < 1<<12 {
		return 0x39000000 | a.Size<<30 | a.Opc<<22 | uint32(off/scale)<<10 | enc(rt, rn), true
	}
	if off >= -256 && off < 256 {
		return 0x38000000 | a.Size<<30 | a.Opc<<22 | (uint32(off)&0x1ff)<<12 | enc(rt, rn), true
	}
	return 0, false
}

// LdStReg encodes [rn, rm, option #shift]; shifted scales rm by the
// access size.
func LdStReg(a Access, rt, rn, rm, option uint32, shifted bool) uint32 {
	s := uint32(0)
	if shifted {
		s = 1
	}
	return 0x38200800 | a.Size<<30 | a.Opc<<22 | rm<<16 | option<<13 | s<<12 | enc(rt, rn)
}

// Stp and Ldp move a pair of X registers at [rn, #off].
func Stp(rt, rt2, rn uint32, off int64) (uint32, bool) {
	if off%8 != 0 || off < -512 || off > 504 {
		return 0, false
	}
	return 0xa9000000 | (uint32(off/8)&0x7f)<<15 | rt2<<10 | enc(rt, rn), true
}

func Ldp(rt, rt2, rn uint32, off int64) (uint32, bool) {
	if off%8 != 0 || off < -512 || off > 504 {
		return 0, false
	}
	return 0xa9400000 | (uint32(off/8)&0x7f)<<15 | rt2<<10 | enc(rt, rn), true
}

// Branches; displacements are filled by fixups.
const (
	B      uint32 = 0x14000000
	BL     uint32 = 0x94000000
	Ret    uint32 = 0xd65f03c0
	LdrLit uint32 = 0x58000000
	Adr    uint32 = 0x10000000
)

func BCond(c Cond) uint32 { return 0x54000000 | uint32(c) }

func Cbz(is64 bool, rt uint32) uint32  { return 0x34000000 | sf(is64) | rt }
func Cbnz(is64 bool, rt uint32) uint32 { return 0x35000000 | sf(is64) | rt }

func Br(rn uint32) uint32  { return 0xd61f0000 | rn<<5 }
func Blr(rn uint32) uint32 { return 0xd63f0000 | rn<<5 }

// LdrLiteral loads a 32- or 64-bit literal; the offset is a fixup.
func LdrLiteral(is64 bool, rt uint32) uint32 {
	if is64 {
		return 0x58000000 | rt
	}
	return 0x18000000 | rt
}

// Population count through the SIMD unit, using v16.
const simd = 16

func FmovToD(rn uint32) uint32 { return 0x9e670000 | enc(simd, rn) }
func FmovToS(rn uint32) uint32 { return 0x1e270000 | enc(simd, rn) }
func Cnt8B() uint32            { return 0x0e205800 | enc(simd, simd) }
func Addv8B() uint32           { return 0x0e31b800 | enc(simd, simd) }
func FmovFromS(rd uint32) uint32 {
	return 0x1e260000 | enc(rd, simd)
}

// EncodeBitmask finds the N:immr:imms encoding of a logical immediate, or
// reports false.
func EncodeBitmask(v uint64, is64 bool) (n, immr, imms uint32, ok bool) {
	if !is64 {
		v = uint64(uint32(v)) | uint64(uint32(v))<<32
	}
	if v == 0 || v == ^uint64(0) {
		return 0, 0, 0, false
	}
	size := uint32(64)
	for size > 2 {
		half := size / 2
		mask := uint64(1)<<half - 1
		if v&mask != (v>>half)&mask {
			break
		}
		size = half
	}
	var elem uint64
	if size == 64 {
		elem = v
	} else {
		elem = v & (uint64(1)<<size - 1)
	}
	// Rotate until the run of ones starts at bit 0.
	rot := uint32(0)
	for ; rot < size; rot++ {
		r := rotr(elem, rot, size)
		if r&1 == 1 && r>>(size-1)&1 == 0 {
			ones := trailingOnes(r)
			if r>>ones == 0 {
				immr = (size - rot) % size
				imms = ((^(size*2 - 1)) & 0x3f) | (uint32(ones) - 1)
				if size == 64 {
					n = 1
					imms = uint32(ones) - 1
				}
				return n, immr, imms & 0x3f, true
			}
			return 0, 0, 0, false
		}
	}
	return 0, 0, 0, false
}

func rotr(v uint64, r, size uint32) uint64 {
	if r == 0 {
		return v
	}
	mask := ^uint64(0)
	if size < 64 {
		mask = uint64(1)<<size - 1
	}
	return ((v >> r) | (v << (size - r))) & mask
}

func trailingOnes(v uint64) int {
	n := 0
	for v&1 == 1 {
		n++
		v >>= 1
	}
	return n
}

func logicalImm(base uint32, is64 bool, rd, rn uint32, v int64) (uint32, bool) {
	n, immr, imms, ok := EncodeBitmask(uint64(v), is64)
	if !ok {
		return 0, false
	}
	return base | sf(is64) | n<<22 | immr<<16 | imms<<10 | enc(rd, rn), true
}

func AndImm(is64 bool, rd, rn uint32, v int64) (uint32, bool) {
	return logicalImm(0x12000000, is64, rd, rn, v)
}

func OrrImm(is64 bool, rd, rn uint32, v int64) (uint32, bool) {
	return logicalImm(0x32000000, is64, rd, rn, v)
}

func EorImm(is64 bool, rd, rn uint32, v int64) (uint32, bool) {
	return logicalImm(0x52000000, is64, rd, rn, v)
}

// Fixup kinds.
const (
	// Branch26 is the imm26 of B and BL.
	Branch26 asm.FixupKind = iota
	// Branch19 is the imm19 of B.cond, CBZ/CBNZ and LDR literal.
	Branch19
	// Adr21 is the split immediate of ADR.
	Adr21
	// Table32 is a signed 32-bit table entry relative to the table start.
	Table32
)

// Resolve writes one fixup.
func Resolve(code []byte, f asm.Fixup, dist int) error {
	at := f.At
	word := uint32(code[at]) | uint32(code[at+1])<<8 | uint32(code[at+2])<<16 | uint32(code[at+3])<<24
	d := int64(dist)
	switch f.Kind {
	case Branch26:
		if d&3 != 0 || !asm.FitsSigned(d>>2, 26) {
			return fmt.Errorf("%w: b %d", asm.ErrBranchRange, d)
		}
		word |= uint32(d>>2) & 0x3ffffff
	case Branch19:
		if d&3 != 0 || !asm.FitsSigned(d>>2, 19) {
			return fmt.Errorf("%w: b.cond %d", asm.ErrBranchRange, d)
		}
		word |= (uint32(d>>2) & 0x7ffff) << 5
	case Adr21:
		if !asm.FitsSigned(d, 21) {
			return fmt.Errorf("%w: adr %d", asm.ErrBranchRange, d)
		}
		word |= (uint32(d)&3)<<29 | (uint32(d>>2)&0x7ffff)<<5
	case Table32:
		word = uint32(int32(d))
	default:
		return fmt.Errorf("arm64: unknown fixup kind %d", f.Kind)
	}
	code[at], code[at+1], code[at+2], code[at+3] = byte(word), byte(word>>8), byte(word>>16), byte(word>>24)
	return nil
}
