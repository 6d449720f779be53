// Package amd64 encodes the x86-64 instructions the backend emits. Every
// function appends one instruction to an asm.Buffer; forms that reference
// a label return the offset of their displacement for the caller to fix.
package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/raymyers/ralph-oat/pkg/asm"
)

const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Cond is a condition code as it appears in Jcc, SETcc and CMOVcc.
type Cond uint8

const (
	O Cond = iota
	NO
	B
	AE
	E
	NE
	BE
	A
	S
	NS
	P
	NP
	L
	GE
	LE
	G
)

// Invert returns the opposite condition.
func (c Cond) Invert() Cond { return c ^ 1 }

// Mem is a memory operand.
type Mem struct {
	Base     int
	Index    int
	HasIndex bool
	// Shift scales the index by 1<<Shift.
	Shift uint8
	Disp  int32
	// GS makes the operand the absolute gs:[Disp], which is how the
	// runtime thread is reached.
	GS bool
}

func Ptr(base int, disp int32) Mem { return Mem{Base: base, Disp: disp} }

func PtrIndex(base, index int, shift uint8, disp int32) Mem {
	return Mem{Base: base, Index: index, HasIndex: true, Shift: shift, Disp: disp}
}

func GS(disp int32) Mem { return Mem{GS: true, Disp: disp} }

// form carries the prefixes of one encoding.
type form struct {
	w   bool
	o16 bool
	// b8 marks byte registers; spl, bpl, sil and dil need a REX prefix.
	b8  bool
	rep bool
}

func rexByte(w bool, r, x, b int) byte {
	p := byte(0x40)
	if w {
		p |= 8
	}
	p |= byte(r>>3&1)<<2 | byte(x>>3&1)<<1 | byte(b>>3&1)
	return p
}

func lowByteReg(r int) bool { return r >= RSP && r <= RDI }

func prefixes(buf *asm.Buffer, f form) {
	if f.o16 {
		buf.Emit8(0x66)
	}
	if f.rep {
		buf.Emit8(0xf3)
	}
}

// rr encodes op with a register-direct ModRM.
func rr(buf *asm.Buffer, f form, op []byte, reg, rm int) {
	prefixes(buf, f)
	rex := rexByte(f.w, reg, 0, rm)
	if rex != 0x40 || (f.b8 && (lowByteReg(reg) || lowByteReg(rm))) {
		buf.Emit8(rex)
	}
	buf.EmitBytes(op...)
	buf.Emit8(0xc0 | byte(reg&7)<<3 | byte(rm&7))
}

// rm encodes op with a memory ModRM.
func rm(buf *asm.Buffer, f form, op []byte, reg int, m Mem) {
	if m.GS {
		buf.Emit8(0x65)
	}
	prefixes(buf, f)
	index := 0
	if m.HasIndex {
		index = m.Index
	}
	base := m.Base
	if m.GS {
		base = 0
	}
	rex := rexByte(f.w, reg, index, base)
	if rex != 0x40 || (f.b8 && lowByteReg(reg)) {
		buf.Emit8(rex)
	}
	buf.EmitBytes(op...)
	modrm(buf, reg, m)
}

func modrm(buf *asm.Buffer, reg int, m Mem) {
	r := byte(reg&7) << 3
	if m.GS {
		// mod 00, rm 100, SIB with no base and no index: [disp32].
		buf.Emit8(r | 4)
		buf.Emit8(0x25)
		buf.Emit32(uint32(m.Disp))
		return
	}
	var mod byte
	switch {
	case m.Disp == 0 && m.Base&7 != RBP:
		mod = 0
	case m.Disp >= -128 && m.Disp <= 127:
		mod = 0x40
	default:
		mod = 0x80
	}
	if m.HasIndex || m.Base&7 == RSP {
		index := byte(4)
		if m.HasIndex {
			index = byte(m.Index & 7)
		}
		buf.Emit8(mod | r | 4)
		buf.Emit8(m.Shift<<6 | index<<3 | byte(m.Base&7))
	} else {
		buf.Emit8(mod | r | byte(m.Base&7))
	}
	switch mod {
	case 0x40:
		buf.Emit8(uint8(m.Disp))
	case 0x80:
		buf.Emit32(uint32(m.Disp))
	}
}

func MovRR(buf *asm.Buffer, w bool, dst, src int) {
	rr(buf, form{w: w}, []byte{0x89}, src, dst)
}

// MovImm loads v with the shortest form: xor for zero, a 32-bit move when
// v zero-extends, a sign-extended imm32, or movabs.
func MovImm(buf *asm.Buffer, w bool, dst int, v int64) {
	if !w {
		v = int64(uint32(v))
	}
	switch {
	case v == 0:
		rr(buf, form{}, []byte{0x31}, dst, dst)
	case v > 0 && v <= 0xffffffff:
		if dst >= R8 {
			buf.Emit8(0x41)
		}
		buf.Emit8(0xb8 | byte(dst&7))
		buf.Emit32(uint32(v))
	case v >= -1<<31 && v < 0:
		rr(buf, form{w: true}, []byte{0xc7}, 0, dst)
		buf.Emit32(uint32(v))
	default:
		buf.Emit8(rexByte(true, 0, 0, dst))
		buf.Emit8(0xb8 | byte(dst&7))
		buf.Emit64(uint64(v))
	}
}

// Load reads size bytes into dst, widening as signed says. A 4-byte
// signed load into a 64-bit register uses movsxd.
func Load(buf *asm.Buffer, size int, signed, w bool, dst int, m Mem) {
	switch size {
	case 1:
		op := byte(0xb6)
		if signed {
			op = 0xbe
		}
		rm(buf, form{}, []byte{0x0f, op}, dst, m)
	case 2:
		op := byte(0xb7)
		if signed {
			op = 0xbf
		}
		rm(buf, form{}, []byte{0x0f, op}, dst, m)
	case 4:
		if signed && w {
			rm(buf, form{w: true}, []byte{0x63}, dst, m)
		} else {
			rm(buf, form{}, []byte{0x8b}, dst, m)
		}
	default:
		rm(buf, form{w: true}, []byte{0x8b}, dst, m)
	}
}

// Store writes the low size bytes of src.
func Store(buf *asm.Buffer, size int, src int, m Mem) {
	switch size {
	case 1:
		rm(buf, form{b8: true}, []byte{0x88}, src, m)
	case 2:
		rm(buf, form{o16: true}, []byte{0x89}, src, m)
	case 4:
		rm(buf, form{}, []byte{0x89}, src, m)
	default:
		rm(buf, form{w: true}, []byte{0x89}, src, m)
	}
}

func Lea(buf *asm.Buffer, w bool, dst int, m Mem) {
	rm(buf, form{w: w}, []byte{0x8d}, dst, m)
}

// LeaRIP encodes lea dst, [rip+disp32] and returns the displacement's
// offset for a Rel32 fixup.
func LeaRIP(buf *asm.Buffer, dst int) int {
	buf.Emit8(rexByte(true, dst, 0, 0))
	buf.Emit8(0x8d)
	buf.Emit8(byte(dst&7)<<3 | 5)
	at := buf.Len()
	buf.Emit32(0)
	return at
}

// Alu is a group-1 arithmetic operation.
type Alu uint8

const (
	Add Alu = 0
	Or  Alu = 1
	And Alu = 4
	Sub Alu = 5
	Xor Alu = 6
	Cmp Alu = 7
)

// AluRR computes dst = dst op src.
func AluRR(buf *asm.Buffer, op Alu, w bool, dst, src int) {
	rr(buf, form{w: w}, []byte{byte(op)<<3 | 1}, src, dst)
}

func AluImm(buf *asm.Buffer, op Alu, w bool, dst int, v int32) {
	if v >= -128 && v <= 127 {
		rr(buf, form{w: w}, []byte{0x83}, int(op), dst)
		buf.Emit8(uint8(v))
		return
	}
	rr(buf, form{w: w}, []byte{0x81}, int(op), dst)
	buf.Emit32(uint32(v))
}

// CmpMemImm compares the 32-bit word at m with an 8-bit immediate.
func CmpMemImm(buf *asm.Buffer, m Mem, v int8) {
	rm(buf, form{}, []byte{0x83}, int(Cmp), m)
	buf.Emit8(uint8(v))
}

func Test(buf *asm.Buffer, w bool, a, b int) {
	rr(buf, form{w: w}, []byte{0x85}, b, a)
}

// TestMem reads m; the stack probe uses it to touch the guard area.
func TestMem(buf *asm.Buffer, reg int, m Mem) {
	rm(buf, form{}, []byte{0x85}, reg, m)
}

func Imul(buf *asm.Buffer, w bool, dst, src int) {
	rr(buf, form{w: w}, []byte{0x0f, 0xaf}, dst, src)
}

// ImulImm computes dst = src * v.
func ImulImm(buf *asm.Buffer, w bool, dst, src int, v int32) {
	if v >= -128 && v <= 127 {
		rr(buf, form{w: w}, []byte{0x6b}, dst, src)
		buf.Emit8(uint8(v))
		return
	}
	rr(buf, form{w: w}, []byte{0x69}, dst, src)
	buf.Emit32(uint32(v))
}

// Unary is a group-3 operation on one register.
type Unary uint8

const (
	Not  Unary = 2
	Neg  Unary = 3
	Idiv Unary = 7
)

func UnaryR(buf *asm.Buffer, op Unary, w bool, r int) {
	rr(buf, form{w: w}, []byte{0xf7}, int(op), r)
}

// Cdq sign-extends eax into edx, or rax into rdx (cqo) when w is set.
func Cdq(buf *asm.Buffer, w bool) {
	if w {
		buf.Emit8(0x48)
	}
	buf.Emit8(0x99)
}

// Shift is a group-2 rotate or shift.
type Shift uint8

const (
	Rol Shift = 0
	Ror Shift = 1
	Shl Shift = 4
	Shr Shift = 5
	Sar Shift = 7
)

// ShiftCL shifts r by cl.
func ShiftCL(buf *asm.Buffer, op Shift, w bool, r int) {
	rr(buf, form{w: w}, []byte{0xd3}, int(op), r)
}

func ShiftImm(buf *asm.Buffer, op Shift, w bool, r int, n uint8) {
	rr(buf, form{w: w}, []byte{0xc1}, int(op), r)
	buf.Emit8(n)
}

// Movsx sign-extends the low from bytes of src into dst.
func Movsx(buf *asm.Buffer, w bool, dst, src, from int) {
	switch from {
	case 1:
		rr(buf, form{w: w, b8: true}, []byte{0x0f, 0xbe}, dst, src)
	case 2:
		rr(buf, form{w: w}, []byte{0x0f, 0xbf}, dst, src)
	default:
		rr(buf, form{w: true}, []byte{0x63}, dst, src)
	}
}

// Movzx zero-extends the low from bytes of src into dst.
func Movzx(buf *asm.Buffer, dst, src, from int) {
	op := byte(0xb7)
	f := form{}
	if from == 1 {
		op, f.b8 = 0xb6, true
	}
	rr(buf, f, []byte{0x0f, op}, dst, src)
}

func Setcc(buf *asm.Buffer, c Cond, r int) {
	rr(buf, form{b8: true}, []byte{0x0f, 0x90 | byte(c)}, 0, r)
}

func Cmov(buf *asm.Buffer, c Cond, w bool, dst, src int) {
	rr(buf, form{w: w}, []byte{0x0f, 0x40 | byte(c)}, dst, src)
}

func Popcnt(buf *asm.Buffer, w bool, dst, src int) {
	rr(buf, form{w: w, rep: true}, []byte{0x0f, 0xb8}, dst, src)
}

func Push(buf *asm.Buffer, r int) {
	if r >= R8 {
		buf.Emit8(0x41)
	}
	buf.Emit8(0x50 | byte(r&7))
}

func Pop(buf *asm.Buffer, r int) {
	if r >= R8 {
		buf.Emit8(0x41)
	}
	buf.Emit8(0x58 | byte(r&7))
}

func Ret(buf *asm.Buffer) { buf.Emit8(0xc3) }

// Jmp, Jcc and Call emit rel32 forms and return the displacement's
// offset.
func Jmp(buf *asm.Buffer) int {
	buf.Emit8(0xe9)
	return rel32(buf)
}

func Jcc(buf *asm.Buffer, c Cond) int {
	buf.Emit8(0x0f)
	buf.Emit8(0x80 | byte(c))
	return rel32(buf)
}

func Call(buf *asm.Buffer) int {
	buf.Emit8(0xe8)
	return rel32(buf)
}

func rel32(buf *asm.Buffer) int {
	at := buf.Len()
	buf.Emit32(0)
	return at
}

func CallMem(buf *asm.Buffer, m Mem) { rm(buf, form{}, []byte{0xff}, 2, m) }
func JmpMem(buf *asm.Buffer, m Mem)  { rm(buf, form{}, []byte{0xff}, 4, m) }
func JmpReg(buf *asm.Buffer, r int)  { rr(buf, form{}, []byte{0xff}, 4, r) }

// Fixup kinds.
const (
	// Rel32 is a displacement measured from the end of its own field.
	Rel32 asm.FixupKind = iota
	// Table32 is a switch-table entry relative to the table start.
	Table32
)

// Resolve writes one fixup.
func Resolve(code []byte, f asm.Fixup, dist int) error {
	d := int64(dist)
	if f.Kind == Rel32 {
		d -= 4
	}
	if !asm.FitsSigned(d, 32) {
		return fmt.Errorf("%w: rel32 %d", asm.ErrBranchRange, d)
	}
	switch f.Kind {
	case Rel32, Table32:
		binary.LittleEndian.PutUint32(code[f.At:], uint32(int32(d)))
		return nil
	}
	return fmt.Errorf("amd64: unknown fixup kind %d", f.Kind)
}
