package linker

import (
	"encoding/binary"
	"fmt"

	"github.com/raymyers/ralph-oat/pkg/config"
)

const thumb2IP = 12

// Thumb2Patcher resolves 32-bit Thumb-2 BL calls. Entry points carry the
// thumb bit. Thunks build a PC-relative address in ip and branch with BX.
type Thumb2Patcher struct {
	align  int
	window int64
}

func NewThumb2Patcher(cfg config.Linker) *Thumb2Patcher {
	p := &Thumb2Patcher{align: 8, window: 8 << 20}
	if cfg.Align > 0 {
		p.align = cfg.Align
	}
	if cfg.ThunkReuseWindow > 0 {
		p.window = cfg.ThunkReuseWindow
	}
	return p
}

func (p *Thumb2Patcher) Alignment() int { return p.align }
func (*Thumb2Patcher) CodeDelta() int64 { return 1 }
func (*Thumb2Patcher) PCBias() int64 { return 4 }
func (*Thumb2Patcher) MaxPositiveDisplacement() int64 { return 16<<20 - 2 }
func (*Thumb2Patcher) MaxNegativeDisplacement() int64 { return 16 << 20 }
func (*Thumb2Patcher) ThunkSize() int { return 12 }
func (p *Thumb2Patcher) ReuseWindow() int64 { return p.window }
func (*Thumb2Patcher) Strategy() Strategy { return ReserveShrink }

func putThumb32(code []byte, off int, hw1, hw2 uint16) {
	binary.LittleEndian.PutUint16(code[off:], hw1)
	binary.LittleEndian.PutUint16(code[off+2:], hw2)
}

// movImm16 encodes MOVW (base 0xf240) or MOVT (base 0xf2c0).
func movImm16(base uint16, rd uint16, imm uint16) (uint16, uint16) {
	hw1 := base | (imm>>11&1)<<10 | imm>>12
	hw2 := (imm>>8&7)<<12 | rd<<8 | imm&0xff
	return hw1, hw2
}

// ThunkCode emits MOVW ip; MOVT ip; ADD ip, pc; BX ip. The ADD reads pc
// as its own address plus 4.
func (*Thumb2Patcher) ThunkCode(from, to int64) []byte {
	code := make([]byte, 12)
	v := uint32(to - (from + 12))
	h1, h2 := movImm16(0xf240, thumb2IP, uint16(v))
	putThumb32(code, 0, h1, h2)
	h1, h2 = movImm16(0xf2c0, thumb2IP, uint16(v>>16))
	putThumb32(code, 4, h1, h2)
	binary.LittleEndian.PutUint16(code[8:], 0x44fc)
	binary.LittleEndian.PutUint16(code[10:], 0x4760)
	return code
}

// EncodeBL returns the two halfwords of BL with displacement d.
func EncodeBL(d int64) (uint16, uint16) {
	s := uint16(d>>24) & 1
	i1 := uint16(d>>23) & 1
	i2 := uint16(d>>22) & 1
	j1 := ^(i1 ^ s) & 1
	j2 := ^(i2 ^ s) & 1
	hw1 := 0xf000 | s<<10 | uint16(d>>12)&0x3ff
	hw2 := 0xd000 | j1<<13 | j2<<11 | uint16(d>>1)&0x7ff
	return hw1, hw2
}

func (p *Thumb2Patcher) PatchCall(code []byte, literalOffset int, patchOffset, targetOffset int64) error {
	hw1 := binary.LittleEndian.Uint16(code[literalOffset:])
	hw2 := binary.LittleEndian.Uint16(code[literalOffset+2:])
	if hw1&0xf800 != 0xf000 || hw2&0xd000 != 0xd000 {
		return fmt.Errorf("thumb2: no BL at %#x", patchOffset)
	}
	if targetOffset&1 == 0 || !InRange(p, patchOffset, targetOffset) {
		return rangeError(patchOffset, targetOffset)
	}
	d := targetOffset - 1 - (patchOffset + 4)
	hw1, hw2 = EncodeBL(d)
	putThumb32(code, literalOffset, hw1, hw2)
	return nil
}

// PatchPCRelative fills a MOVW/MOVT pair followed by ADD rd, pc.
func (*Thumb2Patcher) PatchPCRelative(code []byte, literalOffset int, patchOffset, targetOffset int64) error {
	movw := binary.LittleEndian.Uint16(code[literalOffset:])
	movt := binary.LittleEndian.Uint16(code[literalOffset+4:])
	if movw&0xfbf0 != 0xf240 || movt&0xfbf0 != 0xf2c0 {
		return fmt.Errorf("thumb2: no MOVW/MOVT at %#x", patchOffset)
	}
	rd := binary.LittleEndian.Uint16(code[literalOffset+2:]) >> 8 & 0xf
	v := uint32(targetOffset - (patchOffset + 12))
	h1, h2 := movImm16(0xf240, rd, uint16(v))
	putThumb32(code, literalOffset, h1, h2)
	h1, h2 = movImm16(0xf2c0, rd, uint16(v>>16))
	putThumb32(code, literalOffset+4, h1, h2)
	return nil
}
