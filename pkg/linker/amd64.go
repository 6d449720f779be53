package linker

import (
	"encoding/binary"
	"fmt"

	"github.com/raymyers/ralph-oat/pkg/config"
)

// AMD64Patcher resolves rel32 calls, measured from the end of the
// displacement. Thunks jump through r11 to an absolute address computed
// from the image base.
type AMD64Patcher struct {
	align  int
	window int64
	base   uint64
}

func NewAMD64Patcher(cfg config.Linker) *AMD64Patcher {
	p := &AMD64Patcher{align: 16, window: 1 << 30, base: cfg.ImageBase}
	if cfg.Align > 0 {
		p.align = cfg.Align
	}
	if cfg.ThunkReuseWindow > 0 {
		p.window = cfg.ThunkReuseWindow
	}
	return p
}

func (p *AMD64Patcher) Alignment() int { return p.align }
func (*AMD64Patcher) CodeDelta() int64 { return 0 }
func (*AMD64Patcher) PCBias() int64 { return 4 }
func (*AMD64Patcher) MaxPositiveDisplacement() int64 { return 1<<31 - 1 }
func (*AMD64Patcher) MaxNegativeDisplacement() int64 { return 1 << 31 }
func (*AMD64Patcher) ThunkSize() int { return 13 }
func (p *AMD64Patcher) ReuseWindow() int64 { return p.window }
func (*AMD64Patcher) Strategy() Strategy { return Fixpoint }

// ThunkCode emits MOVABS r11, imm64; JMP r11.
func (p *AMD64Patcher) ThunkCode(from, to int64) []byte {
	code := []byte{0x49, 0xbb}
	code = binary.LittleEndian.AppendUint64(code, p.base+uint64(to))
	return append(code, 0x41, 0xff, 0xe3)
}

func (p *AMD64Patcher) PatchCall(code []byte, literalOffset int, patchOffset, targetOffset int64) error {
	if literalOffset == 0 || code[literalOffset-1] != 0xe8 {
		return fmt.Errorf("amd64: no call rel32 at %#x", patchOffset)
	}
	return p.PatchPCRelative(code, literalOffset, patchOffset, targetOffset)
}

func (p *AMD64Patcher) PatchPCRelative(code []byte, literalOffset int, patchOffset, targetOffset int64) error {
	if !InRange(p, patchOffset, targetOffset) {
		return rangeError(patchOffset, targetOffset)
	}
	binary.LittleEndian.PutUint32(code[literalOffset:], uint32(int32(targetOffset-(patchOffset+4))))
	return nil
}
