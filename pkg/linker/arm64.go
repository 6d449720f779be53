package linker

import (
	"encoding/binary"
	"fmt"

	"github.com/raymyers/ralph-oat/pkg/config"
)

const (
	arm64BL    = 0x94000000
	arm64ADRP  = 0x90000000
	arm64ADDx  = 0x91000000
	arm64BRx16 = 0xd61f0200
	arm64IP0   = 16
)

// ARM64Patcher resolves BL imm26 calls. Thunks load the target address
// page-relative into x16 and branch through it.
type ARM64Patcher struct {
	align  int
	window int64
}

func NewARM64Patcher(cfg config.Linker) *ARM64Patcher {
	p := &ARM64Patcher{align: 16, window: 64 << 20}
	if cfg.Align > 0 {
		p.align = cfg.Align
	}
	if cfg.ThunkReuseWindow > 0 {
		p.window = cfg.ThunkReuseWindow
	}
	return p
}

func (p *ARM64Patcher) Alignment() int { return p.align }
func (*ARM64Patcher) CodeDelta() int64 { return 0 }
func (*ARM64Patcher) PCBias() int64 { return 0 }
func (*ARM64Patcher) MaxPositiveDisplacement() int64 { return 128<<20 - 4 }
func (*ARM64Patcher) MaxNegativeDisplacement() int64 { return 128 << 20 }
func (*ARM64Patcher) ThunkSize() int { return 12 }
func (p *ARM64Patcher) ReuseWindow() int64 { return p.window }
func (*ARM64Patcher) Strategy() Strategy { return Fixpoint }

func adrp(rd uint32, site, target int64) uint32 {
	pages := (target &^ 0xfff) - (site &^ 0xfff)
	imm := uint32(pages>>12) & 0x1fffff
	return arm64ADRP | (imm&3)<<29 | (imm>>2)<<5 | rd
}

func (*ARM64Patcher) ThunkCode(from, to int64) []byte {
	code := make([]byte, 12)
	binary.LittleEndian.PutUint32(code[0:], adrp(arm64IP0, from, to))
	binary.LittleEndian.PutUint32(code[4:], arm64ADDx|uint32(to&0xfff)<<10|arm64IP0<<5|arm64IP0)
	binary.LittleEndian.PutUint32(code[8:], arm64BRx16)
	return code
}

func (p *ARM64Patcher) PatchCall(code []byte, literalOffset int, patchOffset, targetOffset int64) error {
	insn := binary.LittleEndian.Uint32(code[literalOffset:])
	if insn&0xfc000000 != arm64BL {
		return fmt.Errorf("arm64: no BL at %#x (%#08x)", patchOffset, insn)
	}
	disp := targetOffset - patchOffset
	if disp&3 != 0 || !InRange(p, patchOffset, targetOffset) {
		return rangeError(patchOffset, targetOffset)
	}
	binary.LittleEndian.PutUint32(code[literalOffset:], arm64BL|uint32(disp>>2)&0x3ffffff)
	return nil
}

// PatchPCRelative fills an ADRP and the ADD or LDR that follows it.
func (*ARM64Patcher) PatchPCRelative(code []byte, literalOffset int, patchOffset, targetOffset int64) error {
	pages := (targetOffset &^ 0xfff) - (patchOffset &^ 0xfff)
	if pages>>12 >= 1<<20 || pages>>12 < -(1<<20) {
		return rangeError(patchOffset, targetOffset)
	}
	first := binary.LittleEndian.Uint32(code[literalOffset:])
	if first&0x9f000000 != arm64ADRP {
		return fmt.Errorf("arm64: no ADRP at %#x (%#08x)", patchOffset, first)
	}
	binary.LittleEndian.PutUint32(code[literalOffset:], adrp(first&0x1f, patchOffset, targetOffset))
	second := binary.LittleEndian.Uint32(code[literalOffset+4:])
	lo := uint32(targetOffset & 0xfff)
	if second&0x3b000000 == 0x39000000 {
		// Unsigned-offset load: the immediate is scaled by the access size.
		lo >>= second >> 30
	}
	binary.LittleEndian.PutUint32(code[literalOffset+4:], second&^(0xfff<<10)|lo<<10)
	return nil
}
