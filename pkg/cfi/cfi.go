// Package cfi writes the .debug_frame section for linked code: one CIE
// describing the instruction set's calling convention and one FDE per
// method built from the call-frame events the assembler recorded.
package cfi

import (
	"encoding/binary"
	"fmt"

	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/config"
)

const (
	cfaAdvanceLoc     = 0x40
	cfaOffset         = 0x80
	cfaRestore        = 0xc0
	cfaNop            = 0x00
	cfaAdvanceLoc1    = 0x02
	cfaAdvanceLoc2    = 0x03
	cfaAdvanceLoc4    = 0x04
	cfaOffsetExtended = 0x05
	cfaRestoreExt     = 0x06
	cfaRememberState  = 0x0a
	cfaRestoreState   = 0x0b
	cfaDefCFA         = 0x0c
	cfaDefCFAOffset   = 0x0e
	cfaOffsetExtSF    = 0x11

	cieID   = 0xffffffff
	version = 3
)

// isa is what the CIE says about one instruction set.
type isa struct {
	addrSize  int
	codeAlign uint64
	dataAlign int64
	ra        uint64
	sp        uint64
	// cfa is the distance from sp to the CFA at entry.
	cfa int64
	// dwarf maps machine register numbers to DWARF numbers; nil means
	// they are the same.
	dwarf []uint64
}

var isas = map[config.ISA]isa{
	config.ARM64:  {addrSize: 8, codeAlign: 4, dataAlign: -8, ra: 30, sp: 31},
	config.Thumb2: {addrSize: 4, codeAlign: 2, dataAlign: -4, ra: 14, sp: 13},
	config.AMD64: {
		addrSize: 8, codeAlign: 1, dataAlign: -8, ra: 16, sp: 7, cfa: 8,
		dwarf: []uint64{0, 2, 1, 3, 7, 6, 4, 5, 8, 9, 10, 11, 12, 13, 14, 15},
	},
}

// Writer accumulates a .debug_frame section. It is not safe for
// concurrent use.
type Writer struct {
	isa  isa
	buf  []byte
	fdes int
}

// New starts a section for an instruction set and writes its CIE at
// offset zero.
func New(target config.ISA) (*Writer, error) {
	d, ok := isas[target]
	if !ok {
		return nil, fmt.Errorf("cfi: %w: %q", config.ErrUnknownISA, target)
	}
	w := &Writer{isa: d}
	w.writeCIE()
	return w, nil
}

func (w *Writer) reg(r int) uint64 {
	if w.isa.dwarf != nil && r < len(w.isa.dwarf) {
		return w.isa.dwarf[r]
	}
	return uint64(r)
}

func (w *Writer) writeCIE() {
	var body []byte
	body = binary.LittleEndian.AppendUint32(body, cieID)
	body = append(body, version, 0) // empty augmentation
	body = binary.AppendUvarint(body, w.isa.codeAlign)
	body = appendSleb(body, w.isa.dataAlign)
	body = binary.AppendUvarint(body, w.isa.ra)

	body = append(body, cfaDefCFA)
	body = binary.AppendUvarint(body, w.isa.sp)
	body = binary.AppendUvarint(body, uint64(w.isa.cfa))
	if w.isa.cfa != 0 {
		// The call pushed the return address just below the CFA.
		body = w.appendOffset(body, w.isa.ra, -w.isa.cfa)
	}
	w.buf = w.appendEntry(w.buf, body)
}

// appendEntry adds the length prefix and pads with nops to the address
// size.
func (w *Writer) appendEntry(dst, body []byte) []byte {
	for (len(body)+4)%w.isa.addrSize != 0 {
		body = append(body, cfaNop)
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}

func (w *Writer) appendAddr(dst []byte, v uint64) []byte {
	if w.isa.addrSize == 4 {
		return binary.LittleEndian.AppendUint32(dst, uint32(v))
	}
	return binary.LittleEndian.AppendUint64(dst, v)
}

func (w *Writer) appendOffset(dst []byte, reg uint64, off int64) []byte {
	if off%w.isa.dataAlign != 0 {
		panic(fmt.Sprintf("cfi: save offset %d not a multiple of %d", off, w.isa.dataAlign))
	}
	f := off / w.isa.dataAlign
	switch {
	case f < 0:
		dst = append(dst, cfaOffsetExtSF)
		dst = binary.AppendUvarint(dst, reg)
		return appendSleb(dst, f)
	case reg < 64:
		dst = append(dst, cfaOffset|byte(reg))
	default:
		dst = append(dst, cfaOffsetExtended)
		dst = binary.AppendUvarint(dst, reg)
	}
	return binary.AppendUvarint(dst, uint64(f))
}

func (w *Writer) appendAdvance(dst []byte, delta uint64) []byte {
	switch {
	case delta < 64:
		return append(dst, cfaAdvanceLoc|byte(delta))
	case delta <= 0xff:
		return append(dst, cfaAdvanceLoc1, byte(delta))
	case delta <= 0xffff:
		dst = append(dst, cfaAdvanceLoc2)
		return binary.LittleEndian.AppendUint16(dst, uint16(delta))
	}
	dst = append(dst, cfaAdvanceLoc4)
	return binary.LittleEndian.AppendUint32(dst, uint32(delta))
}

// Add writes the FDE for a method placed at addr. Events must be in PC
// order and inside [0, size).
func (w *Writer) Add(addr uint64, size int, events []asm.CFIEvent) error {
	var body []byte
	body = binary.LittleEndian.AppendUint32(body, 0) // CIE at offset 0
	body = w.appendAddr(body, addr)
	body = w.appendAddr(body, uint64(size))

	pc := 0
	for _, ev := range events {
		if ev.PC < pc || ev.PC > size {
			return fmt.Errorf("cfi: event %s at %d outside [%d, %d]", ev.Op, ev.PC, pc, size)
		}
		if ev.PC > pc {
			delta := ev.PC - pc
			if uint64(delta)%w.isa.codeAlign != 0 {
				return fmt.Errorf("cfi: event at %d is not instruction aligned", ev.PC)
			}
			body = w.appendAdvance(body, uint64(delta)/w.isa.codeAlign)
			pc = ev.PC
		}
		switch ev.Op {
		case asm.DefCFAOffset:
			body = append(body, cfaDefCFAOffset)
			body = binary.AppendUvarint(body, uint64(ev.Value))
		case asm.SaveReg:
			body = w.appendOffset(body, w.reg(ev.Reg), ev.Value)
		case asm.Restore:
			r := w.reg(ev.Reg)
			if r < 64 {
				body = append(body, cfaRestore|byte(r))
			} else {
				body = append(body, cfaRestoreExt)
				body = binary.AppendUvarint(body, r)
			}
		case asm.RememberState:
			body = append(body, cfaRememberState)
		case asm.RestoreState:
			body = append(body, cfaRestoreState)
		default:
			return fmt.Errorf("cfi: unknown op %d", ev.Op)
		}
	}
	w.buf = w.appendEntry(w.buf, body)
	w.fdes++
	return nil
}

// Len is the number of FDEs written.
func (w *Writer) Len() int { return w.fdes }

// Bytes returns the section.
func (w *Writer) Bytes() []byte { return w.buf }

func appendSleb(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
