package stacking

import (
	"errors"
	"testing"

	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/lir"
)

func arm64Conv() *lir.Conventions {
	return (&lir.Conventions{
		ISA: config.ARM64, WordSize: 8, NumRegs: 32,
		Allocatable:   []lir.Reg{0, 1, 2, 20, 21, 22},
		CalleeSaved:   []lir.Reg{20, 21, 22},
		Scratch:       []lir.Reg{16, 17},
		SP:            31,
		ReturnAddress: 30,
		Thread:        19,
		StackAlign:    16, OverflowReserve: 8192, LeafFrameLimit: 256,
	}).Init()
}

func thumb2Conv() *lir.Conventions {
	return (&lir.Conventions{
		ISA: config.Thumb2, WordSize: 4, NumRegs: 16,
		Allocatable:   []lir.Reg{0, 1, 2, 3, 4, 5},
		CalleeSaved:   []lir.Reg{4, 5},
		Scratch:       []lir.Reg{12},
		SP:            13,
		ReturnAddress: 14,
		Thread:        9,
		StackAlign:    8, OverflowReserve: 8192, LeafFrameLimit: 256,
	}).Init()
}

func amd64Conv() *lir.Conventions {
	return (&lir.Conventions{
		ISA: config.AMD64, WordSize: 8, NumRegs: 16,
		Allocatable:   []lir.Reg{6, 7, 3, 12},
		CalleeSaved:   []lir.Reg{3, 12},
		Scratch:       []lir.Reg{11},
		SP:            4,
		ReturnAddress: lir.NoReg,
		Thread:        lir.NoReg,
		StackAlign:    16, OverflowReserve: 8192, LeafFrameLimit: 256,
	}).Init()
}

// function builds a one-block function that writes the given registers,
// optionally calls, and returns.
func function(call bool, regs ...lir.Reg) *lir.Func {
	fn := lir.NewFunc("f", 0)
	b := fn.NewBlock("entry")
	for _, r := range regs {
		b.Insts = append(b.Insts, lir.NewInst(lir.LoadConst, ir.Int32, r).WithImm(1))
	}
	if call {
		b.Insts = append(b.Insts, lir.NewInst(lir.Call, 0, lir.NoReg))
	}
	b.Insts = append(b.Insts, lir.NewInst(lir.Return, 0, lir.NoReg, 0))
	return fn
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n, align, want int64
	}{
		{0, 8, 0},
		{1, 8, 8},
		{7, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{15, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{0, 16, 0},
	}

	for _, tt := range tests {
		got := alignUp(tt.n, tt.align)
		if got != tt.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", tt.n, tt.align, got, tt.want)
		}
	}
}

func TestComputeLayoutEmpty(t *testing.T) {
	tests := []struct {
		name string
		conv *lir.Conventions
		want int64
	}{
		{"arm64", arm64Conv(), 0},
		{"thumb2", thumb2Conv(), 0},
		{"amd64", amd64Conv(), 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout := ComputeLayout(function(false), tt.conv, 0)
			if layout.TotalSize != tt.want {
				t.Errorf("TotalSize = %d, want %d", layout.TotalSize, tt.want)
			}
			if layout.AdjustSize != 0 {
				t.Errorf("AdjustSize = %d, want 0", layout.AdjustSize)
			}
		})
	}
}

func TestComputeLayoutAlignment(t *testing.T) {
	tests := []struct {
		name        string
		conv        *lir.Conventions
		saves       int
		slots, outs int
	}{
		{"arm64 saves", arm64Conv(), 3, 0, 0},
		{"arm64 spills", arm64Conv(), 1, 3, 1},
		{"thumb2 odd push", thumb2Conv(), 3, 1, 0},
		{"amd64 pushes", amd64Conv(), 1, 2, 1},
		{"amd64 two pushes", amd64Conv(), 2, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := function(true)
			fn.Slots, fn.OutArgs = tt.slots, tt.outs
			layout := ComputeLayout(fn, tt.conv, tt.saves)
			if layout.TotalSize%int64(tt.conv.StackAlign) != 0 {
				t.Errorf("TotalSize %d not aligned to %d", layout.TotalSize, tt.conv.StackAlign)
			}
			word := int64(tt.conv.WordSize)
			need := int64(tt.saves+tt.slots+tt.outs) * word
			if layout.TotalSize < need {
				t.Errorf("TotalSize %d smaller than contents %d", layout.TotalSize, need)
			}
			if got := layout.SpillSlotOffset(0, tt.conv.WordSize); got != int64(tt.outs)*word {
				t.Errorf("spill slot 0 at %d, want above %d outgoing words", got, tt.outs)
			}
		})
	}
}

func TestFindUsedCalleeSaveRegs(t *testing.T) {
	c := arm64Conv()
	fn := function(false, 22, 0, 20)
	regs := FindUsedCalleeSaveRegs(fn, c)
	if len(regs) != 2 || regs[0] != 20 || regs[1] != 22 {
		t.Errorf("FindUsedCalleeSaveRegs = %v, want [r20 r22]", regs)
	}
	if regs := FindUsedCalleeSaveRegs(function(false, 1), c); len(regs) != 0 {
		t.Errorf("expected no callee-saved regs, got %v", regs)
	}
}

func TestComputeCalleeSaveInfo(t *testing.T) {
	tests := []struct {
		name string
		conv *lir.Conventions
		want []int64
	}{
		{"arm64", arm64Conv(), []int64{-24, -16, -8}},
		{"thumb2", thumb2Conv(), []int64{-12, -8, -4}},
		{"amd64", amd64Conv(), []int64{-32, -24, -16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := ComputeCalleeSaveInfo(nil, tt.conv, []lir.Reg{1, 2, 3})
			for i, want := range tt.want {
				if info.SaveOffsets[i] != want {
					t.Errorf("SaveOffsets[%d] = %d, want %d", i, info.SaveOffsets[i], want)
				}
			}
		})
	}
}

func TestPairRegs(t *testing.T) {
	if got := PairRegs(nil); len(got) != 0 {
		t.Errorf("PairRegs(nil) = %v", got)
	}
	got := PairRegs([]lir.Reg{20, 21, 30})
	if len(got) != 2 || len(got[0]) != 2 || len(got[1]) != 1 || got[1][0] != 30 {
		t.Errorf("PairRegs = %v", got)
	}
}

func kinds(steps []Step) []StepKind {
	var out []StepKind
	for _, s := range steps {
		out = append(out, s.Kind)
	}
	return out
}

func equalKinds(a, b []StepKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLayoutLeafSkipsProbe(t *testing.T) {
	for _, conv := range []*lir.Conventions{arm64Conv(), thumb2Conv(), amd64Conv()} {
		t.Run(string(conv.ISA), func(t *testing.T) {
			f, err := Layout(function(false, 0), conv)
			if err != nil {
				t.Fatal(err)
			}
			if f.Probe || !f.Leaf {
				t.Errorf("small leaf: Probe=%t Leaf=%t", f.Probe, f.Leaf)
			}
			if !equalKinds(kinds(f.Epilogue), []StepKind{StepReturn}) {
				t.Errorf("epilogue = %v, want a bare return", kinds(f.Epilogue))
			}
		})
	}
}

func TestLayoutLargeLeafProbes(t *testing.T) {
	fn := function(false, 0)
	fn.Slots = 64
	f, err := Layout(fn, arm64Conv())
	if err != nil {
		t.Fatal(err)
	}
	if !f.Probe || f.Prologue[0].Kind != StepProbe || f.Prologue[0].Offset != 8192 {
		t.Errorf("large leaf frame must probe first, got %v", kinds(f.Prologue))
	}
}

func TestLayoutARM64NonLeaf(t *testing.T) {
	c := arm64Conv()
	fn := function(true, 20)
	fn.Slots = 1
	f, err := Layout(fn, c)
	if err != nil {
		t.Fatal(err)
	}
	// x20 and LR plus one slot: 24 bytes rounded to 32.
	if f.Size() != 32 {
		t.Errorf("frame size = %d, want 32", f.Size())
	}
	want := []StepKind{StepProbe, StepAdjust, StepStore}
	if !equalKinds(kinds(f.Prologue), want) {
		t.Fatalf("prologue = %v, want %v", kinds(f.Prologue), want)
	}
	st := f.Prologue[2]
	if len(st.Regs) != 2 || st.Regs[0] != 20 || st.Regs[1] != 30 || st.Offset != 16 {
		t.Errorf("store pair = %v at %d, want [r20 r30] at 16", st.Regs, st.Offset)
	}
	if ev := f.Prologue[1].CFI[0]; ev.Op != asm.DefCFAOffset || ev.Value != 32 {
		t.Errorf("adjust CFI = %+v", ev)
	}
	want = []StepKind{StepCFI, StepLoad, StepAdjust, StepReturn}
	if !equalKinds(kinds(f.Epilogue), want) {
		t.Errorf("epilogue = %v, want %v", kinds(f.Epilogue), want)
	}
	if f.Epilogue[3].CFI[0].Op != asm.RestoreState {
		t.Error("return must restore the remembered unwind state")
	}
}

func TestLayoutThumb2PopsPC(t *testing.T) {
	f, err := Layout(function(true, 4, 5), thumb2Conv())
	if err != nil {
		t.Fatal(err)
	}
	push := f.Prologue[1]
	if push.Kind != StepPush || len(push.Regs) != 3 || push.Regs[2] != 14 {
		t.Fatalf("push = %+v, want {r4 r5 lr}", push)
	}
	last := f.Epilogue[len(f.Epilogue)-1]
	if last.Kind != StepPop || !last.Returns || len(last.Regs) != 2 {
		t.Errorf("epilogue must end with pop {r4, r5, pc}, got %+v", last)
	}
	// 12 pushed bytes get 4 more for alignment.
	if f.Layout.AdjustSize != 4 || f.Size() != 16 {
		t.Errorf("adjust = %d size = %d, want 4 and 16", f.Layout.AdjustSize, f.Size())
	}
}

func TestLayoutAMD64PushOrder(t *testing.T) {
	f, err := Layout(function(true, 3, 12), amd64Conv())
	if err != nil {
		t.Fatal(err)
	}
	// Pushed last-to-first so the first saved register sits lowest.
	if p := f.Prologue[1]; p.Kind != StepPush || p.Regs[0] != 12 {
		t.Errorf("first push = %+v, want r12", p)
	}
	if p := f.Prologue[2]; p.Kind != StepPush || p.Regs[0] != 3 {
		t.Errorf("second push = %+v, want r3", p)
	}
	// return address + two pushes = 24, adjusted to 32.
	if f.Size() != 32 || f.Layout.AdjustSize != 8 {
		t.Errorf("size = %d adjust = %d, want 32 and 8", f.Size(), f.Layout.AdjustSize)
	}
	pops := 0
	for _, s := range f.Epilogue {
		if s.Kind == StepPop {
			if pops == 0 && s.Regs[0] != 3 {
				t.Errorf("first pop = %v, want r3", s.Regs)
			}
			pops++
		}
	}
	if pops != 2 {
		t.Errorf("pops = %d, want 2", pops)
	}
}

func TestLayoutRewritesSlots(t *testing.T) {
	c := arm64Conv()
	fn := lir.NewFunc("slots", 0)
	b := fn.NewBlock("entry")
	fill := lir.NewInst(lir.Fill, 0, 1)
	fill.Slot = 1
	spill := lir.NewInst(lir.Spill, 0, lir.NoReg, 1)
	spill.Slot = 0
	arg := lir.NewInst(lir.LoadArg, ir.Int32, 2).WithImm(1)
	out := lir.NewInst(lir.StoreArg, ir.Int32, lir.NoReg, 2).WithImm(0)
	b.Insts = []*lir.Inst{fill, spill, arg, out, lir.NewInst(lir.Call, 0, lir.NoReg), lir.NewInst(lir.Return, 0, lir.NoReg)}
	fn.Slots, fn.OutArgs, fn.InArgs = 2, 1, 2

	f, err := Layout(fn, c)
	if err != nil {
		t.Fatal(err)
	}
	insts := fn.Blocks[0].Insts
	if insts[0].Op != lir.Enter {
		t.Errorf("first instruction = %s, want enter", insts[0].Op)
	}
	checks := []struct {
		inst *lir.Inst
		op   lir.Op
		imm  int64
	}{
		{fill, lir.LoadStack, 16},
		{spill, lir.StoreStack, 8},
		{arg, lir.LoadStack, f.Size() + 8},
		{out, lir.StoreStack, 0},
	}
	for _, ch := range checks {
		if ch.inst.Op != ch.op || ch.inst.Imm != ch.imm {
			t.Errorf("got %s #%d, want %s #%d", ch.inst.Op, ch.inst.Imm, ch.op, ch.imm)
		}
	}
	if fill.Type != ir.Int64 {
		t.Errorf("fill type = %s, want word", fill.Type)
	}
	n := len(insts)
	if insts[n-2].Op != lir.Leave || insts[n-1].Op != lir.Return {
		t.Errorf("tail = %s %s, want leave ret", insts[n-2].Op, insts[n-1].Op)
	}
}

func TestLayoutFrameTooLarge(t *testing.T) {
	fn := function(false)
	fn.Slots = 2000
	_, err := Layout(fn, thumb2Conv())
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}
