package regalloc

import (
	"testing"

	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/lir"
)

// testConv is a small register file: r0-r3 caller-saved arguments, the
// given number of callee-saved registers from r20, scratch r16.
func testConv(calleeSaved int) *lir.Conventions {
	c := &lir.Conventions{
		ISA:           config.ARM64,
		WordSize:      8,
		NumRegs:       32,
		Args:          []lir.Reg{0, 1, 2, 3},
		Return:        0,
		Scratch:       []lir.Reg{16, 17},
		SP:            31,
		ReturnAddress: 30,
		Thread:        19,
	}
	c.Allocatable = []lir.Reg{0, 1, 2, 3}
	for i := 0; i < calleeSaved; i++ {
		c.Allocatable = append(c.Allocatable, lir.Reg(20+i))
		c.CalleeSaved = append(c.CalleeSaved, lir.Reg(20+i))
	}
	return c.Init()
}

func ldc(dst lir.Reg, v int64) *lir.Inst {
	return lir.NewInst(lir.LoadConst, ir.Int64, dst).WithImm(v)
}

func add(dst, a, b lir.Reg) *lir.Inst {
	return lir.NewInst(lir.Add, ir.Int64, dst, a, b)
}

func mov(dst, src lir.Reg) *lir.Inst {
	return lir.NewInst(lir.Move, ir.Int64, dst, src)
}

func ret() *lir.Inst { return lir.NewInst(lir.Return, 0, lir.NoReg, 0) }

// run interprets straight-line code over physical registers and frame
// slots and returns r0.
func run(t *testing.T, fn *lir.Func) int64 {
	t.Helper()
	regs := map[lir.Reg]int64{}
	slots := map[int]int64{}
	for _, inst := range fn.Blocks[0].Insts {
		for _, r := range append(append([]lir.Reg{}, inst.Srcs...), inst.Dst) {
			if r.IsVirtual() {
				t.Fatalf("virtual register %s left after allocation", r)
			}
		}
		switch inst.Op {
		case lir.LoadConst:
			regs[inst.Dst] = inst.Imm
		case lir.Add:
			regs[inst.Dst] = regs[inst.Srcs[0]] + regs[inst.Srcs[1]]
		case lir.Move:
			regs[inst.Dst] = regs[inst.Srcs[0]]
		case lir.Spill:
			slots[inst.Slot] = regs[inst.Srcs[0]]
		case lir.Fill:
			regs[inst.Dst] = slots[inst.Slot]
		case lir.Return:
			return regs[0]
		default:
			t.Fatalf("unexpected %s", inst.Op)
		}
	}
	t.Fatal("no return")
	return 0
}

func TestAnalyzeLivenessSimple(t *testing.T) {
	conv := testConv(2)
	fn := lir.NewFunc("simple", 0)
	b0, b1 := fn.NewBlock("entry"), fn.NewBlock("next")
	v0, v1, v2 := fn.NewReg(), fn.NewReg(), fn.NewReg()
	b0.Insts = []*lir.Inst{ldc(v0, 1), ldc(v1, 2), {Op: lir.Branch, Dst: lir.NoReg, Targets: []int{1}}}
	b1.Insts = []*lir.Inst{add(v2, v0, v1), mov(0, v2), ret()}
	fn.Link(0, 1)

	info := AnalyzeLiveness(fn, conv)

	if !info.LiveIn[1].Contains(v0) || !info.LiveIn[1].Contains(v1) {
		t.Errorf("v0 and v1 should be live into the second block, got %v", info.LiveIn[1].Slice())
	}
	if info.LiveIn[1].Contains(v2) {
		t.Error("v2 is defined before use and should not be live in")
	}
	if len(info.LiveIn[0]) != 0 {
		t.Errorf("nothing should be live into the entry, got %v", info.LiveIn[0].Slice())
	}
	if !info.LiveOut[0].Equal(NewRegSet(v0, v1)) {
		t.Errorf("LiveOut(entry) = %v", info.LiveOut[0].Slice())
	}
	if !info.Def[1].Contains(0) {
		t.Error("the move into r0 defines r0")
	}
}

func TestAnalyzeLivenessWithLoop(t *testing.T) {
	conv := testConv(2)
	fn := lir.NewFunc("loop", 0)
	entry, head, body, exit := fn.NewBlock("entry"), fn.NewBlock("head"), fn.NewBlock("body"), fn.NewBlock("exit")
	i, n := fn.NewReg(), fn.NewReg()
	entry.Insts = []*lir.Inst{ldc(i, 0), ldc(n, 10), {Op: lir.Branch, Dst: lir.NoReg, Targets: []int{1}}}
	head.Insts = []*lir.Inst{{Op: lir.CondBranch, Dst: lir.NoReg, Cond: lir.LT, Srcs: []lir.Reg{i, n}, Targets: []int{2, 3}}}
	body.Insts = []*lir.Inst{lir.NewInst(lir.Add, ir.Int64, i, i).WithImm(1), {Op: lir.Branch, Dst: lir.NoReg, Targets: []int{1}}}
	exit.Insts = []*lir.Inst{mov(0, i), ret()}
	fn.Link(0, 1)
	fn.Link(1, 2)
	fn.Link(1, 3)
	fn.Link(2, 1)

	info := AnalyzeLiveness(fn, conv)

	for _, b := range []int{1, 2} {
		if !info.LiveIn[b].Contains(i) || !info.LiveIn[b].Contains(n) {
			t.Errorf("block %d: i and n should be live in, got %v", b, info.LiveIn[b].Slice())
		}
	}
	if !info.LiveOut[2].Contains(n) {
		t.Error("n should be live around the back edge")
	}
	if info.LiveIn[3].Contains(n) {
		t.Error("n is dead after the loop")
	}
}

func TestInterferenceMoveSource(t *testing.T) {
	conv := testConv(2)
	fn := lir.NewFunc("move", 0)
	b := fn.NewBlock("entry")
	v0, v1, v2 := fn.NewReg(), fn.NewReg(), fn.NewReg()
	b.Insts = []*lir.Inst{ldc(v0, 1), mov(v1, v0), add(v2, v0, v1), mov(0, v2), ret()}

	g := BuildInterferenceGraph(fn, conv, AnalyzeLiveness(fn, conv))

	if g.HasEdge(v0, v1) {
		t.Error("a copy must not interfere with its source")
	}
	if len(g.Moves) != 2 {
		t.Errorf("expected 2 move pairs, got %v", g.Moves)
	}
}

func TestAllocateSimpleFunction(t *testing.T) {
	conv := testConv(2)
	fn := lir.NewFunc("simple", 0)
	b := fn.NewBlock("entry")
	v0, v1, v2 := fn.NewReg(), fn.NewReg(), fn.NewReg()
	b.Insts = []*lir.Inst{ldc(v0, 1), ldc(v1, 2), add(v2, v0, v1), mov(0, v2), ret()}

	res, err := Allocate(fn, conv)
	if err != nil {
		t.Fatal(err)
	}
	if res.Spilled != 0 {
		t.Errorf("expected no spills, got %d", res.Spilled)
	}
	if res.Assignment[v0] == res.Assignment[v1] {
		t.Error("v0 and v1 interfere and need different registers")
	}
	if res.Assignment[v2] != 0 {
		t.Errorf("v2 should coalesce with the return register, got %s", res.Assignment[v2])
	}
	if got := run(t, fn); got != 3 {
		t.Errorf("result = %d, want 3", got)
	}
}

func TestAllocateFunctionWithMove(t *testing.T) {
	conv := testConv(2)
	fn := lir.NewFunc("move", 0)
	b := fn.NewBlock("entry")
	v0, v1 := fn.NewReg(), fn.NewReg()
	b.Insts = []*lir.Inst{ldc(v0, 42), mov(v1, v0), mov(0, v1), ret()}

	if _, err := Allocate(fn, conv); err != nil {
		t.Fatal(err)
	}
	for _, inst := range fn.Blocks[0].Insts {
		if inst.Op == lir.Move {
			t.Errorf("coalesced copy left behind: %s <- %s", inst.Dst, inst.Srcs[0])
		}
	}
	if got := run(t, fn); got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestAllocateLiveAcrossCall(t *testing.T) {
	conv := testConv(2)
	fn := lir.NewFunc("call", 0)
	b := fn.NewBlock("entry")
	v0, v1, v2 := fn.NewReg(), fn.NewReg(), fn.NewReg()
	call := lir.NewInst(lir.Call, 0, lir.NoReg)
	call.Imm = 7
	b.Insts = []*lir.Inst{ldc(v0, 5), call, mov(v1, 0), add(v2, v0, v1), mov(0, v2), ret()}

	res, err := Allocate(fn, conv)
	if err != nil {
		t.Fatal(err)
	}
	if r := res.Assignment[v0]; !conv.IsCalleeSaved(r) {
		t.Errorf("v0 lives across a call and got caller-saved %s", r)
	}
}

func TestAllocateSpills(t *testing.T) {
	conv := testConv(0)
	fn := lir.NewFunc("pressure", 0)
	b := fn.NewBlock("entry")
	var vs []lir.Reg
	for i := 0; i < 6; i++ {
		v := fn.NewReg()
		vs = append(vs, v)
		b.Insts = append(b.Insts, ldc(v, int64(i+1)))
	}
	sum := vs[0]
	for _, v := range vs[1:] {
		s := fn.NewReg()
		b.Insts = append(b.Insts, add(s, sum, v))
		sum = s
	}
	// Keep every value alive to the end.
	for _, v := range vs {
		s := fn.NewReg()
		b.Insts = append(b.Insts, add(s, sum, v))
		sum = s
	}
	b.Insts = append(b.Insts, mov(0, sum), ret())

	res, err := Allocate(fn, conv)
	if err != nil {
		t.Fatal(err)
	}
	if res.Spilled == 0 || fn.Slots == 0 {
		t.Fatalf("six live values in four registers must spill (spilled=%d slots=%d)", res.Spilled, fn.Slots)
	}
	if got := run(t, fn); got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestResolveParallelMoves(t *testing.T) {
	tests := []struct {
		name     string
		src, dst []lir.Reg
	}{
		{"independent", []lir.Reg{1, 2}, []lir.Reg{3, 4}},
		{"chain", []lir.Reg{1, 2}, []lir.Reg{2, 3}},
		{"swap", []lir.Reg{1, 2}, []lir.Reg{2, 1}},
		{"rotate", []lir.Reg{1, 2, 3}, []lir.Reg{2, 3, 1}},
		{"fan out", []lir.Reg{1, 1}, []lir.Reg{2, 3}},
		{"cycle and tail", []lir.Reg{1, 2, 2}, []lir.Reg{2, 1, 5}},
		{"identity", []lir.Reg{1}, []lir.Reg{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regs := map[lir.Reg]int64{}
			for r := lir.Reg(0); r < 8; r++ {
				regs[r] = int64(r) * 100
			}
			want := map[lir.Reg]int64{}
			for i := range tt.src {
				want[tt.dst[i]] = regs[tt.src[i]]
			}
			for _, m := range resolveParallelMoves(tt.src, tt.dst, 16, ir.Int64) {
				regs[m.Dst] = regs[m.Srcs[0]]
			}
			for r, v := range want {
				if regs[r] != v {
					t.Errorf("r%d = %d, want %d", r, regs[r], v)
				}
			}
		})
	}
}

func TestTransformParMove(t *testing.T) {
	conv := testConv(2)
	fn := lir.NewFunc("pmov", 0)
	b := fn.NewBlock("entry")
	v0, v1 := fn.NewReg(), fn.NewReg()
	b.Insts = []*lir.Inst{
		ldc(v0, 3), ldc(v1, 4),
		{Op: lir.ParMove, Dst: lir.NoReg, Dsts: []lir.Reg{1, 0}, Srcs: []lir.Reg{v0, v1}},
		add(0, 0, 1),
		ret(),
	}
	if _, err := Allocate(fn, conv); err != nil {
		t.Fatal(err)
	}
	for _, inst := range fn.Blocks[0].Insts {
		if inst.Op == lir.ParMove {
			t.Fatal("parallel move survived allocation")
		}
	}
	if got := run(t, fn); got != 7 {
		t.Errorf("result = %d, want 7", got)
	}
}
