package regalloc

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/lir"
)

var log = commonlog.GetLogger("ralph-oat.regalloc")

// ErrNoProgress is returned when spilling keeps producing uncolorable
// graphs.
var ErrNoProgress = errors.New("register allocation made no progress")

const maxRounds = 12

// Result summarizes one allocation.
type Result struct {
	Rounds     int
	Spilled    int
	Assignment map[lir.Reg]lir.Reg
}

// Allocate assigns a physical register to every virtual register of fn.
// Uncolorable registers are spilled and the graph rebuilt until coloring
// succeeds. The function is then rewritten in physical registers and its
// parallel moves are lowered to plain moves.
func Allocate(fn *lir.Func, conv *lir.Conventions) (*Result, error) {
	res := &Result{}
	for {
		res.Rounds++
		if res.Rounds > maxRounds {
			return nil, fmt.Errorf("%s: %w after %d rounds", fn.Name, ErrNoProgress, maxRounds)
		}
		liveness := AnalyzeLiveness(fn, conv)
		graph := BuildInterferenceGraph(fn, conv, liveness)
		a := NewAllocator(fn, conv, graph)
		spilled := a.Allocate()
		if len(spilled) == 0 {
			res.Assignment = a.Assignment()
			break
		}
		log.Debugf("%s: round %d spills %d registers", fn.Name, res.Rounds, len(spilled))
		res.Spilled += len(spilled)
		rewriteSpills(fn, spilled)
	}
	if err := TransformFunction(fn, conv, res.Assignment); err != nil {
		return nil, err
	}
	return res, nil
}

func wordType(conv *lir.Conventions) ir.Type {
	if conv.WordSize == 8 {
		return ir.Int64
	}
	return ir.Int32
}

// TransformFunction replaces virtual registers by their assigned physical
// registers, drops copies that became no-ops and sequentializes parallel
// moves.
func TransformFunction(fn *lir.Func, conv *lir.Conventions, assign map[lir.Reg]lir.Reg) error {
	var missing lir.Reg = lir.NoReg
	mapReg := func(r lir.Reg) lir.Reg {
		if !r.IsVirtual() {
			return r
		}
		p, ok := assign[r]
		if !ok {
			missing = r
			return r
		}
		return p
	}
	for _, b := range fn.Blocks {
		var out []*lir.Inst
		for _, inst := range b.Insts {
			inst.MapRegs(mapReg)
			switch inst.Op {
			case lir.Move:
				if inst.Dst == inst.Srcs[0] {
					continue
				}
			case lir.ParMove:
				out = append(out, resolveParallelMoves(inst.Srcs, inst.Dsts, conv.Scratch[0], wordType(conv))...)
				continue
			}
			out = append(out, inst)
		}
		b.Insts = out
	}
	if missing != lir.NoReg {
		return fmt.Errorf("%s: no register assigned to %s", fn.Name, missing)
	}
	return nil
}

// resolveParallelMoves emits a sequence of moves with the effect of
// assigning all dstLocs from srcLocs at once. A move runs as soon as no
// pending move still reads its destination; when only cycles remain, one
// destination is saved in the scratch register and its readers redirected
// there.
func resolveParallelMoves(srcLocs, dstLocs []lir.Reg, scratch lir.Reg, t ir.Type) []*lir.Inst {
	type move struct{ src, dst lir.Reg }
	var pending []move
	for i := range srcLocs {
		if srcLocs[i] != dstLocs[i] {
			pending = append(pending, move{srcLocs[i], dstLocs[i]})
		}
	}
	var result []*lir.Inst
	emit := func(src, dst lir.Reg) {
		result = append(result, lir.NewInst(lir.Move, t, dst, src))
	}
	blocked := func(k int) bool {
		for j, m := range pending {
			if j != k && m.src == pending[k].dst {
				return true
			}
		}
		return false
	}
	for len(pending) > 0 {
		progress := false
		for k := 0; k < len(pending); k++ {
			if blocked(k) {
				continue
			}
			emit(pending[k].src, pending[k].dst)
			pending = append(pending[:k], pending[k+1:]...)
			progress = true
			k--
		}
		if progress {
			continue
		}
		saved := pending[0].dst
		emit(saved, scratch)
		for j := range pending {
			if pending[j].src == saved {
				pending[j].src = scratch
			}
		}
	}
	return result
}
