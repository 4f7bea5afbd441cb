package bytecode

import (
	"github.com/tliron/commonlog"

	"github.com/soloverdrive/mondot/internal/value"
)

var log = commonlog.GetLogger("mondot.bytecode")

// OptStats summarizes one Optimize run.
type OptStats struct {
	Rounds  int
	Removed int
	Folded  int
	Fused   int
}

// Optimize runs the peephole and constant-folding passes until neither
// changes the instruction stream or maxRounds is reached. Each pass
// compacts the stream and re-maps every label and jump operand.
func (a *Assembler) Optimize(maxRounds int) OptStats {
	var stats OptStats
	for stats.Rounds < maxRounds {
		changed := a.peepholePass(&stats)
		if a.foldPass(&stats) {
			changed = true
		}
		if !changed {
			break
		}
		stats.Rounds++
	}
	log.Debugf("optimizer: %d rounds, %d fused, %d folded, %d removed", stats.Rounds, stats.Fused, stats.Folded, stats.Removed)
	return stats
}

// labelTargets marks every code position some bound label points at. Those
// positions must survive compaction and must not be rewritten to something
// with different entry semantics.
func (a *Assembler) labelTargets() []bool {
	targets := make([]bool, len(a.Code))
	for _, l := range a.Labels {
		if l.TargetPC >= 0 && l.TargetPC < len(a.Code) {
			targets[l.TargetPC] = true
		}
	}
	return targets
}

// peepholePass fuses CONST+MOVE pairs and drops self-moves.
func (a *Assembler) peepholePass(stats *OptStats) bool {
	targets := a.labelTargets()
	remove := make([]bool, len(a.Code))
	changed := false

	for i := 0; i+1 < len(a.Code); i++ {
		if remove[i] {
			continue
		}
		cur, next := a.Code[i], a.Code[i+1]
		// CONST r,k ; MOVE d,r  ->  CONST d,k
		// Unsafe when a jump can land on the MOVE with a different
		// value in r.
		if cur.Op == OpConst && next.Op == OpMove && next.B == cur.A && !targets[i+1] {
			a.Code[i+1] = Instr{Op: OpConst, A: next.A, B: cur.B, Line: next.Line}
			remove[i] = true
			stats.Fused++
			changed = true
			continue
		}
	}
	for i := range a.Code {
		ins := a.Code[i]
		// A self-move on a label target survives compaction, so it is not
		// counted as a change.
		if ins.Op == OpMove && ins.A == ins.B && !targets[i] {
			remove[i] = true
			changed = true
		}
	}
	if changed {
		stats.Removed += a.compact(remove)
	}
	return changed
}

func arithFold(op OpCode, lhs, rhs int64) (int64, bool) {
	switch op {
	case OpAdd:
		return lhs + rhs, true
	case OpSub:
		return lhs - rhs, true
	case OpMul:
		return value.MulScaled(lhs, rhs), true
	case OpDiv:
		if rhs == 0 {
			return 0, false
		}
		return value.DivScaled(lhs, rhs), true
	}
	return 0, false
}

// foldPass rewrites CONST;CONST;ARITH windows into a single CONST when both
// operands are numbers. Division by zero blocks folding and is left for the
// runtime, which yields nil.
func (a *Assembler) foldPass(stats *OptStats) bool {
	targets := a.labelTargets()
	remove := make([]bool, len(a.Code))
	changed := false

	for i := 2; i < len(a.Code); i++ {
		ins := a.Code[i]
		switch ins.Op {
		case OpAdd, OpSub, OpMul, OpDiv:
		default:
			continue
		}
		c1, c2 := a.Code[i-2], a.Code[i-1]
		if c1.Op != OpConst || c2.Op != OpConst {
			continue
		}
		if c1.A != ins.B || c2.A != ins.C {
			continue
		}
		if remove[i-2] || remove[i-1] {
			continue
		}
		// A jump landing inside the window would see different
		// register contents after the rewrite.
		if targets[i-2] || targets[i-1] || targets[i] {
			continue
		}
		lhs, rhs := a.Constants[c1.B], a.Constants[c2.B]
		if !lhs.IsNum() || !rhs.IsNum() {
			continue
		}
		folded, ok := arithFold(ins.Op, lhs.AsScaled(), rhs.AsScaled())
		if !ok {
			continue
		}
		idx := a.AddConstant(value.Scaled(folded))
		a.Code[i] = Instr{Op: OpConst, A: ins.A, B: int32(idx), Line: ins.Line}
		remove[i-2] = true
		remove[i-1] = true
		stats.Folded++
		changed = true
	}
	if changed {
		stats.Removed += a.compact(remove)
	}
	return changed
}

// compact drops marked instructions and re-maps every label target, pending
// reference and jump operand through the old->new position table. Positions
// that are the target of any bound label are never removed. Returns the
// number of instructions dropped.
func (a *Assembler) compact(remove []bool) int {
	for _, l := range a.Labels {
		if l.TargetPC >= 0 && l.TargetPC < len(remove) {
			remove[l.TargetPC] = false
		}
	}

	oldToNew := make([]int, len(a.Code))
	newCode := a.Code[:0:0]
	for i, ins := range a.Code {
		if remove[i] {
			oldToNew[i] = -1
			continue
		}
		oldToNew[i] = len(newCode)
		newCode = append(newCode, ins)
	}
	dropped := len(a.Code) - len(newCode)
	if dropped == 0 {
		return 0
	}

	mapPos := func(pc int32) int32 {
		if pc < 0 || int(pc) >= len(oldToNew) {
			return -1
		}
		return int32(oldToNew[pc])
	}

	for i := range newCode {
		if newCode[i].Op.IsJump() {
			newCode[i].B = mapPos(newCode[i].B)
		}
	}
	for li := range a.Labels {
		l := &a.Labels[li]
		if l.TargetPC >= 0 {
			l.TargetPC = int(mapPos(int32(l.TargetPC)))
		}
		for ri, ref := range l.Refs {
			l.Refs[ri] = int(mapPos(int32(ref)))
		}
	}
	a.Code = newCode
	return dropped
}
