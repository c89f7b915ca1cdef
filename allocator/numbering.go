package allocator

import (
	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
)

// Start position of the function entry block.  The graph entry occupies
// positions [0, 2).
const normalEntryPos = 2

// collectRepresentations records the range representation of every
// ssa value before numbering.
func (allocator *FlowGraphAllocator) collectRepresentations() {
	record := func(def *ir.Def) {
		allocator.valueRepresentations[def.VReg] = def.Rep.ForRange()
		if def.HasPairRepresentation() {
			allocator.valueRepresentations[def.PairVReg] = def.Rep.ForRange()
		}
	}

	for _, block := range allocator.graph.Blocks {
		for _, def := range block.InitialDefs {
			record(def)
		}
		for _, phi := range block.Phis {
			record(phi.Def)
		}
		for _, ins := range block.Instructions {
			if def := ins.Defn(); def != nil {
				record(def)
			}
		}
	}
}

// numberInstructions linearizes the graph and assigns every
// non-parallel-move instruction a pair of lifetime positions:
//
//	2n   - even position corresponding to the instruction's start
//	2n+1 - odd position corresponding to the instruction's end
//
// Two positions per instruction capture non-trivial use interval
// shapes: a use at the start position needs the value only at the
// instruction's start, a use at the end position needs it until the
// instruction's body finishes.  Additionally creates parallel moves at
// join predecessors for phi resolution.
func (allocator *FlowGraphAllocator) numberInstructions() {
	pos := 0

	for _, block := range allocator.graph.Blocks {
		allocator.instructions = append(allocator.instructions, nil)
		allocator.blockEntries = append(allocator.blockEntries, block)
		block.StartPos = pos
		pos += 2

		for _, ins := range block.Instructions {
			// Parallel move instructions never receive their own position.
			_, isParallelMove := ins.(*ir.ParallelMove)
			if isParallelMove {
				continue
			}

			allocator.instructions = append(allocator.instructions, ins)
			allocator.blockEntries = append(allocator.blockEntries, block)
			allocator.setLifetimePosition(ins, pos)
			pos += 2
		}
		block.EndPos = pos
	}

	// Create phi resolution moves in join predecessors.  They are
	// populated by the range builder and the allocator.
	for _, block := range allocator.graph.Blocks {
		if block.Kind != ir.JoinEntry || len(block.Phis) == 0 {
			continue
		}

		moveCount := 0
		for _, phi := range block.Phis {
			if phi.Def.HasPairRepresentation() {
				moveCount += 2
			} else {
				moveCount++
			}
		}

		for _, pred := range block.Preds {
			jump, ok := pred.LastInstruction().(*ir.Goto)
			if !ok {
				panic("join predecessor must end with goto")
			}

			move := jump.GetParallelMove()
			allocator.setLifetimePosition(move, allocator.LifetimePosition(jump))
			for idx := 0; idx < moveCount; idx++ {
				move.AddMove(architecture.NoLocation(), architecture.NoLocation())
			}
		}
	}

	// Prepare extra information for each loop.
	for _, loop := range allocator.graph.Loops {
		if loop.Id != len(allocator.extraLoopInfo) {
			panic("should never happen")
		}

		end := loop.Header.StartPos
		for _, backEdge := range loop.BackEdges {
			if backEdge.EndPos > end {
				end = backEdge.EndPos
			}
		}
		allocator.extraLoopInfo = append(
			allocator.extraLoopInfo,
			&extraLoopInfo{
				start: loop.Header.StartPos,
				end:   end,
			})
	}
}

// createParallelMoveBefore returns the parallel move immediately
// preceding ins at the given position, creating it if necessary.
func (allocator *FlowGraphAllocator) createParallelMoveBefore(
	ins ir.Instruction,
	pos int,
) *ir.ParallelMove {
	if pos <= 0 {
		panic("should never happen")
	}

	block := ins.ParentBlock()
	prev := block.InstructionBefore(ins)
	move, ok := prev.(*ir.ParallelMove)
	if !ok || allocator.LifetimePosition(move) != pos {
		move = &ir.ParallelMove{}
		allocator.setLifetimePosition(move, pos)
		block.InsertBefore(ins, move)
	}
	return move
}

func (allocator *FlowGraphAllocator) createParallelMoveAfter(
	ins ir.Instruction,
	pos int,
) *ir.ParallelMove {
	block := ins.ParentBlock()
	next := block.InstructionAfter(ins)
	if next != nil {
		move, ok := next.(*ir.ParallelMove)
		if ok && allocator.LifetimePosition(move) == pos {
			return move
		}
		return allocator.createParallelMoveBefore(next, pos)
	}

	move := &ir.ParallelMove{}
	allocator.setLifetimePosition(move, pos)
	block.AppendInstruction(move)
	return move
}

// createParallelMoveAtBlockStart inserts a move ahead of the block's
// first instruction (used for function entry positions, which have no
// preceding instruction).
func (allocator *FlowGraphAllocator) createParallelMoveAtBlockStart(
	block *ir.Block,
	pos int,
) *ir.ParallelMove {
	if len(block.Instructions) > 0 {
		first := block.Instructions[0]
		move, ok := first.(*ir.ParallelMove)
		if ok && allocator.LifetimePosition(move) == pos {
			return move
		}
		move = &ir.ParallelMove{}
		allocator.setLifetimePosition(move, pos)
		block.InsertBefore(first, move)
		return move
	}

	move := &ir.ParallelMove{}
	allocator.setLifetimePosition(move, pos)
	block.AppendInstruction(move)
	return move
}

// addMoveAt inserts a move into a parallel move at the given lifetime
// position, creating the parallel move if needed.
func (allocator *FlowGraphAllocator) addMoveAt(
	pos int,
	to architecture.Location,
	from architecture.Location,
) *ir.MoveOperands {
	if allocator.isBlockEntry(pos) && !allocator.isCatchBlockEntry(pos) {
		entry := allocator.BlockEntryAt(pos)
		if entry.Kind != ir.FunctionEntry && entry.Kind != ir.OsrEntry {
			panic("should never happen")
		}
	}

	// The graph entry no longer has parameter instructions in it; no
	// parallel moves belong there.
	if pos < normalEntryPos {
		panic("should never happen")
	}

	block := allocator.BlockEntryAt(pos)
	var move *ir.ParallelMove
	if block.StartPos == toStartPosition(pos) {
		// Moves at entry positions are placed after the block entry.
		move = allocator.createParallelMoveAtBlockStart(block, pos)
	} else {
		ins := allocator.InstructionAt(pos)
		if isStartPosition(pos) {
			move = allocator.createParallelMoveBefore(ins, pos)
		} else {
			move = allocator.createParallelMoveAfter(ins, pos)
		}
	}

	return move.AddMove(to, from)
}
