package allocator

import (
	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
)

func allLocationsTheSame(locs []architecture.Location) bool {
	for idx := 1; idx < len(locs); idx++ {
		if !locs[idx].Equals(locs[0]) {
			return false
		}
	}
	return true
}

// emitMoveOnEdge places the move in the predecessor's terminator
// parallel move when the predecessor has a single successor, and in
// the successor's entry parallel move otherwise.
func (allocator *FlowGraphAllocator) emitMoveOnEdge(
	succ *ir.Block,
	pred *ir.Block,
	dst architecture.Location,
	src architecture.Location,
) {
	jump, ok := pred.LastInstruction().(*ir.Goto)
	if ok && pred.Kind != ir.GraphEntry {
		jump.GetParallelMove().AddMove(dst, src)
	} else {
		succ.GetEntryMove().AddMove(dst, src)
	}
}

// resolveControlFlow connects split siblings inside blocks and across
// control flow edges, and emits the eager spill moves.
func (allocator *FlowGraphAllocator) resolveControlFlow() {
	// Resolve linear control flow between touching split siblings
	// inside basic blocks.
	for vreg := 0; vreg < len(allocator.liveRanges); vreg++ {
		liveRange := allocator.liveRanges[vreg]
		if liveRange == nil {
			continue
		}

		for liveRange.NextSibling() != nil {
			sibling := liveRange.NextSibling()

			if allocator.debug != nil {
				allocator.debug.connectingSiblings(liveRange, sibling)
			}

			constantToCatchBlock :=
				allocator.isCatchBlockEntry(sibling.Start()) &&
					liveRange.AssignedLocation().IsConstant()
			if (liveRange.End() == sibling.Start() || constantToCatchBlock) &&
				!allocator.targetLocationIsSpillSlot(
					liveRange,
					sibling.AssignedLocation()) &&
				!liveRange.AssignedLocation().Equals(sibling.AssignedLocation()) &&
				(!allocator.isBlockEntry(liveRange.End()) || constantToCatchBlock) {

				pos := sibling.Start()
				if allocator.isCatchBlockEntry(pos) {
					if liveRange.AssignedLocation().IsRegister() {
						panic("should never happen")
					}
					pos++
				}
				allocator.addMoveAt(
					pos,
					sibling.AssignedLocation(),
					liveRange.AssignedLocation())
			}
			liveRange = sibling
		}
	}

	// Resolve non-linear control flow across branches.  At joins we
	// attempt to sink duplicated moves from the predecessors into the
	// join itself as long as their source is not overwritten by other
	// moves.
	type pendingMove struct {
		dst architecture.Location
		src architecture.Location
	}

	for idx := 1; idx < len(allocator.graph.Blocks); idx++ {
		block := allocator.graph.Blocks[idx]
		isCatchEntry := block.Kind == ir.CatchEntry

		pending := []pendingMove{}

		allocator.liveness.LiveInOf(block).ForEach(func(vreg int) {
			liveRange := allocator.GetLiveRange(vreg)
			if liveRange.NextSibling() == nil && !isCatchEntry {
				// Nothing to connect.  The whole range was allocated to the
				// same location.
				return
			}

			dstCover := findCover(liveRange, block.StartPos)
			dst := dstCover.AssignedLocation()

			if allocator.targetLocationIsSpillSlot(liveRange, dst) {
				// Values are eagerly spilled.  The spill slot already
				// contains the appropriate value.
				return
			}

			if isCatchEntry {
				// Incoming catch entry ranges are restored from the spill
				// slots; exception/stacktrace pseudo parameters have hard
				// coded locations.
				if !allocator.isCatchEntryFixedLocation(block, dst) &&
					(dst.IsRegister() || dst.IsFpuRegister()) {
					parent := allocator.GetLiveRange(liveRange.VReg())
					if parent.SpillSlot().IsInvalid() {
						panic("should never happen")
					}
					if !dst.Equals(parent.SpillSlot()) {
						// The register gets its value from the spill slot at the
						// beginning of the catch block, after the catch entry.
						block.GetEntryMove().AddMove(dst, parent.SpillSlot())
					}
				}
				return
			}

			srcLocs := make([]architecture.Location, 0, len(block.Preds))
			for _, pred := range block.Preds {
				srcCover := findCover(liveRange, pred.EndPos-1)
				srcLocs = append(srcLocs, srcCover.AssignedLocation())
			}

			// If all source locations are the same we can try emitting a
			// single move at the destination, provided the source location
			// is available on all incoming edges (i.e. not destroyed by
			// some other move).  That can only be checked after all live-in
			// values are processed.
			if len(srcLocs) > 1 && allLocationsTheSame(srcLocs) {
				if !dst.Equals(srcLocs[0]) {
					pending = append(pending, pendingMove{
						dst: dst,
						src: srcLocs[0],
					})
				}
				return
			}

			for predIdx, pred := range block.Preds {
				if dst.Equals(srcLocs[predIdx]) {
					continue // redundant move
				}
				allocator.emitMoveOnEdge(block, pred, dst, srcLocs[predIdx])
			}
		})

		if len(pending) == 0 {
			continue
		}

		// A pending move is emittable at the join iff no predecessor's
		// terminator parallel move overwrites its source.
		canEmit := make([]bool, len(pending))
		for pendingIdx := range pending {
			canEmit[pendingIdx] = true
		}

		changed := false
		for pendingIdx, move := range pending {
			for _, pred := range block.Preds {
				jump, ok := pred.LastInstruction().(*ir.Goto)
				if !ok {
					panic("should never happen")
				}
				parallelMove := jump.GetParallelMove()
				for _, operands := range parallelMove.Moves {
					if !operands.IsRedundant() && operands.Dst.Equals(move.src) {
						canEmit[pendingIdx] = false
						changed = true
						break
					}
				}
			}
		}

		// Check if newly discovered blocked moves disqualify other
		// pending moves.
		for changed {
			changed = false
			for j := range pending {
				if !canEmit[j] {
					continue
				}
				for k := range pending {
					if !canEmit[k] && pending[k].dst.Equals(pending[j].src) {
						canEmit[j] = false
						changed = true
						break
					}
				}
			}
		}

		// Emit pending moves either in the join block or in the
		// predecessors (if they are blocked).
		for pendingIdx, move := range pending {
			if canEmit[pendingIdx] {
				block.GetEntryMove().AddMove(move.dst, move.src)
			} else {
				for _, pred := range block.Preds {
					allocator.emitMoveOnEdge(block, pred, move.dst, move.src)
				}
			}
		}
	}

	// Eagerly spill values.
	for _, liveRange := range allocator.spilled {
		if liveRange.AssignedLocation().Equals(liveRange.SpillSlot()) {
			continue
		}

		if liveRange.Start() == 0 {
			// Constants spilled from position zero are handled specially:
			// place the spilling move in the function entry successors of
			// the graph entry.
			if !liveRange.AssignedLocation().IsConstant() {
				panic("should never happen")
			}
			for _, succ := range allocator.graph.Entry.Succs {
				if succ.Kind == ir.FunctionEntry {
					allocator.addMoveAt(
						succ.StartPos+1,
						liveRange.SpillSlot(),
						liveRange.AssignedLocation())
				}
			}
		} else {
			if allocator.debug != nil {
				allocator.debug.insertingEagerSpill(liveRange)
			}
			allocator.addMoveAt(
				liveRange.Start()+1,
				liveRange.SpillSlot(),
				liveRange.AssignedLocation())
		}
	}
}
