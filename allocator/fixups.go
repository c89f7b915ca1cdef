package allocator

import (
	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
	"github.com/pattyshack/towhee/platform"
)

// removeFrameIfNotNeeded marks the function frameless when nothing in
// it requires a frame, and rebases parameter locations from frame
// pointer relative to entry stack pointer relative.
func (allocator *FlowGraphAllocator) removeFrameIfNotNeeded() {
	// Intrinsic functions are naturally frameless.
	if allocator.intrinsicMode {
		allocator.graph.Frameless = true
		return
	}

	// If we have spills we need a frame.
	if allocator.graph.SpillSlotCount > 0 {
		return
	}

	// On arm targets the return address lives in the link register and
	// must be preserved in a frame across write barrier helper calls;
	// allow at most one write barrier before giving up on frame
	// elision.
	checkWriteBarriers := allocator.ArchitectureName() == platform.Arm32

	hasWriteBarrierCall := false
	callsOnSharedSlowPath := 0
	for _, block := range allocator.graph.Blocks {
		for _, ins := range block.Instructions {
			locs := ins.Locs()
			if locs.CanCall {
				if !locs.CallOnSharedSlowPath {
					// The function contains a call and thus needs a frame.
					return
				}
				// For calls on shared slow paths the frame can be created on
				// the slow path around the call.  Only allow one such call to
				// avoid extra code size.
				callsOnSharedSlowPath++
				if callsOnSharedSlowPath > 1 {
					return
				}
			}

			if checkWriteBarriers {
				instr, ok := ins.(*ir.Instr)
				if ok && instr.WriteBarrier {
					if hasWriteBarrierCall {
						return
					}
					hasWriteBarrierCall = true
				}
			}
		}
	}

	// Good to go.  No need to set up a frame.
	allocator.graph.Frameless = true

	// Rebase parameter locations to use the entry stack pointer instead
	// of the frame pointer.
	fixLocationFor := func(param *ir.Def, vreg int, pairIndex int) {
		location := param.ParamLocation
		if location.IsPairLocation() {
			location = location.AsPairLocation().At(pairIndex)
		}
		if !location.HasStackIndex() ||
			location.Base() != architecture.FrameRegister {
			return
		}

		fpRelative := location
		spRelative := allocator.frame.EntrySpRelative(fpRelative)

		for liveRange := allocator.GetLiveRange(vreg); liveRange != nil; liveRange = liveRange.NextSibling() {
			if liveRange.AssignedLocation().Equals(fpRelative) {
				liveRange.SetAssignedLocation(spRelative)
				liveRange.SetSpillSlot(spRelative)
				for use := liveRange.FirstUse(); use != nil; use = use.Next() {
					if !use.Slot().Equals(fpRelative) {
						panic("should never happen")
					}
					*use.Slot() = spRelative
				}
			}
		}
	}

	for _, succ := range allocator.graph.Entry.Succs {
		if succ.Kind != ir.FunctionEntry {
			continue
		}
		for _, defn := range succ.InitialDefs {
			if defn.IsConstant() {
				continue
			}
			fixLocationFor(defn, defn.VReg, 0)
			if defn.HasPairRepresentation() {
				fixLocationFor(defn, defn.PairVReg, 1)
			}
		}
	}
}

// allocateOutgoingArguments assigns a stack location to every stack
// argument move.  Outgoing arguments are stored at the top of the
// stack in direct order (the last argument at the top).
func (allocator *FlowGraphAllocator) allocateOutgoingArguments() {
	totalSpillSlotCount := allocator.graph.SpillSlotCount

	for _, block := range allocator.graph.Blocks {
		for _, ins := range block.Instructions {
			moveArg, ok := ins.(*ir.MoveArg)
			if !ok || moveArg.RegisterMove {
				continue
			}

			spillIndex := (totalSpillSlotCount - 1) - moveArg.SpRelativeIndex
			slotIndex := allocator.frame.FrameSlotForVariableIndex(-spillIndex)

			if moveArg.Rep == architecture.UnboxedDouble {
				moveArg.RegisterLoc = architecture.DoubleStackSlot(
					slotIndex,
					architecture.FrameRegister)
			} else {
				moveArg.RegisterLoc = architecture.StackSlot(
					slotIndex,
					architecture.FrameRegister)
			}
		}
	}
}

// scheduleParallelMoves hands every emitted parallel move to the
// external resolver.
func (allocator *FlowGraphAllocator) scheduleParallelMoves() {
	if allocator.moveResolver == nil {
		return
	}

	for _, block := range allocator.graph.Blocks {
		if block.EntryMove != nil {
			allocator.moveResolver.Resolve(block.EntryMove)
		}
		for _, ins := range block.Instructions {
			if move, ok := ins.(*ir.ParallelMove); ok {
				allocator.moveResolver.Resolve(move)
			}
		}
		if jump, ok := block.LastInstruction().(*ir.Goto); ok {
			if jump.HasParallelMove() {
				allocator.moveResolver.Resolve(jump.Move)
			}
		}
	}
}
