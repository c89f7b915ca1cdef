package allocator

import (
	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
	"github.com/pattyshack/towhee/util"
)

//
// When describing shapes of live ranges in comments below we use the
// following notation:
//
//    B    block entry
//    g g' start and end of goto instruction
//    i i' start and end of any other instruction
//
//    -  body of a use interval
//    [  start of a use interval
//    )  end of a use interval
//    *  use
//
// For example
//
//           i  i'
//  value  --*--)
//
// reads as: the use interval starts somewhere before the instruction
// and extends until the currently processed instruction, with a use at
// the start of the instruction.
//

func registerKindFromPolicy(loc architecture.Location) architecture.LocationKind {
	if loc.Policy() == architecture.RequiresFpuRegister {
		return architecture.FpuRegisterLocation
	}
	return architecture.RegisterLocation
}

// Returns true if all uses of the range before the boundary have the
// Any allocation policy.
func hasOnlyUnconstrainedUsesBefore(liveRange *LiveRange, boundary int) bool {
	for use := liveRange.FirstUse(); use != nil && use.Pos() < boundary; use = use.Next() {
		if !use.Slot().Equals(architecture.AnyLocation()) {
			return false
		}
	}
	return true
}

func hasOnlyUnconstrainedUses(liveRange *LiveRange) bool {
	for use := liveRange.FirstUse(); use != nil; use = use.Next() {
		if !use.Slot().Equals(architecture.AnyLocation()) {
			return false
		}
	}
	return true
}

func (allocator *FlowGraphAllocator) blockRegisterLocation(
	loc architecture.Location,
	from int,
	to int,
	blockedRegisters []bool,
	blockingRanges []*LiveRange,
) {
	code := loc.RegisterCode()
	if blockedRegisters[code] {
		return
	}

	if blockingRanges[code] == nil {
		liveRange := NewLiveRange(
			NoVirtualRegister,
			architecture.NoRepresentation)
		liveRange.SetAssignedLocation(loc)
		blockingRanges[code] = liveRange
		allocator.temporaries = append(allocator.temporaries, liveRange)
	}

	blockingRanges[code].AddUseInterval(from, to)
}

// blockLocation makes the register unavailable over [from, to).
func (allocator *FlowGraphAllocator) blockLocation(
	loc architecture.Location,
	from int,
	to int,
) {
	switch {
	case loc.IsRegister():
		allocator.blockRegisterLocation(
			loc,
			from,
			to,
			allocator.blockedCpuRegisters,
			allocator.cpuRegs)
	case loc.IsFpuRegister():
		allocator.blockRegisterLocation(
			loc,
			from,
			to,
			allocator.blockedFpuRegisters,
			allocator.fpuRegs)
	default:
		panic("unsupported location kind in block location")
	}
}

func (allocator *FlowGraphAllocator) blockCpuRegisters(
	registers uint64,
	from int,
	to int,
) {
	for code := 0; code < allocator.registers.NumCpuRegisters; code++ {
		if registers&(uint64(1)<<code) != 0 {
			allocator.blockLocation(architecture.Register(code), from, to)
		}
	}
}

func (allocator *FlowGraphAllocator) blockFpuRegisters(
	fpuRegisters uint64,
	from int,
	to int,
) {
	for code := 0; code < allocator.registers.NumFpuRegisters; code++ {
		if fpuRegisters&(uint64(1)<<code) != 0 {
			allocator.blockLocation(architecture.FpuRegister(code), from, to)
		}
	}
}

// buildLiveRanges visits blocks in reverse order and instructions
// within blocks in reverse, producing a live range per vreg.  This is
// the only order for which the "prepend interval, shorten on
// definition" invariant holds.
func (allocator *FlowGraphAllocator) buildLiveRanges() {
	blocks := allocator.graph.Blocks
	if blocks[0] != allocator.graph.Entry {
		panic("should never happen")
	}

	var currentInterferenceSet *util.BitVector
	for x := len(blocks) - 1; x > 0; x-- {
		block := blocks[x]

		// For every ssa value live out of this block, create an interval
		// covering the whole block.  It will be shortened if we encounter
		// a definition of the value in this block.
		allocator.liveness.LiveOutOf(block).ForEach(func(vreg int) {
			liveRange := allocator.GetLiveRange(vreg)
			liveRange.AddUseInterval(block.StartPos, block.EndPos)
		})

		loop := block.Loop
		if loop != nil && loop.IsBackEdge(block) {
			extra := allocator.extraLoopInfo[loop.Id]
			if extra.backedgeInterference != nil {
				// Restore interference for a subsequent back edge of the loop
				// (an inner loop's header may have reset the set in the
				// meanwhile).
				currentInterferenceSet = extra.backedgeInterference
			} else {
				// All values flowing into the loop header are live at the
				// back edge and can interfere with phi moves.
				currentInterferenceSet = util.NewBitVector(allocator.vregCount)
				currentInterferenceSet.AddAll(
					allocator.liveness.LiveInOf(loop.Header))
				extra.backedgeInterference = currentInterferenceSet
			}
		}

		lastIdx := allocator.connectOutgoingPhiMoves(
			block,
			currentInterferenceSet)

		var surroundingCatch *ir.Block
		if block.IsInsideTry() {
			surroundingCatch = allocator.graph.CatchEntryForTryIndex(
				block.TryIndex)
		}

		// Process all remaining instructions in reverse order.
		for idx := lastIdx; idx >= 0; idx-- {
			current := block.Instructions[idx]

			// Skip parallel moves inserted while processing instructions.
			_, isParallelMove := current.(*ir.ParallelMove)
			if isParallelMove {
				continue
			}

			if surroundingCatch != nil && current.MayThrow() {
				currentPos := allocator.LifetimePosition(current)
				// Every value live in for the catch must survive until past
				// the throwing instruction.  A value live in for a catch is
				// live in for this block because its definition dominates the
				// catch, so covering from the block start is enough; once the
				// first may-throw extends the ranges we are done.
				allocator.liveness.LiveInOf(surroundingCatch).ForEach(
					func(vreg int) {
						liveRange := allocator.GetLiveRange(vreg)
						liveRange.AddUseInterval(block.StartPos, currentPos+1)
					})
				surroundingCatch = nil
			}

			allocator.processOneInstruction(block, current, currentInterferenceSet)
		}

		// Check if any values live into the loop can be spilled for free.
		if block.IsLoopHeader() {
			currentInterferenceSet = nil
			loopEnd := allocator.extraLoopInfo[block.Loop.Id].end
			allocator.liveness.LiveInOf(block).ForEach(func(vreg int) {
				liveRange := allocator.GetLiveRange(vreg)
				if hasOnlyUnconstrainedUsesBefore(liveRange, loopEnd) {
					liveRange.MarkHasOnlyUnconstrainedUsesInLoop(block.Loop.Id)
				}
			})
		}

		switch block.Kind {
		case ir.JoinEntry:
			allocator.connectIncomingPhiMoves(block)

		case ir.CatchEntry:
			// Catch entries are briefly safepoints after catch entry moves
			// execute and before execution jumps to the handler.
			allocator.safepoints = append(allocator.safepoints, safepoint{
				block: block,
			})

			for idx, defn := range block.InitialDefs {
				liveRange := allocator.GetLiveRange(defn.VReg)
				liveRange.DefineAt(block.StartPos) // defined at block entry
				allocator.processInitialDefinition(defn, liveRange, block, idx, false)
			}

		case ir.FunctionEntry, ir.OsrEntry:
			for idx, defn := range block.InitialDefs {
				if defn.HasPairRepresentation() {
					// The lower bits are pushed after the higher bits.
					liveRange := allocator.GetLiveRange(defn.PairVReg)
					liveRange.AddUseInterval(block.StartPos, block.StartPos+2)
					liveRange.DefineAt(block.StartPos)
					allocator.processInitialDefinition(defn, liveRange, block, idx, true)
				}
				liveRange := allocator.GetLiveRange(defn.VReg)
				liveRange.AddUseInterval(block.StartPos, block.StartPos+2)
				liveRange.DefineAt(block.StartPos)
				allocator.processInitialDefinition(defn, liveRange, block, idx, false)
			}
		}
	}

	// Process incoming parameters and constants after all other
	// instructions so that safepoints for all calls have already been
	// found.
	entry := allocator.graph.Entry
	for idx, defn := range entry.InitialDefs {
		if defn.HasPairRepresentation() {
			liveRange := allocator.GetLiveRange(defn.PairVReg)
			liveRange.AddUseInterval(entry.StartPos, entry.EndPos)
			liveRange.DefineAt(entry.StartPos)
			allocator.processInitialDefinition(defn, liveRange, entry, idx, true)
		}
		liveRange := allocator.GetLiveRange(defn.VReg)
		liveRange.AddUseInterval(entry.StartPos, entry.EndPos)
		liveRange.DefineAt(entry.StartPos)
		allocator.processInitialDefinition(defn, liveRange, entry, idx, false)
	}
}

// connectOutgoingPhiMoves records phi input uses in the parallel move
// preceding the block's goto and returns the index of the last
// instruction that still contributes to liveness.
func (allocator *FlowGraphAllocator) connectOutgoingPhiMoves(
	block *ir.Block,
	interfereAtBackedge *util.BitVector,
) int {
	last := len(block.Instructions) - 1
	jump, ok := block.LastInstruction().(*ir.Goto)
	if !ok {
		return last
	}

	// If the goto carries a parallel move then the successor must be a
	// join with phis.  The phi inputs contribute uses to each
	// predecessor block and the phi outputs contribute definitions in
	// the successor block.
	if !jump.HasParallelMove() {
		return last - 1
	}
	parallelMove := jump.Move

	// All uses are recorded at the position of the parallel move
	// preceding the goto.
	pos := allocator.LifetimePosition(jump)

	join := block.Succs[0]
	predIndex := join.IndexOfPredecessor(block)

	moveIndex := 0
	for _, phi := range join.Phis {
		val := phi.Inputs[predIndex]
		move := parallelMove.MoveOperandsAt(moveIndex)
		moveIndex++

		if val.IsConstant() {
			move.Src = architecture.Constant(val.Constant, 0)
			if phi.Def.HasPairRepresentation() {
				move = parallelMove.MoveOperandsAt(moveIndex)
				moveIndex++
				move.Src = architecture.Constant(val.Constant, 1)
			}
			continue
		}

		// Expected shape of live ranges:
		//
		//                 g  g'
		//      value    --*
		//
		vreg := val.VReg
		liveRange := allocator.GetLiveRange(vreg)
		if interfereAtBackedge != nil {
			interfereAtBackedge.Add(vreg)
		}

		liveRange.AddUseInterval(block.StartPos, pos)
		liveRange.AddHintedUse(
			pos,
			move.SrcSlot(),
			allocator.GetLiveRange(phi.Def.VReg).AssignedLocationSlot())
		move.Src = architecture.PrefersRegisterLocation()

		if phi.Def.HasPairRepresentation() {
			move = parallelMove.MoveOperandsAt(moveIndex)
			moveIndex++

			vreg = val.PairVReg
			liveRange = allocator.GetLiveRange(vreg)
			if interfereAtBackedge != nil {
				interfereAtBackedge.Add(vreg)
			}
			liveRange.AddUseInterval(block.StartPos, pos)
			liveRange.AddHintedUse(
				pos,
				move.SrcSlot(),
				allocator.GetLiveRange(phi.Def.PairVReg).AssignedLocationSlot())
			move.Src = architecture.PrefersRegisterLocation()
		}
	}

	// Begin backward iteration with the instruction before the goto.
	return last - 1
}

// connectIncomingPhiMoves adds the destinations of phi resolution
// moves to each phi's live range so the allocator fills them.
func (allocator *FlowGraphAllocator) connectIncomingPhiMoves(
	join *ir.Block,
) {
	// All uses are recorded at the start position of the block.
	pos := join.StartPos
	isLoopHeader := join.IsLoopHeader()

	moveIdx := 0
	for _, phi := range join.Phis {
		vreg := phi.Def.VReg
		if vreg < 0 {
			panic("should never happen")
		}
		isPairPhi := phi.Def.HasPairRepresentation()

		// Expected shape of live range:
		//
		//                 B
		//      phi        [--------
		//
		liveRange := allocator.GetLiveRange(vreg)
		liveRange.DefineAt(pos) // shorten live range
		if isLoopHeader {
			liveRange.MarkLoopPhi()
		}

		if isPairPhi {
			secondRange := allocator.GetLiveRange(phi.Def.PairVReg)
			secondRange.DefineAt(pos)
			if isLoopHeader {
				secondRange.MarkLoopPhi()
			}
		}

		for predIdx := range phi.Inputs {
			pred := join.Preds[predIdx]
			jump, ok := pred.LastInstruction().(*ir.Goto)
			if !ok || !jump.HasParallelMove() {
				panic("should never happen")
			}

			move := jump.Move.MoveOperandsAt(moveIdx)
			move.Dst = architecture.PrefersRegisterLocation()
			liveRange.AddUse(pos, move.DstSlot())

			if isPairPhi {
				secondRange := allocator.GetLiveRange(phi.Def.PairVReg)
				secondMove := jump.Move.MoveOperandsAt(moveIdx + 1)
				secondMove.Dst = architecture.PrefersRegisterLocation()
				secondRange.AddUse(pos, secondMove.DstSlot())
			}
		}

		// All phi resolution moves are connected.  The phi's live range
		// is complete.
		allocator.completeRangeFor(phi.Def, liveRange)
		allocator.completeRange(liveRange, phi.Def.Rep.RegisterKind())
		if isPairPhi {
			secondRange := allocator.GetLiveRange(phi.Def.PairVReg)
			allocator.completeRangeFor(phi.Def, secondRange)
			allocator.completeRange(secondRange, phi.Def.Rep.RegisterKind())
		}

		if isPairPhi {
			moveIdx += 2
		} else {
			moveIdx++
		}
	}
}

// processEnvironmentUses extends liveness for every value mentioned in
// the instruction's deoptimization environment.  Environment values
// must survive until the end of the instruction but do not need a
// register.
func (allocator *FlowGraphAllocator) processEnvironmentUses(
	block *ir.Block,
	current ir.Instruction,
) {
	for env := current.DeoptEnv(); env != nil; env = env.Outer {
		// Expected shape of live range:
		//
		//                 i  i'
		//      value    -----*
		//
		if len(env.Values) == 0 {
			continue
		}

		blockStartPos := block.StartPos
		usePos := allocator.LifetimePosition(current) + 1

		locations := make([]architecture.Location, len(env.Values))

		for idx, def := range env.Values {
			if def.IsPushedArgument {
				// Frame size is unknown until after allocation.
				locations[idx] = architecture.NoLocation()
				continue
			}

			if def.IsConstant() {
				locations[idx] = architecture.Constant(def.Constant, 0)
				continue
			}

			if def.Mat != nil {
				// The materialization itself produces no value, but its uses
				// are treated as part of the environment: allocated locations
				// will be used when building deoptimization data.
				locations[idx] = architecture.NoLocation()
				allocator.processMaterializationUses(
					block,
					blockStartPos,
					usePos,
					def.Mat)
				continue
			}

			if def.HasPairRepresentation() {
				locations[idx] = architecture.Pair(
					architecture.AnyLocation(),
					architecture.AnyLocation())
				pair := locations[idx].AsPairLocation()

				first := allocator.GetLiveRange(def.VReg)
				first.AddUseInterval(blockStartPos, usePos)
				first.AddUse(usePos, pair.SlotAt(0))

				second := allocator.GetLiveRange(def.PairVReg)
				second.AddUseInterval(blockStartPos, usePos)
				second.AddUse(usePos, pair.SlotAt(1))
			} else {
				locations[idx] = architecture.AnyLocation()
				liveRange := allocator.GetLiveRange(def.VReg)
				liveRange.AddUseInterval(blockStartPos, usePos)
				liveRange.AddUse(usePos, &locations[idx])
			}
		}

		env.Locations = locations
	}
}

func (allocator *FlowGraphAllocator) processMaterializationUses(
	block *ir.Block,
	blockStartPos int,
	usePos int,
	mat *ir.Materialize,
) {
	// A materialization can occur several times in the same
	// environment chain.  Process it once.
	if mat.Locations != nil {
		return
	}

	locations := make([]architecture.Location, len(mat.Inputs))
	mat.Locations = locations

	for idx, def := range mat.Inputs {
		switch {
		case def.IsConstant():
			locations[idx] = architecture.Constant(def.Constant, 0)

		case def.HasPairRepresentation():
			locations[idx] = architecture.Pair(
				architecture.AnyLocation(),
				architecture.AnyLocation())
			pair := locations[idx].AsPairLocation()

			first := allocator.GetLiveRange(def.VReg)
			first.AddUseInterval(blockStartPos, usePos)
			first.AddUse(usePos, pair.SlotAt(0))

			second := allocator.GetLiveRange(def.PairVReg)
			second.AddUseInterval(blockStartPos, usePos)
			second.AddUse(usePos, pair.SlotAt(1))

		case def.Mat != nil:
			locations[idx] = architecture.NoLocation()
			allocator.processMaterializationUses(block, blockStartPos, usePos, def.Mat)

		default:
			locations[idx] = architecture.AnyLocation()
			liveRange := allocator.GetLiveRange(def.VReg)
			liveRange.AddUseInterval(blockStartPos, usePos)
			liveRange.AddUse(usePos, &locations[idx])
		}
	}
}

func (allocator *FlowGraphAllocator) processOneInput(
	block *ir.Block,
	pos int,
	inRef *architecture.Location,
	vreg int,
	liveRegisters *architecture.RegisterUseSet,
) {
	if inRef == nil || inRef.IsPairLocation() {
		panic("should never happen")
	}

	liveRange := allocator.GetLiveRange(vreg)
	if inRef.IsMachineRegister() {
		// Input is expected in a fixed register.  Expected shape of live
		// ranges:
		//
		//                 j' i  i'
		//      value    --*
		//      register   [-----)
		//
		if liveRegisters != nil {
			liveRegisters.Add(*inRef, liveRange.Representation())
		}
		move := allocator.addMoveAt(pos-1, *inRef, architecture.AnyLocation())
		if inRef.IsRegister() &&
			!allocator.registers.IsAllocatableCpu(inRef.RegisterCode()) {
			panic("should never happen")
		}
		allocator.blockLocation(*inRef, pos-1, pos+1)
		liveRange.AddUseInterval(block.StartPos, pos-1)
		liveRange.AddHintedUse(pos-1, move.SrcSlot(), inRef)
	} else if inRef.IsUnallocated() {
		if inRef.Policy() == architecture.WritableRegister {
			// Writable unallocated input.  Expected shape of live ranges:
			//
			//                 i  i'
			//      value    --*
			//      temp       [--)
			move := allocator.addMoveAt(
				pos,
				architecture.RequiresRegisterLocation(),
				architecture.PrefersRegisterLocation())

			// Add uses to the live range of the input.
			liveRange.AddUseInterval(block.StartPos, pos)
			liveRange.AddUse(pos, move.SrcSlot())

			// Create a live range for the temporary.
			temp := allocator.MakeLiveRangeForTemporary()
			temp.AddUseInterval(pos, pos+1)
			temp.AddHintedUse(pos, inRef, move.SrcSlot())
			temp.AddUse(pos, move.DstSlot())
			*inRef = architecture.RequiresRegisterLocation()
			allocator.completeRange(temp, registerKindFromPolicy(*inRef))
		} else {
			if inRef.Policy() == architecture.RequiresStack {
				liveRange.MarkHasUsesRequiringStack()
			}

			// Normal unallocated input.  Expected shape of live ranges:
			//
			//                 i  i'
			//      value    -----*
			//
			liveRange.AddUseInterval(block.StartPos, pos+1)
			liveRange.AddUse(pos+1, inRef)
		}
	} else if !inRef.IsConstant() {
		panic("should never happen")
	}
}

func (allocator *FlowGraphAllocator) processOneOutput(
	block *ir.Block,
	pos int,
	out *architecture.Location,
	def *ir.Def,
	vreg int,
	outputSameAsFirstInput bool,
	inRef *architecture.Location,
	inputVReg int,
	interferenceSet *util.BitVector,
) {
	if out == nil || out.IsPairLocation() || def == nil {
		panic("should never happen")
	}

	var liveRange *LiveRange
	if vreg >= 0 {
		liveRange = allocator.GetLiveRange(vreg)
	} else {
		liveRange = allocator.MakeLiveRangeForTemporary()
	}

	if out.IsMachineRegister() {
		// Fixed output location.  Expected shape of live range:
		//
		//                    i  i' j  j'
		//    register        [--)
		//    output             [-------
		//
		if out.IsRegister() &&
			!allocator.registers.IsAllocatableCpu(out.RegisterCode()) {
			panic("should never happen")
		}
		allocator.blockLocation(*out, pos, pos+1)

		if liveRange.VReg() == TempVirtualRegister {
			return
		}

		// We need a move connecting the fixed register with another
		// location allocated for the output's live range.  Special case:
		// fixed output followed by a fixed input last use.
		use := liveRange.FirstUse()

		// If the value has no uses we don't need to allocate it.
		if use == nil {
			return
		}

		// Connect the fixed output to all inputs that immediately follow
		// to avoid allocating an intermediary register.
		for ; use != nil; use = use.Next() {
			if use.Pos() == pos+1 {
				// Allocate and then drop this use.
				if !use.Slot().IsUnallocated() {
					panic("should never happen")
				}
				*use.Slot() = *out
				liveRange.SetFirstUse(use.Next())
			} else {
				if use.Pos() <= pos+1 {
					panic("should never happen") // sorted
				}
				break
			}
		}

		// Shorten the live range to the point of definition; this might
		// make the range empty (if the only use immediately followed).
		// If the range is not empty add a move from the fixed register to
		// an unallocated location.
		liveRange.DefineAt(pos + 1)
		if liveRange.Start() == liveRange.End() {
			return
		}

		move := allocator.addMoveAt(pos+1, architecture.AnyLocation(), *out)
		liveRange.AddHintedUse(pos+1, move.DstSlot(), out)
	} else if outputSameAsFirstInput {
		if inRef == nil {
			panic("should never happen")
		}
		// The output register will contain the value of the first input
		// at the instruction's start.  Expected shape of live ranges:
		//
		//                 i  i'
		//    input #0   --*
		//    output       [----
		//
		if !inRef.Equals(architecture.RequiresRegisterLocation()) &&
			!inRef.Equals(architecture.RequiresFpuRegisterLocation()) {
			panic("should never happen")
		}
		*out = *inRef

		// Create a move copying the value between input and output.
		// Inside loops prefer to allocate a register for the value of
		// this move, but do not require it.
		src := architecture.AnyLocation()
		if block.Loop != nil {
			src = architecture.PrefersRegisterLocation()
		}
		move := allocator.addMoveAt(
			pos,
			architecture.RequiresRegisterLocation(),
			src)

		// Add uses to the live range of the input.
		inputRange := allocator.GetLiveRange(inputVReg)
		inputRange.AddUseInterval(block.StartPos, pos)
		inputRange.AddUse(pos, move.SrcSlot())

		// Shorten the output live range to the point of definition and
		// add both input and output use slots to be filled by the
		// allocator.
		liveRange.DefineAt(pos)
		liveRange.AddHintedUse(pos, out, move.SrcSlot())
		liveRange.AddUse(pos, move.DstSlot())
		liveRange.AddUse(pos, inRef)

		if interferenceSet != nil &&
			liveRange.VReg() >= 0 &&
			interferenceSet.Contains(liveRange.VReg()) {
			interferenceSet.Add(inputVReg)
		}
	} else {
		// Normal unallocated location that requires a register.  Expected
		// shape of live range:
		//
		//                    i  i'
		//    output          [-------
		//
		if !out.Equals(architecture.RequiresRegisterLocation()) &&
			!out.Equals(architecture.RequiresFpuRegisterLocation()) {
			panic("should never happen")
		}

		liveRange.DefineAt(pos)
		liveRange.AddUse(pos, out)
	}

	allocator.completeRangeFor(def, liveRange)
	allocator.completeRange(liveRange, def.Rep.RegisterKind())
}

// isDeadAfterCurrentInstruction returns true if defn is not used after
// the current instruction.  Only valid during range construction.
func (allocator *FlowGraphAllocator) isDeadAfterCurrentInstruction(
	block *ir.Block,
	defn *ir.Def,
) bool {
	// Do not bother with pair representations.
	if defn.HasPairRepresentation() {
		return false
	}

	liveRange := allocator.GetLiveRange(defn.VReg)

	// Ranges are built backward, so all uses encountered so far are
	// monotonically prepended to the start of the range.  A value can
	// only have a use after the current instruction if its range is not
	// empty and starts with an interval beginning within the current
	// block (either a real use in the block or the artificial interval
	// spanning the whole block created for values flowing out of it).
	return liveRange.FirstUseInterval() == nil ||
		liveRange.FirstUseInterval().Start() >= block.EndPos
}

// processOneInstruction creates and updates live ranges corresponding
// to the instruction's inputs, temporaries and output.
func (allocator *FlowGraphAllocator) processOneInstruction(
	block *ir.Block,
	current ir.Instruction,
	interferenceSet *util.BitVector,
) {
	locs := current.Locs()

	def := current.Defn()
	if def != nil && def.IsConstant() {
		if def.HasPairRepresentation() {
			panic("should never happen")
		}
		liveRange := allocator.GetLiveRange(def.VReg)

		// Drop definitions of constants that have no uses.
		if liveRange.FirstUse() == nil {
			locs.SetOut(architecture.NoLocation())
			return
		}

		// If this constant has only unconstrained uses convert them all
		// to use the constant directly and drop this definition.
		if hasOnlyUnconstrainedUses(liveRange) {
			constant := architecture.Constant(def.Constant, 0)
			liveRange.SetAssignedLocation(constant)
			liveRange.SetSpillSlot(constant)
			liveRange.Finger().Initialize(liveRange)
			allocator.convertAllUses(liveRange)

			locs.SetOut(architecture.NoLocation())
			return
		}
	}

	pos := allocator.LifetimePosition(current)
	if !isStartPosition(pos) {
		panic("should never happen")
	}

	if len(locs.Inputs) != len(current.Inputs()) {
		panic("should never happen")
	}

	// Normalize a same-as-first-input output when the input is a fixed
	// register.
	if locs.Out().IsUnallocated() &&
		locs.Out().Policy() == architecture.SameAsFirstInput {
		if locs.In(0).IsPairLocation() {
			inPair := locs.In(0).AsPairLocation()
			if inPair.At(0).IsMachineRegister() != inPair.At(1).IsMachineRegister() {
				panic("should never happen")
			}
			if inPair.At(0).IsMachineRegister() &&
				inPair.At(1).IsMachineRegister() {
				locs.SetOut(architecture.Pair(inPair.At(0), inPair.At(1)))
			}
		} else if locs.In(0).IsMachineRegister() {
			locs.SetOut(locs.In(0))
		}
	}

	if locs.Out().IsUnallocated() &&
		locs.Out().Policy() == architecture.SameAsFirstOrSecondInput {
		// If the operation has the same constraint on both inputs and the
		// first outlives the instruction while the second does not, flip
		// them to reduce register pressure and avoid a redundant move.
		if locs.In(0).Equals(locs.In(1)) {
			instr, ok := current.(*ir.Instr)
			if !ok {
				panic("should never happen")
			}
			defnLeft := instr.Ins[0]
			defnRight := instr.Ins[1]
			if !allocator.isDeadAfterCurrentInstruction(block, defnLeft) &&
				allocator.isDeadAfterCurrentInstruction(block, defnRight) {
				instr.Ins[0] = defnRight
				instr.Ins[1] = defnLeft
			}
		}
		locs.SetOut(architecture.Unallocated(architecture.SameAsFirstInput))
	}

	if locs.Out().IsUnallocated() &&
		locs.Out().Policy() == architecture.MayBeSameAsFirstInput {
		inputDefn := current.Inputs()[0]
		if allocator.isDeadAfterCurrentInstruction(block, inputDefn) {
			locs.SetOut(architecture.Unallocated(architecture.SameAsFirstInput))
		} else {
			locs.SetOut(architecture.RequiresRegisterLocation())
		}
	}

	outputSameAsFirstInput := locs.Out().IsUnallocated() &&
		locs.Out().Policy() == architecture.SameAsFirstInput

	// Output same as first input which is a pair.
	if outputSameAsFirstInput && locs.In(0).IsPairLocation() {
		locs.SetOut(architecture.Pair(
			architecture.RequiresRegisterLocation(),
			architecture.RequiresRegisterLocation()))
	}

	// Add uses from the deoptimization environment.
	if current.DeoptEnv() != nil {
		allocator.processEnvironmentUses(block, current)
	}

	// Process inputs.  Skip the first input if the output is specified
	// with the same-as-first-input policy; they are processed together
	// at the very end.
	firstInput := 0
	if outputSameAsFirstInput {
		firstInput = 1
	}
	for j := firstInput; j < len(locs.Inputs); j++ {
		input := current.Inputs()[j]
		inRef := locs.InSlot(j)

		var liveRegisters *architecture.RegisterUseSet
		if locs.HasCallOnSlowPath() {
			liveRegisters = &locs.LiveRegisters
		}

		if inRef.IsPairLocation() {
			if !input.HasPairRepresentation() {
				panic("should never happen")
			}
			pair := inRef.AsPairLocation()
			// Each element of the pair is assigned its own virtual
			// register number and is allocated its own live range.
			allocator.processOneInput(block, pos, pair.SlotAt(0), input.VReg, liveRegisters)
			allocator.processOneInput(block, pos, pair.SlotAt(1), input.PairVReg, liveRegisters)
		} else {
			allocator.processOneInput(block, pos, inRef, input.VReg, liveRegisters)
		}
	}

	// Process argument moves, interpreting them as fixed register
	// inputs.
	for _, move := range current.MoveArgs() {
		if !move.RegisterMove {
			continue
		}
		input := move.In
		if move.RegisterLoc.IsPairLocation() {
			pair := move.RegisterLoc.AsPairLocation()
			if !pair.At(0).IsMachineRegister() ||
				!pair.At(1).IsMachineRegister() {
				panic("should never happen")
			}
			allocator.processOneInput(block, pos, pair.SlotAt(0), input.VReg, nil)
			allocator.processOneInput(block, pos, pair.SlotAt(1), input.PairVReg, nil)
		} else {
			if !move.RegisterLoc.IsMachineRegister() {
				panic("should never happen")
			}
			allocator.processOneInput(block, pos, move.LocSlot(), input.VReg, nil)
		}
	}

	// Process temps.
	for j := 0; j < len(locs.Temps); j++ {
		// Expected shape of live range:
		//
		//              i  i'
		//              [--)
		//
		temp := locs.Temp(j)
		// Pair locations are not supported for temporaries.
		if temp.IsPairLocation() {
			panic("should never happen")
		}
		switch {
		case temp.IsMachineRegister():
			if temp.IsRegister() &&
				!allocator.registers.IsAllocatableCpu(temp.RegisterCode()) {
				panic("should never happen")
			}
			allocator.blockLocation(temp, pos, pos+1)

		case temp.IsUnallocated():
			liveRange := allocator.MakeLiveRangeForTemporary()
			liveRange.AddUseInterval(pos, pos+1)
			liveRange.AddUse(pos, locs.TempSlot(j))
			allocator.completeRange(liveRange, registerKindFromPolicy(temp))

		default:
			panic("should never happen")
		}
	}

	// Block all volatile (i.e. not native ABI callee-saved) registers
	// for leaf native calls.
	if locs.NativeLeafCall {
		allocator.blockCpuRegisters(
			allocator.registers.VolatileCpuRegisters,
			pos,
			pos+1)
		allocator.blockFpuRegisters(
			allocator.registers.VolatileFpuRegisters,
			pos,
			pos+1)
	}

	// Block all allocatable registers for calls.
	if locs.AlwaysCalls && !locs.CalleeSafeCall {
		// Expected shape of live range:
		//
		//              i  i'
		//              [--)
		//
		// The stack bitmap describes the position i.
		allocator.blockCpuRegisters(
			allocator.registers.AllCpuRegisters(),
			pos,
			pos+1)
		allocator.blockFpuRegisters(
			allocator.registers.AllFpuRegisters(),
			pos,
			pos+1)

		// Every register is blocked, so temps, inputs and output must
		// have been specified as fixed locations or stack permitting
		// policies.
		for j := 0; j < len(locs.Temps); j++ {
			if locs.Temp(j).IsUnallocated() {
				panic("should never happen")
			}
		}
		for j := 0; j < len(locs.Inputs); j++ {
			checkCallInput := func(loc architecture.Location) {
				if loc.IsUnallocated() &&
					loc.Policy() != architecture.Any &&
					loc.Policy() != architecture.RequiresStack {
					panic("should never happen")
				}
			}
			if locs.In(j).IsPairLocation() {
				pair := locs.In(j).AsPairLocation()
				checkCallInput(pair.At(0))
				checkCallInput(pair.At(1))
			} else {
				checkCallInput(locs.In(j))
			}
		}
	}

	if locs.CanCall && !locs.NativeLeafCall {
		allocator.safepoints = append(allocator.safepoints, safepoint{
			ins: current,
		})
	}

	if def == nil {
		if !locs.Out().IsInvalid() {
			panic("should never happen")
		}
		return
	}

	if locs.Out().IsInvalid() {
		return
	}

	out := locs.OutSlot()
	if out.IsPairLocation() {
		if !def.HasPairRepresentation() {
			panic("should never happen")
		}
		pair := out.AsPairLocation()
		if outputSameAsFirstInput {
			if !locs.InSlot(0).IsPairLocation() {
				panic("should never happen")
			}
			inPair := locs.InSlot(0).AsPairLocation()
			input := current.Inputs()[0]
			if !input.HasPairRepresentation() {
				panic("should never happen")
			}
			// Each element of the pair is assigned its own virtual register
			// number and is allocated its own live range.
			allocator.processOneOutput(
				block, pos, pair.SlotAt(0), def, def.VReg,
				true, inPair.SlotAt(0), input.VReg,
				interferenceSet)
			allocator.processOneOutput(
				block, pos, pair.SlotAt(1), def, def.PairVReg,
				true, inPair.SlotAt(1), input.PairVReg,
				interferenceSet)
		} else {
			allocator.processOneOutput(
				block, pos, pair.SlotAt(0), def, def.VReg,
				false, nil, NoVirtualRegister,
				interferenceSet)
			allocator.processOneOutput(
				block, pos, pair.SlotAt(1), def, def.PairVReg,
				false, nil, NoVirtualRegister,
				interferenceSet)
		}
	} else {
		if outputSameAsFirstInput {
			inRef := locs.InSlot(0)
			input := current.Inputs()[0]
			if inRef.IsPairLocation() {
				panic("should never happen")
			}
			allocator.processOneOutput(
				block, pos, out, def, def.VReg,
				true, inRef, input.VReg,
				interferenceSet)
		} else {
			allocator.processOneOutput(
				block, pos, out, def, def.VReg,
				false, nil, NoVirtualRegister,
				interferenceSet)
		}
	}
}

// completeRangeFor finalizes a definition's range: attaches covered
// safepoints and eagerly binds stack-requiring uses to the spill slot.
func (allocator *FlowGraphAllocator) completeRangeFor(
	defn *ir.Def,
	liveRange *LiveRange,
) {
	allocator.assignSafepoints(defn, liveRange)

	if !liveRange.HasUsesRequiringStack() {
		return
	}

	// Reserve a spill slot on the stack if not yet reserved.
	if liveRange.SpillSlot().IsInvalid() ||
		!liveRange.SpillSlot().HasStackIndex() {
		liveRange.SetSpillSlot(architecture.NoLocation())
		allocator.allocateSpillSlotFor(liveRange)
		if liveRange.Representation() == architecture.Tagged {
			allocator.markAsObjectAtSafepoints(liveRange)
		}
	}

	// Eagerly allocate all uses which require the stack.
	var prev *UsePosition
	for use := liveRange.FirstUse(); use != nil; use = use.Next() {
		if use.Slot().Equals(architecture.RequiresStackLocation()) {
			// Allocate this use and unlink it from the list.
			allocator.convertUseTo(use, liveRange.SpillSlot())
			if prev == nil {
				liveRange.SetFirstUse(use.Next())
			} else {
				prev.next = use.Next()
			}
		} else {
			prev = use
		}
	}
}

func (allocator *FlowGraphAllocator) splitInitialDefinitionAt(
	liveRange *LiveRange,
	pos int,
	kind architecture.LocationKind,
) {
	if liveRange.End() > pos {
		tail := liveRange.SplitAt(pos)
		allocator.completeRange(tail, kind)
	}
}

func (allocator *FlowGraphAllocator) processInitialDefinition(
	defn *ir.Def,
	liveRange *LiveRange,
	block *ir.Block,
	initialDefinitionIndex int,
	secondLocationForDefinition bool,
) {
	// Save the range end; splitting below may change it.
	rangeEnd := liveRange.End()

	if !defn.IsConstant() {
		location := defn.ParamLocation
		if location.IsInvalid() {
			panic("should never happen")
		}
		if location.IsPairLocation() {
			pairIdx := 0
			if secondLocationForDefinition {
				pairIdx = 1
			}
			location = location.AsPairLocation().At(pairIdx)
		}
		liveRange.SetAssignedLocation(location)
		if location.IsMachineRegister() {
			allocator.completeRangeFor(defn, liveRange)
			if liveRange.End() > block.StartPos+1 {
				allocator.splitInitialDefinitionAt(
					liveRange,
					block.StartPos+1,
					location.Kind())
			}
			allocator.convertAllUses(liveRange)
			allocator.blockLocation(location, block.StartPos, block.StartPos+1)
			return
		}
		liveRange.SetSpillSlot(location)
	} else {
		pairIdx := 0
		if secondLocationForDefinition {
			pairIdx = 1
		}
		constant := architecture.Constant(defn.Constant, pairIdx)
		liveRange.SetAssignedLocation(constant)
		liveRange.SetSpillSlot(constant)
	}

	allocator.completeRangeFor(defn, liveRange)
	liveRange.Finger().Initialize(liveRange)
	use := liveRange.Finger().FirstRegisterBeneficialUse(block.StartPos)
	if use != nil {
		tail := allocator.splitBetween(liveRange, block.StartPos, use.Pos())
		allocator.completeRange(tail, defn.Rep.RegisterKind())
	}
	allocator.convertAllUses(liveRange)

	spillSlot := liveRange.SpillSlot()
	if spillSlot.IsStackSlot() &&
		spillSlot.Base() == architecture.FrameRegister &&
		spillSlot.StackIndex() <= allocator.frame.FirstLocalFromFp &&
		!defn.IsConstant() {
		// On entry, the range is stored on the stack in the same space
		// used for spill slots.  Update spill slot state to reflect that
		// and prevent the allocator from reusing the space.
		spillSlotIndex := -allocator.frame.VariableIndexForFrameSlot(
			spillSlot.StackIndex())
		allocator.allocateSpillSlotForInitialDefinition(spillSlotIndex, rangeEnd)
		// All incoming parameters are assumed to be tagged.
		allocator.markAsObjectAtSafepoints(liveRange)
	}
}

func (allocator *FlowGraphAllocator) isLiveAfterCatchEntry(
	catchEntry *ir.Block,
	defn *ir.Def,
) bool {
	return defn == catchEntry.ExceptionDef || defn == catchEntry.StackTraceDef
}

// assignSafepoints finds all safepoints covered by the live range.
func (allocator *FlowGraphAllocator) assignSafepoints(
	defn *ir.Def,
	liveRange *LiveRange,
) {
	// Iterate from the most recently discovered safepoint, i.e. in
	// ascending position order (the block walk is backward).
	for idx := len(allocator.safepoints) - 1; idx >= 0; idx-- {
		point := allocator.safepoints[idx]

		var pos int
		if point.block != nil {
			// Exception and stack trace parameters of a catch entry are
			// live only after the catch entry.  Their spill slots should
			// not be scanned if GC occurs during a safepoint with a catch
			// entry PC, before control transfers to the handler.
			if allocator.isLiveAfterCatchEntry(point.block, defn) {
				continue
			}
			pos = point.block.StartPos
		} else {
			// The value is not live until the defining instruction is fully
			// executed; don't attach the definition's own safepoint.
			if point.ins.Defn() == defn {
				continue
			}
			pos = allocator.LifetimePosition(point.ins)
		}

		if liveRange.End() <= pos {
			break
		}
		if liveRange.Contains(pos) {
			liveRange.AddSafepoint(pos, point.locs())
		}
	}
}

func shouldBeAllocatedBefore(a *LiveRange, b *LiveRange) bool {
	return a.Start() <= b.Start()
}

// addToSortedListOfRanges keeps the list sorted by descending start so
// the next range to allocate can be popped from the end.
func addToSortedListOfRanges(list []*LiveRange, liveRange *LiveRange) []*LiveRange {
	liveRange.Finger().Initialize(liveRange)

	if len(list) == 0 {
		return append(list, liveRange)
	}

	for idx := len(list) - 1; idx >= 0; idx-- {
		if shouldBeAllocatedBefore(liveRange, list[idx]) {
			list = append(list, nil)
			copy(list[idx+2:], list[idx+1:])
			list[idx+1] = liveRange
			return list
		}
	}

	list = append(list, nil)
	copy(list[1:], list)
	list[0] = liveRange
	return list
}

func (allocator *FlowGraphAllocator) addToUnallocated(liveRange *LiveRange) {
	allocator.unallocated = addToSortedListOfRanges(
		allocator.unallocated,
		liveRange)
}

// completeRange queues the range for the pass matching its register
// kind.
func (allocator *FlowGraphAllocator) completeRange(
	liveRange *LiveRange,
	kind architecture.LocationKind,
) {
	switch kind {
	case architecture.RegisterLocation:
		allocator.unallocatedCpu = addToSortedListOfRanges(
			allocator.unallocatedCpu,
			liveRange)

	case architecture.FpuRegisterLocation:
		allocator.unallocatedFpu = addToSortedListOfRanges(
			allocator.unallocatedFpu,
			liveRange)

	default:
		panic("should never happen")
	}
}
