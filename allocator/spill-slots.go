package allocator

import (
	"github.com/pattyshack/towhee/architecture"
)

// allocateSpillSlotFor finds (or creates) a spill slot usable by the
// given live range over its whole sibling chain.
//
// During fpu allocation, spill slot indexes are computed in terms of
// double (64 bit) stack slots.  A quad (128 bit) slot is a consecutive
// pair of double slots; the same index is never handed out to both
// double and quad slots since that complicates disambiguation during
// parallel move resolution.  Tagged and untagged slots are likewise
// kept disjoint.
func (allocator *FlowGraphAllocator) allocateSpillSlotFor(
	liveRange *LiveRange,
) {
	if !liveRange.SpillSlot().IsInvalid() {
		panic("should never happen")
	}

	// Compute the lifetime of the range over all siblings.
	lastSibling := liveRange
	for lastSibling.NextSibling() != nil {
		lastSibling = lastSibling.NextSibling()
	}

	start := liveRange.Start()
	end := lastSibling.End()

	needQuad := allocator.registerKind == architecture.FpuRegisterLocation &&
		liveRange.Representation().IsQuad()
	needUntagged := allocator.registerKind == architecture.RegisterLocation &&
		liveRange.Representation() == architecture.Untagged

	// Search among allocated slots for one whose value is dead and
	// whose type matches.  For cpu registers, the slots reserved for
	// catch entries are skipped.
	idx := 0
	if allocator.registerKind == architecture.RegisterLocation {
		idx = allocator.graph.FixedSlotCount
	}
	for ; idx < len(allocator.spillSlots); idx++ {
		if needQuad == allocator.quadSpillSlots[idx] &&
			needUntagged == allocator.untaggedSpillSlots[idx] &&
			allocator.spillSlots[idx] <= start {
			break
		}
	}

	if idx == len(allocator.spillSlots) {
		// No free spill slot found.  Allocate a new one.
		allocator.spillSlots = append(allocator.spillSlots, 0)
		allocator.quadSpillSlots = append(allocator.quadSpillSlots, needQuad)
		allocator.untaggedSpillSlots = append(
			allocator.untaggedSpillSlots,
			needUntagged)
		if needQuad {
			// A quad slot occupies two adjacent double stack slots.
			allocator.spillSlots = append(allocator.spillSlots, 0)
			allocator.quadSpillSlots = append(allocator.quadSpillSlots, needQuad)
			allocator.untaggedSpillSlots = append(
				allocator.untaggedSpillSlots,
				needUntagged)
		}
	}

	// Set the slot expiration boundary to the live range's end.
	allocator.spillSlots[idx] = end
	if needQuad {
		if !allocator.quadSpillSlots[idx] || !allocator.quadSpillSlots[idx+1] {
			panic("quad spill slot bookkeeping inconsistency")
		}
		// Use the higher index; it corresponds to the lower stack
		// address.
		idx++
		allocator.spillSlots[idx] = end
	} else {
		if allocator.quadSpillSlots[idx] {
			panic("quad spill slot bookkeeping inconsistency")
		}
	}

	// Assign the spill slot to the range.
	rep := liveRange.Representation()
	if rep.IsUnboxedInteger() ||
		rep == architecture.Tagged ||
		rep == architecture.PairOfTagged ||
		rep == architecture.Untagged {
		slotIndex := allocator.frame.FrameSlotForVariableIndex(-idx)
		liveRange.SetSpillSlot(architecture.StackSlot(
			slotIndex,
			architecture.FrameRegister))
	} else {
		// The slot with the lowest address is used as the index of the
		// fpu spill slot.  In terms of indexes this relation is inverted,
		// so take the highest index.
		factor := allocator.registers.DoubleSpillFactor()
		slotIdx := allocator.frame.FrameSlotForVariableIndex(
			-(allocator.cpuSpillSlotCount + idx*factor + (factor - 1)))

		var location architecture.Location
		if rep.IsQuad() {
			if !needQuad {
				panic("should never happen")
			}
			location = architecture.QuadStackSlot(
				slotIdx,
				architecture.FrameRegister)
		} else {
			if rep != architecture.UnboxedFloat &&
				rep != architecture.UnboxedDouble {
				panic("should never happen")
			}
			location = architecture.DoubleStackSlot(
				slotIdx,
				architecture.FrameRegister)
		}
		liveRange.SetSpillSlot(location)
	}

	allocator.spilled = append(allocator.spilled, liveRange)
}

// allocateSpillSlotForInitialDefinition reserves the spill slot
// occupied by an initial definition stored in the spill area so the
// allocator does not reuse the space while the definition is live.
func (allocator *FlowGraphAllocator) allocateSpillSlotForInitialDefinition(
	slotIndex int,
	rangeEnd int,
) {
	if slotIndex < len(allocator.spillSlots) {
		// Multiple initial definitions can share a spill slot when the
		// function has both an osr entry and a catch entry.
		if rangeEnd > allocator.spillSlots[slotIndex] {
			allocator.spillSlots[slotIndex] = rangeEnd
		}
		if allocator.quadSpillSlots[slotIndex] ||
			allocator.untaggedSpillSlots[slotIndex] {
			panic("quad spill slot bookkeeping inconsistency")
		}
	} else {
		for len(allocator.spillSlots) < slotIndex {
			allocator.spillSlots = append(allocator.spillSlots, MaxPosition)
			allocator.quadSpillSlots = append(allocator.quadSpillSlots, false)
			allocator.untaggedSpillSlots = append(
				allocator.untaggedSpillSlots,
				false)
		}
		allocator.spillSlots = append(allocator.spillSlots, rangeEnd)
		allocator.quadSpillSlots = append(allocator.quadSpillSlots, false)
		allocator.untaggedSpillSlots = append(allocator.untaggedSpillSlots, false)
	}
}

// markAsObjectAtSafepoints sets the range's spill slot bit in the
// stack bitmap of every safepoint covered by any sibling.
func (allocator *FlowGraphAllocator) markAsObjectAtSafepoints(
	liveRange *LiveRange,
) {
	spillSlot := liveRange.SpillSlot()
	stackIndex := spillSlot.StackIndex()
	if spillSlot.Base() == architecture.FrameRegister {
		stackIndex = -allocator.frame.VariableIndexForFrameSlot(
			spillSlot.StackIndex())
	}
	if stackIndex < 0 {
		panic("should never happen")
	}

	for ; liveRange != nil; liveRange = liveRange.NextSibling() {
		for point := liveRange.FirstSafepoint(); point != nil; point = point.Next() {
			// Mark the stack slot as holding an object.
			point.Locs().SetStackBit(stackIndex)
		}
	}
}
