package allocator

import (
	"sort"

	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
)

// prepareForAllocation resets the per pass state: the register kind,
// the sorted worklist, and the per register lists seeded with the
// blocking pseudo ranges.
func (allocator *FlowGraphAllocator) prepareForAllocation(
	registerKind architecture.LocationKind,
	numberOfRegisters int,
	unallocated []*LiveRange,
	blockingRanges []*LiveRange,
	blockedRegisters []bool,
) {
	allocator.registerKind = registerKind
	allocator.numberOfRegisters = numberOfRegisters

	allocator.blockedRegisters = make([]bool, numberOfRegisters)
	allocator.registerRanges = make([][]*LiveRange, numberOfRegisters)

	if len(allocator.unallocated) != 0 {
		panic("should never happen")
	}
	allocator.unallocated = append(allocator.unallocated, unallocated...)

	for reg := 0; reg < numberOfRegisters; reg++ {
		allocator.blockedRegisters[reg] = blockedRegisters[reg]

		blocking := blockingRanges[reg]
		if blocking != nil {
			blocking.Finger().Initialize(blocking)
			allocator.registerRanges[reg] = append(
				allocator.registerRanges[reg],
				blocking)
		}
	}
}

// registerOrder iterates registers in a fixed biased order so that
// ties resolve toward the preferred ABI register deterministically.
func (allocator *FlowGraphAllocator) registerOrder(idx int) int {
	return (idx + allocator.registers.AllocationBias) %
		allocator.numberOfRegisters
}

func (allocator *FlowGraphAllocator) unallocatedIsSorted() bool {
	for idx := len(allocator.unallocated) - 1; idx >= 1; idx-- {
		a := allocator.unallocated[idx]
		b := allocator.unallocated[idx-1]
		if !shouldBeAllocatedBefore(a, b) {
			return false
		}
	}
	return true
}

func findCover(parent *LiveRange, pos int) *LiveRange {
	for liveRange := parent; liveRange != nil; liveRange = liveRange.NextSibling() {
		if liveRange.CanCover(pos) {
			return liveRange
		}
	}
	panic("no sibling covers the position")
}

// allocateUnallocatedRanges processes live ranges sorted by start and
// assigns registers to them.
func (allocator *FlowGraphAllocator) allocateUnallocatedRanges() {
	if !allocator.unallocatedIsSorted() {
		panic("should never happen")
	}

	for len(allocator.unallocated) > 0 {
		liveRange := allocator.unallocated[len(allocator.unallocated)-1]
		allocator.unallocated =
			allocator.unallocated[:len(allocator.unallocated)-1]

		start := liveRange.Start()
		if allocator.debug != nil {
			allocator.debug.processingRange(liveRange, start)
		}

		allocator.advanceActiveIntervals(start)

		if !allocator.allocateFreeRegister(liveRange) {
			if allocator.intrinsicMode {
				// No spilling when compiling intrinsics: the code must be
				// written so that enough free registers are available.
				panic("unreachable: intrinsic ran out of registers")
			}
			allocator.allocateAnyRegister(liveRange)
		}
	}

	// Finish allocation.
	allocator.advanceActiveIntervals(MaxPosition)

	// Ensure that all catch entry live ranges with register assigned
	// values also have spill slots allocated.  When an exception is
	// thrown, live values arrive at the catch entry via those slots.
	tryIndexes := make([]int, 0, len(allocator.graph.CatchEntries))
	for tryIndex := range allocator.graph.CatchEntries {
		tryIndexes = append(tryIndexes, tryIndex)
	}
	sort.Ints(tryIndexes)
	for _, tryIndex := range tryIndexes {
		catchEntry := allocator.graph.CatchEntries[tryIndex]
		allocator.liveness.LiveInOf(catchEntry).ForEach(func(vreg int) {
			liveRange := allocator.GetLiveRange(vreg)
			dstCover := findCover(liveRange, catchEntry.StartPos)
			dst := dstCover.AssignedLocation()

			if allocator.targetLocationIsSpillSlot(dstCover, dst) {
				// Values are eagerly spilled.  The spill slot already
				// contains the appropriate value.
				return
			}

			if allocator.isCatchEntryFixedLocation(catchEntry, dst) {
				return
			}

			if dst.IsRegister() || dst.IsFpuRegister() {
				if liveRange.SpillSlot().IsInvalid() {
					allocator.allocateSpillSlotFor(liveRange)
				}
			}
		})
	}
}

// isCatchEntryFixedLocation reports whether the location is one of the
// catch entry's hard coded exception/stacktrace registers.
func (allocator *FlowGraphAllocator) isCatchEntryFixedLocation(
	catchEntry *ir.Block,
	loc architecture.Location,
) bool {
	if catchEntry.ExceptionDef != nil &&
		loc.Equals(catchEntry.ExceptionDef.ParamLocation) {
		return true
	}
	if catchEntry.StackTraceDef != nil &&
		loc.Equals(catchEntry.StackTraceDef.ParamLocation) {
		return true
	}
	return false
}

// advanceActiveIntervals commits final locations of ranges whose
// remaining intervals all end before start, removing them from the per
// register lists.
func (allocator *FlowGraphAllocator) advanceActiveIntervals(start int) {
	for idx := 0; idx < allocator.numberOfRegisters; idx++ {
		reg := allocator.registerOrder(idx)
		ranges := allocator.registerRanges[reg]
		if len(ranges) == 0 {
			continue
		}

		firstEvicted := -1
		for rangeIdx := len(ranges) - 1; rangeIdx >= 0; rangeIdx-- {
			liveRange := ranges[rangeIdx]
			if liveRange.Finger().Advance(start) {
				allocator.convertAllUses(liveRange)
				ranges[rangeIdx] = nil
				firstEvicted = rangeIdx
			}
		}

		if firstEvicted != -1 {
			allocator.registerRanges[reg] = removeEvicted(ranges, firstEvicted)
		}
	}
}

func removeEvicted(ranges []*LiveRange, firstEvicted int) []*LiveRange {
	to := firstEvicted
	for from := firstEvicted + 1; from < len(ranges); from++ {
		if ranges[from] != nil {
			ranges[to] = ranges[from]
			to++
		}
	}
	return ranges[:to]
}

// firstIntersectionWithAllocated finds the first intersection between
// the unallocated range and the ranges currently allocated to the
// register.
func (allocator *FlowGraphAllocator) firstIntersectionWithAllocated(
	reg int,
	unallocated *LiveRange,
) int {
	intersection := MaxPosition
	for _, allocated := range allocator.registerRanges[reg] {
		if allocated == nil {
			continue
		}

		allocatedHead := allocated.Finger().FirstPendingUseInterval()
		if allocatedHead.Start() >= intersection {
			continue
		}

		pos := firstIntersection(
			unallocated.Finger().FirstPendingUseInterval(),
			allocatedHead)
		if pos < intersection {
			intersection = pos
		}
	}
	return intersection
}

// allocateFreeRegister tries to find a register that is free over (a
// prefix of) the range.  Returns false if every register is blocked at
// the range's start.
func (allocator *FlowGraphAllocator) allocateFreeRegister(
	unallocated *LiveRange,
) bool {
	candidate := -1
	freeUntil := 0

	// If a hint is available try it first.
	hint := unallocated.Finger().FirstHint()

	// Incoming register parameters are implemented differently from
	// fixed outputs (no prefilled parallel move), which means no hinted
	// use gets created for the continuation sibling.  Carry over the
	// parent sibling's register when the tail begins exactly where the
	// parent ended to avoid relocating for no reason.
	if !hint.IsMachineRegister() && unallocated.VReg() >= 0 {
		parentRange := allocator.GetLiveRange(unallocated.VReg())
		if parentRange.End() == unallocated.Start() &&
			!allocator.isBlockEntry(unallocated.Start()) &&
			parentRange.AssignedLocation().IsMachineRegister() {
			hint = parentRange.AssignedLocation()
		}
	}

	if hint.IsMachineRegister() {
		if !allocator.blockedRegisters[hint.RegisterCode()] {
			freeUntil = allocator.firstIntersectionWithAllocated(
				hint.RegisterCode(),
				unallocated)
			candidate = hint.RegisterCode()
		}

		if allocator.debug != nil {
			allocator.debug.foundHint(hint, unallocated, freeUntil)
		}
	} else {
		for idx := 0; idx < allocator.numberOfRegisters; idx++ {
			reg := allocator.registerOrder(idx)
			if !allocator.blockedRegisters[reg] &&
				len(allocator.registerRanges[reg]) == 0 {
				candidate = reg
				freeUntil = MaxPosition
				break
			}
		}
	}

	if freeUntil != MaxPosition {
		for idx := 0; idx < allocator.numberOfRegisters; idx++ {
			reg := allocator.registerOrder(idx)
			if allocator.blockedRegisters[reg] || reg == candidate {
				continue
			}
			intersection := allocator.firstIntersectionWithAllocated(
				reg,
				unallocated)
			if intersection > freeUntil {
				candidate = reg
				freeUntil = intersection
				if freeUntil == MaxPosition {
					break
				}
			}
		}
	}

	// All registers are blocked by active ranges.
	if freeUntil <= unallocated.Start() {
		return false
	}

	// We have a good candidate (either hinted to us or completely
	// free).  If we are in a loop try to reduce the number of moves on
	// the back edge by searching for a candidate that does not
	// interfere with phis on the back edge.
	loop := allocator.BlockEntryAt(unallocated.Start()).Loop
	if unallocated.VReg() >= 0 &&
		loop != nil &&
		freeUntil >= allocator.extraLoopInfo[loop.Id].end &&
		allocator.extraLoopInfo[loop.Id].backedgeInterference != nil &&
		allocator.extraLoopInfo[loop.Id].backedgeInterference.Contains(
			unallocated.VReg()) {

		usedOnBackedge := make([]bool, allocator.numberOfRegisters)
		for _, phi := range loop.Header.Phis {
			checkPhiRange := func(phiRange *LiveRange) {
				if phiRange.AssignedLocation().Kind() == allocator.registerKind {
					reg := phiRange.AssignedLocation().RegisterCode()
					if !allocator.reachingDefs.Get(phi).Contains(unallocated.VReg()) {
						usedOnBackedge[reg] = true
					}
				}
			}
			checkPhiRange(allocator.GetLiveRange(phi.Def.VReg))
			if phi.Def.HasPairRepresentation() {
				checkPhiRange(allocator.GetLiveRange(phi.Def.PairVReg))
			}
		}

		if usedOnBackedge[candidate] {
			for idx := 0; idx < allocator.numberOfRegisters; idx++ {
				reg := allocator.registerOrder(idx)
				if allocator.blockedRegisters[reg] ||
					reg == candidate ||
					usedOnBackedge[reg] {
					continue
				}

				intersection := allocator.firstIntersectionWithAllocated(
					reg,
					unallocated)
				if intersection >= freeUntil {
					candidate = reg
					freeUntil = intersection
					break
				}
			}
		}
	}

	if freeUntil != MaxPosition {
		// There was an intersection.  Split unallocated.
		tail := unallocated.SplitAt(freeUntil)
		allocator.addToUnallocated(tail)

		// If unallocated represents a constant value and does not have
		// any uses then avoid using a register for it.
		if unallocated.FirstUse() == nil && unallocated.VReg() >= 0 {
			parent := allocator.GetLiveRange(unallocated.VReg())
			if parent.SpillSlot().IsConstant() {
				allocator.spill(unallocated)
				return true
			}
		}
	}

	if allocator.debug != nil {
		allocator.debug.assigningRegister(candidate, unallocated, "free")
	}

	allocator.registerRanges[candidate] = append(
		allocator.registerRanges[candidate],
		unallocated)
	unallocated.SetAssignedLocation(allocator.makeRegisterLocation(candidate))
	return true
}

func (allocator *FlowGraphAllocator) rangeHasOnlyUnconstrainedUsesInLoop(
	liveRange *LiveRange,
	loopId int,
) bool {
	if liveRange.VReg() >= 0 {
		parent := allocator.GetLiveRange(liveRange.VReg())
		return parent.HasOnlyUnconstrainedUsesInLoop(loopId)
	}
	return false
}

func (allocator *FlowGraphAllocator) isCheapToEvictRegisterInLoop(
	loop *ir.Loop,
	reg int,
) bool {
	loopStart := allocator.extraLoopInfo[loop.Id].start
	loopEnd := allocator.extraLoopInfo[loop.Id].end

	for _, allocated := range allocator.registerRanges[reg] {
		interval := allocated.Finger().FirstPendingUseInterval()
		if interval.Contains(loopStart) {
			if !allocator.rangeHasOnlyUnconstrainedUsesInLoop(allocated, loop.Id) {
				return false
			}
		} else if interval.Start() < loopEnd {
			return false
		}
	}

	return true
}

// hasCheapEvictionCandidate reports whether some register is blocked
// only by ranges with no register-beneficial uses inside the loop.
// Such a register is a good eviction candidate for a loop phi:
// spilling the phi itself would introduce memory operations inside the
// loop body and on the back edge.
func (allocator *FlowGraphAllocator) hasCheapEvictionCandidate(
	phiRange *LiveRange,
) bool {
	if !phiRange.IsLoopPhi() {
		panic("should never happen")
	}

	header := allocator.BlockEntryAt(phiRange.Start())
	if !header.IsLoopHeader() || phiRange.Start() != header.StartPos {
		panic("should never happen")
	}

	for reg := 0; reg < allocator.numberOfRegisters; reg++ {
		if allocator.blockedRegisters[reg] {
			continue
		}
		if allocator.isCheapToEvictRegisterInLoop(header.Loop, reg) {
			return true
		}
	}

	return false
}

// allocateAnyRegister is used when every register is occupied at the
// range's start: evict the interference that is used as far from the
// start as possible, or spill.
func (allocator *FlowGraphAllocator) allocateAnyRegister(
	unallocated *LiveRange,
) {
	// A loop phi without register uses might still be worth allocating
	// to a register to reduce memory moves on the back edge, provided
	// some register is blocked by a range that is cheap to evict.
	registerUse := unallocated.Finger().FirstRegisterUse(unallocated.Start())
	if registerUse == nil &&
		!(unallocated.IsLoopPhi() &&
			allocator.hasCheapEvictionCandidate(unallocated)) {
		allocator.spill(unallocated)
		return
	}

	candidate := -1
	freeUntil := 0
	blockedAt := MaxPosition

	for idx := 0; idx < allocator.numberOfRegisters; idx++ {
		reg := allocator.registerOrder(idx)
		if allocator.blockedRegisters[reg] {
			continue
		}
		if allocator.updateFreeUntil(reg, unallocated, &freeUntil, &blockedAt) {
			candidate = reg
		}
	}

	registerUsePos := unallocated.Start()
	if registerUse != nil {
		registerUsePos = registerUse.Pos()
	}
	if freeUntil < registerUsePos {
		// Can't acquire a free register.  Spill until we really need one.
		if unallocated.Start() >= toStartPosition(registerUsePos) {
			panic("should never happen")
		}
		allocator.spillBetween(
			unallocated,
			unallocated.Start(),
			registerUse.Pos())
		return
	}

	if candidate == -1 {
		panic("should never happen")
	}

	if allocator.debug != nil {
		allocator.debug.assigningRegister(candidate, unallocated, "blocked")
	}

	if blockedAt < unallocated.End() {
		// The register is blocked before the end of the live range.
		// Split the range at latest at the blocked position.
		tail := allocator.splitBetween(
			unallocated,
			unallocated.Start(),
			blockedAt+1)
		allocator.addToUnallocated(tail)
	}

	allocator.assignNonFreeRegister(unallocated, candidate)
}

// updateFreeUntil computes how long the register remains usable for
// the unallocated range and updates the running maximum.  A register
// is disqualified when a pseudo range blocks it outright or an active
// range's interfering use is within one instruction of the start.
func (allocator *FlowGraphAllocator) updateFreeUntil(
	reg int,
	unallocated *LiveRange,
	curFreeUntil *int,
	curBlockedAt *int,
) bool {
	freeUntil := MaxPosition
	blockedAt := MaxPosition
	start := unallocated.Start()

	for _, allocated := range allocator.registerRanges[reg] {
		firstPendingUseInterval := allocated.Finger().FirstPendingUseInterval()
		if firstPendingUseInterval.Contains(start) {
			// This is an active interval.
			if allocated.VReg() < 0 {
				// The register is blocked by an interval that cannot be
				// spilled.
				return false
			}

			use := allocated.Finger().FirstInterferingUse(start)
			if use != nil && toStartPosition(use.Pos())-start <= 1 {
				// The register is blocked by an interval used as a register
				// in the current instruction; it cannot be spilled.
				return false
			}

			usePos := allocated.End()
			if use != nil {
				usePos = use.Pos()
			}
			if usePos < freeUntil {
				freeUntil = usePos
			}
		} else {
			// This is an inactive interval.
			intersection := firstIntersection(
				firstPendingUseInterval,
				unallocated.FirstUseInterval())
			if intersection != MaxPosition {
				if intersection < freeUntil {
					freeUntil = intersection
				}
				if allocated.VReg() == NoVirtualRegister {
					blockedAt = intersection
				}
			}
		}

		if freeUntil <= *curFreeUntil {
			return false
		}
	}

	if freeUntil <= *curFreeUntil {
		panic("should never happen")
	}
	*curFreeUntil = freeUntil
	*curBlockedAt = blockedAt
	return true
}

// assignNonFreeRegister assigns the selected register to the range and
// evicts any interference that can be evicted by splitting and
// spilling parts of interfering live ranges.
func (allocator *FlowGraphAllocator) assignNonFreeRegister(
	unallocated *LiveRange,
	reg int,
) {
	ranges := allocator.registerRanges[reg]
	firstEvicted := -1
	for idx := len(ranges) - 1; idx >= 0; idx-- {
		allocated := ranges[idx]
		if allocated.VReg() < 0 {
			continue // cannot be evicted
		}
		if allocator.evictIntersection(allocated, unallocated) {
			// If allocated was not spilled convert all pending uses.
			if allocated.AssignedLocation().IsMachineRegister() {
				if allocated.End() > unallocated.Start() {
					panic("should never happen")
				}
				allocator.convertAllUses(allocated)
			}
			ranges[idx] = nil
			firstEvicted = idx
		}
	}

	// Remove evicted ranges from the list.
	if firstEvicted != -1 {
		allocator.registerRanges[reg] = removeEvicted(ranges, firstEvicted)
	}

	allocator.registerRanges[reg] = append(
		allocator.registerRanges[reg],
		unallocated)
	unallocated.SetAssignedLocation(allocator.makeRegisterLocation(reg))
}

func (allocator *FlowGraphAllocator) evictIntersection(
	allocated *LiveRange,
	unallocated *LiveRange,
) bool {
	firstUnallocated := unallocated.Finger().FirstPendingUseInterval()
	intersection := firstIntersection(
		allocated.Finger().FirstPendingUseInterval(),
		firstUnallocated)
	if intersection == MaxPosition {
		return false
	}

	spillPosition := firstUnallocated.Start()
	use := allocated.Finger().FirstInterferingUse(spillPosition)
	if use == nil {
		// No register uses after this point.
		allocator.spillAfter(allocated, spillPosition)
	} else {
		restorePosition := use.Pos()
		if spillPosition < intersection {
			restorePosition = minPosition(intersection, use.Pos())
		}
		allocator.spillBetween(allocated, spillPosition, restorePosition)
	}

	return true
}

// splitBetween splits the range in an optimal position between the
// given positions.
func (allocator *FlowGraphAllocator) splitBetween(
	liveRange *LiveRange,
	from int,
	to int,
) *LiveRange {
	if allocator.debug != nil {
		allocator.debug.splittingBetween(liveRange, from, to)
	}

	splitPos := IllegalPosition

	splitBlockEntry := allocator.BlockEntryAt(to)

	if from < splitBlockEntry.StartPos {
		// The interval [from, to) spans multiple blocks.

		// If the last block is inside a loop, prefer splitting at the
		// outermost loop's header that follows the definition.  Even if
		// the potential split position linearly appears inside a loop
		// without belonging to the natural loop, we still prefer
		// splitting at the header: splitting in the "middle" of the loop
		// would disconnect the prefix of the loop from any block that
		// follows, increasing the chance of disconnected allocations.
		loop := splitBlockEntry.Loop
		if loop == nil {
			for _, candidate := range allocator.graph.Loops {
				extra := allocator.extraLoopInfo[candidate.Id]
				if extra.start < to && to < extra.end {
					loop = candidate
					break
				}
			}
		}
		for loop != nil && from < loop.Header.StartPos {
			splitBlockEntry = loop.Header
			loop = loop.Outer
		}

		// Split at the block's start.
		splitPos = splitBlockEntry.StartPos
	} else {
		// The interval [from, to) is contained inside a single block.
		// Split at the position corresponding to the end of the previous
		// instruction.
		splitPos = toStartPosition(to) - 1
	}

	if splitPos == IllegalPosition || from >= splitPos {
		panic("should never happen")
	}

	return liveRange.SplitAt(splitPos)
}

// spillBetween spills the range from the given position until some
// position preceding the to position.
func (allocator *FlowGraphAllocator) spillBetween(
	liveRange *LiveRange,
	from int,
	to int,
) {
	if from >= to {
		panic("should never happen")
	}
	if allocator.debug != nil {
		allocator.debug.spillingBetween(liveRange, from, to)
	}

	tail := liveRange.SplitAt(from)

	if tail.Start() < to {
		// There is an intersection of tail and [from, to).
		tailTail := allocator.splitBetween(tail, tail.Start(), to)
		allocator.spill(tail)
		allocator.addToUnallocated(tailTail)
	} else {
		// No intersection between tail and [from, to).
		allocator.addToUnallocated(tail)
	}
}

// spillAfter spills the range from the given position onwards.
func (allocator *FlowGraphAllocator) spillAfter(
	liveRange *LiveRange,
	from int,
) {
	if allocator.debug != nil {
		allocator.debug.spillingAfter(liveRange, from)
	}

	// When spilling the value inside a loop, check if this spill can be
	// moved outside.
	loop := allocator.BlockEntryAt(from).Loop
	if loop != nil {
		if liveRange.Start() <= loop.Header.StartPos &&
			allocator.rangeHasOnlyUnconstrainedUsesInLoop(liveRange, loop.Id) {
			if loop.Header.StartPos > from {
				panic("should never happen")
			}
			from = loop.Header.StartPos
		}
	}

	tail := liveRange.SplitAt(from)
	allocator.spill(tail)
}

// spill assigns the parent's spill slot (allocating one on first use)
// to the range and rewrites its uses to the slot.
func (allocator *FlowGraphAllocator) spill(liveRange *LiveRange) {
	parent := allocator.GetLiveRange(liveRange.VReg())
	if parent.SpillSlot().IsInvalid() {
		allocator.allocateSpillSlotFor(parent)
		if liveRange.Representation() == architecture.Tagged {
			allocator.markAsObjectAtSafepoints(parent)
		}
	}
	liveRange.SetAssignedLocation(parent.SpillSlot())
	allocator.convertAllUses(liveRange)
}

func (allocator *FlowGraphAllocator) targetLocationIsSpillSlot(
	liveRange *LiveRange,
	target architecture.Location,
) bool {
	return allocator.GetLiveRange(liveRange.VReg()).SpillSlot().Equals(target)
}

func (allocator *FlowGraphAllocator) convertUseTo(
	use *UsePosition,
	loc architecture.Location,
) {
	if loc.IsPairLocation() {
		panic("should never happen")
	}
	if use.Slot() == nil {
		panic("should never happen")
	}
	*use.Slot() = loc
}

// convertAllUses commits the range's assigned location to all of its
// use slots and records register-held tagged values at slow path
// safepoints.
func (allocator *FlowGraphAllocator) convertAllUses(liveRange *LiveRange) {
	if liveRange.VReg() == NoVirtualRegister {
		return
	}

	loc := liveRange.AssignedLocation()
	if loc.IsInvalid() {
		panic("should never happen")
	}

	if allocator.debug != nil {
		allocator.debug.convertingUses(liveRange, loc)
	}

	for use := liveRange.FirstUse(); use != nil; use = use.Next() {
		allocator.convertUseTo(use, loc)
	}

	// Add live registers at all safepoints for instructions with slow
	// path code.
	if loc.IsMachineRegister() {
		for point := liveRange.FirstSafepoint(); point != nil; point = point.Next() {
			if !point.Locs().AlwaysCalls {
				if !point.Locs().CanCall {
					panic("should never happen")
				}
				point.Locs().LiveRegisters.Add(loc, liveRange.Representation())
			}
		}
	}
}
