package allocator

import (
	"io"

	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
	"github.com/pattyshack/towhee/platform"
	"github.com/pattyshack/towhee/util"
)

type Options struct {
	// Intrinsic code must fit in the available registers; spilling is a
	// fatal condition in intrinsic mode.
	IntrinsicMode bool

	// When non-nil, allocation decisions are traced to this writer.
	// Tracing never influences the allocation outcome.
	TraceTo io.Writer

	// External resolver that sequentializes the emitted parallel moves.
	// Scheduling is skipped when nil.
	MoveResolver ParallelMoveResolver
}

// ParallelMoveResolver expands a parallel move into sequential machine
// moves, breaking cycles via a scratch register or a temporary spill.
type ParallelMoveResolver interface {
	Resolve(*ir.ParallelMove)
}

// A linear scan register allocator over a lowered ssa graph.
//
// The allocator assigns every operand and result a concrete machine
// location (register or spill slot) and inserts parallel moves on
// block edges and within blocks to resolve the assignment across
// split points.  It is constructed around one graph and discarded
// after use.
type FlowGraphAllocator struct {
	graph *ir.Graph

	platform.Platform

	registers *architecture.RegisterSet
	frame     architecture.FrameLayout

	intrinsicMode bool

	reachingDefs *ReachingDefs

	// Representation for ssa values indexed by vreg.
	valueRepresentations []architecture.Representation

	// Lifetime positions of numbered instructions.  Parallel moves
	// share the position of an adjacent instruction.
	positions map[ir.Instruction]int

	// Mapping between lifetime positions (pos/2) and instructions /
	// block entries.
	instructions []ir.Instruction
	blockEntries []*ir.Block

	extraLoopInfo []*extraLoopInfo

	liveness *SSALiveness

	vregCount int

	// Parent live ranges indexed by vreg.
	liveRanges []*LiveRange

	unallocatedCpu []*LiveRange
	unallocatedFpu []*LiveRange

	// Register blocking pseudo ranges, indexed by register code.
	cpuRegs []*LiveRange
	fpuRegs []*LiveRange

	blockedCpuRegisters []bool
	blockedFpuRegisters []bool

	temporaries []*LiveRange

	// Ranges assigned to their spill slot; resolved into eager spill
	// moves at the end.
	spilled []*LiveRange

	// Call bearing instructions and catch entries, in discovery order.
	safepoints []safepoint

	// State of the current allocation pass.
	registerKind      architecture.LocationKind
	numberOfRegisters int

	// Per register lists of allocated live ranges that can still affect
	// future allocation decisions.
	registerRanges   [][]*LiveRange
	blockedRegisters []bool

	// Worklist sorted by ascending range start; the next range to
	// allocate is at the end.
	unallocated []*LiveRange

	// Parallel arrays of spill slot state: position after which the
	// slot is free, quad flag, untagged flag.
	spillSlots         []int
	quadSpillSlots     []bool
	untaggedSpillSlots []bool

	cpuSpillSlotCount int

	moveResolver ParallelMoveResolver

	completed bool

	debug *debugger
}

// A safepoint is either a call bearing instruction or a catch entry
// block (catch entries are briefly safepoints after their entry moves
// execute).
type safepoint struct {
	ins   ir.Instruction
	block *ir.Block
}

func (point safepoint) locs() *ir.LocationSummary {
	if point.block != nil {
		return point.block.Summary
	}
	return point.ins.Locs()
}

// Additional information on loops during register allocation.
type extraLoopInfo struct {
	start int
	end   int

	backedgeInterference *util.BitVector
}

func NewFlowGraphAllocator(
	graph *ir.Graph,
	targetPlatform platform.Platform,
	options Options,
) *FlowGraphAllocator {
	registers := targetPlatform.Registers()

	allocator := &FlowGraphAllocator{
		graph:                graph,
		Platform:             targetPlatform,
		registers:            registers,
		frame:                targetPlatform.FrameLayout(),
		intrinsicMode:        options.IntrinsicMode,
		valueRepresentations: make([]architecture.Representation, graph.MaxVReg),
		positions:            map[ir.Instruction]int{},
		vregCount:            graph.MaxVReg,
		liveRanges:           make([]*LiveRange, graph.MaxVReg),
		cpuRegs:              make([]*LiveRange, registers.NumCpuRegisters),
		fpuRegs:              make([]*LiveRange, registers.NumFpuRegisters),
		blockedCpuRegisters:  make([]bool, registers.NumCpuRegisters),
		blockedFpuRegisters:  make([]bool, registers.NumFpuRegisters),
		moveResolver:         options.MoveResolver,
	}

	allocator.reachingDefs = NewReachingDefs(graph)
	allocator.liveness = NewSSALiveness(graph)

	if options.TraceTo != nil {
		allocator.debug = newDebugger(options.TraceTo, allocator)
	}

	// Mark unavailable cpu registers as blocked.
	for code := 0; code < registers.NumCpuRegisters; code++ {
		if !registers.IsAllocatableCpu(code) {
			allocator.blockedCpuRegisters[code] = true
		}
	}

	// The fpu scratch is used by the parallel move resolver.
	allocator.blockedFpuRegisters[registers.FpuScratch] = true

	return allocator
}

// GetLiveRange maps a virtual register number to its (parent) live
// range.
func (allocator *FlowGraphAllocator) GetLiveRange(vreg int) *LiveRange {
	if allocator.liveRanges[vreg] == nil {
		rep := allocator.valueRepresentations[vreg]
		if rep == architecture.NoRepresentation {
			panic("should never happen")
		}
		allocator.liveRanges[vreg] = NewLiveRange(vreg, rep)
	}
	return allocator.liveRanges[vreg]
}

func (allocator *FlowGraphAllocator) MakeLiveRangeForTemporary() *LiveRange {
	// Representation does not matter for temps.
	liveRange := NewLiveRange(
		TempVirtualRegister,
		architecture.NoRepresentation)
	allocator.temporaries = append(allocator.temporaries, liveRange)
	return liveRange
}

func (allocator *FlowGraphAllocator) LifetimePosition(
	ins ir.Instruction,
) int {
	pos, ok := allocator.positions[ins]
	if !ok {
		panic("should never happen")
	}
	return pos
}

func (allocator *FlowGraphAllocator) setLifetimePosition(
	ins ir.Instruction,
	pos int,
) {
	allocator.positions[ins] = pos
}

func (allocator *FlowGraphAllocator) InstructionAt(pos int) ir.Instruction {
	return allocator.instructions[pos/2]
}

func (allocator *FlowGraphAllocator) BlockEntryAt(pos int) *ir.Block {
	return allocator.blockEntries[pos/2]
}

func (allocator *FlowGraphAllocator) isBlockEntry(pos int) bool {
	if !isStartPosition(pos) {
		return false
	}
	return allocator.BlockEntryAt(pos).StartPos == pos
}

func (allocator *FlowGraphAllocator) isCatchBlockEntry(pos int) bool {
	return allocator.isBlockEntry(pos) &&
		allocator.BlockEntryAt(pos).Kind == ir.CatchEntry
}

func (allocator *FlowGraphAllocator) makeRegisterLocation(
	code int,
) architecture.Location {
	return architecture.MachineRegister(allocator.registerKind, code)
}

// AllocateRegisters runs the allocator over the graph.  Running a
// second time on already allocated ir is rejected.
func (allocator *FlowGraphAllocator) AllocateRegisters() {
	if allocator.completed {
		panic("graph already allocated")
	}
	allocator.completed = true

	allocator.collectRepresentations()

	allocator.liveness.Analyze()

	allocator.numberInstructions()

	allocator.buildLiveRanges()

	if allocator.debug != nil {
		allocator.debug.printHeader("before allocation")
		allocator.debug.printLiveRanges()
	}

	allocator.prepareForAllocation(
		architecture.RegisterLocation,
		allocator.registers.NumCpuRegisters,
		allocator.unallocatedCpu,
		allocator.cpuRegs,
		allocator.blockedCpuRegisters)
	allocator.allocateUnallocatedRanges()

	// FixedSlotCount stack slots are reserved for catch entries.  Spill
	// slot allocation already accounts for the reserved slots, but if no
	// spill slots were allocated the reservation still stands.
	allocator.cpuSpillSlotCount = len(allocator.spillSlots)
	if allocator.cpuSpillSlotCount < allocator.graph.FixedSlotCount {
		allocator.cpuSpillSlotCount = allocator.graph.FixedSlotCount
	}
	allocator.spillSlots = nil
	allocator.quadSpillSlots = nil
	allocator.untaggedSpillSlots = nil

	allocator.prepareForAllocation(
		architecture.FpuRegisterLocation,
		allocator.registers.NumFpuRegisters,
		allocator.unallocatedFpu,
		allocator.fpuRegs,
		allocator.blockedFpuRegisters)
	allocator.allocateUnallocatedRanges()

	doubleSpillSlotCount :=
		len(allocator.spillSlots) * allocator.registers.DoubleSpillFactor()
	allocator.graph.SpillSlotCount = allocator.cpuSpillSlotCount +
		doubleSpillSlotCount +
		allocator.graph.MaxArgumentSlotCount

	allocator.removeFrameIfNotNeeded()

	allocator.allocateOutgoingArguments()

	allocator.resolveControlFlow()

	allocator.scheduleParallelMoves()

	if allocator.debug != nil {
		allocator.debug.printHeader("after allocation")
		allocator.debug.printLiveRanges()
	}
}
