package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
	"github.com/pattyshack/towhee/platform"
)

func allocate(t *testing.T, graph *ir.Graph, arch platform.ArchitectureName) *FlowGraphAllocator {
	targetPlatform := platform.NewPlatform(arch)
	flowGraphAllocator := NewFlowGraphAllocator(
		graph,
		targetPlatform,
		Options{})
	flowGraphAllocator.AllocateRegisters()
	checkAllSlotsConcrete(t, graph)
	return flowGraphAllocator
}

// A location is concrete once allocation finished: a machine register,
// a stack slot, or a constant reference (pairs recursively so).
func isConcrete(loc architecture.Location) bool {
	if loc.IsPairLocation() {
		pair := loc.AsPairLocation()
		return isConcrete(pair.At(0)) && isConcrete(pair.At(1))
	}
	return loc.IsMachineRegister() || loc.HasStackIndex() || loc.IsConstant()
}

// Every use position's slot must be populated after allocation.
func checkAllSlotsConcrete(t *testing.T, graph *ir.Graph) {
	checkMove := func(move *ir.ParallelMove) {
		for _, operands := range move.Moves {
			if operands.Dst.IsInvalid() && operands.Src.IsInvalid() {
				continue
			}
			assert.True(t, isConcrete(operands.Dst), "move dst %s", operands.Dst)
			assert.True(t, isConcrete(operands.Src), "move src %s", operands.Src)
		}
	}

	for _, block := range graph.Blocks {
		if block.EntryMove != nil {
			checkMove(block.EntryMove)
		}
		for _, ins := range block.Instructions {
			switch typed := ins.(type) {
			case *ir.ParallelMove:
				checkMove(typed)

			case *ir.Goto:
				if typed.HasParallelMove() {
					checkMove(typed.Move)
				}

			case *ir.MoveArg:
				if !typed.RegisterMove {
					assert.True(t, typed.RegisterLoc.HasStackIndex())
				}

			case *ir.Instr:
				locs := typed.Locs()
				for idx := range locs.Inputs {
					assert.True(t,
						isConcrete(locs.In(idx)),
						"%s input %d: %s",
						typed.Op,
						idx,
						locs.In(idx))
				}
				for idx := range locs.Temps {
					assert.True(t, isConcrete(locs.Temp(idx)))
				}
				if !locs.Out().IsInvalid() {
					assert.True(t,
						isConcrete(locs.Out()),
						"%s output: %s",
						typed.Op,
						locs.Out())
				}
			}
		}
	}
}

func findParallelMoveAt(
	alloc *FlowGraphAllocator,
	block *ir.Block,
	pos int,
) *ir.ParallelMove {
	for _, ins := range block.Instructions {
		move, ok := ins.(*ir.ParallelMove)
		if ok && alloc.LifetimePosition(move) == pos {
			return move
		}
	}
	return nil
}

func containsMove(
	move *ir.ParallelMove,
	dst architecture.Location,
	src architecture.Location,
) bool {
	if move == nil {
		return false
	}
	for _, operands := range move.Moves {
		if operands.Dst.Equals(dst) && operands.Src.Equals(src) {
			return true
		}
	}
	return false
}

// Straight-line code under no register pressure: every value stays in
// a register and the same-as-first-input output reuses its input.
func TestStraightLineNoPressure(t *testing.T) {
	builder := ir.NewBuilder("straight-line")

	entry := builder.NewBlock(ir.FunctionEntry)
	builder.Connect(builder.Graph().Entry, entry)

	x := builder.NewParameter(entry, architecture.Tagged, architecture.Register(2))
	y := builder.NewParameter(entry, architecture.Tagged, architecture.Register(3))
	z := builder.NewDef(architecture.Tagged)

	add := testInstr(
		"add",
		[]*ir.Def{x, y},
		[]architecture.Location{
			architecture.RequiresRegisterLocation(),
			architecture.RequiresRegisterLocation(),
		},
		z,
		architecture.Unallocated(architecture.SameAsFirstInput))
	entry.AppendInstruction(add)

	ret := testInstr(
		"ret",
		[]*ir.Def{z},
		[]architecture.Location{architecture.Register(0)},
		nil,
		architecture.Location{})
	entry.AppendInstruction(ret)

	graph := builder.Finish()
	alloc := allocate(t, graph, platform.Amd64)

	// Output reuses the first input's register.
	assert.True(t, add.Summary.Out().IsRegister())
	assert.True(t, add.Summary.Out().Equals(add.Summary.In(0)))
	assert.True(t, add.Summary.In(1).IsRegister())

	// The fixed input stays fixed.
	assert.True(t, ret.Summary.In(0).Equals(architecture.Register(0)))

	// No spills, and no calls means no frame.
	assert.Equal(t, 0, graph.SpillSlotCount)
	assert.True(t, graph.Frameless)

	// No range was ever split.
	assert.Nil(t, alloc.GetLiveRange(z.VReg).NextSibling())
}

// A tagged value live across a call is split and spilled to a tagged
// stack slot, appears in the call's stack bitmap, and is reloaded
// before its register use.
func TestValueLiveAcrossCall(t *testing.T) {
	builder := ir.NewBuilder("across-call")

	entry := builder.NewBlock(ir.FunctionEntry)
	builder.Connect(builder.Graph().Entry, entry)

	v := builder.NewDef(architecture.Tagged)
	load := testInstr(
		"load",
		nil,
		nil,
		v,
		architecture.RequiresRegisterLocation())
	entry.AppendInstruction(load)

	call := testInstr("call", nil, nil, nil, architecture.Location{})
	call.Summary.AlwaysCalls = true
	call.Summary.CanCall = true
	entry.AppendInstruction(call)

	use := testInstr(
		"use",
		[]*ir.Def{v},
		[]architecture.Location{architecture.RequiresRegisterLocation()},
		nil,
		architecture.Location{})
	entry.AppendInstruction(use)

	graph := builder.Finish()
	alloc := allocate(t, graph, platform.Amd64)

	parent := alloc.GetLiveRange(v.VReg)

	// The value was spilled to a tagged cpu spill slot.
	spillSlot := parent.SpillSlot()
	require.True(t, spillSlot.IsStackSlot())
	assert.Equal(t, architecture.FrameRegister, spillSlot.Base())
	assert.Equal(t, 1, graph.SpillSlotCount)

	// The spill slot is marked as holding an object at the call's
	// safepoint.
	assert.True(t, call.Summary.StackBitmap().Contains(0))

	// The use was rewritten to a register.
	useLoc := use.Summary.In(0)
	require.True(t, useLoc.IsRegister())

	// An eager spill stores the value right after its definition, and a
	// reload restores it right before the use.
	loadPos := alloc.LifetimePosition(load)
	usePos := alloc.LifetimePosition(use)
	spillMove := findParallelMoveAt(alloc, entry, loadPos+1)
	assert.True(t, containsMove(spillMove, spillSlot, load.Summary.Out()))

	reloadMove := findParallelMoveAt(alloc, entry, usePos-1)
	assert.True(t, containsMove(reloadMove, useLoc, spillSlot))

	// Siblings partition the value's lifetime: exactly one covers any
	// live position.
	for pos := parent.Start(); pos < usePos+1; pos++ {
		coverCount := 0
		for sibling := parent; sibling != nil; sibling = sibling.NextSibling() {
			if sibling.Contains(pos) {
				coverCount++
			}
		}
		assert.LessOrEqual(t, coverCount, 1, "position %d", pos)
	}

	// A call means the function needs a frame.
	assert.False(t, graph.Frameless)
}

// A simple counting loop: the phi is recognized as a loop phi, stays
// in a register, and its back edge input is hinted to the same place.
func TestLoopPhi(t *testing.T) {
	source := []byte(`
label: count
constants:
  - {name: c0, int: 1}
blocks:
  - name: entry
    kind: function-entry
    params:
      - {name: x, rep: tagged, loc: r2}
    succs: [head]
  - name: head
    kind: join-entry
    phis:
      - {name: i, rep: tagged, inputs: [x, next]}
    instructions:
      - op: less
        in: [i, c0]
        inputs: [requires-register, any]
        out: {name: cond, rep: tagged}
      - op: branch
        in: [cond]
        inputs: [requires-register]
    succs: [exit, body]
  - name: body
    instructions:
      - op: add
        in: [i, c0]
        inputs: [requires-register, any]
        out: {name: next, rep: tagged}
        output: same-as-first-input
    succs: [head]
  - name: exit
    instructions:
      - op: ret
        in: [i]
        inputs: [r0]
loops:
  - {header: head, backedges: [body], members: [head, body]}
`)

	graph, err := ir.LoadGraph(source)
	require.NoError(t, err)

	var head, body *ir.Block
	for _, block := range graph.Blocks {
		if block.Kind == ir.JoinEntry {
			head = block
		}
	}
	require.NotNil(t, head)
	for _, pred := range head.Preds {
		if pred.Loop != nil {
			body = pred
		}
	}
	require.NotNil(t, body)

	alloc := allocate(t, graph, platform.Amd64)

	phi := head.Phis[0]
	phiRange := alloc.GetLiveRange(phi.Def.VReg)
	assert.True(t, phiRange.IsLoopPhi())

	// The phi landed in a register.
	phiLoc := findCover(phiRange, head.StartPos).AssignedLocation()
	require.True(t, phiLoc.IsRegister())

	// Reaching defs contain both phi inputs.
	reaching := alloc.reachingDefs.Get(phi)
	assert.True(t, reaching.Contains(phi.InputAt(0).VReg))
	assert.True(t, reaching.Contains(phi.InputAt(1).VReg))

	// The back edge resolution move for the phi targets the phi's
	// location.
	jump, ok := body.LastInstruction().(*ir.Goto)
	require.True(t, ok)
	require.True(t, jump.HasParallelMove())

	foundPhiMove := false
	for _, operands := range jump.Move.Moves {
		if operands.Dst.Equals(phiLoc) {
			foundPhiMove = true
		}
	}
	assert.True(t, foundPhiMove)

	// No spills in a loop this small.
	assert.Equal(t, 0, graph.SpillSlotCount)
}

// A 64 bit pair value on a 32 bit target: the two halves are allocated
// independently and spill to disjoint untagged word slots.
func TestPairValueOn32BitTarget(t *testing.T) {
	builder := ir.NewBuilder("pair64")

	entry := builder.NewBlock(ir.FunctionEntry)
	builder.Connect(builder.Graph().Entry, entry)

	p := builder.NewParameter(
		entry,
		architecture.UnboxedInt64,
		architecture.Pair(architecture.Register(0), architecture.Register(1)))

	call := testInstr("call", nil, nil, nil, architecture.Location{})
	call.Summary.AlwaysCalls = true
	call.Summary.CanCall = true
	entry.AppendInstruction(call)

	use := &ir.Instr{
		Op:      "use64",
		Ins:     []*ir.Def{p},
		Summary: ir.NewLocationSummary(1, 0),
	}
	use.Summary.SetIn(0, architecture.Pair(
		architecture.RequiresRegisterLocation(),
		architecture.RequiresRegisterLocation()))
	entry.AppendInstruction(use)

	graph := builder.Finish()
	alloc := allocate(t, graph, platform.Arm32)

	require.True(t, p.HasPairRepresentation())

	// Both halves are present in registers at the use.
	pair := use.Summary.In(0).AsPairLocation()
	require.True(t, pair.At(0).IsRegister())
	require.True(t, pair.At(1).IsRegister())
	assert.False(t, pair.At(0).Equals(pair.At(1)))

	// Each half owns its own word spill slot; the halves never share.
	lowSlot := alloc.GetLiveRange(p.VReg).SpillSlot()
	highSlot := alloc.GetLiveRange(p.PairVReg).SpillSlot()
	require.True(t, lowSlot.IsStackSlot())
	require.True(t, highSlot.IsStackSlot())
	assert.False(t, lowSlot.Equals(highSlot))

	// Unboxed int64 halves are tracked as untagged machine words and
	// must not appear in any safepoint stack bitmap.
	assert.Equal(t, 0, len(call.Summary.StackBitmap().Elements()))

	// The halves consume two word slots.
	assert.Equal(t, 2, alloc.cpuSpillSlotCount)
	assert.Equal(t, 2, graph.SpillSlotCount)
}

// A 128 bit simd value spilled across a call occupies two adjacent
// double slots, both flagged quad.
func TestQuadSpillSlot(t *testing.T) {
	builder := ir.NewBuilder("simd-spill")

	entry := builder.NewBlock(ir.FunctionEntry)
	builder.Connect(builder.Graph().Entry, entry)

	q := builder.NewDef(architecture.UnboxedFloat32x4)
	load := testInstr(
		"load4",
		nil,
		nil,
		q,
		architecture.RequiresFpuRegisterLocation())
	entry.AppendInstruction(load)

	call := testInstr("call", nil, nil, nil, architecture.Location{})
	call.Summary.AlwaysCalls = true
	call.Summary.CanCall = true
	entry.AppendInstruction(call)

	use := testInstr(
		"store4",
		[]*ir.Def{q},
		[]architecture.Location{architecture.RequiresFpuRegisterLocation()},
		nil,
		architecture.Location{})
	entry.AppendInstruction(use)

	graph := builder.Finish()
	alloc := allocate(t, graph, platform.Amd64)

	spillSlot := alloc.GetLiveRange(q.VReg).SpillSlot()
	require.True(t, spillSlot.IsQuadStackSlot())

	// Two adjacent double slots, both flagged quad.
	require.Equal(t, 2, len(alloc.quadSpillSlots))
	assert.True(t, alloc.quadSpillSlots[0])
	assert.True(t, alloc.quadSpillSlots[1])

	// The assigned location reports the higher index (lower address).
	assert.Equal(t, 1, alloc.frame.SpillSlotIndex(spillSlot))

	// Both double slots count toward the frame.
	assert.Equal(t, 2, graph.SpillSlotCount)

	// The use was reloaded into an fpu register.
	assert.True(t, use.Summary.In(0).IsFpuRegister())
}

// Try/catch: a value live into the catch is kept alive across the
// may-throw instruction, eagerly spilled, and reloaded from its spill
// slot by the catch entry's parallel move.  Exception/stacktrace
// pseudo parameters keep their fixed locations.
func TestTryCatch(t *testing.T) {
	builder := ir.NewBuilder("try-catch")

	entry := builder.NewBlock(ir.FunctionEntry)
	tryBody := builder.NewBlock(ir.TargetEntry)
	catchBlock := builder.NewBlock(ir.CatchEntry)
	exit := builder.NewBlock(ir.TargetEntry)

	builder.Connect(builder.Graph().Entry, entry)
	builder.Connect(entry, tryBody)
	builder.Connect(entry, catchBlock)
	builder.Connect(tryBody, exit)
	builder.Connect(catchBlock, exit)

	tryBody.TryIndex = 0
	builder.SetCatchEntry(0, catchBlock)

	exception := builder.NewParameter(
		catchBlock,
		architecture.Tagged,
		architecture.Register(0))
	catchBlock.ExceptionDef = exception
	stackTrace := builder.NewParameter(
		catchBlock,
		architecture.Tagged,
		architecture.Register(1))
	catchBlock.StackTraceDef = stackTrace

	v := builder.NewDef(architecture.Tagged)
	load := testInstr(
		"load",
		nil,
		nil,
		v,
		architecture.RequiresRegisterLocation())
	entry.AppendInstruction(load)

	mayThrow := testInstr("check", nil, nil, nil, architecture.Location{})
	mayThrow.Throws = true
	mayThrow.Summary.CanCall = true
	tryBody.AppendInstruction(mayThrow)
	tryBody.AppendInstruction(&ir.Goto{})

	handle := testInstr(
		"handle",
		[]*ir.Def{v},
		[]architecture.Location{architecture.RequiresRegisterLocation()},
		nil,
		architecture.Location{})
	catchBlock.AppendInstruction(handle)
	catchBlock.AppendInstruction(&ir.Goto{})

	exit.AppendInstruction(testInstr("stop", nil, nil, nil, architecture.Location{}))

	graph := builder.Finish()
	alloc := allocate(t, graph, platform.Amd64)

	parent := alloc.GetLiveRange(v.VReg)

	// The range covers the whole try body through the may-throw.
	mayThrowPos := alloc.LifetimePosition(mayThrow)
	covered := false
	for sibling := parent; sibling != nil; sibling = sibling.NextSibling() {
		if sibling.Contains(tryBody.StartPos) && sibling.Contains(mayThrowPos) {
			covered = true
		}
	}
	assert.True(t, covered)

	// The value has a spill slot and is eagerly stored there.
	spillSlot := parent.SpillSlot()
	require.True(t, spillSlot.IsStackSlot())
	spillMove := findParallelMoveAt(
		alloc,
		entry,
		alloc.LifetimePosition(load)+1)
	assert.True(t, containsMove(spillMove, spillSlot, load.Summary.Out()))

	// The catch entry's parallel move restores the register from the
	// spill slot.
	dst := findCover(parent, catchBlock.StartPos).AssignedLocation()
	require.True(t, dst.IsRegister())
	require.NotNil(t, catchBlock.EntryMove)
	assert.True(t, containsMove(catchBlock.EntryMove, dst, spillSlot))

	// The exception/stacktrace pseudo parameters keep their fixed ABI
	// locations and are not reloaded.
	assert.True(t,
		alloc.GetLiveRange(exception.VReg).AssignedLocation().Equals(
			architecture.Register(0)))
	assert.True(t,
		alloc.GetLiveRange(stackTrace.VReg).AssignedLocation().Equals(
			architecture.Register(1)))
	for _, operands := range catchBlock.EntryMove.Moves {
		assert.False(t, operands.Dst.Equals(architecture.Register(0)))
		assert.False(t, operands.Dst.Equals(architecture.Register(1)))
	}
}

// Intrinsic code must fit within the available registers; needing to
// spill is fatal in intrinsic mode.
func TestIntrinsicModeCannotSpill(t *testing.T) {
	builder := ir.NewBuilder("intrinsic")

	entry := builder.NewBlock(ir.FunctionEntry)
	builder.Connect(builder.Graph().Entry, entry)

	v := builder.NewDef(architecture.Tagged)
	entry.AppendInstruction(testInstr(
		"load",
		nil,
		nil,
		v,
		architecture.RequiresRegisterLocation()))

	call := testInstr("call", nil, nil, nil, architecture.Location{})
	call.Summary.AlwaysCalls = true
	call.Summary.CanCall = true
	entry.AppendInstruction(call)

	entry.AppendInstruction(testInstr(
		"use",
		[]*ir.Def{v},
		[]architecture.Location{architecture.RequiresRegisterLocation()},
		nil,
		architecture.Location{}))

	graph := builder.Finish()

	flowGraphAllocator := NewFlowGraphAllocator(
		graph,
		platform.NewPlatform(platform.Amd64),
		Options{IntrinsicMode: true})

	assert.Panics(t, func() {
		flowGraphAllocator.AllocateRegisters()
	})
}

// Running the allocator twice on the same graph is rejected.
func TestAllocateTwiceRejected(t *testing.T) {
	builder := ir.NewBuilder("twice")

	entry := builder.NewBlock(ir.FunctionEntry)
	builder.Connect(builder.Graph().Entry, entry)
	entry.AppendInstruction(testInstr("stop", nil, nil, nil, architecture.Location{}))

	graph := builder.Finish()

	targetPlatform := platform.NewPlatform(platform.Amd64)
	flowGraphAllocator := NewFlowGraphAllocator(graph, targetPlatform, Options{})
	flowGraphAllocator.AllocateRegisters()

	assert.Panics(t, func() {
		flowGraphAllocator.AllocateRegisters()
	})
}

// Register exclusivity: with more live values than registers, every
// value still ends in a distinct location at each use.
func TestHighPressureSpills(t *testing.T) {
	builder := ir.NewBuilder("pressure")

	entry := builder.NewBlock(ir.FunctionEntry)
	builder.Connect(builder.Graph().Entry, entry)

	registers := platform.NewPlatform(platform.Amd64).Registers()
	valueCount := registers.NumCpuRegisters + 4

	defs := make([]*ir.Def, valueCount)
	for idx := 0; idx < valueCount; idx++ {
		defs[idx] = builder.NewDef(architecture.Tagged)
		entry.AppendInstruction(testInstr(
			"load",
			nil,
			nil,
			defs[idx],
			architecture.RequiresRegisterLocation()))
	}

	// Uses in definition order keep every value live across all later
	// definitions.
	for idx := 0; idx < valueCount; idx++ {
		entry.AppendInstruction(testInstr(
			"use",
			[]*ir.Def{defs[idx]},
			[]architecture.Location{architecture.RequiresRegisterLocation()},
			nil,
			architecture.Location{}))
	}

	graph := builder.Finish()
	alloc := allocate(t, graph, platform.Amd64)

	// Some values must have spilled.
	assert.Greater(t, graph.SpillSlotCount, 0)

	// Exclusivity: at every position, a register is held by at most one
	// non-pseudo range.
	for pos := 0; pos < entry.EndPos; pos++ {
		held := map[int]int{}
		for vreg := 0; vreg < graph.MaxVReg; vreg++ {
			liveRange := alloc.liveRanges[vreg]
			if liveRange == nil {
				continue
			}
			for sibling := liveRange; sibling != nil; sibling = sibling.NextSibling() {
				if !sibling.Contains(pos) {
					continue
				}
				loc := sibling.AssignedLocation()
				if loc.IsRegister() {
					prev, ok := held[loc.RegisterCode()]
					assert.False(t,
						ok,
						"register %d held by both v%d and v%d at %d",
						loc.RegisterCode(),
						prev,
						vreg,
						pos)
					held[loc.RegisterCode()] = vreg
				}
			}
		}
	}
}
