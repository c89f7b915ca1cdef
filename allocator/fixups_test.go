package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
	"github.com/pattyshack/towhee/platform"
)

// Stack argument moves get frame relative locations computed from the
// total spill slot count; register argument moves behave like fixed
// register inputs of the call.
func TestOutgoingArguments(t *testing.T) {
	builder := ir.NewBuilder("args")

	entry := builder.NewBlock(ir.FunctionEntry)
	builder.Connect(builder.Graph().Entry, entry)

	a := builder.NewDef(architecture.Tagged)
	entry.AppendInstruction(testInstr(
		"load-a",
		nil,
		nil,
		a,
		architecture.RequiresRegisterLocation()))

	b := builder.NewDef(architecture.Tagged)
	entry.AppendInstruction(testInstr(
		"load-b",
		nil,
		nil,
		b,
		architecture.RequiresRegisterLocation()))

	stackArg := ir.NewStackMoveArg(a, architecture.Tagged, 0)
	entry.AppendInstruction(stackArg)

	registerArg := ir.NewRegisterMoveArg(
		b,
		architecture.Tagged,
		architecture.Register(6))

	call := testInstr("call", nil, nil, nil, architecture.Location{})
	call.Summary.AlwaysCalls = true
	call.Summary.CanCall = true
	call.Args = []*ir.MoveArg{registerArg}
	entry.AppendInstruction(call)

	graph := builder.Finish()
	graph.MaxArgumentSlotCount = 1

	alloc := allocate(t, graph, platform.Amd64)

	// The argument slot is part of the frame.
	assert.Equal(t, 1, graph.SpillSlotCount)

	// The stack argument lives at the top of the spill area.
	require.True(t, stackArg.RegisterLoc.IsStackSlot())
	expected := alloc.frame.FrameSlotForVariableIndex(0)
	assert.Equal(t, expected, stackArg.RegisterLoc.StackIndex())
	assert.Equal(t, architecture.FrameRegister, stackArg.RegisterLoc.Base())

	// The stack argument reads its value from wherever it lives.
	assert.True(t, isConcrete(stackArg.Summary.In(0)))

	// The register argument keeps its fixed register and a copy move
	// was inserted ahead of the call.
	assert.True(t, registerArg.RegisterLoc.Equals(architecture.Register(6)))

	callPos := alloc.LifetimePosition(call)
	copyMove := findParallelMoveAt(alloc, entry, callPos-1)
	require.NotNil(t, copyMove)

	found := false
	for _, operands := range copyMove.Moves {
		if operands.Dst.Equals(architecture.Register(6)) {
			found = true
			assert.True(t, isConcrete(operands.Src))
		}
	}
	assert.True(t, found)
}

// A writable register input gets a short lived register copy so the
// instruction can clobber it without destroying the value.
func TestWritableRegisterInput(t *testing.T) {
	builder := ir.NewBuilder("writable")

	entry := builder.NewBlock(ir.FunctionEntry)
	builder.Connect(builder.Graph().Entry, entry)

	a := builder.NewDef(architecture.Tagged)
	entry.AppendInstruction(testInstr(
		"load",
		nil,
		nil,
		a,
		architecture.RequiresRegisterLocation()))

	clobber := testInstr(
		"clobber",
		[]*ir.Def{a},
		[]architecture.Location{
			architecture.Unallocated(architecture.WritableRegister),
		},
		nil,
		architecture.Location{})
	entry.AppendInstruction(clobber)

	// A later use keeps the original value live past the clobber.
	use := testInstr(
		"use",
		[]*ir.Def{a},
		[]architecture.Location{architecture.RequiresRegisterLocation()},
		nil,
		architecture.Location{})
	entry.AppendInstruction(use)

	graph := builder.Finish()
	alloc := allocate(t, graph, platform.Amd64)

	// The clobbered input was rewritten to a concrete register...
	inLoc := clobber.Summary.In(0)
	require.True(t, inLoc.IsRegister())

	// ...distinct from the original value's register, which survives to
	// the later use.
	useLoc := use.Summary.In(0)
	require.True(t, useLoc.IsRegister())
	assert.False(t, inLoc.Equals(useLoc))

	// The copy into the temporary happens at the clobbering
	// instruction.
	clobberPos := alloc.LifetimePosition(clobber)
	copyMove := findParallelMoveAt(alloc, entry, clobberPos)
	require.NotNil(t, copyMove)
	assert.True(t, containsMove(copyMove, inLoc, useLoc))
}
