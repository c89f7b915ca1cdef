package ir

import (
	"github.com/pattyshack/towhee/architecture"

	"github.com/pattyshack/towhee/util"
)

// LocationSummary carries an instruction's operand location policies
// on input and its concrete machine locations on output.  The register
// allocator rewrites the input/temp/output slots in place.
type LocationSummary struct {
	Inputs []architecture.Location
	Temps  []architecture.Location
	Output architecture.Location

	// The instruction unconditionally calls into the runtime.  All
	// allocatable registers are blocked across it.
	AlwaysCalls bool

	// The instruction may call (including slow paths).  Instructions
	// with CanCall are safepoints.
	CanCall bool

	// The call preserves all registers.
	CalleeSafeCall bool

	// A leaf native call: only volatile registers are blocked.
	NativeLeafCall bool

	// The call happens on a shared slow path; it does not force a frame
	// by itself.
	CallOnSharedSlowPath bool

	// Safepoint bitmap over spill slots holding tagged values.
	// Populated by the allocator.
	stackBitmap *util.BitVector

	// Registers holding tagged values live across a slow path call.
	// Populated by the allocator.
	LiveRegisters architecture.RegisterUseSet
}

func NewLocationSummary(
	inputCount int,
	tempCount int,
) *LocationSummary {
	return &LocationSummary{
		Inputs: make([]architecture.Location, inputCount),
		Temps:  make([]architecture.Location, tempCount),
	}
}

func (locs *LocationSummary) In(idx int) architecture.Location {
	return locs.Inputs[idx]
}

func (locs *LocationSummary) InSlot(idx int) *architecture.Location {
	return &locs.Inputs[idx]
}

func (locs *LocationSummary) SetIn(idx int, loc architecture.Location) {
	locs.Inputs[idx] = loc
}

func (locs *LocationSummary) Temp(idx int) architecture.Location {
	return locs.Temps[idx]
}

func (locs *LocationSummary) TempSlot(idx int) *architecture.Location {
	return &locs.Temps[idx]
}

func (locs *LocationSummary) Out() architecture.Location {
	return locs.Output
}

func (locs *LocationSummary) OutSlot() *architecture.Location {
	return &locs.Output
}

func (locs *LocationSummary) SetOut(loc architecture.Location) {
	locs.Output = loc
}

// A call on a slow path tracks which registers hold live values so the
// slow path can preserve them.
func (locs *LocationSummary) HasCallOnSlowPath() bool {
	return locs.CanCall && !locs.AlwaysCalls
}

func (locs *LocationSummary) StackBitmap() *util.BitVector {
	if locs.stackBitmap == nil {
		locs.stackBitmap = util.NewBitVector(0)
	}
	return locs.stackBitmap
}

func (locs *LocationSummary) SetStackBit(idx int) {
	locs.StackBitmap().Add(idx)
}
