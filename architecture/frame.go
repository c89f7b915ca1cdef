package architecture

// Frame layout helpers mapping spill slot variable indexes to frame
// pointer relative stack slot indexes.
//
// Stack slot indexes grow downward from the frame pointer for locals
// (negative indexes) and upward for incoming stack parameters
// (positive indexes):
//
//	|parameter 1   | fp+FirstParameterFromFp+1
//	|parameter 0   | fp+FirstParameterFromFp
//	|return address|
//	|saved fp      | fp+0
//	|spill slot 0  | fp+FirstLocalFromFp
//	|spill slot 1  | fp+FirstLocalFromFp-1
//	|...           |
type FrameLayout struct {
	FirstLocalFromFp     int // typically negative
	FirstParameterFromFp int // typically positive
}

// FrameSlotForVariableIndex maps variable index -n (spill slot n) to
// its fp relative stack slot index.
func (layout FrameLayout) FrameSlotForVariableIndex(index int) int {
	return layout.FirstLocalFromFp + index
}

// VariableIndexForFrameSlot is the inverse of
// FrameSlotForVariableIndex.
func (layout FrameLayout) VariableIndexForFrameSlot(slot int) int {
	return slot - layout.FirstLocalFromFp
}

// SpillSlotIndex recovers the non-negative spill slot number from a
// stack location.  Sp relative locations already use non-negative
// spill indexes.
func (layout FrameLayout) SpillSlotIndex(loc Location) int {
	if loc.Base() != FrameRegister {
		return loc.StackIndex()
	}
	return -layout.VariableIndexForFrameSlot(loc.StackIndex())
}

// EntrySpRelative rebases a frame pointer relative parameter location
// to be relative to the entry stack pointer (which points at the
// return address when no frame is set up).
func (layout FrameLayout) EntrySpRelative(loc Location) Location {
	if !loc.HasStackIndex() || loc.Base() != FrameRegister {
		panic("should never happen")
	}

	index := loc.StackIndex() - layout.FirstParameterFromFp + 1
	switch {
	case loc.IsStackSlot():
		return StackSlot(index, StackRegister)
	case loc.IsDoubleStackSlot():
		return DoubleStackSlot(index, StackRegister)
	}
	panic("should never happen")
}
