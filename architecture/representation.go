package architecture

// Representation of an SSA value.  Governs spill slot sizing and GC
// map classification.
type Representation int

const (
	NoRepresentation = Representation(iota)

	// A GC-managed pointer.  Tagged spill slots must appear in safepoint
	// stack bitmaps.
	Tagged

	// A raw machine word invisible to the GC.
	Untagged

	// Two tagged words managed as a single value.
	PairOfTagged

	UnboxedInt32
	UnboxedUint32
	UnboxedInt64

	UnboxedFloat
	UnboxedDouble

	UnboxedFloat32x4
	UnboxedInt32x4
	UnboxedFloat64x2
)

// ForRange normalizes a definition representation for live range
// bookkeeping: wide/unsigned unboxed integers are tracked as untagged
// machine words (an unboxed int64 is split into two untagged ranges on
// 32-bit targets).
func (rep Representation) ForRange() Representation {
	if rep == UnboxedInt64 || rep == UnboxedUint32 {
		return Untagged
	}
	return rep
}

func (rep Representation) IsUnboxedInteger() bool {
	switch rep {
	case UnboxedInt32, UnboxedUint32, UnboxedInt64:
		return true
	}
	return false
}

// Quad representations need a 128-bit spill slot (two adjacent double
// slots).
func (rep Representation) IsQuad() bool {
	switch rep {
	case UnboxedFloat32x4, UnboxedInt32x4, UnboxedFloat64x2:
		return true
	}
	return false
}

// RegisterKind selects which allocation pass handles values of this
// representation.
func (rep Representation) RegisterKind() LocationKind {
	switch rep {
	case UnboxedFloat, UnboxedDouble, UnboxedFloat32x4, UnboxedInt32x4,
		UnboxedFloat64x2:
		return FpuRegisterLocation
	}
	return RegisterLocation
}

func (rep Representation) String() string {
	switch rep {
	case NoRepresentation:
		return "none"
	case Tagged:
		return "tagged"
	case Untagged:
		return "untagged"
	case PairOfTagged:
		return "pair-of-tagged"
	case UnboxedInt32:
		return "unboxed-int32"
	case UnboxedUint32:
		return "unboxed-uint32"
	case UnboxedInt64:
		return "unboxed-int64"
	case UnboxedFloat:
		return "unboxed-float"
	case UnboxedDouble:
		return "unboxed-double"
	case UnboxedFloat32x4:
		return "unboxed-float32x4"
	case UnboxedInt32x4:
		return "unboxed-int32x4"
	case UnboxedFloat64x2:
		return "unboxed-float64x2"
	}
	return "unknown"
}
