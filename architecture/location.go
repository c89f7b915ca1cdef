package architecture

import (
	"fmt"
)

// Allocation policy for an unallocated location.  The policy tells the
// register allocator what kind of storage the instruction expects for
// the operand.
type Policy int

const (
	// The operand may live anywhere addressable (register, stack slot,
	// or constant).
	Any = Policy(iota)

	// A register is preferred but not required.
	PrefersRegister

	RequiresRegister
	RequiresFpuRegister

	// A register holding a copy that the instruction may clobber.
	WritableRegister

	// The output is allocated to the same register as the first input.
	SameAsFirstInput

	// The output reuses whichever of the first two inputs dies at the
	// instruction (the inputs are swapped commutatively if needed).
	SameAsFirstOrSecondInput

	// Resolved to SameAsFirstInput when the first input dies at the
	// instruction, RequiresRegister otherwise.
	MayBeSameAsFirstInput

	// The operand must be on the stack.  Any range with such a use gets
	// an eagerly reserved spill slot.
	RequiresStack
)

func (policy Policy) String() string {
	switch policy {
	case Any:
		return "any"
	case PrefersRegister:
		return "prefers-register"
	case RequiresRegister:
		return "requires-register"
	case RequiresFpuRegister:
		return "requires-fpu-register"
	case WritableRegister:
		return "writable-register"
	case SameAsFirstInput:
		return "same-as-first-input"
	case SameAsFirstOrSecondInput:
		return "same-as-first-or-second-input"
	case MayBeSameAsFirstInput:
		return "may-be-same-as-first-input"
	case RequiresStack:
		return "requires-stack"
	}
	return "invalid-policy"
}

type LocationKind int

const (
	InvalidLocation = LocationKind(iota)
	ConstantLocation
	UnallocatedLocation
	RegisterLocation
	FpuRegisterLocation
	StackSlotLocation
	DoubleStackSlotLocation
	QuadStackSlotLocation
	PairLocationKind
)

// Base register for stack slot locations.
type BaseRegister int

const (
	FrameRegister = BaseRegister(iota)
	StackRegister
)

// A compile time constant referenced by locations.  The allocator
// never inspects the payload; it only threads the reference through.
type ConstantValue struct {
	Int     int64
	Float   float64
	IsFloat bool
}

func (value *ConstantValue) String() string {
	if value.IsFloat {
		return fmt.Sprintf("#%g", value.Float)
	}
	return fmt.Sprintf("#%d", value.Int)
}

// Location is a tagged sum describing where a value lives:
// { Invalid, Constant(ref, pairIndex), Register(code), FpuRegister(code),
//   StackSlot(index, base), DoubleStackSlot(index, base),
//   QuadStackSlot(index, base), Unallocated(policy), Pair(a, b) }
//
// The zero value is the invalid location.
type Location struct {
	kind LocationKind

	policy Policy

	// Register code or stack slot index.
	code int

	base BaseRegister

	constant  *ConstantValue
	pairIndex int

	pair *PairLocation
}

// The two halves of a pair location.  Slots within the pair are
// rewritten in place by the allocator.
type PairLocation [2]Location

func (pair *PairLocation) At(idx int) Location {
	return pair[idx]
}

func (pair *PairLocation) SlotAt(idx int) *Location {
	return &pair[idx]
}

// NoLocation is the invalid location, used for operands the allocator
// intentionally leaves unassigned.
func NoLocation() Location {
	return Location{}
}

func Constant(value *ConstantValue, pairIndex int) Location {
	if value == nil {
		panic("should never happen")
	}
	return Location{
		kind:      ConstantLocation,
		constant:  value,
		pairIndex: pairIndex,
	}
}

func Unallocated(policy Policy) Location {
	return Location{
		kind:   UnallocatedLocation,
		policy: policy,
	}
}

func AnyLocation() Location {
	return Unallocated(Any)
}

func PrefersRegisterLocation() Location {
	return Unallocated(PrefersRegister)
}

func RequiresRegisterLocation() Location {
	return Unallocated(RequiresRegister)
}

func RequiresFpuRegisterLocation() Location {
	return Unallocated(RequiresFpuRegister)
}

func RequiresStackLocation() Location {
	return Unallocated(RequiresStack)
}

func Register(code int) Location {
	return Location{
		kind: RegisterLocation,
		code: code,
	}
}

func FpuRegister(code int) Location {
	return Location{
		kind: FpuRegisterLocation,
		code: code,
	}
}

// MachineRegister constructs a register location of the given kind.
func MachineRegister(kind LocationKind, code int) Location {
	switch kind {
	case RegisterLocation:
		return Register(code)
	case FpuRegisterLocation:
		return FpuRegister(code)
	}
	panic("should never happen")
}

func StackSlot(index int, base BaseRegister) Location {
	return Location{
		kind: StackSlotLocation,
		code: index,
		base: base,
	}
}

func DoubleStackSlot(index int, base BaseRegister) Location {
	return Location{
		kind: DoubleStackSlotLocation,
		code: index,
		base: base,
	}
}

func QuadStackSlot(index int, base BaseRegister) Location {
	return Location{
		kind: QuadStackSlotLocation,
		code: index,
		base: base,
	}
}

func Pair(first Location, second Location) Location {
	pair := &PairLocation{first, second}
	return Location{
		kind: PairLocationKind,
		pair: pair,
	}
}

func (loc Location) Kind() LocationKind {
	return loc.kind
}

func (loc Location) IsInvalid() bool {
	return loc.kind == InvalidLocation
}

func (loc Location) IsConstant() bool {
	return loc.kind == ConstantLocation
}

func (loc Location) ConstantValue() *ConstantValue {
	if !loc.IsConstant() {
		panic("should never happen")
	}
	return loc.constant
}

func (loc Location) PairIndex() int {
	if !loc.IsConstant() {
		panic("should never happen")
	}
	return loc.pairIndex
}

func (loc Location) IsUnallocated() bool {
	return loc.kind == UnallocatedLocation
}

func (loc Location) Policy() Policy {
	if !loc.IsUnallocated() {
		panic("should never happen")
	}
	return loc.policy
}

// A register is beneficial for any unallocated policy other than Any
// and RequiresStack.
func (loc Location) IsRegisterBeneficial() bool {
	return !loc.Equals(AnyLocation()) && !loc.Equals(RequiresStackLocation())
}

func (loc Location) IsRegister() bool {
	return loc.kind == RegisterLocation
}

func (loc Location) IsFpuRegister() bool {
	return loc.kind == FpuRegisterLocation
}

func (loc Location) IsMachineRegister() bool {
	return loc.IsRegister() || loc.IsFpuRegister()
}

func (loc Location) RegisterCode() int {
	if !loc.IsMachineRegister() {
		panic("should never happen")
	}
	return loc.code
}

func (loc Location) IsStackSlot() bool {
	return loc.kind == StackSlotLocation
}

func (loc Location) IsDoubleStackSlot() bool {
	return loc.kind == DoubleStackSlotLocation
}

func (loc Location) IsQuadStackSlot() bool {
	return loc.kind == QuadStackSlotLocation
}

func (loc Location) HasStackIndex() bool {
	return loc.IsStackSlot() || loc.IsDoubleStackSlot() || loc.IsQuadStackSlot()
}

func (loc Location) StackIndex() int {
	if !loc.HasStackIndex() {
		panic("should never happen")
	}
	return loc.code
}

func (loc Location) Base() BaseRegister {
	if !loc.HasStackIndex() {
		panic("should never happen")
	}
	return loc.base
}

func (loc Location) IsPairLocation() bool {
	return loc.kind == PairLocationKind
}

func (loc Location) AsPairLocation() *PairLocation {
	if !loc.IsPairLocation() {
		panic("should never happen")
	}
	return loc.pair
}

func (loc Location) Equals(other Location) bool {
	if loc.kind != other.kind {
		return false
	}
	switch loc.kind {
	case InvalidLocation:
		return true
	case ConstantLocation:
		return loc.constant == other.constant &&
			loc.pairIndex == other.pairIndex
	case UnallocatedLocation:
		return loc.policy == other.policy
	case RegisterLocation, FpuRegisterLocation:
		return loc.code == other.code
	case StackSlotLocation, DoubleStackSlotLocation, QuadStackSlotLocation:
		return loc.code == other.code && loc.base == other.base
	case PairLocationKind:
		return loc.pair[0].Equals(other.pair[0]) &&
			loc.pair[1].Equals(other.pair[1])
	}
	panic("should never happen")
}

func (loc Location) String() string {
	switch loc.kind {
	case InvalidLocation:
		return "invalid"
	case ConstantLocation:
		return loc.constant.String()
	case UnallocatedLocation:
		return "unallocated(" + loc.policy.String() + ")"
	case RegisterLocation:
		return fmt.Sprintf("r%d", loc.code)
	case FpuRegisterLocation:
		return fmt.Sprintf("f%d", loc.code)
	case StackSlotLocation:
		return fmt.Sprintf("stack(%s%+d)", loc.base, loc.code)
	case DoubleStackSlotLocation:
		return fmt.Sprintf("dstack(%s%+d)", loc.base, loc.code)
	case QuadStackSlotLocation:
		return fmt.Sprintf("qstack(%s%+d)", loc.base, loc.code)
	case PairLocationKind:
		return fmt.Sprintf("(%s, %s)", loc.pair[0], loc.pair[1])
	}
	panic("should never happen")
}

func (base BaseRegister) String() string {
	if base == FrameRegister {
		return "fp"
	}
	return "sp"
}
