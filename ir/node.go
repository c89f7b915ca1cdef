package ir

import (
	"fmt"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/towhee/architecture"
)

const (
	// Virtual register sentinel for definitions without an ssa result.
	NoVReg = -1
)

// An ssa definition.  Each definition exposes a virtual register, a
// representation, and (on targets too narrow for the value) a second
// companion virtual register.
type Def struct {
	parseutil.StartEndPos

	Name string // optional, used for diagnostics and trace output

	VReg     int
	PairVReg int // NoVReg unless the value needs two registers

	Rep architecture.Representation

	// Non-nil for constant definitions.  Uses up to the first use that
	// benefits from a register are bound directly to the constant
	// reference; later uses may be allocated a register.
	Constant *architecture.ConstantValue

	// ABI specified location for parameter initial definitions.  May be
	// a pair location.
	ParamLocation architecture.Location

	// Pushed-argument pseudo definitions are not allocated; environment
	// entries referring to them are left as NoLocation.
	IsPushedArgument bool

	// Non-nil for materialization pseudo definitions referenced by
	// deoptimization environments.
	Mat *Materialize

	// Set on the defining instruction or phi during graph construction.
	ParentInstruction Instruction
	ParentPhi         *Phi
}

func (def *Def) HasPairRepresentation() bool {
	return def.PairVReg != NoVReg
}

func (def *Def) VRegAt(idx int) int {
	if idx == 0 {
		return def.VReg
	}
	if idx == 1 && def.HasPairRepresentation() {
		return def.PairVReg
	}
	panic("should never happen")
}

func (def *Def) IsConstant() bool {
	return def.Constant != nil
}

func (def *Def) String() string {
	if def.Name != "" {
		return def.Name
	}
	return fmt.Sprintf("v%d", def.VReg)
}

// A deoptimization materialization pseudo instruction.  Materialize is
// not part of the instruction stream; environments referencing it
// treat its inputs as part of the environment.
type Materialize struct {
	Inputs []*Def

	// Filled by the register allocator, consumed when building
	// deoptimization data.  Nil until processed (used as the memoization
	// mark).
	Locations []architecture.Location
}

// A deoptimization environment: a flat, outer-chained value list.
// Environment values must survive until the end of the instruction but
// do not demand registers.
type Environment struct {
	Values []*Def

	// Filled by the register allocator.
	Locations []architecture.Location

	Outer *Environment
}

type Instruction interface {
	parseutil.Locatable

	ParentBlock() *Block
	SetParentBlock(*Block)

	// Ssa inputs consumed by the instruction, constants included, in the
	// order of the summary's input locations.
	Inputs() []*Def

	// The ssa result, nil if the instruction defines no value.
	Defn() *Def

	// The location summary driving allocation.  Never nil.
	Locs() *LocationSummary

	// The deoptimization environment, nil if the instruction cannot
	// deoptimize.
	DeoptEnv() *Environment

	MayThrow() bool

	// Argument moves attached to a call instruction.
	MoveArgs() []*MoveArg
}

type instruction struct {
	parseutil.StartEndPos

	Parent *Block
}

func (ins *instruction) ParentBlock() *Block {
	return ins.Parent
}

func (ins *instruction) SetParentBlock(block *Block) {
	ins.Parent = block
}

func (instruction) Inputs() []*Def {
	return nil
}

func (instruction) Defn() *Def {
	return nil
}

func (instruction) DeoptEnv() *Environment {
	return nil
}

func (instruction) MayThrow() bool {
	return false
}

func (instruction) MoveArgs() []*MoveArg {
	return nil
}
