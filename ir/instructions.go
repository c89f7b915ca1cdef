package ir

import (
	"github.com/pattyshack/towhee/architecture"
)

var emptySummary = &LocationSummary{}

// A generic lowered instruction: inputs, temps, and at most one ssa
// result, with location policies specified by its summary.  Branch
// terminators are Instrs whose parent block has multiple successors.
type Instr struct {
	instruction

	Op string

	Ins []*Def
	Out *Def

	Summary *LocationSummary

	Env *Environment

	Throws bool

	// Argument moves for call instructions.
	Args []*MoveArg

	// A store with a write barrier (frame elision heuristic on arm
	// targets).
	WriteBarrier bool
}

var _ Instruction = &Instr{}

func (ins *Instr) Inputs() []*Def {
	return ins.Ins
}

func (ins *Instr) Defn() *Def {
	return ins.Out
}

func (ins *Instr) Locs() *LocationSummary {
	if ins.Summary == nil {
		return emptySummary
	}
	return ins.Summary
}

func (ins *Instr) DeoptEnv() *Environment {
	return ins.Env
}

func (ins *Instr) MayThrow() bool {
	return ins.Throws
}

func (ins *Instr) MoveArgs() []*MoveArg {
	return ins.Args
}

// Unconditional jump to the block's single successor.  Phi resolution
// moves live in the parallel move attached to the goto.
type Goto struct {
	instruction

	Move *ParallelMove
}

var _ Instruction = &Goto{}

func (jump *Goto) Locs() *LocationSummary {
	return emptySummary
}

func (jump *Goto) HasParallelMove() bool {
	return jump.Move != nil
}

func (jump *Goto) GetParallelMove() *ParallelMove {
	if jump.Move == nil {
		jump.Move = &ParallelMove{}
		jump.Move.SetParentBlock(jump.Parent)
	}
	return jump.Move
}

// A single dst <- src copy within a parallel move.
type MoveOperands struct {
	Dst architecture.Location
	Src architecture.Location
}

func (move *MoveOperands) DstSlot() *architecture.Location {
	return &move.Dst
}

func (move *MoveOperands) SrcSlot() *architecture.Location {
	return &move.Src
}

func (move *MoveOperands) IsRedundant() bool {
	return move.Dst.IsInvalid() ||
		move.Src.IsInvalid() ||
		move.Dst.Equals(move.Src)
}

// A set of simultaneous copies.  The allocator populates parallel
// moves; the external resolver sequentializes them.  Parallel moves
// never receive their own lifetime position.
type ParallelMove struct {
	instruction

	Moves []*MoveOperands
}

var _ Instruction = &ParallelMove{}

func (move *ParallelMove) Locs() *LocationSummary {
	return emptySummary
}

func (move *ParallelMove) AddMove(
	dst architecture.Location,
	src architecture.Location,
) *MoveOperands {
	operands := &MoveOperands{
		Dst: dst,
		Src: src,
	}
	move.Moves = append(move.Moves, operands)
	return operands
}

func (move *ParallelMove) MoveOperandsAt(idx int) *MoveOperands {
	return move.Moves[idx]
}

func (move *ParallelMove) IsRedundant() bool {
	for _, operands := range move.Moves {
		if !operands.IsRedundant() {
			return false
		}
	}
	return true
}

// An outgoing argument move for a call.  Stack argument moves appear
// in the instruction stream ahead of the call and receive a stack
// location from the post allocation fixup; register argument moves are
// detached from the stream, attached to the call, and behave like
// fixed register inputs of the call.
type MoveArg struct {
	instruction

	In *Def

	Rep architecture.Representation

	// Position of the argument relative to the stack pointer at the
	// call (the last argument is at index 0).
	SpRelativeIndex int

	// When true the argument is passed in fixed register(s) described
	// by RegisterLoc instead of on the stack.
	RegisterMove bool

	// Fixed register location for register moves (may be a pair).  For
	// stack moves, the stack slot assigned by the outgoing argument fixup.
	RegisterLoc architecture.Location

	Summary *LocationSummary
}

var _ Instruction = &MoveArg{}

// NewStackMoveArg creates a stack argument move reading its value from
// any addressable location.
func NewStackMoveArg(
	in *Def,
	rep architecture.Representation,
	spRelativeIndex int,
) *MoveArg {
	summary := NewLocationSummary(1, 0)
	summary.SetIn(0, architecture.AnyLocation())
	return &MoveArg{
		In:              in,
		Rep:             rep,
		SpRelativeIndex: spRelativeIndex,
		Summary:         summary,
	}
}

func NewRegisterMoveArg(
	in *Def,
	rep architecture.Representation,
	loc architecture.Location,
) *MoveArg {
	return &MoveArg{
		In:           in,
		Rep:          rep,
		RegisterMove: true,
		RegisterLoc: loc,
	}
}

func (move *MoveArg) Inputs() []*Def {
	return []*Def{move.In}
}

func (move *MoveArg) Locs() *LocationSummary {
	if move.Summary == nil {
		return emptySummary
	}
	return move.Summary
}

func (move *MoveArg) LocSlot() *architecture.Location {
	return &move.RegisterLoc
}
