package ir

import (
	"fmt"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/towhee/util"
)

type BlockKind int

const (
	GraphEntry = BlockKind(iota)
	FunctionEntry
	OsrEntry
	CatchEntry
	JoinEntry
	TargetEntry
)

func (kind BlockKind) String() string {
	switch kind {
	case GraphEntry:
		return "graph-entry"
	case FunctionEntry:
		return "function-entry"
	case OsrEntry:
		return "osr-entry"
	case CatchEntry:
		return "catch-entry"
	case JoinEntry:
		return "join-entry"
	case TargetEntry:
		return "target-entry"
	}
	return "invalid"
}

// A phi node attached to a join block.  Inputs are ordered by
// predecessor index.
type Phi struct {
	parseutil.StartEndPos

	Def *Def

	Inputs []*Def

	// Virtual registers transitively contributing to this phi.  Cached
	// by the allocator's reaching defs computation.
	ReachingDefs *util.BitVector
}

func (phi *Phi) InputAt(idx int) *Def {
	return phi.Inputs[idx]
}

// A basic block.  Blocks are numbered and ordered by the front end;
// only the last instruction may be a terminator.
type Block struct {
	parseutil.StartEndPos

	Kind BlockKind
	Id   int

	// Position of the block in the graph's code generation order.
	Index int

	Preds []*Block
	Succs []*Block

	// Join blocks only.
	Phis []*Phi

	// Entry blocks only: parameters, constants, and catch pseudo
	// parameters.
	InitialDefs []*Def

	// Catch entries only: exception/stacktrace pseudo parameters with
	// hard-coded ABI locations.  Both also appear in InitialDefs.
	ExceptionDef  *Def
	StackTraceDef *Def

	Instructions []Instruction

	// Index of the enclosing try body, -1 outside any try.
	TryIndex int

	// Catch entries only: index of the try body this block handles.
	CatchTryIndex int

	// Innermost containing loop, nil outside loops.
	Loop *Loop

	// Lifetime positions assigned by the allocator's numbering phase.
	StartPos int
	EndPos   int

	// Parallel move executed on block entry, created on demand during
	// resolution.
	EntryMove *ParallelMove

	// Catch entries are briefly safepoints after their entry moves
	// execute.
	Summary *LocationSummary
}

func NewBlock(kind BlockKind, id int) *Block {
	return &Block{
		Kind:          kind,
		Id:            id,
		TryIndex:      -1,
		CatchTryIndex: -1,
	}
}

func (block *Block) String() string {
	return fmt.Sprintf("B%d", block.Id)
}

func (block *Block) IsInsideTry() bool {
	return block.TryIndex >= 0
}

func (block *Block) IsLoopHeader() bool {
	return block.Loop != nil && block.Loop.Header == block
}

func (block *Block) LastInstruction() Instruction {
	if len(block.Instructions) == 0 {
		return nil
	}
	return block.Instructions[len(block.Instructions)-1]
}

func (block *Block) AppendInstruction(ins Instruction) {
	ins.SetParentBlock(block)
	if def := ins.Defn(); def != nil {
		def.ParentInstruction = ins
	}
	block.Instructions = append(block.Instructions, ins)
}

func (block *Block) IndexOfPredecessor(pred *Block) int {
	for idx, candidate := range block.Preds {
		if candidate == pred {
			return idx
		}
	}
	panic("should never happen")
}

func (block *Block) indexOfInstruction(ins Instruction) int {
	for idx, candidate := range block.Instructions {
		if candidate == ins {
			return idx
		}
	}
	panic("should never happen")
}

func (block *Block) InsertBefore(existing Instruction, ins Instruction) {
	idx := block.indexOfInstruction(existing)
	ins.SetParentBlock(block)
	block.Instructions = append(block.Instructions, nil)
	copy(block.Instructions[idx+1:], block.Instructions[idx:])
	block.Instructions[idx] = ins
}

func (block *Block) InsertAfter(existing Instruction, ins Instruction) {
	idx := block.indexOfInstruction(existing)
	ins.SetParentBlock(block)
	block.Instructions = append(block.Instructions, nil)
	copy(block.Instructions[idx+2:], block.Instructions[idx+1:])
	block.Instructions[idx+1] = ins
}

// InstructionBefore returns the instruction preceding ins, or nil if
// ins is the block's first instruction.
func (block *Block) InstructionBefore(ins Instruction) Instruction {
	idx := block.indexOfInstruction(ins)
	if idx == 0 {
		return nil
	}
	return block.Instructions[idx-1]
}

func (block *Block) InstructionAfter(ins Instruction) Instruction {
	idx := block.indexOfInstruction(ins)
	if idx == len(block.Instructions)-1 {
		return nil
	}
	return block.Instructions[idx+1]
}

func (block *Block) GetEntryMove() *ParallelMove {
	if block.EntryMove == nil {
		block.EntryMove = &ParallelMove{}
		block.EntryMove.SetParentBlock(block)
	}
	return block.EntryMove
}

// Loop information provided by the front end's loop discovery.
type Loop struct {
	Id     int
	Header *Block
	Outer  *Loop

	BackEdges []*Block
}

func (loop *Loop) IsBackEdge(block *Block) bool {
	for _, backEdge := range loop.BackEdges {
		if backEdge == block {
			return true
		}
	}
	return false
}

// A lowered control flow graph for a single function.  Blocks are in
// code generation order (reverse postorder); Blocks[0] is the graph
// entry.
type Graph struct {
	parseutil.StartEndPos

	Label string

	Entry *Block

	Blocks []*Block

	MaxVReg int

	Loops []*Loop

	// Try index -> catch entry block.
	CatchEntries map[int]*Block

	// Stack slots reserved for catch entry values during the cpu pass.
	FixedSlotCount int

	// Maximum number of stack slots occupied by outgoing arguments.
	MaxArgumentSlotCount int

	// Outputs of the register allocator.
	SpillSlotCount int
	Frameless      bool
}

func (graph *Graph) CatchEntryForTryIndex(tryIndex int) *Block {
	block, ok := graph.CatchEntries[tryIndex]
	if !ok {
		panic("should never happen")
	}
	return block
}
