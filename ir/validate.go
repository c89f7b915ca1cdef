package ir

import (
	"github.com/pattyshack/gt/parseutil"
)

// Validate checks graph well-formedness ahead of register allocation.
// The allocator assumes a valid graph and panics on violated
// invariants; front ends run Validate to surface malformed graphs as
// diagnostics instead.
func Validate(graph *Graph, emitter *parseutil.Emitter) {
	if len(graph.Blocks) == 0 || graph.Blocks[0] != graph.Entry {
		emitter.Emit(
			graph.Loc(),
			"graph entry must be the first block in code generation order")
		return
	}

	for _, block := range graph.Blocks {
		validateBlock(graph, block, emitter)
	}

	for tryIndex, block := range graph.CatchEntries {
		if block.CatchTryIndex != tryIndex {
			emitter.Emit(
				block.Loc(),
				"catch entry %s registered under try index %d but handles %d",
				block,
				tryIndex,
				block.CatchTryIndex)
		}
	}
}

func validateBlock(graph *Graph, block *Block, emitter *parseutil.Emitter) {
	if len(block.Phis) > 0 && block.Kind != JoinEntry {
		emitter.Emit(block.Loc(), "%s: only join blocks may have phis", block)
	}

	for _, phi := range block.Phis {
		if len(phi.Inputs) != len(block.Preds) {
			emitter.Emit(
				phi.Loc(),
				"%s: phi v%d has %d inputs for %d predecessors",
				block,
				phi.Def.VReg,
				len(phi.Inputs),
				len(block.Preds))
		}

		for _, input := range phi.Inputs {
			if input == nil {
				emitter.Emit(phi.Loc(), "%s: phi v%d has nil input", block, phi.Def.VReg)
			}
		}
	}

	if len(block.InitialDefs) > 0 {
		switch block.Kind {
		case GraphEntry, FunctionEntry, OsrEntry, CatchEntry:
		default:
			emitter.Emit(
				block.Loc(),
				"%s: only entry blocks may have initial definitions",
				block)
		}
	}

	for idx, ins := range block.Instructions {
		_, isGoto := ins.(*Goto)
		if isGoto && idx != len(block.Instructions)-1 {
			emitter.Emit(
				ins.Loc(),
				"%s: goto must be the last instruction in the block",
				block)
		}

		locs := ins.Locs()
		if instr, ok := ins.(*Instr); ok {
			if len(locs.Inputs) != len(instr.Ins) {
				emitter.Emit(
					ins.Loc(),
					"%s: instruction %s has %d inputs but %d input locations",
					block,
					instr.Op,
					len(instr.Ins),
					len(locs.Inputs))
			}
		}
	}

	if block.IsInsideTry() {
		_, ok := graph.CatchEntries[block.TryIndex]
		if !ok {
			emitter.Emit(
				block.Loc(),
				"%s: try index %d has no catch entry",
				block,
				block.TryIndex)
		}
	}
}
