package allocator

import (
	"github.com/pattyshack/towhee/ir"
	"github.com/pattyshack/towhee/util"
)

// SSALiveness computes per block live-in / live-out / kill bit vectors
// over virtual registers via classic backward dataflow.
//
// Phi inputs propagate liveness to the matching predecessor;
// deoptimization environments contribute uses; materialization pseudo
// definitions recurse into their inputs.
type SSALiveness struct {
	graph *ir.Graph

	// Indexed by block Index.
	LiveIn  []*util.BitVector
	LiveOut []*util.BitVector
	Kill    []*util.BitVector

	// Blocks containing a may-throw instruction, by block Index.
	BlocksWithThrow *util.BitVector

	visitedMats map[*ir.Materialize]struct{}
}

func NewSSALiveness(graph *ir.Graph) *SSALiveness {
	blockCount := len(graph.Blocks)
	liveness := &SSALiveness{
		graph:           graph,
		LiveIn:          make([]*util.BitVector, blockCount),
		LiveOut:         make([]*util.BitVector, blockCount),
		Kill:            make([]*util.BitVector, blockCount),
		BlocksWithThrow: util.NewBitVector(blockCount),
		visitedMats:     map[*ir.Materialize]struct{}{},
	}

	for idx := 0; idx < blockCount; idx++ {
		liveness.LiveIn[idx] = util.NewBitVector(graph.MaxVReg)
		liveness.LiveOut[idx] = util.NewBitVector(graph.MaxVReg)
		liveness.Kill[idx] = util.NewBitVector(graph.MaxVReg)
	}
	return liveness
}

func (liveness *SSALiveness) LiveInOf(block *ir.Block) *util.BitVector {
	return liveness.LiveIn[block.Index]
}

func (liveness *SSALiveness) LiveOutOf(block *ir.Block) *util.BitVector {
	return liveness.LiveOut[block.Index]
}

func (liveness *SSALiveness) KillOf(block *ir.Block) *util.BitVector {
	return liveness.Kill[block.Index]
}

func (liveness *SSALiveness) Analyze() {
	liveness.computeInitialSets()

	// Back flow propagation to fixed point.  Every block is visited at
	// least once so that the initial use and phi seeds reach the
	// predecessors; a block is revisited whenever a successor's live-in
	// grows.  Seeding in postorder drains terminal blocks first.
	workSet := util.NewDataFlowWorkSet[*ir.Block]()
	for idx := len(liveness.graph.Blocks) - 1; idx >= 0; idx-- {
		workSet.Push(liveness.graph.Blocks[idx])
	}

	for !workSet.IsEmpty() {
		block := workSet.Pop()
		if liveness.updateLiveIn(block) {
			for _, pred := range block.Preds {
				workSet.Push(pred)
			}
		}
	}
}

// updateLiveIn refreshes the block's live-out from its successors and
// returns true if the block's live-in grew.  Live-in sets only grow,
// so the seeds planted by phi propagation survive.
func (liveness *SSALiveness) updateLiveIn(block *ir.Block) bool {
	liveOut := liveness.LiveOut[block.Index]
	for _, succ := range block.Succs {
		liveOut.AddAll(liveness.LiveIn[succ.Index])
	}

	delta := liveOut.Copy()
	delta.RemoveAll(liveness.Kill[block.Index])
	return liveness.LiveIn[block.Index].AddAll(delta)
}

func (liveness *SSALiveness) addDef(set *util.BitVector, def *ir.Def) {
	set.Add(def.VReg)
	if def.HasPairRepresentation() {
		set.Add(def.PairVReg)
	}
}

func (liveness *SSALiveness) removeDef(set *util.BitVector, def *ir.Def) {
	set.Remove(def.VReg)
	if def.HasPairRepresentation() {
		set.Remove(def.PairVReg)
	}
}

// deepLiveness treats a materialization's inputs as part of the
// environment.  Shared materializations across a deoptimization chain
// are expanded once.
func (liveness *SSALiveness) deepLiveness(
	mat *ir.Materialize,
	liveIn *util.BitVector,
) {
	_, ok := liveness.visitedMats[mat]
	if ok {
		return
	}
	liveness.visitedMats[mat] = struct{}{}

	for _, input := range mat.Inputs {
		if input.IsConstant() {
			continue
		}
		if input.Mat != nil {
			liveness.deepLiveness(input.Mat, liveIn)
		} else {
			liveIn.Add(input.VReg)
		}
	}
}

func (liveness *SSALiveness) computeInitialSets() {
	for _, block := range liveness.graph.Blocks {
		kill := liveness.Kill[block.Index]
		liveIn := liveness.LiveIn[block.Index]

		// Iterate backwards starting at the last instruction.
		for idx := len(block.Instructions) - 1; idx >= 0; idx-- {
			current := block.Instructions[idx]

			if current.MayThrow() {
				liveness.BlocksWithThrow.Add(block.Index)
			}

			locs := current.Locs()

			if def := current.Defn(); def != nil {
				liveness.addDef(kill, def)
				liveness.removeDef(liveIn, def)
			}

			for inputIdx, input := range current.Inputs() {
				if inputIdx < len(locs.Inputs) &&
					locs.In(inputIdx).IsConstant() {
					continue
				}
				liveness.addDef(liveIn, input)
			}

			// Register argument moves of calls behave like fixed register
			// inputs.
			for _, move := range current.MoveArgs() {
				if move.RegisterMove {
					liveness.addDef(liveIn, move.In)
				}
			}

			// Add non-argument uses from the deoptimization environment
			// (pushed arguments are not allocated by the register
			// allocator).
			for env := current.DeoptEnv(); env != nil; env = env.Outer {
				for _, value := range env.Values {
					if value.Mat != nil {
						liveness.deepLiveness(value.Mat, liveIn)
					} else if !value.IsPushedArgument && !value.IsConstant() {
						liveness.addDef(liveIn, value)
					}
				}
			}
		}

		for _, phi := range block.Phis {
			liveness.addDef(kill, phi.Def)
			liveness.removeDef(liveIn, phi.Def)

			// A phi input not defined by the corresponding predecessor must
			// be marked live-in for that predecessor.
			for predIdx, input := range phi.Inputs {
				if input.IsConstant() {
					continue
				}

				pred := block.Preds[predIdx]
				if !liveness.Kill[pred.Index].Contains(input.VReg) {
					liveness.LiveIn[pred.Index].Add(input.VReg)
				}
				if phi.Def.HasPairRepresentation() {
					if !liveness.Kill[pred.Index].Contains(input.PairVReg) {
						liveness.LiveIn[pred.Index].Add(input.PairVReg)
					}
				}
			}
		}

		for _, def := range block.InitialDefs {
			liveness.addDef(kill, def)
			liveness.removeDef(liveIn, def)
		}
	}
}
