package allocator

import (
	"github.com/pattyshack/towhee/ir"
	"github.com/pattyshack/towhee/util"
)

// ReachingDefs computes, for each phi, the set of virtual registers
// transitively contributing to it.  The allocator uses it to avoid
// assigning a loop phi a register already held by a non-contributing
// live-in at the back edge.
type ReachingDefs struct {
	graph *ir.Graph

	phis []*ir.Phi
}

func NewReachingDefs(graph *ir.Graph) *ReachingDefs {
	return &ReachingDefs{
		graph: graph,
	}
}

func (defs *ReachingDefs) addPhi(phi *ir.Phi) {
	if phi.ReachingDefs != nil {
		return
	}
	phi.ReachingDefs = util.NewBitVector(defs.graph.MaxVReg)

	dependsOnPhi := false
	for _, input := range phi.Inputs {
		if input.ParentPhi != nil {
			dependsOnPhi = true
		}
		phi.ReachingDefs.Add(input.VReg)
		if phi.Def.HasPairRepresentation() {
			phi.ReachingDefs.Add(input.PairVReg)
		}
	}

	// A phi depending on another phi needs fixed point iteration.
	if dependsOnPhi {
		defs.phis = append(defs.phis, phi)
	}
}

func (defs *ReachingDefs) compute() {
	// Transitively collect all phis feeding the requested phi.
	for idx := 0; idx < len(defs.phis); idx++ {
		phi := defs.phis[idx]
		for _, input := range phi.Inputs {
			if input.ParentPhi != nil {
				defs.addPhi(input.ParentPhi)
			}
		}
	}

	// Propagate values until fixed point is reached.
	changed := true
	for changed {
		changed = false
		for _, phi := range defs.phis {
			for _, input := range phi.Inputs {
				if input.ParentPhi == nil {
					continue
				}
				if phi.ReachingDefs.AddAll(input.ParentPhi.ReachingDefs) {
					changed = true
				}
			}
		}
	}

	defs.phis = nil
}

func (defs *ReachingDefs) Get(phi *ir.Phi) *util.BitVector {
	if phi.ReachingDefs == nil {
		if len(defs.phis) != 0 {
			panic("should never happen")
		}
		defs.addPhi(phi)
		defs.compute()
	}
	return phi.ReachingDefs
}
