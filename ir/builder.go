package ir

import (
	"github.com/pattyshack/towhee/architecture"
)

// Builder constructs lowered graphs for the register allocator.  The
// real front end performs its own lowering; the builder exists for
// tools and tests that assemble graphs by hand.
type Builder struct {
	graph *Graph

	nextVReg    int
	nextBlockId int
}

func NewBuilder(label string) *Builder {
	builder := &Builder{
		graph: &Graph{
			Label:        label,
			CatchEntries: map[int]*Block{},
		},
	}

	entry := builder.NewBlock(GraphEntry)
	builder.graph.Entry = entry
	return builder
}

func (builder *Builder) Graph() *Graph {
	return builder.graph
}

func (builder *Builder) NewBlock(kind BlockKind) *Block {
	block := NewBlock(kind, builder.nextBlockId)
	builder.nextBlockId++

	if kind == CatchEntry {
		block.Summary = &LocationSummary{
			AlwaysCalls: true,
			CanCall:     true,
		}
	}
	return block
}

func (builder *Builder) Connect(pred *Block, succ *Block) {
	pred.Succs = append(pred.Succs, succ)
	succ.Preds = append(succ.Preds, pred)
}

func (builder *Builder) NewDef(rep architecture.Representation) *Def {
	def := &Def{
		VReg:     builder.nextVReg,
		PairVReg: NoVReg,
		Rep:      rep,
	}
	builder.nextVReg++
	return def
}

func (builder *Builder) NewPairDef(rep architecture.Representation) *Def {
	def := builder.NewDef(rep)
	def.PairVReg = builder.nextVReg
	builder.nextVReg++
	return def
}

// NewConstant creates a constant initial definition on the graph
// entry.
func (builder *Builder) NewConstant(
	value *architecture.ConstantValue,
) *Def {
	rep := architecture.Tagged
	if value.IsFloat {
		rep = architecture.UnboxedDouble
	}

	def := builder.NewDef(rep)
	def.Constant = value
	builder.graph.Entry.InitialDefs = append(
		builder.graph.Entry.InitialDefs,
		def)
	return def
}

// NewParameter creates a parameter initial definition on the given
// entry block, bound to its ABI specified location.
func (builder *Builder) NewParameter(
	block *Block,
	rep architecture.Representation,
	loc architecture.Location,
) *Def {
	var def *Def
	if loc.IsPairLocation() {
		def = builder.NewPairDef(rep)
	} else {
		def = builder.NewDef(rep)
	}
	def.ParamLocation = loc
	block.InitialDefs = append(block.InitialDefs, def)
	return def
}

func (builder *Builder) NewPhi(block *Block, def *Def, inputs ...*Def) *Phi {
	if block.Kind != JoinEntry {
		panic("should never happen")
	}
	if len(inputs) != len(block.Preds) {
		panic("should never happen")
	}

	phi := &Phi{
		Def:    def,
		Inputs: inputs,
	}
	def.ParentPhi = phi
	block.Phis = append(block.Phis, phi)
	return phi
}

func (builder *Builder) NewLoop(header *Block, backEdges ...*Block) *Loop {
	loop := &Loop{
		Id:        len(builder.graph.Loops),
		Header:    header,
		BackEdges: backEdges,
	}
	builder.graph.Loops = append(builder.graph.Loops, loop)
	return loop
}

func (builder *Builder) SetCatchEntry(tryIndex int, block *Block) {
	if block.Kind != CatchEntry {
		panic("should never happen")
	}
	block.CatchTryIndex = tryIndex
	builder.graph.CatchEntries[tryIndex] = block
}

// Finish orders blocks in reverse postorder from the graph entry and
// finalizes vreg accounting.  The resulting order is the code
// generation order the allocator numbers.
func (builder *Builder) Finish() *Graph {
	graph := builder.graph

	visited := map[*Block]struct{}{}
	postorder := []*Block{}

	var visit func(*Block)
	visit = func(block *Block) {
		_, ok := visited[block]
		if ok {
			return
		}
		visited[block] = struct{}{}

		for _, succ := range block.Succs {
			visit(succ)
		}
		postorder = append(postorder, block)
	}
	visit(graph.Entry)

	graph.Blocks = make([]*Block, 0, len(postorder))
	for idx := len(postorder) - 1; idx >= 0; idx-- {
		block := postorder[idx]
		block.Index = len(graph.Blocks)
		graph.Blocks = append(graph.Blocks, block)
	}

	if graph.Blocks[0] != graph.Entry {
		panic("should never happen")
	}

	graph.MaxVReg = builder.nextVReg
	return graph
}
