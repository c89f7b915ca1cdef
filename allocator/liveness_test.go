package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
)

func testInstr(
	op string,
	ins []*ir.Def,
	inLocs []architecture.Location,
	out *ir.Def,
	outLoc architecture.Location,
) *ir.Instr {
	summary := ir.NewLocationSummary(len(ins), 0)
	for idx, loc := range inLocs {
		summary.SetIn(idx, loc)
	}
	if out != nil {
		summary.SetOut(outLoc)
	}
	return &ir.Instr{
		Op:      op,
		Ins:     ins,
		Out:     out,
		Summary: summary,
	}
}

func TestLivenessDiamondWithPhi(t *testing.T) {
	builder := ir.NewBuilder("diamond")

	entry := builder.NewBlock(ir.FunctionEntry)
	left := builder.NewBlock(ir.TargetEntry)
	right := builder.NewBlock(ir.TargetEntry)
	join := builder.NewBlock(ir.JoinEntry)

	builder.Connect(builder.Graph().Entry, entry)
	builder.Connect(entry, left)
	builder.Connect(entry, right)
	builder.Connect(left, join)
	builder.Connect(right, join)

	a := builder.NewDef(architecture.Tagged)
	b := builder.NewDef(architecture.Tagged)
	entry.AppendInstruction(testInstr(
		"defa",
		nil,
		nil,
		a,
		architecture.RequiresRegisterLocation()))
	entry.AppendInstruction(testInstr(
		"defb",
		nil,
		nil,
		b,
		architecture.RequiresRegisterLocation()))
	entry.AppendInstruction(testInstr("branch", nil, nil, nil, architecture.Location{}))

	left.AppendInstruction(&ir.Goto{})
	right.AppendInstruction(&ir.Goto{})

	p := builder.NewDef(architecture.Tagged)
	builder.NewPhi(join, p, a, b)

	join.AppendInstruction(testInstr(
		"use",
		[]*ir.Def{p},
		[]architecture.Location{architecture.RequiresRegisterLocation()},
		nil,
		architecture.Location{}))

	graph := builder.Finish()

	liveness := NewSSALiveness(graph)
	liveness.Analyze()

	// Phi inputs are live out of the matching predecessor only.
	assert.True(t, liveness.LiveInOf(left).Contains(a.VReg))
	assert.False(t, liveness.LiveInOf(left).Contains(b.VReg))
	assert.True(t, liveness.LiveInOf(right).Contains(b.VReg))
	assert.False(t, liveness.LiveInOf(right).Contains(a.VReg))

	assert.True(t, liveness.LiveOutOf(entry).Contains(a.VReg))
	assert.True(t, liveness.LiveOutOf(entry).Contains(b.VReg))
	assert.False(t, liveness.LiveInOf(entry).Contains(a.VReg))

	// The phi's result is killed in the join and not live in.
	assert.True(t, liveness.KillOf(join).Contains(p.VReg))
	assert.False(t, liveness.LiveInOf(join).Contains(p.VReg))
	assert.False(t, liveness.LiveInOf(join).Contains(a.VReg))
}

func TestLivenessLoop(t *testing.T) {
	builder := ir.NewBuilder("loop")

	entry := builder.NewBlock(ir.FunctionEntry)
	head := builder.NewBlock(ir.JoinEntry)
	body := builder.NewBlock(ir.TargetEntry)
	exit := builder.NewBlock(ir.TargetEntry)

	builder.Connect(builder.Graph().Entry, entry)
	builder.Connect(entry, head)
	builder.Connect(head, exit)
	builder.Connect(head, body)
	builder.Connect(body, head)

	x := builder.NewDef(architecture.Tagged)
	entry.AppendInstruction(testInstr(
		"defx",
		nil,
		nil,
		x,
		architecture.RequiresRegisterLocation()))
	entry.AppendInstruction(&ir.Goto{})

	i := builder.NewDef(architecture.Tagged)
	next := builder.NewDef(architecture.Tagged)
	builder.NewPhi(head, i, x, next)
	head.AppendInstruction(testInstr(
		"branch",
		[]*ir.Def{i},
		[]architecture.Location{architecture.RequiresRegisterLocation()},
		nil,
		architecture.Location{}))

	body.AppendInstruction(testInstr(
		"incr",
		[]*ir.Def{i},
		[]architecture.Location{architecture.RequiresRegisterLocation()},
		next,
		architecture.RequiresRegisterLocation()))
	body.AppendInstruction(&ir.Goto{})

	exit.AppendInstruction(testInstr(
		"ret",
		[]*ir.Def{i},
		[]architecture.Location{architecture.Register(0)},
		nil,
		architecture.Location{}))

	graph := builder.Finish()

	liveness := NewSSALiveness(graph)
	liveness.Analyze()

	// The phi's value is live throughout the loop.
	assert.True(t, liveness.LiveInOf(body).Contains(i.VReg))
	assert.True(t, liveness.LiveInOf(exit).Contains(i.VReg))
	assert.True(t, liveness.LiveOutOf(head).Contains(i.VReg))

	// The back edge input is defined by the body itself.  By convention
	// a phi input defined in its predecessor is not part of the
	// predecessor's live out set; the outgoing phi move keeps it alive
	// to the block's end.
	assert.True(t, liveness.KillOf(body).Contains(next.VReg))
	assert.False(t, liveness.LiveOutOf(body).Contains(next.VReg))

	// x feeds the phi on the entry edge only.  It is defined in entry,
	// the phi's predecessor, so by the same convention it is not part of
	// entry's live out set either.
	assert.True(t, liveness.LiveInOf(head).Contains(x.VReg) == false)
	assert.False(t, liveness.LiveOutOf(entry).Contains(x.VReg))
}

func TestLivenessEnvironmentAndMaterialization(t *testing.T) {
	builder := ir.NewBuilder("env")

	entry := builder.NewBlock(ir.FunctionEntry)
	builder.Connect(builder.Graph().Entry, entry)

	d := builder.NewDef(architecture.Tagged)
	e := builder.NewDef(architecture.Tagged)
	pushed := builder.NewDef(architecture.Tagged)
	pushed.IsPushedArgument = true

	matInput := builder.NewDef(architecture.Tagged)
	matDef := builder.NewDef(architecture.Tagged)
	matDef.Mat = &ir.Materialize{
		Inputs: []*ir.Def{matInput},
	}

	deopt := testInstr("deopt-point", nil, nil, nil, architecture.Location{})
	deopt.Env = &ir.Environment{
		Values: []*ir.Def{d, pushed, matDef},
		Outer: &ir.Environment{
			Values: []*ir.Def{e},
		},
	}
	deopt.Throws = true
	entry.AppendInstruction(deopt)

	graph := builder.Finish()

	liveness := NewSSALiveness(graph)
	liveness.Analyze()

	liveIn := liveness.LiveInOf(entry)
	assert.True(t, liveIn.Contains(d.VReg))
	assert.True(t, liveIn.Contains(e.VReg))

	// Pushed arguments are not allocated by the register allocator.
	assert.False(t, liveIn.Contains(pushed.VReg))

	// Materializations expand into their inputs.
	assert.True(t, liveIn.Contains(matInput.VReg))
	assert.False(t, liveIn.Contains(matDef.VReg))

	assert.True(t, liveness.BlocksWithThrow.Contains(entry.Index))
}
