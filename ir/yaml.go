package ir

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pattyshack/towhee/architecture"
)

// YAML graph descriptions are used by tools and test fixtures to
// assemble lowered graphs without a front end.
//
//	label: sum
//	constants:
//	  - {name: c0, int: 1}
//	blocks:
//	  - name: entry
//	    kind: function-entry
//	    params:
//	      - {name: x, rep: tagged, loc: r2}
//	    succs: [head]
//	  - name: head
//	    kind: join-entry
//	    phis:
//	      - {name: i, rep: tagged, inputs: [x, next]}
//	    instructions:
//	      - op: add
//	        in: [i, c0]
//	        inputs: [requires-register, any]
//	        out: {name: next, rep: tagged}
//	        output: same-as-first-input
//	    succs: [head]
//	loops:
//	  - {header: head, backedges: [head]}
type GraphDescription struct {
	Label     string
	Constants []ConstantDescription
	Blocks    []BlockDescription
	Loops     []LoopDescription
}

type ConstantDescription struct {
	Name  string
	Int   int64
	Float *float64
}

type BlockDescription struct {
	Name string
	Kind string

	Try     int `yaml:"try"`     // 1-based try index, 0 when absent
	Catches int `yaml:"catches"` // for catch entries, 1-based try index

	Params []ParamDescription
	Phis   []PhiDescription
	Instrs []InstrDescription `yaml:"instructions"`
	Succs  []string
}

type ParamDescription struct {
	Name string
	Rep  string
	Loc  string

	// Catch entry pseudo parameter roles.
	Role string // "exception" or "stacktrace"
}

type PhiDescription struct {
	Name   string
	Rep    string
	Inputs []string
}

type InstrDescription struct {
	Op string

	In     []string
	Inputs []string // input location policies

	Out    *ParamDescription
	Output string // output location policy

	Temps []string

	AlwaysCalls    bool `yaml:"always-calls"`
	CanCall        bool `yaml:"can-call"`
	NativeLeafCall bool `yaml:"native-leaf-call"`
	Throws         bool
}

// ParseLocation parses a textual location policy or fixed register:
// "any", "requires-register", "requires-fpu-register",
// "prefers-register", "writable-register", "same-as-first-input",
// "requires-stack", "rN" (fixed cpu register), "fN" (fixed fpu
// register), "fpN" (frame slot N).
func ParseLocation(text string) (architecture.Location, error) {
	switch text {
	case "", "any":
		return architecture.AnyLocation(), nil
	case "requires-register":
		return architecture.RequiresRegisterLocation(), nil
	case "requires-fpu-register":
		return architecture.RequiresFpuRegisterLocation(), nil
	case "prefers-register":
		return architecture.PrefersRegisterLocation(), nil
	case "writable-register":
		return architecture.Unallocated(architecture.WritableRegister), nil
	case "same-as-first-input":
		return architecture.Unallocated(architecture.SameAsFirstInput), nil
	case "requires-stack":
		return architecture.RequiresStackLocation(), nil
	}

	parseCode := func(prefix string) (int, bool) {
		if !strings.HasPrefix(text, prefix) {
			return 0, false
		}
		code, err := strconv.Atoi(strings.TrimPrefix(text, prefix))
		if err != nil {
			return 0, false
		}
		return code, true
	}

	if idx, ok := parseCode("fp"); ok {
		return architecture.StackSlot(idx, architecture.FrameRegister), nil
	}
	if code, ok := parseCode("r"); ok {
		return architecture.Register(code), nil
	}
	if code, ok := parseCode("f"); ok {
		return architecture.FpuRegister(code), nil
	}

	return architecture.Location{}, fmt.Errorf("invalid location: %s", text)
}

func parseRepresentation(text string) (architecture.Representation, error) {
	switch text {
	case "", "tagged":
		return architecture.Tagged, nil
	case "untagged":
		return architecture.Untagged, nil
	case "pair-of-tagged":
		return architecture.PairOfTagged, nil
	case "unboxed-int32":
		return architecture.UnboxedInt32, nil
	case "unboxed-uint32":
		return architecture.UnboxedUint32, nil
	case "unboxed-int64":
		return architecture.UnboxedInt64, nil
	case "unboxed-float":
		return architecture.UnboxedFloat, nil
	case "unboxed-double":
		return architecture.UnboxedDouble, nil
	case "unboxed-float32x4":
		return architecture.UnboxedFloat32x4, nil
	case "unboxed-int32x4":
		return architecture.UnboxedInt32x4, nil
	case "unboxed-float64x2":
		return architecture.UnboxedFloat64x2, nil
	}
	return architecture.NoRepresentation, fmt.Errorf(
		"invalid representation: %s",
		text)
}

func parseBlockKind(text string) (BlockKind, error) {
	switch text {
	case "function-entry":
		return FunctionEntry, nil
	case "osr-entry":
		return OsrEntry, nil
	case "catch-entry":
		return CatchEntry, nil
	case "join-entry":
		return JoinEntry, nil
	case "", "target-entry":
		return TargetEntry, nil
	}
	return TargetEntry, fmt.Errorf("invalid block kind: %s", text)
}

// LoadGraph decodes a YAML graph description and assembles the graph.
func LoadGraph(source []byte) (*Graph, error) {
	description := &GraphDescription{}
	err := yaml.Unmarshal(source, description)
	if err != nil {
		return nil, fmt.Errorf("malformed graph description: %w", err)
	}

	builder := NewBuilder(description.Label)
	defs := map[string]*Def{}

	for _, constant := range description.Constants {
		value := &architecture.ConstantValue{Int: constant.Int}
		if constant.Float != nil {
			value.Float = *constant.Float
			value.IsFloat = true
		}
		defs[constant.Name] = builder.NewConstant(value)
		defs[constant.Name].Name = constant.Name
	}

	blocks := map[string]*Block{}
	for _, blockDesc := range description.Blocks {
		kind, err := parseBlockKind(blockDesc.Kind)
		if err != nil {
			return nil, err
		}
		block := builder.NewBlock(kind)
		block.TryIndex = blockDesc.Try - 1
		blocks[blockDesc.Name] = block
	}

	// Connect the graph entry to the first described block.
	if len(description.Blocks) > 0 {
		builder.Connect(
			builder.Graph().Entry,
			blocks[description.Blocks[0].Name])
	}

	for _, blockDesc := range description.Blocks {
		block := blocks[blockDesc.Name]
		for _, succ := range blockDesc.Succs {
			target, ok := blocks[succ]
			if !ok {
				return nil, fmt.Errorf("unknown block: %s", succ)
			}
			builder.Connect(block, target)
		}
		if blockDesc.Catches > 0 {
			builder.SetCatchEntry(blockDesc.Catches-1, block)
		}
	}

	// Parameters must be declared before uses; process block bodies in
	// two phases so phis can reference forward definitions.
	for _, blockDesc := range description.Blocks {
		block := blocks[blockDesc.Name]
		for _, param := range blockDesc.Params {
			rep, err := parseRepresentation(param.Rep)
			if err != nil {
				return nil, err
			}
			loc, err := ParseLocation(param.Loc)
			if err != nil {
				return nil, err
			}
			def := builder.NewParameter(block, rep, loc)
			def.Name = param.Name
			defs[param.Name] = def

			switch param.Role {
			case "exception":
				block.ExceptionDef = def
			case "stacktrace":
				block.StackTraceDef = def
			case "":
			default:
				return nil, fmt.Errorf("invalid parameter role: %s", param.Role)
			}
		}
	}

	for _, blockDesc := range description.Blocks {
		for _, phiDesc := range blockDesc.Phis {
			rep, err := parseRepresentation(phiDesc.Rep)
			if err != nil {
				return nil, err
			}
			def := builder.NewDef(rep)
			def.Name = phiDesc.Name
			defs[phiDesc.Name] = def
		}
		for _, instrDesc := range blockDesc.Instrs {
			if instrDesc.Out == nil {
				continue
			}
			rep, err := parseRepresentation(instrDesc.Out.Rep)
			if err != nil {
				return nil, err
			}
			def := builder.NewDef(rep)
			def.Name = instrDesc.Out.Name
			defs[instrDesc.Out.Name] = def
		}
	}

	lookup := func(name string) (*Def, error) {
		def, ok := defs[name]
		if !ok {
			return nil, fmt.Errorf("unknown value: %s", name)
		}
		return def, nil
	}

	for _, blockDesc := range description.Blocks {
		block := blocks[blockDesc.Name]

		for _, phiDesc := range blockDesc.Phis {
			inputs := make([]*Def, 0, len(phiDesc.Inputs))
			for _, name := range phiDesc.Inputs {
				input, err := lookup(name)
				if err != nil {
					return nil, err
				}
				inputs = append(inputs, input)
			}
			builder.NewPhi(block, defs[phiDesc.Name], inputs...)
		}

		for _, instrDesc := range blockDesc.Instrs {
			instr := &Instr{
				Op:     instrDesc.Op,
				Throws: instrDesc.Throws,
			}

			summary := NewLocationSummary(len(instrDesc.In), len(instrDesc.Temps))
			summary.AlwaysCalls = instrDesc.AlwaysCalls
			summary.CanCall = instrDesc.CanCall || instrDesc.AlwaysCalls
			summary.NativeLeafCall = instrDesc.NativeLeafCall

			for idx, name := range instrDesc.In {
				input, err := lookup(name)
				if err != nil {
					return nil, err
				}
				instr.Ins = append(instr.Ins, input)

				policy := ""
				if idx < len(instrDesc.Inputs) {
					policy = instrDesc.Inputs[idx]
				}
				if input.IsConstant() && policy == "" {
					summary.SetIn(idx, architecture.Constant(input.Constant, 0))
					continue
				}
				loc, err := ParseLocation(policy)
				if err != nil {
					return nil, err
				}
				summary.SetIn(idx, loc)
			}

			for idx, temp := range instrDesc.Temps {
				loc, err := ParseLocation(temp)
				if err != nil {
					return nil, err
				}
				summary.Temps[idx] = loc
			}

			if instrDesc.Out != nil {
				instr.Out = defs[instrDesc.Out.Name]
				loc, err := ParseLocation(instrDesc.Output)
				if err != nil {
					return nil, err
				}
				if instrDesc.Output == "" {
					loc = architecture.RequiresRegisterLocation()
				}
				summary.SetOut(loc)
			}

			instr.Summary = summary
			block.AppendInstruction(instr)
		}

		// Blocks with a single successor are goto terminated.
		if len(block.Succs) == 1 && block.Kind != GraphEntry {
			block.AppendInstruction(&Goto{})
		}
	}

	for _, loopDesc := range description.Loops {
		header, ok := blocks[loopDesc.Header]
		if !ok {
			return nil, fmt.Errorf("unknown block: %s", loopDesc.Header)
		}
		backEdges := []*Block{}
		for _, name := range loopDesc.BackEdges {
			backEdge, ok := blocks[name]
			if !ok {
				return nil, fmt.Errorf("unknown block: %s", name)
			}
			backEdges = append(backEdges, backEdge)
		}
		loop := builder.NewLoop(header, backEdges...)

		header.Loop = loop
		for _, name := range loopDesc.Members {
			member, ok := blocks[name]
			if !ok {
				return nil, fmt.Errorf("unknown block: %s", name)
			}
			member.Loop = loop
		}
	}

	return builder.Finish(), nil
}

type LoopDescription struct {
	Header    string
	BackEdges []string `yaml:"backedges"`
	Members   []string
}
