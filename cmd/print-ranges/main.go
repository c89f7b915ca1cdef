package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/towhee/allocator"
	"github.com/pattyshack/towhee/ir"
	"github.com/pattyshack/towhee/platform"
)

func main() {
	arch := flag.String("arch", "amd64", "target architecture (amd64, arm32)")
	trace := flag.Bool("trace", false, "trace allocation decisions")
	flag.Parse()

	targetPlatform := platform.NewPlatform(platform.ArchitectureName(*arch))

	for _, fileName := range flag.Args() {
		fmt.Println("=====================")
		fmt.Println("File name:", fileName)
		fmt.Println("---------------------")
		content, err := os.ReadFile(fileName)
		if err != nil {
			fmt.Println("ReadFile error:", err)
			continue
		}

		graph, err := ir.LoadGraph(content)
		if err != nil {
			fmt.Println("LoadGraph error:", err)
			continue
		}

		emitter := &parseutil.Emitter{}
		ir.Validate(graph, emitter)
		errs := emitter.Errors()
		if len(errs) > 0 {
			fmt.Println("Found", len(errs), "errors:")
			for idx, err := range errs {
				fmt.Printf("error %d: %s\n", idx, err)
			}
			continue
		}

		options := allocator.Options{}
		if *trace {
			options.TraceTo = os.Stdout
		}

		flowGraphAllocator := allocator.NewFlowGraphAllocator(
			graph,
			targetPlatform,
			options)
		flowGraphAllocator.AllocateRegisters()

		printGraph(graph, flowGraphAllocator)
	}
}

func printGraph(graph *ir.Graph, alloc *allocator.FlowGraphAllocator) {
	fmt.Printf("Graph: %s\n", graph.Label)
	fmt.Printf("  spill slots: %d\n", graph.SpillSlotCount)
	fmt.Printf("  frameless:   %v\n", graph.Frameless)

	for _, block := range graph.Blocks {
		fmt.Printf(
			"  %s (%s) [%d, %d)\n",
			block,
			block.Kind,
			block.StartPos,
			block.EndPos)

		if block.EntryMove != nil {
			printParallelMove("    entry ", block.EntryMove)
		}
		for _, ins := range block.Instructions {
			switch typed := ins.(type) {
			case *ir.ParallelMove:
				printParallelMove("    ", typed)

			case *ir.Goto:
				if typed.HasParallelMove() {
					printParallelMove("    goto ", typed.Move)
				} else {
					fmt.Println("    goto")
				}

			case *ir.MoveArg:
				fmt.Printf(
					"    %4d  move-arg %s <- %s\n",
					alloc.LifetimePosition(typed),
					typed.RegisterLoc,
					typed.In)

			case *ir.Instr:
				printInstr(alloc.LifetimePosition(typed), typed)
			}
		}
	}
}

func printInstr(pos int, instr *ir.Instr) {
	line := fmt.Sprintf("    %4d  %s", pos, instr.Op)
	if instr.Out != nil {
		line += fmt.Sprintf(" %s:%s", instr.Out, instr.Summary.Out())
	}
	for idx, in := range instr.Ins {
		line += fmt.Sprintf(" %s:%s", in, instr.Summary.In(idx))
	}
	fmt.Println(line)
}

func printParallelMove(prefix string, move *ir.ParallelMove) {
	line := prefix + "pmove {"
	for idx, operands := range move.Moves {
		if idx > 0 {
			line += ", "
		}
		line += fmt.Sprintf("%s <- %s", operands.Dst, operands.Src)
	}
	fmt.Println(line + "}")
}
