package allocator

import (
	"fmt"
	"io"

	"github.com/pattyshack/towhee/architecture"
)

// Trace output for allocation decisions.  The debugger only observes;
// it must never influence the allocation outcome.
type debugger struct {
	out io.Writer

	*FlowGraphAllocator
}

func newDebugger(
	out io.Writer,
	allocator *FlowGraphAllocator,
) *debugger {
	return &debugger{
		out:                out,
		FlowGraphAllocator: allocator,
	}
}

func (debug *debugger) printf(template string, args ...interface{}) {
	fmt.Fprintf(debug.out, template, args...)
}

func (debug *debugger) printHeader(phase string) {
	debug.printf(
		"-- [%s] ranges [%s] ---------\n",
		phase,
		debug.graph.Label)
}

func (debug *debugger) printLiveRanges() {
	for _, liveRange := range debug.temporaries {
		debug.printRange(liveRange)
	}
	for _, liveRange := range debug.liveRanges {
		if liveRange != nil {
			debug.printRange(liveRange)
		}
	}
}

func (debug *debugger) printRange(liveRange *LiveRange) {
	if liveRange.FirstUseInterval() == nil {
		return
	}

	debug.printf(
		"  live range v%d [%d, %d) in %s",
		liveRange.VReg(),
		liveRange.Start(),
		liveRange.End(),
		liveRange.AssignedLocation())
	if !liveRange.SpillSlot().IsInvalid() &&
		!liveRange.SpillSlot().IsConstant() {
		debug.printf(" assigned spill slot: %s", liveRange.SpillSlot())
	}
	debug.printf("\n")

	for point := liveRange.FirstSafepoint(); point != nil; point = point.Next() {
		debug.printf("    safepoint [%d]\n", point.Pos())
	}

	use := liveRange.FirstUse()
	for interval := liveRange.FirstUseInterval(); interval != nil; interval = interval.Next() {
		debug.printf("    use interval [%d, %d)\n", interval.Start(), interval.End())
		for use != nil && use.Pos() <= interval.End() {
			debug.printf("      use at %d as %s\n", use.Pos(), *use.Slot())
			use = use.Next()
		}
	}

	if liveRange.NextSibling() != nil {
		debug.printRange(liveRange.NextSibling())
	}
}

func (debug *debugger) processingRange(liveRange *LiveRange, start int) {
	debug.printf(
		"processing live range for v%d starting at %d\n",
		liveRange.VReg(),
		start)
}

func (debug *debugger) foundHint(
	hint architecture.Location,
	liveRange *LiveRange,
	freeUntil int,
) {
	debug.printf(
		"found hint %s for v%d: free until %d\n",
		hint,
		liveRange.VReg(),
		freeUntil)
}

func (debug *debugger) assigningRegister(
	reg int,
	liveRange *LiveRange,
	kind string,
) {
	debug.printf(
		"assigning %s register %s to v%d\n",
		kind,
		debug.makeRegisterLocation(reg),
		liveRange.VReg())
}

func (debug *debugger) splittingBetween(liveRange *LiveRange, from int, to int) {
	debug.printf(
		"split v%d [%d, %d) between [%d, %d)\n",
		liveRange.VReg(),
		liveRange.Start(),
		liveRange.End(),
		from,
		to)
}

func (debug *debugger) spillingBetween(liveRange *LiveRange, from int, to int) {
	debug.printf(
		"spill v%d [%d, %d) between [%d, %d)\n",
		liveRange.VReg(),
		liveRange.Start(),
		liveRange.End(),
		from,
		to)
}

func (debug *debugger) spillingAfter(liveRange *LiveRange, from int) {
	debug.printf(
		"spill v%d [%d, %d) after %d\n",
		liveRange.VReg(),
		liveRange.Start(),
		liveRange.End(),
		from)
}

func (debug *debugger) convertingUses(
	liveRange *LiveRange,
	loc architecture.Location,
) {
	debug.printf(
		"range [%d, %d) for v%d has been allocated to %s\n",
		liveRange.Start(),
		liveRange.End(),
		liveRange.VReg(),
		loc)
}

func (debug *debugger) connectingSiblings(
	liveRange *LiveRange,
	sibling *LiveRange,
) {
	debug.printf(
		"connecting [%d, %d) [%s] to [%d, %d) [%s]\n",
		liveRange.Start(),
		liveRange.End(),
		liveRange.AssignedLocation(),
		sibling.Start(),
		sibling.End(),
		sibling.AssignedLocation())
}

func (debug *debugger) insertingEagerSpill(liveRange *LiveRange) {
	debug.printf(
		"inserting eager spill to %s at %d for range v%d allocated to %s\n",
		liveRange.SpillSlot(),
		liveRange.Start()+1,
		liveRange.VReg(),
		liveRange.AssignedLocation())
}
