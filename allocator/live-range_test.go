package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
)

var irLocationSummaryStub = ir.LocationSummary{
	CanCall: true,
}

func collectIntervals(liveRange *LiveRange) [][2]int {
	result := [][2]int{}
	for interval := liveRange.FirstUseInterval(); interval != nil; interval = interval.Next() {
		result = append(result, [2]int{interval.Start(), interval.End()})
	}
	return result
}

func collectUsePositions(liveRange *LiveRange) []int {
	result := []int{}
	for use := liveRange.FirstUse(); use != nil; use = use.Next() {
		result = append(result, use.Pos())
	}
	return result
}

func TestAddUseIntervalPrependAndMerge(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)

	// Built backward: intervals arrive in decreasing start order.
	liveRange.AddUseInterval(10, 12)
	liveRange.AddUseInterval(6, 8)
	assert.Equal(t, [][2]int{{6, 8}, {10, 12}}, collectIntervals(liveRange))

	// Touching interval extends the first interval's front.
	liveRange.AddUseInterval(4, 6)
	assert.Equal(t, [][2]int{{4, 8}, {10, 12}}, collectIntervals(liveRange))

	// Same start grows the end if needed.
	liveRange.AddUseInterval(4, 7)
	assert.Equal(t, [][2]int{{4, 8}, {10, 12}}, collectIntervals(liveRange))

	assert.Equal(t, 4, liveRange.Start())
	assert.Equal(t, 12, liveRange.End())
}

func TestDefineAtShrinksFirstInterval(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)
	liveRange.AddUseInterval(0, 10)
	liveRange.DefineAt(4)
	assert.Equal(t, [][2]int{{4, 10}}, collectIntervals(liveRange))

	// A definition without a use gets a minimal interval.
	dead := NewLiveRange(1, architecture.Tagged)
	dead.DefineAt(6)
	assert.Equal(t, [][2]int{{6, 7}}, collectIntervals(dead))
}

func TestAddUseKeepsListSorted(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)
	liveRange.AddUseInterval(0, 20)

	slotA := architecture.AnyLocation()
	slotB := architecture.AnyLocation()
	slotC := architecture.AnyLocation()

	liveRange.AddUse(10, &slotA)
	liveRange.AddUse(4, &slotB)
	// Out of order insertion (fixed register input followed by a
	// non-fixed input of the same instruction).
	liveRange.AddUse(7, &slotC)

	assert.Equal(t, []int{4, 7, 10}, collectUsePositions(liveRange))

	// Duplicate (pos, slot) pairs are not added twice.
	liveRange.AddUse(7, &slotC)
	assert.Equal(t, []int{4, 7, 10}, collectUsePositions(liveRange))

	// Same position with a different slot is permitted.
	slotD := architecture.AnyLocation()
	liveRange.AddUse(7, &slotD)
	assert.Equal(t, []int{4, 7, 7, 10}, collectUsePositions(liveRange))
}

func TestUseIntervalIntersect(t *testing.T) {
	a := &UseInterval{start: 2, end: 6}
	b := &UseInterval{start: 4, end: 8}
	c := &UseInterval{start: 6, end: 8}

	assert.Equal(t, 4, a.Intersect(b))
	assert.Equal(t, 4, b.Intersect(a))
	assert.Equal(t, IllegalPosition, a.Intersect(c))

	assert.True(t, a.Contains(2))
	assert.True(t, a.Contains(5))
	assert.False(t, a.Contains(6))
}

func TestFirstIntersection(t *testing.T) {
	a := &UseInterval{start: 0, end: 2}
	a.next = &UseInterval{start: 10, end: 14}

	u := &UseInterval{start: 4, end: 6}
	u.next = &UseInterval{start: 12, end: 16}

	assert.Equal(t, 12, firstIntersection(a, u))

	disjoint := &UseInterval{start: 20, end: 22}
	assert.Equal(t, MaxPosition, firstIntersection(u, disjoint))
}

func TestContainsRespectsHoles(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)
	liveRange.AddUseInterval(10, 12)
	liveRange.AddUseInterval(2, 6)

	assert.True(t, liveRange.CanCover(7))
	assert.False(t, liveRange.Contains(7))
	assert.True(t, liveRange.Contains(4))
	assert.True(t, liveRange.Contains(10))
	assert.False(t, liveRange.Contains(12))
}

func TestSplitAtMidInterval(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)
	liveRange.AddUseInterval(0, 20)

	slotA := architecture.AnyLocation()
	slotB := architecture.AnyLocation()
	liveRange.AddUse(4, &slotA)
	liveRange.AddUse(12, &slotB)

	sibling := liveRange.SplitAt(8)

	assert.Equal(t, [][2]int{{0, 8}}, collectIntervals(liveRange))
	assert.Equal(t, [][2]int{{8, 20}}, collectIntervals(sibling))
	assert.Same(t, sibling, liveRange.NextSibling())

	assert.Equal(t, []int{4}, collectUsePositions(liveRange))
	assert.Equal(t, []int{12}, collectUsePositions(sibling))

	// At any position at most one sibling covers it.
	for pos := 0; pos < 20; pos++ {
		coverCount := 0
		for _, r := range []*LiveRange{liveRange, sibling} {
			if r.Contains(pos) {
				coverCount++
			}
		}
		assert.Equal(t, 1, coverCount, "position %d", pos)
	}
}

func TestSplitAtIntervalBoundary(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)
	slotA := architecture.AnyLocation()
	slotB := architecture.AnyLocation()

	liveRange.AddUseInterval(10, 14)
	liveRange.AddUse(10, &slotB)
	liveRange.AddUseInterval(0, 4)
	liveRange.AddUse(2, &slotA)

	// Split at the start of the second interval: the use at the split
	// position goes to the right sibling.
	sibling := liveRange.SplitAt(10)

	assert.Equal(t, [][2]int{{0, 4}}, collectIntervals(liveRange))
	assert.Equal(t, [][2]int{{10, 14}}, collectIntervals(sibling))
	assert.Equal(t, []int{2}, collectUsePositions(liveRange))
	assert.Equal(t, []int{10}, collectUsePositions(sibling))
}

func TestSplitAtStartReturnsSelf(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)
	liveRange.AddUseInterval(4, 8)
	assert.Same(t, liveRange, liveRange.SplitAt(4))
	assert.Nil(t, liveRange.NextSibling())
}

func TestFingerAdvance(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)
	liveRange.AddUseInterval(10, 14)
	liveRange.AddUseInterval(2, 6)

	finger := liveRange.Finger()
	finger.Initialize(liveRange)

	assert.False(t, finger.Advance(4))
	assert.Equal(t, 2, finger.FirstPendingUseInterval().Start())

	assert.False(t, finger.Advance(6))
	assert.Equal(t, 10, finger.FirstPendingUseInterval().Start())

	assert.True(t, finger.Advance(14))
	assert.Nil(t, finger.FirstPendingUseInterval())
}

func TestFingerFirstRegisterUse(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)
	liveRange.AddUseInterval(0, 20)

	anySlot := architecture.AnyLocation()
	regSlot := architecture.RequiresRegisterLocation()
	liveRange.AddUse(4, &anySlot)
	liveRange.AddUse(9, &regSlot)

	finger := liveRange.Finger()
	finger.Initialize(liveRange)

	use := finger.FirstRegisterUse(0)
	assert.NotNil(t, use)
	assert.Equal(t, 9, use.Pos())

	assert.Nil(t, finger.FirstRegisterUse(10))

	// Interfering use lookup disregards uses at the end position.
	finger2 := liveRange.Finger()
	finger2.Initialize(liveRange)
	use = finger2.FirstInterferingUse(9)
	assert.Nil(t, use)
}

func TestFingerFirstHint(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)
	liveRange.AddUseInterval(0, 20)

	slot := architecture.AnyLocation()
	hint := architecture.Register(3)
	liveRange.AddHintedUse(6, &slot, &hint)

	finger := liveRange.Finger()
	finger.Initialize(liveRange)
	assert.True(t, finger.FirstHint().Equals(architecture.Register(3)))
}

func TestSafepointsPartitionOnSplit(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)
	liveRange.AddUseInterval(0, 20)

	locsA := &irLocationSummaryStub
	liveRange.AddSafepoint(4, locsA)
	liveRange.AddSafepoint(12, locsA)

	sibling := liveRange.SplitAt(8)

	assert.NotNil(t, liveRange.FirstSafepoint())
	assert.Equal(t, 5, liveRange.FirstSafepoint().Pos())
	assert.Nil(t, liveRange.FirstSafepoint().Next())

	assert.NotNil(t, sibling.FirstSafepoint())
	assert.Equal(t, 13, sibling.FirstSafepoint().Pos())
}

func TestOutOfOrderSafepointsPanic(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)
	liveRange.AddUseInterval(0, 20)

	liveRange.AddSafepoint(12, &irLocationSummaryStub)
	assert.Panics(t, func() {
		liveRange.AddSafepoint(4, &irLocationSummaryStub)
	})
}

func TestLoopBitmapCap(t *testing.T) {
	liveRange := NewLiveRange(0, architecture.Tagged)

	liveRange.MarkHasOnlyUnconstrainedUsesInLoop(3)
	assert.True(t, liveRange.HasOnlyUnconstrainedUsesInLoop(3))
	assert.False(t, liveRange.HasOnlyUnconstrainedUsesInLoop(2))

	// Loops beyond the bitmap capacity silently lose the optimization.
	liveRange.MarkHasOnlyUnconstrainedUsesInLoop(MaxTrackedLoops + 1)
	assert.False(t,
		liveRange.HasOnlyUnconstrainedUsesInLoop(MaxTrackedLoops+1))
}
