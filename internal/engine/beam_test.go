package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fsalattice/intersect/internal/floatenc"
)

func frameWithArcEnds(ends ...float32) *FrameInfo {
	numStates := int32(len(ends))
	f := &FrameInfo{
		T:              0,
		StateRowSplits: []int32{0, numStates},
		States:         make([]StateInfo, numStates),
		ArcRowSplits:   make([]int32, numStates+1),
		Arcs:           make([]ArcInfo, numStates),
	}
	for i, e := range ends {
		f.States[i].Forward.Store(floatenc.Encode(0))
		f.ArcRowSplits[i+1] = int32(i + 1)
		f.Arcs[i] = ArcInfo{EndLoglike: e}
	}
	return f
}

func TestBeamControllerCutoffIsBestMinusBeam(t *testing.T) {
	b := NewBeamController(1, 10, 0, 1000, false)
	f := frameWithArcEnds(-5, 3, 1)
	cutoffs := b.Update(f, 0, []int32{100}, false)
	assert.InDelta(t, float32(3-10), cutoffs[0], 1e-6)
}

func TestBeamControllerGrowsWhenTooFewActive(t *testing.T) {
	b := NewBeamController(1, 10, 5, 1000, false)
	f := &FrameInfo{T: 0, StateRowSplits: []int32{0, 2}, States: make([]StateInfo, 2), ArcRowSplits: []int32{0, 0, 0}}
	before := b.beams[0]
	b.Update(f, 0, []int32{100}, false)
	assert.Greater(t, b.beams[0], before, "beam should grow when active(2) < min_active(5)")
}

func TestBeamControllerShrinksWhenTooManyActive(t *testing.T) {
	b := NewBeamController(1, 10, 0, 2, false)
	ends := make([]float32, 5)
	f := frameWithArcEnds(ends...)
	before := b.beams[0]
	b.Update(f, 0, []int32{100}, false)
	assert.Less(t, b.beams[0], before, "beam should shrink when active(5) > max_active(2)")
}

func TestBeamControllerForcesInfinityOnLastFrame(t *testing.T) {
	b := NewBeamController(1, 10, 0, 1000, false)
	f := frameWithArcEnds(1)
	cutoffs := b.Update(f, 5, []int32{5}, false)
	assert.True(t, math.IsInf(float64(cutoffs[0]), -1), "an infinite beam makes the cutoff -Inf, keeping every arc")
	assert.Equal(t, float32(math.Inf(1)), b.beams[0])
}

func TestBeamControllerOnlineNeverForcesInfinity(t *testing.T) {
	b := NewBeamController(1, 10, 0, 1000, true)
	f := frameWithArcEnds(1)
	b.Update(f, 5, []int32{5}, true)
	assert.NotEqual(t, float32(math.Inf(1)), b.beams[0])
}

func TestBeamControllerSetBeamsRoundTrip(t *testing.T) {
	b := NewBeamController(2, 10, 0, 1000, false)
	b.SetBeams([]float32{1, 2})
	assert.Equal(t, []float32{1, 2}, b.Beams())
}

func TestBeamControllerCustomGrowthShrinkFactors(t *testing.T) {
	b := NewBeamController(1, 10, 0, 2, false)
	b.GrowthFactor = 2
	b.ShrinkFactor = 0.5
	ends := make([]float32, 5)
	f := frameWithArcEnds(ends...)
	b.Update(f, 0, []int32{100}, false)
	assert.InDelta(t, float32(5), b.beams[0], 1e-6, "active(5) > max_active(2): beam should shrink to min(beam, search_beam)*ShrinkFactor")
}
