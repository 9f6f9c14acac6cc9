package engine

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// BeamController computes per-utterance dynamic beams and pruning cutoffs
// each frame (spec.md §4.3).
type BeamController struct {
	SearchBeam float32
	MinActive  int32
	MaxActive  int32
	Online     bool

	// GrowthFactor/ShrinkFactor are the 1.25/0.8 constants of spec.md §4.3,
	// exposed as a configuration hook per §9 open question 2.
	GrowthFactor float32
	ShrinkFactor float32

	beams []float32
}

// NewBeamController returns a controller with every utterance's beam
// initialized to searchBeam, using the spec's default growth/shrink
// factors (1.25/0.8).
func NewBeamController(numSeqs int32, searchBeam float32, minActive, maxActive int32, online bool) *BeamController {
	beams := make([]float32, numSeqs)
	for i := range beams {
		beams[i] = searchBeam
	}
	return &BeamController{
		SearchBeam: searchBeam, MinActive: minActive, MaxActive: maxActive, Online: online,
		GrowthFactor: 1.25, ShrinkFactor: 0.8,
		beams: beams,
	}
}

// Beams returns the current per-utterance beams, for online carry-over.
func (b *BeamController) Beams() []float32 {
	return b.beams
}

// SetBeams restores previously carried beams (online resumption).
func (b *BeamController) SetBeams(beams []float32) {
	b.beams = beams
}

// Update computes this frame's per-utterance cutoffs from cur's expanded
// arcs, and advances the dynamic beam for the next frame.
//
// finalT[fsaIdx] is the index of utterance fsaIdx's sentinel final frame.
// isLastGlobalFrame is true only when t is the final frame of the whole
// batch loop (non-online); it forces every still-active utterance's beam
// to +Inf so no final arc is lost to pruning (spec.md §4.3 step 5).
func (b *BeamController) Update(cur *FrameInfo, t int32, finalT []int32, isLastGlobalFrame bool) []float32 {
	numSeqs := cur.NumSeqs()
	cutoffs := make([]float32, numSeqs)

	for fsaIdx := int32(0); fsaIdx < numSeqs; fsaIdx++ {
		states, _ := cur.StatesForUtt(fsaIdx)
		active := int32(len(states))

		best := float32(math.Inf(-1))
		startState, endState := cur.StateRowSplits[fsaIdx], cur.StateRowSplits[fsaIdx+1]
		if endState > startState {
			arcsStart, arcsEnd := cur.ArcRowSplits[startState], cur.ArcRowSplits[endState]
			if row := cur.Arcs[arcsStart:arcsEnd]; len(row) > 0 {
				ends := make([]float64, len(row))
				for i, a := range row {
					ends[i] = float64(a.EndLoglike)
				}
				best = float32(floats.Max(ends))
			}
		}

		effectiveMinActive := b.MinActive
		if !b.Online && t+5 >= finalT[fsaIdx] {
			effectiveMinActive = max(effectiveMinActive, b.MaxActive/2)
		}

		beam := b.beams[fsaIdx]
		if active <= b.MaxActive {
			if active >= effectiveMinActive || active == 0 {
				beam = b.ShrinkFactor*beam + (1-b.ShrinkFactor)*b.SearchBeam
			} else {
				beam = max(beam, b.SearchBeam)
				beam *= b.GrowthFactor
			}
		} else {
			if b.Online || t+5 < finalT[fsaIdx] {
				beam = min(beam, b.SearchBeam)
				beam *= b.ShrinkFactor
			}
			// else: too many active near the end, leave beam unchanged.
		}

		if !b.Online && (isLastGlobalFrame || t == finalT[fsaIdx]) {
			beam = float32(math.Inf(1))
		}

		b.beams[fsaIdx] = beam
		cutoffs[fsaIdx] = best - beam
	}
	return cutoffs
}
