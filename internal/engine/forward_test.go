package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsalattice/intersect/internal/floatenc"
	"github.com/fsalattice/intersect/internal/pool"
	"github.com/fsalattice/intersect/pkg/fsa"
)

// divergingThenMergingFsa is state0 --label1--> {1,2}; both 1 and 2 have a
// final arc into state 3, so ForwardPass must dedup them into one state.
func divergingThenMergingFsa() *fsa.Fsa {
	return fsa.NewFsa(4, []int32{0, 2, 3, 4, 4}, []fsa.Arc{
		{Src: 0, Dest: 1, Label: 1, Score: 0.0},
		{Src: 0, Dest: 2, Label: 1, Score: 0.0},
		{Src: 1, Dest: 3, Label: fsa.FinalLabel, Score: 0.3},
		{Src: 2, Dest: 3, Label: fsa.FinalLabel, Score: 0.7},
	})
}

// fanOutFsa is a single start state with n outgoing arcs to n distinct,
// arcless destination states, used to drive a genuine max_active-triggered
// beam shrink: the first n0 arcs (where n0 < n) tie for the best score and
// the rest trail far behind.
func fanOutFsa(n, n0 int32) *fsa.Fsa {
	arcRowSplits := make([]int32, n+2)
	for i := int32(1); i < n+2; i++ {
		arcRowSplits[i] = n
	}
	arcs := make([]fsa.Arc, n)
	for i := int32(0); i < n; i++ {
		score := float32(-1000)
		if i < n0 {
			score = 0
		}
		arcs[i] = fsa.Arc{Src: 0, Dest: i + 1, Label: i, Score: score}
	}
	return fsa.NewFsa(n+1, arcRowSplits, arcs)
}

// TestForwardPassBeamShrinksUnderMaxActiveFanOut exercises spec.md §8
// scenario 4: a 1000-arc fan-out where only 20 arcs are within the initial
// search beam of the best score. Frame 1's active count stays bounded by
// that tied cluster (not by max_active directly, since BeamController only
// adjusts the beam for the *next* frame), and max_active=16 being exceeded
// by frame 1's count must shrink the beam below search_beam for frame 2.
func TestForwardPassBeamShrinksUnderMaxActiveFanOut(t *testing.T) {
	const numArcs, numTied = 1000, 20
	graph := fsa.NewSharedGraph(fanOutFsa(numArcs, numTied))
	zeros := make([]float32, numArcs+1)
	scores := &fsa.DenseScores{
		FrameRowSplits: []int32{0, 2},
		Scores:         [][]float32{zeros, zeros},
		Width:          numArcs + 1,
	}
	beam := NewBeamController(1, 10, 1, 16, false)
	fp, err := NewForwardPass(graph, scores, pool.New(), beam, 1)
	require.NoError(t, err)

	frame0 := StartFrame(graph, 1)
	finalT := []int32{1000}
	finalFrameLocal := []int32{1000}

	frame1 := fp.Step(frame0, finalT, finalFrameLocal, false, false, 0)
	require.Len(t, frame1.States, numTied, "only the tied-best arcs survive the initial full-width beam")
	assert.LessOrEqual(t, len(frame1.States), int(16*1.25), "max_active=16 with 25% slack")

	fp.Step(frame1, finalT, finalFrameLocal, false, false, 0)
	assert.Less(t, beam.Beams()[0], float32(10), "exceeding max_active on frame 1 must shrink the beam below search_beam")
	assert.InDelta(t, float32(8), beam.Beams()[0], 1e-6)
}

func newTestForwardPass(t *testing.T, graph *fsa.Graph, scores *fsa.DenseScores, numSeqs int32) *ForwardPass {
	beam := NewBeamController(numSeqs, 100, 0, 1000, false)
	fp, err := NewForwardPass(graph, scores, pool.New(), beam, numSeqs)
	require.NoError(t, err)
	return fp
}

func TestForwardPassDedupsCompetingArcsToSameDestination(t *testing.T) {
	graph := fsa.NewSharedGraph(divergingThenMergingFsa())
	scores := &fsa.DenseScores{
		FrameRowSplits: []int32{0, 2},
		Scores:         [][]float32{{0.5, 0}, {0.5, 0}},
		Width:          2,
	}
	fp := newTestForwardPass(t, graph, scores, 1)

	cur := &FrameInfo{
		T:              0,
		StateRowSplits: []int32{0, 2},
		States:         []StateInfo{{AState: 1}, {AState: 2}},
	}
	cur.States[0].Forward.Store(floatenc.Encode(0))
	cur.States[1].Forward.Store(floatenc.Encode(0))

	next := fp.Step(cur, []int32{100}, []int32{100}, true, false, 0)

	require.Len(t, next.States, 1, "both arcs target graph state 3, so they must dedup to one state")
	assert.Equal(t, int32(3), next.States[0].AState)
	assert.InDelta(t, float32(0.7+0.5), next.States[0].ForwardLoglike(), 1e-6, "forward_loglike must be the max over both incoming arcs")

	for _, arc := range cur.Arcs {
		assert.NotEqual(t, int32(-1), arc.DestStateIdx, "both arcs should survive under an effectively infinite beam")
	}
}

func TestForwardPassPrunesArcsBelowCutoff(t *testing.T) {
	graph := fsa.NewSharedGraph(divergingThenMergingFsa())
	scores := &fsa.DenseScores{
		FrameRowSplits: []int32{0, 2},
		Scores:         [][]float32{{0.5, 0}, {0.5, 0}},
		Width:          2,
	}
	beam := NewBeamController(1, 0.1, 0, 1000, false)
	fp, err := NewForwardPass(graph, scores, pool.New(), beam, 1)
	require.NoError(t, err)

	cur := &FrameInfo{
		T:              0,
		StateRowSplits: []int32{0, 2},
		States:         []StateInfo{{AState: 1}, {AState: 2}},
	}
	cur.States[0].Forward.Store(floatenc.Encode(0))
	cur.States[1].Forward.Store(floatenc.Encode(-10)) // far below the narrow beam

	next := fp.Step(cur, []int32{100}, []int32{100}, false, false, 0)

	require.Len(t, next.States, 1)
	assert.Equal(t, int32(-1), cur.Arcs[1].DestStateIdx, "the far-behind arc must be pruned")
	assert.NotEqual(t, int32(-1), cur.Arcs[0].DestStateIdx)
}

func TestForwardPassHashIsEmptyAfterStep(t *testing.T) {
	graph := fsa.NewSharedGraph(divergingThenMergingFsa())
	scores := &fsa.DenseScores{
		FrameRowSplits: []int32{0, 2},
		Scores:         [][]float32{{0.5, 0}, {0.5, 0}},
		Width:          2,
	}
	fp := newTestForwardPass(t, graph, scores, 1)

	cur := &FrameInfo{
		T:              0,
		StateRowSplits: []int32{0, 2},
		States:         []StateInfo{{AState: 1}, {AState: 2}},
	}
	cur.States[0].Forward.Store(floatenc.Encode(0))
	cur.States[1].Forward.Store(floatenc.Encode(0))

	fp.Step(cur, []int32{100}, []int32{100}, true, false, 0)
	assert.True(t, fp.hash.IsEmpty(), "the per-frame hash must be drained before the next frame reuses it")
}
