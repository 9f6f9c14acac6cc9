package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsalattice/intersect/internal/floatenc"
	"github.com/fsalattice/intersect/internal/pool"
	"github.com/fsalattice/intersect/pkg/fsa"
)

func TestNewDecodeStateOneStatePerUtterance(t *testing.T) {
	graph := fsa.NewSharedGraph(divergingThenMergingFsa())
	state := NewDecodeState(graph, 2, 7)

	require.Equal(t, 1, state.Store.Len())
	frame0 := state.Store.Frame(0)
	require.Len(t, frame0.States, 2)
	for _, s := range frame0.States {
		assert.Equal(t, int32(0), s.AState)
		assert.Equal(t, float32(0), s.ForwardLoglike())
	}
	assert.Equal(t, []float32{7, 7}, state.Beams)
	assert.Equal(t, int32(0), state.PriorT)
}

func TestOnlineIntersectAdvancesOneChunkAndPrunes(t *testing.T) {
	graph := fsa.NewSharedGraph(divergingThenMergingFsa())
	scores := &fsa.DenseScores{
		FrameRowSplits: []int32{0, 2},
		Scores: [][]float32{
			{0, 0, 1.0},
			{0.5, 0, 0},
		},
		Width: 3,
	}
	state := NewDecodeState(graph, 1, 1000)
	beam := NewBeamController(1, 1000, 0, 1000, true)
	forward, err := NewForwardPass(graph, nil, pool.New(), beam, 1)
	require.NoError(t, err)
	backward := &BackwardPruner{Graph: graph, OutputBeam: 1000}

	chunkEndT := OnlineIntersect(state, forward, backward, scores, []int32{100}, false)

	assert.Equal(t, int32(1), chunkEndT)
	assert.Equal(t, int32(1), state.PriorT)
	require.Equal(t, 2, state.Store.Len())

	frame1 := state.Store.Frame(1)
	assert.Len(t, frame1.States, 2, "a wide output beam keeps both diverging branches")
}

// selfLoopFsa is a single state with a self-loop on label 0, used to drive
// a multi-frame, multi-chunk online decode without a final arc getting in
// the way.
func selfLoopFsa() *fsa.Fsa {
	return fsa.NewFsa(1, []int32{0, 1}, []fsa.Arc{
		{Src: 0, Dest: 0, Label: 0, Score: 0.0},
	})
}

// TestOnlineIntersectUsesChunkLocalFrameIndexOnSecondChunk guards against a
// regression where ExpandArcs indexed a chunk's DenseScores with the
// session-absolute cur.T instead of a chunk-local frame number: from the
// second Decode-equivalent call onward, that reads the wrong frame's
// acoustic scores (internal/engine/arcexpander.go).
func TestOnlineIntersectUsesChunkLocalFrameIndexOnSecondChunk(t *testing.T) {
	graph := fsa.NewSharedGraph(selfLoopFsa())
	state := NewDecodeState(graph, 1, 1000)
	beam := NewBeamController(1, 1000, 0, 1000, true)
	forward, err := NewForwardPass(graph, nil, pool.New(), beam, 1)
	require.NoError(t, err)
	backward := &BackwardPruner{Graph: graph, OutputBeam: 1000}

	chunk1 := &fsa.DenseScores{
		FrameRowSplits: []int32{0, 2},
		Scores: [][]float32{
			{0, 0.2},
			{0, 0.3},
		},
		Width: 2,
	}
	OnlineIntersect(state, forward, backward, chunk1, []int32{100}, false)
	require.Equal(t, int32(1), state.PriorT)
	assert.InDelta(t, float32(0.2), state.Store.Frame(1).States[0].ForwardLoglike(), 1e-6)

	// chunk2's local frame 0 carries a distinct score (5.0) from its local
	// frame 1 (9.0); a bug that indexes with the absolute frame number
	// (cur.T == 1 at this point) would read local frame 1 instead.
	chunk2 := &fsa.DenseScores{
		FrameRowSplits: []int32{0, 2},
		Scores: [][]float32{
			{0, 5.0},
			{0, 9.0},
		},
		Width: 2,
	}
	OnlineIntersect(state, forward, backward, chunk2, []int32{100}, false)

	got := state.Store.Frame(state.PriorT).States[0].ForwardLoglike()
	assert.InDelta(t, float32(0.2+5.0), got, 1e-6,
		"the second chunk's step must read its own chunk-local frame 0, not the prior chunk's absolute frame index")
}

// straightChainFsa is a 4-state, 3-arc linear chain (0->1->2->3), each arc
// sharing label 0, used so the forward pass never dedups distinct paths
// (every state has exactly one predecessor).
func straightChainFsa() *fsa.Fsa {
	return fsa.NewFsa(4, []int32{0, 1, 2, 3, 3}, []fsa.Arc{
		{Src: 0, Dest: 1, Label: 0, Score: 0.1},
		{Src: 1, Dest: 2, Label: 0, Score: 0.2},
		{Src: 2, Dest: 3, Label: 0, Score: 0.3},
	})
}

// TestOnlineIntersectChunkingMatchesSingleChunkOverSameFrames exercises
// spec.md §8 scenario 6: online mode chunked over (1, 2) frames must reach
// the same forward_loglike as a single chunk covering all 3 frames at once
// (the round-trip property also named in spec.md §8's "online mode over
// chunks ... summing to a batch length" invariant). This is also the
// regression shape for the chunk-local frame indexing fix in ExpandArcs:
// the second chunk's second step (cur.T==2, frameOffset==1) must read its
// own local frame 1, not absolute frame 2.
func TestOnlineIntersectChunkingMatchesSingleChunkOverSameFrames(t *testing.T) {
	graph := fsa.NewSharedGraph(straightChainFsa())
	acoustics := []float32{0.5, 0.6, 0.7} // one per real frame, at column label+1==1

	row := func(acoustic float32) []float32 { return []float32{0, acoustic} }

	newForward := func() (*DecodeState, *ForwardPass, *BackwardPruner) {
		state := NewDecodeState(graph, 1, 1000)
		beam := NewBeamController(1, 1000, 0, 1000, true)
		forward, err := NewForwardPass(graph, nil, pool.New(), beam, 1)
		require.NoError(t, err)
		backward := &BackwardPruner{Graph: graph, OutputBeam: 1000}
		return state, forward, backward
	}

	singleState, singleForward, singleBackward := newForward()
	singleChunk := &fsa.DenseScores{
		FrameRowSplits: []int32{0, 4},
		Scores:         [][]float32{row(acoustics[0]), row(acoustics[1]), row(acoustics[2]), row(0)},
		Width:          2,
	}
	OnlineIntersect(singleState, singleForward, singleBackward, singleChunk, []int32{1000}, false)
	require.Equal(t, int32(3), singleState.PriorT)
	wantLoglike := singleState.Store.Frame(3).States[0].ForwardLoglike()

	splitState, splitForward, splitBackward := newForward()
	chunk1 := &fsa.DenseScores{
		FrameRowSplits: []int32{0, 2},
		Scores:         [][]float32{row(acoustics[0]), row(0)},
		Width:          2,
	}
	OnlineIntersect(splitState, splitForward, splitBackward, chunk1, []int32{1000}, false)
	require.Equal(t, int32(1), splitState.PriorT)

	chunk2 := &fsa.DenseScores{
		FrameRowSplits: []int32{0, 3},
		Scores:         [][]float32{row(acoustics[1]), row(acoustics[2]), row(0)},
		Width:          2,
	}
	OnlineIntersect(splitState, splitForward, splitBackward, chunk2, []int32{1000}, false)
	require.Equal(t, int32(3), splitState.PriorT)

	gotLoglike := splitState.Store.Frame(3).States[0].ForwardLoglike()
	assert.InDelta(t, wantLoglike, gotLoglike, 1e-4,
		"splitting into (1, 2)-frame chunks must reach the same forward_loglike as one (1,2,3)-frame chunk")
	assert.InDelta(t, float32(0.1+acoustics[0]+0.2+acoustics[1]+0.3+acoustics[2]), gotLoglike, 1e-4)
}

func TestGetFinalFrameSynthesizesOneStatePerUtterance(t *testing.T) {
	graph := fsa.NewSharedGraph(divergingThenMergingFsa())
	last := &FrameInfo{
		T:              5,
		StateRowSplits: []int32{0, 2},
		States:         []StateInfo{{AState: 1}, {AState: 2}},
	}
	last.States[0].Forward.Store(floatenc.Encode(0.5))
	last.States[1].Forward.Store(floatenc.Encode(0.9))

	patchedLast, synthesized := GetFinalFrame(graph, last)

	assert.Equal(t, int32(5), patchedLast.T)
	require.Len(t, patchedLast.Arcs, 2, "one graph-final arc survives per surviving state")
	assert.Equal(t, []int32{0, 1, 2}, patchedLast.ArcRowSplits)

	assert.Equal(t, int32(6), synthesized.T)
	require.Len(t, synthesized.States, 1)
	assert.Equal(t, int32(3), synthesized.States[0].AState, "the graph's sole final state")
	assert.InDelta(t, float32(0.9+0.7), synthesized.States[0].ForwardLoglike(), 1e-6,
		"forward_loglike is the max over both incoming final arcs")

	for _, arc := range patchedLast.Arcs {
		assert.Equal(t, int32(0), arc.DestStateIdx, "both final arcs point at the lone synthesized state")
	}
}

func TestGetFinalFrameSkipsUtterancesWithNoSurvivingStates(t *testing.T) {
	graph := fsa.NewSharedGraph(divergingThenMergingFsa())
	last := &FrameInfo{
		T:              5,
		StateRowSplits: []int32{0, 1, 1},
		States:         []StateInfo{{AState: 1}},
	}
	last.States[0].Forward.Store(floatenc.Encode(0.5))

	_, synthesized := GetFinalFrame(graph, last)

	assert.Equal(t, []int32{0, 1, 1}, synthesized.StateRowSplits, "the dead utterance contributes zero synthesized states")
	require.Len(t, synthesized.States, 1)
}
