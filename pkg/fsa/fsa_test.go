package fsa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearFsa() *Fsa {
	// 0 -1-> 1 -2-> 2 (final)
	return NewFsa(3, []int32{0, 1, 2, 2}, []Arc{
		{Src: 0, Dest: 1, Label: 1, Score: 0.1},
		{Src: 1, Dest: 2, Label: 2, Score: 0.2},
	})
}

func TestFsaBasics(t *testing.T) {
	f := linearFsa()
	assert.Equal(t, int32(0), f.StartState())
	assert.True(t, f.HasFinalState())
	assert.Equal(t, int32(2), f.FinalState())

	arcs, offset := f.ArcsFrom(1)
	assert.Equal(t, int32(1), offset)
	require.Len(t, arcs, 1)
	assert.Equal(t, int32(2), arcs[0].Label)
}

func TestGraphSharedVsPerUtterance(t *testing.T) {
	shared := NewSharedGraph(linearFsa())
	assert.Equal(t, int32(1), shared.OuterSize())
	assert.Same(t, shared.ForUtterance(0), shared.ForUtterance(3))

	perUtt := NewPerUtteranceGraph([]*Fsa{linearFsa(), linearFsa()})
	assert.Equal(t, int32(2), perUtt.OuterSize())
	assert.NotSame(t, perUtt.ForUtterance(0), perUtt.ForUtterance(1))
}

func TestGraphValidate(t *testing.T) {
	shared := NewSharedGraph(linearFsa())
	assert.NoError(t, shared.Validate(4))

	perUtt := NewPerUtteranceGraph([]*Fsa{linearFsa(), linearFsa()})
	assert.NoError(t, perUtt.Validate(2))
	assert.Error(t, perUtt.Validate(3))
}

func TestDenseScoresShape(t *testing.T) {
	scores := &DenseScores{
		FrameRowSplits: []int32{0, 2, 5},
		Scores:         make([][]float32, 5),
		Width:          3,
	}
	for i := range scores.Scores {
		scores.Scores[i] = make([]float32, 3)
	}
	assert.Equal(t, int32(2), scores.NumSeqs())
	assert.Equal(t, int32(2), scores.NumFrames(0))
	assert.Equal(t, int32(3), scores.NumFrames(1))
	assert.Equal(t, int32(3), scores.MaxFrames())
	assert.NoError(t, scores.Validate(2))
	assert.Error(t, scores.Validate(3))

	scores.Scores[0] = []float32{1, 2}
	assert.Error(t, scores.Validate(2))
}

func TestDenseScoresFrameScores(t *testing.T) {
	scores := &DenseScores{
		FrameRowSplits: []int32{0, 2},
		Scores:         [][]float32{{1, 2}, {3, 4}},
		Width:          2,
	}
	assert.Equal(t, []float32{3, 4}, scores.FrameScores(0, 1))
}
