package engine

import (
	"github.com/fsalattice/intersect/internal/floatenc"
	"github.com/fsalattice/intersect/pkg/fsa"
)

// DecodeState is the persistent carry-over between chunks of one online
// session: the shared FrameStore built up so far, each utterance's dynamic
// beam, and the absolute frame index reached (spec.md §3, §4.8).
//
// The source models this per-utterance; since this engine's OnlineConfig
// holds num_seqs fixed and all utterances in a chunk advance through the
// same global frame range together, one shared DecodeState for the whole
// batch is equivalent and simpler (documented in DESIGN.md).
type DecodeState struct {
	Store  *FrameStore
	Beams  []float32
	PriorT int32
}

// NewDecodeState returns a DecodeState for first use: one state per
// utterance at its graph's start, beam initialized to searchBeam.
func NewDecodeState(graph *fsa.Graph, numSeqs int32, searchBeam float32) *DecodeState {
	store := NewFrameStore()
	store.Append(StartFrame(graph, numSeqs))
	beams := make([]float32, numSeqs)
	for i := range beams {
		beams[i] = searchBeam
	}
	return &DecodeState{Store: store, Beams: beams, PriorT: 0}
}

// OnlineIntersect runs one chunk of ForwardPass steps against state,
// advancing its FrameStore in place, then issues exactly one backward
// prune window covering from two frames before the chunk's start through
// the chunk's end (spec.md §4.8). It returns the absolute frame index the
// chunk ended on.
func OnlineIntersect(state *DecodeState, forward *ForwardPass, backward *BackwardPruner, scores *fsa.DenseScores, finalFrameLocal []int32, allowPartial bool) int32 {
	chunkSize := scores.MaxFrames() - 1

	forward.Scores = scores
	forward.Beam.SetBeams(state.Beams)
	cur := state.Store.Frame(state.PriorT)
	for i := int32(0); i < chunkSize; i++ {
		isLastGlobalFrame := false // online mode's BeamController never forces beam to +Inf mid-stream.
		next := forward.Step(cur, nil, finalFrameLocal, isLastGlobalFrame, allowPartial, state.PriorT)
		state.Store.Append(next)
		cur = next
	}
	state.Beams = forward.Beam.Beams()

	chunkEndT := state.PriorT + chunkSize
	backward.PruneTimeRange(state.Store, max(0, state.PriorT-2), chunkEndT)
	state.PriorT = chunkEndT
	return chunkEndT
}

// GetFinalFrame synthesizes a one-state-per-utterance partial-final frame
// from the last real frame's graph-final arcs, without mutating that real
// frame's stored arcs (spec.md §4.8): it returns a patched copy of last
// (with its outgoing final arcs attached, for Assemble's use only) and the
// synthesized frame those arcs point to.
func GetFinalFrame(graph *fsa.Graph, last *FrameInfo) (patchedLast, synthesized *FrameInfo) {
	numSeqs := last.NumSeqs()
	rowSplits := make([]int32, numSeqs+1)
	newStateForFsa := make([]int32, numSeqs)
	var newStates []StateInfo

	for fsaIdx := int32(0); fsaIdx < numSeqs; fsaIdx++ {
		states, _ := last.StatesForUtt(fsaIdx)
		if len(states) == 0 {
			newStateForFsa[fsaIdx] = -1
			rowSplits[fsaIdx+1] = rowSplits[fsaIdx]
			continue
		}
		idx := int32(len(newStates))
		st := StateInfo{AState: graph.ForUtterance(fsaIdx).FinalState()}
		st.Forward.Store(floatenc.NegInf)
		newStates = append(newStates, st)
		newStateForFsa[fsaIdx] = idx
		rowSplits[fsaIdx+1] = idx + 1
	}

	arcRowSplits := make([]int32, len(last.States)+1)
	var arcs []ArcInfo
	for fsaIdx := int32(0); fsaIdx < numSeqs; fsaIdx++ {
		newIdx := newStateForFsa[fsaIdx]
		states, offset := last.StatesForUtt(fsaIdx)
		f := graph.ForUtterance(fsaIdx)
		for i := range states {
			s := offset + int32(i)
			arcsFrom, graphOffset := f.ArcsFrom(states[i].AState)
			for ai, a := range arcsFrom {
				if a.Label != fsa.FinalLabel {
					continue
				}
				end := states[i].ForwardLoglike() + a.Score
				arcs = append(arcs, ArcInfo{
					GraphArc:       graphOffset + int32(ai),
					ArcLoglike:     a.Score,
					EndLoglike:     end,
					DestGraphState: a.Dest,
					DestStateIdx:   newIdx,
				})
				floatenc.AtomicMax(&newStates[newIdx].Forward, end)
			}
			arcRowSplits[s+1] = int32(len(arcs))
		}
	}
	for s := 1; s < len(arcRowSplits); s++ {
		if arcRowSplits[s] < arcRowSplits[s-1] {
			arcRowSplits[s] = arcRowSplits[s-1]
		}
	}

	patchedLast = &FrameInfo{
		T:              last.T,
		StateRowSplits: last.StateRowSplits,
		States:         last.States,
		ArcRowSplits:   arcRowSplits,
		Arcs:           arcs,
	}
	synthesized = &FrameInfo{
		T:              last.T + 1,
		StateRowSplits: rowSplits,
		States:         newStates,
		ArcRowSplits:   make([]int32, len(newStates)+1),
	}
	return patchedLast, synthesized
}
