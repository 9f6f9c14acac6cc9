package engine

import (
	"github.com/fsalattice/intersect/internal/pool"
	"github.com/fsalattice/intersect/pkg/fsa"
	"github.com/fsalattice/intersect/pkg/ragged"
)

// ExpandArcs builds cur.ArcRowSplits/cur.Arcs by enumerating every outgoing
// graph arc of every state on cur (spec.md §4.2).
//
// finalFrameLocal[fsaIdx] is the local frame index one before the sentinel
// final frame for that utterance (i.e. NumFrames(fsaIdx)-2); allowPartial
// gates the final-frame relabeling rule. cur.T and finalFrameLocal are both
// session-absolute frame numbers, but scores is chunk-local in online mode
// (spec.md §4.8): frameOffset is cur.T's absolute value at scores' frame 0,
// so that scores.FrameScores is always indexed with a chunk-local t. Batch
// callers, whose scores spans the whole run, pass frameOffset 0.
func ExpandArcs(workers *pool.Pool, graph *fsa.Graph, scores *fsa.DenseScores, cur *FrameInfo, finalFrameLocal []int32, allowPartial bool, frameOffset int32) {
	numStates := int32(len(cur.States))
	sizes := make([]int32, numStates)
	hasRealFinalArc := make([]bool, numStates)

	for fsaIdx := int32(0); fsaIdx < cur.NumSeqs(); fsaIdx++ {
		states, offset := cur.StatesForUtt(fsaIdx)
		f := graph.ForUtterance(fsaIdx)
		isFinalFrame := allowPartial && cur.T == finalFrameLocal[fsaIdx]
		for i := range states {
			s := offset + int32(i)
			arcs, _ := f.ArcsFrom(states[i].AState)
			sizes[s] = int32(len(arcs))
			if isFinalFrame {
				for _, a := range arcs {
					if a.Label == fsa.FinalLabel {
						hasRealFinalArc[s] = true
						break
					}
				}
			}
		}
	}

	cur.ArcRowSplits = ragged.RowSplitsFromSizes(sizes)
	cur.Arcs = make([]ArcInfo, cur.ArcRowSplits[numStates])

	workers.Run(int(numStates), func(start, end int) {
		for s := int32(start); s < int32(end); s++ {
			fsaIdx := findFsaForState(cur.StateRowSplits, s)
			f := graph.ForUtterance(fsaIdx)
			fr := scores.FrameScores(fsaIdx, cur.T-frameOffset)

			src := &cur.States[s]
			arcs, graphOffset := f.ArcsFrom(src.AState)
			out := cur.Arcs[cur.ArcRowSplits[s]:cur.ArcRowSplits[s+1]]

			isFinalFrame := allowPartial && cur.T == finalFrameLocal[fsaIdx]
			rewriteToFinal := isFinalFrame && !hasRealFinalArc[s] && f.HasFinalState()

			for i, a := range arcs {
				acoustic := fr[a.Label+1]
				dest := a.Dest
				if rewriteToFinal {
					acoustic = 0
					dest = f.FinalState()
				}
				arcLoglike := a.Score + acoustic
				out[i] = ArcInfo{
					GraphArc:       graphOffset + int32(i),
					ArcLoglike:     arcLoglike,
					EndLoglike:     src.ForwardLoglike() + arcLoglike,
					DestGraphState: dest,
					DestStateIdx:   -1,
					Synthesized:    rewriteToFinal,
				}
			}
		}
	})
}

// findFsaForState returns the utterance index owning global state index s,
// via binary search over the row-splits.
func findFsaForState(stateRowSplits []int32, s int32) int32 {
	lo, hi := 0, len(stateRowSplits)-2
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if stateRowSplits[mid] <= s {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return int32(lo)
}
