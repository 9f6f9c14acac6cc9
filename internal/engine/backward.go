package engine

import (
	"math"

	"github.com/fsalattice/intersect/pkg/fsa"
	"github.com/fsalattice/intersect/pkg/ragged"
)

// backwardKeepFloor is the keep-predicate threshold from spec.md §9's open
// question 3: denormal arithmetic could produce a tiny-but-finite
// backward_loglike that should still be treated as "effectively -Inf".
var backwardKeepFloor = float32(-math.MaxFloat32 / 2)

// BackwardPruner runs on its own worker, consuming frame ranges signaled by
// ForwardPass, computing backward log-likes and compacting each range's
// frames in place (spec.md §4.5).
type BackwardPruner struct {
	Graph      *fsa.Graph
	OutputBeam float32
}

// PruneTimeRange implements prune_time_range(begin_t, end_t): it normalizes
// backward probabilities at frame end_t, then sweeps backward over
// [begin_t, end_t), compacting each frame's surviving states/arcs in place
// via store.Replace.
func (bp *BackwardPruner) PruneTimeRange(store *FrameStore, beginT, endT int32) {
	endFrame := store.Frame(endT)
	bp.setBackwardProbsFinal(endFrame)

	// oldToNew holds frame t+1's state renumbering; it starts as the
	// identity (frame end_t is never compacted by this window).
	oldToNew := identityMap(len(endFrame.States))
	// next is frame t+1 in its pre-compaction numbering, which is what
	// cur's arcs still point into.
	next := endFrame

	for t := endT - 1; t >= beginT; t-- {
		cur := store.Frame(t)

		keepArc, arcBack := bp.decideArcs(cur, next)
		keepState := bp.decideStates(cur, keepArc, arcBack)
		if t == beginT {
			for i := range keepState {
				keepState[i] = true
			}
		}

		compacted, newOldToNew := bp.compact(cur, keepArc, keepState, oldToNew, t+1 == endT)
		store.Replace(t, compacted)
		oldToNew = newOldToNew
		next = cur
	}
}

func identityMap(n int) []int32 {
	m := make([]int32, n)
	for i := range m {
		m[i] = int32(i)
	}
	return m
}

// setBackwardProbsFinal normalizes frame's backward_loglike from its
// forward_loglike (spec.md §4.5 step 1), so forward+backward becomes a
// logprob-minus-best quantity along any path through this frame.
func (bp *BackwardPruner) setBackwardProbsFinal(frame *FrameInfo) {
	for i := range frame.States {
		fwd := frame.States[i].ForwardLoglike()
		if fwd == float32(math.Inf(-1)) {
			frame.States[i].Backward = float32(math.Inf(-1))
		} else {
			frame.States[i].Backward = -fwd
		}
	}
}

// decideArcs computes, for each arc on cur, whether it survives backward
// pruning and its arc_back value (spec.md §4.5 step 2, arc half).
func (bp *BackwardPruner) decideArcs(cur, next *FrameInfo) (keepArc []bool, arcBack []float32) {
	keepArc = make([]bool, len(cur.Arcs))
	arcBack = make([]float32, len(cur.Arcs))
	for s := int32(0); s < int32(len(cur.States)); s++ {
		srcForward := cur.States[s].ForwardLoglike()
		start, end := cur.ArcRowSplits[s], cur.ArcRowSplits[s+1]
		for k := start; k < end; k++ {
			arc := &cur.Arcs[k]
			if arc.DestStateIdx == -1 {
				continue // already pruned by the forward pass.
			}
			back := arc.ArcLoglike + next.States[arc.DestStateIdx].Backward
			if back+srcForward >= -bp.OutputBeam {
				keepArc[k] = true
				arcBack[k] = back
			}
		}
	}
	return keepArc, arcBack
}

// decideStates computes each state's backward_loglike and keep decision
// (spec.md §4.5 step 2, state half).
func (bp *BackwardPruner) decideStates(cur *FrameInfo, keepArc []bool, arcBack []float32) []bool {
	keepState := make([]bool, len(cur.States))
	for s := int32(0); s < int32(len(cur.States)); s++ {
		state := &cur.States[s]
		best := float32(math.Inf(-1))
		start, end := cur.ArcRowSplits[s], cur.ArcRowSplits[s+1]
		for k := start; k < end; k++ {
			if keepArc[k] && arcBack[k] > best {
				best = arcBack[k]
			}
		}
		fsaIdx := findFsaForState(cur.StateRowSplits, s)
		f := bp.Graph.ForUtterance(fsaIdx)
		if f.HasFinalState() && state.AState == f.FinalState() {
			if alt := -state.ForwardLoglike(); alt > best {
				best = alt
			}
		}
		state.Backward = best
		keepState[s] = best > backwardKeepFloor
	}
	return keepState
}

// compact builds a new FrameInfo containing only cur's kept states/arcs,
// remapping surviving arcs' destinations through nextOldToNew (frame t+1's
// renumbering), unless nextIsUnrenumbered (frame t+1 is the batch's end_t,
// which this prune call never compacts).
func (bp *BackwardPruner) compact(cur *FrameInfo, keepArc, keepState []bool, nextOldToNew []int32, nextIsUnrenumbered bool) (*FrameInfo, []int32) {
	stateRenumber := ragged.Renumber(cur.StateRowSplits, keepState)

	out := &FrameInfo{
		T:              cur.T,
		StateRowSplits: stateRenumber.NewRowSplits,
		States:         make([]StateInfo, stateRenumber.NumKept),
	}
	for oldIdx, newIdx := range stateRenumber.OldToNew {
		if newIdx < 0 {
			continue
		}
		out.States[newIdx].AState = cur.States[oldIdx].AState
		out.States[newIdx].Forward.Store(cur.States[oldIdx].Forward.Load())
		out.States[newIdx].Backward = cur.States[oldIdx].Backward
	}

	out.ArcRowSplits = make([]int32, len(out.States)+1)
	var newArcs []ArcInfo
	for oldState := int32(0); oldState < int32(len(cur.States)); oldState++ {
		newState := stateRenumber.OldToNew[oldState]
		if newState < 0 {
			continue
		}
		start, end := cur.ArcRowSplits[oldState], cur.ArcRowSplits[oldState+1]
		for k := start; k < end; k++ {
			if !keepArc[k] {
				continue
			}
			arc := cur.Arcs[k]
			if !nextIsUnrenumbered {
				arc.DestStateIdx = nextOldToNew[arc.DestStateIdx]
			}
			newArcs = append(newArcs, arc)
		}
		out.ArcRowSplits[newState+1] = int32(len(newArcs))
	}
	// Fill forward any states whose arc range is empty but that come after
	// states with arcs (ArcRowSplits must be non-decreasing across all
	// states, not just the ones touched above).
	for s := 1; s < len(out.ArcRowSplits); s++ {
		if out.ArcRowSplits[s] < out.ArcRowSplits[s-1] {
			out.ArcRowSplits[s] = out.ArcRowSplits[s-1]
		}
	}
	out.Arcs = newArcs

	return out, stateRenumber.OldToNew
}
