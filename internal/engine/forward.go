package engine

import (
	"github.com/gomlx/exceptions"

	"github.com/fsalattice/intersect/internal/floatenc"
	"github.com/fsalattice/intersect/internal/pool"
	"github.com/fsalattice/intersect/pkg/fsa"
	"github.com/fsalattice/intersect/pkg/statehash"
)

// ForwardPass drives a single frame's expand/cutoff/dedup/allocate cycle
// (spec.md §4.4). It returns the next frame's FrameInfo.
type ForwardPass struct {
	Graph   *fsa.Graph
	Scores  *fsa.DenseScores
	Workers *pool.Pool
	Beam    *BeamController

	hash *statehash.Hash
}

// NewForwardPass builds a ForwardPass, choosing the StateHash key width
// from the largest (fsaIdx, graphState) key that can occur.
func NewForwardPass(graph *fsa.Graph, scores *fsa.DenseScores, workers *pool.Pool, beam *BeamController, numSeqs int32) (*ForwardPass, error) {
	var maxStates int32
	for _, f := range graph.Fsas {
		if f.NumStates > maxStates {
			maxStates = f.NumStates
		}
	}
	maxKey := statehash.PackKey(max(numSeqs-1, 0), max(maxStates-1, 0), maxStates)
	keyBits, err := statehash.ChooseKeyBits(maxKey)
	if err != nil {
		return nil, err
	}
	return &ForwardPass{
		Graph: graph, Scores: scores, Workers: workers, Beam: beam,
		hash: statehash.New(128, keyBits),
	}, nil
}

// graphStateCounts returns, for each utterance, its graph's state count
// (used to pack StateHash keys).
func (fp *ForwardPass) graphStateCounts(numSeqs int32) []int32 {
	counts := make([]int32, numSeqs)
	for fsaIdx := int32(0); fsaIdx < numSeqs; fsaIdx++ {
		counts[fsaIdx] = fp.Graph.ForUtterance(fsaIdx).NumStates
	}
	return counts
}

// Step advances from cur (frame t, already populated with States) to the
// next frame, returning it. finalT/finalFrameLocal describe each
// utterance's sentinel/last-real-frame indices; isLastGlobalFrame and
// allowPartial are as in BeamController.Update/ExpandArcs. frameOffset is
// forwarded to ExpandArcs to translate cur.T into fp.Scores' chunk-local
// frame numbering (0 for batch callers; the chunk's starting absolute frame
// for online callers).
func (fp *ForwardPass) Step(cur *FrameInfo, finalT, finalFrameLocal []int32, isLastGlobalFrame, allowPartial bool, frameOffset int32) *FrameInfo {
	ExpandArcs(fp.Workers, fp.Graph, fp.Scores, cur, finalFrameLocal, allowPartial, frameOffset)
	cutoffs := fp.Beam.Update(cur, cur.T, finalT, isLastGlobalFrame)

	numArcs := len(cur.Arcs)
	numStates := int32(len(cur.States))
	if needed := nextPow2(max(numArcs, 1)); needed > fp.hash.Capacity() {
		fp.hash.Resize(needed)
	}

	counts := fp.graphStateCounts(cur.NumSeqs())

	// arcFsa[k] is the utterance owning arc k, derived from its source
	// state's utterance (non-decreasing in k, since both states and their
	// arcs are laid out in utterance order).
	arcFsa := make([]int32, numArcs)
	for s := int32(0); s < numStates; s++ {
		fsaIdx := findFsaForState(cur.StateRowSplits, s)
		start, end := cur.ArcRowSplits[s], cur.ArcRowSplits[s+1]
		for k := start; k < end; k++ {
			arcFsa[k] = fsaIdx
		}
	}

	// Step 4: for each arc above cutoff, race to claim its destination key
	// in the hash; exactly one arc wins per destination.
	keep := make([]bool, numArcs)
	fp.Workers.Run(numArcs, func(start, end int) {
		for k := start; k < end; k++ {
			arc := &cur.Arcs[k]
			fsaIdx := arcFsa[k]
			if arc.EndLoglike <= cutoffs[fsaIdx] {
				continue
			}
			key := statehash.PackKey(fsaIdx, arc.DestGraphState, counts[fsaIdx])
			keep[k] = fp.hash.Insert(key, uint64(k))
		}
	})

	// Step 5: renumber winning arcs to new-state indices; state_to_fsa is
	// non-decreasing because winning arcs are visited in k order, which is
	// already utterance-ordered.
	var stateToFsa []int32
	var winningArcIdx []int32
	for k := 0; k < numArcs; k++ {
		if keep[k] {
			stateToFsa = append(stateToFsa, arcFsa[k])
			winningArcIdx = append(winningArcIdx, int32(k))
		}
	}
	numNewStates := int32(len(winningArcIdx))
	for i := 1; i < len(stateToFsa); i++ {
		if stateToFsa[i] < stateToFsa[i-1] {
			exceptions.Panicf("state_to_fsa is not non-decreasing at index %d: %d then %d", i, stateToFsa[i-1], stateToFsa[i])
		}
	}

	nextRowSplits := make([]int32, cur.NumSeqs()+1)
	fsaIdx := int32(0)
	for i, f := range stateToFsa {
		for fsaIdx < f {
			nextRowSplits[fsaIdx+1] = int32(i)
			fsaIdx++
		}
	}
	for fsaIdx < cur.NumSeqs() {
		nextRowSplits[fsaIdx+1] = numNewStates
		fsaIdx++
	}

	// Step 6: allocate next.States, forward_loglike initialized to -Inf.
	next := &FrameInfo{
		T:              cur.T + 1,
		StateRowSplits: nextRowSplits,
		States:         make([]StateInfo, numNewStates),
		ArcRowSplits:   make([]int32, numNewStates+1),
	}

	// Step 7: rewrite the hash value from arc index to new-state index.
	for i, arcIdx := range winningArcIdx {
		arc := &cur.Arcs[arcIdx]
		next.States[i].AState = arc.DestGraphState
		next.States[i].Forward.Store(floatenc.NegInf)
		key := statehash.PackKey(stateToFsa[i], arc.DestGraphState, counts[stateToFsa[i]])
		fp.hash.SetValueAt(key, uint64(i))
	}

	// Step 8: every surviving arc looks up its destination and atomically
	// maxes the new state's forward_loglike.
	fp.Workers.Run(numArcs, func(start, end int) {
		for k := start; k < end; k++ {
			arc := &cur.Arcs[k]
			fsaIdx := arcFsa[k]
			if arc.EndLoglike <= cutoffs[fsaIdx] {
				arc.DestStateIdx = -1
				continue
			}
			key := statehash.PackKey(fsaIdx, arc.DestGraphState, counts[fsaIdx])
			value, found := fp.hash.Find(key)
			if !found {
				arc.DestStateIdx = -1
				continue
			}
			arc.DestStateIdx = int32(value)
			floatenc.AtomicMax(&next.States[value].Forward, arc.EndLoglike)
		}
	})

	// Step 9: drain the hash so it is empty again outside this frame.
	fp.Workers.Run(len(winningArcIdx), func(start, end int) {
		for i := start; i < end; i++ {
			arc := &cur.Arcs[winningArcIdx[i]]
			key := statehash.PackKey(stateToFsa[i], arc.DestGraphState, counts[stateToFsa[i]])
			fp.hash.Delete(key)
		}
	})

	return next
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
