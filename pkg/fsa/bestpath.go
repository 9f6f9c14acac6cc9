package fsa

import "math"

// Path is a single path through a Lattice: the sequence of arcs taken and
// their total score.
type Path struct {
	Arcs  []Arc
	Score float32
}

// BestPath runs a Viterbi-style max-score forward pass over utterance
// fsaIdx's portion of the lattice (acyclic by construction) and returns the
// highest scoring path from the start state to the final state.
//
// It returns ok == false if the utterance has no states, or its final
// state is unreachable from the start state.
func BestPath(l *Lattice, fsaIdx int32) (path Path, ok bool) {
	numStates := l.NumStates(fsaIdx)
	if numStates == 0 {
		return Path{}, false
	}
	base := l.StateRowSplits[fsaIdx]

	bestScore := make([]float32, numStates)
	bestPrevArc := make([]int32, numStates)
	for i := range bestScore {
		bestScore[i] = float32(math.Inf(-1))
		bestPrevArc[i] = -1
	}
	bestScore[0] = 0 // start state, local index 0

	// States are numbered in a topological (forward-discovery) order by
	// construction (spec.md §4.4/§4.7), so a single forward sweep suffices.
	for s := int32(0); s < numStates; s++ {
		if bestScore[s] == float32(math.Inf(-1)) {
			continue
		}
		arcs, offset := l.ArcsFrom(base + s)
		for i, arc := range arcs {
			dest := arc.Dest - base
			cand := bestScore[s] + arc.Score
			if cand > bestScore[dest] {
				bestScore[dest] = cand
				bestPrevArc[dest] = offset + int32(i)
			}
		}
	}

	final := numStates - 1
	if bestScore[final] == float32(math.Inf(-1)) {
		return Path{}, false
	}

	var arcs []Arc
	cur := final
	for cur != 0 {
		arcIdx := bestPrevArc[cur]
		if arcIdx < 0 {
			return Path{}, false
		}
		arc := l.Arcs[arcIdx]
		arcs = append(arcs, arc)
		cur = arc.Src - base
	}
	for i, j := 0, len(arcs)-1; i < j; i, j = i+1, j-1 {
		arcs[i], arcs[j] = arcs[j], arcs[i]
	}
	return Path{Arcs: arcs, Score: bestScore[final]}, true
}
