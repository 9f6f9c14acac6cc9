package engine

import (
	"github.com/fsalattice/intersect/pkg/fsa"
)

// Assemble builds the final 3-axis lattice from a FrameStore's frames
// (spec.md §4.7): it stacks the per-frame arc shapes along the frame axis,
// translates each surviving arc's endpoints to flat lattice-local state
// indices, and then drops the frame axis, producing [fsa][state][arc].
//
// scores may be nil (online mode): arc_map_b is omitted in that case.
//
// Partial-path relabeling is already reflected in each arc's Synthesized
// flag, set by ExpandArcs under allow_partial; Assemble only translates it.
//
// frames takes a plain slice rather than a *FrameStore so online mode can
// splice in an ephemeral synthesized final frame without mutating the
// persistent store that decoding continues from on the next chunk.
func Assemble(frames []*FrameInfo, graph *fsa.Graph, scores *fsa.DenseScores, numSeqs int32, finalT []int32) *fsa.Lattice {
	// frameStateOut[t][s] is the output (lattice-local) state index that
	// frame t's global state s was assigned, or -1 if it belongs to no
	// fsa's output rows (never the case here, but kept explicit).
	frameStateOut := make([][]int32, len(frames))
	for t, f := range frames {
		row := make([]int32, len(f.States))
		for i := range row {
			row[i] = -1
		}
		frameStateOut[t] = row
	}

	stateRowSplits := make([]int32, numSeqs+1)
	var outIdx int32

	for fsaIdx := int32(0); fsaIdx < numSeqs; fsaIdx++ {
		for t, f := range frames {
			states, offset := f.StatesForUtt(fsaIdx)
			for i := range states {
				frameStateOut[t][offset+int32(i)] = outIdx
				outIdx++
			}
		}
		// final_arcs_shape (spec.md §4.7 step 1): an utterance whose graph
		// has at least a start state, but whose true final frame holds no
		// surviving state, gets one isolated placeholder state so that a
		// dead mid-stream state that merely ran out of arcs is never
		// mistaken for the lattice's final (last) state for it.
		f := graph.ForUtterance(fsaIdx)
		if f.NumStates > 0 && outIdx > stateRowSplits[fsaIdx] {
			lastFrame := frames[finalT[fsaIdx]]
			if states, _ := lastFrame.StatesForUtt(fsaIdx); len(states) == 0 {
				outIdx++
			}
		}
		stateRowSplits[fsaIdx+1] = outIdx
	}

	var arcs []fsa.Arc
	var arcMapA []int32
	var arcMapB []int32

	for fsaIdx := int32(0); fsaIdx < numSeqs; fsaIdx++ {
		graphFsa := graph.ForUtterance(fsaIdx)
		width := int32(0)
		rowOffset := int32(0)
		if scores != nil {
			width = scores.Width
			rowOffset = scores.FrameRowSplits[fsaIdx]
		}
		for t, frm := range frames {
			states, offset := frm.StatesForUtt(fsaIdx)
			for i := range states {
				s := offset + int32(i)
				arcList, _ := frm.ArcsForState(s)
				for _, arc := range arcList {
					if arc.DestStateIdx == -1 {
						continue
					}
					srcOut := frameStateOut[t][s]
					destOut := frameStateOut[t+1][arc.DestStateIdx]

					label := graphFsa.Arcs[arc.GraphArc].Label
					graphArcMap := arc.GraphArc
					if arc.Synthesized {
						label = fsa.FinalLabel
						graphArcMap = -1
					}

					arcs = append(arcs, fsa.Arc{
						Src:   srcOut,
						Dest:  destOut,
						Label: label,
						Score: arc.ArcLoglike,
					})
					arcMapA = append(arcMapA, graphArcMap)
					if scores != nil {
						arcMapB = append(arcMapB, (rowOffset+int32(t))*width+(label+1))
					}
				}
			}
		}
	}

	// Arcs were appended in (fsa, frame, state) order, which matches
	// frameStateOut's assignment order, so Src is already non-decreasing
	// and a single counting pass is enough to derive ArcRowSplits.
	numStates := stateRowSplits[numSeqs]
	arcRowSplits := make([]int32, numStates+1)
	for _, a := range arcs {
		arcRowSplits[a.Src+1]++
	}
	for s := int32(0); s < numStates; s++ {
		arcRowSplits[s+1] += arcRowSplits[s]
	}

	return &fsa.Lattice{
		StateRowSplits: stateRowSplits,
		ArcRowSplits:   arcRowSplits,
		Arcs:           arcs,
		ArcMapA:        arcMapA,
		ArcMapB:        arcMapB,
	}
}
