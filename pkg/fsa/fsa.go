// Package fsa defines the input/output data model of the intersection
// engine: batched decoding graphs, batched dense acoustic scores, and the
// batched lattice they produce (spec.md §3).
package fsa

import "github.com/pkg/errors"

// Arc is a single weighted transition, shared by graphs and lattices.
type Arc struct {
	Src, Dest int32
	Label     int32
	Score     float32
}

// FinalLabel is the label reserved for arcs into a final state.
const FinalLabel int32 = -1

// Fsa is a single acyclic decoding graph: exactly one start state (index 0)
// and at most one final state (the last state, per spec.md §3).
type Fsa struct {
	// ArcRowSplits groups Arcs by source state: ArcRowSplits[s]..ArcRowSplits[s+1]
	// is the arc range leaving state s. len(ArcRowSplits) == NumStates+1.
	ArcRowSplits []int32
	Arcs         []Arc
	NumStates    int32
}

// NewFsa builds an Fsa from arcs already grouped by source state, with
// arcRowSplits describing the grouping.
func NewFsa(numStates int32, arcRowSplits []int32, arcs []Arc) *Fsa {
	return &Fsa{ArcRowSplits: arcRowSplits, Arcs: arcs, NumStates: numStates}
}

// StartState is always state 0 (spec.md §3 invariant).
func (f *Fsa) StartState() int32 { return 0 }

// HasFinalState reports whether the graph has at least one state, in which
// case its last state is the (sole) final state.
func (f *Fsa) HasFinalState() bool { return f.NumStates > 0 }

// FinalState returns the index of the (sole) final state. Only valid when
// HasFinalState is true.
func (f *Fsa) FinalState() int32 { return f.NumStates - 1 }

// ArcsFrom returns the arcs leaving state, and their absolute (graph-wide)
// arc indices' starting offset.
func (f *Fsa) ArcsFrom(state int32) (arcs []Arc, offset int32) {
	start, end := f.ArcRowSplits[state], f.ArcRowSplits[state+1]
	return f.Arcs[start:end], start
}

// Graph is a batch of decoding graphs: either one per utterance (Stride==1)
// or a single graph shared across the whole batch (Stride==0), per spec.md
// §3's a_fsas_stride convention.
type Graph struct {
	Fsas   []*Fsa
	Stride int
}

// NewPerUtteranceGraph wraps one graph per utterance.
func NewPerUtteranceGraph(fsas []*Fsa) *Graph {
	return &Graph{Fsas: fsas, Stride: 1}
}

// NewSharedGraph wraps a single graph shared by every utterance in the batch.
func NewSharedGraph(shared *Fsa) *Graph {
	return &Graph{Fsas: []*Fsa{shared}, Stride: 0}
}

// OuterSize is a_fsas.outer_size: len(Fsas) if Stride==1, else 1.
func (g *Graph) OuterSize() int32 {
	return int32(len(g.Fsas))
}

// ForUtterance returns the Fsa that applies to utterance fsaIdx.
func (g *Graph) ForUtterance(fsaIdx int32) *Fsa {
	if g.Stride == 0 {
		return g.Fsas[0]
	}
	return g.Fsas[fsaIdx]
}

// Validate checks a_fsas.outer_size ∈ {1, numSeqs} (spec.md §6 precondition)
// and that every Fsa has the claimed shape.
func (g *Graph) Validate(numSeqs int32) error {
	if g.OuterSize() != 1 && g.OuterSize() != numSeqs {
		return errors.Errorf("graph outer_size %d is neither 1 nor num_seqs %d", g.OuterSize(), numSeqs)
	}
	for i, f := range g.Fsas {
		if len(f.ArcRowSplits) != int(f.NumStates)+1 {
			return errors.Errorf("fsa %d: arc row-splits has %d entries, want %d", i, len(f.ArcRowSplits), f.NumStates+1)
		}
	}
	return nil
}

// DenseScores is a batched, per-frame dense acoustic score matrix: b_fsas in
// spec.md §3. Column 0 of each frame is reserved for the final symbol,
// accessed via label+1.
type DenseScores struct {
	// FrameRowSplits[i]..FrameRowSplits[i+1] is the frame range for utterance i.
	FrameRowSplits []int32
	// Scores[t] is the width-wide score vector for frame t (t is a global
	// frame index into the flattened batch, per FrameRowSplits).
	Scores [][]float32
	Width  int32
}

// NumSeqs returns the number of utterances in the batch.
func (d *DenseScores) NumSeqs() int32 {
	return int32(len(d.FrameRowSplits) - 1)
}

// NumFrames returns the number of frames of utterance fsaIdx, including the
// sentinel final frame.
func (d *DenseScores) NumFrames(fsaIdx int32) int32 {
	return d.FrameRowSplits[fsaIdx+1] - d.FrameRowSplits[fsaIdx]
}

// MaxFrames returns the largest NumFrames over the whole batch.
func (d *DenseScores) MaxFrames() int32 {
	var maxF int32
	for i := int32(0); i < d.NumSeqs(); i++ {
		if n := d.NumFrames(i); n > maxF {
			maxF = n
		}
	}
	return maxF
}

// FrameScores returns the width-wide score vector for utterance fsaIdx at
// local frame t (0-based within the utterance).
func (d *DenseScores) FrameScores(fsaIdx, t int32) []float32 {
	return d.Scores[d.FrameRowSplits[fsaIdx]+t]
}

// Validate checks the dense score matrix's shape against numSeqs.
func (d *DenseScores) Validate(numSeqs int32) error {
	if d.NumSeqs() != numSeqs {
		return errors.Errorf("dense scores outer_size %d does not match num_seqs %d", d.NumSeqs(), numSeqs)
	}
	for i, row := range d.Scores {
		if int32(len(row)) != d.Width {
			return errors.Errorf("dense scores row %d has width %d, want %d", i, len(row), d.Width)
		}
	}
	return nil
}
