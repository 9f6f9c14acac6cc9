// Package intersect implements pruned forward/backward intersection of a
// batch of acoustic score matrices against one or more decoding graphs,
// producing pruned lattices for speech-recognition-style decoding.
package intersect

import (
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/fsalattice/intersect/internal/engine"
	"github.com/fsalattice/intersect/internal/intersecterr"
	"github.com/fsalattice/intersect/internal/pool"
	"github.com/fsalattice/intersect/pkg/fsa"
)

// Result is the output of a batch Intersect call (spec.md §6).
type Result struct {
	Lattice *fsa.Lattice
	ArcMapA []int32
	ArcMapB []int32
}

// Intersect runs pruned forward/backward intersection of graph against
// scores, producing one lattice per utterance (spec.md §6's batch
// intersect entry point).
func Intersect(graph *fsa.Graph, scores *fsa.DenseScores, cfg IntersectConfig) (result Result, err error) {
	if verr := cfg.Validate(); verr != nil {
		return Result{}, verr
	}
	numSeqs := scores.NumSeqs()
	if verr := graph.Validate(numSeqs); verr != nil {
		return Result{}, intersecterr.Wrap(intersecterr.ShapeMismatch, verr, "graph shape invalid for num_seqs %d", numSeqs)
	}
	if verr := scores.Validate(numSeqs); verr != nil {
		return Result{}, intersecterr.Wrap(intersecterr.ShapeMismatch, verr, "dense scores shape invalid")
	}

	defer exceptions.Catch(func(exception error) {
		err = intersecterr.Wrap(intersecterr.InternalInvariantViolated, exception, "internal invariant violated during Intersect")
	})

	finalT := make([]int32, numSeqs)
	finalFrameLocal := make([]int32, numSeqs)
	for i := int32(0); i < numSeqs; i++ {
		finalT[i] = scores.NumFrames(i) - 1
		finalFrameLocal[i] = scores.NumFrames(i) - 2
	}

	beam := engine.NewBeamController(numSeqs, cfg.SearchBeam, cfg.MinActive, cfg.MaxActive, false)
	if cfg.BeamGrowthFactor > 0 {
		beam.GrowthFactor = cfg.BeamGrowthFactor
	}
	if cfg.BeamShrinkFactor > 0 {
		beam.ShrinkFactor = cfg.BeamShrinkFactor
	}

	workers := pool.New()
	if cfg.MaxParallelism != 0 {
		workers.SetMaxParallelism(cfg.MaxParallelism)
	}
	forward, ferr := engine.NewForwardPass(graph, scores, workers, beam, numSeqs)
	if ferr != nil {
		return Result{}, intersecterr.Wrap(intersecterr.CapacityExceeded, ferr, "failed to construct ForwardPass")
	}
	backward := &engine.BackwardPruner{Graph: graph, OutputBeam: cfg.OutputBeam}

	session := engine.NewSession(forward, backward)
	klog.V(1).Infof("intersect %s: num_seqs=%d max_frames=%d max_parallelism=%d", session.RunID, numSeqs, scores.MaxFrames(), workers.MaxParallelism())

	start := engine.StartFrame(graph, numSeqs)
	numFrames := scores.MaxFrames() - 1
	session.RunBatch(start, numFrames, finalT, finalFrameLocal, cfg.AllowPartial)

	lattice := engine.Assemble(session.Store.Frames(), graph, scores, numSeqs, finalT)
	return Result{Lattice: lattice, ArcMapA: lattice.ArcMapA, ArcMapB: lattice.ArcMapB}, nil
}

// OnlineIntersecter replays chunked acoustic scores against a fixed-width
// batch of graphs, carrying decode state across calls (spec.md §4.8, §6).
type OnlineIntersecter struct {
	graph *fsa.Graph
	cfg   OnlineConfig

	workers  *pool.Pool
	forward  *engine.ForwardPass
	backward *engine.BackwardPruner
	state    *engine.DecodeState
	runID    uuid.UUID
}

// NewOnlineIntersecter builds an OnlineIntersecter. graph must have
// outer_size == 1 (spec.md §6 precondition).
func NewOnlineIntersecter(graph *fsa.Graph, cfg OnlineConfig) (*OnlineIntersecter, error) {
	if verr := cfg.Validate(); verr != nil {
		return nil, verr
	}
	if graph.OuterSize() != 1 {
		return nil, intersecterr.New(intersecterr.ConfigInvalid, "online intersecter requires a_fsas.outer_size == 1, got %d", graph.OuterSize())
	}
	if verr := graph.Validate(1); verr != nil {
		return nil, intersecterr.Wrap(intersecterr.ShapeMismatch, verr, "graph shape invalid")
	}

	beam := engine.NewBeamController(cfg.NumSeqs, cfg.SearchBeam, cfg.MinActive, cfg.MaxActive, true)
	workers := pool.New()
	if cfg.MaxParallelism != 0 {
		workers.SetMaxParallelism(cfg.MaxParallelism)
	}
	forward, ferr := engine.NewForwardPass(graph, nil, workers, beam, cfg.NumSeqs)
	if ferr != nil {
		return nil, intersecterr.Wrap(intersecterr.CapacityExceeded, ferr, "failed to construct ForwardPass")
	}

	return &OnlineIntersecter{
		graph:    graph,
		cfg:      cfg,
		workers:  workers,
		forward:  forward,
		backward: &engine.BackwardPruner{Graph: graph, OutputBeam: cfg.OutputBeam},
		state:    engine.NewDecodeState(graph, cfg.NumSeqs, cfg.SearchBeam),
		runID:    uuid.New(),
	}, nil
}

// Decode runs one chunk of scores through the engine, returning a partial
// lattice that includes a synthesized final frame per utterance (spec.md
// §4.8, §6). arc_map_b is never produced in online mode.
func (o *OnlineIntersecter) Decode(scores *fsa.DenseScores) (result Result, err error) {
	if verr := scores.Validate(o.cfg.NumSeqs); verr != nil {
		return Result{}, intersecterr.Wrap(intersecterr.ShapeMismatch, verr, "dense scores shape invalid")
	}
	o.forward.Scores = scores

	defer exceptions.Catch(func(exception error) {
		err = intersecterr.Wrap(intersecterr.InternalInvariantViolated, exception, "internal invariant violated during Decode")
	})

	finalFrameLocal := make([]int32, o.cfg.NumSeqs)
	for i := int32(0); i < o.cfg.NumSeqs; i++ {
		finalFrameLocal[i] = o.state.PriorT + scores.NumFrames(i) - 2
	}

	klog.V(1).Infof("online %s: chunk from t=%d, max_frames=%d", o.runID, o.state.PriorT, scores.MaxFrames())
	chunkEndT := engine.OnlineIntersect(o.state, o.forward, o.backward, scores, finalFrameLocal, o.cfg.AllowPartial)

	finalT := make([]int32, o.cfg.NumSeqs)
	for i := range finalT {
		finalT[i] = chunkEndT
	}

	frames := o.state.Store.Frames()
	last := frames[len(frames)-1]
	patchedLast, synthesized := engine.GetFinalFrame(o.graph, last)
	assembleFrames := append(append([]*engine.FrameInfo{}, frames[:len(frames)-1]...), patchedLast, synthesized)

	lattice := engine.Assemble(assembleFrames, o.graph, nil, o.cfg.NumSeqs, finalT)
	return Result{Lattice: lattice, ArcMapA: lattice.ArcMapA}, nil
}
