package engine

import (
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/fsalattice/intersect/internal/floatenc"
	"github.com/fsalattice/intersect/internal/xsync"
	"github.com/fsalattice/intersect/pkg/fsa"
)

// PruneNumFrames and PruneShift are the default backward-pruning window
// size and stride (spec.md §4.6).
const (
	PruneNumFrames = 30
	PruneShift     = 20
)

// SchedulePruning returns, for t in [0, numFrames], whether ForwardPass
// should signal a prune window ending at t once frame t has been pushed.
// Window [max(0, t-PruneNumFrames), t) is requested at every stride of
// PruneShift frames.
func SchedulePruning(numFrames, pruneNumFrames, pruneShift int32) []bool {
	do := make([]bool, numFrames+1)
	for t := pruneShift; t <= numFrames; t += pruneShift {
		do[t] = true
	}
	return do
}

type pruneWindow struct {
	begin, end int32
}

// Session owns one forward/backward worker pair over a single FrameStore,
// coordinated by the two counting handshakes of spec.md §5: backward_ready
// (a buffered request queue, standing in for a counting signal) and
// forward_gate (an internal/xsync.Semaphore of capacity 1 whose one slot
// starts free).
type Session struct {
	Forward  *ForwardPass
	Backward *BackwardPruner
	Store    *FrameStore

	RunID uuid.UUID

	requests     chan pruneWindow
	forwardGate  *xsync.Semaphore
	backwardDone *xsync.Latch
}

// NewSession wires a ForwardPass to a BackwardPruner over a fresh FrameStore.
func NewSession(forward *ForwardPass, backward *BackwardPruner) *Session {
	return &Session{
		Forward:      forward,
		Backward:     backward,
		Store:        NewFrameStore(),
		RunID:        uuid.New(),
		requests:     make(chan pruneWindow, 1),
		forwardGate:  xsync.NewSemaphore(1),
		backwardDone: xsync.NewLatch(),
	}
}

func (s *Session) runBackward() {
	for {
		s.Forward.Workers.WorkerIsAsleep()
		w, ok := <-s.requests
		s.Forward.Workers.WorkerRestarted()
		if !ok {
			break
		}
		klog.V(2).Infof("session %s: pruning window [%d, %d)", s.RunID, w.begin, w.end)
		s.Backward.PruneTimeRange(s.Store, w.begin, w.end)
		s.forwardGate.Release()
	}
	s.backwardDone.Trigger()
}

// signalPrune implements the backward_ready half of the handshake: it
// enqueues the window, then acquires forward_gate, which blocks only on
// the *previous* window's completion (the gate's one slot starts free, so
// the first Acquire returns at once).
func (s *Session) signalPrune(begin, end int32) {
	s.requests <- pruneWindow{begin: begin, end: end}
	s.forwardGate.Acquire()
}

// RunBatch drives the forward loop for a whole batch over numFrames real
// frames, appending one FrameInfo per frame to Store and triggering
// scheduled backward-pruning windows along the way (spec.md §4.6).
//
// start is frame 0's FrameInfo (one state per utterance's graph start
// state); finalT/finalFrameLocal describe each utterance's sentinel/
// last-real-frame indices, as consumed by BeamController.Update and
// ExpandArcs.
func (s *Session) RunBatch(start *FrameInfo, numFrames int32, finalT, finalFrameLocal []int32, allowPartial bool) {
	go s.runBackward()

	schedule := SchedulePruning(numFrames, PruneNumFrames, PruneShift)
	cur := start
	s.Store.Append(cur)

	for t := int32(0); t < numFrames; t++ {
		isLastGlobalFrame := t == numFrames-1
		next := s.Forward.Step(cur, finalT, finalFrameLocal, isLastGlobalFrame, allowPartial, 0)
		s.Store.Append(next)
		cur = next

		if schedule[t+1] {
			begin := max(0, t+1-PruneNumFrames)
			s.signalPrune(begin, t+1)
		}
	}

	close(s.requests)
	s.backwardDone.Wait()
}

// StartFrame builds frame 0 for a fresh (non-online) run: every utterance
// starts with one state at its graph's start index, except an utterance
// whose graph has zero states, which starts with none.
func StartFrame(graph *fsa.Graph, numSeqs int32) *FrameInfo {
	rowSplits := make([]int32, numSeqs+1)
	for i := int32(0); i < numSeqs; i++ {
		rowSplits[i+1] = rowSplits[i]
		if graph.ForUtterance(i).NumStates > 0 {
			rowSplits[i+1]++
		}
	}
	states := make([]StateInfo, rowSplits[numSeqs])
	for i := int32(0); i < numSeqs; i++ {
		if rowSplits[i+1] > rowSplits[i] {
			states[rowSplits[i]].AState = graph.ForUtterance(i).StartState()
			states[rowSplits[i]].Forward.Store(floatenc.Encode(0))
		}
	}
	return &FrameInfo{
		T:              0,
		StateRowSplits: rowSplits,
		States:         states,
		ArcRowSplits:   make([]int32, len(states)+1),
	}
}
