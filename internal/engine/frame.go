// Package engine implements the per-frame forward/backward intersection
// pipeline: FrameStore, ArcExpander, BeamController, ForwardPass,
// BackwardPruner and Assembler (spec.md §4).
package engine

import (
	"sync"
	"sync/atomic"

	"github.com/fsalattice/intersect/internal/floatenc"
)

// StateInfo is a surviving (frame, state) entry (spec.md §3).
type StateInfo struct {
	// AState is the index of this state within its graph Fsa.
	AState int32
	// Forward holds the order-preserving encoding of forward_loglike; it is
	// written with floatenc.AtomicMax and read with floatenc.Decode.
	Forward atomic.Uint32
	// Backward is written only by BackwardPruner, single-threaded per state.
	Backward float32
}

// ForwardLoglike decodes the current forward log-like.
func (s *StateInfo) ForwardLoglike() float32 {
	return floatenc.Decode(s.Forward.Load())
}

// ArcInfo is a surviving (frame, arc) entry (spec.md §3).
//
// Per the design note on the source's union field, DestGraphState and
// DestStateIdx are two separate fields, each valid in exactly one phase of
// ForwardPass, rather than a bit-reused union: DestGraphState is valid from
// ArcExpander through the dedup/keep decision; DestStateIdx is valid from
// the hash-rewrite step onward (-1 meaning pruned).
type ArcInfo struct {
	// GraphArc indexes into the owning Fsa's Arcs.
	GraphArc int32
	// ArcLoglike is arc.Score + acoustic(label+1).
	ArcLoglike float32
	// EndLoglike is src.ForwardLoglike() + ArcLoglike, computed at expansion
	// time (src's forward value at that point, not re-read later).
	EndLoglike float32
	// DestGraphState is the destination state's AState, set by ArcExpander.
	DestGraphState int32
	// DestStateIdx is the destination's index within next.States, set
	// during ForwardPass's hash-rewrite step; -1 once pruned.
	DestStateIdx int32
	// Synthesized marks an arc rewritten to route to a final state under
	// allow_partial handling (spec.md §4.2), so Assembler knows to emit -1
	// for its arc_map_a entry.
	Synthesized bool
}

// FrameInfo holds one time step's surviving states and their outgoing arcs,
// both ragged over utterances (spec.md §3).
type FrameInfo struct {
	T int32

	// StateRowSplits[i]..StateRowSplits[i+1] is the state range of utterance i.
	StateRowSplits []int32
	States         []StateInfo

	// ArcRowSplits[s]..ArcRowSplits[s+1] is the arc range leaving state s (a
	// global index into States). len(ArcRowSplits) == len(States)+1.
	ArcRowSplits []int32
	Arcs         []ArcInfo
}

// NumSeqs returns the number of utterances this frame covers.
func (f *FrameInfo) NumSeqs() int32 {
	return int32(len(f.StateRowSplits) - 1)
}

// StatesForUtt returns utterance fsaIdx's states and the global index of
// the first one.
func (f *FrameInfo) StatesForUtt(fsaIdx int32) (states []StateInfo, offset int32) {
	start, end := f.StateRowSplits[fsaIdx], f.StateRowSplits[fsaIdx+1]
	return f.States[start:end], start
}

// ArcsForState returns the arcs leaving the global state index, and their
// starting offset.
func (f *FrameInfo) ArcsForState(state int32) (arcs []ArcInfo, offset int32) {
	start, end := f.ArcRowSplits[state], f.ArcRowSplits[state+1]
	return f.Arcs[start:end], start
}

// FrameStore owns FrameInfo records in time order. It is written only by
// the Forward worker (Append) and mutated in place only by the Backward
// worker, within ranges the Forward worker has already handed off
// (spec.md §5).
type FrameStore struct {
	mu     sync.Mutex
	frames []*FrameInfo
}

// NewFrameStore returns an empty FrameStore.
func NewFrameStore() *FrameStore {
	return &FrameStore{}
}

// Append adds a new frame, becoming frame index Len() before the call.
func (fs *FrameStore) Append(f *FrameInfo) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.frames = append(fs.frames, f)
}

// Len returns the number of frames stored.
func (fs *FrameStore) Len() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.frames)
}

// Frame returns frame t. It panics if t is out of range.
func (fs *FrameStore) Frame(t int32) *FrameInfo {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.frames[t]
}

// Replace overwrites frame t's contents (used by BackwardPruner's in-place
// compaction rewrite).
func (fs *FrameStore) Replace(t int32, f *FrameInfo) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.frames[t] = f
}

// Frames returns a snapshot of the current frame pointer slice. Callers
// must not mutate it; used by Assembler after all processing is done.
func (fs *FrameStore) Frames() []*FrameInfo {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]*FrameInfo, len(fs.frames))
	copy(out, fs.frames)
	return out
}
