package intersect

import (
	"github.com/fsalattice/intersect/internal/intersecterr"
)

// IntersectConfig holds the tunable parameters of a batch Intersect call
// (spec.md §6).
type IntersectConfig struct {
	SearchBeam float32
	OutputBeam float32
	MinActive  int32
	MaxActive  int32

	// AllowPartial, when set, synthesizes a -1-labeled final arc on the
	// last frame for utterances that never reach a real final state.
	AllowPartial bool

	// BeamGrowthFactor and BeamShrinkFactor default to 1.25/0.8 (spec.md
	// §4.3/§9 open question 2: exposed as a configuration hook rather than
	// hardcoded).
	BeamGrowthFactor float32
	BeamShrinkFactor float32

	// MaxParallelism overrides the per-frame worker pool's soft target
	// (runtime.NumCPU() by default). 0 leaves the default; negative means
	// unlimited.
	MaxParallelism int
}

// DefaultIntersectConfig returns an IntersectConfig with the spec's
// hardcoded beam-growth contract and no pruning/partial overrides; callers
// must still set SearchBeam/OutputBeam/MinActive/MaxActive.
func DefaultIntersectConfig() IntersectConfig {
	return IntersectConfig{BeamGrowthFactor: 1.25, BeamShrinkFactor: 0.8}
}

// Validate checks the preconditions from spec.md §6's error conditions.
func (c IntersectConfig) Validate() error {
	if c.SearchBeam <= 0 {
		return intersecterr.New(intersecterr.ConfigInvalid, "search_beam must be positive, got %v", c.SearchBeam)
	}
	if c.OutputBeam <= 0 {
		return intersecterr.New(intersecterr.ConfigInvalid, "output_beam must be positive, got %v", c.OutputBeam)
	}
	if c.MinActive < 0 {
		return intersecterr.New(intersecterr.ConfigInvalid, "min_active must be non-negative, got %v", c.MinActive)
	}
	if c.MaxActive <= c.MinActive {
		return intersecterr.New(intersecterr.ConfigInvalid, "max_active (%v) must exceed min_active (%v)", c.MaxActive, c.MinActive)
	}
	return nil
}

// OnlineConfig holds the tunable parameters of an OnlineIntersecter
// (spec.md §6): the same beam/active-state knobs, plus the fixed batch
// width held constant across chunks.
type OnlineConfig struct {
	NumSeqs int32

	SearchBeam float32
	OutputBeam float32
	MinActive  int32
	MaxActive  int32

	AllowPartial bool

	// MaxParallelism overrides the per-frame worker pool's soft target, as
	// IntersectConfig.MaxParallelism.
	MaxParallelism int
}

// Validate checks OnlineConfig's preconditions, including num_seqs > 0 and
// a_fsas.outer_size == 1 (checked by the caller via Graph.Validate(1), per
// spec.md §6).
func (c OnlineConfig) Validate() error {
	if c.NumSeqs <= 0 {
		return intersecterr.New(intersecterr.ConfigInvalid, "num_seqs must be positive, got %v", c.NumSeqs)
	}
	if c.SearchBeam <= 0 {
		return intersecterr.New(intersecterr.ConfigInvalid, "search_beam must be positive, got %v", c.SearchBeam)
	}
	if c.OutputBeam <= 0 {
		return intersecterr.New(intersecterr.ConfigInvalid, "output_beam must be positive, got %v", c.OutputBeam)
	}
	if c.MinActive < 0 {
		return intersecterr.New(intersecterr.ConfigInvalid, "min_active must be non-negative, got %v", c.MinActive)
	}
	if c.MaxActive <= c.MinActive {
		return intersecterr.New(intersecterr.ConfigInvalid, "max_active (%v) must exceed min_active (%v)", c.MaxActive, c.MinActive)
	}
	return nil
}
