// Package ragged implements the small subset of ragged-tensor primitives
// the intersection engine needs: row-splits/row-ids conversion, exclusive
// sum, max-per-sublist, and renumbering via a keep-mask. It intentionally
// does not attempt to be a general-purpose ragged-tensor library (spec.md
// scopes that out as an external collaborator); see DESIGN.md for why this
// package exists anyway.
package ragged

import "github.com/pkg/errors"

// Shape describes a multi-axis ragged layout as a chain of row-splits, one
// per ragged axis, the way k2-style ragged tensors do it: RowSplits[i] maps
// rows of axis i to ranges of elements of axis i+1. NumAxes() == len(RowSplits)+1.
type Shape struct {
	RowSplits [][]int32
}

// NewShape builds a Shape from a chain of row-splits arrays, outermost axis
// first. Each RowSplits[i] must be non-decreasing, start at 0, and its last
// element must equal len(RowSplits[i+1])-1 (the number of rows of the next
// axis), except for the innermost one.
func NewShape(rowSplits [][]int32) *Shape {
	return &Shape{RowSplits: rowSplits}
}

// NumAxes returns the total number of axes, including the final (non-ragged)
// values axis.
func (s *Shape) NumAxes() int {
	return len(s.RowSplits) + 1
}

// Dim0 returns the number of rows of the outermost axis.
func (s *Shape) Dim0() int32 {
	if len(s.RowSplits) == 0 {
		return 0
	}
	return int32(len(s.RowSplits[0]) - 1)
}

// TotSize returns the number of elements at the given axis (0 is the
// outermost ragged axis, NumAxes()-1 the flat values axis).
func (s *Shape) TotSize(axis int) int32 {
	if axis == 0 {
		return s.Dim0()
	}
	rs := s.RowSplits[axis-1]
	if len(rs) == 0 {
		return 0
	}
	return rs[len(rs)-1]
}

// RowIDs returns the row-ids array for axis (i.e. for RowSplits[axis]):
// row-ids[k] is the row axis-index that contains element k of axis+1.
func (s *Shape) RowIDs(axis int) []int32 {
	return RowSplitsToRowIDs(s.RowSplits[axis])
}

// RowSplitsFromSizes builds a row-splits array from per-row element counts
// via an exclusive prefix sum.
func RowSplitsFromSizes(sizes []int32) []int32 {
	return ExclusiveSum(sizes)
}

// ExclusiveSum returns a slice of length len(vals)+1 whose i-th element is
// the sum of vals[:i]; result[0] == 0.
func ExclusiveSum(vals []int32) []int32 {
	result := make([]int32, len(vals)+1)
	var sum int32
	for i, v := range vals {
		result[i] = sum
		sum += v
	}
	result[len(vals)] = sum
	return result
}

// RowSplitsToRowIDs expands row-splits into the row-ids representation:
// row-ids has length rowSplits[len(rowSplits)-1] and row-ids[k] == i iff
// rowSplits[i] <= k < rowSplits[i+1].
func RowSplitsToRowIDs(rowSplits []int32) []int32 {
	if len(rowSplits) == 0 {
		return nil
	}
	n := rowSplits[len(rowSplits)-1]
	rowIDs := make([]int32, n)
	for row := 0; row < len(rowSplits)-1; row++ {
		for k := rowSplits[row]; k < rowSplits[row+1]; k++ {
			rowIDs[k] = int32(row)
		}
	}
	return rowIDs
}

// RowIDsToRowSplits is the inverse of RowSplitsToRowIDs, given the number of
// rows (which may exceed the highest row-id present, for trailing empty rows).
func RowIDsToRowSplits(rowIDs []int32, numRows int32) []int32 {
	rowSplits := make([]int32, numRows+1)
	for _, row := range rowIDs {
		rowSplits[row+1]++
	}
	for i := 1; i < len(rowSplits); i++ {
		rowSplits[i] += rowSplits[i-1]
	}
	return rowSplits
}

// MaxPerSublistFloat32 returns, for each row described by rowSplits, the max
// of values over that row's elements, or defaultVal if the row is empty.
func MaxPerSublistFloat32(rowSplits []int32, values []float32, defaultVal float32) []float32 {
	numRows := len(rowSplits) - 1
	out := make([]float32, numRows)
	for row := 0; row < numRows; row++ {
		best := defaultVal
		for k := rowSplits[row]; k < rowSplits[row+1]; k++ {
			if values[k] > best {
				best = values[k]
			}
		}
		out[row] = best
	}
	return out
}

// RenumberResult is the output of Renumber: a compacted row-splits array for
// the renumbered axis, plus a mapping from each original element index to
// its new index, or -1 if it was dropped.
type RenumberResult struct {
	NewRowSplits []int32
	OldToNew     []int32
	NumKept      int32
}

// Renumber compacts the elements of a ragged axis (given by rowSplits over
// them) according to keep, producing new row-splits over only the kept
// elements and an old-index -> new-index map (-1 for dropped elements).
//
// This implements the "renumbering via keep-masks" primitive used by
// BackwardPruner's compaction (ForwardPass renumbers its winning arcs with
// its own loop).
func Renumber(rowSplits []int32, keep []bool) RenumberResult {
	if int(rowSplits[len(rowSplits)-1]) != len(keep) {
		panic(errors.Errorf("ragged.Renumber: rowSplits covers %d elements, keep has %d", rowSplits[len(rowSplits)-1], len(keep)))
	}
	oldToNew := make([]int32, len(keep))
	var next int32
	for i, k := range keep {
		if k {
			oldToNew[i] = next
			next++
		} else {
			oldToNew[i] = -1
		}
	}
	newRowSplits := make([]int32, len(rowSplits))
	for row := 0; row < len(rowSplits)-1; row++ {
		start, end := rowSplits[row], rowSplits[row+1]
		count := int32(0)
		for k := start; k < end; k++ {
			if keep[k] {
				count++
			}
		}
		newRowSplits[row+1] = newRowSplits[row] + count
	}
	return RenumberResult{NewRowSplits: newRowSplits, OldToNew: oldToNew, NumKept: next}
}

// Compact returns values[i] for every i with keep[i] set, preserving order.
func Compact[T any](values []T, keep []bool) []T {
	out := make([]T, 0, len(values))
	for i, v := range values {
		if keep[i] {
			out = append(out, v)
		}
	}
	return out
}
