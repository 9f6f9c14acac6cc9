package fsa

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseFsaText parses a single graph in a line-oriented, OpenFst-style text
// format: one line per arc as "src dest label score", plus optional lines
// holding a single state number, which only make sure that state is
// counted (no final weight is read -- arc scores already carry all weight
// this engine needs). State numbers are used as written, the state count is
// the largest number seen plus one, state 0 is the start state and the
// highest-numbered state is the final state.
//
// This is deliberately minimal: it exists so the CLI and tests have a
// runnable text format, not as a general FST I/O library (spec.md §1 scopes
// "FSA I/O" out).
func ParseFsaText(r io.Reader) (*Fsa, error) {
	scanner := bufio.NewScanner(r)
	var arcs []Arc
	var numStates int32
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch len(fields) {
		case 1:
			// Bare final-state line: "state" (weight 0 implied).
			s, err := strconv.ParseInt(fields[0], 10, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing final-state line %q", line)
			}
			numStates = max(numStates, int32(s)+1)
		case 4:
			src, err := strconv.ParseInt(fields[0], 10, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing src in %q", line)
			}
			dest, err := strconv.ParseInt(fields[1], 10, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing dest in %q", line)
			}
			label, err := strconv.ParseInt(fields[2], 10, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing label in %q", line)
			}
			score, err := strconv.ParseFloat(fields[3], 32)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing score in %q", line)
			}
			arcs = append(arcs, Arc{Src: int32(src), Dest: int32(dest), Label: int32(label), Score: float32(score)})
			numStates = max(numStates, int32(src)+1, int32(dest)+1)
		default:
			return nil, errors.Errorf("malformed line %q: want 1 or 4 fields", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	counts := make([]int32, numStates)
	for _, a := range arcs {
		counts[a.Src]++
	}
	rowSplits := make([]int32, numStates+1)
	for s := int32(0); s < numStates; s++ {
		rowSplits[s+1] = rowSplits[s] + counts[s]
	}
	sorted := make([]Arc, len(arcs))
	cursor := append([]int32{}, rowSplits...)
	for _, a := range arcs {
		sorted[cursor[a.Src]] = a
		cursor[a.Src]++
	}
	return NewFsa(numStates, rowSplits, sorted), nil
}

// WriteLatticeText writes utterance fsaIdx's portion of l in the same
// line-oriented format ParseFsaText reads, for inspection/debugging.
func WriteLatticeText(w io.Writer, l *Lattice, fsaIdx int32) error {
	base := l.StateRowSplits[fsaIdx]
	numStates := l.NumStates(fsaIdx)
	for s := int32(0); s < numStates; s++ {
		arcs, _ := l.ArcsFrom(base + s)
		for _, a := range arcs {
			if _, err := fmt.Fprintf(w, "%d %d %d %s\n", a.Src-base, a.Dest-base, a.Label, formatScore(a.Score)); err != nil {
				return err
			}
		}
	}
	if numStates > 0 {
		_, err := fmt.Fprintf(w, "%d\n", numStates-1)
		return err
	}
	return nil
}

func formatScore(f float32) string {
	if math.IsInf(float64(f), -1) {
		return "-inf"
	}
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}
