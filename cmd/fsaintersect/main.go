// Package main implements fsaintersect, a CLI front-end for running batch
// or online FSA/dense-score intersection from plain text files, useful for
// inspecting the engine's output without embedding it in a larger program
// (spec.md §10.3 treats a CLI as out of scope for the algorithm itself;
// this one exists purely as an operator tool, grounded on the teacher's
// cmd/gomlx_checkpoints idiom).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/fsalattice/intersect/pkg/fsa"

	"github.com/fsalattice/intersect"
)

var (
	flagGraph       = flag.String("graph", "", "Path to an OpenFst-style text graph. If -per-utterance-graphs is set, this is a comma-separated list, one per score file.")
	flagScores      = flag.String("scores", "", "Comma-separated list of dense score text files, one per utterance.")
	flagPerUttGraph = flag.Bool("per-utterance-graphs", false, "Treat -graph as one graph per utterance rather than one shared graph.")

	flagSearchBeam   = flag.Float64("search-beam", 16, "Forward pruning search beam.")
	flagOutputBeam   = flag.Float64("output-beam", 8, "Backward pruning output beam.")
	flagMinActive    = flag.Int("min-active", 1, "Minimum active states per utterance before the beam is grown.")
	flagMaxActive    = flag.Int("max-active", 10000, "Maximum active states per utterance before the beam is shrunk.")
	flagAllowPartial = flag.Bool("allow-partial", false, "Synthesize a final arc for utterances that never reach a real final state.")

	flagOnlineChunk = flag.Int("online-chunk", 0, "If > 0, replay -scores in chunks of this many frames through OnlineIntersecter instead of a single batch Intersect call.")

	flagMaxParallelism = flag.Int("max-parallelism", 0, "Soft target for the per-frame worker pool's parallelism. 0 keeps the default (runtime.NumCPU()); negative means unlimited.")

	flagOutDir = flag.String("out", "", "Directory to write each utterance's lattice text file into (utt0.lat, utt1.lat, ...). If empty, only the summary table is printed.")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		klog.Errorf("fsaintersect: %v", err)
		os.Exit(1)
	}
}

func run() error {
	if *flagGraph == "" || *flagScores == "" {
		return errors.New("both -graph and -scores are required")
	}

	scoreFiles := strings.Split(*flagScores, ",")
	graph, err := loadGraph(*flagGraph, *flagPerUttGraph, len(scoreFiles))
	if err != nil {
		return errors.Wrap(err, "loading graph")
	}

	scores, err := loadDenseScores(scoreFiles)
	if err != nil {
		return errors.Wrap(err, "loading scores")
	}

	cfg := intersect.DefaultIntersectConfig()
	cfg.SearchBeam = float32(*flagSearchBeam)
	cfg.OutputBeam = float32(*flagOutputBeam)
	cfg.MinActive = int32(*flagMinActive)
	cfg.MaxActive = int32(*flagMaxActive)
	cfg.AllowPartial = *flagAllowPartial
	cfg.MaxParallelism = *flagMaxParallelism

	var lattice *fsa.Lattice
	if *flagOnlineChunk > 0 {
		lattice, err = runOnline(graph, scores, cfg, int32(*flagOnlineChunk))
	} else {
		lattice, err = runBatch(graph, scores, cfg)
	}
	if err != nil {
		return err
	}

	printSummary(lattice, scores.NumSeqs())
	if *flagOutDir != "" {
		return writeLattices(lattice, *flagOutDir)
	}
	return nil
}

func runBatch(graph *fsa.Graph, scores *fsa.DenseScores, cfg intersect.IntersectConfig) (*fsa.Lattice, error) {
	klog.V(1).Infof("running batch intersect: num_seqs=%d", scores.NumSeqs())
	result, err := intersect.Intersect(graph, scores, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "intersect")
	}
	return result.Lattice, nil
}

func runOnline(graph *fsa.Graph, scores *fsa.DenseScores, cfg intersect.IntersectConfig, chunkFrames int32) (*fsa.Lattice, error) {
	onlineCfg := intersect.OnlineConfig{
		NumSeqs:        scores.NumSeqs(),
		SearchBeam:     cfg.SearchBeam,
		OutputBeam:     cfg.OutputBeam,
		MinActive:      cfg.MinActive,
		MaxActive:      cfg.MaxActive,
		AllowPartial:   cfg.AllowPartial,
		MaxParallelism: cfg.MaxParallelism,
	}
	intersecter, err := intersect.NewOnlineIntersecter(graph, onlineCfg)
	if err != nil {
		return nil, errors.Wrap(err, "constructing online intersecter")
	}

	chunks := chunkDenseScores(scores, chunkFrames)
	bar := progressbar.Default(int64(len(chunks)), "decoding chunks")
	var result intersect.Result
	for _, chunk := range chunks {
		result, err = intersecter.Decode(chunk)
		if err != nil {
			return nil, errors.Wrap(err, "decode chunk")
		}
		_ = bar.Add(1)
	}
	return result.Lattice, nil
}

// chunkDenseScores splits scores' frames into successive windows of
// chunkFrames (the last chunk may be shorter), each carrying its own
// sentinel final frame so DenseScores.NumFrames still reads one past the
// real content, matching what OnlineIntersecter.Decode expects per call.
func chunkDenseScores(scores *fsa.DenseScores, chunkFrames int32) []*fsa.DenseScores {
	numSeqs := scores.NumSeqs()
	var chunks []*fsa.DenseScores
	offsets := make([]int32, numSeqs)
	for {
		done := true
		rowSplits := make([]int32, numSeqs+1)
		var rows [][]float32
		for i := int32(0); i < numSeqs; i++ {
			total := scores.NumFrames(i) - 1
			start := offsets[i]
			end := min(start+chunkFrames, total)
			if start < total {
				done = false
			}
			for t := start; t < end; t++ {
				rows = append(rows, scores.FrameScores(i, t))
			}
			rows = append(rows, scores.FrameScores(i, min(end, total))) // sentinel
			rowSplits[i+1] = int32(len(rows))
			offsets[i] = end
		}
		if done {
			break
		}
		chunks = append(chunks, &fsa.DenseScores{FrameRowSplits: rowSplits, Scores: rows, Width: scores.Width})
	}
	return chunks
}

func loadGraph(spec string, perUtterance bool, numSeqs int) (*fsa.Graph, error) {
	if !perUtterance {
		f, err := os.Open(spec)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		graphFsa, err := fsa.ParseFsaText(f)
		if err != nil {
			return nil, err
		}
		return fsa.NewSharedGraph(graphFsa), nil
	}

	paths := strings.Split(spec, ",")
	if len(paths) != numSeqs {
		return nil, errors.Errorf("-per-utterance-graphs given %d graphs for %d score files", len(paths), numSeqs)
	}
	fsas := make([]*fsa.Fsa, len(paths))
	for i, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		graphFsa, err := fsa.ParseFsaText(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		fsas[i] = graphFsa
	}
	return fsa.NewPerUtteranceGraph(fsas), nil
}

// loadDenseScores reads one score file per utterance. Each non-comment line
// is a frame's width-wide score vector (whitespace-separated floats);
// column 0 is reserved for the final symbol. A synthetic sentinel frame
// (width-wide, copied from the last real frame) is appended, matching
// DenseScores.NumFrames' "includes the sentinel final frame" convention.
func loadDenseScores(paths []string) (*fsa.DenseScores, error) {
	numSeqs := int32(len(paths))
	rowSplits := make([]int32, numSeqs+1)
	var allRows [][]float32
	var width int32

	bar := progressbar.Default(int64(numSeqs), "reading score files")
	for i, p := range paths {
		rows, err := parseScoreFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", p)
		}
		if len(rows) == 0 {
			return nil, errors.Errorf("%s has no frames", p)
		}
		if width == 0 {
			width = int32(len(rows[0]))
		}
		sentinel := make([]float32, width)
		copy(sentinel, rows[len(rows)-1])
		rows = append(rows, sentinel)

		allRows = append(allRows, rows...)
		rowSplits[i+1] = int32(len(allRows))
		_ = bar.Add(1)
	}
	return &fsa.DenseScores{FrameRowSplits: rowSplits, Scores: allRows, Width: width}, nil
}

func parseScoreFile(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]float32
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		row := make([]float32, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing %q", line)
			}
			row[i] = float32(v)
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).PaddingLeft(1).PaddingRight(1)
	evenRowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).PaddingLeft(1).PaddingRight(1)
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			return s
		})
}

func printSummary(lattice *fsa.Lattice, numSeqs int32) {
	fmt.Println(titleStyle.Render("Lattice summary"))
	table := newTable()
	table.Row("Utterance", "States", "Arcs", "Best path score", "Best path length")
	for i := int32(0); i < numSeqs; i++ {
		numStates := lattice.NumStates(i)
		start, end := lattice.ArcRowSplits[lattice.StateRowSplits[i]], lattice.ArcRowSplits[lattice.StateRowSplits[i+1]]
		numArcs := end - start

		scoreStr, lenStr := "-", "-"
		if path, ok := fsa.BestPath(lattice, i); ok {
			scoreStr = fmt.Sprintf("%.4f", path.Score)
			lenStr = humanize.Comma(int64(len(path.Arcs)))
		}
		table.Row(
			humanize.Comma(int64(i)),
			humanize.Comma(int64(numStates)),
			humanize.Comma(int64(numArcs)),
			scoreStr,
			lenStr,
		)
	}
	fmt.Println(table.Render())
}

func writeLattices(lattice *fsa.Lattice, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i := int32(0); i < lattice.NumFsas(); i++ {
		path := filepath.Join(dir, fmt.Sprintf("utt%d.lat", i))
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		err = fsa.WriteLatticeText(f, lattice, i)
		closeErr := f.Close()
		if err != nil {
			return errors.Wrapf(err, "writing %s", path)
		}
		if closeErr != nil {
			return closeErr
		}
		klog.V(1).Infof("wrote %s", path)
	}
	return nil
}
