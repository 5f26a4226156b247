// Package soma reads expression data from a TileDB-SOMA experiment.
//
// Only what an activity analysis needs is supported:
//   - map gene_id -> gene soma_joinid (from ms/RNA/var)
//   - group cells by a string obs column (from obs)
//   - read sparse X for a subset of cells (from ms/RNA/X/data)
package soma

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tfactivity/server/internal/activity"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build with: go build -tags soma)")
	// ErrNoCells is returned when a selection matches no cells.
	ErrNoCells = errors.New("selection matches no cells")
)

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = filepath.Clean(os.ExpandEnv(p))
	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}

// Selection picks the cells that become samples.
type Selection struct {
	// ObsColumn groups cells; empty selects every cell.
	ObsColumn string
	// ObsValues lists the groups to keep; empty keeps every group.
	ObsValues []string
	// MaxCells caps the number of cells; <= 0 means no cap.
	MaxCells int
	// Seed drives the subsampling when MaxCells applies.
	Seed int64
}

// ExpressionMatrix reads a genes x cells matrix for the selected cells.
// Entries absent from the sparse X array are missing. Genes with no entry in
// any selected cell are left out.
func (r *Reader) ExpressionMatrix(sel Selection) (*activity.ExpressionMatrix, error) {
	if !r.Supported() {
		return nil, ErrUnsupported
	}
	column := sel.ObsColumn
	if column == "" {
		column = "obs_id"
	}
	groups, err := r.ObsGroupIndex(column)
	if err != nil {
		return nil, fmt.Errorf("failed to load obs column %s: %w", column, err)
	}
	cells, err := selectCells(groups, sel)
	if err != nil {
		return nil, err
	}
	genes, err := r.AllGenes()
	if err != nil {
		return nil, fmt.Errorf("failed to load gene map: %w", err)
	}

	m, err := assembleMatrix(genes, cells, r.ScanXForCells)
	if err != nil {
		return nil, err
	}
	log.Printf("[SOMA] Read %d genes x %d cells from %s", m.NumGenes(), m.NumSamples(), r.ExperimentURI())
	return m, nil
}

// selectCells collects the cells of the chosen groups, sorted by joinid,
// and subsamples them to MaxCells.
func selectCells(groups map[string][]int64, sel Selection) ([]int64, error) {
	var cells []int64
	if len(sel.ObsValues) == 0 {
		for _, ids := range groups {
			cells = append(cells, ids...)
		}
	} else {
		for _, v := range sel.ObsValues {
			cells = append(cells, groups[v]...)
		}
	}
	if len(cells) == 0 {
		return nil, fmt.Errorf("%w: %s in %v", ErrNoCells, sel.ObsColumn, sel.ObsValues)
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })

	if sel.MaxCells > 0 && len(cells) > sel.MaxCells {
		rng := rand.New(rand.NewSource(sel.Seed))
		rng.Shuffle(len(cells), func(i, j int) {
			cells[i], cells[j] = cells[j], cells[i]
		})
		cells = cells[:sel.MaxCells]
		sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })
	}
	return cells, nil
}

type scanFunc func(cells []int64, onRow func(cell, gene int64, val float32)) error

func assembleMatrix(genes map[string]int64, cells []int64, scan scanFunc) (*activity.ExpressionMatrix, error) {
	col := make(map[int64]int, len(cells))
	samples := make([]string, len(cells))
	for j, c := range cells {
		col[c] = j
		samples[j] = strconv.FormatInt(c, 10)
	}
	byJoinID := make(map[int64][]float64)
	err := scan(cells, func(cell, gene int64, val float32) {
		j, ok := col[cell]
		if !ok {
			return
		}
		row, ok := byJoinID[gene]
		if !ok {
			row = make([]float64, len(cells))
			for k := range row {
				row[k] = math.NaN()
			}
			byJoinID[gene] = row
		}
		row[j] = float64(val)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan X: %w", err)
	}

	names := make([]string, 0, len(byJoinID))
	for name, id := range genes {
		if _, ok := byJoinID[id]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	values := make([][]float64, len(names))
	for i, name := range names {
		values[i] = byJoinID[genes[name]]
	}
	return activity.NewExpressionMatrix(names, samples, values)
}
