// Package activity scores transcription factor activity per sample with a
// directional rank-sum statistic and calibrates it against a null distribution.
package activity

import (
	"fmt"
	"math"

	"github.com/tfactivity/server/internal/fdr"
)

// ExpressionMatrix holds genes x samples values. NaN marks a missing value.
type ExpressionMatrix struct {
	Genes   []string
	Samples []string
	Values  [][]float64 // Values[gene][sample]
}

// NewExpressionMatrix checks shape and gene uniqueness.
func NewExpressionMatrix(genes, samples []string, values [][]float64) (*ExpressionMatrix, error) {
	if len(values) != len(genes) {
		return nil, fmt.Errorf("%w: %d genes but %d rows", ErrShape, len(genes), len(values))
	}
	seen := make(map[string]struct{}, len(genes))
	for i, g := range genes {
		if _, dup := seen[g]; dup {
			return nil, fmt.Errorf("duplicate gene identifier: %s", g)
		}
		seen[g] = struct{}{}
		if len(values[i]) != len(samples) {
			return nil, fmt.Errorf("%w: gene %s has %d values, expected %d", ErrShape, g, len(values[i]), len(samples))
		}
		for j, v := range values[i] {
			if math.IsInf(v, 0) {
				return nil, fmt.Errorf("gene %s sample %s: infinite value", g, samples[j])
			}
		}
	}
	return &ExpressionMatrix{Genes: genes, Samples: samples, Values: values}, nil
}

// NumGenes returns the gene count.
func (m *ExpressionMatrix) NumGenes() int { return len(m.Genes) }

// NumSamples returns the sample count.
func (m *ExpressionMatrix) NumSamples() int { return len(m.Samples) }

// Sample copies sample j's column into dst (reallocated if too small).
func (m *ExpressionMatrix) Sample(j int, dst []float64) []float64 {
	if cap(dst) < len(m.Genes) {
		dst = make([]float64, len(m.Genes))
	}
	dst = dst[:len(m.Genes)]
	for i, row := range m.Values {
		dst[i] = row[j]
	}
	return dst
}

// ScoreMatrix holds signed p-values, samples x TFs. NaN marks a TF that could
// not be scored in a sample. Positive values mean activated, negative inhibited.
type ScoreMatrix struct {
	Samples []string
	TFs     []string
	Values  [][]float64 // Values[sample][tf]
}

// NewScoreMatrix allocates an all-missing matrix.
func NewScoreMatrix(samples, tfs []string) *ScoreMatrix {
	values := make([][]float64, len(samples))
	for i := range values {
		values[i] = missingRow(len(tfs))
	}
	return &ScoreMatrix{Samples: samples, TFs: tfs, Values: values}
}

func missingRow(n int) []float64 {
	row := make([]float64, n)
	for i := range row {
		row[i] = math.NaN()
	}
	return row
}

// Column returns TF j's values across samples.
func (s *ScoreMatrix) Column(j int) []float64 {
	col := make([]float64, len(s.Samples))
	for i, row := range s.Values {
		col[i] = row[j]
	}
	return col
}

// DropMissingColumns returns a matrix without TFs that are missing in every sample.
func (s *ScoreMatrix) DropMissingColumns() *ScoreMatrix {
	keep := make([]int, 0, len(s.TFs))
	for j := range s.TFs {
		for _, row := range s.Values {
			if !math.IsNaN(row[j]) {
				keep = append(keep, j)
				break
			}
		}
	}
	out := &ScoreMatrix{
		Samples: s.Samples,
		TFs:     make([]string, len(keep)),
		Values:  make([][]float64, len(s.Values)),
	}
	for k, j := range keep {
		out.TFs[k] = s.TFs[j]
	}
	for i, row := range s.Values {
		out.Values[i] = make([]float64, len(keep))
		for k, j := range keep {
			out.Values[i][k] = row[j]
		}
	}
	return out
}

// Correct applies Benjamini-Hochberg independently to every TF column.
func (s *ScoreMatrix) Correct(alpha float64) *RejectMatrix {
	return &RejectMatrix{
		Samples: s.Samples,
		TFs:     s.TFs,
		Alpha:   alpha,
		Calls:   fdr.RejectColumns(s.Values, alpha),
		QValues: fdr.AdjustColumns(s.Values),
	}
}

// RejectMatrix holds BH-FDR calls, samples x TFs, in the same orientation as
// the ScoreMatrix it was derived from. QValues is optional.
type RejectMatrix struct {
	Samples []string
	TFs     []string
	Alpha   float64
	Calls   [][]fdr.Call // Calls[sample][tf]
	QValues [][]float64  // QValues[sample][tf], NaN where missing
}

// Rejected returns the number of rejected (sample, TF) pairs.
func (r *RejectMatrix) Rejected() int {
	return fdr.CountRejected(r.Calls)
}
