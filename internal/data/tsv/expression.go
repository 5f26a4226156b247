package tsv

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/tfactivity/server/internal/activity"
)

var missingTokens = map[string]bool{
	"": true, "NA": true, "N/A": true, "NaN": true, "nan": true, "-nan": true,
	"NULL": true, "null": true, "#N/A": true,
}

func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if missingTokens[s] {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) {
		return 0, fmt.Errorf("infinite value %q", s)
	}
	return v, nil
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ReadExpression reads a genes x samples table. The header row names the
// samples after a leading gene-column label; each following row is a gene
// identifier and its values. The first occurrence of a duplicated gene wins.
func ReadExpression(r io.Reader) (*activity.ExpressionMatrix, error) {
	cr := newTabReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("expression matrix: %w", ErrEmptyInput)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read expression header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("expression header has no sample columns")
	}
	samples := append([]string(nil), header[1:]...)

	var genes []string
	var values [][]float64
	seen := make(map[string]bool)
	dups := 0
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read expression line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("expression line %d has %d fields, expected %d", line, len(rec), len(header))
		}
		gene := strings.TrimSpace(rec[0])
		if gene == "" {
			return nil, fmt.Errorf("expression line %d has an empty gene identifier", line)
		}
		if seen[gene] {
			dups++
			continue
		}
		seen[gene] = true

		row := make([]float64, len(samples))
		for j, cell := range rec[1:] {
			v, err := parseValue(cell)
			if err != nil {
				return nil, fmt.Errorf("expression line %d, sample %s: %w", line, samples[j], err)
			}
			row[j] = v
		}
		genes = append(genes, gene)
		values = append(values, row)
	}
	if dups > 0 {
		log.Printf("[Loader] Expression: ignored %d duplicate gene rows", dups)
	}
	if len(genes) == 0 {
		return nil, fmt.Errorf("expression matrix: %w", ErrEmptyInput)
	}
	return activity.NewExpressionMatrix(genes, samples, values)
}

// FilterSparse turns zeros into missing values and drops genes with fewer
// than int(samples * fraction) non-missing values.
func FilterSparse(m *activity.ExpressionMatrix, fraction float64) *activity.ExpressionMatrix {
	thresh := int(float64(m.NumSamples()) * fraction)
	out := &activity.ExpressionMatrix{Samples: m.Samples}
	for i, row := range m.Values {
		kept := make([]float64, len(row))
		present := 0
		for j, v := range row {
			if v == 0 {
				v = math.NaN()
			}
			if !math.IsNaN(v) {
				present++
			}
			kept[j] = v
		}
		if present < thresh {
			continue
		}
		out.Genes = append(out.Genes, m.Genes[i])
		out.Values = append(out.Values, kept)
	}
	log.Printf("[Loader] Sparsity filter: kept %d of %d genes (min %d present)", len(out.Genes), len(m.Genes), thresh)
	return out
}
