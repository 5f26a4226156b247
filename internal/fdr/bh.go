// Package fdr implements Benjamini-Hochberg false discovery rate control.
package fdr

import (
	"math"
	"sort"
)

// DefaultAlpha is the significance level used when none is given.
const DefaultAlpha = 0.05

// Call is the outcome of a multiple-testing decision for one hypothesis.
type Call int8

const (
	// Missing marks a hypothesis that had no p-value to test.
	Missing Call = iota
	Accept
	Reject
)

// String renders a call the way result tables spell it.
func (c Call) String() string {
	switch c {
	case Accept:
		return "False"
	case Reject:
		return "True"
	default:
		return "NaN"
	}
}

// ParseCall is the inverse of String.
func ParseCall(s string) Call {
	switch s {
	case "True", "true", "1":
		return Reject
	case "False", "false", "0":
		return Accept
	default:
		return Missing
	}
}

// Adjust returns Benjamini-Hochberg adjusted p-values (q-values).
// Signs are ignored; NaN entries are excluded from the family and stay NaN.
func Adjust(pvals []float64) []float64 {
	out := make([]float64, len(pvals))
	idx := make([]int, 0, len(pvals))
	for i, p := range pvals {
		if math.IsNaN(p) {
			out[i] = math.NaN()
			continue
		}
		idx = append(idx, i)
	}
	n := len(idx)
	if n == 0 {
		return out
	}

	sort.SliceStable(idx, func(i, j int) bool {
		return math.Abs(pvals[idx[i]]) < math.Abs(pvals[idx[j]])
	})

	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		origIdx := idx[i]
		rank := i + 1
		adjusted := math.Abs(pvals[origIdx]) * float64(n) / float64(rank)
		if adjusted > 1 {
			adjusted = 1
		}
		if adjusted < minP {
			minP = adjusted
		} else {
			adjusted = minP
		}
		out[origIdx] = adjusted
	}
	return out
}

// RejectFamily applies the BH step-up procedure at alpha to one family of p-values.
// The result is aligned with pvals; NaN inputs map to Missing, never Accept.
// A family with no finite p-value yields an all-Missing column.
func RejectFamily(pvals []float64, alpha float64) []Call {
	calls := make([]Call, len(pvals))
	valid := make([]int, 0, len(pvals))
	for i, p := range pvals {
		if !math.IsNaN(p) {
			valid = append(valid, i)
		}
	}
	m := len(valid)
	if m == 0 {
		return calls
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return math.Abs(pvals[valid[i]]) < math.Abs(pvals[valid[j]])
	})

	// Largest k with p_(k) <= k/m * alpha; every hypothesis ranked at or below k is rejected.
	cutoff := -1
	for k := m - 1; k >= 0; k-- {
		if math.Abs(pvals[valid[k]]) <= float64(k+1)/float64(m)*alpha {
			cutoff = k
			break
		}
	}
	for rank, i := range valid {
		if rank <= cutoff {
			calls[i] = Reject
		} else {
			calls[i] = Accept
		}
	}
	return calls
}

// RejectColumns runs RejectFamily independently on every column of a row-major matrix.
// Each column is its own family: columns are never pooled.
func RejectColumns(rows [][]float64, alpha float64) [][]Call {
	out := make([][]Call, len(rows))
	if len(rows) == 0 {
		return out
	}
	nCols := len(rows[0])
	for i := range out {
		out[i] = make([]Call, nCols)
	}
	col := make([]float64, len(rows))
	for j := 0; j < nCols; j++ {
		for i := range rows {
			col[i] = rows[i][j]
		}
		calls := RejectFamily(col, alpha)
		for i := range rows {
			out[i][j] = calls[i]
		}
	}
	return out
}

// AdjustColumns returns per-column q-values for a row-major matrix, one
// family per column like RejectColumns.
func AdjustColumns(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	if len(rows) == 0 {
		return out
	}
	nCols := len(rows[0])
	for i := range out {
		out[i] = make([]float64, nCols)
	}
	col := make([]float64, len(rows))
	for j := 0; j < nCols; j++ {
		for i := range rows {
			col[i] = rows[i][j]
		}
		q := Adjust(col)
		for i := range rows {
			out[i][j] = q[i]
		}
	}
	return out
}

// CountRejected returns the number of Reject calls in a matrix.
func CountRejected(calls [][]Call) int {
	n := 0
	for _, row := range calls {
		for _, c := range row {
			if c == Reject {
				n++
			}
		}
	}
	return n
}
