package fdr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectFamily_KnownFamily(t *testing.T) {
	// m=5, alpha=0.05: thresholds 0.01 0.02 0.03 0.04 0.05.
	// Sorted p: 0.001 0.008 0.039 0.041 0.042 -> largest k with p<=k/m*a is k=5.
	p := []float64{0.041, 0.001, 0.042, 0.008, 0.039}
	got := RejectFamily(p, 0.05)
	assert.Equal(t, []Call{Reject, Reject, Reject, Reject, Reject}, got)

	// Sorted p: 0.001 0.008 0.039 0.2 0.5 -> 0.039 > 0.03, so only ranks 1-2.
	p = []float64{0.2, 0.001, 0.5, 0.008, 0.039}
	got = RejectFamily(p, 0.05)
	assert.Equal(t, []Call{Accept, Reject, Accept, Reject, Accept}, got)
}

func TestRejectFamily_StepUpRescuesEarlierRanks(t *testing.T) {
	// p_(1)=0.02 > 0.05/3 alone, but p_(3)=0.04 <= 0.05 rejects all three.
	p := []float64{0.04, 0.02, 0.03}
	assert.Equal(t, []Call{Reject, Reject, Reject}, RejectFamily(p, 0.05))
}

func TestRejectFamily_SignIgnored(t *testing.T) {
	pos := RejectFamily([]float64{0.001, 0.3, 0.02}, 0.05)
	neg := RejectFamily([]float64{-0.001, 0.3, -0.02}, 0.05)
	assert.Equal(t, pos, neg)
}

func TestRejectFamily_MissingStaysMissing(t *testing.T) {
	nan := math.NaN()
	got := RejectFamily([]float64{nan, 0.001, nan, 0.9}, 0.05)
	assert.Equal(t, []Call{Missing, Reject, Missing, Accept}, got)
}

func TestRejectFamily_AllMissingColumn(t *testing.T) {
	nan := math.NaN()
	got := RejectFamily([]float64{nan, nan, nan}, 0.05)
	assert.Equal(t, []Call{Missing, Missing, Missing}, got)

	assert.Empty(t, RejectFamily(nil, 0.05))
}

func TestRejectFamily_Idempotent(t *testing.T) {
	p := []float64{0.01, -0.04, 0.2, math.NaN(), 0.003, -0.5, 0.049}
	first := RejectFamily(p, 0.05)
	second := RejectFamily(p, 0.05)
	assert.Equal(t, first, second)
	// Input must not be reordered in place.
	assert.Equal(t, 0.01, p[0])
	assert.Equal(t, -0.04, p[1])
}

func TestRejectFamily_MonotoneInAlpha(t *testing.T) {
	p := []float64{0.001, 0.004, 0.011, 0.02, 0.03, 0.07, 0.2, 0.45, math.NaN(), -0.015}
	prev := -1
	for _, alpha := range []float64{0.001, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1} {
		n := 0
		for _, c := range RejectFamily(p, alpha) {
			if c == Reject {
				n++
			}
		}
		assert.GreaterOrEqualf(t, n, prev, "alpha=%v rejected fewer than a smaller alpha", alpha)
		prev = n
	}
}

func TestAdjust_AgreesWithRejectFamily(t *testing.T) {
	p := []float64{0.041, 0.001, 0.2, 0.008, -0.039, math.NaN()}
	q := Adjust(p)
	calls := RejectFamily(p, 0.05)
	for i := range p {
		if math.IsNaN(p[i]) {
			assert.True(t, math.IsNaN(q[i]))
			assert.Equal(t, Missing, calls[i])
			continue
		}
		assert.Equalf(t, q[i] <= 0.05, calls[i] == Reject, "index %d q=%v", i, q[i])
		assert.GreaterOrEqual(t, q[i], math.Abs(p[i]))
		assert.LessOrEqual(t, q[i], 1.0)
	}
}

func TestRejectColumns_IndependentFamilies(t *testing.T) {
	nan := math.NaN()
	rows := [][]float64{
		{0.001, nan, 0.9},
		{0.002, nan, 0.8},
		{0.5, nan, 0.01},
	}
	calls := RejectColumns(rows, 0.05)
	require.Len(t, calls, 3)

	assert.Equal(t, []Call{Reject, Missing, Accept}, calls[0])
	assert.Equal(t, []Call{Reject, Missing, Accept}, calls[1])
	// Column 3 alone: 0.01 <= 0.05/3.
	assert.Equal(t, []Call{Accept, Missing, Reject}, calls[2])
	assert.Equal(t, 3, CountRejected(calls))
}

func TestAdjustColumns_MatchRejectColumns(t *testing.T) {
	nan := math.NaN()
	rows := [][]float64{
		{0.001, nan, 0.9},
		{-0.002, nan, 0.8},
		{0.5, nan, 0.01},
	}
	q := AdjustColumns(rows)
	require.Len(t, q, 3)
	// Column 1: sorted 0.001 0.002 0.5 -> 0.003 0.003 0.5.
	assert.InDelta(t, 0.003, q[0][0], 1e-12)
	assert.InDelta(t, 0.003, q[1][0], 1e-12)
	assert.InDelta(t, 0.5, q[2][0], 1e-12)
	for i := range rows {
		assert.True(t, math.IsNaN(q[i][1]))
	}

	calls := RejectColumns(rows, 0.05)
	for i := range rows {
		for j := range rows[i] {
			if math.IsNaN(q[i][j]) {
				assert.Equal(t, Missing, calls[i][j])
				continue
			}
			assert.Equalf(t, q[i][j] <= 0.05, calls[i][j] == Reject, "cell %d,%d", i, j)
		}
	}
	assert.Empty(t, AdjustColumns(nil))
}

func TestCallString(t *testing.T) {
	for _, c := range []Call{Missing, Accept, Reject} {
		assert.Equal(t, c, ParseCall(c.String()))
	}
}
