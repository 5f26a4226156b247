package activity

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfactivity/server/internal/nulldist"
)

func fixedEmpirical(t *testing.T) *nulldist.Distribution {
	t.Helper()
	key := nulldist.Key{Strategy: nulldist.Empirical, MaxSize: 3, Genes: 10, Iterations: 4}
	d, err := nulldist.FromRows(key, [][]float64{
		{0.05, 0.15, 0.25, 0.45},
		{0.1, 0.2, 0.3, 0.4},
		{0.4, 0.1, 0.3, 0.2},
	})
	require.NoError(t, err)
	return d
}

func TestPValue_Empirical(t *testing.T) {
	d := fixedEmpirical(t)

	assert.InDelta(t, 0.75, PValue(d, Statistic{Value: 0.25, Valid: 3}), 1e-12)
	assert.InDelta(t, -0.75, PValue(d, Statistic{Value: -0.25, Valid: 3}), 1e-12)
	// Nothing in the null is as extreme: the +1 keeps p above zero.
	assert.InDelta(t, 0.25, PValue(d, Statistic{Value: 0.01, Valid: 3}), 1e-12)
	// Every null value is as extreme: clamped to 1.
	assert.Equal(t, 1.0, PValue(d, Statistic{Value: 0.5, Valid: 3}))

	assert.True(t, math.IsNaN(PValue(d, Statistic{Value: math.NaN(), Valid: 3})))
	assert.True(t, math.IsNaN(PValue(d, Statistic{Value: 0.2, Valid: 4})))
	assert.True(t, math.IsNaN(PValue(d, Statistic{Value: 0.2, Valid: 0})))
}

func TestPValue_EmpiricalRange(t *testing.T) {
	key := nulldist.Key{Strategy: nulldist.Empirical, MaxSize: 8, Genes: 40, Iterations: 500}
	d, err := nulldist.Generate(context.Background(), key, nulldist.GenerateOptions{Seed: 11})
	require.NoError(t, err)

	for k := 1; k <= key.MaxSize; k++ {
		for _, s := range []float64{0, 1e-9, 0.01, 0.1, 0.25, 0.4, 0.5, -0.3, -1e-9} {
			p := PValue(d, Statistic{Value: s, Valid: k})
			assert.Greater(t, math.Abs(p), 0.0)
			assert.LessOrEqual(t, math.Abs(p), 1.0)
		}
	}
}

func TestPValue_Parametric(t *testing.T) {
	key := nulldist.Key{Strategy: nulldist.Parametric, MaxSize: 3, Genes: 10, Iterations: 100}
	d, err := nulldist.FromStdDev(key, []float64{0.3, 0.2, 0.1})
	require.NoError(t, err)

	// z = (0.3 - 0.5)/0.1 = -2; 1 + erf(-2/sqrt 2) = 2*Phi(-2).
	want := 1 + math.Erf(-2/math.Sqrt2)
	assert.InDelta(t, 0.0455, want, 1e-4)
	assert.InDelta(t, want, PValue(d, Statistic{Value: 0.3, Valid: 3}), 1e-12)
	assert.InDelta(t, -want, PValue(d, Statistic{Value: -0.3, Valid: 3}), 1e-12)
	assert.InDelta(t, 1.0, PValue(d, Statistic{Value: 0.5, Valid: 1}), 1e-12)

	assert.True(t, math.IsNaN(ParametricPValue(0, 0.3)))
	assert.True(t, math.IsNaN(ParametricPValue(math.NaN(), 0.3)))
	assert.True(t, math.IsNaN(PValue(d, Statistic{Value: math.NaN(), Valid: 2})))
}
