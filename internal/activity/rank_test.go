package activity

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankSample_DescendingWithTies(t *testing.T) {
	nan := math.NaN()
	r := RankSample([]float64{3, 1, nan, 2, 2})
	require.Equal(t, 4, r.N)

	// 3 -> rank 1, the two 2s share ranks 2 and 3, 1 -> rank 4.
	assert.InDelta(t, 0.125, r.Forward[0], 1e-12)
	assert.InDelta(t, 0.875, r.Forward[1], 1e-12)
	assert.InDelta(t, 0.5, r.Forward[3], 1e-12)
	assert.InDelta(t, 0.5, r.Forward[4], 1e-12)
	assert.InDelta(t, 0.875, r.Reverse[0], 1e-12)

	assert.True(t, math.IsNaN(r.Forward[2]))
	assert.True(t, math.IsNaN(r.Reverse[2]))
	assert.False(t, r.Present(2))
	assert.True(t, r.Present(0))
	assert.False(t, r.Present(-1))
	assert.False(t, r.Present(5))
}

func TestRankSample_ForwardPlusReverseIsOne(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 20; trial++ {
		values := make([]float64, 200)
		for i := range values {
			switch {
			case rng.Float64() < 0.1:
				values[i] = math.NaN()
			case rng.Float64() < 0.2:
				values[i] = float64(rng.IntN(5)) // force ties
			default:
				values[i] = rng.NormFloat64()
			}
		}
		r := RankSample(values)
		sum := 0.0
		for i := range values {
			if !r.Present(i) {
				continue
			}
			assert.InDelta(t, 1.0, r.Forward[i]+r.Reverse[i], 1e-12)
			assert.Greater(t, r.Forward[i], 0.0)
			assert.Less(t, r.Forward[i], 1.0)
			sum += r.Forward[i]
		}
		// Ranks 1..n average to (n+1)/2, so normalised ranks average to 0.5.
		assert.InDelta(t, 0.5*float64(r.N), sum, 1e-9)
	}
}

func TestRankSample_Empty(t *testing.T) {
	nan := math.NaN()
	r := RankSample([]float64{nan, nan})
	assert.Equal(t, 0, r.N)
	assert.False(t, r.Present(0))

	r = RankSample(nil)
	assert.Equal(t, 0, r.N)
}
