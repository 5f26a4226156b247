package activity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZScoreGenes(t *testing.T) {
	nan := math.NaN()
	m, err := NewExpressionMatrix(
		[]string{"g1", "flat", "gone"},
		[]string{"a", "b", "c", "d"},
		[][]float64{
			{1, 2, 3, nan},
			{4, 4, nan, 4},
			{nan, nan, nan, nan},
		},
	)
	require.NoError(t, err)

	z := ZScoreGenes(m)
	sd := math.Sqrt(2.0 / 3.0)
	assert.InDelta(t, -1/sd, z.Values[0][0], 1e-12)
	assert.InDelta(t, 0, z.Values[0][1], 1e-12)
	assert.InDelta(t, 1/sd, z.Values[0][2], 1e-12)
	assert.True(t, math.IsNaN(z.Values[0][3]))

	for _, row := range z.Values[1:] {
		for _, v := range row {
			assert.True(t, math.IsNaN(v))
		}
	}
	// Input untouched.
	assert.Equal(t, 1.0, m.Values[0][0])
}
