// Package colormap provides color schemes for visualization.
package colormap

import (
	"fmt"
	"image/color"
	"math"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

// AtIndex returns color at index i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

// Len returns the number of control colors.
func (c LinearColormap) Len() int { return len(c.colors) }

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// RdBu is a diverging map from blue (0) through white (0.5) to red (1).
var RdBu = LinearColormap{
	colors: []color.RGBA{
		{5, 48, 97, 255},
		{33, 102, 172, 255},
		{67, 147, 195, 255},
		{146, 197, 222, 255},
		{209, 229, 240, 255},
		{247, 247, 247, 255},
		{253, 219, 199, 255},
		{244, 165, 130, 255},
		{214, 96, 77, 255},
		{178, 24, 43, 255},
		{103, 0, 31, 255},
	},
}

// ActivityPosition places a signed p-value on a diverging scale: strongly
// activated TFs (small positive p) approach 1, strongly inhibited ones
// (small negative p) approach 0 and p = ±1 sits at 0.5. NaN returns NaN.
func ActivityPosition(signedP float64) float64 {
	if math.IsNaN(signedP) {
		return math.NaN()
	}
	strength := 1 - math.Min(math.Abs(signedP), 1)
	if signedP < 0 {
		return 0.5 - 0.5*strength
	}
	return 0.5 + 0.5*strength
}

// Bucket quantizes t onto the n control colors of a map.
func Bucket(t float64, n int) int {
	if t <= 0 || math.IsNaN(t) {
		return 0
	}
	if t >= 1 {
		return n - 1
	}
	return int(math.Round(t * float64(n-1)))
}

// Hex formats c as RRGGBB.
func Hex(c color.Color) string {
	r, g, b, _ := c.RGBA()
	return fmt.Sprintf("%02X%02X%02X", r>>8, g>>8, b>>8)
}
