package activity

import (
	"math"

	"github.com/tfactivity/server/internal/nulldist"
)

// PValue calibrates a statistic against the null distribution and returns a
// p-value carrying the statistic's sign. Missing statistics, and target-set
// sizes the distribution does not cover, give NaN.
func PValue(d *nulldist.Distribution, st Statistic) float64 {
	if st.Missing() || st.Valid < 1 || st.Valid > d.Key().MaxSize {
		return math.NaN()
	}
	var p float64
	switch d.Strategy() {
	case nulldist.Empirical:
		p = EmpiricalPValue(d, st.Valid, st.Value)
	case nulldist.Parametric:
		p = ParametricPValue(d.StdDev(st.Valid), st.Value)
	default:
		return math.NaN()
	}
	if st.Value < 0 {
		p = -p
	}
	return p
}

// EmpiricalPValue returns (count(null <= |s|) + 1) / I for size k, capped at 1.
// The result is unsigned.
func EmpiricalPValue(d *nulldist.Distribution, k int, s float64) float64 {
	iters := d.Key().Iterations
	c := d.CountAtMost(k, math.Abs(s))
	return math.Min(float64(c+1)/float64(iters), 1)
}

// ParametricPValue returns 1 + erf(z/sqrt(2)) with z = (|s| - 0.5)/sd.
// The result is unsigned; a non-positive sd gives NaN.
func ParametricPValue(sd, s float64) float64 {
	if !(sd > 0) {
		return math.NaN()
	}
	z := (math.Abs(s) - 0.5) / sd
	return 1 + math.Erf(z/math.Sqrt2)
}
