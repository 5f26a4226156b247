package activity

import (
	"math"
	"sort"
)

// RankedSample holds normalised ranks aligned with the input vector. Forward
// is (rank - 0.5)/n with rank 1 for the highest value; Reverse is 1 - Forward.
// Missing inputs are NaN in both.
type RankedSample struct {
	Forward []float64
	Reverse []float64
	N       int // non-missing genes
}

// Present reports whether gene i has a rank.
func (r RankedSample) Present(i int) bool {
	return i >= 0 && i < len(r.Forward) && !math.IsNaN(r.Forward[i])
}

// RankSample ranks one sample's values in descending order. Tied values get
// their average rank.
func RankSample(values []float64) RankedSample {
	fwd := make([]float64, len(values))
	rev := make([]float64, len(values))
	idx := make([]int, 0, len(values))
	for i, v := range values {
		fwd[i] = math.NaN()
		rev[i] = math.NaN()
		if !math.IsNaN(v) {
			idx = append(idx, i)
		}
	}
	n := len(idx)
	if n == 0 {
		return RankedSample{Forward: fwd, Reverse: rev}
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return values[idx[a]] > values[idx[b]]
	})

	nf := float64(n)
	i := 0
	for i < n {
		j := i
		for j < n && values[idx[j]] == values[idx[i]] {
			j++
		}
		avgRank := float64(i+j+1) / 2.0
		f := (avgRank - 0.5) / nf
		for k := i; k < j; k++ {
			fwd[idx[k]] = f
			rev[idx[k]] = 1 - f
		}
		i = j
	}
	return RankedSample{Forward: fwd, Reverse: rev, N: n}
}
