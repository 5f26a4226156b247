package activity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfactivity/server/internal/fdr"
	"github.com/tfactivity/server/internal/nulldist"
)

// twoSampleMatrix has 20 genes; sample A ranks G01 highest, sample B ranks it lowest.
func twoSampleMatrix(t *testing.T) *ExpressionMatrix {
	t.Helper()
	genes := geneNames(20)
	values := make([][]float64, len(genes))
	for i := range values {
		values[i] = []float64{float64(20 - i), float64(i + 1)}
	}
	m, err := NewExpressionMatrix(genes, []string{"A", "B"}, values)
	require.NoError(t, err)
	return m
}

func TestCoordinator_EndToEnd(t *testing.T) {
	ctx := context.Background()
	m := twoSampleMatrix(t)
	regs := GroupNetwork([]Interaction{
		{"TF1", "G01", Up}, {"TF1", "G02", Up}, {"TF1", "G03", Up}, {"TF1", "G04", Up}, {"TF1", "G05", Up},
		{"TF2", "G16", Down}, {"TF2", "G17", Down}, {"TF2", "G18", Down}, {"TF2", "G19", Down}, {"TF2", "G20", Down},
	})
	scorer := NewScorer(regs, m.Genes)

	key := scorer.NullKey(nulldist.Empirical, 1000)
	require.Equal(t, 5, key.MaxSize)
	require.Equal(t, 20, key.Genes)
	dist, err := nulldist.Generate(ctx, key, nulldist.GenerateOptions{Seed: 42})
	require.NoError(t, err)

	c := &Coordinator{Workers: 2}
	first, err := c.Run(ctx, m, scorer, dist)
	require.NoError(t, err)
	require.NoError(t, first.Err())
	second, err := c.Run(ctx, m, scorer, dist)
	require.NoError(t, err)

	scores := first.Scores.DropMissingColumns()
	require.Len(t, scores.Values, 2)
	require.LessOrEqual(t, len(scores.TFs), 2)
	assert.Equal(t, []string{"TF1", "TF2"}, scores.TFs)
	for _, row := range scores.Values {
		for _, p := range row {
			assert.False(t, math.IsNaN(p))
		}
	}

	// A: TF1 targets on top (activated), TF2 down targets at the bottom (activated).
	assert.Greater(t, scores.Values[0][0], 0.0)
	assert.Greater(t, scores.Values[0][1], 0.0)
	// B: the ranking is reversed.
	assert.Less(t, scores.Values[1][0], 0.0)
	assert.Less(t, scores.Values[1][1], 0.0)

	r1 := scores.Correct(fdr.DefaultAlpha)
	r2 := second.Scores.DropMissingColumns().Correct(fdr.DefaultAlpha)
	assert.Equal(t, r1.Calls, r2.Calls)
	for _, row := range r1.Calls {
		for _, call := range row {
			assert.Equal(t, fdr.Reject, call)
		}
	}
}

func TestCoordinator_PreservesSampleOrder(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(5, 6))
	genes := geneNames(30)
	samples := make([]string, 64)
	for j := range samples {
		samples[j] = fmt.Sprintf("S%02d", j)
	}
	values := make([][]float64, len(genes))
	for i := range values {
		values[i] = make([]float64, len(samples))
		for j := range values[i] {
			values[i][j] = rng.NormFloat64()
		}
	}
	m, err := NewExpressionMatrix(genes, samples, values)
	require.NoError(t, err)

	regs := []Regulon{
		regulon("A", Up, "G01", "G05", "G09", "G13"),
		regulon("B", Down, "G02", "G04", "G06", "G08", "G10"),
	}
	scorer := NewScorer(regs, genes)
	dist, err := nulldist.Generate(ctx, scorer.NullKey(nulldist.Parametric, 200), nulldist.GenerateOptions{Seed: 1})
	require.NoError(t, err)

	var calls atomic.Int32
	c := &Coordinator{Workers: 8, Progress: func(done, total int) {
		calls.Add(1)
		assert.Equal(t, len(samples), total)
	}}
	res, err := c.Run(ctx, m, scorer, dist)
	require.NoError(t, err)
	assert.Equal(t, int32(len(samples)), calls.Load())

	for j := range samples {
		stats := scorer.Score(RankSample(m.Sample(j, nil)))
		want := make([]float64, len(stats))
		for i, st := range stats {
			want[i] = PValue(dist, st)
		}
		if diff := cmp.Diff(want, res.Scores.Values[j], cmpopts.EquateNaNs()); diff != "" {
			t.Errorf("sample %s out of place (-want +got):\n%s", samples[j], diff)
		}
	}
}

func TestCoordinator_EmptySampleSkipped(t *testing.T) {
	ctx := context.Background()
	nan := math.NaN()
	genes := geneNames(5)
	values := [][]float64{{5, nan}, {4, nan}, {3, nan}, {2, nan}, {1, nan}}
	m, err := NewExpressionMatrix(genes, []string{"ok", "empty"}, values)
	require.NoError(t, err)

	scorer := NewScorer([]Regulon{regulon("T", Up, "G01", "G02", "G03")}, genes)
	dist, err := nulldist.Generate(ctx, scorer.NullKey(nulldist.Empirical, 50), nulldist.GenerateOptions{Seed: 2})
	require.NoError(t, err)

	res, err := (&Coordinator{}).Run(ctx, m, scorer, dist)
	require.NoError(t, err)
	assert.Equal(t, []string{"empty"}, res.Skipped)
	assert.Empty(t, res.Failures)
	assert.False(t, math.IsNaN(res.Scores.Values[0][0]))
	assert.True(t, math.IsNaN(res.Scores.Values[1][0]))
}

func TestCoordinator_FailureDoesNotAbortSiblings(t *testing.T) {
	ctx := context.Background()
	nan := math.NaN()
	genes := []string{"g0", "g1", "g2"}
	m, err := NewExpressionMatrix(genes, []string{"boom", "fine"}, [][]float64{
		{3, 3},
		{2, nan},
		{1, nan},
	})
	require.NoError(t, err)

	// Built by hand to bypass NewScorer's shape check: the direction list is
	// short, so scoring panics once a second target is present.
	scorer := &Scorer{
		regulons: []Regulon{{TF: "BAD", Targets: genes, Directions: []Direction{Up}}},
		rows:     [][]int{{0, 1, 2}},
		nGenes:   3,
		maxValid: 3,
	}
	dist, err := nulldist.FromRows(
		nulldist.Key{Strategy: nulldist.Empirical, MaxSize: 3, Genes: 3, Iterations: 2},
		[][]float64{{0.1, 0.2}, {0.1, 0.2}, {0.1, 0.2}},
	)
	require.NoError(t, err)

	res, err := (&Coordinator{Workers: 2}).Run(ctx, m, scorer, dist)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "boom", res.Failures[0].Sample)
	assert.Equal(t, 0, res.Failures[0].Index)
	assert.True(t, math.IsNaN(res.Scores.Values[0][0]))

	var sf SampleFailure
	require.True(t, errors.As(res.Err(), &sf))
	assert.Contains(t, res.Err().Error(), "panic")
}

func TestCoordinator_Cancelled(t *testing.T) {
	m := twoSampleMatrix(t)
	scorer := NewScorer([]Regulon{regulon("T", Up, "G01", "G02", "G03")}, m.Genes)
	dist, err := nulldist.Generate(context.Background(), scorer.NullKey(nulldist.Empirical, 10), nulldist.GenerateOptions{Seed: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&Coordinator{}).Run(ctx, m, scorer, dist)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCoordinator_DistributionMismatch(t *testing.T) {
	m := twoSampleMatrix(t)
	scorer := NewScorer([]Regulon{regulon("T", Up, "G01", "G02", "G03")}, m.Genes)
	dist, err := nulldist.FromStdDev(nulldist.Key{Strategy: nulldist.Parametric, MaxSize: 3, Genes: 99, Iterations: 1}, []float64{1, 1, 1})
	require.NoError(t, err)

	_, err = (&Coordinator{}).Run(context.Background(), m, scorer, dist)
	assert.Error(t, err)
}
