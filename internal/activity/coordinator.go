package activity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tfactivity/server/internal/nulldist"
)

// Coordinator scores samples on a pool of workers. Each task is one sample;
// results are joined back by sample index.
type Coordinator struct {
	// Workers is the pool size; <= 0 means runtime.NumCPU().
	Workers int
	// Progress, if set, is called from the collecting goroutine after each sample.
	Progress func(done, total int)
}

// Result is the outcome of a coordinated run.
type Result struct {
	Scores   *ScoreMatrix
	Skipped  []string        // samples without any non-missing gene
	Failures []SampleFailure // samples whose task failed
}

// Err joins every sample failure, or returns nil.
func (r *Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

type sampleResult struct {
	index int
	row   []float64
	err   error
}

// Run ranks, scores and calibrates every sample of m. The distribution must be
// fully built before Run is called and is only read. A failing sample leaves
// its row missing and is listed in Result.Failures. Run itself fails only on
// cancellation, which is checked between samples.
func (c *Coordinator) Run(ctx context.Context, m *ExpressionMatrix, scorer *Scorer, dist *nulldist.Distribution) (*Result, error) {
	if dist == nil {
		return nil, fmt.Errorf("null distribution is required")
	}
	if dist.Key().Genes != m.NumGenes() {
		return nil, fmt.Errorf("null distribution built for %d genes, matrix has %d", dist.Key().Genes, m.NumGenes())
	}
	workers := c.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	start := time.Now()
	total := m.NumSamples()
	tasks := make(chan int)
	results := make(chan sampleResult, workers)

	var pool errgroup.Group
	for w := 0; w < workers; w++ {
		pool.Go(func() error {
			buf := make([]float64, m.NumGenes())
			for j := range tasks {
				results <- scoreSample(m, scorer, dist, j, buf)
			}
			return nil
		})
	}
	go func() {
		defer close(tasks)
		for j := 0; j < total; j++ {
			if ctx.Err() != nil {
				return
			}
			select {
			case tasks <- j:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		pool.Wait()
		close(results)
	}()

	res := &Result{Scores: NewScoreMatrix(m.Samples, scorer.TFs())}
	done := 0
	for r := range results {
		done++
		switch {
		case r.err == nil:
			res.Scores.Values[r.index] = r.row
		case errors.Is(r.err, ErrEmptySample):
			res.Skipped = append(res.Skipped, m.Samples[r.index])
		default:
			res.Failures = append(res.Failures, SampleFailure{Index: r.index, Sample: m.Samples[r.index], Err: r.err})
		}
		if c.Progress != nil {
			c.Progress(done, total)
		}
	}
	if err := ctx.Err(); err != nil && done < total {
		return nil, err
	}

	log.Printf("[Coordinator] Scored %d samples x %d TFs in %v (skipped=%d, failed=%d)",
		total, len(res.Scores.TFs), time.Since(start).Round(time.Millisecond), len(res.Skipped), len(res.Failures))
	return res, nil
}

func scoreSample(m *ExpressionMatrix, scorer *Scorer, dist *nulldist.Distribution, j int, buf []float64) (res sampleResult) {
	res.index = j
	defer func() {
		if r := recover(); r != nil {
			res.row = nil
			res.err = fmt.Errorf("panic: %v", r)
		}
	}()

	ranked := RankSample(m.Sample(j, buf))
	if ranked.N == 0 {
		res.err = ErrEmptySample
		return res
	}
	stats := scorer.Score(ranked)
	row := make([]float64, len(stats))
	for i, st := range stats {
		row[i] = PValue(dist, st)
	}
	res.row = row
	return res
}
