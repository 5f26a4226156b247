package nulldist

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// DefaultBatchSize is the number of iterations one worker draws per task.
const DefaultBatchSize = 1024

// GenerateOptions controls a generation run. The zero value is valid.
type GenerateOptions struct {
	// Workers bounds concurrent batches; <= 0 means runtime.NumCPU().
	Workers int
	// Seed, when non-zero, makes the result bit-for-bit reproducible.
	// Zero draws from an unseeded source.
	Seed uint64
	// BatchSize is the number of iterations per task; <= 0 means DefaultBatchSize.
	BatchSize int
	// MaxCells caps the empirical M x I array; <= 0 means no cap.
	MaxCells int64
}

// BaseRanks returns the normalised ranks (i - 0.5)/n for i = 1..n.
func BaseRanks(n int) []float64 {
	base := make([]float64, n)
	for i := range base {
		base[i] = (float64(i) + 0.5) / float64(n)
	}
	return base
}

type batchMoments struct {
	n    float64
	mean []float64
	m2   []float64
}

// Generate resamples the null distribution for key. Every iteration draws
// key.MaxSize base ranks without replacement and records the statistic of
// each prefix, so one draw serves every target-set size 1..M.
//
// Generate returns only once every iteration has been folded in.
func Generate(ctx context.Context, key Key, opts GenerateOptions) (*Distribution, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxCells > 0 && key.Strategy == Empirical && key.Cells() > opts.MaxCells {
		return nil, fmt.Errorf("%w: %s needs %d cells, limit is %d", ErrTooLarge, key, key.Cells(), opts.MaxCells)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	start := time.Now()
	m, iters := key.MaxSize, key.Iterations
	base := BaseRanks(key.Genes)
	nBatches := (iters + batchSize - 1) / batchSize

	var rows []float64
	var moments []batchMoments
	if key.Strategy == Empirical {
		rows = make([]float64, key.Cells())
	} else {
		moments = make([]batchMoments, nBatches)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for b := 0; b < nBatches; b++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lo := b * batchSize
			hi := min(lo+batchSize, iters)
			src := batchSource(opts.Seed, b)
			idxs := make([]int, m)

			var means [][]float64
			if key.Strategy == Parametric {
				means = make([][]float64, m)
				for j := range means {
					means[j] = make([]float64, hi-lo)
				}
			}

			for it := lo; it < hi; it++ {
				sampleuv.WithoutReplacement(idxs, key.Genes, src)
				sum := 0.0
				for j, ix := range idxs {
					sum += base[ix]
					mean := sum / float64(j+1)
					if means != nil {
						means[j][it-lo] = mean
					} else {
						rows[j*iters+it] = math.Min(mean, 1-mean)
					}
				}
			}

			if means != nil {
				bm := batchMoments{
					n:    float64(hi - lo),
					mean: make([]float64, m),
					m2:   make([]float64, m),
				}
				for j, xs := range means {
					mu, v := stat.PopMeanVariance(xs, nil)
					bm.mean[j] = mu
					bm.m2[j] = v * bm.n
				}
				moments[b] = bm
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to generate null distribution %s: %w", key, err)
	}

	var d *Distribution
	if key.Strategy == Parametric {
		d = &Distribution{key: key, sd: mergeStdDev(moments, m)}
	} else {
		d = &Distribution{key: key, rows: rows}
		if err := d.sortRowsParallel(ctx, workers); err != nil {
			return nil, err
		}
	}
	log.Printf("[NullDist] Generated %s in %v", key, time.Since(start).Round(time.Millisecond))
	return d, nil
}

// batchSource returns the random source for batch b. A non-zero seed yields a
// stream that depends only on (seed, b), never on scheduling order.
func batchSource(seed uint64, b int) rand.Source {
	if seed == 0 {
		return rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return rand.NewPCG(seed, uint64(b)+1)
}

// mergeStdDev folds per-batch moments together in batch order (Chan et al.)
// and returns the population standard deviation per size.
func mergeStdDev(moments []batchMoments, m int) []float64 {
	sd := make([]float64, m)
	for j := 0; j < m; j++ {
		var n, mean, m2 float64
		for _, bm := range moments {
			if bm.n == 0 {
				continue
			}
			total := n + bm.n
			delta := bm.mean[j] - mean
			mean += delta * bm.n / total
			m2 += bm.m2[j] + delta*delta*n*bm.n/total
			n = total
		}
		if n > 0 {
			sd[j] = math.Sqrt(m2 / n)
		}
	}
	return sd
}

func (d *Distribution) sortRowsParallel(ctx context.Context, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for k := 1; k <= d.key.MaxSize; k++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sort.Float64s(d.Row(k))
			return nil
		})
	}
	return g.Wait()
}
