package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tfactivity/server/internal/activity"
	"github.com/tfactivity/server/internal/data/tsv"
	"github.com/tfactivity/server/internal/fdr"
	"github.com/tfactivity/server/internal/nulldist"
)

// Analysis phases reported through Progress.
const (
	PhasePreprocess = "preprocessing"
	PhaseNull       = "null_distribution"
	PhaseScoring    = "scoring"
	PhaseCorrecting = "correcting"
)

// Progress receives phase updates. done and total count samples during
// scoring and are 0/1 for the other phases.
type Progress func(phase string, done, total int)

// Params controls one analysis run.
type Params struct {
	Iterations int
	Strategy   nulldist.Strategy
	Alpha      float64
	Workers    int
	// ZScore standardises every gene across samples before ranking.
	ZScore bool
	// MinPresentFraction drops genes present in fewer samples; 0 keeps all.
	MinPresentFraction float64
}

// Inputs are the loaded data for one run.
type Inputs struct {
	Expression *activity.ExpressionMatrix
	Network    []activity.Interaction
}

// Output is the result of one run.
type Output struct {
	// Scores holds signed p-values for TFs scoreable in at least one sample.
	Scores  *activity.ScoreMatrix
	Rejects *activity.RejectMatrix
	// Key is the null distribution used; zero when no TF was scoreable.
	Key      nulldist.Key
	Genes    int
	Skipped  []string
	Failures []activity.SampleFailure
}

// AnalysisService runs the activity pipeline against a shared null
// distribution cache.
type AnalysisService struct {
	nulls *nulldist.Cache
}

// NewAnalysisService creates an analysis service.
func NewAnalysisService(nulls *nulldist.Cache) *AnalysisService {
	return &AnalysisService{nulls: nulls}
}

// Run preprocesses the expression matrix, scores every sample against the
// prior network and applies BH-FDR per TF. The null distribution is fully
// built before any sample is scored.
func (s *AnalysisService) Run(ctx context.Context, in Inputs, p Params, progress Progress) (*Output, error) {
	if progress == nil {
		progress = func(string, int, int) {}
	}
	if p.Alpha <= 0 {
		p.Alpha = fdr.DefaultAlpha
	}
	start := time.Now()

	progress(PhasePreprocess, 0, 1)
	m := in.Expression
	if p.MinPresentFraction > 0 {
		m = tsv.FilterSparse(m, p.MinPresentFraction)
		if m.NumGenes() == 0 {
			return nil, fmt.Errorf("no genes left after sparsity filter: %w", tsv.ErrEmptyInput)
		}
	}
	if p.ZScore {
		m = activity.ZScoreGenes(m)
	}

	regs := activity.GroupNetwork(in.Network)
	if len(regs) == 0 {
		return nil, activity.ErrEmptyNetwork
	}
	scorer := activity.NewScorer(regs, m.Genes)
	progress(PhasePreprocess, 1, 1)

	out := &Output{Genes: m.NumGenes()}
	if scorer.MaxTargetSetSize() < activity.MinTargets {
		// No TF reaches the minimum target count, so every statistic is missing.
		log.Printf("[Analysis] No TF has %d targets among %d genes; all scores missing", activity.MinTargets, m.NumGenes())
		out.Scores = activity.NewScoreMatrix(m.Samples, scorer.TFs()).DropMissingColumns()
		out.Rejects = out.Scores.Correct(p.Alpha)
		return out, nil
	}

	progress(PhaseNull, 0, 1)
	key := scorer.NullKey(p.Strategy, p.Iterations)
	dist, err := s.nulls.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get null distribution %s: %w", key, err)
	}
	out.Key = key
	progress(PhaseNull, 1, 1)

	coord := &activity.Coordinator{
		Workers: p.Workers,
		Progress: func(done, total int) {
			progress(PhaseScoring, done, total)
		},
	}
	res, err := coord.Run(ctx, m, scorer, dist)
	if err != nil {
		return nil, err
	}
	out.Skipped = res.Skipped
	out.Failures = res.Failures
	if err := res.Err(); err != nil {
		log.Printf("[Analysis] Warning: %d sample(s) failed: %v", len(res.Failures), err)
	}

	progress(PhaseCorrecting, 0, 1)
	out.Scores = res.Scores.DropMissingColumns()
	out.Rejects = out.Scores.Correct(p.Alpha)
	progress(PhaseCorrecting, 1, 1)

	log.Printf("[Analysis] %d samples x %d TFs (%d dropped as missing), %d rejections at alpha=%g, null %s (%s values) in %s",
		len(out.Scores.Samples), len(out.Scores.TFs), len(scorer.TFs())-len(out.Scores.TFs),
		out.Rejects.Rejected(), p.Alpha, key, humanize.Comma(key.Cells()), time.Since(start).Round(time.Millisecond))
	return out, nil
}
