package service

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tfactivity/server/internal/config"
	"github.com/tfactivity/server/internal/data/tsv"
	"github.com/tfactivity/server/internal/jobstore"
	"github.com/tfactivity/server/internal/nulldist"
)

// PhaseLoading and PhaseSaving bracket the analysis phases of a job.
const (
	PhaseLoading = "loading"
	PhaseSaving  = "saving_results"
)

// DatasetLookup finds a dataset by ID.
type DatasetLookup interface {
	Get(datasetID string) *Dataset
}

// JobRunner executes persisted activity jobs.
type JobRunner struct {
	datasets DatasetLookup
	analysis *AnalysisService
	defaults config.AnalysisConfig
}

// NewJobRunner creates a job runner. defaults fill job parameters left unset.
func NewJobRunner(datasets DatasetLookup, analysis *AnalysisService, defaults config.AnalysisConfig) *JobRunner {
	return &JobRunner{datasets: datasets, analysis: analysis, defaults: defaults}
}

// ResolveParams merges job parameters with the configured defaults.
func (r *JobRunner) ResolveParams(jp jobstore.JobParams) (Params, error) {
	p := Params{
		Iterations:         jp.Iterations,
		Alpha:              jp.Alpha,
		Workers:            r.defaults.Workers,
		ZScore:             r.defaults.ZScoreEnabled(),
		MinPresentFraction: r.defaults.MinPresentFraction,
	}
	if p.Iterations <= 0 {
		p.Iterations = r.defaults.Iterations
	}
	if p.Alpha <= 0 {
		p.Alpha = r.defaults.Alpha
	}
	if p.Alpha <= 0 || p.Alpha >= 1 {
		return Params{}, fmt.Errorf("alpha must be in (0, 1), got %g", p.Alpha)
	}
	strategy := jp.Strategy
	if strategy == "" {
		strategy = r.defaults.Strategy
	}
	st, err := nulldist.ParseStrategy(strategy)
	if err != nil {
		return Params{}, err
	}
	p.Strategy = st
	return p, nil
}

// progressWriter persists progress without writing on every scored sample.
type progressWriter struct {
	store *jobstore.Store
	jobID string

	mu    sync.Mutex
	last  time.Time
	phase string
}

func (w *progressWriter) update(phase string, done, total int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if phase == w.phase && done < total && time.Since(w.last) < 500*time.Millisecond {
		return
	}
	w.phase = phase
	w.last = time.Now()
	err := w.store.UpdateJobProgress(context.Background(), w.jobID, jobstore.JobProgress{Phase: phase, Done: done, Total: total})
	if err != nil {
		log.Printf("[JobRunner] failed to update progress for %s: %v", w.jobID, err)
	}
}

// ExecuteJob runs the activity analysis for a job (called by JobManager worker).
func (r *JobRunner) ExecuteJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	ds := r.datasets.Get(job.Params.DatasetID)
	if ds == nil {
		return fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
	}
	params, err := r.ResolveParams(job.Params)
	if err != nil {
		return err
	}
	// Result readers compare against the stored alpha, so it must be the one the run used.
	resolved := job.Params
	resolved.Iterations = params.Iterations
	resolved.Strategy = string(params.Strategy)
	resolved.Alpha = params.Alpha
	if resolved != job.Params {
		if err := store.UpdateJobParams(ctx, jobID, resolved); err != nil {
			return fmt.Errorf("failed to save resolved params: %w", err)
		}
	}

	pw := &progressWriter{store: store, jobID: jobID}
	pw.update(PhaseLoading, 0, 1)
	network, err := ds.Network()
	if err != nil {
		return err
	}
	expr, err := ds.Expression(ctx, int64(job.Params.Seed))
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	out, err := r.analysis.Run(ctx, Inputs{Expression: expr, Network: network}, params, pw.update)
	if err != nil {
		return err
	}

	pw.update(PhaseSaving, 0, 2)
	var buf bytes.Buffer
	if err := tsv.WriteScoreMatrix(&buf, out.Scores); err != nil {
		return fmt.Errorf("failed to encode scores: %w", err)
	}
	if err := store.PutResult(ctx, jobID, jobstore.KindScores, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to save scores: %w", err)
	}
	buf.Reset()
	if err := tsv.WriteRejectMatrix(&buf, out.Rejects); err != nil {
		return fmt.Errorf("failed to encode rejections: %w", err)
	}
	if err := store.PutResult(ctx, jobID, jobstore.KindRejects, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to save rejections: %w", err)
	}
	pw.update(PhaseSaving, 2, 2)

	counts := jobstore.JobCounts{
		Samples:  len(out.Scores.Samples),
		TFs:      len(out.Scores.TFs),
		Skipped:  len(out.Skipped),
		Failures: len(out.Failures),
	}
	if err := store.UpdateJobCounts(ctx, jobID, counts); err != nil {
		return fmt.Errorf("failed to save counts: %w", err)
	}
	return nil
}
