package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tfactivity/server/internal/config"
	"github.com/tfactivity/server/internal/data/tsv"
	"github.com/tfactivity/server/internal/export"
	"github.com/tfactivity/server/internal/jobstore"
	"github.com/tfactivity/server/internal/nulldist"
	"github.com/tfactivity/server/internal/service"
)

var runFlags struct {
	prior       string
	expression  string
	orthologs   string
	orthologURL string
	out         string
	xlsx        bool

	iterations int
	strategy   string
	alpha      float64
	workers    int
	seed       uint64
	noZScore   bool
	minPresent float64
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Score TF activity for an expression matrix",
	Long: "Writes p_values.tsv (signed p-values, samples x TFs) and reject.tsv\n" +
		"(per-TF BH calls) to the output directory.",
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.prior, "prior", "", "Prior network TSV: TF, action, target (required)")
	f.StringVar(&runFlags.expression, "expression", "", "Expression TSV: genes x samples (required)")
	f.StringVar(&runFlags.orthologs, "orthologs", "", "Ortholog table mapping expression genes to network genes")
	f.StringVar(&runFlags.orthologURL, "ortholog-url", "", "Download the ortholog table from this URL when the file is missing")
	f.StringVarP(&runFlags.out, "out", "o", ".", "Output directory")
	f.BoolVar(&runFlags.xlsx, "xlsx", false, "Also write tf_activity.xlsx")

	f.IntVar(&runFlags.iterations, "iterations", 0, "Null iterations (default from config)")
	f.StringVar(&runFlags.strategy, "strategy", "", "Null strategy: empirical or parametric (default from config)")
	f.Float64Var(&runFlags.alpha, "alpha", 0, "FDR level (default from config)")
	f.IntVar(&runFlags.workers, "workers", 0, "Worker count (default NumCPU)")
	f.Uint64Var(&runFlags.seed, "seed", 0, "Null generation seed; 0 is unseeded")
	f.BoolVar(&runFlags.noZScore, "no-zscore", false, "Rank raw expression instead of per-gene z-scores")
	f.Float64Var(&runFlags.minPresent, "min-present", -1, "Drop genes present in fewer samples than this fraction")

	_ = runCmd.MarkFlagRequired("prior")
	_ = runCmd.MarkFlagRequired("expression")
}

// analysisDefaults merges command line overrides into the configured
// analysis section.
func analysisDefaults(cfg *config.Config) config.AnalysisConfig {
	a := cfg.Analysis
	if runFlags.iterations > 0 {
		a.Iterations = runFlags.iterations
	}
	if runFlags.strategy != "" {
		a.Strategy = runFlags.strategy
	}
	if runFlags.alpha > 0 {
		a.Alpha = runFlags.alpha
	}
	if runFlags.workers > 0 {
		a.Workers = runFlags.workers
	}
	if runFlags.seed != 0 {
		a.Seed = runFlags.seed
	}
	if runFlags.noZScore {
		off := false
		a.ZScore = &off
	}
	if runFlags.minPresent >= 0 {
		a.MinPresentFraction = runFlags.minPresent
	}
	return a
}

// openNullCache builds the distribution cache from the nulldist section.
func openNullCache(cfg *config.Config, a config.AnalysisConfig) (*nulldist.Cache, func(), error) {
	store, closer, err := nulldist.OpenStore(cfg.NullDist.Backend, cfg.NullDist.Dir)
	if err != nil {
		return nil, nil, err
	}
	nulls, err := nulldist.NewCache(store, nulldist.CacheConfig{
		MemoSize:  cfg.NullDist.MemoSize,
		OnCorrupt: nulldist.CorruptPolicy(cfg.NullDist.OnCorrupt),
		Generate: nulldist.GenerateOptions{
			Workers:  a.Workers,
			Seed:     a.Seed,
			MaxCells: a.MaxNullCells,
		},
	})
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return nulls, func() { closer.Close() }, nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a := analysisDefaults(cfg)

	nulls, closeNulls, err := openNullCache(cfg, a)
	if err != nil {
		return fmt.Errorf("open null distributions: %w", err)
	}
	defer closeNulls()

	ds := service.NewDataset("cli", config.DatasetConfig{
		ExpressionPath: runFlags.expression,
		PriorPath:      runFlags.prior,
		OrthologPath:   runFlags.orthologs,
		OrthologURL:    runFlags.orthologURL,
	})
	network, err := ds.Network()
	if err != nil {
		return err
	}
	expr, err := ds.Expression(cmd.Context(), 0)
	if err != nil {
		return err
	}

	// The merged defaults already carry every flag, so an empty job resolves to them.
	analysis := service.NewAnalysisService(nulls)
	params, err := service.NewJobRunner(nil, analysis, a).ResolveParams(jobstore.JobParams{})
	if err != nil {
		return err
	}

	lastPhase := ""
	out, err := analysis.Run(cmd.Context(), service.Inputs{Expression: expr, Network: network}, params,
		func(phase string, done, total int) {
			if phase != lastPhase {
				log.Printf("[CLI] %s", phase)
				lastPhase = phase
			}
		})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(runFlags.out, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := writeFile(filepath.Join(runFlags.out, "p_values.tsv"), func(f *os.File) error {
		return tsv.WriteScoreMatrix(f, out.Scores)
	}); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(runFlags.out, "reject.tsv"), func(f *os.File) error {
		return tsv.WriteRejectMatrix(f, out.Rejects)
	}); err != nil {
		return err
	}
	if runFlags.xlsx {
		if err := writeFile(filepath.Join(runFlags.out, "tf_activity.xlsx"), func(f *os.File) error {
			return export.WriteXLSX(f, out.Scores, out.Rejects)
		}); err != nil {
			return err
		}
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Samples:   %s\n", humanize.Comma(int64(len(out.Scores.Samples))))
	fmt.Fprintf(w, "TFs:       %s\n", humanize.Comma(int64(len(out.Scores.TFs))))
	fmt.Fprintf(w, "Rejected:  %s at alpha=%g\n", humanize.Comma(int64(out.Rejects.Rejected())), out.Rejects.Alpha)
	if len(out.Skipped) > 0 {
		fmt.Fprintf(w, "Skipped:   %v\n", out.Skipped)
	}
	for _, f := range out.Failures {
		fmt.Fprintf(w, "Failed:    %v\n", f)
	}
	fmt.Fprintf(w, "Output:    %s\n", runFlags.out)
	return nil
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
