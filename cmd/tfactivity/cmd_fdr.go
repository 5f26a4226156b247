package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tfactivity/server/internal/data/tsv"
	"github.com/tfactivity/server/internal/fdr"
)

var fdrFlags struct {
	in    string
	out   string
	alpha float64
}

var fdrCmd = &cobra.Command{
	Use:   "fdr",
	Short: "Apply per-TF Benjamini-Hochberg correction to a signed p-value matrix",
	RunE:  runFDR,
}

func init() {
	f := fdrCmd.Flags()
	f.StringVarP(&fdrFlags.in, "in", "i", "", "Signed p-value TSV, samples x TFs (required)")
	f.StringVarP(&fdrFlags.out, "out", "o", "", "Reject TSV; stdout when empty")
	f.Float64Var(&fdrFlags.alpha, "alpha", fdr.DefaultAlpha, "FDR level")

	_ = fdrCmd.MarkFlagRequired("in")
}

func runFDR(cmd *cobra.Command, _ []string) error {
	if fdrFlags.alpha <= 0 || fdrFlags.alpha >= 1 {
		return fmt.Errorf("alpha must be in (0, 1), got %g", fdrFlags.alpha)
	}
	in, err := os.Open(fdrFlags.in)
	if err != nil {
		return fmt.Errorf("open %s: %w", fdrFlags.in, err)
	}
	defer in.Close()

	scores, err := tsv.ReadScoreMatrix(in)
	if err != nil {
		return err
	}
	// TFs never scored in any sample get no column.
	rejects := scores.DropMissingColumns().Correct(fdrFlags.alpha)

	if fdrFlags.out == "" {
		return tsv.WriteRejectMatrix(cmd.OutOrStdout(), rejects)
	}
	if err := writeFile(fdrFlags.out, func(f *os.File) error {
		return tsv.WriteRejectMatrix(f, rejects)
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d calls rejected at alpha=%g\n", rejects.Rejected(), countCalls(rejects.Calls), fdrFlags.alpha)
	return nil
}

func countCalls(calls [][]fdr.Call) int {
	n := 0
	for _, row := range calls {
		for _, c := range row {
			if c != fdr.Missing {
				n++
			}
		}
	}
	return n
}
