package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tfactivity/server/internal/nulldist"
)

var nullFlags struct {
	strategy   string
	maxSize    int
	genes      int
	iterations int
	file       string
}

var nulldistCmd = &cobra.Command{
	Use:   "nulldist",
	Short: "Build, inspect and import null distribution artifacts",
}

var nullBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Generate the artifact for a key and persist it in the store",
	RunE:  runNullBuild,
}

var nullInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarise a stored artifact",
	RunE:  runNullInspect,
}

var nullImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Copy an artifact file into a badger store",
	RunE:  runNullImport,
}

func init() {
	for _, c := range []*cobra.Command{nullBuildCmd, nullInspectCmd, nullImportCmd} {
		f := c.Flags()
		f.StringVar(&nullFlags.strategy, "strategy", "empirical", "empirical or parametric")
		f.IntVar(&nullFlags.maxSize, "max-size", 0, "Largest target-set size M (required)")
		f.IntVar(&nullFlags.genes, "genes", 0, "Gene count N (required)")
		f.IntVar(&nullFlags.iterations, "iterations", 100000, "Iterations I")
		_ = c.MarkFlagRequired("max-size")
		_ = c.MarkFlagRequired("genes")
		nulldistCmd.AddCommand(c)
	}
	nullImportCmd.Flags().StringVar(&nullFlags.file, "file", "", "Artifact file written by the file backend (required)")
	_ = nullImportCmd.MarkFlagRequired("file")
}

func nullKey() (nulldist.Key, error) {
	st, err := nulldist.ParseStrategy(nullFlags.strategy)
	if err != nil {
		return nulldist.Key{}, err
	}
	key := nulldist.Key{Strategy: st, MaxSize: nullFlags.maxSize, Genes: nullFlags.genes, Iterations: nullFlags.iterations}
	return key, key.Validate()
}

func runNullBuild(cmd *cobra.Command, _ []string) error {
	key, err := nullKey()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	nulls, closeNulls, err := openNullCache(cfg, cfg.Analysis)
	if err != nil {
		return fmt.Errorf("open null distributions: %w", err)
	}
	defer closeNulls()

	start := time.Now()
	if _, err := nulls.Get(cmd.Context(), key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s ready (%s values) in %s\n", key, humanize.Comma(key.Cells()), time.Since(start).Round(time.Millisecond))
	return nil
}

func runNullInspect(cmd *cobra.Command, _ []string) error {
	key, err := nullKey()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, closer, err := nulldist.OpenStore(cfg.NullDist.Backend, cfg.NullDist.Dir)
	if err != nil {
		return err
	}
	defer closer.Close()
	if store == nil {
		return errors.New("the memory backend keeps no artifacts")
	}

	d, err := store.Load(cmd.Context(), key)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Key:    %s\n", key)
	fmt.Fprintf(w, "Values: %s\n", humanize.Comma(key.Cells()))
	for k := 1; k <= key.MaxSize; k++ {
		if d.Strategy() == nulldist.Parametric {
			fmt.Fprintf(w, "  size %d: sd=%.6g\n", k, d.StdDev(k))
			continue
		}
		row := d.Row(k)
		fmt.Fprintf(w, "  size %d: min=%.6g median=%.6g max=%.6g\n", k, row[0], row[len(row)/2], row[len(row)-1])
	}
	return nil
}

func runNullImport(cmd *cobra.Command, _ []string) error {
	key, err := nullKey()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NullDist.Backend != "badger" {
		return fmt.Errorf("import needs the badger backend, got %q", cfg.NullDist.Backend)
	}

	raw, err := os.ReadFile(nullFlags.file)
	if err != nil {
		return fmt.Errorf("read %s: %w", nullFlags.file, err)
	}
	// Nothing reaches the store unless it decodes as the requested key.
	if _, err := nulldist.Decode(bytes.NewReader(raw), key, nullFlags.file); err != nil {
		return err
	}
	store, err := nulldist.OpenBadgerStore(cfg.NullDist.Dir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Put(key, raw); err != nil {
		return fmt.Errorf("import %s: %w", key, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s)\n", key, humanize.Bytes(uint64(len(raw))))
	return nil
}
