package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tfactivity/server/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	configPath  string
	nullBackend string
	nullDir     string
)

var rootCmd = &cobra.Command{
	Use:   "tfactivity",
	Short: "Infer transcription factor activity from expression data",
	Long: "tfactivity scores every transcription factor of a prior network in every\n" +
		"sample with a directional rank-sum statistic, calibrates it against a null\n" +
		"distribution and calls active TFs with Benjamini-Hochberg FDR control.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Server configuration file supplying analysis defaults")
	pf.StringVar(&nullBackend, "null-backend", "", "Null distribution store: file, badger or memory")
	pf.StringVar(&nullDir, "null-dir", "", "Null distribution store directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fdrCmd)
	rootCmd.AddCommand(nulldistCmd)
	rootCmd.Version = version
}

// loadConfig returns the configuration named by --config, or the defaults,
// with the null store flags applied.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if nullBackend != "" {
		cfg.NullDist.Backend = nullBackend
	}
	if nullDir != "" {
		cfg.NullDist.Dir = nullDir
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
