// Package config handles configuration loading for the TF activity server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Analysis AnalysisConfig `yaml:"analysis"`
	NullDist NullDistConfig `yaml:"nulldist"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatasetConfig describes where one dataset's inputs live. Expression comes
// either from a TSV file or from a SOMA experiment.
type DatasetConfig struct {
	ExpressionPath string   `yaml:"expression_path"`
	PriorPath      string   `yaml:"prior_path"`
	OrthologPath   string   `yaml:"ortholog_path"`
	OrthologURL    string   `yaml:"ortholog_url"`
	SomaPath       string   `yaml:"soma_path"`
	ObsColumn      string   `yaml:"obs_column"`
	ObsValues      []string `yaml:"obs_values"`
	MaxCells       int      `yaml:"max_cells"`
}

// DataConfig holds the configured datasets in file order.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string
	order          []string
}

// legacyKeys mark a single dataset written directly under data:.
var legacyKeys = map[string]bool{
	"expression_path": true,
	"prior_path":      true,
	"ortholog_path":   true,
	"ortholog_url":    true,
	"soma_path":       true,
	"obs_column":      true,
	"obs_values":      true,
	"max_cells":       true,
}

// UnmarshalYAML accepts either a single legacy dataset or a mapping of
// dataset ID to dataset settings. The first dataset is the default.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got line %d", node.Line)
	}
	legacy := false
	for i := 0; i+1 < len(node.Content); i += 2 {
		if legacyKeys[node.Content[i].Value] {
			legacy = true
			break
		}
	}

	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil
	if legacy {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.add("default", ds)
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.add(id, ds)
	}
	return nil
}

func (d *DataConfig) add(id string, ds DatasetConfig) {
	if d.Datasets == nil {
		d.Datasets = make(map[string]DatasetConfig)
	}
	if _, ok := d.Datasets[id]; !ok {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
	if d.DefaultDataset == "" {
		d.DefaultDataset = id
	}
}

// DatasetIDs returns dataset IDs in configuration order.
func (d *DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// AnalysisConfig contains the default inference parameters.
type AnalysisConfig struct {
	Iterations         int     `yaml:"iterations"`
	Strategy           string  `yaml:"strategy"`
	Alpha              float64 `yaml:"alpha"`
	Workers            int     `yaml:"workers"`
	ZScore             *bool   `yaml:"zscore"`
	MinPresentFraction float64 `yaml:"min_present_fraction"`
	Seed               uint64  `yaml:"seed"`
	MaxNullCells       int64   `yaml:"max_null_cells"`
}

// ZScoreEnabled reports whether expression is z-scored per gene.
func (a AnalysisConfig) ZScoreEnabled() bool {
	return a.ZScore == nil || *a.ZScore
}

// NullDistConfig contains null-distribution artifact settings.
type NullDistConfig struct {
	Backend   string `yaml:"backend"`
	Dir       string `yaml:"dir"`
	MemoSize  int    `yaml:"memo_size"`
	OnCorrupt string `yaml:"on_corrupt"`
}

// JobsConfig contains job store and runner settings.
type JobsConfig struct {
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	QueueSize     int    `yaml:"queue_size"`
	RetentionDays int    `yaml:"retention_days"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ResultSizeMB     int `yaml:"result_size_mb"`
	ResultTTLMinutes int `yaml:"result_ttl_minutes"`
	QueryCacheSize   int `yaml:"query_cache_size"`
}

// Load reads configuration from a YAML file. A .env file next to it is
// loaded into the environment first, then TFA_* variables override the
// file.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		cfg = DefaultConfig()
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(cfg)

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	zscore := true
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Analysis: AnalysisConfig{
			Iterations:         100000,
			Strategy:           "empirical",
			Alpha:              0.05,
			ZScore:             &zscore,
			MinPresentFraction: 0.05,
			MaxNullCells:       1 << 28,
		},
		NullDist: NullDistConfig{
			Backend:   "file",
			Dir:       "./data/nulldist",
			MemoSize:  8,
			OnCorrupt: "regenerate",
		},
		Jobs: JobsConfig{
			Driver:        "sqlite",
			DSN:           "./data/jobs.db",
			MaxConcurrent: 1,
			QueueSize:     64,
			RetentionDays: 7,
		},
		Cache: CacheConfig{
			ResultSizeMB:     256,
			ResultTTLMinutes: 30,
			QueryCacheSize:   256,
		},
	}
	cfg.Data.add("default", DatasetConfig{
		ExpressionPath: "./data/expression.tsv",
		PriorPath:      "./data/prior.tsv",
	})
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	for id, ds := range cfg.Data.Datasets {
		if ds.SomaPath != "" && ds.MaxCells == 0 {
			ds.MaxCells = 1000
			cfg.Data.Datasets[id] = ds
		}
	}

	a := &cfg.Analysis
	if a.Iterations == 0 {
		a.Iterations = defaults.Analysis.Iterations
	}
	if a.Strategy == "" {
		a.Strategy = defaults.Analysis.Strategy
	}
	if a.Alpha == 0 {
		a.Alpha = defaults.Analysis.Alpha
	}
	if a.ZScore == nil {
		a.ZScore = defaults.Analysis.ZScore
	}
	if a.MinPresentFraction == 0 {
		a.MinPresentFraction = defaults.Analysis.MinPresentFraction
	}
	if a.MaxNullCells == 0 {
		a.MaxNullCells = defaults.Analysis.MaxNullCells
	}

	n := &cfg.NullDist
	if n.Backend == "" {
		n.Backend = defaults.NullDist.Backend
	}
	if n.Dir == "" {
		n.Dir = defaults.NullDist.Dir
	}
	if n.MemoSize == 0 {
		n.MemoSize = defaults.NullDist.MemoSize
	}
	if n.OnCorrupt == "" {
		n.OnCorrupt = defaults.NullDist.OnCorrupt
	}

	j := &cfg.Jobs
	if j.Driver == "" {
		j.Driver = defaults.Jobs.Driver
	}
	if j.DSN == "" && j.Driver == "sqlite" {
		j.DSN = defaults.Jobs.DSN
	}
	if j.MaxConcurrent == 0 {
		j.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if j.QueueSize == 0 {
		j.QueueSize = defaults.Jobs.QueueSize
	}
	if j.RetentionDays == 0 {
		j.RetentionDays = defaults.Jobs.RetentionDays
	}

	if cfg.Cache.ResultSizeMB == 0 {
		cfg.Cache.ResultSizeMB = defaults.Cache.ResultSizeMB
	}
	if cfg.Cache.ResultTTLMinutes == 0 {
		cfg.Cache.ResultTTLMinutes = defaults.Cache.ResultTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
}

// applyEnv overrides selected settings from TFA_* environment variables.
func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", name, v, err)
		}
		*dst = n
		return nil
	}

	str("TFA_JOBS_DRIVER", &cfg.Jobs.Driver)
	str("TFA_JOBS_DSN", &cfg.Jobs.DSN)
	str("TFA_NULLDIST_BACKEND", &cfg.NullDist.Backend)
	str("TFA_NULLDIST_DIR", &cfg.NullDist.Dir)
	str("TFA_STRATEGY", &cfg.Analysis.Strategy)

	if err := num("TFA_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if err := num("TFA_ITERATIONS", &cfg.Analysis.Iterations); err != nil {
		return err
	}
	if err := num("TFA_WORKERS", &cfg.Analysis.Workers); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("TFA_SEED"); ok && v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TFA_SEED=%q: %w", v, err)
		}
		cfg.Analysis.Seed = seed
	}
	return nil
}
