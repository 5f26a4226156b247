// Package service provides the analysis pipeline and job execution for the
// TF activity server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/tfactivity/server/internal/activity"
	"github.com/tfactivity/server/internal/config"
	"github.com/tfactivity/server/internal/data/soma"
	"github.com/tfactivity/server/internal/data/tsv"
)

// ErrNoExpressionSource is returned for a dataset with neither an expression
// file nor a usable SOMA experiment.
var ErrNoExpressionSource = errors.New("dataset has no expression source")

// Dataset loads the inputs of one configured dataset. The prior network is
// read once and reused across jobs.
type Dataset struct {
	id   string
	cfg  config.DatasetConfig
	soma *soma.Reader

	netOnce sync.Once
	network []activity.Interaction
	netErr  error
}

// NewDataset prepares a dataset. A SOMA experiment that cannot be opened is
// logged and left unused; the dataset may still have a TSV source.
func NewDataset(id string, cfg config.DatasetConfig) *Dataset {
	d := &Dataset{id: id, cfg: cfg}
	if cfg.SomaPath != "" {
		r, err := soma.NewReader(cfg.SomaPath)
		if err != nil {
			log.Printf("  [%s] SOMA not initialized: %v", id, err)
		} else {
			d.soma = r
			log.Printf("  [%s] SOMA experiment: %s (supported=%v)", id, r.ExperimentURI(), r.Supported())
		}
	}
	return d
}

// ID returns the dataset ID.
func (d *Dataset) ID() string { return d.id }

// Source describes where expression is read from.
func (d *Dataset) Source() string {
	switch {
	case d.cfg.ExpressionPath != "":
		return "tsv"
	case d.soma != nil:
		return "soma"
	default:
		return "none"
	}
}

// Network returns the prior network.
func (d *Dataset) Network() ([]activity.Interaction, error) {
	d.netOnce.Do(func() {
		d.network, d.netErr = readNetwork(d.cfg.PriorPath)
	})
	return d.network, d.netErr
}

func readNetwork(path string) ([]activity.Interaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open prior network: %w", err)
	}
	defer f.Close()
	edges, err := tsv.ReadPriorNetwork(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read prior network %s: %w", path, err)
	}
	return edges, nil
}

// Expression reads the expression matrix. seed drives the SOMA cell
// subsample. Orthologs are mapped when an ortholog table is configured.
func (d *Dataset) Expression(ctx context.Context, seed int64) (*activity.ExpressionMatrix, error) {
	var (
		m   *activity.ExpressionMatrix
		err error
	)
	switch d.Source() {
	case "tsv":
		m, err = readExpression(d.cfg.ExpressionPath)
	case "soma":
		m, err = d.soma.ExpressionMatrix(soma.Selection{
			ObsColumn: d.cfg.ObsColumn,
			ObsValues: d.cfg.ObsValues,
			MaxCells:  d.cfg.MaxCells,
			Seed:      seed,
		})
	default:
		return nil, fmt.Errorf("dataset %s: %w", d.id, ErrNoExpressionSource)
	}
	if err != nil {
		return nil, err
	}

	if d.cfg.OrthologPath == "" {
		return m, nil
	}
	table, err := loadOrthologs(ctx, d.cfg.OrthologURL, d.cfg.OrthologPath)
	if err != nil {
		return nil, err
	}
	mapped, err := tsv.MapOrthologs(m, table)
	if err != nil {
		return nil, err
	}
	log.Printf("[Loader] Mapped %d genes to %d orthologs", m.NumGenes(), mapped.NumGenes())
	return mapped, nil
}

func readExpression(path string) (*activity.ExpressionMatrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open expression matrix: %w", err)
	}
	defer f.Close()
	m, err := tsv.ReadExpression(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read expression matrix %s: %w", path, err)
	}
	log.Printf("[Loader] Read %d genes x %d samples from %s", m.NumGenes(), m.NumSamples(), path)
	return m, nil
}

func loadOrthologs(ctx context.Context, url, path string) (tsv.OrthologTable, error) {
	if err := tsv.FetchOrthologs(ctx, url, path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ortholog table: %w", err)
	}
	defer f.Close()
	return tsv.ReadOrthologs(f)
}
