package tsv

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/tfactivity/server/internal/activity"
)

type orthologRow struct {
	Mouse string `csv:"Mouse"`
	Human string `csv:"Human"`
}

// OrthologTable maps a source gene identifier to its raw target value,
// for example "[TP53]" or "[HBA1,HBA2]".
type OrthologTable map[string]string

// ReadOrthologs reads a table with Mouse and Human columns.
func ReadOrthologs(r io.Reader) (OrthologTable, error) {
	var rows []orthologRow
	if err := gocsv.UnmarshalCSV(newTabReader(r), &rows); err != nil {
		return nil, fmt.Errorf("failed to parse ortholog table: %w", err)
	}
	table := make(OrthologTable, len(rows))
	for _, row := range rows {
		mouse := strings.TrimSpace(row.Mouse)
		if mouse == "" {
			continue
		}
		if _, ok := table[mouse]; !ok {
			table[mouse] = strings.TrimSpace(row.Human)
		}
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("ortholog table: %w", ErrEmptyInput)
	}
	return table, nil
}

// humanNames parses a bracketed list such as "[A,B]". ok is false for values
// that are not bracketed.
func humanNames(v string) (names []string, ok bool) {
	if len(v) < 2 || v[0] != '[' || v[len(v)-1] != ']' {
		return nil, false
	}
	for _, name := range strings.Split(strings.Trim(v, "[]"), ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names, true
}

// MapOrthologs renames genes through the table. Genes without a bracketed
// mapping are dropped; a mapping to several genes yields one row per gene,
// each carrying the source row's values. The first row to claim a target
// gene keeps it.
func MapOrthologs(m *activity.ExpressionMatrix, table OrthologTable) (*activity.ExpressionMatrix, error) {
	out := &activity.ExpressionMatrix{Samples: m.Samples}
	seen := make(map[string]bool)
	unmapped, collisions := 0, 0
	for i, gene := range m.Genes {
		names, ok := humanNames(table[gene])
		if !ok {
			unmapped++
			continue
		}
		for _, name := range names {
			if seen[name] {
				collisions++
				continue
			}
			seen[name] = true
			out.Genes = append(out.Genes, name)
			out.Values = append(out.Values, append([]float64(nil), m.Values[i]...))
		}
	}
	log.Printf("[Loader] Ortholog mapping: %d genes -> %d genes (unmapped=%d, collisions=%d)",
		len(m.Genes), len(out.Genes), unmapped, collisions)
	if len(out.Genes) == 0 {
		return nil, fmt.Errorf("no genes left after ortholog mapping: %w", ErrEmptyInput)
	}
	return out, nil
}

// FetchOrthologs downloads url to path unless path already exists.
func FetchOrthologs(ctx context.Context, url, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if url == "" {
		return fmt.Errorf("ortholog table %s is missing and no download URL is configured", path)
	}
	log.Printf("[Loader] Downloading ortholog table from %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build ortholog request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download ortholog table: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download ortholog table: %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create ortholog dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".orthologs-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write ortholog table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
