// Package tsv reads and writes the tab-separated inputs and outputs of an
// activity analysis: prior networks, expression matrices, ortholog tables and
// result matrices.
package tsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/tfactivity/server/internal/activity"
)

// ErrEmptyInput is returned for an input with no usable rows.
var ErrEmptyInput = errors.New("input has no usable rows")

type priorRow struct {
	TF     string `csv:"tf"`
	Action string `csv:"action"`
	Target string `csv:"target"`
}

// columnLimiter trims every record to the first n fields so extra columns
// are ignored instead of rejected.
type columnLimiter struct {
	r *csv.Reader
	n int
}

func (c *columnLimiter) Read() ([]string, error) {
	rec, err := c.r.Read()
	if err != nil {
		return nil, err
	}
	if len(rec) > c.n {
		rec = rec[:c.n]
	}
	return rec, nil
}

func (c *columnLimiter) ReadAll() ([][]string, error) {
	var out [][]string
	for {
		rec, err := c.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

func newTabReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	return cr
}

// ReadPriorNetwork reads a headerless tf/action/target table. Rows whose
// action carries no expression direction, or with an empty TF or target,
// are discarded.
func ReadPriorNetwork(r io.Reader) ([]activity.Interaction, error) {
	var rows []priorRow
	if err := gocsv.UnmarshalCSVWithoutHeaders(&columnLimiter{r: newTabReader(r), n: 3}, &rows); err != nil {
		if errors.Is(err, gocsv.ErrEmptyCSVFile) {
			return nil, fmt.Errorf("prior network: %w", ErrEmptyInput)
		}
		return nil, fmt.Errorf("failed to parse prior network: %w", err)
	}

	edges := make([]activity.Interaction, 0, len(rows))
	discarded := 0
	for _, row := range rows {
		tf := strings.TrimSpace(row.TF)
		target := strings.TrimSpace(row.Target)
		dir, ok := activity.ParseAction(strings.TrimSpace(row.Action))
		if !ok || tf == "" || target == "" {
			discarded++
			continue
		}
		edges = append(edges, activity.Interaction{TF: tf, Target: target, Direction: dir})
	}
	if discarded > 0 {
		log.Printf("[Loader] Prior network: kept %d edges, discarded %d without an expression direction", len(edges), discarded)
	}
	if len(edges) == 0 {
		return nil, fmt.Errorf("prior network: %w", ErrEmptyInput)
	}
	return edges, nil
}
