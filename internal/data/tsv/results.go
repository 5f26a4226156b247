package tsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tfactivity/server/internal/activity"
	"github.com/tfactivity/server/internal/fdr"
)

func newTabWriter(w io.Writer) *csv.Writer {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	return cw
}

// WriteScoreMatrix writes samples as rows and TFs as columns, with an empty
// leading header cell. Missing values are written as empty cells.
func WriteScoreMatrix(w io.Writer, s *activity.ScoreMatrix) error {
	cw := newTabWriter(w)
	if err := cw.Write(append([]string{""}, s.TFs...)); err != nil {
		return err
	}
	rec := make([]string, len(s.TFs)+1)
	for i, sample := range s.Samples {
		rec[0] = sample
		for j, v := range s.Values[i] {
			rec[j+1] = formatValue(v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteRejectMatrix writes calls as True/False, missing as empty cells.
func WriteRejectMatrix(w io.Writer, r *activity.RejectMatrix) error {
	cw := newTabWriter(w)
	if err := cw.Write(append([]string{""}, r.TFs...)); err != nil {
		return err
	}
	rec := make([]string, len(r.TFs)+1)
	for i, sample := range r.Samples {
		rec[0] = sample
		for j, c := range r.Calls[i] {
			if c == fdr.Missing {
				rec[j+1] = ""
			} else {
				rec[j+1] = c.String()
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadScoreMatrix reads a matrix written by WriteScoreMatrix or by tools that
// label the index column (for example "Unnamed: 0").
func ReadScoreMatrix(r io.Reader) (*activity.ScoreMatrix, error) {
	cr := newTabReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("score matrix: %w", ErrEmptyInput)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read score header: %w", err)
	}
	s := &activity.ScoreMatrix{TFs: append([]string(nil), header[1:]...)}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read score line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("score line %d has %d fields, expected %d", line, len(rec), len(header))
		}
		row := make([]float64, len(s.TFs))
		for j, cell := range rec[1:] {
			v, err := parseValue(cell)
			if err != nil {
				return nil, fmt.Errorf("score line %d, TF %s: %w", line, s.TFs[j], err)
			}
			row[j] = v
		}
		s.Samples = append(s.Samples, strings.TrimSpace(rec[0]))
		s.Values = append(s.Values, row)
	}
	return s, nil
}
