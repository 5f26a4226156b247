// Package export renders activity results as spreadsheet workbooks.
package export

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/xuri/excelize/v2"

	"github.com/tfactivity/server/internal/activity"
	"github.com/tfactivity/server/internal/fdr"
	"github.com/tfactivity/server/pkg/colormap"
)

const (
	ScoreSheet  = "p_values"
	RejectSheet = "reject"
	QValueSheet = "q_values"
)

// WriteXLSX writes the signed p-value matrix and, when non-nil, the
// rejection matrix and its q-values as further sheets of one workbook.
// Missing values are left as empty cells. Score cells are shaded red for activation and blue for
// inhibition.
func WriteXLSX(w io.Writer, scores *activity.ScoreMatrix, rejects *activity.RejectMatrix) error {
	if scores == nil {
		return errors.New("no score matrix to export")
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ScoreSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	err := writeGrid(f, ScoreSheet, scores.Samples, scores.TFs, func(i, j int) (interface{}, bool) {
		v := scores.Values[i][j]
		if math.IsNaN(v) {
			return nil, false
		}
		return v, true
	})
	if err != nil {
		return err
	}
	if err := shadeScores(f, scores); err != nil {
		return err
	}

	if rejects != nil {
		if _, err := f.NewSheet(RejectSheet); err != nil {
			return fmt.Errorf("failed to add sheet %s: %w", RejectSheet, err)
		}
		err := writeGrid(f, RejectSheet, rejects.Samples, rejects.TFs, func(i, j int) (interface{}, bool) {
			c := rejects.Calls[i][j]
			if c == fdr.Missing {
				return nil, false
			}
			return c.String(), true
		})
		if err != nil {
			return err
		}
	}

	if rejects != nil && rejects.QValues != nil {
		if _, err := f.NewSheet(QValueSheet); err != nil {
			return fmt.Errorf("failed to add sheet %s: %w", QValueSheet, err)
		}
		err := writeGrid(f, QValueSheet, rejects.Samples, rejects.TFs, func(i, j int) (interface{}, bool) {
			q := rejects.QValues[i][j]
			if math.IsNaN(q) {
				return nil, false
			}
			return q, true
		})
		if err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// writeGrid lays out a header row of column names and one row per sample
// with the sample name in the first column.
func writeGrid(f *excelize.File, sheet string, rows, cols []string, cell func(i, j int) (interface{}, bool)) error {
	for j, name := range cols {
		ref, _ := excelize.CoordinatesToCellName(j+2, 1)
		if err := f.SetCellValue(sheet, ref, name); err != nil {
			return fmt.Errorf("failed to write %s header: %w", sheet, err)
		}
	}
	for i, name := range rows {
		rowIdx := i + 2
		ref, _ := excelize.CoordinatesToCellName(1, rowIdx)
		if err := f.SetCellValue(sheet, ref, name); err != nil {
			return fmt.Errorf("failed to write %s row: %w", sheet, err)
		}
		for j := range cols {
			v, ok := cell(i, j)
			if !ok {
				continue
			}
			ref, _ := excelize.CoordinatesToCellName(j+2, rowIdx)
			if err := f.SetCellValue(sheet, ref, v); err != nil {
				return fmt.Errorf("failed to write %s cell %s: %w", sheet, ref, err)
			}
		}
	}
	return nil
}

// shadeScores fills every present score cell with its diverging color.
// Styles are shared per color bucket.
func shadeScores(f *excelize.File, scores *activity.ScoreMatrix) error {
	n := colormap.RdBu.Len()
	styles := make([]int, n)
	for b := range styles {
		id, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{
				Type:    "pattern",
				Pattern: 1,
				Color:   []string{colormap.Hex(colormap.RdBu.AtIndex(b))},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create fill style: %w", err)
		}
		styles[b] = id
	}

	for i, row := range scores.Values {
		for j, v := range row {
			if math.IsNaN(v) {
				continue
			}
			b := colormap.Bucket(colormap.ActivityPosition(v), n)
			ref, _ := excelize.CoordinatesToCellName(j+2, i+2)
			if err := f.SetCellStyle(ScoreSheet, ref, ref, styles[b]); err != nil {
				return fmt.Errorf("failed to shade %s: %w", ref, err)
			}
		}
	}
	return nil
}
