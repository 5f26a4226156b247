package export

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/tfactivity/server/internal/activity"
	"github.com/tfactivity/server/internal/fdr"
)

func TestWriteXLSX(t *testing.T) {
	scores := &activity.ScoreMatrix{
		Samples: []string{"c1", "c2"},
		TFs:     []string{"TP53", "MYC"},
		Values:  [][]float64{{0.001, math.NaN()}, {-0.5, 0.02}},
	}
	rejects := &activity.RejectMatrix{
		Samples: scores.Samples,
		TFs:     scores.TFs,
		Alpha:   0.05,
		Calls:   [][]fdr.Call{{fdr.Reject, fdr.Missing}, {fdr.Accept, fdr.Reject}},
		QValues: [][]float64{{0.002, math.NaN()}, {0.5, 0.02}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, scores, rejects))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{ScoreSheet, RejectSheet, QValueSheet}, f.GetSheetList())

	rows, err := f.GetRows(ScoreSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"", "TP53", "MYC"}, rows[0])
	assert.Equal(t, []string{"c1", "0.001"}, rows[1])
	assert.Equal(t, []string{"c2", "-0.5", "0.02"}, rows[2])

	// Strong activation is shaded at the red end, strong inhibition is not.
	id, err := f.GetCellStyle(ScoreSheet, "B2")
	require.NoError(t, err)
	style, err := f.GetStyle(id)
	require.NoError(t, err)
	require.Len(t, style.Fill.Color, 1)
	assert.True(t, strings.HasSuffix(strings.ToUpper(style.Fill.Color[0]), "67001F"), style.Fill.Color[0])
	id, err = f.GetCellStyle(ScoreSheet, "B3")
	require.NoError(t, err)
	style, err = f.GetStyle(id)
	require.NoError(t, err)
	require.Len(t, style.Fill.Color, 1)
	assert.False(t, strings.HasSuffix(strings.ToUpper(style.Fill.Color[0]), "67001F"))

	rows, err = f.GetRows(RejectSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"c1", "True"}, rows[1])
	assert.Equal(t, []string{"c2", "False", "True"}, rows[2])

	rows, err = f.GetRows(QValueSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"c1", "0.002"}, rows[1])
	assert.Equal(t, []string{"c2", "0.5", "0.02"}, rows[2])
}

func TestWriteXLSXWithoutQValues(t *testing.T) {
	scores := &activity.ScoreMatrix{Samples: []string{"c1"}, TFs: []string{"A"}, Values: [][]float64{{0.3}}}
	rejects := &activity.RejectMatrix{Samples: scores.Samples, TFs: scores.TFs, Calls: [][]fdr.Call{{fdr.Accept}}}
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, scores, rejects))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{ScoreSheet, RejectSheet}, f.GetSheetList())
}

func TestWriteXLSXScoresOnly(t *testing.T) {
	scores := &activity.ScoreMatrix{Samples: []string{"c1"}, TFs: []string{"A"}, Values: [][]float64{{0.3}}}
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, scores, nil))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{ScoreSheet}, f.GetSheetList())

	assert.Error(t, WriteXLSX(&buf, nil, nil))
}
