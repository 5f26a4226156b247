package tsv

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfactivity/server/internal/activity"
	"github.com/tfactivity/server/internal/fdr"
)

func TestReadPriorNetwork(t *testing.T) {
	in := strings.Join([]string{
		"TP53\tupregulates-expression\tCDKN1A\textra\tcolumns",
		"TP53\tdownregulates-expression\tMDM2",
		"MYC\tbinds\tNPM1",
		"MYC\tupregulates-expression\t",
		"MYC\tupregulates-expression\tNCL",
	}, "\n")

	edges, err := ReadPriorNetwork(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []activity.Interaction{
		{TF: "TP53", Target: "CDKN1A", Direction: activity.Up},
		{TF: "TP53", Target: "MDM2", Direction: activity.Down},
		{TF: "MYC", Target: "NCL", Direction: activity.Up},
	}, edges)

	_, err = ReadPriorNetwork(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = ReadPriorNetwork(strings.NewReader("A\tbinds\tB\n"))
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestReadExpression(t *testing.T) {
	in := "gene\ts1\ts2\n" +
		"g1\t1.5\tNA\n" +
		"g2\t\t2\n" +
		"g1\t9\t9\n" +
		"g3\t0\t-3e-1\n"

	m, err := ReadExpression(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2", "g3"}, m.Genes)
	assert.Equal(t, []string{"s1", "s2"}, m.Samples)
	assert.Equal(t, 1.5, m.Values[0][0])
	assert.True(t, math.IsNaN(m.Values[0][1]))
	assert.True(t, math.IsNaN(m.Values[1][0]))
	assert.Equal(t, -0.3, m.Values[2][1])

	_, err = ReadExpression(strings.NewReader("gene\ts1\ng1\tabc\n"))
	assert.Error(t, err)
	_, err = ReadExpression(strings.NewReader("gene\ts1\ng1\t1\t2\n"))
	assert.Error(t, err)
	_, err = ReadExpression(strings.NewReader("gene\ts1\n"))
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestFilterSparse(t *testing.T) {
	nan := math.NaN()
	samples := make([]string, 40)
	for i := range samples {
		samples[i] = "s"
	}
	row := func(present int) []float64 {
		r := make([]float64, 40)
		for i := range r {
			if i < present {
				r[i] = 1
			} else if i%2 == 0 {
				r[i] = 0
			} else {
				r[i] = nan
			}
		}
		return r
	}
	m := &activity.ExpressionMatrix{
		Genes:   []string{"keep", "edge", "drop"},
		Samples: samples,
		Values:  [][]float64{row(10), row(2), row(1)},
	}
	// int(40 * 0.05) = 2 present values needed.
	out := FilterSparse(m, 0.05)
	assert.Equal(t, []string{"keep", "edge"}, out.Genes)
	assert.True(t, math.IsNaN(out.Values[0][10]), "zero should become missing")
	assert.Equal(t, 0.0, m.Values[0][10], "input must not change")
}

func TestMapOrthologs(t *testing.T) {
	table, err := ReadOrthologs(strings.NewReader(
		"Mouse\tHuman\n" +
			"Trp53\t[TP53]\n" +
			"Hba-a1\t[HBA1,HBA2]\n" +
			"Hba-a2\t[HBA2]\n" +
			"Gm123\tNone\n",
	))
	require.NoError(t, err)

	m := &activity.ExpressionMatrix{
		Genes:   []string{"Trp53", "Hba-a1", "Hba-a2", "Gm123", "Unlisted"},
		Samples: []string{"a"},
		Values:  [][]float64{{1}, {2}, {3}, {4}, {5}},
	}
	out, err := MapOrthologs(m, table)
	require.NoError(t, err)
	assert.Equal(t, []string{"TP53", "HBA1", "HBA2"}, out.Genes)
	assert.Equal(t, [][]float64{{1}, {2}, {2}}, out.Values)

	_, err = MapOrthologs(&activity.ExpressionMatrix{Genes: []string{"x"}, Values: [][]float64{{1}}}, table)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestScoreMatrixRoundTrip(t *testing.T) {
	nan := math.NaN()
	s := &activity.ScoreMatrix{
		Samples: []string{"cell1", "cell2"},
		TFs:     []string{"TP53", "MYC"},
		Values:  [][]float64{{0.001, nan}, {-0.25, 1}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteScoreMatrix(&buf, s))
	assert.Equal(t, "\tTP53\tMYC\ncell1\t0.001\t\ncell2\t-0.25\t1\n", buf.String())

	got, err := ReadScoreMatrix(&buf)
	require.NoError(t, err)
	assert.Equal(t, s.Samples, got.Samples)
	assert.Equal(t, s.TFs, got.TFs)
	assert.Equal(t, -0.25, got.Values[1][0])
	assert.True(t, math.IsNaN(got.Values[0][1]))

	// Index column labelled the way pandas labels an unnamed index.
	got, err = ReadScoreMatrix(strings.NewReader("Unnamed: 0\tA\nx\t0.5\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, got.TFs)
}

func TestWriteRejectMatrix(t *testing.T) {
	r := &activity.RejectMatrix{
		Samples: []string{"c1", "c2"},
		TFs:     []string{"A", "B"},
		Calls:   [][]fdr.Call{{fdr.Reject, fdr.Missing}, {fdr.Accept, fdr.Reject}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteRejectMatrix(&buf, r))
	assert.Equal(t, "\tA\tB\nc1\tTrue\t\nc2\tFalse\tTrue\n", buf.String())
}

func TestFetchOrthologs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Mouse\tHuman\nTrp53\t[TP53]\n"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "sub", "mouse_to_human.tsv")
	require.NoError(t, FetchOrthologs(context.Background(), srv.URL, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Trp53")

	// Existing files are left alone, even without a URL.
	require.NoError(t, FetchOrthologs(context.Background(), "", path))

	err = FetchOrthologs(context.Background(), "", filepath.Join(t.TempDir(), "missing.tsv"))
	assert.Error(t, err)
}
