// Package nulldist builds, persists and looks up resampled null distributions
// of the rank-sum statistic.
package nulldist

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Strategy selects how observed statistics are calibrated.
type Strategy string

const (
	// Empirical keeps every resampled statistic and counts exceedances.
	Empirical Strategy = "empirical"
	// Parametric keeps one standard deviation per target-set size.
	Parametric Strategy = "parametric"
)

// ParseStrategy converts a config or request value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Empirical, "":
		return Empirical, nil
	case Parametric:
		return Parametric, nil
	default:
		return "", fmt.Errorf("unknown null distribution strategy: %q", s)
	}
}

var (
	// ErrCorrupt is wrapped by every CorruptArtifactError.
	ErrCorrupt = errors.New("corrupt null distribution artifact")
	// ErrNotFound is returned by stores that have no artifact for a key.
	ErrNotFound = errors.New("null distribution artifact not found")
	// ErrTooLarge is returned when an empirical array would exceed the allocation limit.
	ErrTooLarge = errors.New("null distribution exceeds allocation limit")
)

// CorruptArtifactError reports a persisted artifact that could not be decoded
// or whose shape disagrees with the requested key.
type CorruptArtifactError struct {
	Key    Key
	Source string
	Reason string
	Err    error
}

func (e *CorruptArtifactError) Error() string {
	msg := fmt.Sprintf("corrupt null distribution artifact %s (%s): %s", e.Key, e.Source, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptArtifactError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorrupt}
	}
	return []error{ErrCorrupt, e.Err}
}

// Key identifies a null distribution. Distinct keys never share an artifact.
type Key struct {
	Strategy   Strategy
	MaxSize    int // largest target-set size M
	Genes      int // total gene count N
	Iterations int // resampling iterations I
}

// Validate checks that a distribution can be generated for the key.
func (k Key) Validate() error {
	if k.Strategy != Empirical && k.Strategy != Parametric {
		return fmt.Errorf("invalid strategy %q", k.Strategy)
	}
	if k.MaxSize < 1 {
		return fmt.Errorf("max target-set size must be positive, got %d", k.MaxSize)
	}
	if k.Genes < k.MaxSize {
		return fmt.Errorf("gene count %d is smaller than max target-set size %d", k.Genes, k.MaxSize)
	}
	if k.Iterations < 1 {
		return fmt.Errorf("iterations must be positive, got %d", k.Iterations)
	}
	return nil
}

// Cells is the number of float64 values the artifact payload holds.
func (k Key) Cells() int64 {
	if k.Strategy == Parametric {
		return int64(k.MaxSize)
	}
	return int64(k.MaxSize) * int64(k.Iterations)
}

func (k Key) String() string {
	return fmt.Sprintf("%s_m%d_n%d_i%d", k.Strategy, k.MaxSize, k.Genes, k.Iterations)
}

// Filename is the artifact file name for the key.
func (k Key) Filename() string {
	return "null_" + k.String() + ".tfnd.zst"
}

// Distribution is a fully materialised null distribution. It is read-only
// after construction and safe to share between goroutines.
type Distribution struct {
	key Key
	// Empirical: M rows of I values each, row k-1 holds size k, every row sorted ascending.
	rows []float64
	// Parametric: population standard deviation per size.
	sd []float64
}

// FromRows builds an empirical distribution from rows[k-1] = null statistics for size k.
// Rows are copied and sorted.
func FromRows(key Key, rows [][]float64) (*Distribution, error) {
	if key.Strategy != Empirical {
		return nil, fmt.Errorf("FromRows requires the empirical strategy, got %q", key.Strategy)
	}
	if len(rows) != key.MaxSize {
		return nil, fmt.Errorf("expected %d rows, got %d", key.MaxSize, len(rows))
	}
	data := make([]float64, 0, key.Cells())
	for i, row := range rows {
		if len(row) != key.Iterations {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i+1, len(row), key.Iterations)
		}
		data = append(data, row...)
	}
	d := &Distribution{key: key, rows: data}
	d.sortRows()
	return d, nil
}

// FromStdDev builds a parametric distribution from sd[k-1] = stddev for size k.
func FromStdDev(key Key, sd []float64) (*Distribution, error) {
	if key.Strategy != Parametric {
		return nil, fmt.Errorf("FromStdDev requires the parametric strategy, got %q", key.Strategy)
	}
	if len(sd) != key.MaxSize {
		return nil, fmt.Errorf("expected %d standard deviations, got %d", key.MaxSize, len(sd))
	}
	return &Distribution{key: key, sd: append([]float64(nil), sd...)}, nil
}

// Key returns the parameters the distribution was built for.
func (d *Distribution) Key() Key { return d.key }

// Strategy returns the calibration strategy.
func (d *Distribution) Strategy() Strategy { return d.key.Strategy }

// Row returns the sorted null statistics for target-set size k, or nil.
func (d *Distribution) Row(k int) []float64 {
	if d.key.Strategy != Empirical || k < 1 || k > d.key.MaxSize {
		return nil
	}
	n := d.key.Iterations
	return d.rows[(k-1)*n : k*n]
}

// CountAtMost returns how many null statistics for size k are <= x.
func (d *Distribution) CountAtMost(k int, x float64) int {
	row := d.Row(k)
	return sort.Search(len(row), func(i int) bool { return row[i] > x })
}

// StdDev returns the null standard deviation for size k, or NaN.
func (d *Distribution) StdDev(k int) float64 {
	if d.key.Strategy != Parametric || k < 1 || k > len(d.sd) {
		return math.NaN()
	}
	return d.sd[k-1]
}

func (d *Distribution) payload() []float64 {
	if d.key.Strategy == Parametric {
		return d.sd
	}
	return d.rows
}

func (d *Distribution) sortRows() {
	for k := 1; k <= d.key.MaxSize; k++ {
		sort.Float64s(d.Row(k))
	}
}
