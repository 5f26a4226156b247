package activity

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptySample marks a sample with no non-missing genes. Such samples
	// are skipped and reported with every TF missing.
	ErrEmptySample = errors.New("sample has no non-missing genes")
	// ErrEmptyNetwork is returned when no regulon survives grouping.
	ErrEmptyNetwork = errors.New("prior network has no regulons")
	// ErrShape is returned for malformed matrices.
	ErrShape = errors.New("matrix shape mismatch")
)

// SampleFailure records a sample whose task failed. The sample's row is left
// missing; sibling samples are unaffected.
type SampleFailure struct {
	Index  int
	Sample string
	Err    error
}

func (f SampleFailure) Error() string {
	return fmt.Sprintf("sample %d (%s): %v", f.Index, f.Sample, f.Err)
}

func (f SampleFailure) Unwrap() error { return f.Err }
