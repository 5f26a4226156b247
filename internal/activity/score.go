package activity

import (
	"log"
	"math"

	"github.com/tfactivity/server/internal/nulldist"
)

// Statistic is one TF's signed rank-sum statistic in one sample.
// Value is NaN when the TF is not scoreable in the sample.
type Statistic struct {
	Value float64
	Valid int // targets present in the sample
}

// Missing reports whether the statistic could not be computed.
func (s Statistic) Missing() bool { return math.IsNaN(s.Value) }

// Scorer computes TF statistics for ranked samples. It resolves target genes
// to matrix rows once and is safe for concurrent use.
type Scorer struct {
	regulons []Regulon
	rows     [][]int // rows[r][t] = gene row of target t, or -1
	nGenes   int
	maxValid int
}

// NewScorer binds regulons to a gene list.
func NewScorer(regs []Regulon, genes []string) *Scorer {
	index := make(map[string]int, len(genes))
	for i, g := range genes {
		index[g] = i
	}
	s := &Scorer{regulons: regs, rows: make([][]int, len(regs)), nGenes: len(genes)}
	for r, reg := range regs {
		if len(reg.Directions) != len(reg.Targets) {
			log.Printf("[Scorer] Warning: TF %s has %d targets but %d directions, not scoring it", reg.TF, len(reg.Targets), len(reg.Directions))
			continue
		}
		rows := make([]int, len(reg.Targets))
		found := 0
		for t, target := range reg.Targets {
			row, ok := index[target]
			if !ok {
				row = -1
			} else {
				found++
			}
			rows[t] = row
		}
		s.rows[r] = rows
		if reg.Size() >= MinTargets && found > s.maxValid {
			s.maxValid = found
		}
	}
	return s
}

// TFs returns the TF names in column order.
func (s *Scorer) TFs() []string { return TFNames(s.regulons) }

// MaxTargetSetSize is the largest number of valid targets any scoreable TF
// can reach, capped at the gene count.
func (s *Scorer) MaxTargetSetSize() int {
	return min(s.maxValid, s.nGenes)
}

// NullKey returns the null distribution key needed to calibrate this scorer.
func (s *Scorer) NullKey(strategy nulldist.Strategy, iterations int) nulldist.Key {
	return nulldist.Key{
		Strategy:   strategy,
		MaxSize:    s.MaxTargetSetSize(),
		Genes:      s.nGenes,
		Iterations: iterations,
	}
}

// Score computes the signed statistic of every TF for one ranked sample.
//
// Up targets add their forward rank to the activation score and their
// reverse rank to the inhibition score; down targets do the opposite. The
// smaller score divided by the valid target count is the raw statistic. It
// is positive (activated) when the activation score is the smaller one and
// negative otherwise.
func (s *Scorer) Score(r RankedSample) []Statistic {
	out := make([]Statistic, len(s.regulons))
	for i, reg := range s.regulons {
		out[i] = Statistic{Value: math.NaN()}
		if r.N == 0 || reg.Size() < MinTargets || s.rows[i] == nil {
			continue
		}

		var act, inh float64
		valid := 0
		for t, row := range s.rows[i] {
			if !r.Present(row) {
				continue
			}
			valid++
			if reg.Directions[t] == Down {
				act += r.Reverse[row]
				inh += r.Forward[row]
			} else {
				act += r.Forward[row]
				inh += r.Reverse[row]
			}
		}
		out[i].Valid = valid
		if valid < MinTargets {
			continue
		}

		raw := math.Min(act, inh) / float64(valid)
		if act < inh {
			out[i].Value = raw
		} else {
			out[i].Value = -raw
		}
	}
	return out
}
