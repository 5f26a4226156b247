package activity

import (
	"math"

	"github.com/montanaflynn/stats"
)

// ZScoreGenes standardises every gene across samples, ignoring missing values
// and using the population standard deviation. Genes with zero variance
// become all missing. The input is not modified.
func ZScoreGenes(m *ExpressionMatrix) *ExpressionMatrix {
	out := &ExpressionMatrix{
		Genes:   m.Genes,
		Samples: m.Samples,
		Values:  make([][]float64, len(m.Values)),
	}
	present := make(stats.Float64Data, 0, m.NumSamples())
	for i, row := range m.Values {
		present = present[:0]
		for _, v := range row {
			if !math.IsNaN(v) {
				present = append(present, v)
			}
		}

		z := make([]float64, len(row))
		mean, errMean := stats.Mean(present)
		sd, errSD := stats.StandardDeviationPopulation(present)
		for j, v := range row {
			if math.IsNaN(v) || errMean != nil || errSD != nil || sd == 0 {
				z[j] = math.NaN()
				continue
			}
			z[j] = (v - mean) / sd
		}
		out.Values[i] = z
	}
	return out
}
