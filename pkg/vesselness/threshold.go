package vesselness

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

const otsuBins = 256

// OtsuThreshold returns the level in [0, 1] that maximises the between-class
// variance of values. Values are expected in [0, 1].
func OtsuThreshold(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var hist [otsuBins]float64
	for _, v := range values {
		b := int(v * (otsuBins - 1))
		if b < 0 {
			b = 0
		} else if b >= otsuBins {
			b = otsuBins - 1
		}
		hist[b]++
	}

	total := float64(len(values))
	sumAll := 0.0
	for i, c := range hist {
		sumAll += float64(i) * c
	}

	var (
		weightB, sumB float64
		bestVar       = -1.0
		bestBin       int
	)
	for i, c := range hist {
		weightB += c
		if weightB == 0 {
			continue
		}
		weightF := total - weightB
		if weightF == 0 {
			break
		}
		sumB += float64(i) * c
		meanB := sumB / weightB
		meanF := (sumAll - sumB) / weightF
		between := weightB * weightF * (meanB - meanF) * (meanB - meanF)
		if between > bestVar {
			bestVar = between
			bestBin = i
		}
	}
	// Values at or above the lower edge of the next bin are foreground.
	return float64(bestBin+1) / (otsuBins - 1)
}

// QuantileThreshold returns the empirical p-quantile of values.
func QuantileThreshold(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}
