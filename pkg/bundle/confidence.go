package bundle

import (
	"math"

	"coronary3d/pkg/config"
)

// Quality summarises what lowers trust in a reconstruction.
type Quality struct {
	// MeanResidual is the mean post-refinement reprojection error in pixels
	MeanResidual float64

	// InvalidFraction is the share of checked bifurcations failing the cube law
	InvalidFraction float64

	// DegenerateFraction is the share of points triangulated from near-parallel rays
	DegenerateFraction float64

	// Converged is false when refinement hit the iteration cap
	Converged bool
}

// Confidence maps q to a score in [0, 1]. It decreases monotonically with
// the mean residual and with the invalid and degenerate fractions.
func Confidence(cfg config.Confidence, q Quality) float64 {
	c := math.Exp(-q.MeanResidual / cfg.ResidualScalePx)
	c *= 1 - clamp01(q.InvalidFraction)*cfg.InvalidBifurcationWeight
	c *= 1 - clamp01(q.DegenerateFraction)*cfg.DegeneratePenalty
	if !q.Converged {
		c *= cfg.NonConvergencePenalty
	}
	return clamp01(c)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
