package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"coronary3d/pkg/config"
)

func TestConfidencePerfect(t *testing.T) {
	cfg := config.DefaultConfig().Confidence
	assert.Equal(t, 1.0, Confidence(cfg, Quality{Converged: true}))
}

func TestConfidenceDecreasesWithResidual(t *testing.T) {
	cfg := config.DefaultConfig().Confidence
	prev := 2.0
	for _, r := range []float64{0, 0.5, 1, 2, 5, 20} {
		c := Confidence(cfg, Quality{MeanResidual: r, Converged: true})
		assert.Less(t, c, prev)
		assert.GreaterOrEqual(t, c, 0.0)
		prev = c
	}
}

func TestConfidenceDecreasesWithInvalidFraction(t *testing.T) {
	cfg := config.DefaultConfig().Confidence
	prev := 2.0
	for _, f := range []float64{0, 0.25, 0.5, 1} {
		c := Confidence(cfg, Quality{MeanResidual: 1, InvalidFraction: f, Converged: true})
		assert.Less(t, c, prev)
		prev = c
	}
}

func TestConfidencePenalties(t *testing.T) {
	cfg := config.DefaultConfig().Confidence
	base := Confidence(cfg, Quality{MeanResidual: 1, Converged: true})
	assert.InDelta(t, base*0.8, Confidence(cfg, Quality{MeanResidual: 1}), 1e-12)
	assert.InDelta(t, base*0.5, Confidence(cfg, Quality{MeanResidual: 1, DegenerateFraction: 1, Converged: true}), 1e-12)
	assert.InDelta(t, base*0.5, Confidence(cfg, Quality{MeanResidual: 1, InvalidFraction: 5, Converged: true}), 1e-12)
}
