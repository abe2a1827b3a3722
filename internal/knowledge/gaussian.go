package knowledge

import (
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"
)

// levelQuantile is the lower-tail quantile used to collapse a belief into a
// single level. A learner's level is the ability we are 95% confident they
// exceed, so displayed progress stays conservative.
const levelQuantile = 0.05

// GaussianParams is a Normal-distribution belief over a learner's latent
// ability theta for one concept.
type GaussianParams struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// DefaultPrior is the belief assigned on first contact with a concept.
func DefaultPrior() GaussianParams {
	return GaussianParams{Mean: 1.0, StdDev: 1.0}
}

func NewGaussianParams(mean, stdDev float64) (GaussianParams, error) {
	if stdDev < 0 {
		return GaussianParams{}, fmt.Errorf("%w: std_dev must be >= 0, got %f", ErrInvalidInput, stdDev)
	}
	return GaussianParams{Mean: mean, StdDev: stdDev}, nil
}

// RawLevel is the unfloored 5th-percentile lower bound. Only the sign-aware
// internals (the doing-poorly exit) use it directly.
func (g GaussianParams) RawLevel() float64 {
	if g.StdDev == 0 {
		return g.Mean
	}
	dist := distuv.Normal{Mu: g.Mean, Sigma: g.StdDev}
	return dist.Quantile(levelQuantile)
}

// Level returns the 5th-percentile lower bound of the belief, floored at 0.
func (g GaussianParams) Level() float64 {
	level := g.RawLevel()
	if level < 0 {
		return 0
	}
	return level
}
