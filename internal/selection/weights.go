package selection

import "math"

// Config holds the selection tuning constants. The ideal-probability and
// penalty values are heuristics carried over as-is; treat them as knobs, not
// derived quantities.
type Config struct {
	// IdealProbCorrect is the predicted success rate the difficulty-fit
	// weight peaks at.
	IdealProbCorrect float64

	// SigmaBelow and SigmaAbove are the widths of the fit bump on either
	// side of the ideal. Below is wider: a too-hard question is better
	// than a too-easy one.
	SigmaBelow float64
	SigmaAbove float64

	// BatchRepeatPenalty is the per-ask exponent for templates already
	// used in the current batch. Steep: a template asked twice is nearly
	// excluded.
	BatchRepeatPenalty float64

	// HistoryPenalty is the per-occurrence exponent for templates the user
	// has answered correctly before or seen today. Gentle.
	HistoryPenalty float64

	// TypeSharePenalty scales the penalty applied when a template's
	// question type is over-represented among questions already asked in
	// the batch.
	TypeSharePenalty float64

	// MaxResampleAttempts bounds the search for a parameter set not yet
	// used in the batch.
	MaxResampleAttempts int
}

func DefaultConfig() Config {
	return Config{
		IdealProbCorrect:    0.85,
		SigmaBelow:          0.50,
		SigmaAbove:          0.08,
		BatchRepeatPenalty:  4.0,
		HistoryPenalty:      0.3,
		TypeSharePenalty:    2.0,
		MaxResampleAttempts: 1000,
	}
}

// DifficultyFitWeight maps a predicted probability-correct to a selection
// weight: an asymmetric Gaussian bump centered on the ideal probability.
// Predictions above the ideal (too easy) fall off much faster than
// predictions below it (too hard).
func DifficultyFitWeight(probCorrect float64, cfg Config) float64 {
	sigma := cfg.SigmaBelow
	if probCorrect > cfg.IdealProbCorrect {
		sigma = cfg.SigmaAbove
	}
	d := probCorrect - cfg.IdealProbCorrect
	return math.Exp(-(d * d) / (2 * sigma * sigma))
}

// DifficultyFitWeights applies DifficultyFitWeight per prediction.
func DifficultyFitWeights(probs []float64, cfg Config) []float64 {
	weights := make([]float64, len(probs))
	for i, p := range probs {
		weights[i] = DifficultyFitWeight(p, cfg)
	}
	return weights
}

// NoveltyWeight discounts a template by how worn out it is: a steep penalty
// for repeats within the current batch, a gentler one for historical
// exposure, and a diversity penalty when the template's question type is
// over-represented among questions already asked in the batch.
//
// batchAsks: times this exact template was asked in the current batch.
// historyCount: times the user ever answered it correctly plus times it was
// asked today. typeAsks/totalAsks: questions of this type vs all questions
// asked so far in the batch. numTypes: distinct question types on offer.
func NoveltyWeight(batchAsks, historyCount, typeAsks, totalAsks, numTypes int, cfg Config) float64 {
	w := math.Exp(-cfg.BatchRepeatPenalty * float64(batchAsks))
	w *= math.Exp(-cfg.HistoryPenalty * float64(historyCount))

	if totalAsks > 0 && numTypes > 1 {
		share := float64(typeAsks) / float64(totalAsks)
		expected := 1.0 / float64(numTypes)
		if over := share - expected; over > 0 {
			w *= math.Exp(-cfg.TypeSharePenalty * over * float64(totalAsks))
		}
	}
	return w
}
