package knowledge

import "math"

// Tuning constants of the answer likelihood curve.
const (
	// Discrimination scales how sharply P(correct) rises as ability passes
	// question difficulty.
	Discrimination = 5.0

	// MistakeProb is the probability of a slip despite knowing the answer,
	// capping P(correct) below 1 even for very high ability.
	MistakeProb = 0.05
)

// ProbCorrect returns the probability a learner with the given ability gets a
// question with the given difficulty correct. Four-parameter logistic
// item-response curve: guess floor from the answer-option count, mistake
// ceiling from MistakeProb.
func ProbCorrect(theta, difficulty, guessProb float64) float64 {
	return guessProb + (1.0-guessProb-MistakeProb)*sigmoid((theta-difficulty)*Discrimination)
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
