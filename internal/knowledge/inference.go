package knowledge

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Observations is one training set for a single (user, concept) pair:
// parallel arrays over every answered question, in the order asked.
type Observations struct {
	Difficulties []float64
	GuessProbs   []float64
	Answers      []int
}

// Validate checks the arrays before any sampling happens.
func (o Observations) Validate() error {
	if len(o.Difficulties) == 0 {
		return fmt.Errorf("%w: empty observation arrays", ErrInvalidInput)
	}
	if len(o.GuessProbs) != len(o.Difficulties) || len(o.Answers) != len(o.Difficulties) {
		return fmt.Errorf("%w: mismatched array lengths (%d difficulties, %d guess_probs, %d answers)",
			ErrInvalidInput, len(o.Difficulties), len(o.GuessProbs), len(o.Answers))
	}
	for i, g := range o.GuessProbs {
		if g < 0 || g > 1 {
			return fmt.Errorf("%w: guess_probs[%d] = %f outside [0,1]", ErrInvalidInput, i, g)
		}
	}
	for i, a := range o.Answers {
		if a != 0 && a != 1 {
			return fmt.Errorf("%w: answers[%d] = %d, must be 0 or 1", ErrInvalidInput, i, a)
		}
	}
	return nil
}

// Engine infers a posterior belief over latent ability from observed answers
// and runs the answer model forward for candidate questions.
type Engine interface {
	RunInference(obs Observations) error
	Predict(difficulties, guessProbs []float64) ([]float64, error)
	ThetaParams() GaussianParams
}

// SamplerConfig tunes the MCMC chain.
type SamplerConfig struct {
	Warmup   int
	Draws    int
	StepSize float64
	Seed     uint64
}

func DefaultSamplerConfig() SamplerConfig {
	cfg := SamplerConfig{
		Warmup:   2000,
		Draws:    1000,
		StepSize: 0.5,
		Seed:     1,
	}
	if v := os.Getenv("MCMC_WARMUP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Warmup = n
		}
	}
	if v := os.Getenv("MCMC_DRAWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Draws = n
		}
	}
	return cfg
}

// MCMCEngine samples the theta posterior with a random-walk Metropolis chain:
// Gaussian prior, Bernoulli likelihood from ProbCorrect. A fixed seed makes
// the chain fully reproducible.
type MCMCEngine struct {
	prior    GaussianParams
	cfg      SamplerConfig
	rng      *rand.Rand
	draws    []float64 // posterior draws of theta; nil until RunInference
	inferred GaussianParams
}

func NewMCMCEngine(prior GaussianParams, cfg SamplerConfig) *MCMCEngine {
	if cfg.Warmup <= 0 {
		cfg.Warmup = 2000
	}
	if cfg.Draws <= 0 {
		cfg.Draws = 1000
	}
	if cfg.StepSize <= 0 {
		cfg.StepSize = 0.5
	}
	return &MCMCEngine{
		prior: prior,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// RunInference draws posterior samples of theta given the observations and
// fits a new GaussianParams to their mean and standard deviation.
func (e *MCMCEngine) RunInference(obs Observations) error {
	if err := obs.Validate(); err != nil {
		return err
	}

	priorDist := distuv.Normal{Mu: e.prior.Mean, Sigma: e.prior.StdDev}
	if priorDist.Sigma <= 0 {
		// Degenerate prior: treat as very confident rather than dividing by zero.
		priorDist.Sigma = 1e-3
	}

	logPosterior := func(theta float64) float64 {
		lp := priorDist.LogProb(theta)
		for i := range obs.Difficulties {
			p := ProbCorrect(theta, obs.Difficulties[i], obs.GuessProbs[i])
			if obs.Answers[i] == 1 {
				lp += math.Log(p)
			} else {
				lp += math.Log(1 - p)
			}
		}
		return lp
	}

	theta := e.prior.Mean
	lp := logPosterior(theta)
	draws := make([]float64, 0, e.cfg.Draws)

	total := e.cfg.Warmup + e.cfg.Draws
	for i := 0; i < total; i++ {
		proposal := theta + e.cfg.StepSize*e.rng.NormFloat64()
		lpProposal := logPosterior(proposal)
		if math.Log(e.rng.Float64()) < lpProposal-lp {
			theta = proposal
			lp = lpProposal
		}
		if i >= e.cfg.Warmup {
			draws = append(draws, theta)
		}
	}

	mean := stat.Mean(draws, nil)
	stdDev := stat.StdDev(draws, nil)
	params, err := NewGaussianParams(mean, stdDev)
	if err != nil {
		return fmt.Errorf("fit posterior: %w", err)
	}

	e.draws = draws
	e.inferred = params
	return nil
}

// ThetaParams returns the inferred posterior belief. If inference has not run
// it returns the prior unchanged, which callers should treat as stale.
func (e *MCMCEngine) ThetaParams() GaussianParams {
	if e.draws == nil {
		log.Printf("WARN: [inference] theta params requested before inference; returning prior unchanged")
		return e.prior
	}
	return e.inferred
}

// Predict runs the answer model forward and returns the empirical probability
// of a correct answer per candidate question. Posterior draws are used when
// inference has run; otherwise fresh draws from the prior.
func (e *MCMCEngine) Predict(difficulties, guessProbs []float64) ([]float64, error) {
	if len(difficulties) == 0 {
		return nil, fmt.Errorf("%w: empty difficulties", ErrInvalidInput)
	}
	if len(guessProbs) != len(difficulties) {
		return nil, fmt.Errorf("%w: mismatched array lengths (%d difficulties, %d guess_probs)",
			ErrInvalidInput, len(difficulties), len(guessProbs))
	}
	for i, g := range guessProbs {
		if g < 0 || g > 1 {
			return nil, fmt.Errorf("%w: guess_probs[%d] = %f outside [0,1]", ErrInvalidInput, i, g)
		}
	}

	samples := e.draws
	if samples == nil {
		priorDist := distuv.Normal{Mu: e.prior.Mean, Sigma: e.prior.StdDev, Src: rand.NewSource(e.cfg.Seed)}
		samples = make([]float64, e.cfg.Draws)
		for i := range samples {
			if priorDist.Sigma > 0 {
				samples[i] = priorDist.Rand()
			} else {
				samples[i] = priorDist.Mu
			}
		}
	}

	probs := make([]float64, len(difficulties))
	for i := range difficulties {
		sum := 0.0
		for _, theta := range samples {
			sum += ProbCorrect(theta, difficulties[i], guessProbs[i])
		}
		probs[i] = sum / float64(len(samples))
	}
	return probs, nil
}
