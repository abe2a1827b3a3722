package selection

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/knowmap/backend/internal/models"
)

// Candidate pairs an active template with the inputs its selection weight
// depends on: the predicted probability of a correct answer and the usage
// counts feeding the novelty weight.
type Candidate struct {
	Template      *models.QuestionTemplate
	PredictedProb float64
	BatchAsks     int
	HistoryCount  int
}

// Picked is the outcome of a selection: a template plus one concrete
// parameter assignment not yet used in the batch.
type Picked struct {
	Template *models.QuestionTemplate
	Params   map[string]string
}

// Picker samples the next question from weighted candidates.
type Picker struct {
	cfg Config
	rng *rand.Rand
}

func NewPicker(cfg Config, rng *rand.Rand) *Picker {
	if cfg.MaxResampleAttempts <= 0 {
		cfg.MaxResampleAttempts = DefaultConfig().MaxResampleAttempts
	}
	return &Picker{cfg: cfg, rng: rng}
}

// Pick draws a template from the combined difficulty-fit and novelty weights,
// then samples parameter values until it finds a (template, params) pair not
// in used. typeAsks counts questions already asked in the batch per question
// type; totalAsks is their sum. Returns ErrNoQuestion once the resample
// budget is spent.
func (p *Picker) Pick(candidates []Candidate, typeAsks map[string]int, totalAsks int, used map[string]bool) (*Picked, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no active templates", ErrNoQuestion)
	}

	numTypes := distinctTypes(candidates)
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		fit := DifficultyFitWeight(c.PredictedProb, p.cfg)
		novelty := NoveltyWeight(c.BatchAsks, c.HistoryCount, typeAsks[c.Template.QuestionType], totalAsks, numTypes, p.cfg)
		weights[i] = fit * novelty
	}

	for attempt := 0; attempt < p.cfg.MaxResampleAttempts; attempt++ {
		idx := WeightedChoice(p.rng, weights)
		tpl := candidates[idx].Template
		params := SampleParams(tpl, p.rng)
		if !used[ParamsKey(tpl.ID, params)] {
			return &Picked{Template: tpl, Params: params}, nil
		}
	}
	return nil, ErrNoQuestion
}

// WeightedChoice samples an index proportionally to the unnormalized weights.
// Degenerate weights (all zero, NaN, or infinite) fall back to a uniform
// choice so selection never stalls.
func WeightedChoice(rng *rand.Rand, weights []float64) int {
	total := 0.0
	for _, w := range weights {
		if w > 0 && !math.IsInf(w, 1) {
			total += w
		}
	}
	if total <= 0 || math.IsInf(total, 1) || math.IsNaN(total) {
		return rng.Intn(len(weights))
	}

	r := rng.Float64() * total
	for i, w := range weights {
		if w <= 0 || math.IsInf(w, 1) {
			continue
		}
		r -= w
		if r <= 0 {
			return i
		}
	}
	return len(weights) - 1
}

// SampleParams draws one value per template parameter.
func SampleParams(tpl *models.QuestionTemplate, rng *rand.Rand) map[string]string {
	params := make(map[string]string, len(tpl.Params))
	for name, values := range tpl.Params {
		if len(values) == 0 {
			continue
		}
		params[name] = values[rng.Intn(len(values))]
	}
	return params
}

// ParamsKey is a canonical string for a (template, params) pair, used to
// keep duplicates out of a batch.
func ParamsKey(templateID int64, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%d", templateID)
	for _, name := range names {
		fmt.Fprintf(&b, "|%s=%s", name, params[name])
	}
	return b.String()
}

func distinctTypes(candidates []Candidate) int {
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		seen[c.Template.QuestionType] = true
	}
	return len(seen)
}
