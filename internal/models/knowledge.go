package models

import (
	"time"

	"github.com/knowmap/backend/internal/knowledge"
)

// KnowledgeState is the persisted Normal-distribution belief over a user's
// latent ability for one concept. One row per (user, concept); created
// lazily with the default prior, mutated only by inference results.
type KnowledgeState struct {
	ID                   int64     `json:"id"`
	UserID               int64     `json:"user_id"`
	ConceptID            int64     `json:"concept_id"`
	Mean                 float64   `json:"mean"`
	StdDev               float64   `json:"std_dev"`
	HighestLevelAchieved float64   `json:"highest_level_achieved"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Params returns the belief as distribution parameters.
func (k *KnowledgeState) Params() knowledge.GaussianParams {
	return knowledge.GaussianParams{Mean: k.Mean, StdDev: k.StdDev}
}

// Level is the pessimistic point estimate of current ability.
func (k *KnowledgeState) Level() float64 {
	return k.Params().Level()
}

// DisplayLevel is the level shown to the learner. It never drops below the
// high-water mark, so a noisy inference run cannot visibly regress progress.
func (k *KnowledgeState) DisplayLevel() float64 {
	level := k.Level()
	if k.HighestLevelAchieved > level {
		return k.HighestLevelAchieved
	}
	return level
}
