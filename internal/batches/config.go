package batches

import (
	"os"
	"strconv"
	"time"

	"github.com/knowmap/backend/internal/knowledge"
	"github.com/knowmap/backend/internal/selection"
)

// Config holds the orchestrator tuning knobs. The doing-poorly threshold is a
// carried-over heuristic; change it via env, not by editing code.
type Config struct {
	// MaxQuestions caps answered questions in a normal batch.
	MaxQuestions int
	// RevisionMaxQuestions caps a revision batch (one started when the
	// learner's displayed level already meets the concept's max difficulty).
	RevisionMaxQuestions int
	// DoingPoorlyMinAnswers and DoingPoorlyLevel drive the early exit for
	// struggling learners: after at least MinAnswers responses, a level
	// below DoingPoorlyLevel closes the batch. Revision batches skip this.
	DoingPoorlyMinAnswers int
	DoingPoorlyLevel      float64
	// BatchWindow bounds the open-batch lookup: at most one open batch per
	// (user, concept) within it.
	BatchWindow time.Duration

	Selection selection.Config
	Sampler   knowledge.SamplerConfig
}

func DefaultConfig() Config {
	cfg := Config{
		MaxQuestions:          10,
		RevisionMaxQuestions:  5,
		DoingPoorlyMinAnswers: 5,
		DoingPoorlyLevel:      -0.5,
		BatchWindow:           24 * time.Hour,
		Selection:             selection.DefaultConfig(),
		Sampler:               knowledge.DefaultSamplerConfig(),
	}
	if v := os.Getenv("BATCH_MAX_QUESTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxQuestions = n
		}
	}
	if v := os.Getenv("BATCH_REVISION_MAX_QUESTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RevisionMaxQuestions = n
		}
	}
	if v := os.Getenv("BATCH_DOING_POORLY_LEVEL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DoingPoorlyLevel = f
		}
	}
	return cfg
}
