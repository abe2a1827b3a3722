package models

import (
	"time"

	"github.com/knowmap/backend/internal/knowledge"
)

// Concept is one node in the knowledge map; the unit questions are organized
// around.
type Concept struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// QuestionTemplate is a parametrized question definition owned by a concept.
// Sampling parameter values yields a concrete question instance.
type QuestionTemplate struct {
	ID            int64               `json:"id"`
	ConceptID     int64               `json:"concept_id"`
	QuestionType  string              `json:"question_type"`
	Difficulty    float64             `json:"difficulty"`
	Body          string              `json:"body"`
	CorrectAnswer string              `json:"correct_answer"`
	Distractors   []string            `json:"distractors"`
	Feedback      string              `json:"feedback"`
	Params        map[string][]string `json:"params"`
	Active        bool                `json:"active"`
	CreatedAt     time.Time           `json:"created_at"`
}

// NumberOfAnswers is derived from the template body: 2 for two-way
// (true/false style, one distractor), 4 for multiple choice.
func (t *QuestionTemplate) NumberOfAnswers() int {
	return len(t.Distractors) + 1
}

// GuessProb is the probability of a correct answer by pure guessing.
func (t *QuestionTemplate) GuessProb() float64 {
	return 1.0 / float64(t.NumberOfAnswers())
}

// BatchCompletion tags why a batch closed. Empty means still open.
type BatchCompletion string

const (
	BatchOpen             BatchCompletion = ""
	BatchCompletedConcept BatchCompletion = "completed_concept"
	BatchDoingPoorly      BatchCompletion = "doing_poorly"
	BatchMaxQuestions     BatchCompletion = "max_num_of_questions"
	BatchReviewCompleted  BatchCompletion = "review_completed"
)

// QuestionBatch is one bounded run of questions on one concept for one user.
// The initial knowledge parameters are a snapshot taken at batch start and
// immutable afterwards.
type QuestionBatch struct {
	ID               int64           `json:"id"`
	UserID           int64           `json:"user_id"`
	ConceptID        int64           `json:"concept_id"`
	SessionID        string          `json:"session_id"`
	InitialMean      float64         `json:"initial_mean"`
	InitialStdDev    float64         `json:"initial_std_dev"`
	IsRevision       bool            `json:"is_revision"`
	MaxQuestions     int             `json:"max_questions"`
	Completed        BatchCompletion `json:"completed"`
	LevelsProgressed float64         `json:"levels_progressed"`
	ConceptCompleted bool            `json:"concept_completed"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Open reports whether the batch still accepts questions and answers.
func (b *QuestionBatch) Open() bool {
	return b.Completed == BatchOpen
}

// InitialParams returns the knowledge belief snapshotted at batch start.
func (b *QuestionBatch) InitialParams() knowledge.GaussianParams {
	return knowledge.GaussianParams{Mean: b.InitialMean, StdDev: b.InitialStdDev}
}

// QuestionResponse is one asked question within a batch. GivenAnswer and
// Correct stay nil until the learner answers; at most one response per batch
// may be unanswered at a time.
type QuestionResponse struct {
	ID             int64             `json:"id"`
	BatchID        int64             `json:"batch_id"`
	TemplateID     int64             `json:"template_id"`
	QuestionParams map[string]string `json:"question_params"`
	QuestionText   string            `json:"question_text"`
	Answers        []string          `json:"answers"`
	CorrectAnswer  string            `json:"correct_answer"`
	Feedback       string            `json:"feedback"`
	GivenAnswer    *string           `json:"given_answer,omitempty"`
	Correct        *bool             `json:"correct,omitempty"`
	AskedAt        time.Time         `json:"asked_at"`
}

// Answered reports whether the learner has responded to this question.
func (r *QuestionResponse) Answered() bool {
	return r.GivenAnswer != nil
}
