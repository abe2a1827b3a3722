package models

// ── API Request/Response Types ────────────────────────────

type ErrorResponse struct {
	Error string `json:"error"`
}

// NextQuestionResponse is what the HTTP layer returns from a select-next
// call. Exactly one of Question / BatchDone / NoContent is meaningful.
type NextQuestionResponse struct {
	BatchID      int64           `json:"batch_id"`
	SessionID    string          `json:"session_id"`
	ResponseID   int64           `json:"response_id,omitempty"`
	QuestionText string          `json:"question_text,omitempty"`
	Answers      []string        `json:"answers,omitempty"`
	Completed    BatchCompletion `json:"completed,omitempty"`
	NoContent    bool            `json:"no_content,omitempty"`
}

type SubmitAnswerRequest struct {
	Answer string `json:"answer"`
}

type SubmitAnswerResponse struct {
	Correct          bool            `json:"correct"`
	CorrectAnswer    string          `json:"correct_answer"`
	Feedback         string          `json:"feedback,omitempty"`
	NewLevel         float64         `json:"new_level"`
	DisplayLevel     float64         `json:"display_level"`
	BatchCompleted   BatchCompletion `json:"batch_completed,omitempty"`
	ConceptCompleted bool            `json:"concept_completed"`
}

type ConceptResponse struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	MaxDifficulty float64 `json:"max_difficulty"`
	Prerequisites []int64 `json:"prerequisites"`
}

type KnowledgeResponse struct {
	ConceptID            int64   `json:"concept_id"`
	Mean                 float64 `json:"mean"`
	StdDev               float64 `json:"std_dev"`
	Level                float64 `json:"level"`
	DisplayLevel         float64 `json:"display_level"`
	HighestLevelAchieved float64 `json:"highest_level_achieved"`
}
