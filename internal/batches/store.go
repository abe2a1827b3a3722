package batches

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/knowmap/backend/internal/knowledge"
	"github.com/knowmap/backend/internal/models"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ── Knowledge State ─────────────────────────────────────

// GetOrCreateKnowledgeState lazily creates the (user, concept) belief row
// with the default prior on first contact.
func (s *Store) GetOrCreateKnowledgeState(ctx context.Context, userID, conceptID int64) (*models.KnowledgeState, error) {
	prior := knowledge.DefaultPrior()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_states (user_id, concept_id, mean, std_dev, highest_level_achieved)
		 VALUES ($1, $2, $3, $4, 0)
		 ON CONFLICT (user_id, concept_id) DO NOTHING`,
		userID, conceptID, prior.Mean, prior.StdDev,
	)
	if err != nil {
		return nil, fmt.Errorf("create knowledge state: %w", err)
	}

	var state models.KnowledgeState
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_id, concept_id, mean, std_dev, highest_level_achieved, updated_at
		 FROM knowledge_states WHERE user_id = $1 AND concept_id = $2`,
		userID, conceptID,
	).Scan(&state.ID, &state.UserID, &state.ConceptID, &state.Mean, &state.StdDev,
		&state.HighestLevelAchieved, &state.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get knowledge state: %w", err)
	}
	return &state, nil
}

func (s *Store) UpdateKnowledgeState(ctx context.Context, userID, conceptID int64, mean, stdDev, highestLevel float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_states
		 SET mean = $1, std_dev = $2, highest_level_achieved = $3, updated_at = NOW()
		 WHERE user_id = $4 AND concept_id = $5`,
		mean, stdDev, highestLevel, userID, conceptID,
	)
	if err != nil {
		return fmt.Errorf("update knowledge state: %w", err)
	}
	return nil
}

// ── Batches ─────────────────────────────────────────────

func (s *Store) GetOpenBatch(ctx context.Context, userID, conceptID int64, since time.Time) (*models.QuestionBatch, error) {
	var batch models.QuestionBatch
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, concept_id, session_id, initial_mean, initial_std_dev,
		        is_revision, max_questions, completed, levels_progressed,
		        concept_completed, created_at, completed_at
		 FROM question_batches
		 WHERE user_id = $1 AND concept_id = $2 AND completed = '' AND created_at >= $3
		 ORDER BY created_at DESC LIMIT 1`,
		userID, conceptID, since,
	).Scan(&batch.ID, &batch.UserID, &batch.ConceptID, &batch.SessionID,
		&batch.InitialMean, &batch.InitialStdDev, &batch.IsRevision, &batch.MaxQuestions,
		&batch.Completed, &batch.LevelsProgressed, &batch.ConceptCompleted,
		&batch.CreatedAt, &batch.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open batch: %w", err)
	}
	return &batch, nil
}

func (s *Store) GetBatch(ctx context.Context, batchID int64) (*models.QuestionBatch, error) {
	var batch models.QuestionBatch
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, concept_id, session_id, initial_mean, initial_std_dev,
		        is_revision, max_questions, completed, levels_progressed,
		        concept_completed, created_at, completed_at
		 FROM question_batches WHERE id = $1`,
		batchID,
	).Scan(&batch.ID, &batch.UserID, &batch.ConceptID, &batch.SessionID,
		&batch.InitialMean, &batch.InitialStdDev, &batch.IsRevision, &batch.MaxQuestions,
		&batch.Completed, &batch.LevelsProgressed, &batch.ConceptCompleted,
		&batch.CreatedAt, &batch.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("get batch %d: %w", batchID, err)
	}
	return &batch, nil
}

func (s *Store) CreateBatch(ctx context.Context, batch *models.QuestionBatch) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO question_batches
		     (user_id, concept_id, session_id, initial_mean, initial_std_dev,
		      is_revision, max_questions, completed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, '')
		 RETURNING id, created_at`,
		batch.UserID, batch.ConceptID, batch.SessionID, batch.InitialMean,
		batch.InitialStdDev, batch.IsRevision, batch.MaxQuestions,
	).Scan(&batch.ID, &batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

func (s *Store) CloseBatch(ctx context.Context, batchID int64, completion models.BatchCompletion, levelsProgressed float64, conceptCompleted bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE question_batches
		 SET completed = $1, levels_progressed = $2, concept_completed = $3, completed_at = NOW()
		 WHERE id = $4 AND completed = ''`,
		completion, levelsProgressed, conceptCompleted, batchID,
	)
	if err != nil {
		return fmt.Errorf("close batch %d: %w", batchID, err)
	}
	return nil
}

// ── Responses ───────────────────────────────────────────

func (s *Store) AppendResponse(ctx context.Context, resp *models.QuestionResponse) error {
	params, err := json.Marshal(resp.QuestionParams)
	if err != nil {
		return fmt.Errorf("marshal question params: %w", err)
	}
	answers, err := json.Marshal(resp.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO question_responses
		     (batch_id, template_id, question_params, question_text, answers,
		      correct_answer, feedback)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, asked_at`,
		resp.BatchID, resp.TemplateID, params, resp.QuestionText, answers,
		resp.CorrectAnswer, resp.Feedback,
	).Scan(&resp.ID, &resp.AskedAt)
	if err != nil {
		return fmt.Errorf("append response: %w", err)
	}
	return nil
}

func (s *Store) GetResponse(ctx context.Context, responseID int64) (*models.QuestionResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, batch_id, template_id, question_params, question_text, answers,
		        correct_answer, feedback, given_answer, correct, asked_at
		 FROM question_responses WHERE id = $1`,
		responseID,
	)
	resp, err := scanResponse(row)
	if err == sql.ErrNoRows {
		return nil, ErrResponseNotFound
	}
	return resp, err
}

func (s *Store) AnswerResponse(ctx context.Context, responseID int64, givenAnswer string, correct bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE question_responses SET given_answer = $1, correct = $2
		 WHERE id = $3 AND given_answer IS NULL`,
		givenAnswer, correct, responseID,
	)
	if err != nil {
		return fmt.Errorf("answer response %d: %w", responseID, err)
	}
	return nil
}

// ListResponses returns a batch's responses in the order asked. Training
// data reconstruction depends on this ordering.
func (s *Store) ListResponses(ctx context.Context, batchID int64) ([]*models.QuestionResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, template_id, question_params, question_text, answers,
		        correct_answer, feedback, given_answer, correct, asked_at
		 FROM question_responses WHERE batch_id = $1
		 ORDER BY asked_at, id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var responses []*models.QuestionResponse
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	return responses, rows.Err()
}

// TrainingData rebuilds the full observation set for (user, concept): every
// answered response across all batches, in the order asked, with the guess
// probability derived from each template's answer-option count.
func (s *Store) TrainingData(ctx context.Context, userID, conceptID int64) (knowledge.Observations, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.difficulty,
		        1.0 / (jsonb_array_length(t.distractors) + 1),
		        r.correct
		 FROM question_responses r
		 JOIN question_batches b ON b.id = r.batch_id
		 JOIN question_templates t ON t.id = r.template_id
		 WHERE b.user_id = $1 AND b.concept_id = $2 AND r.correct IS NOT NULL
		 ORDER BY r.asked_at, r.id`,
		userID, conceptID,
	)
	if err != nil {
		return knowledge.Observations{}, fmt.Errorf("training data: %w", err)
	}
	defer rows.Close()

	var obs knowledge.Observations
	for rows.Next() {
		var difficulty, guessProb float64
		var correct bool
		if err := rows.Scan(&difficulty, &guessProb, &correct); err != nil {
			return knowledge.Observations{}, fmt.Errorf("scan training row: %w", err)
		}
		answer := 0
		if correct {
			answer = 1
		}
		obs.Difficulties = append(obs.Difficulties, difficulty)
		obs.GuessProbs = append(obs.GuessProbs, guessProb)
		obs.Answers = append(obs.Answers, answer)
	}
	return obs, rows.Err()
}

// TemplateHistoryCounts returns, per template, how often this user has
// answered it correctly ever plus how often it was asked since the given
// time. Feeds the novelty weight.
func (s *Store) TemplateHistoryCounts(ctx context.Context, userID int64, templateIDs []int64, askedSince time.Time) (map[int64]int, error) {
	counts := make(map[int64]int, len(templateIDs))
	if len(templateIDs) == 0 {
		return counts, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.template_id,
		        COUNT(*) FILTER (WHERE r.correct = TRUE)
		      + COUNT(*) FILTER (WHERE r.asked_at >= $3)
		 FROM question_responses r
		 JOIN question_batches b ON b.id = r.batch_id
		 WHERE b.user_id = $1 AND r.template_id = ANY($2)
		 GROUP BY r.template_id`,
		userID, pq.Array(templateIDs), askedSince,
	)
	if err != nil {
		return nil, fmt.Errorf("template history counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var templateID int64
		var count int
		if err := rows.Scan(&templateID, &count); err != nil {
			return nil, fmt.Errorf("scan history count: %w", err)
		}
		counts[templateID] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResponse(row rowScanner) (*models.QuestionResponse, error) {
	var resp models.QuestionResponse
	var params, answers []byte
	err := row.Scan(&resp.ID, &resp.BatchID, &resp.TemplateID, &params,
		&resp.QuestionText, &answers, &resp.CorrectAnswer, &resp.Feedback,
		&resp.GivenAnswer, &resp.Correct, &resp.AskedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &resp.QuestionParams); err != nil {
		return nil, fmt.Errorf("response %d params: %w", resp.ID, err)
	}
	if err := json.Unmarshal(answers, &resp.Answers); err != nil {
		return nil, fmt.Errorf("response %d answers: %w", resp.ID, err)
	}
	return &resp, nil
}
