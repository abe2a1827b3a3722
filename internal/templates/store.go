package templates

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/knowmap/backend/internal/models"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ActiveTemplatesForConcept returns the templates eligible for selection.
// Broken templates are deactivated and excluded here.
func (s *Store) ActiveTemplatesForConcept(ctx context.Context, conceptID int64) ([]*models.QuestionTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, concept_id, question_type, difficulty, body, correct_answer,
		        distractors, feedback, params, active, created_at
		 FROM question_templates
		 WHERE concept_id = $1 AND active = TRUE
		 ORDER BY id`,
		conceptID,
	)
	if err != nil {
		return nil, fmt.Errorf("query active templates: %w", err)
	}
	defer rows.Close()

	var templates []*models.QuestionTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// Deactivate flags a broken template so it stops entering selection.
func (s *Store) Deactivate(ctx context.Context, templateID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE question_templates SET active = FALSE WHERE id = $1`,
		templateID,
	)
	if err != nil {
		return fmt.Errorf("deactivate template %d: %w", templateID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*models.QuestionTemplate, error) {
	var tpl models.QuestionTemplate
	var distractors, params []byte
	err := row.Scan(&tpl.ID, &tpl.ConceptID, &tpl.QuestionType, &tpl.Difficulty,
		&tpl.Body, &tpl.CorrectAnswer, &distractors, &tpl.Feedback, &params,
		&tpl.Active, &tpl.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	if err := json.Unmarshal(distractors, &tpl.Distractors); err != nil {
		return nil, fmt.Errorf("template %d distractors: %w", tpl.ID, err)
	}
	if err := json.Unmarshal(params, &tpl.Params); err != nil {
		return nil, fmt.Errorf("template %d params: %w", tpl.ID, err)
	}
	return &tpl, nil
}
