package concepts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/knowmap/backend/internal/models"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetConcept(ctx context.Context, conceptID int64) (*models.Concept, error) {
	var c models.Concept
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM concepts WHERE id = $1`,
		conceptID,
	).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get concept %d: %w", conceptID, err)
	}
	return &c, nil
}

// MaxDifficultyLevel is the highest difficulty among the concept's active
// templates — the level a learner must exceed to complete the concept.
// Concepts with no active templates report 0.
func (s *Store) MaxDifficultyLevel(ctx context.Context, conceptID int64) (float64, error) {
	var maxDifficulty sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(difficulty) FROM question_templates
		 WHERE concept_id = $1 AND active = TRUE`,
		conceptID,
	).Scan(&maxDifficulty)
	if err != nil {
		return 0, fmt.Errorf("max difficulty for concept %d: %w", conceptID, err)
	}
	if !maxDifficulty.Valid {
		return 0, nil
	}
	return maxDifficulty.Float64, nil
}

// DirectPrerequisites returns the concept IDs a learner is expected to hold
// before starting this one.
func (s *Store) DirectPrerequisites(ctx context.Context, conceptID int64) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT prerequisite_id FROM concept_prerequisites WHERE concept_id = $1`,
		conceptID,
	)
	if err != nil {
		return nil, fmt.Errorf("prerequisites for concept %d: %w", conceptID, err)
	}
	defer rows.Close()

	prereqs := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan prerequisite: %w", err)
		}
		prereqs[id] = true
	}
	return prereqs, rows.Err()
}
