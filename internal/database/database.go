package database

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
)

func Connect() (*sql.DB, error) {
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "knowmap_user")
	password := getEnv("DB_PASSWORD", "knowmap_password")
	dbname := getEnv("DB_NAME", "knowmap")
	sslmode := getEnv("DB_SSLMODE", "disable")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return db, nil
}

func Migrate(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id         BIGSERIAL PRIMARY KEY,
		email      VARCHAR(255) UNIQUE NOT NULL,
		name       VARCHAR(255) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS concepts (
		id         BIGSERIAL PRIMARY KEY,
		name       VARCHAR(255) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS concept_prerequisites (
		concept_id      BIGINT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
		prerequisite_id BIGINT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
		PRIMARY KEY (concept_id, prerequisite_id)
	);

	CREATE TABLE IF NOT EXISTS question_templates (
		id             BIGSERIAL PRIMARY KEY,
		concept_id     BIGINT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
		question_type  VARCHAR(50) NOT NULL,
		difficulty     DOUBLE PRECISION NOT NULL CHECK (difficulty >= 0),
		body           TEXT NOT NULL,
		correct_answer TEXT NOT NULL,
		distractors    JSONB NOT NULL DEFAULT '[]',
		feedback       TEXT NOT NULL DEFAULT '',
		params         JSONB NOT NULL DEFAULT '{}',
		active         BOOLEAN NOT NULL DEFAULT TRUE,
		created_at     TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_templates_concept_active ON question_templates(concept_id, active);

	CREATE TABLE IF NOT EXISTS knowledge_states (
		id                     BIGSERIAL PRIMARY KEY,
		user_id                BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		concept_id             BIGINT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
		mean                   DOUBLE PRECISION NOT NULL,
		std_dev                DOUBLE PRECISION NOT NULL CHECK (std_dev >= 0),
		highest_level_achieved DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at             TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE (user_id, concept_id)
	);

	CREATE TABLE IF NOT EXISTS question_batches (
		id                BIGSERIAL PRIMARY KEY,
		user_id           BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		concept_id        BIGINT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
		session_id        VARCHAR(64) NOT NULL,
		initial_mean      DOUBLE PRECISION NOT NULL,
		initial_std_dev   DOUBLE PRECISION NOT NULL,
		is_revision       BOOLEAN NOT NULL DEFAULT FALSE,
		max_questions     INT NOT NULL,
		completed         VARCHAR(30) NOT NULL DEFAULT '',
		levels_progressed DOUBLE PRECISION NOT NULL DEFAULT 0,
		concept_completed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at        TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		completed_at      TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_batches_open ON question_batches(user_id, concept_id, completed, created_at DESC);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_single_open ON question_batches(user_id, concept_id) WHERE completed = '';

	CREATE TABLE IF NOT EXISTS question_responses (
		id              BIGSERIAL PRIMARY KEY,
		batch_id        BIGINT NOT NULL REFERENCES question_batches(id) ON DELETE CASCADE,
		template_id     BIGINT NOT NULL REFERENCES question_templates(id),
		question_params JSONB NOT NULL DEFAULT '{}',
		question_text   TEXT NOT NULL,
		answers         JSONB NOT NULL DEFAULT '[]',
		correct_answer  TEXT NOT NULL,
		feedback        TEXT NOT NULL DEFAULT '',
		given_answer    TEXT,
		correct         BOOLEAN,
		asked_at        TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_responses_batch ON question_responses(batch_id, asked_at);
	CREATE INDEX IF NOT EXISTS idx_responses_template ON question_responses(template_id, asked_at);
	`

	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
