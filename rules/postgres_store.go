package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresModelSource reads the newest active version of a named decision
// document from the decision_models table.
type PostgresModelSource struct {
	db   *sql.DB
	name string
}

// NewPostgresModelSource creates a PostgreSQL-backed source for one model name
func NewPostgresModelSource(db *sql.DB, name string) *PostgresModelSource {
	return &PostgresModelSource{
		db:   db,
		name: name,
	}
}

// Fetch returns the definition of the latest active version
func (s *PostgresModelSource) Fetch(ctx context.Context) ([]byte, error) {
	var definition []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT definition
		FROM decision_models
		WHERE name = $1 AND active = true
		ORDER BY version DESC
		LIMIT 1
	`, s.name).Scan(&definition)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decision model %s not found", s.name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision model: %w", err)
	}

	return definition, nil
}

func (s *PostgresModelSource) Describe() string {
	return "postgres:" + s.name
}

// Publish stores definition as a new active version and deactivates older
// ones. It returns the new version number.
func (s *PostgresModelSource) Publish(ctx context.Context, definition []byte) (int, error) {
	if _, err := ParseModel(definition); err != nil {
		return 0, fmt.Errorf("refusing to publish invalid model: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE decision_models
		SET active = false
		WHERE name = $1
	`, s.name); err != nil {
		return 0, fmt.Errorf("failed to deactivate old versions: %w", err)
	}

	var version int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO decision_models (name, version, definition, active, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2::jsonb, true, NOW()
		FROM decision_models
		WHERE name = $1
		RETURNING version
	`, s.name, string(definition)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to save decision model: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit decision model: %w", err)
	}
	return version, nil
}
