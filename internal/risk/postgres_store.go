package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/typeguard/internal/pagination"
)

// PostgresStore persists assessments in the risk_assessments table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	featuresJSON, err := json.Marshal(a.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, user_id, session_id, score, basis, level, features, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		a.ID,
		a.UserID,
		a.SessionID,
		a.Score,
		a.Basis,
		string(a.Level),
		featuresJSON,
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Assessment, error) {
	var (
		beforeAt *time.Time
		beforeID string
	)
	if after != nil {
		beforeAt, beforeID = &after.At, after.ID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, score, basis, level, features, evaluated_at
		FROM risk_assessments
		WHERE user_id = $1
		  AND ($2::timestamptz IS NULL OR (evaluated_at, id) < ($2, $3))
		ORDER BY evaluated_at DESC, id DESC
		LIMIT $4
	`, userID, beforeAt, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var featuresJSON []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.SessionID, &a.Score, &a.Basis, &a.Level, &featuresJSON, &a.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		if len(featuresJSON) > 0 {
			if err := json.Unmarshal(featuresJSON, &a.Features); err != nil {
				return nil, fmt.Errorf("failed to decode features: %w", err)
			}
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}
