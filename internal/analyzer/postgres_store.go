package analyzer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultSnapshotRetention is how many snapshots PostgresStore keeps.
const DefaultSnapshotRetention = 5

// PostgresStore keeps model snapshots in the model_snapshots table as JSONB.
// Each save inserts a new row and prunes all but the newest few.
type PostgresStore struct {
	db        *sql.DB
	retention int
}

var _ ModelStore = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed model store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, retention: DefaultSnapshotRetention}
}

func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO model_snapshots (version, feature_count, profile_count, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, snap.Version, snap.FeatureCount, len(snap.Profiles), data, snap.SavedAt); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM model_snapshots
		WHERE id NOT IN (SELECT id FROM model_snapshots ORDER BY id DESC LIMIT $1)
	`, s.retention); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM model_snapshots ORDER BY id DESC LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
