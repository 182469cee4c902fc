package ingest

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresSink writes raw events to the keystroke_events and pointer_events
// tables. Each WriteBatch call is one transaction.
type PostgresSink struct {
	db *sql.DB
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink creates a PostgreSQL-backed event sink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) WriteBatch(ctx context.Context, batches []*Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	keyStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO keystroke_events (session_id, user_id, event_type, key_code, key_value, ts_ms, dwell_ms, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("prepare keystroke insert: %w", err)
	}
	defer keyStmt.Close()

	ptrStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pointer_events (session_id, user_id, event_type, x, y, ts_ms, button, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("prepare pointer insert: %w", err)
	}
	defer ptrStmt.Close()

	for _, b := range batches {
		for _, ev := range b.Keystrokes {
			var dwell sql.NullFloat64
			if ev.DwellTime != nil {
				dwell = sql.NullFloat64{Float64: *ev.DwellTime, Valid: true}
			}
			if _, err := keyStmt.ExecContext(ctx,
				b.SessionID, b.UserID, string(ev.Kind), ev.KeyCode, ev.Key, ev.Timestamp, dwell, b.ReceivedAt,
			); err != nil {
				return fmt.Errorf("insert keystroke: %w", err)
			}
		}
		for _, ev := range b.Pointer {
			var button sql.NullInt64
			if ev.Button != nil {
				button = sql.NullInt64{Int64: int64(*ev.Button), Valid: true}
			}
			if _, err := ptrStmt.ExecContext(ctx,
				b.SessionID, b.UserID, string(ev.Kind), ev.X, ev.Y, ev.Timestamp, button, b.ReceivedAt,
			); err != nil {
				return fmt.Errorf("insert pointer event: %w", err)
			}
		}
	}
	return tx.Commit()
}

// CountBySession returns how many keystroke and pointer events are stored
// for a session.
func (s *PostgresSink) CountBySession(ctx context.Context, sessionID string) (keys, pointer int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM keystroke_events WHERE session_id = $1),
			(SELECT COUNT(*) FROM pointer_events WHERE session_id = $1)
	`, sessionID).Scan(&keys, &pointer)
	return keys, pointer, err
}
