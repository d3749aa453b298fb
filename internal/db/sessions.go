package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"rollcall/internal/model"
)

const sessionColumns = `id, name, meeting_date, meeting_time, duration_minutes, qr_payload, expires_at, is_active, created_at, updated_at`

// InsertActiveSession deactivates whatever session is currently active
// and inserts the new one as active, in a single transaction. The
// sessions_single_active index backs the invariant if two creates race.
func (s *Store) InsertActiveSession(ctx context.Context, session model.Session) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE sessions
			SET is_active = false, updated_at = $1
			WHERE is_active = true
		`, session.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, name, meeting_date, meeting_time, duration_minutes, qr_payload, expires_at, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, $9)
		`, session.ID, session.Name, session.Date, session.Time, session.DurationMinutes, session.QRPayload, session.ExpiresAt, session.CreatedAt, session.UpdatedAt)
		return err
	})
}

func (s *Store) DeactivateActiveSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE sessions
		SET is_active = false, updated_at = $1
		WHERE is_active = true
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SetSessionQRPayload(ctx context.Context, sessionID, payload string, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE sessions
		SET qr_payload = $1, updated_at = $2
		WHERE id = $3
	`, payload, now, sessionID)
	return err
}

// TouchSession bumps updated_at without changing anything else, so
// change subscriptions watching the row fire.
func (s *Store) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, now, sessionID)
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	return scanSession(row)
}

// GetActiveSession returns the row flagged active, or nil when there is
// none. Expiry is not checked here; that is a read-time policy owned by
// the lifecycle manager.
func (s *Store) GetActiveSession(ctx context.Context) (*model.Session, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE is_active = true`)
	return scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var session model.Session
		if err := rows.Scan(
			&session.ID,
			&session.Name,
			&session.Date,
			&session.Time,
			&session.DurationMinutes,
			&session.QRPayload,
			&session.ExpiresAt,
			&session.IsActive,
			&session.CreatedAt,
			&session.UpdatedAt,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var session model.Session
	err := row.Scan(
		&session.ID,
		&session.Name,
		&session.Date,
		&session.Time,
		&session.DurationMinutes,
		&session.QRPayload,
		&session.ExpiresAt,
		&session.IsActive,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}
