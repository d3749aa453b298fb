// Package attendance validates scans against the active session and
// writes check-in records, plus the read-side aggregations the
// dashboards consume.
package attendance

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"rollcall/internal/model"
	"rollcall/internal/qr"
)

const (
	ErrMalformedPayload = "malformed_payload"
	ErrUnknownSession   = "unknown_session"
	ErrExpiredCode      = "code_expired"
	ErrStorage          = "storage_error"
)

type Error struct {
	Code string
}

func (e *Error) Error() string {
	return e.Code
}

type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
}

type RecordStore interface {
	InsertRecord(ctx context.Context, record model.AttendanceRecord) error
	FindRecord(ctx context.Context, sessionID, studentID string) (*model.AttendanceRecord, error)
	UpdateRecordStatus(ctx context.Context, sessionID, studentID string, status model.Status) error
}

type Recorder struct {
	sessions SessionStore
	records  RecordStore
	now      func() time.Time
}

func NewRecorder(sessions SessionStore, records RecordStore) *Recorder {
	return &Recorder{sessions: sessions, records: records, now: time.Now}
}

// Record validates scanned QR text for a student and writes a check-in
// if none exists yet. A repeat scan is not an error: the existing record
// comes back with already=true so the caller can say "already checked
// in" instead of failing.
func (r *Recorder) Record(ctx context.Context, rawText, studentID string) (*model.AttendanceRecord, bool, error) {
	payload, err := qr.Decode(rawText)
	if err != nil {
		return nil, false, &Error{Code: ErrMalformedPayload}
	}

	session, err := r.sessions.GetSession(ctx, payload.SessionID)
	if err != nil {
		log.Printf("session lookup failed for scan: %v", err)
		return nil, false, &Error{Code: ErrStorage}
	}
	if session == nil {
		return nil, false, &Error{Code: ErrUnknownSession}
	}

	now := r.now().UTC()
	if session.Expired(now) {
		return nil, false, &Error{Code: ErrExpiredCode}
	}

	existing, err := r.records.FindRecord(ctx, session.ID, studentID)
	if err != nil {
		log.Printf("record lookup failed for scan: %v", err)
		return nil, false, &Error{Code: ErrStorage}
	}
	if existing != nil {
		return existing, true, nil
	}

	record := model.AttendanceRecord{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		StudentID:   studentID,
		CheckInTime: now,
		Status:      model.StatusPresent,
	}
	if err := r.records.InsertRecord(ctx, record); err != nil {
		// A concurrent duplicate scan lost the race to the unique
		// (session_id, student_id) index; resolve to the stored row.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			stored, findErr := r.records.FindRecord(ctx, session.ID, studentID)
			if findErr == nil && stored != nil {
				return stored, true, nil
			}
		}
		log.Printf("record insert failed: %v", err)
		return nil, false, &Error{Code: ErrStorage}
	}
	return &record, false, nil
}

// Toggle is the admin write path flipping a student's status for a
// session. It is the only place an "absent" row is ever materialized;
// everywhere else absence is derived from the missing record.
func (r *Recorder) Toggle(ctx context.Context, sessionID, studentID string, status model.Status) (*model.AttendanceRecord, error) {
	session, err := r.sessions.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("session lookup failed for toggle: %v", err)
		return nil, &Error{Code: ErrStorage}
	}
	if session == nil {
		return nil, &Error{Code: ErrUnknownSession}
	}

	existing, err := r.records.FindRecord(ctx, sessionID, studentID)
	if err != nil {
		log.Printf("record lookup failed for toggle: %v", err)
		return nil, &Error{Code: ErrStorage}
	}
	if existing != nil {
		if err := r.records.UpdateRecordStatus(ctx, sessionID, studentID, status); err != nil {
			log.Printf("record status update failed: %v", err)
			return nil, &Error{Code: ErrStorage}
		}
		existing.Status = status
		return existing, nil
	}

	record := model.AttendanceRecord{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		StudentID:   studentID,
		CheckInTime: r.now().UTC(),
		Status:      status,
	}
	if err := r.records.InsertRecord(ctx, record); err != nil {
		log.Printf("record insert failed for toggle: %v", err)
		return nil, &Error{Code: ErrStorage}
	}
	return &record, nil
}
