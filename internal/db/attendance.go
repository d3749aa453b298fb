package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"rollcall/internal/model"
)

const recordColumns = `id, session_id, student_id, check_in_time, status`

// InsertRecord inserts a check-in row. A duplicate (session, student)
// pair surfaces as a pgconn.PgError with code 23505; callers resolve
// that to the existing row rather than treating it as a failure.
func (s *Store) InsertRecord(ctx context.Context, record model.AttendanceRecord) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, check_in_time, status)
		VALUES ($1, $2, $3, $4, $5)
	`, record.ID, record.SessionID, record.StudentID, record.CheckInTime, record.Status)
	return err
}

func (s *Store) FindRecord(ctx context.Context, sessionID, studentID string) (*model.AttendanceRecord, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	return scanRecord(row)
}

func (s *Store) UpdateRecordStatus(ctx context.Context, sessionID, studentID string, status model.Status) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE attendance_records
		SET status = $1
		WHERE session_id = $2 AND student_id = $3
	`, status, sessionID, studentID)
	return err
}

func (s *Store) ListRecordsBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY check_in_time
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (s *Store) ListRecordsByStudent(ctx context.Context, studentID string) ([]model.AttendanceRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE student_id = $1
		ORDER BY check_in_time DESC
	`, studentID)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]model.AttendanceRecord, error) {
	defer rows.Close()
	var records []model.AttendanceRecord
	for rows.Next() {
		var record model.AttendanceRecord
		if err := rows.Scan(&record.ID, &record.SessionID, &record.StudentID, &record.CheckInTime, &record.Status); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (*model.AttendanceRecord, error) {
	var record model.AttendanceRecord
	err := row.Scan(&record.ID, &record.SessionID, &record.StudentID, &record.CheckInTime, &record.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
