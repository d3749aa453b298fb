package model

import "time"

type Session struct {
	ID              string
	Name            string
	Date            string // YYYY-MM-DD
	Time            string // HH:MM
	DurationMinutes int
	QRPayload       string
	ExpiresAt       time.Time
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Expired reports whether the QR code issued for this session is no
// longer accepted for new check-ins. The is_active flag is flipped
// lazily, so readers check this rather than the flag alone.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

type AttendanceRecord struct {
	ID          string
	SessionID   string
	StudentID   string
	CheckInTime time.Time
	Status      Status
}

type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

type Student struct {
	ID   string
	Name string
}
