// Package session owns the session lifecycle: creation, the single
// active session invariant, and read-time expiry.
package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"rollcall/internal/model"
	"rollcall/internal/qr"
)

const (
	ErrInvalidInput = "invalid_input"
	ErrStorage      = "storage_error"
)

type Error struct {
	Code  string
	Field string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return e.Code + ": " + e.Field
	}
	return e.Code
}

// Store is the persistent session table.
type Store interface {
	InsertActiveSession(ctx context.Context, session model.Session) error
	SetSessionQRPayload(ctx context.Context, sessionID, payload string, now time.Time) error
	DeactivateActiveSessions(ctx context.Context, now time.Time) (int64, error)
	GetActiveSession(ctx context.Context) (*model.Session, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	ListSessions(ctx context.Context) ([]model.Session, error)
}

// Notifier fans out "active session changed" to whoever is listening.
// A nil session means the active session was cleared.
type Notifier interface {
	SessionChanged(ctx context.Context, session *model.Session)
}

type CreateInput struct {
	Name            string `json:"name" validate:"required"`
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
	Time            string `json:"time" validate:"required,datetime=15:04"`
	DurationMinutes int    `json:"durationMinutes" validate:"required,min=1"`
}

type Manager struct {
	store    Store
	notifier Notifier
	validity time.Duration
	validate *validator.Validate
	now      func() time.Time
}

func NewManager(store Store, notifier Notifier, validity time.Duration) *Manager {
	return &Manager{
		store:    store,
		notifier: notifier,
		validity: validity,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Create validates the input, deactivates whatever session is active and
// inserts the new one as active in a single transaction, then issues the
// QR payload and persists it on the row for audit.
func (m *Manager) Create(ctx context.Context, input CreateInput) (*model.Session, error) {
	if err := m.validate.Struct(input); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, &Error{Code: ErrInvalidInput, Field: strings.ToLower(fieldErrs[0].Field())}
		}
		return nil, &Error{Code: ErrInvalidInput}
	}

	now := m.now().UTC()
	session := model.Session{
		ID:              uuid.NewString(),
		Name:            input.Name,
		Date:            input.Date,
		Time:            input.Time,
		DurationMinutes: input.DurationMinutes,
		ExpiresAt:       now.Add(m.validity),
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := m.store.InsertActiveSession(ctx, session); err != nil {
		log.Printf("session insert failed: %v", err)
		return nil, &Error{Code: ErrStorage}
	}

	payload, err := qr.Encode(session, now, m.validity)
	if err != nil {
		log.Printf("qr encode failed for session %s: %v", session.ID, err)
		return nil, &Error{Code: ErrStorage}
	}
	session.QRPayload = payload

	// The payload copy on the row is for audit and regeneration; a
	// failure here leaves the session usable, so it is logged and the
	// create still succeeds.
	if err := m.store.SetSessionQRPayload(ctx, session.ID, payload, now); err != nil {
		log.Printf("qr payload persist failed for session %s: %v", session.ID, err)
	}

	if m.notifier != nil {
		m.notifier.SessionChanged(ctx, &session)
	}
	return &session, nil
}

// Active returns the session currently accepting check-ins, or nil. A
// row still flagged active past its expiry reads as "no active session";
// the flag is never swept, only observed.
func (m *Manager) Active(ctx context.Context) (*model.Session, error) {
	session, err := m.store.GetActiveSession(ctx)
	if err != nil {
		log.Printf("active session read failed: %v", err)
		return nil, &Error{Code: ErrStorage}
	}
	if session == nil || session.Expired(m.now().UTC()) {
		return nil, nil
	}
	return session, nil
}

// Deactivate ends the active session without starting a new one.
func (m *Manager) Deactivate(ctx context.Context) error {
	if _, err := m.store.DeactivateActiveSessions(ctx, m.now().UTC()); err != nil {
		log.Printf("session deactivate failed: %v", err)
		return &Error{Code: ErrStorage}
	}
	if m.notifier != nil {
		m.notifier.SessionChanged(ctx, nil)
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("session read failed: %v", err)
		return nil, &Error{Code: ErrStorage}
	}
	return session, nil
}

func (m *Manager) List(ctx context.Context) ([]model.Session, error) {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		log.Printf("session list failed: %v", err)
		return nil, &Error{Code: ErrStorage}
	}
	return sessions, nil
}
