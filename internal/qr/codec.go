// Package qr encodes and decodes the text payload embedded in a session
// QR code. Rendering the image and reading it back off a camera are the
// client's job; this package only deals in the decoded text.
package qr

import (
	"encoding/json"
	"time"

	"rollcall/internal/model"
)

const ErrMalformedPayload = "malformed_payload"

type Error struct {
	Code string
}

func (e *Error) Error() string {
	return e.Code
}

// Payload mirrors the session it was issued for. It is never mutated
// after encoding and carries its own validity window so a scanner can
// be told "expired" even if the session row is gone.
type Payload struct {
	SessionID           string `json:"sessionId"`
	Name                string `json:"name"`
	Date                string `json:"date"`
	Time                string `json:"time"`
	Duration            int    `json:"duration"`
	GeneratedAt         int64  `json:"generatedAt"`
	ExpiresAfterMinutes int    `json:"expiresAfterMinutes"`
}

// Encode serializes a session reference to the compact JSON text placed
// in the QR image. generatedAt is fixed at encode time; everything else
// derives from the session, so encoding the same session twice with the
// same timestamp yields the same bytes.
func Encode(session model.Session, generatedAt time.Time, validity time.Duration) (string, error) {
	payload := Payload{
		SessionID:           session.ID,
		Name:                session.Name,
		Date:                session.Date,
		Time:                session.Time,
		Duration:            session.DurationMinutes,
		GeneratedAt:         generatedAt.UTC().UnixMilli(),
		ExpiresAfterMinutes: int(validity.Minutes()),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses scanned text back into a payload. It fails on anything
// that is not the expected structure or that lacks a session id. It
// never checks expiry or store existence; that belongs to the recorder,
// which keeps this a pure function.
func Decode(text string) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return Payload{}, &Error{Code: ErrMalformedPayload}
	}
	if payload.SessionID == "" {
		return Payload{}, &Error{Code: ErrMalformedPayload}
	}
	return payload, nil
}
