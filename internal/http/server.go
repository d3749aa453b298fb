package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/model"
	"rollcall/internal/session"
)

var (
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sessions_created_total",
		Help: "Sessions created by instructors.",
	})
	checkInsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_checkins_accepted_total",
		Help: "Scans that produced or confirmed a check-in record.",
	})
	checkInsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_checkins_rejected_total",
		Help: "Scans rejected, by reason.",
	}, []string{"reason"})
)

// RosterStore is the read side the dashboard handlers need beyond the
// manager and recorder.
type RosterStore interface {
	ListStudents(ctx context.Context) ([]model.Student, error)
	ListRecordsBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error)
	ListRecordsByStudent(ctx context.Context, studentID string) ([]model.AttendanceRecord, error)
}

type Server struct {
	cfg      config.Config
	manager  *session.Manager
	recorder *attendance.Recorder
	roster   RosterStore
}

func NewServer(cfg config.Config, manager *session.Manager, recorder *attendance.Recorder, roster RosterStore) *Server {
	return &Server{cfg: cfg, manager: manager, recorder: recorder, roster: roster}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.authMiddleware).Post("/sessions", s.handleCreateSession)
	r.With(s.authMiddleware).Post("/sessions/deactivate", s.handleDeactivateSession)
	r.With(s.authMiddleware).Get("/sessions", s.handleListSessions)
	r.With(s.authMiddleware).Get("/sessions/active", s.handleGetActiveSession)
	r.With(s.authMiddleware).Get("/sessions/{sessionId}/attendance", s.handleSessionAttendance)
	r.With(s.authMiddleware).Patch("/sessions/{sessionId}/attendance/{studentId}", s.handleToggleAttendance)
	r.With(s.authMiddleware).Post("/scan", s.handleScan)
	r.With(s.authMiddleware).Get("/me/attendance", s.handleMyAttendance)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// Models

type sessionResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	DurationMinutes int    `json:"durationMinutes"`
	QRPayload       string `json:"qrPayload,omitempty"`
	ExpiresAt       int64  `json:"expiresAt"`
	IsActive        bool   `json:"isActive"`
	CreatedAt       int64  `json:"createdAt"`
}

type recordResponse struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	StudentID   string `json:"studentId"`
	CheckInTime int64  `json:"checkInTime"`
	Status      string `json:"status"`
}

type scanRequest struct {
	Payload string `json:"payload"`
}

type scanResponse struct {
	Record          recordResponse `json:"record"`
	AlreadyRecorded bool           `json:"alreadyRecorded"`
}

type rosterEntryResponse struct {
	StudentID string `json:"studentId"`
	Name      string `json:"name"`
	Present   bool   `json:"present"`
}

type attendanceViewResponse struct {
	SessionID      string                `json:"sessionId"`
	AttendanceRate int                   `json:"attendanceRate"`
	Records        []recordResponse      `json:"records"`
	Roster         []rosterEntryResponse `json:"roster"`
}

type myAttendanceResponse struct {
	AttendanceRate int              `json:"attendanceRate"`
	Records        []recordResponse `json:"records"`
}

type toggleRequest struct {
	Status string `json:"status"`
}

// Handlers

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if !isInstructor(claims) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var input session.CreateInput
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	created, err := s.manager.Create(r.Context(), input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sessionsCreated.Inc()
	writeJSON(w, http.StatusCreated, mapSession(*created, true))
}

func (s *Server) handleDeactivateSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if !isInstructor(claims) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := s.manager.Deactivate(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if !isInstructor(claims) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	sessions, err := s.manager.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := make([]sessionResponse, 0, len(sessions))
	for _, item := range sessions {
		resp = append(resp, mapSession(item, true))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetActiveSession(w http.ResponseWriter, r *http.Request) {
	active, err := s.manager.Active(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if active == nil {
		writeError(w, http.StatusNotFound, "no_active_session")
		return
	}
	claims := claimsFromContext(r.Context())
	// Students get the session identity but not the payload text; only
	// the instructor's display shows the code.
	writeJSON(w, http.StatusOK, mapSession(*active, isInstructor(claims)))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims.UserType != "student" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req scanRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Payload) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	record, already, err := s.recorder.Record(r.Context(), req.Payload, claims.UserID)
	if err != nil {
		var recordErr *attendance.Error
		if errors.As(err, &recordErr) {
			checkInsRejected.WithLabelValues(recordErr.Code).Inc()
		}
		writeDomainError(w, err)
		return
	}
	checkInsAccepted.Inc()
	writeJSON(w, http.StatusOK, scanResponse{
		Record:          mapRecord(*record),
		AlreadyRecorded: already,
	})
}

func (s *Server) handleSessionAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if !isInstructor(claims) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	target, err := s.manager.Get(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if target == nil {
		writeError(w, http.StatusNotFound, "unknown_session")
		return
	}

	records, err := s.roster.ListRecordsBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	students, err := s.roster.ListStudents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := attendanceViewResponse{
		SessionID:      sessionID,
		AttendanceRate: attendance.Rate(records),
		Records:        mapRecords(records),
		Roster:         make([]rosterEntryResponse, 0, len(students)),
	}
	for _, entry := range attendance.Roster(students, records) {
		resp.Roster = append(resp.Roster, rosterEntryResponse{
			StudentID: entry.Student.ID,
			Name:      entry.Student.Name,
			Present:   entry.Present,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleToggleAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	status, err := normalizeStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}

	record, err := s.recorder.Toggle(r.Context(), chi.URLParam(r, "sessionId"), chi.URLParam(r, "studentId"), status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapRecord(*record))
}

func (s *Server) handleMyAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims.UserType != "student" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	records, err := s.roster.ListRecordsByStudent(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, myAttendanceResponse{
		AttendanceRate: attendance.Rate(records),
		Records:        mapRecords(records),
	})
}

// Mapping helpers

func mapSession(item model.Session, includePayload bool) sessionResponse {
	resp := sessionResponse{
		ID:              item.ID,
		Name:            item.Name,
		Date:            item.Date,
		Time:            item.Time,
		DurationMinutes: item.DurationMinutes,
		ExpiresAt:       item.ExpiresAt.Unix(),
		IsActive:        item.IsActive,
		CreatedAt:       item.CreatedAt.Unix(),
	}
	if includePayload {
		resp.QRPayload = item.QRPayload
	}
	return resp
}

func mapRecord(record model.AttendanceRecord) recordResponse {
	return recordResponse{
		ID:          record.ID,
		SessionID:   record.SessionID,
		StudentID:   record.StudentID,
		CheckInTime: record.CheckInTime.Unix(),
		Status:      string(record.Status),
	}
}

func mapRecords(records []model.AttendanceRecord) []recordResponse {
	resp := make([]recordResponse, 0, len(records))
	for _, record := range records {
		resp = append(resp, mapRecord(record))
	}
	return resp
}

func normalizeStatus(value string) (model.Status, error) {
	switch value {
	case "present":
		return model.StatusPresent, nil
	case "absent":
		return model.StatusAbsent, nil
	default:
		return "", errInvalid
	}
}

func isInstructor(claims *auth.Claims) bool {
	return claims != nil && (claims.UserType == "teacher" || claims.UserType == "admin")
}

// Error mapping

func writeDomainError(w http.ResponseWriter, err error) {
	var sessionErr *session.Error
	if errors.As(err, &sessionErr) {
		switch sessionErr.Code {
		case session.ErrInvalidInput:
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": sessionErr.Code,
				"field": sessionErr.Field,
			})
		default:
			writeError(w, http.StatusInternalServerError, sessionErr.Code)
		}
		return
	}
	var recordErr *attendance.Error
	if errors.As(err, &recordErr) {
		switch recordErr.Code {
		case attendance.ErrMalformedPayload:
			writeError(w, http.StatusBadRequest, recordErr.Code)
		case attendance.ErrUnknownSession:
			writeError(w, http.StatusNotFound, recordErr.Code)
		case attendance.ErrExpiredCode:
			// Distinguished from a generic failure so clients can show
			// the dedicated "code expired" affordance.
			writeError(w, http.StatusGone, recordErr.Code)
		default:
			writeError(w, http.StatusInternalServerError, recordErr.Code)
		}
		return
	}
	writeError(w, http.StatusInternalServerError, "server_error")
}

// Utilities

var errInvalid = errors.New("invalid value")

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
