package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/model"
	"rollcall/internal/qr"
	"rollcall/internal/session"
)

// memStore backs every store interface the server needs, with the same
// uniqueness behavior as the real tables.
type memStore struct {
	sessions []*model.Session
	records  []model.AttendanceRecord
	students []model.Student
}

func (m *memStore) InsertActiveSession(_ context.Context, s model.Session) error {
	for _, existing := range m.sessions {
		existing.IsActive = false
	}
	stored := s
	m.sessions = append(m.sessions, &stored)
	return nil
}

func (m *memStore) SetSessionQRPayload(_ context.Context, sessionID, payload string, _ time.Time) error {
	for _, existing := range m.sessions {
		if existing.ID == sessionID {
			existing.QRPayload = payload
		}
	}
	return nil
}

func (m *memStore) DeactivateActiveSessions(_ context.Context, _ time.Time) (int64, error) {
	var count int64
	for _, existing := range m.sessions {
		if existing.IsActive {
			existing.IsActive = false
			count++
		}
	}
	return count, nil
}

func (m *memStore) GetActiveSession(_ context.Context) (*model.Session, error) {
	for _, existing := range m.sessions {
		if existing.IsActive {
			copied := *existing
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	for _, existing := range m.sessions {
		if existing.ID == sessionID {
			copied := *existing
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListSessions(_ context.Context) ([]model.Session, error) {
	var sessions []model.Session
	for _, existing := range m.sessions {
		sessions = append(sessions, *existing)
	}
	return sessions, nil
}

func (m *memStore) InsertRecord(_ context.Context, record model.AttendanceRecord) error {
	for _, existing := range m.records {
		if existing.SessionID == record.SessionID && existing.StudentID == record.StudentID {
			return &pgconn.PgError{Code: "23505"}
		}
	}
	m.records = append(m.records, record)
	return nil
}

func (m *memStore) FindRecord(_ context.Context, sessionID, studentID string) (*model.AttendanceRecord, error) {
	for _, existing := range m.records {
		if existing.SessionID == sessionID && existing.StudentID == studentID {
			copied := existing
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateRecordStatus(_ context.Context, sessionID, studentID string, status model.Status) error {
	for i, existing := range m.records {
		if existing.SessionID == sessionID && existing.StudentID == studentID {
			m.records[i].Status = status
		}
	}
	return nil
}

func (m *memStore) ListStudents(_ context.Context) ([]model.Student, error) {
	return m.students, nil
}

func (m *memStore) ListRecordsBySession(_ context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	var records []model.AttendanceRecord
	for _, existing := range m.records {
		if existing.SessionID == sessionID {
			records = append(records, existing)
		}
	}
	return records, nil
}

func (m *memStore) ListRecordsByStudent(_ context.Context, studentID string) ([]model.AttendanceRecord, error) {
	var records []model.AttendanceRecord
	for _, existing := range m.records {
		if existing.StudentID == studentID {
			records = append(records, existing)
		}
	}
	return records, nil
}

func newTestServer(store *memStore) *httptest.Server {
	cfg := config.Config{JWTSecret: "test-secret", JWTIssuer: "rollcall", QRValidity: 10 * time.Minute}
	manager := session.NewManager(store, nil, cfg.QRValidity)
	recorder := attendance.NewRecorder(store, store)
	server := NewServer(cfg, manager, recorder, store)
	return httptest.NewServer(server.Router())
}

func token(t *testing.T, userID, userType string) string {
	t.Helper()
	signed, err := auth.NewAccessToken("test-secret", "rollcall", time.Minute, auth.Claims{
		UserID:   userID,
		UserType: userType,
	})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, method, url, bearer string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out.Bytes()
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal error body %q: %v", body, err)
	}
	return resp["error"]
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(&memStore{})
	defer ts.Close()

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/sessions/active", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if errorCode(t, body) != "missing_token" {
		t.Fatalf("expected missing_token, got %s", body)
	}
}

func TestCreateSessionForbiddenForStudents(t *testing.T) {
	ts := newTestServer(&memStore{})
	defer ts.Close()

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/sessions", token(t, "u1", "student"), map[string]interface{}{
		"name": "CS101", "date": "2024-01-10", "time": "09:00", "durationMinutes": 60,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	ts := newTestServer(&memStore{})
	defer ts.Close()

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/sessions", token(t, "t1", "teacher"), map[string]interface{}{
		"name": "", "date": "2024-01-10", "time": "09:00", "durationMinutes": 60,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var parsed map[string]string
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["error"] != "invalid_input" || parsed["field"] != "name" {
		t.Fatalf("expected invalid_input on name, got %s", body)
	}
}

func TestCreateAndScanFlow(t *testing.T) {
	store := &memStore{}
	ts := newTestServer(store)
	defer ts.Close()

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/sessions", token(t, "t1", "teacher"), map[string]interface{}{
		"name": "CS101", "date": "2024-01-10", "time": "09:00", "durationMinutes": 60,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var created sessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !created.IsActive || created.QRPayload == "" {
		t.Fatalf("expected an active session with a payload, got %s", body)
	}
	if created.ExpiresAt != created.CreatedAt+600 {
		t.Fatalf("expected expiry createdAt+10m, got %d vs %d", created.ExpiresAt, created.CreatedAt)
	}

	// Students see the active session without the payload text.
	resp, body = doRequest(t, http.MethodGet, ts.URL+"/sessions/active", token(t, "u1", "student"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var active sessionResponse
	if err := json.Unmarshal(body, &active); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if active.ID != created.ID || active.QRPayload != "" {
		t.Fatalf("expected payload hidden from students, got %s", body)
	}

	// First scan records, second reports already recorded.
	resp, body = doRequest(t, http.MethodPost, ts.URL+"/scan", token(t, "u1", "student"), scanRequest{Payload: created.QRPayload})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var first scanResponse
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.AlreadyRecorded || first.Record.Status != "present" || first.Record.StudentID != "u1" {
		t.Fatalf("unexpected scan response: %s", body)
	}

	resp, body = doRequest(t, http.MethodPost, ts.URL+"/scan", token(t, "u1", "student"), scanRequest{Payload: created.QRPayload})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var second scanResponse
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !second.AlreadyRecorded || second.Record.ID != first.Record.ID {
		t.Fatalf("expected the existing record back, got %s", body)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected one stored record, got %d", len(store.records))
	}
}

func TestScanErrorMapping(t *testing.T) {
	now := time.Now().UTC()
	expired := model.Session{
		ID: "11111111-1111-1111-1111-111111111111", Name: "CS100",
		Date: "2024-01-09", Time: "09:00", DurationMinutes: 60,
		ExpiresAt: now.Add(-time.Minute), IsActive: true, CreatedAt: now.Add(-11 * time.Minute),
	}
	expiredPayload, err := qr.Encode(expired, expired.CreatedAt, 10*time.Minute)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	unknown := model.Session{
		ID: "22222222-2222-2222-2222-222222222222", Name: "CS999",
		Date: "2024-01-09", Time: "09:00", DurationMinutes: 60,
	}
	unknownPayload, err := qr.Encode(unknown, now, 10*time.Minute)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	store := &memStore{}
	stored := expired
	store.sessions = append(store.sessions, &stored)
	ts := newTestServer(store)
	defer ts.Close()

	bearer := token(t, "u1", "student")
	cases := []struct {
		payload string
		status  int
		code    string
	}{
		{"garbage", http.StatusBadRequest, "malformed_payload"},
		{unknownPayload, http.StatusNotFound, "unknown_session"},
		{expiredPayload, http.StatusGone, "code_expired"},
	}
	for _, tc := range cases {
		resp, body := doRequest(t, http.MethodPost, ts.URL+"/scan", bearer, scanRequest{Payload: tc.payload})
		if resp.StatusCode != tc.status {
			t.Fatalf("payload %q: expected %d, got %d", tc.payload, tc.status, resp.StatusCode)
		}
		if errorCode(t, body) != tc.code {
			t.Fatalf("payload %q: expected %s, got %s", tc.payload, tc.code, body)
		}
	}
}

func TestSessionAttendanceView(t *testing.T) {
	store := &memStore{
		students: []model.Student{
			{ID: "u1", Name: "Ada"},
			{ID: "u2", Name: "Grace"},
		},
	}
	ts := newTestServer(store)
	defer ts.Close()

	teacher := token(t, "t1", "teacher")
	resp, body := doRequest(t, http.MethodPost, ts.URL+"/sessions", teacher, map[string]interface{}{
		"name": "CS101", "date": "2024-01-10", "time": "09:00", "durationMinutes": 60,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created sessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/scan", token(t, "u1", "student"), scanRequest{Payload: created.QRPayload})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scan failed: %d", resp.StatusCode)
	}

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/sessions/"+created.ID+"/attendance", teacher, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var view attendanceViewResponse
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.AttendanceRate != 100 || len(view.Records) != 1 {
		t.Fatalf("unexpected view: %s", body)
	}
	present := map[string]bool{}
	for _, entry := range view.Roster {
		present[entry.StudentID] = entry.Present
	}
	if !present["u1"] || present["u2"] {
		t.Fatalf("expected u1 present and u2 derived absent, got %s", body)
	}
}

func TestToggleAttendance(t *testing.T) {
	store := &memStore{}
	ts := newTestServer(store)
	defer ts.Close()

	admin := token(t, "a1", "admin")
	resp, body := doRequest(t, http.MethodPost, ts.URL+"/sessions", admin, map[string]interface{}{
		"name": "CS101", "date": "2024-01-10", "time": "09:00", "durationMinutes": 60,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created sessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	url := ts.URL + "/sessions/" + created.ID + "/attendance/u2"
	resp, body = doRequest(t, http.MethodPatch, url, admin, toggleRequest{Status: "absent"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var record recordResponse
	if err := json.Unmarshal(body, &record); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if record.Status != "absent" {
		t.Fatalf("expected absent, got %s", record.Status)
	}

	resp, _ = doRequest(t, http.MethodPatch, url, token(t, "t1", "teacher"), toggleRequest{Status: "present"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin toggle, got %d", resp.StatusCode)
	}
}

func TestNormalizeStatus(t *testing.T) {
	if _, err := normalizeStatus("present"); err != nil {
		t.Fatalf("expected present to be valid")
	}
	if _, err := normalizeStatus("absent"); err != nil {
		t.Fatalf("expected absent to be valid")
	}
	if _, err := normalizeStatus("late"); err == nil {
		t.Fatalf("expected unknown status to error")
	}
}

func TestBearerToken(t *testing.T) {
	if got := bearerToken("Bearer abc"); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	if got := bearerToken("bearer abc"); got != "abc" {
		t.Fatalf("expected case-insensitive scheme, got %q", got)
	}
	if got := bearerToken("Basic abc"); got != "" {
		t.Fatalf("expected empty for wrong scheme, got %q", got)
	}
	if got := bearerToken(""); got != "" {
		t.Fatalf("expected empty for missing header, got %q", got)
	}
}
