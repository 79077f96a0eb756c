package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meetrec/meetrec-control-plane/internal/config"
	"github.com/meetrec/meetrec-control-plane/internal/model"
	"github.com/meetrec/meetrec-control-plane/internal/session"
)

type mockManager struct {
	createFn func(context.Context, session.CreateRequest) (model.SessionView, error)
	getFn    func(string) (model.SessionView, error)
	listFn   func() []model.SessionView
	stopFn   func(string) error
	deleteFn func(string) error
}

func (m *mockManager) Create(ctx context.Context, req session.CreateRequest) (model.SessionView, error) {
	if m.createFn != nil {
		return m.createFn(ctx, req)
	}
	return model.SessionView{}, nil
}

func (m *mockManager) Get(id string) (model.SessionView, error) {
	if m.getFn != nil {
		return m.getFn(id)
	}
	return model.SessionView{}, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
}

func (m *mockManager) List() iter.Seq[model.SessionView] {
	return func(yield func(model.SessionView) bool) {
		if m.listFn == nil {
			return
		}
		for _, v := range m.listFn() {
			if !yield(v) {
				return
			}
		}
	}
}

func (m *mockManager) ActiveCount() int {
	n := 0
	for v := range m.List() {
		if v.Status.Active() {
			n++
		}
	}
	return n
}

func (m *mockManager) Stop(id string) error {
	if m.stopFn != nil {
		return m.stopFn(id)
	}
	return fmt.Errorf("session %s: %w", id, model.ErrNotFound)
}

func (m *mockManager) Delete(id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(id)
	}
	return fmt.Errorf("session %s: %w", id, model.ErrNotFound)
}

func testConfig() config.Config {
	return config.Config{Version: "1.0.0", AgentSecret: "test-secret"}
}

func jsonBody(v any) *bytes.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func serve(t *testing.T, mm *mockManager, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	NewRouter(testConfig(), mm, nil).ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func joiningView(id string) model.SessionView {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return model.SessionView{
		Session: model.Session{
			ID:          id,
			MeetingURL:  "https://teams.microsoft.com/l/meetup-join/abc",
			DisplayName: "Bot",
			RecordAudio: true,
			Status:      model.SessionJoining,
			StartedAt:   started,
		},
		SnapshotAt: started.Add(5 * time.Second),
	}
}

func TestJoin_DefaultsAndResponseShape(t *testing.T) {
	var got session.CreateRequest
	mm := &mockManager{
		createFn: func(_ context.Context, req session.CreateRequest) (model.SessionView, error) {
			got = req
			return joiningView("ses_1"), nil
		},
	}
	rr := serve(t, mm, httptest.NewRequest(http.MethodPost, "/join", jsonBody(map[string]any{
		"meeting_url":          "https://teams.microsoft.com/l/meetup-join/abc",
		"display_name":         "Bot",
		"max_duration_minutes": 1,
	})))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !got.RecordAudio {
		t.Fatalf("expected record_audio to default to true")
	}
	if got.MaxDuration != time.Minute {
		t.Fatalf("expected max duration 1m, got %s", got.MaxDuration)
	}
	body := decode(t, rr)
	if body["success"] != true {
		t.Fatalf("expected success=true, got %v", body["success"])
	}
	sess, _ := body["session"].(map[string]any)
	if sess["session_id"] != "ses_1" || sess["status"] != "joining" || sess["started_at"] != "2026-03-01T10:00:00Z" {
		t.Fatalf("unexpected session body: %v", sess)
	}
}

func TestJoin_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		body any
		err  error
	}{
		{name: "zero max duration", body: map[string]any{"meeting_url": "https://x.example/m", "display_name": "Bot", "max_duration_minutes": 0}},
		{name: "malformed json", body: "{"},
		{name: "manager rejects", body: map[string]any{"meeting_url": "", "display_name": "Bot"}, err: fmt.Errorf("meeting_url is required: %w", model.ErrInvalidInput)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			mm := &mockManager{
				createFn: func(context.Context, session.CreateRequest) (model.SessionView, error) {
					calls++
					return model.SessionView{}, tc.err
				},
			}
			var req *http.Request
			if raw, ok := tc.body.(string); ok {
				req = httptest.NewRequest(http.MethodPost, "/join", bytes.NewBufferString(raw))
			} else {
				req = httptest.NewRequest(http.MethodPost, "/join", jsonBody(tc.body))
			}
			rr := serve(t, mm, req)
			if rr.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
			}
			if tc.err == nil && calls != 0 {
				t.Fatalf("expected manager not to be called, got %d calls", calls)
			}
			errBody, _ := decode(t, rr)["error"].(map[string]any)
			if errBody["code"] != "invalid_request" {
				t.Fatalf("expected invalid_request, got %v", errBody["code"])
			}
		})
	}
}

func TestJoin_ShuttingDownReturns503(t *testing.T) {
	mm := &mockManager{
		createFn: func(context.Context, session.CreateRequest) (model.SessionView, error) {
			return model.SessionView{}, session.ErrShuttingDown
		},
	}
	rr := serve(t, mm, httptest.NewRequest(http.MethodPost, "/join", jsonBody(map[string]any{
		"meeting_url": "https://x.example/m", "display_name": "Bot",
	})))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	recStart := time.Date(2026, 3, 1, 10, 0, 10, 0, time.UTC)
	mm := &mockManager{
		getFn: func(id string) (model.SessionView, error) {
			if id != "ses_1" {
				return model.SessionView{}, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
			}
			v := joiningView(id)
			v.Status = model.SessionRecording
			v.RecordingStartedAt = &recStart
			v.OutputPath = "recordings/ses_1.wav"
			v.SnapshotAt = recStart.Add(50 * time.Second)
			return v, nil
		},
	}

	rr := serve(t, mm, httptest.NewRequest(http.MethodGet, "/status/ses_1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decode(t, rr)
	if body["status"] != "recording" {
		t.Fatalf("expected recording, got %v", body["status"])
	}
	if body["uptime_seconds"] != float64(60) || body["recording_duration_seconds"] != float64(50) {
		t.Fatalf("unexpected durations: uptime=%v recording=%v", body["uptime_seconds"], body["recording_duration_seconds"])
	}
	if body["recording_file"] != "recordings/ses_1.wav" {
		t.Fatalf("unexpected recording_file %v", body["recording_file"])
	}

	rr = serve(t, mm, httptest.NewRequest(http.MethodGet, "/status/unknown-id", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestStatus_RecordingFileNullBeforeCapture(t *testing.T) {
	mm := &mockManager{
		getFn: func(id string) (model.SessionView, error) {
			return joiningView(id), nil
		},
	}
	body := decode(t, serve(t, mm, httptest.NewRequest(http.MethodGet, "/status/ses_1", nil)))
	v, ok := body["recording_file"]
	if !ok || v != nil {
		t.Fatalf("expected recording_file null, got %v (present=%t)", v, ok)
	}
}

func TestSessionsAndInfo(t *testing.T) {
	stopped := joiningView("ses_2")
	stopped.Status = model.SessionStopped
	mm := &mockManager{
		listFn: func() []model.SessionView {
			return []model.SessionView{joiningView("ses_1"), stopped}
		},
	}

	body := decode(t, serve(t, mm, httptest.NewRequest(http.MethodGet, "/sessions", nil)))
	if body["active_sessions"] != float64(1) {
		t.Fatalf("expected 1 active session, got %v", body["active_sessions"])
	}
	if list, _ := body["sessions"].([]any); len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %v", body["sessions"])
	}

	info := decode(t, serve(t, mm, httptest.NewRequest(http.MethodGet, "/", nil)))
	if info["status"] != "running" || info["version"] != "1.0.0" || info["active_sessions"] != float64(1) {
		t.Fatalf("unexpected info body: %v", info)
	}
}

func TestStop(t *testing.T) {
	stops := 0
	mm := &mockManager{
		stopFn: func(id string) error {
			if id != "ses_1" {
				return fmt.Errorf("session %s: %w", id, model.ErrNotFound)
			}
			stops++
			return nil
		},
		getFn: func(id string) (model.SessionView, error) {
			v := joiningView(id)
			v.Status = model.SessionStopping
			return v, nil
		},
	}

	rr := serve(t, mm, httptest.NewRequest(http.MethodPost, "/stop/ses_1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decode(t, rr); body["success"] != true {
		t.Fatalf("expected success, got %v", body)
	}
	if stops != 1 {
		t.Fatalf("expected one stop call, got %d", stops)
	}

	rr = serve(t, mm, httptest.NewRequest(http.MethodPost, "/stop/ses_missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "active session conflicts", err: fmt.Errorf("session ses_1 is recording: %w", model.ErrConflict), wantCode: http.StatusConflict},
		{name: "unknown session", err: fmt.Errorf("session ses_1: %w", model.ErrNotFound), wantCode: http.StatusNotFound},
		{name: "terminal session removed", wantCode: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mm := &mockManager{deleteFn: func(string) error { return tc.err }}
			rr := serve(t, mm, httptest.NewRequest(http.MethodDelete, "/session/ses_1", nil))
			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d body=%s", tc.wantCode, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestDownload(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "ses_1.wav")
	if err := os.WriteFile(local, []byte("RIFF----WAVEfmt "), 0o644); err != nil {
		t.Fatalf("write recording: %v", err)
	}

	tests := []struct {
		name     string
		session  model.Session
		wantCode int
	}{
		{name: "local file", session: model.Session{ID: "ses_1", OutputPath: local, StorageLocation: local, StorageBackend: "local"}, wantCode: http.StatusOK},
		{name: "still recording", session: model.Session{ID: "ses_1", OutputPath: local}, wantCode: http.StatusOK},
		{name: "object storage only", session: model.Session{ID: "ses_1", OutputPath: filepath.Join(dir, "gone.wav"), StorageLocation: "s3://recordings/ses_1/ses_1.wav"}, wantCode: http.StatusNotFound},
		{name: "no recording", session: model.Session{ID: "ses_1"}, wantCode: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mm := &mockManager{
				getFn: func(string) (model.SessionView, error) {
					return model.SessionView{Session: tc.session}, nil
				},
			}
			rr := serve(t, mm, httptest.NewRequest(http.MethodGet, "/download/ses_1", nil))
			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d body=%s", tc.wantCode, rr.Code, rr.Body.String())
			}
			if tc.wantCode == http.StatusOK {
				if ct := rr.Header().Get("Content-Type"); ct != "audio/wav" {
					t.Fatalf("expected audio/wav, got %q", ct)
				}
				if rr.Body.String() != "RIFF----WAVEfmt " {
					t.Fatalf("unexpected body %q", rr.Body.String())
				}
			}
		})
	}
}

func TestErrorEnvelopeCarriesRequestID(t *testing.T) {
	rr := serve(t, &mockManager{}, httptest.NewRequest(http.MethodGet, "/status/nope", nil))
	errBody, _ := decode(t, rr)["error"].(map[string]any)
	if errBody["code"] != "not_found" {
		t.Fatalf("expected not_found, got %v", errBody["code"])
	}
	if id, _ := errBody["request_id"].(string); id == "" {
		t.Fatalf("expected request_id in error envelope")
	}
}
