package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAgentMiddleware(t *testing.T) {
	now := time.Now()
	valid, err := IssueAgentToken("agent-secret", "ses_1", time.Hour, now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	expired, err := IssueAgentToken("agent-secret", "ses_1", time.Minute, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	wrongKey, err := IssueAgentToken("other-secret", "ses_1", time.Hour, now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "bearer header", header: "Bearer " + valid, want: http.StatusOK},
		{name: "query token", query: valid, want: http.StatusOK},
		{name: "missing", want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, want: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + wrongKey, want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSession string
			h := AgentMiddleware("agent-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotSession, _ = SessionIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))
			target := "/ws/agent/ses_1"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
			if tt.want == http.StatusOK && gotSession != "ses_1" {
				t.Fatalf("expected session ses_1 in context, got %q", gotSession)
			}
		})
	}
}

func TestWebhookSignatureBindsBody(t *testing.T) {
	body := []byte(`{"session_id":"ses_1"}`)
	sig, err := SignWebhook("hook-secret", "ses_1", body, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := VerifyWebhook("hook-secret", sig, body)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.SessionID != "ses_1" {
		t.Fatalf("expected sid ses_1, got %s", claims.SessionID)
	}
	if _, err := VerifyWebhook("hook-secret", sig, []byte(`{"session_id":"ses_2"}`)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered body, got %v", err)
	}
}

func TestAgentTokenNotAcceptedAsWebhookSignature(t *testing.T) {
	tok, err := IssueAgentToken("s", "ses_1", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := VerifyWebhook("s", tok, nil); err == nil {
		t.Fatalf("expected audience mismatch error")
	}
}
