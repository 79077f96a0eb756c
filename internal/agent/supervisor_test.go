package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/meetrec/meetrec-control-plane/internal/auth"
)

const testSecret = "agent-test-secret"

func newTestServer(t *testing.T, sup *Supervisor) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.With(auth.AgentMiddleware(testSecret)).Get("/ws/agent/{session_id}", sup.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialAgent(t *testing.T, srv *httptest.Server, sessionID, token string) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent/" + sessionID
	c, _, err := ws.Dial(ctx, url, &ws.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func send(t *testing.T, c *ws.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func nextEvent(t *testing.T, h Handle) Event {
	t.Helper()
	select {
	case ev := <-h.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for agent event")
	}
	return Event{}
}

func launch(t *testing.T, sup *Supervisor, sessionID string) *handle {
	t.Helper()
	h, err := sup.Launch(context.Background(), Request{SessionID: sessionID, MeetingURL: "https://meet.example.com/abc", DisplayName: "Bot"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	t.Cleanup(h.Close)
	return h.(*handle)
}

func TestSupervisor_RelaysLifecycleEvents(t *testing.T) {
	sup := NewSupervisor(SupervisorOptions{Secret: testSecret})
	srv := newTestServer(t, sup)
	h := launch(t, sup, "ses_1")

	c := dialAgent(t, srv, "ses_1", h.token)
	defer c.Close(ws.StatusNormalClosure, "")

	send(t, c, map[string]any{"type": "in_lobby"})
	send(t, c, map[string]any{"type": "participants", "participants": 1})
	send(t, c, map[string]any{"type": "admitted"})
	send(t, c, map[string]any{"type": "admitted"})
	send(t, c, map[string]any{"type": "participants", "participants": 4})
	send(t, c, map[string]any{"type": "participants", "participants": 1})

	want := []EventType{EventInLobby, EventAdmitted, EventLeftAlone}
	for _, w := range want {
		if got := nextEvent(t, h); got.Type != w {
			t.Fatalf("expected %s, got %s", w, got.Type)
		}
	}
}

func TestSupervisor_RequestLeaveSendsLeaveFrame(t *testing.T) {
	sup := NewSupervisor(SupervisorOptions{Secret: testSecret})
	srv := newTestServer(t, sup)
	h := launch(t, sup, "ses_1")

	c := dialAgent(t, srv, "ses_1", h.token)
	defer c.Close(ws.StatusNormalClosure, "")
	send(t, c, map[string]any{"type": "admitted"})
	nextEvent(t, h)

	if err := h.RequestLeave(context.Background()); err != nil {
		t.Fatalf("RequestLeave: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got map[string]string
	if err := wsjson.Read(ctx, c, &got); err != nil {
		t.Fatalf("read leave frame: %v", err)
	}
	if got["type"] != "leave" {
		t.Fatalf("expected leave frame, got %v", got)
	}

	// Disconnecting after a requested leave is not a failure.
	_ = c.Close(ws.StatusNormalClosure, "bye")
	select {
	case ev := <-h.Events():
		t.Fatalf("unexpected event after leave: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSupervisor_DisconnectWithoutTerminalEventIsFailure(t *testing.T) {
	sup := NewSupervisor(SupervisorOptions{Secret: testSecret})
	srv := newTestServer(t, sup)
	h := launch(t, sup, "ses_1")

	c := dialAgent(t, srv, "ses_1", h.token)
	send(t, c, map[string]any{"type": "admitted"})
	nextEvent(t, h)
	_ = c.Close(ws.StatusGoingAway, "crash")

	ev := nextEvent(t, h)
	if ev.Type != EventError || ev.Detail != "agent disconnected" {
		t.Fatalf("expected agent_error on disconnect, got %+v", ev)
	}
}

func TestSupervisor_RejectsTokenForOtherSession(t *testing.T) {
	sup := NewSupervisor(SupervisorOptions{Secret: testSecret})
	srv := newTestServer(t, sup)
	launch(t, sup, "ses_1")
	other := launch(t, sup, "ses_2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent/ses_1"
	_, resp, err := ws.Dial(ctx, url, &ws.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + other.token}},
	})
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestSupervisor_LaunchTwiceFails(t *testing.T) {
	sup := NewSupervisor(SupervisorOptions{Secret: testSecret})
	launch(t, sup, "ses_1")
	if _, err := sup.Launch(context.Background(), Request{SessionID: "ses_1"}); err == nil {
		t.Fatalf("expected duplicate launch to fail")
	}
}

func helperExec(mode string) CommandFunc {
	return func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, os.Args[0], "-test.run=^TestHelperAgent$", "--", "helper-agent", mode)
	}
}

// TestHelperAgent stands in for the browser agent when run as a subprocess.
func TestHelperAgent(t *testing.T) {
	i := slices.Index(os.Args, "helper-agent")
	if i < 0 || i+1 >= len(os.Args) {
		return
	}
	fmt.Println("joining", os.Getenv("MEETREC_SESSION_ID"), os.Getenv("PULSE_SINK"))
	switch os.Args[i+1] {
	case "crash":
		fmt.Fprintln(os.Stderr, "browser crashed")
		os.Exit(1)
	case "hang":
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func TestSupervisor_ProcessExitIsFailure(t *testing.T) {
	sup := NewSupervisor(SupervisorOptions{Secret: testSecret, Command: "meeting-agent --headless", Exec: helperExec("crash")})
	h, err := sup.Launch(context.Background(), Request{SessionID: "ses_1", SinkName: "meetrec_ses_1"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer h.Close()

	ev := nextEvent(t, h)
	if ev.Type != EventError || !strings.Contains(ev.Detail, "exit status 1") {
		t.Fatalf("expected agent_error with exit status, got %+v", ev)
	}
}

func TestSupervisor_RequestLeaveKillsHungProcess(t *testing.T) {
	sup := NewSupervisor(SupervisorOptions{
		Secret:       testSecret,
		Command:      "meeting-agent",
		LeaveTimeout: 100 * time.Millisecond,
		Exec:         helperExec("hang"),
	})
	h, err := sup.Launch(context.Background(), Request{SessionID: "ses_1"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer h.Close()

	done := make(chan error, 1)
	go func() { done <- h.RequestLeave(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RequestLeave: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("RequestLeave did not return")
	}
	select {
	case ev := <-h.Events():
		t.Fatalf("unexpected event after requested leave: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
