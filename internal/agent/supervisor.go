package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/meetrec/meetrec-control-plane/internal/auth"
	"github.com/meetrec/meetrec-control-plane/internal/metrics"
)

// CommandFunc builds the agent process; injectable for tests.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

type SupervisorOptions struct {
	// Command is split on whitespace. Empty means agents are started
	// elsewhere and only dial in over the websocket.
	Command      string
	Secret       string
	WSBaseURL    string
	LeaveTimeout time.Duration
	TokenTTL     time.Duration
	Exec         CommandFunc
}

// Supervisor launches one agent process per session and relays its events,
// which arrive over a websocket the agent dials back on.
type Supervisor struct {
	command      string
	secret       string
	wsBaseURL    string
	leaveTimeout time.Duration
	tokenTTL     time.Duration
	exec         CommandFunc

	mu       sync.Mutex
	sessions map[string]*handle
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	s := &Supervisor{
		command:      strings.TrimSpace(opts.Command),
		secret:       opts.Secret,
		wsBaseURL:    strings.TrimRight(opts.WSBaseURL, "/"),
		leaveTimeout: opts.LeaveTimeout,
		tokenTTL:     opts.TokenTTL,
		exec:         opts.Exec,
		sessions:     make(map[string]*handle),
	}
	if s.leaveTimeout <= 0 {
		s.leaveTimeout = 15 * time.Second
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = 24 * time.Hour
	}
	if s.exec == nil {
		s.exec = exec.CommandContext
	}
	return s
}

type handle struct {
	sup       *Supervisor
	sessionID string
	token     string

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	conn           *ws.Conn
	admitted       bool
	terminal       bool
	leaveRequested bool
	cancel         context.CancelFunc
	exited         chan struct{}
}

func (s *Supervisor) Launch(_ context.Context, req Request) (Handle, error) {
	token, err := auth.IssueAgentToken(s.secret, req.SessionID, s.tokenTTL, time.Now())
	if err != nil {
		return nil, fmt.Errorf("issue agent token: %w", err)
	}
	h := &handle{
		sup:       s,
		sessionID: req.SessionID,
		token:     token,
		events:    make(chan Event, 16),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.sessions[req.SessionID]; exists {
		s.mu.Unlock()
		return nil, errors.New("agent already running for session")
	}
	s.sessions[req.SessionID] = h
	s.mu.Unlock()

	if s.command == "" {
		log.Printf("event=agent_awaiting_connection session_id=%s", req.SessionID)
		return h, nil
	}
	if err := h.start(req); err != nil {
		s.forget(req.SessionID, h)
		return nil, err
	}
	return h, nil
}

func (h *handle) start(req Request) error {
	parts := strings.Fields(h.sup.command)
	ctx, cancel := context.WithCancel(context.Background())
	cmd := h.sup.exec(ctx, parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(),
		"MEETREC_SESSION_ID="+req.SessionID,
		"MEETREC_MEETING_URL="+req.MeetingURL,
		"MEETREC_DISPLAY_NAME="+req.DisplayName,
		"MEETREC_AGENT_WS_URL="+h.sup.wsBaseURL+"/ws/agent/"+req.SessionID,
		"MEETREC_AGENT_TOKEN="+h.token,
	)
	if req.SinkName != "" {
		cmd.Env = append(cmd.Env, "PULSE_SINK="+req.SinkName, "MEETREC_PULSE_SINK="+req.SinkName)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start agent: %w", err)
	}

	exited := make(chan struct{})
	h.mu.Lock()
	h.cancel = cancel
	h.exited = exited
	h.mu.Unlock()
	log.Printf("event=agent_started session_id=%s pid=%d", req.SessionID, cmd.Process.Pid)

	var streams sync.WaitGroup
	streams.Add(2)
	go func() { defer streams.Done(); streamLines(req.SessionID, "stdout", stdout) }()
	go func() { defer streams.Done(); streamLines(req.SessionID, "stderr", stderr) }()

	go func() {
		streams.Wait()
		err := cmd.Wait()
		close(exited)
		log.Printf("event=agent_exited session_id=%s err=%v", req.SessionID, err)
		detail := "agent process exited"
		if err != nil {
			detail = "agent process exited: " + err.Error()
		}
		h.fail(detail)
	}()
	return nil
}

func streamLines(sessionID, stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Printf("agent[%s] %s: %s", sessionID, stream, sc.Text())
	}
}

func (h *handle) Events() <-chan Event {
	return h.events
}

// emit delivers ev unless the handle is closed. Once a terminal event has
// been emitted no further events are delivered.
func (h *handle) emit(ev Event) {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return
	}
	if ev.Type == EventAdmitted {
		if h.admitted {
			h.mu.Unlock()
			return
		}
		h.admitted = true
	}
	if ev.Type.Terminal() {
		h.terminal = true
	}
	h.mu.Unlock()

	metrics.Default().IncCounter("meetrec_agent_events_total", map[string]string{"event": string(ev.Type)})
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// fail reports an agent failure unless the exit was asked for.
func (h *handle) fail(detail string) {
	h.mu.Lock()
	expected := h.leaveRequested
	h.mu.Unlock()
	if expected {
		return
	}
	select {
	case <-h.done:
		return
	default:
	}
	h.emit(Event{Type: EventError, Detail: detail})
}

func (h *handle) RequestLeave(ctx context.Context) error {
	h.mu.Lock()
	h.leaveRequested = true
	conn := h.conn
	exited := h.exited
	cancel := h.cancel
	h.mu.Unlock()

	var sendErr error
	if conn != nil {
		writeCtx, stop := context.WithTimeout(ctx, 5*time.Second)
		sendErr = writeJSON(writeCtx, conn, map[string]string{"type": "leave"})
		stop()
		if sendErr != nil {
			log.Printf("event=agent_leave_send_failed session_id=%s err=%q", h.sessionID, sendErr.Error())
		}
	}
	if exited == nil {
		return sendErr
	}

	timer := time.NewTimer(h.sup.leaveTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
		log.Printf("event=agent_leave_timeout session_id=%s timeout=%s", h.sessionID, h.sup.leaveTimeout)
	case <-ctx.Done():
	}
	cancel()
	<-exited
	return nil
}

func (h *handle) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.leaveRequested = true
		conn := h.conn
		h.conn = nil
		cancel := h.cancel
		h.mu.Unlock()

		close(h.done)
		if conn != nil {
			_ = conn.Close(ws.StatusNormalClosure, "session closed")
		}
		if cancel != nil {
			cancel()
		}
		h.sup.forget(h.sessionID, h)
	})
}

func (s *Supervisor) forget(sessionID string, h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sessionID] == h {
		delete(s.sessions, sessionID)
	}
}

func (s *Supervisor) lookup(sessionID string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}
