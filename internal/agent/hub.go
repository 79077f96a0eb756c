package agent

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/meetrec/meetrec-control-plane/internal/auth"
	"github.com/meetrec/meetrec-control-plane/internal/metrics"
)

// message is the JSON frame agents send. Participants is only meaningful
// for type "participants".
type message struct {
	Type         string `json:"type"`
	Detail       string `json:"detail,omitempty"`
	Participants *int   `json:"participants,omitempty"`
}

// ServeWS accepts the agent connection for {session_id}. It expects
// auth.AgentMiddleware to have run.
func (s *Supervisor) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	tokenSession, ok := auth.SessionIDFromContext(r.Context())
	if !ok || tokenSession != sessionID {
		metrics.Default().IncCounter("meetrec_agent_connections_total", map[string]string{"status": "forbidden"})
		http.Error(w, `{"error":{"code":"forbidden","message":"token is not valid for this session"}}`, http.StatusForbidden)
		return
	}
	h := s.lookup(sessionID)
	if h == nil {
		metrics.Default().IncCounter("meetrec_agent_connections_total", map[string]string{"status": "unknown_session"})
		http.Error(w, `{"error":{"code":"not_found","message":"no agent expected for session"}}`, http.StatusNotFound)
		return
	}

	c, err := ws.Accept(w, r, nil)
	if err != nil {
		log.Printf("event=agent_ws_accept_failed session_id=%s err=%v", sessionID, err)
		return
	}
	if h.attach(c) {
		log.Printf("event=agent_ws_replaced session_id=%s", sessionID)
	}
	metrics.Default().IncCounter("meetrec_agent_connections_total", map[string]string{"status": "ok"})
	log.Printf("event=agent_ws_connected session_id=%s", sessionID)

	// The request context ends when the handler returns; reads use their own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			break
		}
		if typ != ws.MessageText && typ != ws.MessageBinary {
			continue
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("event=agent_msg_invalid session_id=%s err=%q", sessionID, err.Error())
			continue
		}
		h.handleMessage(msg)
	}
	_ = c.Close(ws.StatusNormalClosure, "done")
	if h.detach(c) {
		log.Printf("event=agent_ws_disconnected session_id=%s", sessionID)
		h.mu.Lock()
		managed := h.exited != nil
		h.mu.Unlock()
		// A managed process reports its own exit.
		if !managed {
			h.fail("agent disconnected")
		}
	}
}

func (h *handle) handleMessage(msg message) {
	switch msg.Type {
	case string(EventInLobby):
		h.emit(Event{Type: EventInLobby})
	case string(EventAdmitted), "in_meeting":
		h.emit(Event{Type: EventAdmitted})
	case string(EventLeftAlone):
		h.emit(Event{Type: EventLeftAlone, Detail: msg.Detail})
	case string(EventError):
		h.emit(Event{Type: EventError, Detail: msg.Detail})
	case "participants":
		if msg.Participants == nil {
			return
		}
		h.mu.Lock()
		admitted := h.admitted
		h.mu.Unlock()
		// Only the agent itself is left in the meeting.
		if admitted && *msg.Participants <= 1 {
			h.emit(Event{Type: EventLeftAlone, Detail: "participant count dropped to 1"})
		}
	default:
		log.Printf("event=agent_msg_unknown session_id=%s type=%q", h.sessionID, msg.Type)
	}
}

// attach makes c the current connection, closing any previous one.
func (h *handle) attach(c *ws.Conn) (replaced bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		_ = h.conn.Close(ws.StatusNormalClosure, "replaced")
		replaced = true
	}
	h.conn = c
	return replaced
}

// detach clears c if it is still current and reports whether it was.
func (h *handle) detach(c *ws.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != c {
		return false
	}
	h.conn = nil
	return true
}

func writeJSON(ctx context.Context, c *ws.Conn, v any) error {
	return wsjson.Write(ctx, c, v)
}
