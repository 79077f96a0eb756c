package api

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meetrec/meetrec-control-plane/internal/auth"
	"github.com/meetrec/meetrec-control-plane/internal/config"
	"github.com/meetrec/meetrec-control-plane/internal/metrics"
	"github.com/meetrec/meetrec-control-plane/internal/model"
	"github.com/meetrec/meetrec-control-plane/internal/session"
)

const serviceName = "Meeting Recorder API"

type Manager interface {
	Create(ctx context.Context, req session.CreateRequest) (model.SessionView, error)
	Get(id string) (model.SessionView, error)
	List() iter.Seq[model.SessionView]
	ActiveCount() int
	Stop(id string) error
	Delete(id string) error
}

type Server struct {
	cfg      config.Config
	sessions Manager
}

// NewRouter wires the REST surface and, when agents is non-nil, the agent
// websocket endpoint.
func NewRouter(cfg config.Config, sessions Manager, agents http.Handler) http.Handler {
	s := &Server{cfg: cfg, sessions: sessions}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Group(func(rest chi.Router) {
		rest.Use(middleware.Timeout(30 * time.Second))
		rest.Get("/", s.handleInfo)
		rest.Post("/join", s.handleJoin)
		rest.Get("/status/{session_id}", s.handleStatus)
		rest.Get("/sessions", s.handleSessions)
		rest.Post("/stop/{session_id}", s.handleStop)
		rest.Delete("/session/{session_id}", s.handleDelete)
	})
	// Downloads and agent sockets outlive the REST timeout.
	r.Get("/download/{session_id}", s.handleDownload)
	if agents != nil {
		r.With(auth.AgentMiddleware(cfg.AgentSecret)).Get("/ws/agent/{session_id}", agents.ServeHTTP)
	}

	return r
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
