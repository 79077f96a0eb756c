package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/meetrec/meetrec-control-plane/internal/agent"
	"github.com/meetrec/meetrec-control-plane/internal/audio"
	"github.com/meetrec/meetrec-control-plane/internal/metrics"
	"github.com/meetrec/meetrec-control-plane/internal/model"
	"github.com/meetrec/meetrec-control-plane/internal/notify"
	"github.com/meetrec/meetrec-control-plane/internal/storage"
	"github.com/meetrec/meetrec-control-plane/internal/store"
)

const MaxDisplayNameLength = 100

var ErrShuttingDown = errors.New("manager is shutting down")

type AudioTap interface {
	Acquire(ctx context.Context, sessionID string) (audio.Sink, error)
	StartCapture(sink audio.Sink, outputPath string, sampleRate, channels int) (<-chan error, error)
	StopCapture(ctx context.Context, sink audio.Sink) (float64, error)
	Bound(sessionID string) bool
	ReleaseAll(ctx context.Context)
}

type Notifier interface {
	Dispatch(p notify.Payload)
	Wait(ctx context.Context) error
}

type Archiver interface {
	Record(ctx context.Context, s model.Session) error
}

type Options struct {
	RecordingsDir string
	JoinTimeout   time.Duration
	LobbyTimeout  time.Duration
	LeaveTimeout  time.Duration

	Tap      AudioTap
	Agents   agent.Launcher
	Storage  storage.Backend
	Notifier Notifier
	// Archive is optional.
	Archive Archiver

	Now func() time.Time
}

type CreateRequest struct {
	MeetingURL  string
	DisplayName string
	RecordAudio bool
	// MaxDuration of zero means no ceiling.
	MaxDuration time.Duration
}

// Manager owns every session record and runs one worker goroutine per
// session. Public methods only read snapshots or enqueue signals.
type Manager struct {
	recordingsDir string
	joinTimeout   time.Duration
	lobbyTimeout  time.Duration
	leaveTimeout  time.Duration
	tap           AudioTap
	agents        agent.Launcher
	storage       storage.Backend
	notifier      Notifier
	archive       Archiver
	now           func() time.Time

	reg *store.Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	closing bool

	wg sync.WaitGroup
	bg sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		recordingsDir: opts.RecordingsDir,
		joinTimeout:   opts.JoinTimeout,
		lobbyTimeout:  opts.LobbyTimeout,
		leaveTimeout:  opts.LeaveTimeout,
		tap:           opts.Tap,
		agents:        opts.Agents,
		storage:       opts.Storage,
		notifier:      opts.Notifier,
		archive:       opts.Archive,
		now:           opts.Now,
		reg:           store.NewRegistry(),
		ctx:           ctx,
		cancel:        cancel,
		workers:       make(map[string]*worker),
	}
	if m.recordingsDir == "" {
		m.recordingsDir = "recordings"
	}
	if m.joinTimeout <= 0 {
		m.joinTimeout = 2 * time.Minute
	}
	if m.lobbyTimeout <= 0 {
		m.lobbyTimeout = 30 * time.Minute
	}
	if m.leaveTimeout <= 0 {
		m.leaveTimeout = 15 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func validate(req CreateRequest) error {
	raw := strings.TrimSpace(req.MeetingURL)
	if raw == "" {
		return fmt.Errorf("meeting_url is required: %w", model.ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("meeting_url must be an absolute http(s) url: %w", model.ErrInvalidInput)
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		return fmt.Errorf("display_name is required: %w", model.ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return fmt.Errorf("display_name must be at most %d characters: %w", MaxDisplayNameLength, model.ErrInvalidInput)
	}
	if req.MaxDuration < 0 {
		return fmt.Errorf("max duration must be positive: %w", model.ErrInvalidInput)
	}
	return nil
}

// Create registers a new session in joining and starts its worker. It
// returns without waiting on the agent or the audio subsystem.
func (m *Manager) Create(_ context.Context, req CreateRequest) (model.SessionView, error) {
	if err := validate(req); err != nil {
		return model.SessionView{}, err
	}

	id := "ses_" + uuid.NewString()
	rec := model.Session{
		ID:          id,
		MeetingURL:  strings.TrimSpace(req.MeetingURL),
		DisplayName: strings.TrimSpace(req.DisplayName),
		RecordAudio: req.RecordAudio,
		MaxDuration: req.MaxDuration,
		Status:      model.SessionJoining,
		StartedAt:   m.now().UTC(),
	}
	w := newWorker(id)

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return model.SessionView{}, ErrShuttingDown
	}
	if err := m.reg.Insert(rec); err != nil {
		m.mu.Unlock()
		return model.SessionView{}, err
	}
	m.workers[id] = w
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.Default().IncCounter("meetrec_sessions_created_total", nil)
	metrics.Default().AddGauge("meetrec_sessions_active", 1, nil)
	log.Printf("event=session_created session_id=%s record_audio=%t max_duration_s=%d", id, rec.RecordAudio, int64(rec.MaxDuration.Seconds()))

	go m.run(w, rec)
	return m.view(rec), nil
}

func (m *Manager) Get(id string) (model.SessionView, error) {
	rec, err := m.reg.Get(id)
	if err != nil {
		return model.SessionView{}, fmt.Errorf("session %s: %w", id, err)
	}
	return m.view(rec), nil
}

// List yields snapshots in creation order. Each snapshot is consistent for
// its own session only.
func (m *Manager) List() iter.Seq[model.SessionView] {
	return func(yield func(model.SessionView) bool) {
		for rec := range m.reg.All() {
			if !yield(m.view(rec)) {
				return
			}
		}
	}
}

func (m *Manager) ActiveCount() int {
	n := 0
	for rec := range m.reg.All() {
		if rec.Status.Active() {
			n++
		}
	}
	return n
}

// Stop asks the session's worker to wind down. It is a no-op for sessions
// already stopping or finished.
func (m *Manager) Stop(id string) error {
	rec, err := m.reg.Get(id)
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	if rec.Status == model.SessionStopping || rec.Status.Terminal() {
		return nil
	}
	if w := m.worker(id); w != nil {
		w.signalStop(model.StopRequested)
	}
	return nil
}

// Delete removes a finished session and, in the background, its artifacts.
func (m *Manager) Delete(id string) error {
	rec, err := m.reg.Remove(id, func(s model.Session) error {
		if s.Status.Active() {
			return fmt.Errorf("session %s is %s: %w", id, s.Status, model.ErrConflict)
		}
		if m.tap.Bound(id) {
			return fmt.Errorf("session %s still holds an audio sink: %w", id, model.ErrConflict)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("session %s: %w", id, err)
		}
		return err
	}
	log.Printf("event=session_deleted session_id=%s status=%s", id, rec.Status)

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		m.removeArtifacts(rec)
	}()
	return nil
}

func (m *Manager) removeArtifacts(rec model.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if rec.StorageLocation != "" && rec.StorageBackend == m.storage.Name() {
		if err := m.storage.Remove(ctx, rec.StorageLocation); err != nil {
			log.Printf("event=artifact_remove_failed session_id=%s location=%s err=%q", rec.ID, rec.StorageLocation, err.Error())
		}
	}
	if rec.OutputPath != "" {
		if err := os.Remove(rec.OutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("event=artifact_remove_failed session_id=%s location=%s err=%q", rec.ID, rec.OutputPath, err.Error())
		}
	}
}

// CheckTimeouts signals workers whose join, lobby, or recording ceiling has
// elapsed. It is driven by the jobs runner.
func (m *Manager) CheckTimeouts(_ context.Context) error {
	now := m.now()
	for rec := range m.reg.All() {
		var kind timeoutKind
		switch rec.Status {
		case model.SessionJoining:
			if now.Sub(rec.StartedAt) >= m.joinTimeout {
				kind = timeoutJoin
			}
		case model.SessionWaitingInLobby:
			if rec.LobbyEnteredAt != nil && now.Sub(*rec.LobbyEnteredAt) >= m.lobbyTimeout {
				kind = timeoutLobby
			}
		case model.SessionRecording:
			if rec.MaxDuration > 0 && rec.RecordingStartedAt != nil && now.Sub(*rec.RecordingStartedAt) >= rec.MaxDuration {
				kind = timeoutMaxDuration
			}
		}
		if kind == timeoutNone {
			continue
		}
		if w := m.worker(rec.ID); w != nil {
			w.signalTimeout(kind)
		}
	}
	return nil
}

// SweepRetention deletes finished sessions that stopped more than retention
// ago.
func (m *Manager) SweepRetention(_ context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := m.now().Add(-retention)
	var errs []error
	for rec := range m.reg.All() {
		if rec.Status.Active() || rec.StoppedAt == nil || rec.StoppedAt.After(cutoff) {
			continue
		}
		if err := m.Delete(rec.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops every active session and waits for finalization. Sessions
// still unfinished when ctx ends are recorded as error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	log.Printf("event=manager_shutdown active_workers=%d", len(workers))
	for _, w := range workers {
		w.signalStop(model.StopShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var result error
	select {
	case <-done:
	case <-ctx.Done():
		result = ctx.Err()
		for rec := range m.reg.All() {
			if !rec.Status.Active() {
				continue
			}
			if _, err := m.transition(rec.ID, model.SessionError, func(s *model.Session) {
				s.ErrorDetail = "shutdown_timeout: session did not finalize before shutdown grace elapsed"
			}); err == nil {
				log.Printf("event=session_abandoned session_id=%s", rec.ID)
			}
		}
		m.cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Printf("event=manager_shutdown_workers_stuck")
		}
	}
	m.cancel()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.tap.ReleaseAll(releaseCtx)
	m.bg.Wait()
	if err := m.notifier.Wait(releaseCtx); err != nil && result == nil {
		result = err
	}
	return result
}

func (m *Manager) view(rec model.Session) model.SessionView {
	return model.SessionView{Session: rec, SnapshotAt: m.now().UTC()}
}

func (m *Manager) worker(id string) *worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[id]
}

func (m *Manager) forgetWorker(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
}
