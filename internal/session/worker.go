package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/meetrec/meetrec-control-plane/internal/agent"
	"github.com/meetrec/meetrec-control-plane/internal/audio"
	"github.com/meetrec/meetrec-control-plane/internal/metrics"
	"github.com/meetrec/meetrec-control-plane/internal/model"
)

type timeoutKind int

const (
	timeoutNone timeoutKind = iota
	timeoutJoin
	timeoutLobby
	timeoutMaxDuration
)

var errIllegalTransition = errors.New("illegal transition")

// edges lists the permitted targets from each non-terminal status.
var edges = map[model.SessionStatus][]model.SessionStatus{
	model.SessionJoining:        {model.SessionWaitingInLobby, model.SessionRecording, model.SessionStopping, model.SessionError},
	model.SessionWaitingInLobby: {model.SessionRecording, model.SessionStopping, model.SessionError},
	model.SessionRecording:      {model.SessionStopping, model.SessionError},
	model.SessionStopping:       {model.SessionStopped, model.SessionError},
}

func allowed(from, to model.SessionStatus) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// worker is the inbox of one session's transition driver. Signals are
// coalesced: a second stop or timeout while one is pending is dropped.
type worker struct {
	id      string
	stop    chan model.StopReason
	timeout chan timeoutKind
}

func newWorker(id string) *worker {
	return &worker{
		id:      id,
		stop:    make(chan model.StopReason, 1),
		timeout: make(chan timeoutKind, 1),
	}
}

func (w *worker) signalStop(reason model.StopReason) {
	select {
	case w.stop <- reason:
	default:
	}
}

func (w *worker) signalTimeout(kind timeoutKind) {
	select {
	case w.timeout <- kind:
	default:
	}
}

// transition applies one state change under the record's lock.
func (m *Manager) transition(id string, to model.SessionStatus, mutate func(*model.Session)) (model.Session, error) {
	var from model.SessionStatus
	now := m.now().UTC()
	rec, err := m.reg.Update(id, func(s *model.Session) error {
		from = s.Status
		if !allowed(from, to) {
			return fmt.Errorf("%s -> %s: %w", from, to, errIllegalTransition)
		}
		if mutate != nil {
			mutate(s)
		}
		s.Status = to
		if (to == model.SessionStopping || to.Terminal()) && s.StoppedAt == nil {
			s.StoppedAt = &now
		}
		if to.Terminal() {
			s.AudioSinkID = ""
		}
		return nil
	})
	if err != nil {
		return rec, err
	}
	metrics.Default().IncCounter("meetrec_session_transitions_total", map[string]string{"from": string(from), "to": string(to)})
	if to.Terminal() {
		metrics.Default().AddGauge("meetrec_sessions_active", -1, nil)
	}
	log.Printf("event=session_transition session_id=%s from=%s to=%s stop_reason=%s error_detail=%q", id, from, to, rec.StopReason, rec.ErrorDetail)
	return rec, nil
}

// run drives one session from joining to a terminal status. Every blocking
// call for the session happens here.
func (m *Manager) run(w *worker, rec model.Session) {
	defer m.wg.Done()
	defer m.forgetWorker(w.id)
	ctx := m.ctx

	h, err := m.agents.Launch(ctx, agent.Request{
		SessionID:   rec.ID,
		MeetingURL:  rec.MeetingURL,
		DisplayName: rec.DisplayName,
		SinkName:    audio.SinkName(rec.ID),
	})
	if err != nil {
		m.finalize(ctx, rec.ID, nil, fmt.Errorf("launch agent: %v: %w", err, model.ErrAgentFailure))
		return
	}
	defer h.Close()

	var sink *audio.Sink
	var lost <-chan error
	for {
		var reason model.StopReason
		var failure error

		select {
		case ev := <-h.Events():
			switch ev.Type {
			case agent.EventInLobby:
				failure = m.enterLobby(ctx, rec.ID, &sink)
			case agent.EventAdmitted:
				lost, failure = m.startRecording(ctx, rec.ID, &sink)
			case agent.EventLeftAlone:
				reason = model.StopLeftAlone
			case agent.EventError:
				failure = fmt.Errorf("%s: %w", ev.Detail, model.ErrAgentFailure)
			}
		case r := <-w.stop:
			reason = r
		case kind := <-w.timeout:
			reason, failure = m.timeoutOutcome(rec.ID, kind)
		case err := <-lost:
			failure = err
		case <-ctx.Done():
			failure = fmt.Errorf("session interrupted: %w", ctx.Err())
		}

		if failure != nil {
			h.Close()
			m.finalize(ctx, rec.ID, sink, failure)
			return
		}
		if reason != "" {
			if _, err := m.transition(rec.ID, model.SessionStopping, func(s *model.Session) {
				s.StopReason = reason
			}); err != nil {
				log.Printf("event=session_stop_rejected session_id=%s reason=%s err=%q", rec.ID, reason, err.Error())
			}
			leaveCtx, cancel := context.WithTimeout(ctx, m.leaveTimeout)
			if err := h.RequestLeave(leaveCtx); err != nil {
				log.Printf("event=agent_leave_failed session_id=%s err=%q", rec.ID, err.Error())
			}
			cancel()
			h.Close()
			m.finalize(ctx, rec.ID, sink, nil)
			return
		}
	}
}

// enterLobby binds the session's sink and moves it to waiting_in_lobby.
func (m *Manager) enterLobby(ctx context.Context, id string, sink **audio.Sink) error {
	rec, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	if rec.Status != model.SessionJoining {
		return nil
	}
	if err := m.acquire(ctx, id, sink); err != nil {
		return err
	}
	entered := m.now().UTC()
	name := (*sink).Name
	_, err = m.transition(id, model.SessionWaitingInLobby, func(s *model.Session) {
		s.LobbyEnteredAt = &entered
		s.AudioSinkID = name
	})
	return err
}

// startRecording binds the sink if the session skipped the lobby, starts
// capture when audio is requested, and moves the session to recording.
func (m *Manager) startRecording(ctx context.Context, id string, sink **audio.Sink) (<-chan error, error) {
	rec, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.SessionJoining && rec.Status != model.SessionWaitingInLobby {
		return nil, nil
	}
	if err := m.acquire(ctx, id, sink); err != nil {
		return nil, err
	}

	// The output path is recorded only once capture runs, so sessions that
	// never record report no recording file.
	var lost <-chan error
	var outputPath string
	if rec.RecordAudio {
		outputPath = filepath.Join(m.recordingsDir, id+".wav")
		lost, err = m.tap.StartCapture(**sink, outputPath, audio.DefaultSampleRate, audio.DefaultChannels)
		if err != nil {
			return nil, err
		}
	}
	started := m.now().UTC()
	name := (*sink).Name
	_, err = m.transition(id, model.SessionRecording, func(s *model.Session) {
		s.RecordingStartedAt = &started
		s.AudioSinkID = name
		s.OutputPath = outputPath
	})
	return lost, err
}

func (m *Manager) acquire(ctx context.Context, id string, sink **audio.Sink) error {
	if *sink != nil {
		return nil
	}
	s, err := m.tap.Acquire(ctx, id)
	if err != nil {
		return err
	}
	*sink = &s
	return nil
}

// timeoutOutcome re-checks a timeout signal against the current status so
// signals raised before a transition are ignored after it.
func (m *Manager) timeoutOutcome(id string, kind timeoutKind) (model.StopReason, error) {
	rec, err := m.reg.Get(id)
	if err != nil {
		return "", nil
	}
	switch {
	case kind == timeoutJoin && rec.Status == model.SessionJoining:
		return "", fmt.Errorf("join_timeout: %w", model.ErrAgentFailure)
	case kind == timeoutLobby && rec.Status == model.SessionWaitingInLobby:
		return model.StopLobbyTimeout, nil
	case kind == timeoutMaxDuration && rec.Status == model.SessionRecording:
		return model.StopMaxDuration, nil
	}
	return "", nil
}
