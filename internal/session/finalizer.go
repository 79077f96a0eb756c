package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/meetrec/meetrec-control-plane/internal/audio"
	"github.com/meetrec/meetrec-control-plane/internal/metrics"
	"github.com/meetrec/meetrec-control-plane/internal/model"
	"github.com/meetrec/meetrec-control-plane/internal/notify"
	"github.com/meetrec/meetrec-control-plane/internal/tracing"
)

const (
	captureStopTimeout = 30 * time.Second
	archiveTimeout     = 5 * time.Second
)

// finalize releases the session's audio, hands the recording to storage,
// commits the terminal status, and fires the webhook. A nil failure means
// a clean stop. It runs exactly once per session, on its worker.
func (m *Manager) finalize(ctx context.Context, id string, sink *audio.Sink, failure error) {
	ctx, span := tracing.Tracer().Start(ctx, "session.finalize")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))
	start := time.Now()

	var seconds float64
	if sink != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureStopTimeout)
		secs, err := m.tap.StopCapture(stopCtx, *sink)
		cancel()
		if err != nil {
			log.Printf("event=capture_stop_failed session_id=%s err=%q", id, err.Error())
		}
		seconds = secs
	}

	rec, err := m.reg.Get(id)
	if err != nil {
		log.Printf("event=finalize_missing_session session_id=%s err=%q", id, err.Error())
		return
	}

	location, backend, storeErr := m.store(ctx, rec)
	if failure == nil && storeErr != nil {
		failure = storeErr
	}

	to := model.SessionStopped
	if failure != nil {
		to = model.SessionError
	}
	final, err := m.transition(id, to, func(s *model.Session) {
		s.RecordingSeconds = seconds
		if location != "" {
			s.StorageLocation = location
			s.StorageBackend = backend
		}
		if failure != nil {
			s.ErrorDetail = errorDetail(failure)
		}
	})
	if err != nil {
		// Already terminal; shutdown forced the status. Keep what storage did.
		final, _ = m.reg.Update(id, func(s *model.Session) error {
			if seconds > 0 {
				s.RecordingSeconds = seconds
			}
			if location != "" {
				s.StorageLocation = location
				s.StorageBackend = backend
			}
			return nil
		})
	}

	label := "ok"
	if final.Status == model.SessionError {
		label = "error"
		span.SetStatus(codes.Error, final.ErrorDetail)
	}
	metrics.Default().ObserveHistogram("meetrec_finalize_duration_ms", float64(time.Since(start).Milliseconds()), map[string]string{"status": label})
	log.Printf("event=session_finalized session_id=%s status=%s location=%q recording_s=%.2f", id, final.Status, recordingFile(final), final.RecordingSeconds)

	p := payload(final)
	if p.FileLocation == final.OutputPath && !usableFile(final.OutputPath) {
		p.FileLocation = ""
	}
	m.notifier.Dispatch(p)
	m.record(ctx, final)
}

// store uploads the recording if one was written. Failures leave the local
// file untouched.
func (m *Manager) store(ctx context.Context, rec model.Session) (string, string, error) {
	if !usableFile(rec.OutputPath) {
		return "", "", nil
	}
	location, err := m.storage.Store(ctx, rec.ID, rec.OutputPath)
	if err != nil {
		log.Printf("event=recording_store_failed session_id=%s backend=%s path=%s err=%q", rec.ID, m.storage.Name(), rec.OutputPath, err.Error())
		return "", "", err
	}
	return location, m.storage.Name(), nil
}

func (m *Manager) record(ctx context.Context, rec model.Session) {
	if m.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	status := "ok"
	if err := m.archive.Record(ctx, rec); err != nil {
		status = "error"
		log.Printf("event=archive_write_failed session_id=%s err=%q", rec.ID, err.Error())
	}
	metrics.Default().IncCounter("meetrec_archive_writes_total", map[string]string{"status": status})
}

func payload(rec model.Session) notify.Payload {
	p := notify.Payload{
		SessionID:    rec.ID,
		MeetingURL:   rec.MeetingURL,
		FileLocation: recordingFile(rec),
		StartedAt:    rec.StartedAt,
		Status:       string(rec.Status),
		StopReason:   string(rec.StopReason),
		ErrorDetail:  rec.ErrorDetail,
	}
	if rec.StoppedAt != nil {
		p.StoppedAt = *rec.StoppedAt
	}
	return p
}

func usableFile(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func recordingFile(rec model.Session) string {
	return model.SessionView{Session: rec}.RecordingFile()
}

// errorDetail prefixes the failure with a stable code callers can match on.
func errorDetail(err error) string {
	var code string
	switch {
	case errors.Is(err, model.ErrDeviceLost):
		code = "device_lost"
	case errors.Is(err, model.ErrResourceExhausted):
		code = "resource_exhausted"
	case errors.Is(err, model.ErrStorageFailure):
		code = "storage_failure"
	case errors.Is(err, model.ErrAgentFailure):
		code = "agent_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = "shutdown_timeout"
	default:
		code = "internal"
	}
	return fmt.Sprintf("%s: %s", code, err.Error())
}
