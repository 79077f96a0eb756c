package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meetrec/meetrec-control-plane/internal/model"
)

var ErrNotTerminal = errors.New("session is not terminal")

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Archive keeps an audit copy of finished sessions in Postgres. The
// in-memory registry stays authoritative; nothing is read back on startup.
type Archive struct {
	db DB
}

func NewArchive(db DB) *Archive {
	return &Archive{db: db}
}

const archiveSchema = `
create table if not exists recording_sessions (
  id text primary key,
  meeting_url text not null,
  display_name text not null,
  record_audio boolean not null,
  status text not null,
  stop_reason text not null default '',
  error_detail text not null default '',
  storage_backend text not null default '',
  storage_location text not null default '',
  recording_seconds double precision not null default 0,
  started_at timestamptz not null,
  recording_started_at timestamptz,
  stopped_at timestamptz,
  archived_at timestamptz not null default now()
)`

func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, archiveSchema); err != nil {
		return fmt.Errorf("ensure archive schema: %w", err)
	}
	return nil
}

func (a *Archive) Record(ctx context.Context, s model.Session) error {
	if !s.Status.Terminal() {
		return ErrNotTerminal
	}
	const q = `
insert into recording_sessions (
  id, meeting_url, display_name, record_audio, status, stop_reason, error_detail,
  storage_backend, storage_location, recording_seconds, started_at, recording_started_at, stopped_at
) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
on conflict (id) do update set
  status = excluded.status,
  stop_reason = excluded.stop_reason,
  error_detail = excluded.error_detail,
  storage_backend = excluded.storage_backend,
  storage_location = excluded.storage_location,
  recording_seconds = excluded.recording_seconds,
  recording_started_at = excluded.recording_started_at,
  stopped_at = excluded.stopped_at,
  archived_at = now()`
	_, err := a.db.Exec(ctx, q,
		s.ID, s.MeetingURL, s.DisplayName, s.RecordAudio, string(s.Status), string(s.StopReason), s.ErrorDetail,
		s.StorageBackend, s.StorageLocation, s.RecordingSeconds, s.StartedAt, s.RecordingStartedAt, s.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", s.ID, err)
	}
	return nil
}
