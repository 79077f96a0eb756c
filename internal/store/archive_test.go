package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/meetrec/meetrec-control-plane/internal/model"
)

func TestArchiveRecord_UpsertsTerminalSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	started := time.Now().UTC().Add(-2 * time.Minute)
	stopped := time.Now().UTC()
	sess := model.Session{
		ID:               "ses_1",
		MeetingURL:       "https://teams.microsoft.com/l/meetup-join/abc",
		DisplayName:      "Bot",
		RecordAudio:      true,
		Status:           model.SessionStopped,
		StopReason:       model.StopMaxDuration,
		StorageBackend:   "s3",
		StorageLocation:  "s3://recordings/ses_1/ses_1.wav",
		RecordingSeconds: 60.02,
		StartedAt:        started,
		StoppedAt:        &stopped,
	}

	mock.ExpectExec(regexp.QuoteMeta("insert into recording_sessions")).
		WithArgs("ses_1", sess.MeetingURL, "Bot", true, "stopped", "max_duration", "",
			"s3", sess.StorageLocation, 60.02, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := NewArchive(mock).Record(context.Background(), sess); err != nil {
		t.Fatalf("Record returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestArchiveRecord_RejectsActiveSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	err = NewArchive(mock).Record(context.Background(), model.Session{ID: "ses_1", Status: model.SessionRecording})
	if !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("expected ErrNotTerminal, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestArchiveRecord_WrapsExecError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	boom := errors.New("connection reset")
	mock.ExpectExec(regexp.QuoteMeta("insert into recording_sessions")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(boom)

	err = NewArchive(mock).Record(context.Background(), model.Session{ID: "ses_9", Status: model.SessionError, StartedAt: time.Now()})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped exec error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestArchiveEnsureSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("create table if not exists recording_sessions")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	if err := NewArchive(mock).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
