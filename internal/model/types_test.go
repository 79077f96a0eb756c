package model

import (
	"testing"
	"time"
)

func TestSessionStatus_SinkBound(t *testing.T) {
	tests := []struct {
		status SessionStatus
		want   bool
	}{
		{SessionJoining, false},
		{SessionWaitingInLobby, true},
		{SessionRecording, true},
		{SessionStopping, true},
		{SessionStopped, false},
		{SessionError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.SinkBound(); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionView_DurationsUseStoppedAt(t *testing.T) {
	started := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	rec := started.Add(30 * time.Second)
	stopped := started.Add(90 * time.Second)
	v := SessionView{
		Session: Session{
			StartedAt:          started,
			RecordingStartedAt: &rec,
			StoppedAt:          &stopped,
		},
		SnapshotAt: started.Add(10 * time.Minute),
	}
	if got := v.UptimeSeconds(); got != 90 {
		t.Fatalf("expected uptime 90, got %v", got)
	}
	if got := v.RecordingDurationSeconds(); got != 60 {
		t.Fatalf("expected recording duration 60, got %v", got)
	}

	v.RecordingSeconds = 59.5
	if got := v.RecordingDurationSeconds(); got != 59.5 {
		t.Fatalf("expected realized duration 59.5, got %v", got)
	}
}

func TestSessionView_RecordingFilePrefersStorageLocation(t *testing.T) {
	v := SessionView{Session: Session{OutputPath: "/tmp/a.wav"}}
	if v.RecordingFile() != "/tmp/a.wav" {
		t.Fatalf("unexpected file: %s", v.RecordingFile())
	}
	v.StorageLocation = "s3://recordings/ses_1/a.wav"
	if v.RecordingFile() != "s3://recordings/ses_1/a.wav" {
		t.Fatalf("unexpected file: %s", v.RecordingFile())
	}
}
