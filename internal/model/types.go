package model

import "time"

type SessionStatus string

const (
	SessionJoining        SessionStatus = "joining"
	SessionWaitingInLobby SessionStatus = "waiting_in_lobby"
	SessionRecording      SessionStatus = "recording"
	SessionStopping       SessionStatus = "stopping"
	SessionStopped        SessionStatus = "stopped"
	SessionError          SessionStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionError
}

// Active is the complement of Terminal.
func (s SessionStatus) Active() bool {
	return !s.Terminal()
}

// SinkBound reports whether a session in this status holds an audio sink.
func (s SessionStatus) SinkBound() bool {
	return s == SessionWaitingInLobby || s == SessionRecording || s == SessionStopping
}

type StopReason string

const (
	StopRequested    StopReason = "requested"
	StopLobbyTimeout StopReason = "lobby_timeout"
	StopMaxDuration  StopReason = "max_duration"
	StopLeftAlone    StopReason = "left_alone"
	StopShutdown     StopReason = "shutdown"
)

// Session is the record owned by the lifecycle manager. Callers outside the
// session package only ever see copies.
type Session struct {
	ID                 string
	MeetingURL         string
	DisplayName        string
	RecordAudio        bool
	MaxDuration        time.Duration
	Status             SessionStatus
	StartedAt          time.Time
	LobbyEnteredAt     *time.Time
	RecordingStartedAt *time.Time
	StoppedAt          *time.Time
	AudioSinkID        string
	OutputPath         string
	StorageLocation    string
	StorageBackend     string
	RecordingSeconds   float64
	StopReason         StopReason
	ErrorDetail        string
}

// SessionView is a read-only snapshot handed to callers.
type SessionView struct {
	Session
	SnapshotAt time.Time
}

func (v SessionView) UptimeSeconds() float64 {
	end := v.SnapshotAt
	if v.StoppedAt != nil {
		end = *v.StoppedAt
	}
	d := end.Sub(v.StartedAt).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// RecordingDurationSeconds prefers the realized duration from the audio
// file and falls back to wall clock while capture is running.
func (v SessionView) RecordingDurationSeconds() float64 {
	if v.RecordingSeconds > 0 {
		return v.RecordingSeconds
	}
	if v.RecordingStartedAt == nil {
		return 0
	}
	end := v.SnapshotAt
	if v.StoppedAt != nil {
		end = *v.StoppedAt
	}
	d := end.Sub(*v.RecordingStartedAt).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// RecordingFile is the local path while recording and the storage
// location once finalized.
func (v SessionView) RecordingFile() string {
	if v.StorageLocation != "" {
		return v.StorageLocation
	}
	return v.OutputPath
}
