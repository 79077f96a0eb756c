package agent

import "context"

type EventType string

const (
	EventInLobby   EventType = "in_lobby"
	EventAdmitted  EventType = "admitted"
	EventLeftAlone EventType = "left_alone"
	EventError     EventType = "agent_error"
)

// Terminal events end the agent's participation; nothing follows them.
func (e EventType) Terminal() bool {
	return e == EventLeftAlone || e == EventError
}

type Event struct {
	Type   EventType
	Detail string
}

type Request struct {
	SessionID   string
	MeetingURL  string
	DisplayName string
	// SinkName is the audio sink the agent's browser must play into. Empty
	// when no sink is bound yet.
	SinkName string
}

// Handle is one launched agent. No events are delivered after Close.
type Handle interface {
	Events() <-chan Event
	RequestLeave(ctx context.Context) error
	Close()
}

type Launcher interface {
	Launch(ctx context.Context, req Request) (Handle, error)
}
