package session

import "time"

// EventKind identifies a session lifecycle transition.
type EventKind string

const (
	EventCreated     EventKind = "created"
	EventStarted     EventKind = "started"
	EventStartFailed EventKind = "start_failed"
	EventStopped     EventKind = "stopped"
	EventClosed      EventKind = "closed"
	EventReclaimed   EventKind = "reclaimed"
)

// Event records a lifecycle transition of a session.
type Event struct {
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	Mode      Mode      `json:"mode"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

// Journal receives session lifecycle events.
type Journal interface {
	Record(ev Event) error
}

// JournalFunc adapts a function to the Journal interface.
type JournalFunc func(ev Event) error

func (f JournalFunc) Record(ev Event) error {
	return f(ev)
}
