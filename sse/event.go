package sse

import "time"

// EventKind tags a session Event.
type EventKind int

const (
	// EventOpen fires each time a connect attempt is accepted with 200.
	EventOpen EventKind = iota + 1
	// EventMessage carries one decoded record.
	EventMessage
	// EventRetry fires after the backoff delay, right before reconnecting.
	EventRetry
	// EventClose fires whenever a connection ends, with the reason.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventRetry:
		return "retry"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Closer says who ended a connection.
type Closer string

const (
	CloserServer Closer = "server"
	CloserClient Closer = "client"
	CloserRetry  Closer = "retry"
)

// Event is delivered to the single handler passed to Session.Run.
type Event struct {
	Kind EventKind
	// Message is set for EventMessage.
	Message Message
	// Reason is set for EventClose.
	Reason Closer
	// Attempt counts connections opened so far, starting at 1.
	Attempt int
	// Delay is the backoff waited before an EventRetry.
	Delay time.Duration
}

// Handler consumes session events. It runs on the session goroutine, so a
// slow handler delays reading.
type Handler func(Event)
