package session

import "time"

// EventType distinguishes what happened on a session.
type EventType string

const (
	EventOutput  EventType = "output"
	EventCommand EventType = "command"
	EventCaption EventType = "caption"
	EventTitle   EventType = "title"
	EventState   EventType = "state"
	EventClosed  EventType = "closed"
)

// Event is a single change on a session, fanned out to subscribers.
type Event struct {
	SessionID string    `json:"sessionId"`
	Type      EventType `json:"type"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}
