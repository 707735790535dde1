package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"vcli/internal/session"
)

// Message is the envelope for all WebSocket messages. Replies carry the
// ID of the request they answer.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(id, msgType string, payload interface{}) (*Message, error) {
	msg := &Message{
		ID:        id,
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", m.Type, err)
	}
	return nil
}

// Server → Client message types.
const (
	TypeAck            = "ack"
	TypeResults        = "results"
	TypeSessionCreated = "session.created"
	TypeSessionIDs     = "session.ids"
	TypeSessionStatus  = "session.status"
	TypeSessionEvent   = "session.event"
	TypeError          = "error"
)

// Client → Server message types.
const (
	TypeCommandAdd       = "command.add"
	TypeResultsGet       = "results.get"
	TypeSessionClose     = "session.close"
	TypeSessionCloseAll  = "session.closeAll"
	TypeSessionCreate    = "session.create"
	TypeSessionListIDs   = "session.ids"
	TypeSessionGetStatus = "session.status"
	TypeSessionPause     = "session.pause"
	TypeSessionResume    = "session.resume"
	TypeSessionSubscribe = "session.subscribe"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrSessionClosed   = "SESSION_CLOSED"
	ErrSpawnFailed     = "SPAWN_FAILED"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrInternal        = "INTERNAL"
)

// Server → Client payloads.

type AckPayload struct {
	CommandID string `json:"commandId,omitempty"`
}

type ResultsPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionIDsPayload struct {
	IDs []string `json:"ids"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

// WaitPayload sets exactly one of Pattern or Seconds.
type WaitPayload struct {
	Pattern *string `json:"pattern,omitempty"`
	Seconds *int    `json:"seconds,omitempty"`
}

type CommandAddPayload struct {
	SessionID string       `json:"sessionId"`
	Text      string       `json:"text"`
	Wait      *WaitPayload `json:"wait,omitempty"`
	EOL       *string      `json:"eol,omitempty"`
	Timeout   *int         `json:"timeout,omitempty"`
	Priority  *int         `json:"priority,omitempty"`
	Title     string       `json:"title,omitempty"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

// NewWaitPayload converts w for the wire.
func NewWaitPayload(w *session.Wait) *WaitPayload {
	if w == nil {
		return nil
	}
	if w.IsPattern() {
		p := w.Pattern()
		return &WaitPayload{Pattern: &p}
	}
	n := w.Seconds()
	return &WaitPayload{Seconds: &n}
}

// Wait converts the payload back, rejecting ambiguous or invalid waits.
func (p *WaitPayload) Wait() (*session.Wait, error) {
	if p == nil {
		return nil, nil
	}
	switch {
	case p.Pattern != nil && p.Seconds != nil:
		return nil, fmt.Errorf("wait must set only one of 'pattern' or 'seconds'")
	case p.Pattern != nil:
		if *p.Pattern == "" {
			return nil, session.ErrEmptyPattern
		}
		w := session.PatternWait(*p.Pattern)
		return &w, nil
	case p.Seconds != nil:
		if *p.Seconds < 0 {
			return nil, session.ErrNegativeSeconds
		}
		w := session.DurationWait(*p.Seconds)
		return &w, nil
	}
	return nil, fmt.Errorf("wait must set 'pattern' or 'seconds'")
}

// Request converts the payload into a session request.
func (p CommandAddPayload) Request() (session.Request, error) {
	wait, err := p.Wait.Wait()
	if err != nil {
		return session.Request{}, err
	}
	return session.Request{
		SessionID: p.SessionID,
		Text:      p.Text,
		Wait:      wait,
		EOL:       p.EOL,
		Timeout:   p.Timeout,
		Priority:  p.Priority,
		Title:     p.Title,
	}, nil
}
