package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"vcli/internal/session"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeCommandAdd:       true,
	TypeResultsGet:       true,
	TypeSessionClose:     true,
	TypeSessionCloseAll:  true,
	TypeSessionCreate:    true,
	TypeSessionListIDs:   true,
	TypeSessionGetStatus: true,
	TypeSessionPause:     true,
	TypeSessionResume:    true,
	TypeSessionSubscribe: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	switch msg.Type {
	case TypeCommandAdd:
		var p CommandAddPayload
		if err := decodeRequired(&msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
		if _, err := p.Wait.Wait(); err != nil {
			return nil, fmt.Errorf("invalid wait in %s payload: %w", msg.Type, err)
		}

	case TypeResultsGet, TypeSessionClose, TypeSessionGetStatus,
		TypeSessionPause, TypeSessionResume, TypeSessionSubscribe:
		var p SessionIDPayload
		if err := decodeRequired(&msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

func decodeRequired(msg *Message, v interface{}) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("missing 'payload' field")
	}
	return msg.Decode(v)
}

// NewErrorMessage creates an error reply to the request with the given id.
func NewErrorMessage(id, code, message string) (*Message, error) {
	return NewMessage(id, TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// CodeFor maps a service error to its wire code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrSessionClosed):
		return ErrSessionClosed
	case errors.Is(err, session.ErrLaunch):
		return ErrSpawnFailed
	case errors.Is(err, session.ErrEmptySessionID),
		errors.Is(err, session.ErrEmptyPattern),
		errors.Is(err, session.ErrNegativeSeconds):
		return ErrInvalidMessage
	default:
		return ErrInternal
	}
}

// RemoteError is an error reply received from the service.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is match a remote error against the session sentinels.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case ErrSessionNotFound:
		return target == session.ErrSessionNotFound
	case ErrSessionClosed:
		return target == session.ErrSessionClosed
	case ErrSpawnFailed:
		return target == session.ErrLaunch
	}
	return false
}
