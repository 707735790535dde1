package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"vcli/internal/session"
)

func rawMessage(t *testing.T, msgType string, payload interface{}) []byte {
	t.Helper()
	msg := map[string]interface{}{
		"id":        "req-1",
		"type":      msgType,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if payload != nil {
		msg["payload"] = payload
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("req-7", TypeResults, ResultsPayload{SessionID: "s1", Text: "hi\n"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.ID != "req-7" {
		t.Errorf("expected id req-7, got %s", msg.ID)
	}
	if msg.Type != TypeResults {
		t.Errorf("expected type %s, got %s", TypeResults, msg.Type)
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var p ResultsPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Text != "hi\n" {
		t.Errorf("expected text 'hi\\n', got %q", p.Text)
	}
}

func TestNewMessage_NilPayload(t *testing.T) {
	msg, err := NewMessage("", TypeAck, nil)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Payload != nil {
		t.Errorf("expected no payload, got %s", msg.Payload)
	}
}

func TestValidateClientMessage_Valid(t *testing.T) {
	pattern := "done"
	tests := []struct {
		name    string
		msgType string
		payload interface{}
	}{
		{"add with sentinel", TypeCommandAdd, map[string]interface{}{"sessionId": "s1", "text": "echo hi"}},
		{"add with pattern", TypeCommandAdd, CommandAddPayload{SessionID: "s1", Text: "make", Wait: &WaitPayload{Pattern: &pattern}}},
		{"add with seconds", TypeCommandAdd, map[string]interface{}{"sessionId": "s1", "text": "", "wait": map[string]int{"seconds": 0}}},
		{"results", TypeResultsGet, SessionIDPayload{SessionID: "s1"}},
		{"close", TypeSessionClose, SessionIDPayload{SessionID: "s1"}},
		{"close all", TypeSessionCloseAll, nil},
		{"create", TypeSessionCreate, nil},
		{"ids", TypeSessionListIDs, nil},
		{"status", TypeSessionGetStatus, SessionIDPayload{SessionID: "s1"}},
		{"pause", TypeSessionPause, SessionIDPayload{SessionID: "s1"}},
		{"resume", TypeSessionResume, SessionIDPayload{SessionID: "s1"}},
		{"subscribe", TypeSessionSubscribe, SessionIDPayload{SessionID: "s1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ValidateClientMessage(rawMessage(t, tt.msgType, tt.payload))
			if err != nil {
				t.Fatalf("expected valid message, got error: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("expected type %s, got %s", tt.msgType, msg.Type)
			}
			if msg.ID != "req-1" {
				t.Errorf("expected id req-1, got %s", msg.ID)
			}
		})
	}
}

func TestValidateClientMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"invalid json", []byte("not json")},
		{"missing type", []byte(`{"payload":{}}`)},
		{"unknown type", rawMessage(t, "files.requestTree", SessionIDPayload{SessionID: "s1"})},
		{"missing payload", rawMessage(t, TypeResultsGet, nil)},
		{"missing session id", rawMessage(t, TypeCommandAdd, map[string]string{"text": "ls"})},
		{"close without id", rawMessage(t, TypeSessionClose, map[string]string{})},
		{"empty pattern", rawMessage(t, TypeCommandAdd, map[string]interface{}{"sessionId": "s1", "wait": map[string]string{"pattern": ""}})},
		{"negative seconds", rawMessage(t, TypeCommandAdd, map[string]interface{}{"sessionId": "s1", "wait": map[string]int{"seconds": -1}})},
		{"both waits", rawMessage(t, TypeCommandAdd, map[string]interface{}{"sessionId": "s1", "wait": map[string]interface{}{"seconds": 1, "pattern": "x"}})},
		{"empty wait", rawMessage(t, TypeCommandAdd, map[string]interface{}{"sessionId": "s1", "wait": map[string]interface{}{}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidateClientMessage(tt.raw); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCommandAddPayload_Request(t *testing.T) {
	eol, timeout := "\r\n", 5
	seconds := 2
	p := CommandAddPayload{
		SessionID: "s1",
		Text:      "dir",
		Wait:      &WaitPayload{Seconds: &seconds},
		EOL:       &eol,
		Timeout:   &timeout,
		Title:     "Listing",
	}

	req, err := p.Request()
	if err != nil {
		t.Fatal(err)
	}
	if req.Wait == nil || req.Wait.IsPattern() || req.Wait.Seconds() != 2 {
		t.Errorf("expected a 2s wait, got %v", req.Wait)
	}
	if *req.EOL != "\r\n" || *req.Timeout != 5 || req.Priority != nil {
		t.Errorf("unexpected request %+v", req)
	}
	if req.Title != "Listing" {
		t.Errorf("expected title Listing, got %s", req.Title)
	}

	w := session.PatternWait("$ ")
	back, err := NewWaitPayload(&w).Wait()
	if err != nil || back.Pattern() != "$ " {
		t.Errorf("pattern wait did not survive the wire: %v %v", back, err)
	}
	if NewWaitPayload(nil) != nil {
		t.Error("nil wait should stay nil")
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage("req-3", ErrSessionNotFound, "session not found")
	if err != nil {
		t.Fatalf("NewErrorMessage failed: %v", err)
	}
	if msg.Type != TypeError || msg.ID != "req-3" {
		t.Errorf("unexpected envelope %+v", msg)
	}

	var p ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Code != ErrSessionNotFound {
		t.Errorf("expected code %s, got %s", ErrSessionNotFound, p.Code)
	}
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("%w: s1", session.ErrSessionNotFound), ErrSessionNotFound},
		{fmt.Errorf("%w: s1", session.ErrSessionClosed), ErrSessionClosed},
		{fmt.Errorf("%w for session s1: %w", session.ErrLaunch, errors.New("no such file")), ErrSpawnFailed},
		{session.ErrEmptySessionID, ErrInvalidMessage},
		{errors.New("boom"), ErrInternal},
	}
	for _, tt := range tests {
		if got := CodeFor(tt.err); got != tt.code {
			t.Errorf("CodeFor(%v) = %s, want %s", tt.err, got, tt.code)
		}
	}
}

func TestRemoteError_Is(t *testing.T) {
	err := fmt.Errorf("results: %w", &RemoteError{Code: ErrSessionNotFound, Message: "session not found: s1"})
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Error("expected remote error to match ErrSessionNotFound")
	}
	if errors.Is(err, session.ErrSessionClosed) {
		t.Error("did not expect a match on ErrSessionClosed")
	}
}
