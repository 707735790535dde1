package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"vcli/internal/session"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sched.List(r.Context())
	if err != nil {
		writeJSONError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Close(r.Context(), r.PathValue("id")); err != nil {
		writeJSONError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"closed"}`))
}

func writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, session.ErrEmptySessionID),
		errors.Is(err, session.ErrEmptyPattern),
		errors.Is(err, session.ErrNegativeSeconds):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// legacyArgs are the fields of a /vcli request. They arrive either as
// query parameters or as a JSON object in the "o" parameter.
type legacyArgs struct {
	Action   string  `json:"action"`
	ID       string  `json:"id"`
	Wait     *string `json:"wait"`
	Cmd      string  `json:"cmd"`
	EOL      *string `json:"eol"`
	Timeout  *int    `json:"timeout"`
	Priority *int    `json:"priority"`
	Title    string  `json:"title"`
}

func parseLegacyArgs(q url.Values) (legacyArgs, error) {
	args := legacyArgs{
		Action: q.Get("action"),
		ID:     q.Get("id"),
		Cmd:    q.Get("cmd"),
		Title:  q.Get("title"),
	}
	if q.Has("wait") {
		v := q.Get("wait")
		args.Wait = &v
	}
	if q.Has("eol") {
		v := q.Get("eol")
		args.EOL = &v
	}
	if o := q.Get("o"); o != "" {
		// The original client sends numeric waits as JSON numbers.
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(o), &raw); err != nil {
			return args, fmt.Errorf("invalid o parameter: %w", err)
		}
		if w, ok := raw["wait"]; ok {
			var n json.Number
			if json.Unmarshal(w, &n) == nil {
				raw["wait"], _ = json.Marshal(n.String())
			}
		}
		data, _ := json.Marshal(raw)
		if err := json.Unmarshal(data, &args); err != nil {
			return args, fmt.Errorf("invalid o parameter: %w", err)
		}
	}
	return args, nil
}

// handleLegacy serves the plain-text API used by scripts:
// /vcli?action=add&id=...&cmd=...&wait=...
func (s *Server) handleLegacy(w http.ResponseWriter, r *http.Request) {
	args, err := parseLegacyArgs(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	ctx := r.Context()

	switch args.Action {
	case "create":
		fmt.Fprint(w, s.sched.NewSessionID())

	case "add":
		wait, err := session.ParseWait(deref(args.Wait))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmd, err := s.currentDefaults().Build(session.Request{
			SessionID: args.ID,
			Text:      args.Cmd,
			Wait:      wait,
			EOL:       args.EOL,
			Timeout:   args.Timeout,
			Priority:  args.Priority,
			Title:     args.Title,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.sched.AddCommand(ctx, cmd); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		fmt.Fprint(w, cmd.ID)

	case "result":
		type outcome struct {
			text string
			err  error
		}
		done := make(chan outcome, 1)
		if err := s.sched.GetResults(ctx, args.ID, func(text string, err error) {
			done <- outcome{text, err}
		}); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		select {
		case o := <-done:
			if o.err != nil {
				http.Error(w, o.err.Error(), statusFor(o.err))
				return
			}
			fmt.Fprint(w, o.text)
		case <-ctx.Done():
		}

	case "is_done":
		done, err := s.sched.IsDone(ctx, args.ID)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		if done {
			fmt.Fprint(w, "1")
		} else {
			fmt.Fprint(w, "0")
		}

	case "close":
		if err := s.sched.Close(ctx, args.ID); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		fmt.Fprint(w, "ok")

	case "ids":
		ids, err := s.sched.IDs(ctx)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		var b strings.Builder
		for _, id := range ids {
			b.WriteString(id)
			b.WriteString("\r\n")
		}
		fmt.Fprint(w, b.String())

	case "quit":
		if err := s.sched.CloseAll(ctx); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		fmt.Fprint(w, "ok")
		if s.onQuit != nil {
			s.log.Info("quit requested")
			go s.onQuit()
		}

	default:
		http.Error(w, fmt.Sprintf("unknown action %q", args.Action), http.StatusBadRequest)
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
