package realtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"vcli/internal/protocol"
	"vcli/internal/session"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendQueueSize = 256
	opTimeout     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The listener is bound to loopback.
	},
}

// Scheduler is the session layer as seen by the transport.
type Scheduler interface {
	session.Service
	NewSessionID() string
	IDs(ctx context.Context) ([]string, error)
	Status(ctx context.Context, id string) (session.Status, error)
	List(ctx context.Context) ([]session.Status, error)
	IsDone(ctx context.Context, id string) (bool, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Subscribe(ctx context.Context, id string) (session.Subscription, error)
	Unsubscribe(ctx context.Context, id, subID string) error
}

// Options configures a Server.
type Options struct {
	// Token, when set, must be passed as the "s" query parameter.
	Token    string
	Defaults session.Defaults
	Logger   *slog.Logger
	// OnQuit is called after a legacy quit request closed every session.
	OnQuit func()
}

// Server exposes the scheduler over WebSocket and plain HTTP.
type Server struct {
	sched  Scheduler
	token  string
	log    *slog.Logger
	onQuit func()

	defaultsMu sync.RWMutex
	defaults   session.Defaults

	clients   map[*client]bool
	clientsMu sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	server *Server

	mu     sync.Mutex
	send   chan []byte
	closed bool
	// subscriptions maps session id to subscription id.
	subscriptions map[string]string
}

// New creates a new realtime server.
func New(sched Scheduler, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		sched:    sched,
		token:    opts.Token,
		log:      opts.Logger,
		onQuit:   opts.OnQuit,
		defaults: opts.Defaults,
		clients:  make(map[*client]bool),
	}
}

// SetDefaults replaces the values applied to commands that leave fields out.
func (s *Server) SetDefaults(d session.Defaults) {
	s.defaultsMu.Lock()
	defer s.defaultsMu.Unlock()
	s.defaults = d
}

func (s *Server) currentDefaults() session.Defaults {
	s.defaultsMu.RLock()
	defer s.defaultsMu.RUnlock()
	return s.defaults
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Legacy query-string API.
	mux.HandleFunc("GET /vcli", s.handleLegacy)

	// REST views.
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)

	return corsMiddleware(s.authMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := r.URL.Query().Get("s")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				s.log.Warn("rejected request", "path", r.URL.Path, "remote", r.RemoteAddr)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "err", err)
		return
	}

	c := &client{
		conn:          conn,
		server:        s,
		send:          make(chan []byte, sendQueueSize),
		subscriptions: make(map[string]string),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read", "err", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues data for the write pump. Messages for a departed or
// backed-up client are dropped.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = nil
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	for sessionID, subID := range subs {
		s.sched.Unsubscribe(ctx, sessionID, subID)
	}
}

// handleMessage processes a validated client message. Replies carry the
// request id; results replies arrive once the session is done.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, "", protocol.ErrInvalidMessage, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch msg.Type {
	case protocol.TypeCommandAdd:
		s.handleWSAddCommand(ctx, c, msg)
	case protocol.TypeResultsGet:
		s.handleWSGetResults(ctx, c, msg)
	case protocol.TypeSessionClose:
		var p protocol.SessionIDPayload
		msg.Decode(&p)
		s.reply(c, msg.ID, protocol.TypeAck, nil, s.sched.Close(ctx, p.SessionID))
	case protocol.TypeSessionCloseAll:
		s.reply(c, msg.ID, protocol.TypeAck, nil, s.sched.CloseAll(ctx))
	case protocol.TypeSessionCreate:
		s.reply(c, msg.ID, protocol.TypeSessionCreated, protocol.SessionCreatedPayload{SessionID: s.sched.NewSessionID()}, nil)
	case protocol.TypeSessionListIDs:
		ids, err := s.sched.IDs(ctx)
		s.reply(c, msg.ID, protocol.TypeSessionIDs, protocol.SessionIDsPayload{IDs: ids}, err)
	case protocol.TypeSessionGetStatus:
		var p protocol.SessionIDPayload
		msg.Decode(&p)
		st, err := s.sched.Status(ctx, p.SessionID)
		s.reply(c, msg.ID, protocol.TypeSessionStatus, st, err)
	case protocol.TypeSessionPause:
		var p protocol.SessionIDPayload
		msg.Decode(&p)
		s.reply(c, msg.ID, protocol.TypeAck, nil, s.sched.Pause(ctx, p.SessionID))
	case protocol.TypeSessionResume:
		var p protocol.SessionIDPayload
		msg.Decode(&p)
		s.reply(c, msg.ID, protocol.TypeAck, nil, s.sched.Resume(ctx, p.SessionID))
	case protocol.TypeSessionSubscribe:
		s.handleWSSubscribe(ctx, c, msg)
	}
}

func (s *Server) handleWSAddCommand(ctx context.Context, c *client, msg *protocol.Message) {
	var p protocol.CommandAddPayload
	msg.Decode(&p)

	req, err := p.Request()
	if err != nil {
		s.sendError(c, msg.ID, protocol.ErrInvalidMessage, err.Error())
		return
	}
	cmd, err := s.currentDefaults().Build(req)
	if err != nil {
		s.sendError(c, msg.ID, protocol.ErrInvalidMessage, err.Error())
		return
	}
	err = s.sched.AddCommand(ctx, cmd)
	s.reply(c, msg.ID, protocol.TypeAck, protocol.AckPayload{CommandID: cmd.ID}, err)
}

func (s *Server) handleWSGetResults(ctx context.Context, c *client, msg *protocol.Message) {
	var p protocol.SessionIDPayload
	msg.Decode(&p)

	err := s.sched.GetResults(ctx, p.SessionID, func(text string, err error) {
		s.reply(c, msg.ID, protocol.TypeResults, protocol.ResultsPayload{SessionID: p.SessionID, Text: text}, err)
	})
	if err != nil {
		s.reply(c, msg.ID, "", nil, err)
	}
}

func (s *Server) handleWSSubscribe(ctx context.Context, c *client, msg *protocol.Message) {
	var p protocol.SessionIDPayload
	msg.Decode(&p)

	c.mu.Lock()
	_, exists := c.subscriptions[p.SessionID]
	c.mu.Unlock()
	if exists {
		s.reply(c, msg.ID, protocol.TypeAck, nil, nil)
		return
	}

	sub, err := s.sched.Subscribe(ctx, p.SessionID)
	if err != nil {
		s.reply(c, msg.ID, "", nil, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.sched.Unsubscribe(ctx, p.SessionID, sub.ID)
		return
	}
	c.subscriptions[p.SessionID] = sub.ID
	c.mu.Unlock()

	s.reply(c, msg.ID, protocol.TypeAck, nil, nil)

	// Send history, then forward new events until the session closes.
	for _, event := range sub.History {
		s.sendEvent(c, msg.ID, event)
	}
	go func() {
		for event := range sub.Events {
			s.sendEvent(c, msg.ID, event)
		}
	}()
}

func (s *Server) sendEvent(c *client, id string, event session.Event) {
	s.send(c, id, protocol.TypeSessionEvent, event)
}

// reply answers a request with payload, or with an error message when err
// is set.
func (s *Server) reply(c *client, id, msgType string, payload interface{}, err error) {
	if err != nil {
		s.sendError(c, id, protocol.CodeFor(err), err.Error())
		return
	}
	s.send(c, id, msgType, payload)
}

func (s *Server) send(c *client, id, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(id, msgType, payload)
	if err != nil {
		s.log.Error("encode reply", "type", msgType, "err", err)
		return
	}
	data, _ := json.Marshal(msg)
	if !c.enqueue(data) {
		s.log.Debug("dropped reply", "type", msgType, "id", id)
	}
}

func (s *Server) sendError(c *client, id, code, message string) {
	msg, _ := protocol.NewErrorMessage(id, code, message)
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

// CloseClients disconnects every WebSocket client.
func (s *Server) CloseClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		c.conn.Close()
	}
}
