// Package dashboard provides a real-time WebSocket server for loader status.
//
// The dashboard broadcasts pass results, per-source outcomes and config
// reloads to connected WebSocket clients, and serves the latest status as
// JSON for scripts and health checks. A client that connects between
// passes is caught up with the newest result of every table.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypePassComplete indicates every data source was synchronized
	MessageTypePassComplete MessageType = "pass_complete"

	// MessageTypePassFailed indicates a pass was aborted by a failing source
	MessageTypePassFailed MessageType = "pass_failed"

	// MessageTypeSourceSynced indicates one data source was synchronized
	MessageTypeSourceSynced MessageType = "source_synced"

	// MessageTypeConfigReloaded indicates the configuration file was reloaded
	MessageTypeConfigReloaded MessageType = "config_reloaded"

	// MessageTypeStats indicates updated running totals
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Table     string          `json:"table,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// clientQueue is how many messages may wait for a client before it is
// dropped as too slow.
const clientQueue = 64

// client is one WebSocket connection and its outgoing queue.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	// mu guards clients and latest together so a new client's catch-up and
	// live messages never overlap.
	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  map[string]Message

	broadcast chan Message

	// Latest status document served on /status
	status   json.RawMessage
	statusMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "dashboard"),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*client]struct{}),
		latest:    make(map[string]Message),
		broadcast: make(chan Message, 100),
		status:    json.RawMessage(`{}`),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sources", s.handleSources)
	mux.HandleFunc("GET /sources/{table}", s.handleSource)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.fanOut()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	s.cancel()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.closeClient(c, websocket.StatusGoingAway, "Server shutting down")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Info("dashboard server stopped")
	return nil
}

// Broadcast queues a message for every connected client. Messages without a
// timestamp are stamped on delivery.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast queue full, dropping message", "type", string(msg.Type), "table", msg.Table)
	}
}

// SetStatus replaces the document served on /status and sent to new
// clients.
func (s *Server) SetStatus(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	s.statusMu.Lock()
	s.status = data
	s.statusMu.Unlock()
	return nil
}

// Status returns the current status document.
func (s *Server) Status() json.RawMessage {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Latest returns the newest source_synced message of every table, ordered
// by table name.
func (s *Server) Latest() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestLocked()
}

func (s *Server) latestLocked() []Message {
	msgs := make([]Message, 0, len(s.latest))
	for _, msg := range s.latest {
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Table < msgs[j].Table })
	return msgs
}

// fanOut records per-table results and hands every message to the client
// queues.
func (s *Server) fanOut() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("failed to marshal message", "type", string(msg.Type), "error", err)
				continue
			}

			var slow []*client
			s.mu.Lock()
			if msg.Type == MessageTypeSourceSynced && msg.Table != "" {
				s.latest[msg.Table] = msg
			}
			for c := range s.clients {
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
					delete(s.clients, c)
				}
			}
			s.mu.Unlock()

			for _, c := range slow {
				s.logger.Warn("client too slow, disconnecting", "queued", len(c.send))
				s.closeClient(c, websocket.StatusPolicyViolation, "too slow")
			}
		}
	}
}

// handleWebSocket upgrades the connection, queues the current status and
// the latest result of every table, then registers the client for live
// messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	welcome, _ := json.Marshal(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      s.Status(),
	})

	s.mu.Lock()
	catchUp := s.latestLocked()
	c := &client{
		conn: conn,
		send: make(chan []byte, clientQueue+1+len(catchUp)),
		done: make(chan struct{}),
	}
	c.send <- welcome
	for _, msg := range catchUp {
		if data, err := json.Marshal(msg); err == nil {
			c.send <- data
		}
	}
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()

	s.logger.Debug("client connected", "clients", count, "catch_up", len(catchUp))

	go s.writeLoop(c)
	go s.readLoop(c)
}

// writeLoop drains a client's queue onto its connection.
func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("failed to send to client", "error", err)
				s.removeClient(c)
				return
			}
		}
	}
}

// readLoop notices disconnects; client messages are ignored.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c)

	for {
		if _, _, err := c.conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	count := len(s.clients)
	s.mu.Unlock()

	if ok {
		s.closeClient(c, websocket.StatusNormalClosure, "")
		s.logger.Debug("client disconnected", "clients", count)
	}
}

func (s *Server) closeClient(c *client, code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	clients, tables := len(s.clients), len(s.latest)
	s.mu.RUnlock()

	writeJSON(w, map[string]any{
		"status":  "ok",
		"clients": clients,
		"tables":  tables,
	})
}

// handleStatus returns the latest status document
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.Status())
}

// handleSources returns the latest result of every table.
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	latest := s.Latest()
	out := make([]json.RawMessage, 0, len(latest))
	for _, msg := range latest {
		out = append(out, msg.Data)
	}
	writeJSON(w, out)
}

// handleSource returns the latest result of one table.
func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")

	s.mu.RLock()
	msg, ok := s.latest[table]
	s.mu.RUnlock()

	if !ok {
		http.Error(w, fmt.Sprintf("no result for table %q yet", table), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(msg.Data)
}

var rootPage = template.Must(template.New("root").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>DeepLynx Loader</title>
</head>
<body>
    <h1>DeepLynx Loader</h1>
    <p>WebSocket endpoint: <code>ws://{{.Host}}/ws</code></p>
    <p>Latest status: <a href="/status">/status</a>, health: <a href="/health">/health</a></p>
    {{if .Tables}}<table>
        <tr><th>Table</th><th>Last synced</th></tr>
        {{range .Tables}}<tr><td><a href="/sources/{{.Table}}">{{.Table}}</a></td><td>{{.Timestamp.Format "2006-01-02 15:04:05"}}</td></tr>
        {{end}}
    </table>{{else}}<p>No pass has finished yet.</p>{{end}}
</body>
</html>`))

// handleRoot lists the tables the dashboard has seen.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	err := rootPage.Execute(w, struct {
		Host   string
		Tables []Message
	}{r.Host, s.Latest()})
	if err != nil {
		s.logger.Debug("failed to render root page", "error", err)
	}
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
