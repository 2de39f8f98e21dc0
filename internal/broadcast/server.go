// Package broadcast implements a single-channel fan-out relay: every
// connected client receives every broadcast frame, the sender included.
// It complements the room-based signaling relay for clients that want a
// lobby-wide announcement channel instead of peer-to-peer routing.
package broadcast

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/horup/masterserver/internal/metrics"
	"github.com/horup/masterserver/internal/origin"
)

const (
	writeWait = 1 * time.Second

	// sendBuffer bounds the per-client outbound channel. A client that
	// cannot drain this many frames is disconnected rather than allowed to
	// stall the fan-out.
	sendBuffer = 64
)

type messageType string

const (
	messageTypeBroadcast messageType = "broadcast"
	messageTypeKeepAlive messageType = "keepAlive"
	messageTypeWelcome   messageType = "welcome"
)

// request is one inbound frame. Clients may echo their own id on a
// broadcast; the server ignores it and stamps the authoritative one.
type request struct {
	Type messageType `json:"type"`
	ID   string      `json:"id,omitempty"`
	Info string      `json:"info,omitempty"`
}

// event is one outbound frame. Info is an opaque application payload, for
// example an advertised room name or player count.
type event struct {
	Type messageType `json:"type"`
	ID   string      `json:"id,omitempty"`
	Info string      `json:"info,omitempty"`
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	AllowedOrigins []string

	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes int64
}

type Server struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64

	mu      sync.Mutex
	clients map[uuid.UUID]*client
}

type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan event

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		log:     log,
		metrics: cfg.Metrics,

		idleTimeout:     cfg.IdleTimeout,
		pingInterval:    cfg.PingInterval,
		maxMessageBytes: cfg.MaxMessageBytes,

		clients: make(map[uuid.UUID]*client),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			header := strings.TrimSpace(r.Header.Get("Origin"))
			if header == "" {
				return true
			}
			normalized, host, ok := origin.Normalize(header)
			return ok && origin.Allowed(normalized, host, r.Host, cfg.AllowedOrigins)
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /broadcast", s.handleConnect)
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (s *Server) effectiveIdleTimeout() time.Duration {
	if s.idleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.idleTimeout
}

func (s *Server) effectivePingInterval() time.Duration {
	if s.pingInterval <= 0 {
		return 20 * time.Second
	}
	return s.pingInterval
}

func (s *Server) effectiveMaxMessageBytes() int64 {
	if s.maxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.maxMessageBytes
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan event, sendBuffer),
	}
	log := s.log.With("client", c.id, "addr", conn.RemoteAddr().String())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(c)
	}()

	// The welcome goes on the queue before the client becomes visible to
	// fan-out, so it is always the first frame delivered.
	c.send <- event{Type: messageTypeWelcome, ID: c.id.String()}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	log.Info("broadcast client connected")

	s.readLoop(c, log)

	// Removal and channel close happen under the same lock that guards
	// fan-out, so no sender can hold a closed channel.
	s.mu.Lock()
	delete(s.clients, c.id)
	c.close()
	s.mu.Unlock()
	log.Info("broadcast client disconnected")

	<-writerDone
	_ = conn.Close()
}

func (s *Server) readLoop(c *client, log *slog.Logger) {
	idle := s.effectiveIdleTimeout()
	c.conn.SetReadLimit(s.effectiveMaxMessageBytes())
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		if msgType != websocket.TextMessage {
			log.Debug("closing on non-text frame")
			return
		}
		req, err := parseRequest(data)
		if err != nil {
			// Unlike the room relay, a malformed broadcast frame ends the
			// connection.
			log.Debug("closing on malformed frame", "err", err)
			writeClose(c.conn, websocket.CloseUnsupportedData, "malformed frame")
			return
		}

		switch req.Type {
		case messageTypeBroadcast:
			s.metrics.Inc(metrics.BroadcastRelayed)
			s.fanOut(event{Type: messageTypeBroadcast, ID: c.id.String(), Info: req.Info})
		default:
			// keepAlive refreshes the idle deadline by being read; any other
			// recognized type is server-to-client and ignored here.
		}
	}
}

// fanOut delivers ev to every connected client, the originator included.
// A client whose buffer is full is disconnected instead of blocking the
// sender.
func (s *Server) fanOut(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.send <- ev:
		default:
			s.log.Warn("disconnecting slow broadcast client", "client", c.id)
			_ = c.conn.Close()
		}
	}
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(s.effectivePingInterval())
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				writeClose(c.conn, websocket.CloseNormalClosure, "")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func parseRequest(data []byte) (request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req request
	if err := dec.Decode(&req); err != nil {
		return request{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return request{}, fmt.Errorf("unexpected trailing data")
	}
	switch req.Type {
	case messageTypeBroadcast, messageTypeKeepAlive, messageTypeWelcome:
		return req, nil
	default:
		return request{}, fmt.Errorf("unsupported request type %q", req.Type)
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
