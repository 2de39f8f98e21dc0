package signaling

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/horup/masterserver/internal/metrics"
	"github.com/horup/masterserver/internal/origin"
	"github.com/horup/masterserver/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins is the browser Origin allowlist for the WebSocket
	// upgrade. Empty means same-host only.
	AllowedOrigins []string

	// IdleTimeout closes a connection that produced no frame (including
	// pongs) for this long. PingInterval must be shorter.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Clock overrides the rate limiter clock in tests.
	Clock ratelimit.Clock
}

// Server implements the room-based signaling relay.
//
// Each accepted connection walks a three-phase lifecycle: its requested
// room is first pending under the connection address, then pending under
// the freshly assigned peer identity, and finally active as a room member
// driven by a per-connection relay loop.
type Server struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry
	upgrader websocket.Upgrader
	clock    ratelimit.Clock

	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int

	mu    sync.Mutex
	conns map[*peerConn]struct{}
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		log:      log,
		metrics:  cfg.Metrics,
		registry: NewRegistry(log),
		clock:    cfg.Clock,

		idleTimeout:          cfg.IdleTimeout,
		pingInterval:         cfg.PingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,

		conns: make(map[*peerConn]struct{}),
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

// Registry exposes the room directory, mainly for tests and health probes.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{room}", s.handleConnect)
}

// Close force-closes every live connection, driving each relay loop to its
// departure transition.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (s *Server) track(c *peerConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *peerConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
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

func (s *Server) newLimiter() *ratelimit.TokenBucket {
	rate := s.maxMessagesPerSecond
	if rate <= 0 {
		rate = 50
	}
	return ratelimit.NewTokenBucket(s.clock, int64(rate), int64(rate))
}

// roomFromRequest derives the requested room from the handshake: the path
// names the room and the `next` query parameter optionally sets a target
// capacity. A missing or unparsable capacity leaves the room open-ended.
func roomFromRequest(r *http.Request) RoomDescriptor {
	room := RoomDescriptor{RoomID: r.PathValue("room")}
	if raw := r.URL.Query().Get("next"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			room.Capacity = n
		}
	}
	return room
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	room := roomFromRequest(r)
	if room.RoomID == "" {
		http.NotFound(w, r)
		return
	}

	addr := r.RemoteAddr
	if err := s.registry.RegisterPending(addr, room); err != nil {
		// The address is already mid-handshake elsewhere: local state is
		// corrupt for this connection. Drop it; the process keeps serving.
		s.log.Error("pending registration failed", "addr", addr, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.DropPending(addr)
		return
	}

	id := uuid.New()
	if _, err := s.registry.Promote(addr, id); err != nil {
		s.log.Error("identity promotion failed", "addr", addr, "peer", id, "err", err)
		writeClose(conn, websocket.CloseInternalServerErr, "registration failed")
		_ = conn.Close()
		return
	}

	c := &peerConn{
		srv:     s,
		conn:    conn,
		id:      id,
		limiter: s.newLimiter(),
		log:     s.log.With("peer", id, "room", room.RoomID, "addr", addr),
	}
	s.track(c)
	c.run()
	s.untrack(c)
}

// peerConn drives one connection through Joining, Active and Closed.
type peerConn struct {
	srv     *Server
	conn    *websocket.Conn
	id      uuid.UUID
	out     *outQueue
	limiter *ratelimit.TokenBucket
	log     *slog.Logger
}

func (c *peerConn) run() {
	defer c.conn.Close()

	room, err := c.srv.registry.Claim(c.id)
	if err != nil {
		c.log.Error("room claim failed", "err", err)
		writeClose(c.conn, websocket.CloseInternalServerErr, "join failed")
		return
	}

	c.out = newOutQueue()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	// The peer learns its identity before any membership event can reach
	// it: idAssigned is enqueued ahead of the join.
	c.out.Enqueue(idAssignedEvent(c.id))

	prior := c.srv.registry.Join(c.id, room, c.out)
	c.srv.metrics.Inc(metrics.PeerJoined)
	if room.Capacity > 0 && len(prior) == room.Capacity-1 {
		c.srv.metrics.Inc(metrics.RoomFilled)
		c.log.Info("room filled", "capacity", room.Capacity)
	}
	c.log.Info("peer joined", "prior_members", len(prior))

	for _, m := range prior {
		if err := c.srv.registry.Send(m, newPeerEvent(c.id)); err != nil {
			// The prior member raced its own departure; the snapshot was
			// consistent when taken, so this is merely log-worthy.
			c.log.Warn("new-peer notification failed", "to", m, "err", err)
		}
	}

	c.readLoop()
	c.depart()

	c.out.Close()
	<-writerDone
}

func (c *peerConn) readLoop() {
	idle := c.srv.effectiveIdleTimeout()
	c.conn.SetReadLimit(c.srv.effectiveMaxMessageBytes())
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			// Transport error or close frame: fatal for this connection.
			c.log.Debug("read loop ended", "err", err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.RateLimited)
			c.log.Warn("message rate limit exceeded")
			writeClose(c.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			c.srv.metrics.Inc(metrics.ProtocolError)
			c.log.Debug("ignoring non-text frame")
			continue
		}

		req, err := parseRequest(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.ProtocolError)
			c.log.Debug("ignoring malformed request", "err", err)
			continue
		}

		switch req.Type {
		case messageTypeSignal:
			if err := c.srv.registry.Send(req.To, signalEvent(c.id, req.Data)); err != nil {
				c.srv.metrics.Inc(metrics.SignalUnknownPeer)
				c.log.Warn("dropping signal for unknown peer", "to", req.To)
				continue
			}
			c.srv.metrics.Inc(metrics.SignalRelayed)
		case messageTypeKeepAlive:
			// Nothing to do: reading the frame already refreshed the idle
			// deadline.
		}
	}
}

// depart runs the Closed transition: remove the peer and tell the
// remaining room members. Safe to reach from any read-loop exit.
func (c *peerConn) depart() {
	removed, ok := c.srv.registry.Remove(c.id)
	if !ok {
		return
	}
	c.srv.metrics.Inc(metrics.PeerDeparted)
	c.log.Info("peer departed")

	// Every active peer of the room hears about the departure, including
	// matched peers that a fill-reset already took off the waiting list.
	for _, m := range c.srv.registry.RoomPeers(removed.Room, c.id) {
		if err := c.srv.registry.Send(m, peerLeftEvent(c.id)); err != nil {
			c.log.Warn("peer-left notification failed", "to", m, "err", err)
		}
	}
}

func (c *peerConn) writeLoop() {
	ticker := time.NewTicker(c.srv.effectivePingInterval())
	defer ticker.Stop()

	for {
		if !c.flush() {
			return
		}

		select {
		case <-c.out.Wake():
		case <-c.out.Done():
			if c.flush() {
				writeClose(c.conn, websocket.CloseNormalClosure, "")
			}
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// flush writes every queued event. It reports false once the connection is
// unusable for writes.
func (c *peerConn) flush() bool {
	for {
		ev, ok := c.out.TryDequeue()
		if !ok {
			return true
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			// Unblock the read loop as well.
			_ = c.conn.Close()
			return false
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
