package metrics

import "sync"

// Event counter names used across the server.
const (
	PeerJoined        = "peer_joined"
	PeerDeparted      = "peer_departed"
	RoomFilled        = "room_filled"
	SignalRelayed     = "signal_relayed"
	SignalUnknownPeer = "signal_unknown_peer"
	ProtocolError     = "protocol_error"
	RateLimited       = "rate_limited"
	BroadcastRelayed  = "broadcast_relayed"
)

// Metrics is a minimal, concurrency-safe counter registry. It keeps the
// relay's bookkeeping testable without pulling in a metrics backend; the
// counters are exported for scraping via PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
