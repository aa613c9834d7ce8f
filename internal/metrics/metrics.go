package metrics

import "sync"

// Event names incremented by the signaling and viewer layers.
const (
	RouteDropped     = "route_dropped"
	InboxOverflow    = "inbox_overflow"
	CandidateDropped = "candidate_dropped"
	AnswerBuffered   = "answer_buffered"
	SessionRetry     = "session_retry"
	SessionFailed    = "session_failed"
	SessionConnected = "session_connected"
	ChannelClosed    = "channel_closed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Counters exist to make drop/retry semantics observable and testable; the
// full set is exported in Prometheus' text format via PrometheusHandler.
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
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
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
