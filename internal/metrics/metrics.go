package metrics

import "sync"

// Event counter names.
const (
	CallsCreated        = "calls_created"
	CallStatusUpdates   = "call_status_updates"
	CallStatusConflicts = "call_status_conflicts"

	SignalsRelayed  = "signals_relayed"
	SignalsRejected = "signals_rejected"

	InboxConnections    = "inbox_connections"
	InboxPublished      = "inbox_published"
	InboxDelivered      = "inbox_delivered"
	InboxDroppedBacklog = "inbox_dropped_backlog"
	InboxDroppedInvalid = "inbox_dropped_invalid"

	AuthFailure = "auth_failure"

	DropReasonRateLimited = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry. A nil *Metrics
// discards all updates.
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
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
