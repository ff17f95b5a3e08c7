// Package synchistory is an append-only, in-memory audit trail of
// completed drain and reconciliation passes, logged as structured zap
// events the same way core/cross_chain_connection.go logs cross-chain
// lifecycle events.
package synchistory

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind distinguishes which driver produced an entry.
type Kind string

const (
	KindRelayDrain         Kind = "relay_drain"
	KindPeerReconciliation Kind = "peer_reconciliation"
	KindPushEntity         Kind = "push_entity"
)

// Entry is one completed pass, carrying the same (attempted, applied,
// skipped, failures) tuple the caller already computed.
type Entry struct {
	Kind       Kind
	EntityType string
	PeerOrMesh string
	Attempted  int
	Applied    int
	Skipped    int
	Failures   int
	At         time.Time
}

// Ring is a bounded, append-only ring buffer of recent Entry values,
// readable for introspection (e.g. a future admin endpoint) without
// needing to scrape logs.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
	next    int
	full    bool

	logger *zap.Logger
}

// NewRing returns a Ring holding at most capacity entries. A nil logger
// falls back to zap's no-op logger so callers never need a nil check.
func NewRing(capacity int, logger *zap.Logger) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ring{entries: make([]Entry, capacity), cap: capacity, logger: logger}
}

// Record appends e, overwriting the oldest entry once the ring is full,
// and emits a structured log line.
func (r *Ring) Record(e Entry) {
	r.mu.Lock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()

	r.logger.Info("sync pass completed",
		zap.String("kind", string(e.Kind)),
		zap.String("entity_type", e.EntityType),
		zap.String("peer_or_mesh", e.PeerOrMesh),
		zap.Int("attempted", e.Attempted),
		zap.Int("applied", e.Applied),
		zap.Int("skipped", e.Skipped),
		zap.Int("failures", e.Failures),
	)
}

// Recent returns the stored entries, oldest first.
func (r *Ring) Recent() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, r.cap)
	copy(out, r.entries[r.next:])
	copy(out[r.cap-r.next:], r.entries[:r.next])
	return out
}
