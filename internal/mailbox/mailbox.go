// Package mailbox implements the outbound mailbox: a bounded FIFO of
// messages produced by background components (notably the AI bridge)
// that must not write directly to a socket. The server's mailbox pump
// drains it on a fixed interval; posting an entry does not wake the pump.
// Routing drained entries through each connection's writer preserves the
// single-writer-per-connection invariant even though multiple producers
// run concurrently.
package mailbox

import (
	"sync"

	"github.com/xqserver/xqserver/internal/protocol"
)

// Handle identifies a destination connection.
type Handle int64

// Entry is one queued outbound message.
type Entry struct {
	Destination Handle
	Kind        protocol.Kind
	Payload     any
}

// Mailbox is a bounded, concurrency-safe FIFO of Entry values. Producers
// call Post; the server's mailbox pump calls Drain on each tick to claim
// everything queued so far. A full mailbox drops the oldest entry rather than
// blocking a producer — background workers must never stall on a slow
// drain.
type Mailbox struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	dropped  uint64
}

// New creates a Mailbox bounded at capacity entries. capacity <= 0 means
// unbounded.
func New(capacity int) *Mailbox {
	return &Mailbox{capacity: capacity}
}

// Post enqueues an entry for later delivery. If the mailbox is at
// capacity, the oldest entry is dropped to make room — delivery of a
// stale background message is worth less than forward progress.
func (m *Mailbox) Post(entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capacity > 0 && len(m.entries) >= m.capacity {
		m.entries = m.entries[1:]
		m.dropped++
	}
	m.entries = append(m.entries, entry)
}

// Drain atomically removes and returns every currently queued entry.
func (m *Mailbox) Drain() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return nil
	}
	out := m.entries
	m.entries = nil
	return out
}

// Dropped reports how many entries have been discarded for capacity
// reasons since creation.
func (m *Mailbox) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Len reports the number of entries currently queued.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
