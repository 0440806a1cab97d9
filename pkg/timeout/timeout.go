// Package timeout provides per-machine protocol timers.
//
// Timers fire into a channel the owning state machine selects on, so timeout
// handling runs on the machine's goroutine. A timer that is re-armed or
// disarmed after firing but before its event is consumed is reported as stale
// by Fired.
package timeout

import (
	"sync"
	"time"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

// Kind names what a timer guards
type Kind string

const (
	KindVote        Kind = "vote"
	KindAck         Kind = "ack"
	KindTermination Kind = "termination"
	KindInDoubt     Kind = "in-doubt"
)

// Event is delivered when a timer expires. Peer is empty for timers that are
// not tied to one remote site.
type Event struct {
	Kind Kind
	Peer protocol.SiteID
	gen  uint64
}

type key struct {
	kind Kind
	peer protocol.SiteID
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Manager owns the timers of one state machine.
type Manager struct {
	mu     sync.Mutex
	timers map[key]*entry
	gen    uint64
	events chan Event
	done   chan struct{}
	closed bool
}

func NewManager() *Manager {
	return &Manager{
		timers: make(map[key]*entry),
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
}

// C is the channel expired timers are delivered on.
func (m *Manager) C() <-chan Event {
	return m.events
}

// Arm starts a timer for (kind, peer), replacing any armed one.
func (m *Manager) Arm(kind Kind, peer protocol.SiteID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	k := key{kind: kind, peer: peer}
	if old, ok := m.timers[k]; ok {
		old.timer.Stop()
	}

	m.gen++
	ev := Event{Kind: kind, Peer: peer, gen: m.gen}
	e := &entry{gen: m.gen}
	e.timer = time.AfterFunc(d, func() {
		select {
		case m.events <- ev:
		case <-m.done:
		}
	})
	m.timers[k] = e
}

// Disarm cancels the timer for (kind, peer) if armed.
func (m *Manager) Disarm(kind Kind, peer protocol.SiteID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{kind: kind, peer: peer}
	if e, ok := m.timers[k]; ok {
		e.timer.Stop()
		delete(m.timers, k)
	}
}

// DisarmKind cancels every timer of kind regardless of peer.
func (m *Manager) DisarmKind(kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.timers {
		if k.kind == kind {
			e.timer.Stop()
			delete(m.timers, k)
		}
	}
}

func (m *Manager) DisarmAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.timers {
		e.timer.Stop()
		delete(m.timers, k)
	}
}

// Armed reports whether a timer for (kind, peer) is pending.
func (m *Manager) Armed(kind Kind, peer protocol.SiteID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[key{kind: kind, peer: peer}]
	return ok
}

// Fired consumes ev. It returns false when ev belongs to a timer that was
// since disarmed or re-armed.
func (m *Manager) Fired(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{kind: ev.Kind, peer: ev.Peer}
	e, ok := m.timers[k]
	if !ok || e.gen != ev.gen {
		return false
	}
	delete(m.timers, k)
	return true
}

// Close stops all timers and releases goroutines blocked on delivery.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for k, e := range m.timers {
		e.timer.Stop()
		delete(m.timers, k)
	}
	close(m.done)
}

// Backoff doubles from Initial up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Next returns the delay before retry number attempt, counting from zero.
func (b Backoff) Next(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = time.Second
	}
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
