package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

// ErrUnreachable is returned when the destination is isolated or not running.
var ErrUnreachable = errors.New("site unreachable")

// DropRule decides whether a message in flight is lost.
type DropRule func(from, to protocol.SiteID, msg protocol.Message) bool

// MemoryNetwork connects daemons inside one process. Delivery is
// asynchronous, and messages can be dropped or sites cut off to model
// failures.
type MemoryNetwork struct {
	mu        sync.RWMutex
	handlers  map[protocol.SiteID]func(protocol.Message)
	isolated  map[protocol.SiteID]bool
	drop      DropRule
	observers []func(from, to protocol.SiteID, msg protocol.Message)
	wg        sync.WaitGroup
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		handlers: make(map[protocol.SiteID]func(protocol.Message)),
		isolated: make(map[protocol.SiteID]bool),
	}
}

// Register attaches the inbound handler of site, replacing any earlier one.
func (n *MemoryNetwork) Register(site protocol.SiteID, handler func(protocol.Message)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[site] = handler
}

// Unregister detaches site, as if its process died.
func (n *MemoryNetwork) Unregister(site protocol.SiteID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, site)
}

// Endpoint returns the Sender used by site.
func (n *MemoryNetwork) Endpoint(site protocol.SiteID) *Endpoint {
	return &Endpoint{network: n, site: site}
}

// SetDropRule installs rule; nil delivers everything.
func (n *MemoryNetwork) SetDropRule(rule DropRule) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = rule
}

// Isolate cuts site off in both directions until Heal.
func (n *MemoryNetwork) Isolate(site protocol.SiteID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[site] = true
}

func (n *MemoryNetwork) Heal(site protocol.SiteID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, site)
}

// OnSend registers fn to observe every send synchronously, before delivery.
func (n *MemoryNetwork) OnSend(fn func(from, to protocol.SiteID, msg protocol.Message)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, fn)
}

// Wait blocks until every delivery started so far has completed.
func (n *MemoryNetwork) Wait() {
	n.wg.Wait()
}

func (n *MemoryNetwork) send(from, to protocol.SiteID, msg protocol.Message) error {
	n.mu.RLock()
	observers := n.observers
	cut := n.isolated[from] || n.isolated[to]
	drop := n.drop
	_, running := n.handlers[to]
	n.mu.RUnlock()

	for _, observe := range observers {
		observe(from, to, msg)
	}

	if cut || !running {
		return ErrUnreachable
	}
	if drop != nil && drop(from, to, msg) {
		return nil
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		n.mu.RLock()
		handler, ok := n.handlers[to]
		cut := n.isolated[to]
		n.mu.RUnlock()

		if ok && !cut {
			handler(msg)
		}
	}()
	return nil
}

// Endpoint is one site's attachment to a MemoryNetwork.
type Endpoint struct {
	network *MemoryNetwork
	site    protocol.SiteID
}

func (e *Endpoint) Send(ctx context.Context, to protocol.SiteID, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return e.network.send(e.site, to, msg)
}
