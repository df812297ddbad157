package messaging

import (
	"fmt"
	"sync"
)

// Hub is an in-process message switch connecting Loopback transports.
// Tests and single-node runs use it in place of the network.
type Hub struct {
	mu      sync.RWMutex
	members map[string]*Loopback
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[string]*Loopback)}
}

// Join attaches a new endpoint to the hub.
func (h *Hub) Join(nodeUUID string) *Loopback {
	h.mu.Lock()
	defer h.mu.Unlock()
	lb := &Loopback{
		hub:   h,
		uuid:  nodeUUID,
		inbox: make(chan *Envelope, 256),
		seen:  newRefCache(),
	}
	h.members[nodeUUID] = lb
	return lb
}

// Drop detaches an endpoint, simulating a lost peer.
func (h *Hub) Drop(nodeUUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lb, ok := h.members[nodeUUID]; ok {
		close(lb.inbox)
		delete(h.members, nodeUUID)
	}
}

// Loopback is the Transport handed out by a Hub.
type Loopback struct {
	hub   *Hub
	uuid  string
	inbox chan *Envelope
	seen  *refCache
}

// LocalUUID identifies this endpoint.
func (l *Loopback) LocalUUID() string { return l.uuid }

// Inbox is the stream of received envelopes.
func (l *Loopback) Inbox() <-chan *Envelope { return l.inbox }

// Send routes an envelope through the hub. Broadcasts skip the sender.
func (l *Loopback) Send(env *Envelope) error {
	l.hub.mu.RLock()
	defer l.hub.mu.RUnlock()

	if env.To != "" {
		target, ok := l.hub.members[env.To]
		if !ok {
			return fmt.Errorf("messaging: unknown peer %s", env.To)
		}
		target.deliver(env)
		return nil
	}
	for uuid, member := range l.hub.members {
		if uuid == l.uuid {
			continue
		}
		member.deliver(env)
	}
	return nil
}

func (l *Loopback) deliver(env *Envelope) {
	if l.seen.observe(env.Reference) {
		return
	}
	select {
	case l.inbox <- env:
	default:
		// Inbox full: the envelope is dropped and Send still reports
		// success, so nothing resends it.
	}
}

// Close detaches from the hub.
func (l *Loopback) Close() error {
	l.hub.Drop(l.uuid)
	return nil
}
