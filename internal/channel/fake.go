package channel

import (
	"fmt"
	"sync"
)

// Hub is an in-memory channel fabric for tests: every FakeChannel connected
// to the same hub sees the others' broadcasts and presence changes, with the
// same contract as the pubsub implementation (self-loopback, full snapshot
// on every presence change).
type Hub struct {
	mu       sync.Mutex
	members  map[string]*FakeChannel
	presence map[string]PresenceState
}

func NewHub() *Hub {
	return &Hub{
		members:  make(map[string]*FakeChannel),
		presence: make(map[string]PresenceState),
	}
}

// Connect attaches a new participant to the hub.
func (h *Hub) Connect(userID string) *FakeChannel {
	c := &FakeChannel{
		hub:    h,
		selfID: userID,
		events: make(chan Event, 1024),
	}
	h.mu.Lock()
	h.members[userID] = c
	h.mu.Unlock()
	return c
}

// DropPresence simulates a TTL expiry: the participant's presence record
// vanishes without an untrack, and everyone gets a fresh snapshot.
func (h *Hub) DropPresence(userID string) {
	h.mu.Lock()
	delete(h.presence, userID)
	h.mu.Unlock()
	h.syncAll()
}

func (h *Hub) snapshot() []PresenceState {
	h.mu.Lock()
	out := make([]PresenceState, 0, len(h.presence))
	for _, s := range h.presence {
		out = append(out, s)
	}
	h.mu.Unlock()
	sortPresence(out)
	return out
}

func (h *Hub) syncAll() {
	snap := h.snapshot()
	h.mu.Lock()
	members := make([]*FakeChannel, 0, len(h.members))
	for _, m := range h.members {
		members = append(members, m)
	}
	h.mu.Unlock()
	for _, m := range members {
		m.deliver(Event{Kind: KindPresence, Presence: snap})
	}
}

func (h *Hub) broadcast(evt Event) {
	h.mu.Lock()
	members := make([]*FakeChannel, 0, len(h.members))
	for _, m := range h.members {
		members = append(members, m)
	}
	h.mu.Unlock()
	for _, m := range members {
		m.deliver(evt)
	}
}

// FakeChannel is the test double handed out by Hub.Connect.
type FakeChannel struct {
	hub    *Hub
	selfID string
	events chan Event

	mu     sync.Mutex
	closed bool
}

var _ Channel = (*FakeChannel)(nil)

func (c *FakeChannel) Broadcast(event string, payload any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("channel closed")
	}
	c.mu.Unlock()

	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	c.hub.broadcast(Event{Kind: KindBroadcast, Event: event, From: c.selfID, Payload: raw})
	return nil
}

func (c *FakeChannel) Track(state PresenceState) error {
	state.UserID = c.selfID
	c.hub.mu.Lock()
	c.hub.presence[c.selfID] = state
	c.hub.mu.Unlock()
	c.hub.syncAll()
	return nil
}

func (c *FakeChannel) Untrack() error {
	c.hub.mu.Lock()
	delete(c.hub.presence, c.selfID)
	c.hub.mu.Unlock()
	c.hub.syncAll()
	return nil
}

func (c *FakeChannel) Presence() []PresenceState { return c.hub.snapshot() }

func (c *FakeChannel) Events() <-chan Event { return c.events }

func (c *FakeChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	delete(c.hub.members, c.selfID)
	delete(c.hub.presence, c.selfID)
	c.hub.mu.Unlock()
	c.hub.syncAll()

	close(c.events)
	return nil
}

func (c *FakeChannel) deliver(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- evt:
	default:
	}
}
