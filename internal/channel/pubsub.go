package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// eventBufCap bounds the Events stream. The session coordinator drains it in
// a single loop; if it falls behind, oldest-drop matches the channel's
// best-effort delivery contract.
const eventBufCap = 256

// broadcastMsg is the wire format on the room's broadcast topic.
type broadcastMsg struct {
	Event   string          `json:"event"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts"`
}

// presenceMsg is the wire format on the room's presence topic.
type presenceMsg struct {
	Type  string        `json:"type"` // track | untrack
	State PresenceState `json:"state"`
	TS    int64         `json:"ts"`
}

const (
	presenceTrack   = "track"
	presenceUntrack = "untrack"
)

// Options configures a pubsub room channel.
type Options struct {
	TopicPrefix string
	RoomID      string
	SelfID      string
	TTL         time.Duration
	Heartbeat   time.Duration
}

// PubsubChannel implements Channel over two gossipsub topics:
// "<prefix><room>" for broadcasts and "<prefix><room>.presence" for
// presence records. Presence entries expire after the TTL; the local
// client's record is heartbeat-republished while tracked.
type PubsubChannel struct {
	opts   Options
	events chan Event

	bcTopic *pubsub.Topic
	bcSub   *pubsub.Subscription
	prTopic *pubsub.Topic
	prSub   *pubsub.Subscription

	mu      sync.Mutex
	entries map[string]presenceEntry // userID -> latest record
	self    *PresenceState           // currently tracked own state, nil if untracked
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type presenceEntry struct {
	state    PresenceState
	lastSeen time.Time
}

// JoinRoom subscribes to the room's broadcast and presence topics and starts
// the delivery, heartbeat and expiry loops.
func JoinRoom(ctx context.Context, ps *pubsub.PubSub, opts Options) (*PubsubChannel, error) {
	if opts.RoomID == "" {
		return nil, fmt.Errorf("room id is empty")
	}
	if opts.TTL <= 0 {
		opts.TTL = 20 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}

	bcName := opts.TopicPrefix + opts.RoomID
	prName := bcName + ".presence"

	bcTopic, err := ps.Join(bcName)
	if err != nil {
		return nil, fmt.Errorf("join broadcast topic: %w", err)
	}
	bcSub, err := bcTopic.Subscribe()
	if err != nil {
		bcTopic.Close()
		return nil, fmt.Errorf("subscribe broadcast topic: %w", err)
	}

	prTopic, err := ps.Join(prName)
	if err != nil {
		bcSub.Cancel()
		bcTopic.Close()
		return nil, fmt.Errorf("join presence topic: %w", err)
	}
	prSub, err := prTopic.Subscribe()
	if err != nil {
		prTopic.Close()
		bcSub.Cancel()
		bcTopic.Close()
		return nil, fmt.Errorf("subscribe presence topic: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c := &PubsubChannel{
		opts:    opts,
		events:  make(chan Event, eventBufCap),
		bcTopic: bcTopic,
		bcSub:   bcSub,
		prTopic: prTopic,
		prSub:   prSub,
		entries: make(map[string]presenceEntry),
		cancel:  cancel,
	}

	c.wg.Add(3)
	go c.broadcastLoop(loopCtx)
	go c.presenceLoop(loopCtx)
	go c.tickLoop(loopCtx)

	log.Printf("CHANNEL: joined room %s", opts.RoomID)
	return c, nil
}

func (c *PubsubChannel) Broadcast(event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	msg := broadcastMsg{
		Event:   event,
		From:    c.opts.SelfID,
		Payload: raw,
		TS:      time.Now().UnixMilli(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.bcTopic.Publish(context.Background(), b)
}

func (c *PubsubChannel) Track(state PresenceState) error {
	state.UserID = c.opts.SelfID
	if state.OnlineAt.IsZero() {
		state.OnlineAt = time.Now().UTC()
	}

	c.mu.Lock()
	c.self = &state
	c.mu.Unlock()

	// Apply locally first so our own snapshot includes us even before the
	// pubsub loopback arrives.
	c.upsert(state)
	return c.publishPresence(presenceTrack, state)
}

func (c *PubsubChannel) Untrack() error {
	c.mu.Lock()
	self := c.self
	c.self = nil
	c.mu.Unlock()

	if self == nil {
		return nil
	}
	c.remove(self.UserID)
	return c.publishPresence(presenceUntrack, *self)
}

func (c *PubsubChannel) publishPresence(typ string, state PresenceState) error {
	b, err := json.Marshal(presenceMsg{Type: typ, State: state, TS: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return c.prTopic.Publish(context.Background(), b)
}

func (c *PubsubChannel) Presence() []PresenceState {
	c.mu.Lock()
	out := make([]PresenceState, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.state)
	}
	c.mu.Unlock()

	sortPresence(out)
	return out
}

func (c *PubsubChannel) Events() <-chan Event { return c.events }

// Close tears the channel down: best-effort untrack, cancel loops, close
// topics. Idempotent.
func (c *PubsubChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	self := c.self
	c.self = nil
	c.mu.Unlock()

	if self != nil {
		_ = c.publishPresence(presenceUntrack, *self)
	}

	c.cancel()
	c.bcSub.Cancel()
	c.prSub.Cancel()
	_ = c.bcTopic.Close()
	_ = c.prTopic.Close()

	c.wg.Wait()
	close(c.events)

	log.Printf("CHANNEL: left room %s", c.opts.RoomID)
	return nil
}

// ─── Delivery loops ──────────────────────────────────────────────────────────

func (c *PubsubChannel) broadcastLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		m, err := c.bcSub.Next(ctx)
		if err != nil {
			return
		}
		var bm broadcastMsg
		if err := json.Unmarshal(m.Data, &bm); err != nil {
			continue
		}
		if bm.Event == "" {
			continue
		}
		c.emit(Event{Kind: KindBroadcast, Event: bm.Event, From: bm.From, Payload: bm.Payload})
	}
}

func (c *PubsubChannel) presenceLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		m, err := c.prSub.Next(ctx)
		if err != nil {
			return
		}
		var pm presenceMsg
		if err := json.Unmarshal(m.Data, &pm); err != nil {
			continue
		}
		if pm.State.UserID == "" {
			continue
		}
		// Our own records already applied locally in Track/Untrack.
		if pm.State.UserID == c.opts.SelfID {
			continue
		}
		switch pm.Type {
		case presenceTrack:
			c.upsert(pm.State)
		case presenceUntrack:
			c.remove(pm.State.UserID)
		}
	}
}

// tickLoop republishes our own presence record (heartbeat) and expires
// remote records not refreshed within the TTL.
func (c *PubsubChannel) tickLoop(ctx context.Context) {
	defer c.wg.Done()
	t := time.NewTicker(c.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			self := c.self
			c.mu.Unlock()
			if self != nil {
				_ = c.publishPresence(presenceTrack, *self)
			}
			c.expire(time.Now().Add(-c.opts.TTL))
		}
	}
}

// ─── Snapshot maintenance ────────────────────────────────────────────────────

// upsert records a presence state and emits a snapshot when it changed.
func (c *PubsubChannel) upsert(state PresenceState) {
	c.mu.Lock()
	prev, existed := c.entries[state.UserID]
	c.entries[state.UserID] = presenceEntry{state: state, lastSeen: time.Now()}
	changed := !existed || prev.state != state
	c.mu.Unlock()

	if changed {
		c.emitSnapshot()
	}
}

func (c *PubsubChannel) remove(userID string) {
	c.mu.Lock()
	_, existed := c.entries[userID]
	delete(c.entries, userID)
	c.mu.Unlock()

	if existed {
		c.emitSnapshot()
	}
}

func (c *PubsubChannel) expire(cutoff time.Time) {
	c.mu.Lock()
	var dropped bool
	for id, e := range c.entries {
		if id == c.opts.SelfID {
			continue
		}
		if e.lastSeen.Before(cutoff) {
			delete(c.entries, id)
			dropped = true
			log.Printf("CHANNEL: presence expired for %s", id)
		}
	}
	c.mu.Unlock()

	if dropped {
		c.emitSnapshot()
	}
}

func (c *PubsubChannel) emitSnapshot() {
	c.emit(Event{Kind: KindPresence, Presence: c.Presence()})
}

func (c *PubsubChannel) emit(evt Event) {
	select {
	case c.events <- evt:
	default:
		log.Printf("CHANNEL: event buffer full, dropping %s", evt.Kind)
	}
}
