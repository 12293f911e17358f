// Package session coordinates one participant's room membership: admission
// through the waiting room, peer mesh wiring over the realtime channel,
// filter sync and the host's moderation controls. It holds the single owned
// peer collection; everything else observes it through snapshots.
package session

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/meshroom/internal/channel"
	"github.com/petervdpas/meshroom/internal/media"
	"github.com/petervdpas/meshroom/internal/peerlink"
)

// Phase is the admission state of the local participant.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseWaiting
	PhaseAdmitted
	PhaseRejected // terminal
	PhaseEnded    // terminal
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseWaiting:
		return "waiting"
	case PhaseAdmitted:
		return "admitted"
	case PhaseRejected:
		return "rejected"
	case PhaseEnded:
		return "ended"
	}
	return "unknown"
}

// Identity names the local participant.
type Identity struct {
	ID       string `json:"userId"`
	Username string `json:"username"`
}

// PeerInfo is the observable state of one remote participant's link.
type PeerInfo struct {
	ID        string `json:"userId"`
	Username  string `json:"username"`
	Filter    string `json:"filter"`
	HasStream bool   `json:"hasStream"`
}

// WaitingEntry is one participant awaiting the host's decision.
type WaitingEntry struct {
	ID       string `json:"userId"`
	Username string `json:"username"`
}

// Snapshot is a point-in-time copy of the coordinator's state.
type Snapshot struct {
	Phase        Phase          `json:"-"`
	PhaseName    string         `json:"phase"`
	Self         Identity       `json:"self"`
	Host         bool           `json:"host"`
	Filter       string         `json:"filter"`
	Recording    bool           `json:"recording"`
	Muted        bool           `json:"muted"`
	VideoEnabled bool           `json:"videoEnabled"`
	Peers        []PeerInfo     `json:"peers"`
	Waiting      []WaitingEntry `json:"waiting"`
}

// Update is pushed to subscribers after every state change.
type Update struct {
	Reason   string   `json:"reason"`
	Snapshot Snapshot `json:"snapshot"`
}

type peer struct {
	id        string
	username  string
	filter    string
	link      peerlink.Link
	hasStream bool
}

// Config wires a Coordinator to its collaborators.
type Config struct {
	Channel channel.Channel
	Links   peerlink.Factory
	Media   media.Source // nil = receive-only
	Self    Identity
	Host    bool   // decided at room creation, never re-derived
	Filter  string // initial video filter

	// OnChat receives every receive-message broadcast, sender included.
	OnChat func(from string, payload json.RawMessage)
	// OnRemoteTrack fires when a peer's media arrives.
	OnRemoteTrack func(t peerlink.RemoteTrack)
	// SaveFilter persists the local filter choice. May be nil.
	SaveFilter func(filter string) error
}

// Coordinator is the room session state machine.
type Coordinator struct {
	cfg Config

	mu        sync.RWMutex
	phase     Phase
	peers     map[string]*peer
	waiting   []WaitingEntry
	filter    string
	recording bool
	muted     bool
	videoOn   bool
	announced bool // user-connected broadcast sent

	listenerMu sync.RWMutex
	listeners  map[chan Update]struct{}

	leaveOnce sync.Once
	done      chan struct{}
}

// New creates a Coordinator. Call Join to enter the room.
func New(cfg Config) *Coordinator {
	if cfg.Links == nil {
		cfg.Links = peerlink.New
	}
	return &Coordinator{
		cfg:       cfg,
		phase:     PhaseConnecting,
		peers:     make(map[string]*peer),
		filter:    cfg.Filter,
		videoOn:   cfg.Media != nil,
		listeners: make(map[chan Update]struct{}),
		done:      make(chan struct{}),
	}
}

// Join enters the room. The host is admitted immediately; everyone else
// tracks presence as waiting and asks for entry. The event loop runs until
// Leave or the channel closes.
func (c *Coordinator) Join() error {
	c.mu.Lock()
	if c.phase != PhaseConnecting {
		c.mu.Unlock()
		return fmt.Errorf("join: already %s", c.phase)
	}
	c.mu.Unlock()

	if c.cfg.Host {
		if err := c.enterAdmitted(); err != nil {
			return err
		}
	} else {
		if err := c.cfg.Channel.Track(channel.PresenceState{
			OnlineAt: time.Now(),
			UserID:   c.cfg.Self.ID,
			Username: c.cfg.Self.Username,
			Status:   channel.StatusWaiting,
		}); err != nil {
			return fmt.Errorf("track waiting: %w", err)
		}
		if err := c.cfg.Channel.Broadcast(EvRequestEntry, requestEntryPayload{
			UserID:   c.cfg.Self.ID,
			Username: c.cfg.Self.Username,
		}); err != nil {
			log.Printf("SESSION: request-entry broadcast failed: %v", err)
		}
		c.mu.Lock()
		c.phase = PhaseWaiting
		c.mu.Unlock()
	}

	go c.loop()
	c.emit("joined")
	return nil
}

// enterAdmitted re-tracks presence as admitted and announces the local
// participant. The announcement goes out exactly once per session.
func (c *Coordinator) enterAdmitted() error {
	if err := c.cfg.Channel.Track(channel.PresenceState{
		OnlineAt: time.Now(),
		UserID:   c.cfg.Self.ID,
		Username: c.cfg.Self.Username,
		Status:   channel.StatusAdmitted,
		JoinTime: time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("track admitted: %w", err)
	}

	c.mu.Lock()
	c.phase = PhaseAdmitted
	announce := !c.announced
	c.announced = true
	filter := c.filter
	c.mu.Unlock()

	if announce {
		if err := c.cfg.Channel.Broadcast(EvUserConnected, userConnectedPayload{
			UserID:   c.cfg.Self.ID,
			Username: c.cfg.Self.Username,
			Filter:   filter,
		}); err != nil {
			log.Printf("SESSION: user-connected broadcast failed: %v", err)
		}
	}
	return nil
}

// loop is the single event goroutine; every handler runs here, so handlers
// are atomic with respect to each other.
func (c *Coordinator) loop() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.cfg.Channel.Events():
			if !ok {
				c.handleChannelClosed()
				return
			}
			switch ev.Kind {
			case channel.KindPresence:
				c.handlePresence(ev.Presence)
			case channel.KindBroadcast:
				c.handleBroadcast(ev)
			}
		}
	}
}

func (c *Coordinator) handleBroadcast(ev channel.Event) {
	switch ev.Event {
	case EvReceiveMessage:
		if c.cfg.OnChat != nil {
			c.cfg.OnChat(ev.From, ev.Payload)
		}
	case EvUserConnected:
		var p userConnectedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.handleUserConnected(p)
		}
	case EvReceiveSignal:
		var p signalPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.handleReceiveSignal(p)
		}
	case EvReceiveReturnSignal:
		var p returnSignalPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.handleReturnSignal(p)
		}
	case EvRequestEntry:
		var p requestEntryPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.handleRequestEntry(p)
		}
	case EvEntryDecision:
		var p entryDecisionPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.handleEntryDecision(p)
		}
	case EvFilterChanged:
		var p filterChangedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.handleFilterChanged(p)
		}
	case EvRecordingStarted:
		c.setRecording(true)
	case EvRecordingStopped:
		c.setRecording(false)
	case EvMeetingEnded:
		c.handleMeetingEnded()
	}
}

// handlePresence reconciles local state against a full presence snapshot.
// This is the sole departure mechanism: links whose id is absent from the
// admitted set are closed here and nowhere else.
func (c *Coordinator) handlePresence(states []channel.PresenceState) {
	c.mu.Lock()
	if c.phase == PhaseRejected || c.phase == PhaseEnded {
		c.mu.Unlock()
		return
	}

	admitted := make(map[string]bool)
	var waiting []WaitingEntry
	seen := make(map[string]bool)
	for _, s := range states {
		if s.UserID == c.cfg.Self.ID {
			continue
		}
		switch s.Status {
		case channel.StatusAdmitted:
			admitted[s.UserID] = true
		case channel.StatusWaiting:
			if !seen[s.UserID] {
				seen[s.UserID] = true
				waiting = append(waiting, WaitingEntry{ID: s.UserID, Username: s.Username})
			}
		}
	}

	changed := false
	if c.cfg.Host {
		c.waiting = waiting
		changed = true
	}
	var closing []peerlink.Link
	for id, p := range c.peers {
		if !admitted[id] {
			closing = append(closing, p.link)
			delete(c.peers, id)
			changed = true
			log.Printf("SESSION: peer %s left, link removed", id)
		}
	}
	c.mu.Unlock()

	for _, l := range closing {
		if l != nil {
			l.Close()
		}
	}
	if changed {
		c.emit("presence")
	}
}

// handleUserConnected wires an initiator link to a newly announced peer.
// Duplicates are suppressed: at most one link per id.
func (c *Coordinator) handleUserConnected(p userConnectedPayload) {
	if p.UserID == c.cfg.Self.ID {
		return
	}
	c.mu.Lock()
	if c.phase != PhaseAdmitted {
		c.mu.Unlock()
		return
	}
	if existing, ok := c.peers[p.UserID]; ok {
		existing.username = p.Username
		existing.filter = p.Filter
		c.mu.Unlock()
		c.emit("peer-updated")
		return
	}
	c.mu.Unlock()

	link, err := c.newLink(p.UserID, true)
	if err != nil {
		log.Printf("SESSION: initiator link to %s failed: %v", p.UserID, err)
		return
	}
	c.mu.Lock()
	c.peers[p.UserID] = &peer{id: p.UserID, username: p.Username, filter: p.Filter, link: link}
	c.mu.Unlock()
	log.Printf("SESSION: initiating link to %s (%s)", p.UserID, p.Username)
	c.emit("peer-added")
}

// handleReceiveSignal answers an inbound offer, or feeds a follow-up signal
// into the existing link.
func (c *Coordinator) handleReceiveSignal(p signalPayload) {
	if p.UserToSignal != c.cfg.Self.ID {
		return
	}
	c.mu.Lock()
	if c.phase != PhaseAdmitted {
		c.mu.Unlock()
		return
	}
	if existing, ok := c.peers[p.CallerID]; ok {
		existing.filter = p.Filter
		link := existing.link
		c.mu.Unlock()
		// Feeding a signal can block on ICE gathering; keep the event
		// loop free for presence syncs meanwhile.
		go func() {
			if err := link.Signal(p.Signal); err != nil {
				log.Printf("SESSION: signal from %s rejected: %v", p.CallerID, err)
			}
		}()
		c.emit("peer-updated")
		return
	}
	c.mu.Unlock()

	link, err := c.newLink(p.CallerID, false)
	if err != nil {
		log.Printf("SESSION: answer link to %s failed: %v", p.CallerID, err)
		return
	}
	c.mu.Lock()
	c.peers[p.CallerID] = &peer{id: p.CallerID, username: p.CallerName, filter: p.Filter, link: link}
	c.mu.Unlock()
	go func() {
		if err := link.Signal(p.Signal); err != nil {
			log.Printf("SESSION: offer from %s rejected: %v", p.CallerID, err)
		}
	}()
	log.Printf("SESSION: answering link to %s (%s)", p.CallerID, p.CallerName)
	c.emit("peer-added")
}

func (c *Coordinator) handleReturnSignal(p returnSignalPayload) {
	if p.UserToSignal != c.cfg.Self.ID {
		return
	}
	c.mu.RLock()
	existing, ok := c.peers[p.CallerID]
	c.mu.RUnlock()
	if !ok {
		log.Printf("SESSION: return signal from unknown peer %s", p.CallerID)
		return
	}
	link := existing.link
	go func() {
		if err := link.Signal(p.Signal); err != nil {
			log.Printf("SESSION: return signal from %s rejected: %v", p.CallerID, err)
		}
	}()
}

// newLink creates a peer link whose signals flow back over the channel. The
// initiator relays offers as receive-signal; the answerer replies with
// receive-return-signal.
func (c *Coordinator) newLink(peerID string, initiator bool) (peerlink.Link, error) {
	onSignal := func(sig peerlink.Signal) {
		var err error
		if initiator {
			c.mu.RLock()
			filter := c.filter
			c.mu.RUnlock()
			err = c.cfg.Channel.Broadcast(EvReceiveSignal, signalPayload{
				UserToSignal: peerID,
				CallerID:     c.cfg.Self.ID,
				Signal:       sig,
				CallerName:   c.cfg.Self.Username,
				Filter:       filter,
			})
		} else {
			err = c.cfg.Channel.Broadcast(EvReceiveReturnSignal, returnSignalPayload{
				Signal:       sig,
				CallerID:     c.cfg.Self.ID,
				UserToSignal: peerID,
			})
		}
		if err != nil {
			log.Printf("SESSION: signal relay to %s failed: %v", peerID, err)
		}
	}
	onTrack := func(t peerlink.RemoteTrack) {
		c.mu.Lock()
		if p, ok := c.peers[peerID]; ok {
			p.hasStream = true
		}
		c.mu.Unlock()
		c.emit("peer-stream")
		if c.cfg.OnRemoteTrack != nil {
			c.cfg.OnRemoteTrack(t)
		}
	}
	onClose := func() {
		// Transport failure only. Roster departure goes through presence
		// reconciliation; here we just drop the dead link so a fresh
		// user-connected can rebuild it.
		c.mu.Lock()
		_, ok := c.peers[peerID]
		if ok {
			delete(c.peers, peerID)
		}
		c.mu.Unlock()
		if ok {
			log.Printf("SESSION: link to %s closed", peerID)
			c.emit("peer-link-closed")
		}
	}
	return c.cfg.Links(peerlink.Config{
		PeerID:    peerID,
		Initiator: initiator,
		Media:     c.cfg.Media,
		OnSignal:  onSignal,
		OnTrack:   onTrack,
		OnClose:   onClose,
	})
}

// handleRequestEntry adds a knock to the host's waiting list ahead of the
// next presence sync.
func (c *Coordinator) handleRequestEntry(p requestEntryPayload) {
	if !c.cfg.Host || p.UserID == c.cfg.Self.ID {
		return
	}
	c.mu.Lock()
	for _, w := range c.waiting {
		if w.ID == p.UserID {
			c.mu.Unlock()
			return
		}
	}
	if _, admitted := c.peers[p.UserID]; admitted {
		c.mu.Unlock()
		return
	}
	c.waiting = append(c.waiting, WaitingEntry{ID: p.UserID, Username: p.Username})
	c.mu.Unlock()
	log.Printf("SESSION: %s (%s) requests entry", p.Username, p.UserID)
	c.emit("waiting")
}

func (c *Coordinator) handleEntryDecision(p entryDecisionPayload) {
	if c.cfg.Host {
		c.removeWaiting(p.TargetID)
	}
	if p.TargetID != c.cfg.Self.ID {
		return
	}
	c.mu.Lock()
	if c.phase != PhaseWaiting {
		c.mu.Unlock()
		return
	}
	if p.Decision == DecisionRejected {
		c.phase = PhaseRejected
		c.mu.Unlock()
		if err := c.cfg.Channel.Untrack(); err != nil {
			log.Printf("SESSION: untrack after rejection failed: %v", err)
		}
		log.Printf("SESSION: entry rejected")
		c.emit("rejected")
		return
	}
	c.mu.Unlock()
	if err := c.enterAdmitted(); err != nil {
		log.Printf("SESSION: admitted transition failed: %v", err)
		return
	}
	log.Printf("SESSION: entry approved")
	c.emit("admitted")
}

func (c *Coordinator) handleFilterChanged(p filterChangedPayload) {
	if p.UserID == c.cfg.Self.ID {
		return
	}
	c.mu.Lock()
	peer, ok := c.peers[p.UserID]
	if ok {
		peer.filter = p.Filter
	}
	c.mu.Unlock()
	if ok {
		c.emit("filter")
	}
}

func (c *Coordinator) setRecording(on bool) {
	c.mu.Lock()
	changed := c.recording != on
	c.recording = on
	c.mu.Unlock()
	if changed {
		c.emit("recording")
	}
}

func (c *Coordinator) handleMeetingEnded() {
	c.teardown(PhaseEnded, "meeting-ended")
}

func (c *Coordinator) handleChannelClosed() {
	c.mu.RLock()
	terminal := c.phase == PhaseEnded || c.phase == PhaseRejected
	c.mu.RUnlock()
	if !terminal {
		log.Printf("SESSION: channel closed unexpectedly")
		c.teardown(PhaseEnded, "channel-closed")
	}
}

func (c *Coordinator) teardown(final Phase, reason string) {
	c.mu.Lock()
	if c.phase == PhaseEnded || c.phase == PhaseRejected {
		c.mu.Unlock()
		return
	}
	c.phase = final
	links := make([]peerlink.Link, 0, len(c.peers))
	for _, p := range c.peers {
		links = append(links, p.link)
	}
	c.peers = make(map[string]*peer)
	c.waiting = nil
	c.mu.Unlock()

	for _, l := range links {
		if l != nil {
			l.Close()
		}
	}
	if err := c.cfg.Channel.Untrack(); err != nil {
		log.Printf("SESSION: untrack failed: %v", err)
	}
	c.emit(reason)
}

// ---- public controls ----

// Admit approves a waiting participant. Host only.
func (c *Coordinator) Admit(id string) error { return c.decide(id, DecisionApproved) }

// Deny rejects a waiting participant. Host only.
func (c *Coordinator) Deny(id string) error { return c.decide(id, DecisionRejected) }

func (c *Coordinator) decide(id, decision string) error {
	if !c.cfg.Host {
		return fmt.Errorf("entry decisions are host-only")
	}
	if err := c.cfg.Channel.Broadcast(EvEntryDecision, entryDecisionPayload{
		TargetID: id,
		Decision: decision,
	}); err != nil {
		return fmt.Errorf("broadcast entry-decision: %w", err)
	}
	c.removeWaiting(id)
	c.emit("decision")
	return nil
}

func (c *Coordinator) removeWaiting(id string) {
	c.mu.Lock()
	for i, w := range c.waiting {
		if w.ID == id {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// SetFilter records the local filter, persists it and announces the change.
// Others' broadcasts never touch the local filter.
func (c *Coordinator) SetFilter(id string) error {
	known := false
	for _, f := range Filters {
		if f == id {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown filter %q", id)
	}
	c.mu.Lock()
	c.filter = id
	c.mu.Unlock()
	if c.cfg.SaveFilter != nil {
		if err := c.cfg.SaveFilter(id); err != nil {
			log.Printf("SESSION: filter persist failed: %v", err)
		}
	}
	if err := c.cfg.Channel.Broadcast(EvFilterChanged, filterChangedPayload{
		UserID: c.cfg.Self.ID,
		Filter: id,
	}); err != nil {
		return fmt.Errorf("broadcast filter-changed: %w", err)
	}
	c.emit("filter")
	return nil
}

// SetMuted records the local microphone toggle.
func (c *Coordinator) SetMuted(muted bool) {
	c.mu.Lock()
	changed := c.muted != muted
	c.muted = muted
	c.mu.Unlock()
	if changed {
		c.emit("mute")
	}
}

// SetVideoEnabled records the local camera toggle.
func (c *Coordinator) SetVideoEnabled(on bool) {
	c.mu.Lock()
	changed := c.videoOn != on
	c.videoOn = on
	c.mu.Unlock()
	if changed {
		c.emit("video")
	}
}

// StartRecording announces recording. Host only; the local recorder is wired
// separately through OnRemoteTrack.
func (c *Coordinator) StartRecording() error { return c.hostFlag(EvRecordingStarted) }

// StopRecording announces the end of recording. Host only.
func (c *Coordinator) StopRecording() error { return c.hostFlag(EvRecordingStopped) }

func (c *Coordinator) hostFlag(event string) error {
	if !c.cfg.Host {
		return fmt.Errorf("%s is host-only", event)
	}
	if err := c.cfg.Channel.Broadcast(event, struct{}{}); err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	return nil
}

// EndMeeting announces the end of the meeting for everyone. Host only.
func (c *Coordinator) EndMeeting() error {
	if !c.cfg.Host {
		return fmt.Errorf("meeting-ended is host-only")
	}
	if err := c.cfg.Channel.Broadcast(EvMeetingEnded, struct{}{}); err != nil {
		return fmt.Errorf("broadcast meeting-ended: %w", err)
	}
	return nil
}

// Leave tears the session down: links closed, presence untracked, channel
// closed. Best effort and synchronous; it does not wait for in-flight
// operations.
func (c *Coordinator) Leave() {
	c.leaveOnce.Do(func() {
		c.teardown(PhaseEnded, "left")
		close(c.done)
		if err := c.cfg.Channel.Close(); err != nil {
			log.Printf("SESSION: channel close failed: %v", err)
		}
	})
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		Phase:        c.phase,
		PhaseName:    c.phase.String(),
		Self:         c.cfg.Self,
		Host:         c.cfg.Host,
		Filter:       c.filter,
		Recording:    c.recording,
		Muted:        c.muted,
		VideoEnabled: c.videoOn,
		Peers:        make([]PeerInfo, 0, len(c.peers)),
		Waiting:      append([]WaitingEntry(nil), c.waiting...),
	}
	for _, p := range c.peers {
		snap.Peers = append(snap.Peers, PeerInfo{
			ID:        p.id,
			Username:  p.username,
			Filter:    p.filter,
			HasStream: p.hasStream,
		})
	}
	return snap
}

// Subscribe registers a state listener. Updates that cannot be delivered
// without blocking are dropped.
func (c *Coordinator) Subscribe() (ch chan Update, cancel func()) {
	ch = make(chan Update, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

func (c *Coordinator) emit(reason string) {
	u := Update{Reason: reason, Snapshot: c.Snapshot()}
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- u:
		default:
			log.Printf("SESSION: slow listener, update dropped")
		}
	}
	c.listenerMu.RUnlock()
}
