package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/meshroom/internal/channel"
	"github.com/petervdpas/meshroom/internal/peerlink"
)

// fakeLink performs a canned offer/answer handshake so coordinators under
// test complete mesh wiring without Pion.
type fakeLink struct {
	cfg peerlink.Config

	mu      sync.Mutex
	signals []peerlink.Signal
	closed  bool
}

func (l *fakeLink) Signal(sig peerlink.Signal) error {
	l.mu.Lock()
	l.signals = append(l.signals, sig)
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil
	}
	switch sig.Type {
	case "offer":
		go func() {
			l.cfg.OnSignal(peerlink.Signal{Type: "answer", SDP: "answer-sdp"})
			l.cfg.OnTrack(peerlink.RemoteTrack{PeerID: l.cfg.PeerID})
		}()
	case "answer":
		go l.cfg.OnTrack(peerlink.RemoteTrack{PeerID: l.cfg.PeerID})
	}
	return nil
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	if l.cfg.OnClose != nil {
		l.cfg.OnClose()
	}
}

type fakeFactory struct {
	mu    sync.Mutex
	links map[string][]*fakeLink
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{links: make(map[string][]*fakeLink)}
}

func (f *fakeFactory) New(cfg peerlink.Config) (peerlink.Link, error) {
	l := &fakeLink{cfg: cfg}
	f.mu.Lock()
	f.links[cfg.PeerID] = append(f.links[cfg.PeerID], l)
	f.mu.Unlock()
	if cfg.Initiator {
		go cfg.OnSignal(peerlink.Signal{Type: "offer", SDP: "offer-sdp"})
	}
	return l, nil
}

func (f *fakeFactory) count(peerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links[peerID])
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newCoordinator(hub *channel.Hub, f *fakeFactory, id, name string, host bool) *Coordinator {
	return New(Config{
		Channel: hub.Connect(id),
		Links:   f.New,
		Self:    Identity{ID: id, Username: name},
		Host:    host,
	})
}

func TestHostGuestAdmissionFlow(t *testing.T) {
	hub := channel.NewHub()
	hf, gf := newFakeFactory(), newFakeFactory()
	host := newCoordinator(hub, hf, "h1", "hilde", true)
	guest := newCoordinator(hub, gf, "g1", "gus", false)

	// Count guest announcements as a third connected party would see them.
	obs := hub.Connect("obs")
	var announceMu sync.Mutex
	announced := 0
	go func() {
		for ev := range obs.Events() {
			if ev.Kind != channel.KindBroadcast || ev.Event != EvUserConnected {
				continue
			}
			var p struct {
				UserID string `json:"userId"`
			}
			if json.Unmarshal(ev.Payload, &p) == nil && p.UserID == "g1" {
				announceMu.Lock()
				announced++
				announceMu.Unlock()
			}
		}
	}()

	if err := host.Join(); err != nil {
		t.Fatalf("host join: %v", err)
	}
	if host.Snapshot().Phase != PhaseAdmitted {
		t.Fatalf("host phase = %v, want admitted", host.Snapshot().Phase)
	}

	if err := guest.Join(); err != nil {
		t.Fatalf("guest join: %v", err)
	}
	if guest.Snapshot().Phase != PhaseWaiting {
		t.Fatalf("guest phase = %v, want waiting", guest.Snapshot().Phase)
	}

	waitFor(t, "guest on host's waiting list", func() bool {
		w := host.Snapshot().Waiting
		return len(w) == 1 && w[0].ID == "g1" && w[0].Username == "gus"
	})

	if err := guest.Admit("g1"); err == nil {
		t.Fatal("guest Admit should be rejected as host-only")
	}
	if err := host.Admit("g1"); err != nil {
		t.Fatalf("admit: %v", err)
	}

	waitFor(t, "guest admitted", func() bool {
		return guest.Snapshot().Phase == PhaseAdmitted
	})
	waitFor(t, "mesh wired both ways", func() bool {
		hs, gs := host.Snapshot(), guest.Snapshot()
		return len(hs.Peers) == 1 && hs.Peers[0].HasStream &&
			len(gs.Peers) == 1 && gs.Peers[0].HasStream
	})
	if n := hf.count("g1"); n != 1 {
		t.Fatalf("host made %d links to guest, want 1", n)
	}
	if n := gf.count("h1"); n != 1 {
		t.Fatalf("guest made %d links to host, want 1", n)
	}
	waitFor(t, "host off the waiting list", func() bool {
		return len(host.Snapshot().Waiting) == 0
	})

	announceMu.Lock()
	n := announced
	announceMu.Unlock()
	if n != 1 {
		t.Fatalf("guest announced %d times, want exactly 1", n)
	}
}

func TestDuplicateUserConnectedIsSuppressed(t *testing.T) {
	hub := channel.NewHub()
	f := newFakeFactory()
	host := newCoordinator(hub, f, "h1", "hilde", true)
	if err := host.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}

	other := hub.Connect("u2")
	if err := other.Track(channel.PresenceState{
		OnlineAt: time.Now(), Username: "uma", Status: channel.StatusAdmitted,
	}); err != nil {
		t.Fatalf("track: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := other.Broadcast(EvUserConnected, map[string]string{
			"userId": "u2", "username": "uma",
		}); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}

	waitFor(t, "one peer", func() bool {
		return len(host.Snapshot().Peers) == 1
	})
	if n := f.count("u2"); n != 1 {
		t.Fatalf("made %d links for u2, want 1", n)
	}
}

func TestPresenceDropTearsDownLink(t *testing.T) {
	hub := channel.NewHub()
	f := newFakeFactory()
	host := newCoordinator(hub, f, "h1", "hilde", true)
	if err := host.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}

	other := hub.Connect("u2")
	_ = other.Track(channel.PresenceState{
		OnlineAt: time.Now(), Username: "uma", Status: channel.StatusAdmitted,
	})
	_ = other.Broadcast(EvUserConnected, map[string]string{"userId": "u2", "username": "uma"})
	waitFor(t, "link up", func() bool { return len(host.Snapshot().Peers) == 1 })

	hub.DropPresence("u2")
	waitFor(t, "link torn down", func() bool { return len(host.Snapshot().Peers) == 0 })

	f.mu.Lock()
	link := f.links["u2"][0]
	f.mu.Unlock()
	link.mu.Lock()
	closed := link.closed
	link.mu.Unlock()
	if !closed {
		t.Fatal("departed peer's link not closed")
	}
}

func TestRejectionIsTerminal(t *testing.T) {
	hub := channel.NewHub()
	hf, gf := newFakeFactory(), newFakeFactory()
	host := newCoordinator(hub, hf, "h1", "hilde", true)
	guest := newCoordinator(hub, gf, "g1", "gus", false)

	if err := host.Join(); err != nil {
		t.Fatalf("host join: %v", err)
	}
	if err := guest.Join(); err != nil {
		t.Fatalf("guest join: %v", err)
	}
	waitFor(t, "waiting entry", func() bool { return len(host.Snapshot().Waiting) == 1 })

	if err := host.Deny("g1"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	waitFor(t, "guest rejected", func() bool {
		return guest.Snapshot().Phase == PhaseRejected
	})

	// A later approval must not resurrect the session.
	_ = host.Admit("g1")
	hub.DropPresence("nobody") // force another sync round
	time.Sleep(50 * time.Millisecond)
	if got := guest.Snapshot().Phase; got != PhaseRejected {
		t.Fatalf("guest phase = %v after rejection, want rejected", got)
	}
	for _, p := range hub.Connect("watcher").Presence() {
		if p.UserID == "g1" {
			t.Fatal("rejected guest still present")
		}
	}
}

func TestEntryDecisionForOtherIsIgnored(t *testing.T) {
	hub := channel.NewHub()
	f := newFakeFactory()
	host := newCoordinator(hub, f, "h1", "hilde", true)
	guest := newCoordinator(hub, newFakeFactory(), "g1", "gus", false)
	if err := host.Join(); err != nil {
		t.Fatalf("host join: %v", err)
	}
	if err := guest.Join(); err != nil {
		t.Fatalf("guest join: %v", err)
	}
	waitFor(t, "waiting entry", func() bool { return len(host.Snapshot().Waiting) == 1 })

	if err := host.Admit("someone-else"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := guest.Snapshot().Phase; got != PhaseWaiting {
		t.Fatalf("guest phase = %v, want waiting", got)
	}
}

func TestFilterChangeUpdatesOnlySender(t *testing.T) {
	hub := channel.NewHub()
	host := newCoordinator(hub, newFakeFactory(), "h1", "hilde", true)
	guest := newCoordinator(hub, newFakeFactory(), "g1", "gus", false)
	if err := host.Join(); err != nil {
		t.Fatalf("host join: %v", err)
	}
	if err := guest.Join(); err != nil {
		t.Fatalf("guest join: %v", err)
	}
	waitFor(t, "waiting entry", func() bool { return len(host.Snapshot().Waiting) == 1 })
	if err := host.Admit("g1"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	waitFor(t, "mesh wired", func() bool {
		return len(host.Snapshot().Peers) == 1 && len(guest.Snapshot().Peers) == 1
	})

	if err := guest.SetFilter("sepia"); err != nil {
		t.Fatalf("set filter: %v", err)
	}
	waitFor(t, "host sees guest filter", func() bool {
		ps := host.Snapshot().Peers
		return len(ps) == 1 && ps[0].Filter == "sepia"
	})
	if got := host.Snapshot().Filter; got != "" {
		t.Fatalf("host's own filter changed to %q", got)
	}
	if got := guest.Snapshot().Filter; got != "sepia" {
		t.Fatalf("guest filter = %q, want sepia", got)
	}
	gp := guest.Snapshot().Peers
	if len(gp) != 1 || gp[0].Filter == "sepia" {
		t.Fatalf("guest's view of host inherited the filter: %+v", gp)
	}
}

func TestRecordingAndMeetingEnd(t *testing.T) {
	hub := channel.NewHub()
	host := newCoordinator(hub, newFakeFactory(), "h1", "hilde", true)
	guest := newCoordinator(hub, newFakeFactory(), "g1", "gus", false)
	if err := host.Join(); err != nil {
		t.Fatalf("host join: %v", err)
	}
	if err := guest.Join(); err != nil {
		t.Fatalf("guest join: %v", err)
	}
	waitFor(t, "waiting entry", func() bool { return len(host.Snapshot().Waiting) == 1 })
	if err := host.Admit("g1"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	waitFor(t, "guest admitted", func() bool {
		return guest.Snapshot().Phase == PhaseAdmitted
	})

	if err := guest.StartRecording(); err == nil {
		t.Fatal("guest StartRecording should be host-only")
	}
	if err := host.StartRecording(); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	waitFor(t, "recording flag set everywhere", func() bool {
		return host.Snapshot().Recording && guest.Snapshot().Recording
	})
	if err := host.StopRecording(); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	waitFor(t, "recording flag cleared", func() bool {
		return !host.Snapshot().Recording && !guest.Snapshot().Recording
	})

	if err := host.EndMeeting(); err != nil {
		t.Fatalf("end meeting: %v", err)
	}
	waitFor(t, "everyone ended", func() bool {
		return host.Snapshot().Phase == PhaseEnded &&
			guest.Snapshot().Phase == PhaseEnded &&
			len(guest.Snapshot().Peers) == 0
	})
}

func TestMuteAndVideoTogglesAreLocal(t *testing.T) {
	hub := channel.NewHub()
	host := newCoordinator(hub, newFakeFactory(), "h1", "hilde", true)
	if err := host.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}

	snap := host.Snapshot()
	if snap.Muted || snap.VideoEnabled {
		t.Fatalf("initial toggles = %+v, want unmuted and no video without capture", snap)
	}

	updates, cancel := host.Subscribe()
	defer cancel()

	host.SetMuted(true)
	host.SetVideoEnabled(true)
	waitFor(t, "toggles in snapshot", func() bool {
		s := host.Snapshot()
		return s.Muted && s.VideoEnabled
	})

	// Repeating the same value must not emit another update.
	host.SetMuted(true)
	seen := map[string]int{}
	for done := false; !done; {
		select {
		case up := <-updates:
			seen[up.Reason]++
		case <-time.After(100 * time.Millisecond):
			done = true
		}
	}
	if seen["mute"] != 1 || seen["video"] != 1 {
		t.Fatalf("update reasons = %v, want one mute and one video", seen)
	}
}

// blockingLink parks in Signal until released, standing in for an answer
// that is still ICE-gathering.
type blockingLink struct {
	release chan struct{}
}

func (l *blockingLink) Signal(peerlink.Signal) error { <-l.release; return nil }
func (l *blockingLink) Close()                       {}

func TestSlowSignalDoesNotStallEventLoop(t *testing.T) {
	hub := channel.NewHub()
	release := make(chan struct{})
	defer close(release)
	host := New(Config{
		Channel: hub.Connect("h1"),
		Links: func(peerlink.Config) (peerlink.Link, error) {
			return &blockingLink{release: release}, nil
		},
		Self: Identity{ID: "h1", Username: "hilde"},
		Host: true,
	})
	if err := host.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}

	other := hub.Connect("u2")
	_ = other.Track(channel.PresenceState{
		OnlineAt: time.Now(), Username: "uma", Status: channel.StatusAdmitted,
	})
	_ = other.Broadcast(EvReceiveSignal, signalPayload{
		UserToSignal: "h1",
		CallerID:     "u2",
		CallerName:   "uma",
		Signal:       peerlink.Signal{Type: "offer", SDP: "offer-sdp"},
	})
	waitFor(t, "answer link created", func() bool {
		return len(host.Snapshot().Peers) == 1
	})

	// The answer is still gathering; other broadcasts must keep flowing.
	_ = other.Broadcast(EvRecordingStarted, struct{}{})
	waitFor(t, "recording flag while the answer hangs", func() bool {
		return host.Snapshot().Recording
	})
}

func TestChatPayloadIsRelayed(t *testing.T) {
	hub := channel.NewHub()
	got := make(chan string, 1)
	c := New(Config{
		Channel: hub.Connect("h1"),
		Links:   newFakeFactory().New,
		Self:    Identity{ID: "h1", Username: "hilde"},
		Host:    true,
		OnChat: func(from string, payload json.RawMessage) {
			got <- from
		},
	})
	if err := c.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}

	other := hub.Connect("u2")
	if err := other.Broadcast(EvReceiveMessage, map[string]string{"body": "hi"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	select {
	case from := <-got:
		if from != "u2" {
			t.Fatalf("chat from %q, want u2", from)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chat payload never relayed")
	}
}
