// Package peerlink wraps one Pion PeerConnection to a single remote
// participant. It is designed to be maximally standalone — it imports only
// Pion libraries, internal/media and stdlib. Coupling to the session layer
// is via the Config callbacks only.
package peerlink

import (
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/meshroom/internal/media"
)

// Signal is one complete SDP blob exchanged between two peers. Candidates are
// not trickled: the description is published only after ICE gathering
// finishes, so a link needs exactly one offer and one answer.
type Signal struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// RemoteTrack is an inbound media track from the remote participant.
type RemoteTrack struct {
	PeerID   string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// Config configures a new link. OnSignal, OnTrack and OnClose are invoked
// from Pion goroutines and must not block.
type Config struct {
	// PeerID identifies the remote participant, for logging and OnTrack.
	PeerID string

	// Initiator makes this side produce the offer as soon as the link is
	// created. The other side answers from Signal.
	Initiator bool

	// Media supplies local tracks. Nil means receive-only.
	Media media.Source

	OnSignal func(Signal)
	OnTrack  func(RemoteTrack)
	OnClose  func()
}

// Link is the surface the session layer drives.
type Link interface {
	// Signal feeds a remote description into the link.
	Signal(sig Signal) error
	// Close tears the connection down. Idempotent.
	Close()
}

// Factory creates links. The session layer takes one of these so tests can
// substitute in-memory fakes for real PeerConnections.
type Factory func(cfg Config) (Link, error)
