package peerlink

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

const (
	gatherTimeout = 10 * time.Second
	pliInterval   = 3 * time.Second
)

// Conn is the Pion-backed Link implementation.
type Conn struct {
	cfg Config
	pc  *webrtc.PeerConnection

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ Link = (*Conn)(nil)

// New builds a PeerConnection for cfg and, when cfg.Initiator is set, starts
// negotiating immediately. New is the default Factory.
func New(cfg Config) (Link, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.Media != nil {
		if err := cfg.Media.Populate(mediaEngine); err != nil {
			return nil, fmt.Errorf("populate media engine: %w", err)
		}
	} else {
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the link. The default disconnectedTimeout of 5 s is far too
	// short for relay paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &Conn{cfg: cfg, pc: pc, done: make(chan struct{})}

	haveVideo, haveAudio := false, false
	if cfg.Media != nil {
		for _, t := range cfg.Media.Tracks() {
			if _, err := pc.AddTrack(t); err != nil {
				log.Printf("PEER [%s]: AddTrack error: %v", cfg.PeerID, err)
				continue
			}
			switch t.Kind() {
			case webrtc.RTPCodecTypeVideo:
				haveVideo = true
			case webrtc.RTPCodecTypeAudio:
				haveAudio = true
			}
		}
	}
	// Recvonly transceivers for the kinds we don't send, so the offer always
	// carries valid m-lines with ICE credentials.
	if !haveVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("PEER [%s]: AddTransceiver(video) error: %v", cfg.PeerID, err)
		}
	}
	if !haveAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("PEER [%s]: AddTransceiver(audio) error: %v", cfg.PeerID, err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		log.Printf("PEER [%s]: remote track %s (%s)", cfg.PeerID, track.ID(), track.Kind())
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go c.pliLoop(track.SSRC())
		}
		if cfg.OnTrack != nil {
			cfg.OnTrack(RemoteTrack{PeerID: cfg.PeerID, Track: track, Receiver: recv})
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("PEER [%s]: connection state %s", cfg.PeerID, st)
		switch st {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.Close()
		}
	})

	if cfg.Initiator {
		go func() {
			if err := c.sendOffer(); err != nil {
				log.Printf("PEER [%s]: offer failed: %v", cfg.PeerID, err)
				c.Close()
			}
		}()
	}
	return c, nil
}

// Signal applies a remote description. An offer produces an answer through
// cfg.OnSignal; an answer completes negotiation.
func (c *Conn) Signal(sig Signal) error {
	switch sig.Type {
	case "offer":
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}
		if err := c.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := c.setLocalAndGather(answer); err != nil {
			return err
		}
		c.emitLocal()
		return nil
	case "answer":
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}
		if err := c.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
}

// Close tears the connection down and fires OnClose exactly once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Printf("PEER [%s]: close error: %v", c.cfg.PeerID, err)
	}
	if c.cfg.OnClose != nil {
		c.cfg.OnClose()
	}
}

func (c *Conn) sendOffer() error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.setLocalAndGather(offer); err != nil {
		return err
	}
	c.emitLocal()
	return nil
}

// setLocalAndGather applies desc and blocks until ICE gathering completes, so
// the emitted SDP carries every candidate.
func (c *Conn) setLocalAndGather(desc webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
		return nil
	case <-time.After(gatherTimeout):
		return fmt.Errorf("ICE gathering timed out")
	case <-c.done:
		return fmt.Errorf("link closed during gathering")
	}
}

func (c *Conn) emitLocal() {
	local := c.pc.LocalDescription()
	if local == nil || c.cfg.OnSignal == nil {
		return
	}
	c.cfg.OnSignal(Signal{Type: local.Type.String(), SDP: local.SDP})
}

// pliLoop periodically requests a keyframe for an inbound video track, so a
// consumer joining mid-stream does not wait on the encoder's own keyframe
// cadence.
func (c *Conn) pliLoop(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
			})
			if err != nil {
				return
			}
		}
	}
}
