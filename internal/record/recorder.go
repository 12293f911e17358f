// Package record writes remote participants' media to WebM files on the
// host. Inbound RTP is depacketized with pion/rtp; the EBML muxing is local.
package record

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/meshroom/internal/peerlink"
)

// Recorder captures one room's remote tracks, one WebM file per participant
// per recording run. Tracks are consumed continuously; frames are only
// written between Start and Stop.
type Recorder struct {
	dir    string
	roomID string

	mu     sync.Mutex
	on     bool
	active map[string]*capture
}

type capture struct {
	peerID string
	file   *os.File
	mux    *muxer
}

// New creates a recorder that writes into dir.
func New(dir, roomID string) *Recorder {
	return &Recorder{
		dir:    dir,
		roomID: roomID,
		active: make(map[string]*capture),
	}
}

// Start begins a recording run.
func (r *Recorder) Start() error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}
	r.mu.Lock()
	r.on = true
	r.mu.Unlock()
	log.Printf("RECORD: started for room %s", r.roomID)
	return nil
}

// Stop ends the run and closes every open file.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.on = false
	captures := r.active
	r.active = make(map[string]*capture)
	r.mu.Unlock()

	for _, c := range captures {
		if err := c.mux.finish(); err != nil {
			log.Printf("RECORD: finish %s: %v", c.peerID, err)
		}
		if err := c.file.Close(); err != nil {
			log.Printf("RECORD: close %s: %v", c.peerID, err)
		}
		log.Printf("RECORD: wrote %s", c.file.Name())
	}
}

// HandleTrack consumes a remote track for the rest of its life. Wire it to
// the session's OnRemoteTrack. RTP is read whether or not a run is active,
// so packets never back up; frames are dropped while stopped.
func (r *Recorder) HandleTrack(rt peerlink.RemoteTrack) {
	if rt.Track == nil {
		return
	}
	switch rt.Track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		go r.readVideo(rt)
	case webrtc.RTPCodecTypeAudio:
		go r.readAudio(rt)
	}
}

// captureFor returns the open capture for a peer, creating the file lazily
// on the first frame of a run. Nil while stopped.
func (r *Recorder) captureFor(peerID string) *capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.on {
		return nil
	}
	if c, ok := r.active[peerID]; ok {
		return c
	}
	name := fmt.Sprintf("%s-%s-%d.webm", r.roomID, peerID, time.Now().Unix())
	f, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		log.Printf("RECORD: create file for %s: %v", peerID, err)
		return nil
	}
	c := &capture{peerID: peerID, file: f, mux: newMuxer(f, true)}
	r.active[peerID] = c
	return c
}

// readVideo reassembles VP8 frames from RTP packets. A frame is complete at
// the marker bit; the keyframe flag is bit 0 of the first payload byte
// (inverted).
func (r *Recorder) readVideo(rt peerlink.RemoteTrack) {
	var (
		depacketizer codecs.VP8Packet
		frame        []byte
		frameTS      uint32
	)
	for {
		pkt, _, err := rt.Track.ReadRTP()
		if err != nil {
			return
		}
		payload, err := depacketizer.Unmarshal(pkt.Payload)
		if err != nil {
			continue
		}
		if len(frame) == 0 {
			frameTS = pkt.Timestamp
		}
		frame = append(frame, payload...)
		if !pkt.Marker {
			continue
		}

		if len(frame) > 0 {
			if c := r.captureFor(rt.PeerID); c != nil {
				keyframe := frame[0]&0x01 == 0
				tsMs := int64(frameTS) / 90 // 90 kHz RTP clock
				if err := c.mux.writeVideo(tsMs, keyframe, frame); err != nil {
					log.Printf("RECORD: video write for %s: %v", rt.PeerID, err)
				}
			}
		}
		frame = nil
	}
}

// readAudio forwards Opus frames; each RTP packet carries one frame.
func (r *Recorder) readAudio(rt peerlink.RemoteTrack) {
	for {
		pkt, _, err := rt.Track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if c := r.captureFor(rt.PeerID); c != nil {
			tsMs := int64(pkt.Timestamp) / 48 // 48 kHz RTP clock
			data := make([]byte, len(pkt.Payload))
			copy(data, pkt.Payload)
			c.mux.writeAudio(tsMs, data)
		}
	}
}
