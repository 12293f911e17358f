package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// muxer interleaves VP8 and Opus frames into a WebM stream on w. One cluster
// per video frame; audio queues between video frames and drains into the
// next cluster.
type muxer struct {
	mu sync.Mutex
	w  io.Writer

	hasAudio bool

	dimKnown    bool
	videoWidth  uint16
	videoHeight uint16
	headerOut   bool

	clusterStartMs int64
	clusterBlocks  bytes.Buffer
	clusterOpen    bool

	audioQ []audioFrame

	// First frame of each track becomes t=0. VP8 and Opus RTP clocks start
	// at independent random values; without normalization the timecodes are
	// hours apart and the file is unplayable.
	baseVideoMs  int64
	baseVideoSet bool
	baseAudioMs  int64
	baseAudioSet bool
}

type audioFrame struct {
	timecodeMs int64
	data       []byte
}

func newMuxer(w io.Writer, hasAudio bool) *muxer {
	return &muxer{w: w, hasAudio: hasAudio}
}

// writeVideo adds one complete VP8 frame. Frames before the first keyframe
// are discarded: the header needs the dimensions from the keyframe and a
// decoder cannot start on a delta frame anyway.
func (m *muxer) writeVideo(timecodeMs int64, keyframe bool, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.baseVideoSet {
		m.baseVideoMs = timecodeMs
		m.baseVideoSet = true
	}
	tsMs := timecodeMs - m.baseVideoMs

	if !m.dimKnown && keyframe && len(data) >= 10 {
		// VP8 keyframe header: dimensions after the 3-byte start code.
		if data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A {
			m.videoWidth = binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF
			m.videoHeight = binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF
		} else {
			m.videoWidth = 640
			m.videoHeight = 480
		}
		m.dimKnown = true
	}

	if !m.headerOut {
		if !m.dimKnown || !keyframe {
			return nil
		}
		if _, err := m.w.Write(initSegment(m.videoWidth, m.videoHeight, m.hasAudio)); err != nil {
			return fmt.Errorf("write init segment: %w", err)
		}
		m.headerOut = true
	}

	if keyframe && m.clusterOpen {
		if err := m.flushLocked(); err != nil {
			return err
		}
	}

	if !m.clusterOpen {
		// Anchor the cluster at the earliest queued audio frame so audio
		// blocks keep non-negative relative timecodes.
		m.clusterStartMs = tsMs
		if len(m.audioQ) > 0 && m.audioQ[0].timecodeMs < tsMs {
			m.clusterStartMs = m.audioQ[0].timecodeMs
		}
		m.clusterOpen = true
		m.clusterBlocks.Reset()

		for _, af := range m.audioQ {
			rel := af.timecodeMs - m.clusterStartMs
			if rel < -30000 || rel > 30000 {
				continue
			}
			m.clusterBlocks.Write(simpleBlock(2, int16(rel), false, af.data))
		}
		m.audioQ = m.audioQ[:0]
	}

	relMs := int16(tsMs - m.clusterStartMs)
	m.clusterBlocks.Write(simpleBlock(1, relMs, keyframe, data))
	return m.flushLocked()
}

// writeAudio queues one Opus frame until the next video frame opens a
// cluster. Unbounded: audio is never dropped whatever the video frame rate.
func (m *muxer) writeAudio(timecodeMs int64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.baseAudioSet {
		m.baseAudioMs = timecodeMs
		m.baseAudioSet = true
	}
	m.audioQ = append(m.audioQ, audioFrame{timecodeMs - m.baseAudioMs, data})
}

func (m *muxer) flushLocked() error {
	if !m.clusterOpen || m.clusterBlocks.Len() == 0 {
		m.clusterOpen = false
		return nil
	}
	out := cluster(m.clusterStartMs, m.clusterBlocks.Bytes())
	m.clusterOpen = false
	m.clusterBlocks.Reset()
	if _, err := m.w.Write(out); err != nil {
		return fmt.Errorf("write cluster: %w", err)
	}
	return nil
}

// finish flushes the open cluster, if any.
func (m *muxer) finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}
