package record

import (
	"bytes"
	"testing"
)

func TestEbmlVint(t *testing.T) {
	cases := []struct {
		in   uint64
		want []byte
	}{
		{0, []byte{0x80}},
		{0x7E, []byte{0xFE}},
		{0x100, []byte{0x41, 0x00}},
		{0x4000, []byte{0x20, 0x40, 0x00}},
	}
	for _, c := range cases {
		if got := ebmlVint(c.in); !bytes.Equal(got, c.want) {
			t.Errorf("ebmlVint(%#x) = % x, want % x", c.in, got, c.want)
		}
	}
}

func TestEbmlUint(t *testing.T) {
	if got := ebmlUint(0); !bytes.Equal(got, []byte{0}) {
		t.Errorf("ebmlUint(0) = % x", got)
	}
	if got := ebmlUint(0x01020304); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("ebmlUint = % x", got)
	}
}

func TestInitSegmentShape(t *testing.T) {
	seg := initSegment(640, 480, true)
	if !bytes.HasPrefix(seg, idEBML) {
		t.Fatal("init segment does not start with the EBML magic")
	}
	if !bytes.Contains(seg, []byte("webm")) {
		t.Fatal("doctype missing")
	}
	if !bytes.Contains(seg, []byte("V_VP8")) {
		t.Fatal("video codec id missing")
	}
	if !bytes.Contains(seg, []byte("A_OPUS")) {
		t.Fatal("audio codec id missing")
	}
	if !bytes.Contains(seg, []byte("OpusHead")) {
		t.Fatal("opus codec private data missing")
	}

	videoOnly := initSegment(640, 480, false)
	if bytes.Contains(videoOnly, []byte("A_OPUS")) {
		t.Fatal("video-only segment declares an audio track")
	}
}

func TestSimpleBlockLayout(t *testing.T) {
	data := []byte{0xAA, 0xBB}
	blk := simpleBlock(1, 5, true, data)
	if !bytes.HasPrefix(blk, idSimpleBlock) {
		t.Fatal("wrong element id")
	}
	// id (1) + size vint (1) + track vint + relMs (2) + flags (1) + data
	body := blk[2:]
	if body[0] != 0x81 {
		t.Fatalf("track vint = %#x", body[0])
	}
	if body[1] != 0x00 || body[2] != 0x05 {
		t.Fatalf("relMs bytes = % x", body[1:3])
	}
	if body[3] != 0x80 {
		t.Fatalf("keyframe flag = %#x", body[3])
	}
	if !bytes.Equal(body[4:], data) {
		t.Fatal("payload mangled")
	}
}

// vp8Key fabricates a minimal VP8 keyframe header with the given dimensions.
func vp8Key(w, h uint16) []byte {
	return []byte{
		0x00, 0x00, 0x00, // frame tag, keyframe bit clear
		0x9D, 0x01, 0x2A, // start code
		byte(w), byte(w >> 8),
		byte(h), byte(h >> 8),
		0xFF,
	}
}

func TestMuxerWaitsForKeyframe(t *testing.T) {
	var out bytes.Buffer
	m := newMuxer(&out, false)

	// Delta frames before the first keyframe are discarded.
	if err := m.writeVideo(1000, false, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if out.Len() != 0 {
		t.Fatal("output produced before first keyframe")
	}

	if err := m.writeVideo(1033, true, vp8Key(320, 240)); err != nil {
		t.Fatalf("keyframe: %v", err)
	}
	if !bytes.HasPrefix(out.Bytes(), idEBML) {
		t.Fatal("stream does not start with init segment")
	}
	if !bytes.Contains(out.Bytes(), idCluster) {
		t.Fatal("no cluster after keyframe")
	}
	if m.videoWidth != 320 || m.videoHeight != 240 {
		t.Fatalf("dimensions %dx%d, want 320x240", m.videoWidth, m.videoHeight)
	}
}

func TestMuxerInterleavesQueuedAudio(t *testing.T) {
	var out bytes.Buffer
	m := newMuxer(&out, true)

	m.writeAudio(5000, []byte{0x10})
	m.writeAudio(5020, []byte{0x11})
	if err := m.writeVideo(9000, true, vp8Key(640, 480)); err != nil {
		t.Fatalf("video: %v", err)
	}
	if err := m.finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	// Two audio SimpleBlocks (track 2) must precede the video block.
	stream := out.Bytes()
	first := bytes.Index(stream, idSimpleBlock)
	if first < 0 {
		t.Fatal("no blocks written")
	}
	if track := stream[first+2]; track != 0x82 {
		t.Fatalf("first block track vint %#x, want audio (0x82)", track)
	}
}
