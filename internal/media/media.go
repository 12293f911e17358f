// Package media provides local camera/microphone capture for outbound peer
// connections. Capture is platform-specific (V4L2 + malgo via
// pion/mediadevices on Linux); other platforms report ErrUnsupported and the
// session runs receive-only.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrUnsupported is returned by Capture on platforms without capture drivers.
var ErrUnsupported = errors.New("media capture not supported on this platform")

// Source supplies local tracks for peer connections. A nil Source means
// receive-only.
type Source interface {
	// Populate registers the capture codecs on a media engine. Every peer
	// connection carrying this source's tracks must be built from an
	// engine populated here.
	Populate(*webrtc.MediaEngine) error

	// Tracks returns the local tracks to attach to a new peer connection.
	Tracks() []webrtc.TrackLocal

	Close() error
}

// Options selects capture devices and modes.
type Options struct {
	PreferredCam  string
	PreferredMic  string
	VideoDisabled bool // audio-only capture
}
