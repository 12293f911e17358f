//go:build linux && cgo

package media

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

type captureSource struct {
	selector *mediadevices.CodecSelector
	stream   mediadevices.MediaStream
	tracks   []webrtc.TrackLocal
}

// Capture opens the local camera and microphone. Device acquisition is tried
// in order: video+audio, video only, audio only. The first combination that
// opens wins; if none opens, the error from the last attempt is returned.
func Capture(opts Options) (Source, error) {
	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vp8.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp8),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	videoConstraint := func(c *mediadevices.MediaTrackConstraints) {
		// MJPEG is deliberately absent: the decoder is not linked in and
		// cameras advertising only MJPEG at high resolutions stall the
		// encoder anyway.
		c.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		c.Width = prop.IntRanged{Max: 640}
		c.Height = prop.IntRanged{Max: 480}
		if opts.PreferredCam != "" {
			c.DeviceID = prop.String(opts.PreferredCam)
		}
	}
	audioConstraint := func(c *mediadevices.MediaTrackConstraints) {
		if opts.PreferredMic != "" {
			c.DeviceID = prop.String(opts.PreferredMic)
		}
	}

	type attempt struct {
		name        string
		constraints mediadevices.MediaStreamConstraints
	}
	var attempts []attempt
	if !opts.VideoDisabled {
		attempts = append(attempts,
			attempt{"video+audio", mediadevices.MediaStreamConstraints{
				Video: videoConstraint,
				Audio: audioConstraint,
				Codec: selector,
			}},
			attempt{"video", mediadevices.MediaStreamConstraints{
				Video: videoConstraint,
				Codec: selector,
			}},
		)
	}
	attempts = append(attempts,
		attempt{"audio", mediadevices.MediaStreamConstraints{
			Audio: audioConstraint,
			Codec: selector,
		}},
	)

	var stream mediadevices.MediaStream
	for _, a := range attempts {
		stream, err = mediadevices.GetUserMedia(a.constraints)
		if err == nil {
			log.Printf("MEDIA: capture open (%s)", a.name)
			break
		}
		log.Printf("MEDIA: %s capture failed: %v", a.name, err)
	}
	if stream == nil {
		return nil, fmt.Errorf("open capture devices: %w", err)
	}

	src := &captureSource{selector: selector, stream: stream}
	for _, t := range stream.GetTracks() {
		src.tracks = append(src.tracks, t)
	}
	return src, nil
}

func (s *captureSource) Populate(me *webrtc.MediaEngine) error {
	s.selector.Populate(me)
	return nil
}

func (s *captureSource) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *captureSource) Close() error {
	for _, t := range s.stream.GetTracks() {
		t.Close()
	}
	return nil
}
