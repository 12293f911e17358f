//go:build !(linux && cgo)

package media

// Capture is only implemented for Linux (V4L2 + malgo). Other platforms run
// receive-only.
func Capture(_ Options) (Source, error) {
	return nil, ErrUnsupported
}
