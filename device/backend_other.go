//go:build !linux && !windows

package device

func openNative(path string, _ *options) (backend, error) {
	return nil, &Error{Op: "open", Path: path, Err: ErrUnsupportedPlatform}
}
