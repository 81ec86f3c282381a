package device

import "log/slog"

// DefaultImageCapacity is the capacity given to a new image when none is
// configured.
const DefaultImageCapacity int64 = 1 << 30

// Option configures Open and OpenImage.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	compression    bool
	imageCapacity  int64
	writeProtected bool
}

func applyOptions(opts []Option) *options {
	o := &options{imageCapacity: DefaultImageCapacity}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger for device operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCompression enables hardware compression when the device is opened.
func WithCompression(enabled bool) Option {
	return func(o *options) {
		o.compression = enabled
	}
}

// WithImageCapacity sets the capacity in bytes of a newly created image.
// Existing images keep the capacity recorded in their header.
func WithImageCapacity(n int64) Option {
	return func(o *options) {
		o.imageCapacity = n
	}
}

// WithWriteProtect opens an image as write-protected media.
func WithWriteProtect(enabled bool) Option {
	return func(o *options) {
		o.writeProtected = enabled
	}
}
