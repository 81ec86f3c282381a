package tape

import "errors"

var (
	// ErrCancelled is returned when the context ends before the archive is
	// complete. It wraps the context error.
	ErrCancelled = errors.New("tape: archive cancelled")

	// ErrInsufficientCapacity is returned when the capacity policy rejects
	// a run whose estimate exceeds the remaining media capacity.
	ErrInsufficientCapacity = errors.New("tape: insufficient media capacity")

	// ErrSizeChanged is returned when a file's content length differs from
	// the size recorded in its entry.
	ErrSizeChanged = errors.New("tape: file size changed during archive")

	// ErrUnknownHash is returned for an unsupported hash algorithm name.
	ErrUnknownHash = errors.New("tape: unknown hash algorithm")

	// ErrDigestMismatch is returned by Verify when the re-read archive does
	// not match the expected digest.
	ErrDigestMismatch = errors.New("tape: archive digest mismatch")

	// ErrInvalidIndex is returned when an index record cannot be decoded.
	ErrInvalidIndex = errors.New("tape: invalid index record")

	// ErrInvalidEntry is returned for tree entries with unusable paths or
	// negative sizes.
	ErrInvalidEntry = errors.New("tape: invalid entry")
)

// EntryError describes a failure to archive a single entry.
type EntryError struct {
	Path string
	Err  error
}

func (e *EntryError) Error() string {
	return "tape: " + e.Path + ": " + e.Err.Error()
}

func (e *EntryError) Unwrap() error {
	return e.Err
}
