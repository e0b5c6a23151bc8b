package stowdb

import "errors"

// Client-recoverable error kinds. A missing key never surfaces as an error
// value — a miss is represented as an empty Value — but no sentinel for it
// is exported; callers who want to distinguish "definitely absent" from
// "empty on purpose" need their own wrapping convention.
var (
	// ErrClosed is returned by any TX operation performed after TX.Close.
	// DB methods do not check whether the DB itself has been closed.
	ErrClosed = errors.New("stowdb: use of closed object")

	// ErrTooLarge marks a value that exceeds the backend's capacity.
	// Keys never produce this error — they are rewritten instead.
	ErrTooLarge = errors.New("stowdb: value too large")
)
