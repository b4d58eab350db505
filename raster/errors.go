package raster

import "errors"

// Error kinds callers discriminate with errors.Is. Structural violations
// (wrong rank, incongruent layers, count mismatches) fail immediately and
// are never retried; spatial non-intersection is not an error and never
// surfaces through these.
var (
	// ErrDataTypeMismatch marks data whose representation or dtype does
	// not match what an operation requires.
	ErrDataTypeMismatch = errors.New("data type mismatch")

	// ErrDimensionsMismatch marks arrays whose rank or shape cannot be
	// reconciled with the node, or masks that cannot be broadcast.
	ErrDimensionsMismatch = errors.New("dimensions mismatch")

	// ErrReadFailure marks a driver read that returned no data.
	ErrReadFailure = errors.New("read failure")

	// ErrUnknownLayer marks a label that is not present in a stack.
	ErrUnknownLayer = errors.New("unknown layer")

	// ErrConfiguration marks mismatched filepath/label counts, ambiguous
	// file types across a file list, or unresolved variables.
	ErrConfiguration = errors.New("configuration error")
)
