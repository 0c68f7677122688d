// Package merr defines the error kinds the core distinguishes when
// reporting failures across the control plane, the graph, and the data
// loop.
package merr

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", ErrX) to attach
// context; callers test with errors.Is.
var (
	// ErrNotFound covers a missing factory or target port.
	ErrNotFound = errors.New("not found")
	// ErrInvalid covers malformed properties or paths.
	ErrInvalid = errors.New("invalid")
	// ErrResource covers socket/fd allocation failure.
	ErrResource = errors.New("resource")
	// ErrQueueFull means the invoke ring could not accept a payload.
	ErrQueueFull = errors.New("queue full")
	// ErrNodeLink means a link reached state ERROR.
	ErrNodeLink = errors.New("node link error")
	// ErrFatal means the data loop's poll returned an unrecoverable error.
	ErrFatal = errors.New("fatal")
)
