// Package xerrors defines the stable error taxonomy shared across the transport
// core. Each tag identifies a semantic failure category from the spec; callers
// that need to branch on failure kind should compare against Tag(), not against
// the wrapped error chain.
package xerrors

import (
	"github.com/pkg/errors"
)

// Tag is a stable taxonomy identifier. Tags are never renamed across releases;
// new failure kinds get a new tag instead of overloading an existing one.
type Tag string

const (
	TagMalformedPacket       Tag = "malformed_packet"
	TagIntegrityFailure      Tag = "integrity_failure"
	TagInsufficientShards    Tag = "insufficient_shards"
	TagDecodeError           Tag = "decode_error"
	TagPathUnavailable       Tag = "path_unavailable"
	TagHandoverRejected      Tag = "handover_rejected"
	TagAuthFailed            Tag = "auth_failed"
	TagTransferRejected      Tag = "transfer_rejected"
	TagChunkIntegrityFailure Tag = "chunk_integrity_failure"
	TagFileIntegrityFailure  Tag = "file_integrity_failure"
	TagFallbackExhausted     Tag = "fallback_exhausted"
	TagTimeout               Tag = "timeout"
)

// Error is a tagged error carrying a human-readable message alongside the
// stable taxonomy tag used for programmatic branching.
type Error struct {
	tag   Tag
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return string(e.tag)
	}
	return string(e.tag) + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Tag returns the stable taxonomy tag for this error.
func (e *Error) Tag() Tag { return e.tag }

// New creates a tagged error with a message, no wrapped cause.
func New(tag Tag, msg string) *Error {
	return &Error{tag: tag, cause: errors.New(msg)}
}

// Wrap tags an existing error, preserving its chain for Unwrap/Is/As.
func Wrap(tag Tag, cause error, msg string) *Error {
	if cause == nil {
		return New(tag, msg)
	}
	return &Error{tag: tag, cause: errors.Wrap(cause, msg)}
}

// TagOf extracts the taxonomy tag from err if it (or something it wraps) is a
// *Error, and reports whether one was found.
func TagOf(err error) (Tag, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.tag, true
	}
	return "", false
}

// Is reports whether err carries the given taxonomy tag anywhere in its chain.
func Is(err error, tag Tag) bool {
	t, ok := TagOf(err)
	return ok && t == tag
}
