// Package hazcat is the endpoint-visible API of the zero-copy,
// heterogeneous-memory publish/subscribe transport: a façade creates an
// allocator, registers a publisher or subscriber against a named
// topic, and calls Publish/Take. Everything below this package
// (internal/hma, internal/queue, internal/registry, internal/wire) is
// the transport core; this package only adapts it to a small,
// stable surface and classifies its errors.
package hazcat

import (
	"errors"
	"fmt"

	"github.com/nightduck/hazcat/internal/queue"
)

// Kind classifies an error the way spec.md §7 does, so a façade can
// decide whether to retry, drop a message, or abort.
type Kind int

const (
	// KindInvalidArgument means the caller passed a nil or
	// mis-identified endpoint, allocator, or topic. Never retryable.
	KindInvalidArgument Kind = iota
	// KindResourceExhausted means the allocator, domain, or endpoint
	// count limit was hit. The operation may be retried after the
	// caller frees resources, or simply dropped per spec.md §7.
	KindResourceExhausted
	// KindTransient means a file-lock or FIFO I/O call failed. The
	// caller may retry.
	KindTransient
	// KindFatal means the shared state can no longer be reasoned
	// about (mapping failure, device API failure). The process should
	// abort rather than attempt recovery.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid-argument"
	case KindResourceExhausted:
		return "resource-exhausted"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a kind-classified error returned by this package's
// operations.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("hazcat: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("hazcat: %s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, err: err}
}

// classifyQueueErr maps the queue package's sentinel errors onto
// spec.md §7's kinds and wraps anything unrecognized as Transient.
// The queue package's non-sentinel errors are file-lock, FIFO and
// mmap failures and failures to remap a descriptor's allocator; all of
// them are classified Transient here.
func classifyQueueErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, queue.ErrNoMessage):
		// Callers check for this via IsNoMessage, never via Kind: spec.md
		// §7 is explicit that an empty take is not an error condition.
		return err
	case errors.Is(err, queue.ErrAllocatorFull),
		errors.Is(err, queue.ErrTooManyDomains),
		errors.Is(err, queue.ErrTooManyPublishers),
		errors.Is(err, queue.ErrTooManySubscribers),
		errors.Is(err, queue.ErrResizeAfterPublish):
		return newError(op, KindResourceExhausted, err)
	default:
		return newError(op, KindTransient, err)
	}
}

// IsNoMessage reports whether err is the "queue has nothing new for
// this subscriber" condition, which spec.md §7 is explicit is not an
// error a caller needs to handle as a failure.
func IsNoMessage(err error) bool {
	return errors.Is(err, queue.ErrNoMessage)
}
