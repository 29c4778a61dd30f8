// Package status defines the result taxonomy shared by the runtime's
// blocking operations. Transient results (ErrWouldBlock, ErrTimedOut) are
// ordinary control flow the caller branches on or retries; terminal results
// (ErrClosed, ErrCancelled) end the operation but leave the object usable
// and destroyable.
package status

import "errors"

var (
	// ErrWouldBlock reports that a non-blocking attempt could not complete
	// immediately. Retryable.
	ErrWouldBlock = errors.New("corun: operation would block")

	// ErrTimedOut reports that a bounded wait reached its deadline.
	// Retryable.
	ErrTimedOut = errors.New("corun: operation timed out")

	// ErrCancelled reports that a cancellation token fired while the
	// operation was waiting. Terminal for the operation.
	ErrCancelled = errors.New("corun: operation cancelled")

	// ErrClosed reports that the channel was closed. Terminal for the
	// operation; the channel remains safe to inspect and destroy.
	ErrClosed = errors.New("corun: channel closed")

	// ErrUnsupported reports that the requested backend or operation is
	// not available for this channel kind.
	ErrUnsupported = errors.New("corun: unsupported operation")

	// ErrInvalidArgument reports a caller error such as a negative
	// capacity or a nil callback.
	ErrInvalidArgument = errors.New("corun: invalid argument")
)

// Transient reports whether err is an expected, retryable condition.
func Transient(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrTimedOut)
}

// Terminal reports whether err ends the operation for good.
func Terminal(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrCancelled)
}
