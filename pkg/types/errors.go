package types

import (
	"github.com/cockroachdb/errors"
)

// Error classes. Concrete failures are attached to one of these with
// errors.Mark so callers can test the class with errors.Is while the
// message keeps the detail.
var (
	ErrTransport         = errors.New("transport error")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrAuthFailure       = errors.New("authentication failed")
	ErrAuthTimeout       = errors.New("authentication timed out")
	ErrStreamRefused     = errors.New("stream refused")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrStreamClosed      = errors.New("stream closed")
)

func NewProtocolViolation(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrProtocolViolation)
}

func NewStreamRefused(destination string) error {
	return errors.Mark(errors.Newf("peer refused to open %q", destination), ErrStreamRefused)
}

// NewConnectionClosed wraps the cause of a connection teardown so it can be
// handed to every stream that was open at the time.
func NewConnectionClosed(cause error) error {
	if cause == nil {
		return ErrConnectionClosed
	}
	if errors.Is(cause, ErrConnectionClosed) {
		return cause
	}
	return errors.Mark(errors.Wrap(cause, "connection closed"), ErrConnectionClosed)
}

// IsFatal reports whether err must tear down the whole connection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrProtocolViolation)
}

// IsRetryable reports whether a failed connection attempt may be retried
// against the same transport.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrProtocolViolation) {
		return false
	}
	return errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrAuthTimeout) || errors.Is(err, ErrTransport)
}
