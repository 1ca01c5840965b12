package mqtt

import (
	"context"
	"errors"
	"io"
	"net"
)

var (
	// ErrPublishTimeout is returned when the broker does not acknowledge a
	// publish before the deadline.
	ErrPublishTimeout = errors.New("timeout waiting for publish ack")
	// ErrNotConnected is returned when publishing without a live connection.
	ErrNotConnected = errors.New("mqtt client not connected")
)

// TransientError marks a communication failure that should make the
// transport drop and re-establish its broker connection.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient communication error"
	}
	return "transient communication error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err or any error it wraps is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// TransientOnNetwork wraps err as a TransientError when it comes from an
// unreachable collaborator: a network failure, a dropped connection or a
// deadline. Other errors are returned unchanged.
func TransientOnNetwork(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient(err)
	}
	return err
}
