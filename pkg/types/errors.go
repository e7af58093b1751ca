package types

import (
	"errors"
	"fmt"
)

// Lookup and reference errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidReference = errors.New("invalid reference")
	ErrInvalidRecord    = errors.New("invalid record data")
	ErrModelNotFound    = errors.New("model not found in schema")
)

// Lifecycle errors.
var (
	// ErrSubscriptionState reports a programmer error in subscription
	// bookkeeping, such as opening a data subscription twice. Backends panic
	// with an error wrapping it.
	ErrSubscriptionState = errors.New("invalid subscription state")
	ErrServiceClosed     = errors.New("document service is closed")
)

// ErrTransport is matched by every *TransportError.
var ErrTransport = errors.New("transport error")

// TransportError reports a remote transport or durable store failure.
// It always carries the underlying cause.
type TransportError struct {
	Op  string
	Err error
}

// NewTransportError wraps err for operation op. It returns nil when err is nil.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
