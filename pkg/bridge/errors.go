package bridge

import (
	"errors"
	"fmt"

	"github.com/harun/sandesh/pkg/completion"
)

var (
	// ErrNotReady is returned when an operation needs a READY session.
	ErrNotReady = errors.New("bridge: session not ready")
	// ErrSessionNotFound is returned for unknown or purged session ids.
	ErrSessionNotFound = errors.New("bridge: session not found")
	// ErrRegistryClosed is returned after Close.
	ErrRegistryClosed = errors.New("bridge: registry closed")
	// ErrInvalidTransition is returned when a trigger does not apply to the
	// current state.
	ErrInvalidTransition = errors.New("bridge: invalid state transition")
	// ErrUnknownTransport is returned when creating a session on a transport
	// that is not configured.
	ErrUnknownTransport = errors.New("bridge: unknown transport")
	// ErrMissingCredential aborts initialization when no AI credential is set.
	ErrMissingCredential = completion.ErrMissingCredential
)

// DeliveryError reports a reply the transport failed to deliver.
type DeliveryError struct {
	SessionID string
	ContactID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("bridge: delivery to %s on session %s failed: %v", e.ContactID, e.SessionID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
