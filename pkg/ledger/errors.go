package ledger

import (
	"errors"
	"fmt"
)

// Class partitions device failures by whether retrying can help
type Class uint8

const (
	// Terminal failures are reported to the caller as is. Every failure that is
	// not explicitly classified belongs here.
	Terminal Class = iota
	// Transient failures clear by themselves, e.g. the transport is in use by
	// another exchange.
	Transient
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	default:
		return "terminal"
	}
}

// Error is a failure reported by a transport or a device application
type Error struct {
	ID         string // stable identifier, e.g. "TransportLocked"
	Message    string
	StatusCode int // APDU status word when the device produced one
	Class      Class
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.ID
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (0x%04x)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("ledger: %s: %v", msg, e.Err)
	}
	return "ledger: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors with the same ID, so errors.Is(err, ErrTransportLocked)
// holds for any locked failure regardless of message or status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.ID == e.ID
}

var (
	// ErrTransportLocked is returned while another exchange holds the transport
	ErrTransportLocked = &Error{ID: "TransportLocked", Message: "transport is busy with another exchange", Class: Transient}

	// ErrUserRejected is returned when the user declines on the device
	ErrUserRejected = &Error{ID: "TransportStatusError", Message: "condition of use not satisfied (denied by the user?)", StatusCode: 0x6985, Class: Terminal}

	// ErrUnsupportedTransport is returned when a transport cannot carry Ethereum application calls
	ErrUnsupportedTransport = errors.New("ledger: transport does not expose the Ethereum application")

	// ErrDeviceClosed is returned by a device after Close
	ErrDeviceClosed = errors.New("ledger: device closed")
)

// ClassOf returns the class of err. Anything that is not an *Error is terminal.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return Terminal
}

// IsTransient reports whether err may clear if the call is retried
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == Transient
}
