package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	//
	// This can occur if initialization failed or if the Modem was not created
	// via New.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, and by every operation issued after Close.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry initialization.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error.
	ErrLineTooLong = errors.New("response line too long")

	// ErrTransportOpen is returned when the transport to the modem cannot be
	// opened or configured. No session exists afterwards.
	ErrTransportOpen = errors.New("open transport")

	// ErrInitialization wraps any failure of the lifecycle stages run by New.
	// The Modem is never returned in a partially initialized state.
	ErrInitialization = errors.New("initialize modem")

	// ErrCommandFailed is matched by every *CommandError.
	ErrCommandFailed = errors.New("command failed")

	// ErrTimeout is returned when the modem does not answer within the
	// command bound. The pending slot is released so the next command can
	// proceed.
	ErrTimeout = errors.New("command timeout")

	// ErrNotReady is returned by operations that require the Ready state.
	ErrNotReady = errors.New("modem not ready")

	// ErrInvalidMode is returned by ChangeMode for an unknown Mode.
	ErrInvalidMode = errors.New("invalid message mode")

	// ErrMessageNotFound is returned when a read yields no message.
	ErrMessageNotFound = errors.New("message not found")
)

// CommandError carries the final result code and collected response of a
// command the modem rejected.
type CommandError struct {
	// Command is the text that was sent, without line terminator.
	Command string
	// Status is the final result code, e.g. "ERROR" or "+CMS ERROR: 500".
	Status string
	// Response holds every line received for the command, status included.
	Response string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %q: %s", ErrCommandFailed, e.Command, e.Status)
}

// Is makes errors.Is(err, ErrCommandFailed) match.
func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}
