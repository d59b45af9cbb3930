package scanner

import "errors"

var (
	// ErrNotFound means discovery exhausted its attempts without a match.
	ErrNotFound = errors.New("scanner: device not found")
	// ErrNoDevice means Open had no port configured and discovery failed.
	ErrNoDevice = errors.New("scanner: no device found")
	// ErrClosed is returned by operations that need an open connection.
	ErrClosed = errors.New("scanner: connection closed")
	// ErrAlreadyOpen is returned by Open on a connection that is not closed.
	ErrAlreadyOpen = errors.New("scanner: connection already open")
	// ErrCloseFailed wraps a port close failure. Callers should treat it as
	// fatal for the hosting process.
	ErrCloseFailed = errors.New("scanner: close failed")

	// ErrBusy is returned when a sample is requested while one is in flight.
	ErrBusy = errors.New("scanner: sample already in progress")
	// ErrTimeout means the device did not answer a sample request in time.
	// The connection stays usable.
	ErrTimeout = errors.New("scanner: sample timed out")
	// ErrFault means the device reported a scanner fault. The connection
	// has been torn down.
	ErrFault = errors.New("scanner: device fault")
	// ErrLimit means the device tripped a limit switch.
	ErrLimit = errors.New("scanner: limit switch error")

	// ErrInvalidGain is returned for gain levels outside 0..255.
	ErrInvalidGain = errors.New("scanner: gain level out of range")
)
