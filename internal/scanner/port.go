// Package scanner drives a BeamScan instrument over a serial port: it finds
// the device, keeps the link open, dispatches its frames, and runs blocking
// single-sample requests on top of the asynchronous frame stream.
package scanner

import (
	"io"
	"strconv"
	"time"
)

// Link parameters. They are fixed by the firmware and never negotiated.
const (
	BaudRate = 115200
	DataBits = 8
	StopBits = 1
)

// Store keys read by the scanner besides the per-device port key.
const (
	KeyGainLevel = "gainLevel"
	KeyInvert    = "invert"
)

// Port is an open serial link.
type Port interface {
	io.ReadWriteCloser
	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error
	// SetReadTimeout bounds Read. A Read that times out returns 0, nil.
	SetReadTimeout(t time.Duration) error
}

// Opener abstracts the host's serial ports for testing.
type Opener interface {
	// List returns the names of candidate ports.
	List() ([]string, error)
	// Open opens a port with the fixed link parameters.
	Open(name string) (Port, error)
}

// Store is the persisted key/value configuration the scanner reads and
// updates. The port of a device is stored under the device name.
type Store interface {
	Get(key string) (string, bool)
	Put(key, value string)
	Delete(key string)
	Persist() error
}

func storeBool(s Store, key string) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func storeInt(s Store, key string) (int, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
