package scanner

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// linkMode is 115200 baud, 8 data bits, no parity, 1 stop bit.
var linkMode = serial.Mode{
	BaudRate: BaudRate,
	DataBits: DataBits,
	Parity:   serial.NoParity,
	StopBits: serial.OneStopBit,
}

// SerialOpener opens real serial ports through go.bug.st/serial.
type SerialOpener struct{}

var _ Opener = SerialOpener{}

// List returns the serial ports present on the host.
func (SerialOpener) List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("scanner: list serial ports: %w", err)
	}
	return ports, nil
}

// Open opens name at the fixed link parameters.
func (SerialOpener) Open(name string) (Port, error) {
	mode := linkMode
	p, err := serial.Open(name, &mode)
	if err != nil {
		return nil, fmt.Errorf("scanner: open serial %s: %w", name, err)
	}
	return p, nil
}

// IsDisconnect reports whether err means the port went away (unplugged or
// closed underneath us) rather than a configuration or permission problem.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "device not configured") ||
		strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "broken pipe")
}
