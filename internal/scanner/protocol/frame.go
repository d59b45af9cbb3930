// Package protocol implements the BeamScan serial wire format: delimited
// inbound frames, their event vocabulary, and CR-terminated commands.
package protocol

// Frame delimiters.
const (
	FrameStart byte = '<'
	FrameEnd   byte = '>'
	CR         byte = 0x0D
	LF         byte = 0x0A
)

// FrameCapacity is the largest frame body the firmware ever sends.
const FrameCapacity = 32

// Assembler turns a raw byte stream into frames. It is not safe for
// concurrent use; the port reader owns it.
//
// A frame longer than FrameCapacity is a protocol error: the whole frame is
// dropped (never truncated, a cut-off reading would look valid) and the
// assembler resynchronises on the next delimiter.
type Assembler struct {
	emit     func(frame []byte)
	overflow func(dropped int)

	buf        [FrameCapacity]byte
	n          int
	overflowed bool
	dropped    int
}

// NewAssembler creates an Assembler that calls emit for every completed,
// non-empty frame. overflow, if non-nil, is called once per oversized frame
// with the total number of bytes that frame carried.
// The slice passed to emit is only valid for the duration of the call.
func NewAssembler(emit func(frame []byte), overflow func(dropped int)) *Assembler {
	return &Assembler{emit: emit, overflow: overflow}
}

// Feed consumes newly arrived bytes.
func (a *Assembler) Feed(data []byte) {
	for _, b := range data {
		switch b {
		case FrameStart:
			a.endOverflow()
			a.n = 0
		case FrameEnd, CR, LF:
			if a.overflowed {
				a.endOverflow()
			} else if a.n > 0 {
				a.emit(a.buf[:a.n])
			}
			a.n = 0
		default:
			if a.overflowed {
				a.dropped++
				continue
			}
			if a.n == FrameCapacity {
				a.overflowed = true
				a.dropped = a.n + 1
				a.n = 0
				continue
			}
			a.buf[a.n] = b
			a.n++
		}
	}
}

// Reset discards any partially assembled frame.
func (a *Assembler) Reset() {
	a.n = 0
	a.overflowed = false
	a.dropped = 0
}

// Pending returns the number of bytes in the partially assembled frame.
func (a *Assembler) Pending() int {
	return a.n
}

func (a *Assembler) endOverflow() {
	if !a.overflowed {
		return
	}
	if a.overflow != nil {
		a.overflow(a.dropped)
	}
	a.overflowed = false
	a.dropped = 0
}
