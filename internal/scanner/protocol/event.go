package protocol

import (
	"strconv"
	"strings"
)

// Kind is the semantic category of an inbound frame.
type Kind int

const (
	KindUnknown   Kind = iota // not in the vocabulary and not an integer
	KindMalformed             // known prefix, unusable payload
	KindHome
	KindAmp
	KindFault
	KindLimit
	KindStart
	KindDone
	KindVersion
	KindReading
)

var kindNames = [...]string{
	KindUnknown:   "unknown",
	KindMalformed: "malformed",
	KindHome:      "home",
	KindAmp:       "amp",
	KindFault:     "fault",
	KindLimit:     "limit",
	KindStart:     "start",
	KindDone:      "done",
	KindVersion:   "version",
	KindReading:   "reading",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kindNames[k]
}

// Frame prefixes, matched case-sensitively.
const (
	prefixHome    = "home"
	prefixAmp     = "amp "
	prefixFault   = "fault"
	prefixLimit   = "limit"
	prefixStart   = "start"
	prefixDone    = "done"
	prefixVersion = "version:"
)

// Event is a classified frame.
type Event struct {
	Kind  Kind
	Frame string // the raw frame text
	Text  string // amp level or firmware version
	Value int    // reading value or done duration
}

// Parse classifies one frame.
//
//	home            device idle
//	amp <level>     amplifier level report
//	fault           scanner fault
//	limit           limit switch tripped
//	start           scan started
//	done <ms>       scan finished, elapsed time
//	version:<text>  firmware version
//	<integer>       one reading
func Parse(frame string) Event {
	ev := Event{Frame: frame}

	switch {
	case strings.HasPrefix(frame, prefixHome):
		ev.Kind = KindHome
	case strings.HasPrefix(frame, prefixAmp):
		ev.Kind = KindAmp
		ev.Text = strings.TrimSpace(frame[len(prefixAmp):])
	case strings.HasPrefix(frame, prefixFault):
		ev.Kind = KindFault
	case strings.HasPrefix(frame, prefixLimit):
		ev.Kind = KindLimit
	case strings.HasPrefix(frame, prefixStart):
		ev.Kind = KindStart
	case strings.HasPrefix(frame, prefixDone):
		fields := strings.Fields(frame)
		if len(fields) < 2 {
			ev.Kind = KindMalformed
			return ev
		}
		d, err := strconv.Atoi(fields[1])
		if err != nil {
			ev.Kind = KindMalformed
			return ev
		}
		ev.Kind = KindDone
		ev.Value = d
	case strings.HasPrefix(frame, prefixVersion):
		ev.Kind = KindVersion
		ev.Text = frame[len(prefixVersion):]
	default:
		v, err := strconv.Atoi(frame)
		if err != nil {
			ev.Kind = KindUnknown
			return ev
		}
		ev.Kind = KindReading
		ev.Value = v
	}
	return ev
}
