package scanner

import (
	"context"
	"time"

	"github.com/chaz8081/beamscan/internal/scanner/protocol"
)

// Sample triggers one scan and waits for its result.
//
// Only one sample may be outstanding; a concurrent call fails with ErrBusy.
// A scan that does not finish within SampleTimeout returns ErrTimeout and
// leaves the scanner usable. ErrFault and ErrLimit report what the device
// said instead of a result. A device that reports home is ready but has no
// scan to give: Sample returns a nil Result and a nil error. When the invert
// property is set the readings come back with their halves swapped.
func (s *Scanner) Sample(ctx context.Context) (*Result, error) {
	if s.conn.State() != StateOpen {
		return nil, ErrClosed
	}

	// installed before the trigger so a fast reply cannot be missed
	p, err := s.disp.begin()
	if err != nil {
		return nil, err
	}
	defer s.disp.end(p)

	if err := s.conn.Send(protocol.CmdSingle); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.sampleTimeout)
	defer timer.Stop()

	select {
	case o := <-p.done:
		if o.err != nil {
			return nil, o.err
		}
		if o.result == nil {
			return nil, nil
		}
		if storeBool(s.store, KeyInvert) {
			return o.result.Inverted(), nil
		}
		return o.result, nil

	case <-timer.C:
		s.log.Error("[SCAN] timeout waiting on sample", "timeout", s.sampleTimeout)
		return nil, ErrTimeout

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
