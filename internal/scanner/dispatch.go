package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/beamscan/internal/scanner/protocol"
)

// outcome resolves one pending sample.
type outcome struct {
	result *Result
	err    error
}

// pending is the single in-flight sample request.
type pending struct {
	done     chan outcome // buffered, receives exactly one outcome
	resolved bool
}

// Dispatcher applies classified frames to the scan session and resolves the
// pending sample. It is called from the port reader and from callers of
// Sample, so all state is guarded by mu. Handle never blocks.
type Dispatcher struct {
	log      *slog.Logger
	teardown func()

	mu       sync.Mutex
	active   bool
	readings []int
	latest   *Result
	pending  *pending

	version   string
	versionCh chan struct{} // closed once version is known
}

// NewDispatcher creates a Dispatcher. teardown is called (outside the lock)
// when the device reports a fault.
func NewDispatcher(log *slog.Logger, teardown func()) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:       log,
		teardown:  teardown,
		readings:  make([]int, 0, 1000),
		versionCh: make(chan struct{}),
	}
}

// Handle classifies and applies one frame.
func (d *Dispatcher) Handle(frame []byte) {
	d.HandleEvent(protocol.Parse(string(frame)))
}

// HandleEvent applies one classified frame.
func (d *Dispatcher) HandleEvent(ev protocol.Event) {
	fault := false

	d.mu.Lock()
	switch ev.Kind {
	case protocol.KindHome:
		// idle: ready, nothing to report
		d.resolveLocked(outcome{})

	case protocol.KindAmp:
		d.log.Info("[SCAN] amp now", "level", ev.Text)

	case protocol.KindFault:
		d.log.Error("[SCAN] scanner fault")
		d.discardLocked()
		d.resolveLocked(outcome{err: ErrFault})
		fault = true

	case protocol.KindLimit:
		d.log.Error("[SCAN] limit switch error")
		d.discardLocked()
		d.resolveLocked(outcome{err: ErrLimit})

	case protocol.KindStart:
		d.readings = d.readings[:0]
		d.active = true

	case protocol.KindDone:
		if !d.active || len(d.readings) == 0 {
			d.log.Debug("[SCAN] done without scan data, ignored", "active", d.active, "readings", len(d.readings))
			break
		}
		readings := make([]int, len(d.readings))
		copy(readings, d.readings)
		res := &Result{Readings: readings, Duration: ev.Value}
		d.active = false
		d.readings = d.readings[:0]
		d.latest = res
		d.log.Info("[SCAN] scan done", "took", ev.Value, "readings", len(readings))
		d.resolveLocked(outcome{result: res.clone()})

	case protocol.KindVersion:
		if !d.versionKnownLocked() {
			d.version = ev.Text
			close(d.versionCh)
		}

	case protocol.KindReading:
		if d.active {
			d.readings = append(d.readings, ev.Value)
		}

	case protocol.KindMalformed:
		d.log.Error("[SCAN] malformed frame", "frame", ev.Frame)

	default:
		d.log.Error("[SCAN] not a value", "frame", ev.Frame)
	}
	d.mu.Unlock()

	if fault && d.teardown != nil {
		d.teardown()
	}
}

// Version returns the firmware version, or "" if it has not been reported.
func (d *Dispatcher) Version() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// WaitVersion waits up to timeout for the firmware version.
func (d *Dispatcher) WaitVersion(ctx context.Context, timeout time.Duration) (string, bool) {
	d.mu.Lock()
	ch := d.versionCh
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version, d.versionKnownLocked()
}

// LastResult returns a copy of the most recent scan result, or nil.
func (d *Dispatcher) LastResult() *Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest.clone()
}

// Active reports whether a scan session is accumulating readings.
func (d *Dispatcher) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Reset starts a new connection lifetime: the session is discarded and the
// firmware version forgotten. An in-flight sample is failed with ErrClosed.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discardLocked()
	d.resolveLocked(outcome{err: ErrClosed})
	d.version = ""
	d.versionCh = make(chan struct{})
}

// Abort fails the in-flight sample, if any, and discards the session.
func (d *Dispatcher) Abort(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discardLocked()
	d.resolveLocked(outcome{err: err})
}

// begin installs a new pending sample.
func (d *Dispatcher) begin() (*pending, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != nil {
		return nil, ErrBusy
	}
	p := &pending{done: make(chan outcome, 1)}
	d.pending = p
	return p, nil
}

// end removes p if it is still the pending sample.
func (d *Dispatcher) end(p *pending) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == p {
		d.pending = nil
	}
}

func (d *Dispatcher) resolveLocked(o outcome) {
	p := d.pending
	if p == nil || p.resolved {
		return
	}
	p.resolved = true
	p.done <- o
}

func (d *Dispatcher) discardLocked() {
	d.active = false
	d.readings = d.readings[:0]
}

func (d *Dispatcher) versionKnownLocked() bool {
	select {
	case <-d.versionCh:
		return true
	default:
		return false
	}
}
