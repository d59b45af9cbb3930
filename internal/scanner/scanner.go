package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/chaz8081/beamscan/internal/scanner/protocol"
)

// DefaultDevice is the name the firmware announces in its <id:...> frame.
const DefaultDevice = "beamscan"

// Options configures a Scanner.
type Options struct {
	Device        string        // identity announced by the firmware (default "beamscan")
	SampleTimeout time.Duration // budget for one sample (default 5s)
	SettleDelay   time.Duration // wait after opening, the board resets on open
	VersionWait   time.Duration // how long to wait for the version reply
	Discovery     DiscoveryOptions
	Logger        *slog.Logger

	// Reconnect reopens a lost port in the background, rediscovering the
	// device if its port name changed. Backoff starts at ReconnectBase and
	// doubles up to ReconnectMax.
	Reconnect     bool
	ReconnectBase time.Duration // default 1s
	ReconnectMax  time.Duration // default 30s

	// OnFatal is called when the port cannot be released. The core never
	// exits the process; the host decides.
	OnFatal func(error)
}

// DefaultOptions returns sensible defaults for production use.
func DefaultOptions() Options {
	return Options{
		Device:        DefaultDevice,
		SampleTimeout: 5 * time.Second,
		SettleDelay:   1500 * time.Millisecond,
		VersionWait:   1500 * time.Millisecond,
		Discovery:     DefaultDiscoveryOptions(),
		Reconnect:     true,
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
	}
}

// Scanner is the client for one BeamScan instrument.
type Scanner struct {
	store         Store
	disp          *Dispatcher
	conn          *Conn
	sampleTimeout time.Duration
	log           *slog.Logger
}

// New creates a Scanner. Nothing is opened until Open is called.
func New(opener Opener, store Store, opts Options) *Scanner {
	if opts.Device == "" {
		opts.Device = DefaultDevice
	}
	if opts.SampleTimeout <= 0 {
		opts.SampleTimeout = DefaultOptions().SampleTimeout
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultOptions().ReconnectBase
	}
	if opts.ReconnectMax < opts.ReconnectBase {
		opts.ReconnectMax = max(DefaultOptions().ReconnectMax, opts.ReconnectBase)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Scanner{
		store:         store,
		sampleTimeout: opts.SampleTimeout,
		log:           log,
	}
	s.conn = &Conn{
		opener:    opener,
		store:     store,
		device:    opts.Device,
		discovery: NewDiscovery(opener, store, opts.Device, opts.Discovery, log),
		opts: connOptions{
			settleDelay:   opts.SettleDelay,
			versionWait:   opts.VersionWait,
			onFatal:       opts.OnFatal,
			reconnect:     opts.Reconnect,
			reconnectBase: opts.ReconnectBase,
			reconnectMax:  opts.ReconnectMax,
		},
		log: log,
	}
	s.disp = NewDispatcher(log, s.conn.teardown)
	s.conn.disp = s.disp
	return s
}

// Open connects to the instrument, discovering its port if needed.
func (s *Scanner) Open(ctx context.Context) error {
	return s.conn.Open(ctx)
}

// Close releases the port.
func (s *Scanner) Close() error {
	return s.conn.Close()
}

// SetGain sets the amplifier gain and remembers it for the next Open.
func (s *Scanner) SetGain(level int) error {
	if level < 0 || level > 255 {
		return fmt.Errorf("%w: %d", ErrInvalidGain, level)
	}
	if err := s.conn.Send(protocol.Gain(uint8(level))); err != nil {
		return err
	}
	s.store.Put(KeyGainLevel, strconv.Itoa(level))
	if err := s.store.Persist(); err != nil {
		s.log.Error("[SCAN] persist gain failed", "error", err)
	}
	return nil
}

// Forget drops the stored port so the next Open runs discovery.
func (s *Scanner) Forget() {
	s.conn.forget()
}

// Version returns the firmware version reported on this connection.
func (s *Scanner) Version() string {
	return s.disp.Version()
}

// LastResult returns the most recent completed scan, or nil.
func (s *Scanner) LastResult() *Result {
	return s.disp.LastResult()
}

// State returns the connection state.
func (s *Scanner) State() State {
	return s.conn.State()
}

// Reconnecting reports whether a lost port is being reopened.
func (s *Scanner) Reconnecting() bool {
	return s.conn.Reconnecting()
}

// Port returns the name of the open port, or "" when closed.
func (s *Scanner) Port() string {
	return s.conn.PortName()
}
