package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/beamscan/internal/scanner/protocol"
)

// State is the connection lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const readBufferSize = 256

// connOptions is the subset of Options the connection uses.
type connOptions struct {
	settleDelay   time.Duration
	versionWait   time.Duration
	onFatal       func(error)
	reconnect     bool
	reconnectBase time.Duration
	reconnectMax  time.Duration
}

// Conn owns the open port. It feeds everything it reads through a frame
// assembler into the Dispatcher, from a single reader goroutine per port.
type Conn struct {
	opener    Opener
	store     Store
	device    string
	discovery *Discovery
	disp      *Dispatcher
	opts      connOptions
	log       *slog.Logger

	writeMu sync.Mutex // serializes command writes

	mu    sync.Mutex
	state State
	port  Port
	name  string
	gen   uint64 // bumped by every open attempt and every release

	// life bounds reconnection; cancelled by an explicit Close.
	life         context.Context
	stopLife     context.CancelFunc
	reconnecting int
}

// Open connects to the device. When no port is stored for the device, it
// runs discovery first. If the port cannot be acquired, the stored port is
// forgotten so the next Open searches again.
//
// With reconnection enabled, a port lost after Open is reopened in the
// background until Close is called or ctx is done.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	if c.stopLife != nil {
		c.stopLife()
	}
	life, stop := context.WithCancel(ctx)
	c.life, c.stopLife = life, stop
	c.mu.Unlock()

	if err := c.open(ctx); err != nil {
		stop()
		return err
	}
	return nil
}

func (c *Conn) open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.gen++
	gen := c.gen
	c.state = StateOpening
	c.mu.Unlock()

	name, ok := c.store.Get(c.device)
	if !ok || name == "" {
		found, err := c.discovery.Discover(ctx)
		if err != nil {
			c.abandon(gen)
			return fmt.Errorf("%w: %w", ErrNoDevice, err)
		}
		name = found
	}

	port, err := c.opener.Open(name)
	if err != nil {
		c.log.Error("[SCAN] connection fail", "port", name, "error", err)
		c.forget()
		c.abandon(gen)
		return fmt.Errorf("scanner: open %s: %w", name, err)
	}

	// clear anything the device sent before we were listening
	if err := port.ResetInputBuffer(); err != nil {
		c.log.Error("[SCAN] connection fail", "port", name, "error", err)
		_ = port.Close()
		c.forget()
		c.abandon(gen)
		return fmt.Errorf("scanner: flush %s: %w", name, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		// closed, and maybe reopened, while we were opening
		c.mu.Unlock()
		_ = port.Close()
		return ErrClosed
	}
	c.disp.Reset()
	c.port = port
	c.name = name
	c.mu.Unlock()

	go c.readLoop(port)

	if err := sleepCtx(ctx, c.opts.settleDelay); err != nil {
		c.releaseIf(port)
		return err
	}

	_ = c.Send(protocol.CmdVersion)
	version, _ := c.disp.WaitVersion(ctx, c.opts.versionWait)

	c.mu.Lock()
	if c.gen != gen || c.port != port {
		// the device faulted or went away during the handshake
		c.mu.Unlock()
		return fmt.Errorf("scanner: open %s: %w", name, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		c.releaseIf(port)
		return err
	}
	c.state = StateOpen
	c.mu.Unlock()
	c.log.Info("[SCAN] connected", "port", name, "version", version)

	// set gain on start up
	if level, ok := storeInt(c.store, KeyGainLevel); ok {
		if level < 0 || level > 255 {
			c.log.Warn("[SCAN] stored gain out of range, not applied", "gain", level)
		} else {
			_ = c.Send(protocol.Gain(uint8(level)))
		}
	}
	return nil
}

// Send writes one command followed by CR. Failures are logged; the error is
// also returned for callers that want it.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()

	if port == nil {
		c.log.Error("[SCAN] send on closed connection", "command", commandName(payload))
		return ErrClosed
	}

	c.log.Debug("[SCAN] sending command", "command", commandName(payload))

	c.writeMu.Lock()
	_, err := port.Write(protocol.Encode(payload))
	c.writeMu.Unlock()
	if err != nil {
		c.log.Error("[SCAN] send failed", "command", commandName(payload), "error", err)
		return fmt.Errorf("scanner: send %s: %w", commandName(payload), err)
	}
	return nil
}

// Close releases the port and stops any reconnection. Closing a closed
// connection is a no-op. A port that fails to close is reported as
// ErrCloseFailed and to the OnFatal hook. Close never waits for the reader
// goroutine, so it is safe to call from a frame handler.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.stopLife != nil {
		c.stopLife()
	}
	c.mu.Unlock()
	return c.release()
}

// release closes the port without touching reconnection.
func (c *Conn) release() error {
	c.mu.Lock()
	port := c.port
	name := c.name
	c.port = nil
	c.name = ""
	c.gen++
	c.state = StateClosed
	c.mu.Unlock()

	c.disp.Abort(ErrClosed)

	if port == nil {
		return nil
	}

	if err := port.Close(); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrCloseFailed, name, err)
		c.log.Error("[SCAN] close failed", "port", name, "error", err)
		if c.opts.onFatal != nil {
			c.opts.onFatal(err)
		}
		return err
	}

	c.log.Info("[SCAN] closed", "port", name)
	return nil
}

// releaseIf releases the connection only while it still holds port.
func (c *Conn) releaseIf(port Port) {
	if c.owns(port) {
		_ = c.release()
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PortName returns the name of the open port, or "".
func (c *Conn) PortName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Reconnecting reports whether a background reopen is in progress.
func (c *Conn) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting > 0
}

// teardown is the fault path: the device asked to be disconnected, so the
// connection is closed for good.
func (c *Conn) teardown() {
	c.log.Warn("[SCAN] tearing down connection after fault")
	_ = c.Close()
}

func (c *Conn) readLoop(port Port) {
	// frames after a teardown in the same read must not reach the dispatcher
	emit := func(frame []byte) {
		if c.owns(port) {
			c.disp.Handle(frame)
		}
	}
	asm := protocol.NewAssembler(emit, func(n int) {
		c.log.Error("[SCAN] frame overflow, dropped", "bytes", n)
	})
	buf := make([]byte, readBufferSize)

	for {
		n, err := port.Read(buf)
		if n > 0 {
			asm.Feed(buf[:n])
		}
		if !c.owns(port) {
			// closed on purpose
			return
		}
		if err == nil {
			continue
		}

		if IsDisconnect(err) || errors.Is(err, io.EOF) {
			c.log.Error("[SCAN] device disconnected", "error", err)
		} else {
			c.log.Error("[SCAN] read failed", "error", err)
		}
		c.releaseIf(port)
		c.startReconnect()
		return
	}
}

func (c *Conn) startReconnect() {
	c.mu.Lock()
	life := c.life
	if !c.opts.reconnect || life == nil || life.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.reconnecting++
	c.mu.Unlock()

	c.log.Warn("[SCAN] disconnected, reconnecting...")
	go c.reconnectLoop(life)
}

// backoffDelay returns the reconnection delay for attempt n: base doubled per
// attempt, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// reconnectLoop reopens the device with exponential backoff until it
// succeeds or ctx is done. A failed reopen forgets the stored port, so later
// attempts fall back to discovery and find the device under a new name.
func (c *Conn) reconnectLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.reconnecting--
		c.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.reconnectBase, c.opts.reconnectMax)
			c.log.Info("[SCAN] reconnect backoff", "attempt", attempt+1, "delay", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		err := c.open(ctx)
		if err == nil {
			c.log.Info("[SCAN] reconnected", "port", c.PortName())
			return
		}
		if errors.Is(err, ErrAlreadyOpen) || ctx.Err() != nil {
			return
		}
		c.log.Warn("[SCAN] reconnect failed", "error", err, "attempt", attempt+1)
	}
}

func (c *Conn) owns(port Port) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port == port
}

// abandon returns a failed open attempt to Closed unless a newer attempt or
// a Close has taken over.
func (c *Conn) abandon(gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.state = StateClosed
	}
	c.mu.Unlock()
}

// forget deletes the stored port so the next Open rediscovers the device.
func (c *Conn) forget() {
	c.store.Delete(c.device)
	if err := c.store.Persist(); err != nil {
		c.log.Error("[SCAN] persist after forgetting port failed", "error", err)
	}
}

func commandName(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	return string(payload[:1])
}
