package scanner

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/chaz8081/beamscan/internal/scanner/protocol"
)

// DiscoveryOptions configures the port search.
type DiscoveryOptions struct {
	Attempts     int           // full passes over the port list (default 10)
	ProbeTimeout time.Duration // how long to listen on each port (default 2s)
	RetryDelay   time.Duration // pause between passes; zero means none
}

// DefaultDiscoveryOptions returns sensible defaults for production use.
func DefaultDiscoveryOptions() DiscoveryOptions {
	return DiscoveryOptions{
		Attempts:     10,
		ProbeTimeout: 2 * time.Second,
		RetryDelay:   500 * time.Millisecond,
	}
}

const (
	probeReadTimeout = 100 * time.Millisecond
	probeWindow      = 256 // bytes of port output kept while matching
)

// Discovery finds the port a named device is attached to. The device
// announces itself with <id:NAME> when its port is opened.
type Discovery struct {
	opener Opener
	store  Store
	device string
	opts   DiscoveryOptions
	log    *slog.Logger
}

// NewDiscovery creates a Discovery for device. A successful search is saved
// in store under the device name.
func NewDiscovery(opener Opener, store Store, device string, opts DiscoveryOptions, log *slog.Logger) *Discovery {
	def := DefaultDiscoveryOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = def.ProbeTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Discovery{opener: opener, store: store, device: device, opts: opts, log: log}
}

// Discover probes every listed port, up to Attempts passes, and persists the
// first one that answers with the device signature. It returns ErrNotFound
// without touching the store when nothing matches.
func (d *Discovery) Discover(ctx context.Context) (string, error) {
	d.log.Info("[DISCOVERY] looking for scanner", "device", d.device)
	sig := []byte(protocol.Signature(d.device))

	for attempt := 0; attempt < d.opts.Attempts; attempt++ {
		if attempt > 0 && d.opts.RetryDelay > 0 {
			if err := sleepCtx(ctx, d.opts.RetryDelay); err != nil {
				return "", err
			}
		}

		names, err := d.opener.List()
		if err != nil {
			d.log.Warn("[DISCOVERY] list ports failed", "error", err, "attempt", attempt+1)
			continue
		}

		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if !d.probe(ctx, name, sig) {
				continue
			}

			d.log.Info("[DISCOVERY] found scanner", "device", d.device, "port", name)
			d.store.Put(d.device, name)
			if err := d.store.Persist(); err != nil {
				d.log.Error("[DISCOVERY] persist port failed", "error", err)
			}
			return name, nil
		}
	}

	d.log.Error("[DISCOVERY] can't find scanner", "device", d.device, "attempts", d.opts.Attempts)
	return "", ErrNotFound
}

// probe opens name and listens for sig until ProbeTimeout elapses.
func (d *Discovery) probe(ctx context.Context, name string, sig []byte) bool {
	port, err := d.opener.Open(name)
	if err != nil {
		d.log.Debug("[DISCOVERY] open failed", "port", name, "error", err)
		return false
	}
	defer func() {
		if err := port.Close(); err != nil {
			d.log.Debug("[DISCOVERY] close after probe failed", "port", name, "error", err)
		}
	}()

	if err := port.SetReadTimeout(probeReadTimeout); err != nil {
		d.log.Debug("[DISCOVERY] set read timeout failed", "port", name, "error", err)
		return false
	}

	deadline := time.Now().Add(d.opts.ProbeTimeout)
	buf := make([]byte, 64)
	var seen []byte
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		n, err := port.Read(buf)
		if n > 0 {
			seen = append(seen, buf[:n]...)
			if bytes.Contains(seen, sig) {
				return true
			}
			if len(seen) > probeWindow {
				seen = seen[len(seen)-probeWindow:]
			}
		}
		if err != nil {
			d.log.Debug("[DISCOVERY] read failed", "port", name, "error", err)
			return false
		}
	}
	return false
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
