package scanner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/chaz8081/beamscan/internal/scanner/protocol"
)

// mockPort is an in-memory serial port. Bytes pushed with Feed come back from
// Read; every Write is recorded and passed to the device's respond hook.
type mockPort struct {
	name    string
	respond func(p *mockPort, cmd []byte)

	in      chan []byte
	closeCh chan struct{}
	goneCh  chan struct{}

	mu          sync.Mutex
	leftover    []byte
	writes      [][]byte
	closed      bool
	closeCount  int
	closeErr    error
	resetErr    error
	resetGate   chan struct{} // ResetInputBuffer blocks until closed
	readTimeout time.Duration
	resets      int
}

var _ Port = (*mockPort)(nil)

func newMockPort(name string) *mockPort {
	return &mockPort{
		name:    name,
		in:      make(chan []byte, 64),
		closeCh: make(chan struct{}),
		goneCh:  make(chan struct{}),
	}
}

// Feed queues bytes for the reader.
func (p *mockPort) Feed(s string) {
	p.in <- []byte(s)
}

// Unplug makes the next Read fail as if the device disappeared.
func (p *mockPort) Unplug() {
	close(p.goneCh)
}

func (p *mockPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if len(p.leftover) > 0 {
		n := copy(buf, p.leftover)
		p.leftover = p.leftover[n:]
		p.mu.Unlock()
		return n, nil
	}
	timeout := p.readTimeout
	p.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case data := <-p.in:
		n := copy(buf, data)
		if n < len(data) {
			p.mu.Lock()
			p.leftover = append(p.leftover, data[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case <-p.closeCh:
		return 0, errors.New("mock: port closed")
	case <-p.goneCh:
		return 0, io.EOF
	case <-timer:
		return 0, nil
	}
}

func (p *mockPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("mock: write on closed port")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.writes = append(p.writes, cp)
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		respond(p, bytes.TrimSuffix(cp, []byte{protocol.CR}))
	}
	return len(data), nil
}

func (p *mockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCount++
	if !p.closed {
		p.closed = true
		close(p.closeCh)
	}
	return p.closeErr
}

func (p *mockPort) ResetInputBuffer() error {
	p.mu.Lock()
	gate := p.resetGate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return p.resetErr
}

func (p *mockPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

// Writes returns the recorded writes as strings.
func (p *mockPort) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	for i, w := range p.writes {
		out[i] = string(w)
	}
	return out
}

func (p *mockPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// mockDevice describes what is attached to a port name.
type mockDevice struct {
	announce string // sent as soon as the port opens, e.g. "<id:beamscan>"
	respond  func(p *mockPort, cmd []byte)
	openErr  error
	resetErr error
	closeErr error

	// holdFirstReset, when set, blocks the flush of the first port opened
	// for this device until it is closed.
	holdFirstReset chan struct{}
}

// mockOpener hands out a fresh mockPort on every Open.
type mockOpener struct {
	mu      sync.Mutex
	names   []string
	devices map[string]*mockDevice
	listErr error
	opened  []*mockPort
	lists   int
}

var _ Opener = (*mockOpener)(nil)

func newMockOpener() *mockOpener {
	return &mockOpener{devices: make(map[string]*mockDevice)}
}

// attach adds a port name with an optional device behind it.
func (o *mockOpener) attach(name string, dev *mockDevice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, name)
	if dev != nil {
		o.devices[name] = dev
	}
}

// detach removes a port name, as when a device is unplugged for good.
func (o *mockOpener) detach(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = slices.DeleteFunc(o.names, func(n string) bool { return n == name })
	delete(o.devices, name)
}

func (o *mockOpener) List() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lists++
	if o.listErr != nil {
		return nil, o.listErr
	}
	return append([]string(nil), o.names...), nil
}

func (o *mockOpener) Open(name string) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	dev, ok := o.devices[name]
	if !ok {
		for _, n := range o.names {
			if n == name {
				// port exists but nothing talks on it
				p := newMockPort(name)
				o.opened = append(o.opened, p)
				return p, nil
			}
		}
		return nil, fmt.Errorf("mock: no such port %q", name)
	}
	if dev.openErr != nil {
		return nil, dev.openErr
	}

	p := newMockPort(name)
	p.respond = dev.respond
	p.resetErr = dev.resetErr
	p.closeErr = dev.closeErr
	if dev.holdFirstReset != nil {
		p.resetGate = dev.holdFirstReset
		dev.holdFirstReset = nil
	}
	if dev.announce != "" {
		p.Feed(dev.announce)
	}
	o.opened = append(o.opened, p)
	return p, nil
}

// last returns the most recently opened port.
func (o *mockOpener) last() *mockPort {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.opened) == 0 {
		return nil
	}
	return o.opened[len(o.opened)-1]
}

func (o *mockOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

// memStore is an in-memory Store that counts persists.
type memStore struct {
	mu         sync.Mutex
	values     map[string]string
	persists   int
	persistErr error
}

var _ Store = (*memStore)(nil)

func newMemStore(kv ...string) *memStore {
	s := &memStore{values: make(map[string]string)}
	for i := 0; i+1 < len(kv); i += 2 {
		s.values[kv[i]] = kv[i+1]
	}
	return s
}

func (s *memStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *memStore) Put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *memStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

func (s *memStore) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persists++
	return s.persistErr
}

func (s *memStore) persistCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persists
}

// beamscanFirmware answers the version query and scans with a fixed result.
func beamscanFirmware(version string, scan string) func(p *mockPort, cmd []byte) {
	return func(p *mockPort, cmd []byte) {
		switch {
		case bytes.Equal(cmd, protocol.CmdVersion):
			p.Feed("<version:" + version + ">\r\n")
		case bytes.Equal(cmd, protocol.CmdSingle):
			if scan != "" {
				p.Feed(scan)
			}
		}
	}
}
