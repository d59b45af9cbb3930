// Command beamscan-ports lists the host's serial ports and, with -probe,
// listens on each for a BeamScan identification frame.
// Use it to find the instrument when discovery fails.
//
// Usage:
//
//	go run ./cmd/beamscan-ports [--probe] [--device beamscan]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/chaz8081/beamscan/internal/scanner"
)

func main() {
	probe := flag.Bool("probe", false, "listen on each port for the device signature")
	device := flag.String("device", scanner.DefaultDevice, "device name announced as <id:NAME>")
	wait := flag.Duration("wait", 2*time.Second, "how long to listen on each port")
	flag.Parse()

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return
	}

	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("%-24s USB %s:%s  serial=%s\n", p.Name, p.VID, p.PID, p.SerialNumber)
		} else {
			fmt.Printf("%-24s\n", p.Name)
		}
	}

	if !*probe {
		return
	}

	fmt.Printf("\nProbing for <id:%s>, %s per port...\n", *device, *wait)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := scanner.NewDiscovery(scanner.SerialOpener{}, &memStore{}, *device, scanner.DiscoveryOptions{
		Attempts:     1,
		ProbeTimeout: *wait,
	}, quiet)

	name, err := d.Discover(context.Background())
	if err != nil {
		fmt.Printf("Not found: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Found %s on %s\n", *device, name)
}

// memStore keeps the probe from touching the real properties file.
type memStore struct {
	values map[string]string
}

func (m *memStore) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *memStore) Put(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = value
}

func (m *memStore) Delete(key string) { delete(m.values, key) }

func (m *memStore) Persist() error { return nil }
