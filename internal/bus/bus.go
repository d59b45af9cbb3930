// Package bus publishes scan results to NATS and receives remote commands
// for the hosting process.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chaz8081/beamscan/internal/scanner"
)

// Conn is the part of *nats.Conn the bus uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Compile-time interface satisfaction check.
var _ Conn = (*nats.Conn)(nil)

// Command is a remote request for the host process.
type Command string

const (
	CmdSample   Command = "sample"
	CmdKill     Command = "kill"
	CmdShutdown Command = "shutdown"
)

// ResultMessage is the JSON published for every finished scan.
type ResultMessage struct {
	Device   string    `json:"device"`
	Port     string    `json:"port"`
	Version  string    `json:"version,omitempty"`
	Readings []int     `json:"readings"`
	Duration int       `json:"duration_ms"`
	Time     time.Time `json:"time"`
}

// Client publishes under <subject>.result and listens on <subject>.command.
type Client struct {
	conn    Conn
	subject string
	log     *slog.Logger
}

// Dial connects to the NATS server at url.
func Dial(url, clientName, subject string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("[BUS] disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("[BUS] reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	log.Info("[BUS] connected", "url", url, "subject", subject)
	return NewClient(nc, subject, log), nil
}

// NewClient creates a Client on an existing connection.
// Panics if conn is nil (programmer error).
func NewClient(conn Conn, subject string, log *slog.Logger) *Client {
	if conn == nil {
		panic("bus: NewClient called with nil conn")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{conn: conn, subject: subject, log: log}
}

// ResultSubject is where scan results are published.
func (c *Client) ResultSubject() string { return c.subject + ".result" }

// CommandSubject is where remote commands arrive.
func (c *Client) CommandSubject() string { return c.subject + ".command" }

// PublishResult publishes one scan result.
func (c *Client) PublishResult(device, port, version string, res *scanner.Result) error {
	if res == nil {
		return nil
	}
	msg := ResultMessage{
		Device:   device,
		Port:     port,
		Version:  version,
		Readings: res.Readings,
		Duration: res.Duration,
		Time:     time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: encode result: %w", err)
	}
	if err := c.conn.Publish(c.ResultSubject(), data); err != nil {
		return fmt.Errorf("bus: publish result: %w", err)
	}
	c.log.Debug("[BUS] result published", "subject", c.ResultSubject(), "readings", len(res.Readings))
	return nil
}

// OnCommand calls handler for every recognized command. Unknown commands are
// logged and dropped.
func (c *Client) OnCommand(handler func(Command)) error {
	_, err := c.conn.Subscribe(c.CommandSubject(), func(msg *nats.Msg) {
		cmd, ok := ParseCommand(msg.Data)
		if !ok {
			c.log.Warn("[BUS] unknown command", "data", string(msg.Data))
			return
		}
		c.log.Info("[BUS] command received", "command", string(cmd))
		handler(cmd)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", c.CommandSubject(), err)
	}
	return nil
}

// ParseCommand accepts a bare word ("kill") or a JSON object
// ({"command":"kill"}).
func ParseCommand(data []byte) (Command, bool) {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "{") {
		var body struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal([]byte(text), &body); err != nil {
			return "", false
		}
		text = body.Command
	}

	switch cmd := Command(strings.ToLower(strings.TrimSpace(text))); cmd {
	case CmdSample, CmdKill, CmdShutdown:
		return cmd, true
	default:
		return "", false
	}
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() error {
	if err := c.conn.Drain(); err != nil {
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}
