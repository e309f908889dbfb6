// Package nats publishes signals to NATS subjects.
//
// The target address is the subject. Signal headers travel as NATS
// message headers.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/raujonas/ditto/adapters/internal/wire"
	"github.com/raujonas/ditto/connection"
)

// Config configures a [Publisher].
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Name is the client name reported to the server.
	Name string

	// ConnectTimeout is the timeout for initial connection.
	// Default is 5 seconds.
	ConnectTimeout time.Duration

	// Logger for operational logging.
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// FromConnection derives the publisher config of c.
func FromConnection(c *connection.Connection) Config {
	return Config{URL: c.URI, Name: "connectivity-" + string(c.ID)}
}

// Publisher publishes signals to NATS subjects.
type Publisher struct {
	config Config
	conn   *nats.Conn
	mu     sync.Mutex
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(config Config) *Publisher {
	return &Publisher{
		config: config.applyDefaults(),
	}
}

// Connect establishes the NATS connection.
func (p *Publisher) Connect(ctx context.Context) error {
	timeout := p.config.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	opts := []nats.Option{
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				p.config.Logger.Warn("NATS disconnected", "error", err)
			}
		}),
	}
	if p.config.Name != "" {
		opts = append(opts, nats.Name(p.config.Name))
	}
	conn, err := nats.Connect(p.config.URL, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) {
			return fmt.Errorf("failed to connect to NATS: %w: %w", wire.ErrRejected, err)
		}
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	return nil
}

// Msg builds the NATS message of s for subject.
func Msg(subject string, s *connection.Signal) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = s.Payload
	for k, v := range wire.Headers(s) {
		msg.Header.Set(k, v)
	}
	msg.Header.Set("content-type", wire.ContentType)
	return msg
}

// Publish publishes s to the subject named by the target address.
func (p *Publisher) Publish(ctx context.Context, target connection.Target, s *connection.Signal) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return errors.New("not connected to NATS")
	}

	if err := conn.PublishMsg(Msg(target.Address, s)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", target.Address, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		err = nil
	}
	p.conn = nil
	return err
}
