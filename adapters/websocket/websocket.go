// Package websocket publishes signals over a websocket session.
//
// Every signal is written as one JSON text frame holding the envelope of
// the signal: topic, target address, headers and the payload as value.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raujonas/ditto/adapters/internal/wire"
	"github.com/raujonas/ditto/connection"
)

// Config configures a [Publisher].
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// Header is sent with the handshake request.
	Header http.Header

	// HandshakeTimeout bounds the opening handshake (default: 10s).
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each frame write (default: 5s).
	WriteTimeout time.Duration

	// Logger for operational logging.
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// FromConnection derives the publisher config of c. Specific config
// entries prefixed with "header." become handshake headers.
func FromConnection(c *connection.Connection) Config {
	h := http.Header{}
	for k, v := range c.SpecificConfig {
		if name, ok := strings.CutPrefix(k, "header."); ok && name != "" {
			h.Set(name, v)
		}
	}
	return Config{URL: c.URI, Header: h}
}

// Publisher writes signals to one websocket session.
type Publisher struct {
	config Config
	conn   *websocket.Conn
	mu     sync.Mutex
}

// NewPublisher creates a new websocket publisher.
func NewPublisher(config Config) *Publisher {
	return &Publisher{config: config.applyDefaults()}
}

// Connect performs the websocket handshake.
func (p *Publisher) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: p.config.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, p.config.URL, p.config.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("websocket handshake failed with HTTP %d: %w: %w", resp.StatusCode, wire.ErrRejected, err)
		}
		if resp != nil {
			return fmt.Errorf("websocket handshake failed with HTTP %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect websocket: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return nil
}

// Publish writes the envelope of s for the target address.
func (p *Publisher) Publish(ctx context.Context, target connection.Target, s *connection.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return errors.New("websocket not connected")
	}
	deadline := time.Now().Add(p.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := p.conn.WriteJSON(wire.NewEnvelope(target.Address, s)); err != nil {
		return fmt.Errorf("failed to write to %s: %w", target.Address, err)
	}
	return nil
}

// Close sends a close frame and closes the session.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		p.config.Logger.Debug("Websocket close frame not sent", "error", err)
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
