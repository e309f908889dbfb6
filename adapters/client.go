// Package adapters implements the protocol client workers of a connection.
//
// A [Client] is a [workerpool.Worker] that owns one [Publisher], the
// protocol-specific part that talks to the remote broker. The client keeps
// the per-worker status, counters and diagnostic log and answers the
// commands the coordinator routes or broadcasts to its workers.
//
// Protocol publishers live in subpackages: rabbitmq, kafka, nats, httppush
// and websocket. [NewFactory] selects one by connection type.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/raujonas/ditto/adapters/internal/wire"
	"github.com/raujonas/ditto/connection"
	"github.com/raujonas/ditto/connlog"
	"github.com/raujonas/ditto/retry"
	"github.com/raujonas/ditto/workerpool"
)

// ErrNotConnected is returned when publishing on a closed client.
var ErrNotConnected = errors.New("adapters: not connected")

// Publisher sends signals to the remote broker of a connection.
type Publisher interface {
	// Connect opens the broker session.
	Connect(ctx context.Context) error
	// Publish sends s to the address of target.
	Publish(ctx context.Context, target connection.Target, s *connection.Signal) error
	// Close ends the broker session. Closing a closed publisher is a no-op.
	Close() error
}

// ClientConfig configures a [Client].
type ClientConfig struct {
	// LogDuration is the length of the logging window opened by
	// EnableLogs (default: 1h).
	LogDuration time.Duration
	// Log configures the diagnostic log of the client.
	Log connlog.Config
	// Connect retries failed broker connects on Open (default: 3 attempts
	// with exponential backoff from 100ms, bounded by 5s). Connects rejected
	// for credentials or permissions are not retried.
	Connect retry.Config
	// InstanceID identifies the process hosting the client
	// (default: a random UUID).
	InstanceID string
	// Now returns the current time (default: time.Now).
	Now func() time.Time
	// Logger for client events (default: slog.Default()).
	Logger workerpool.Logger
}

func (c ClientConfig) parse() ClientConfig {
	if c.LogDuration <= 0 {
		c.LogDuration = time.Hour
	}
	if c.Connect.ShouldRetry == nil {
		c.Connect.ShouldRetry = retry.ShouldNotRetry(wire.ErrRejected, context.Canceled)
	}
	if c.Connect.Backoff == nil {
		c.Connect.Backoff = retry.ExponentialBackoff(100*time.Millisecond, 2, time.Second, 0.2)
	}
	if c.Connect.Timeout <= 0 {
		c.Connect.Timeout = 5 * time.Second
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Log.Now == nil {
		c.Log.Now = c.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client is the worker of one protocol client. Handle is called from a
// single goroutine, so the client keeps its state without locking.
type Client struct {
	cfg  ClientConfig
	id   connection.ID
	name string
	pub  Publisher
	log  *connlog.Log

	status  connection.Status
	message string
	since   time.Time
	metrics connection.ClientMetrics
	issued  map[string]connection.Label
}

// NewClient returns a closed client for c publishing through pub.
func NewClient(c *connection.Connection, index int, pub Publisher, cfg ClientConfig) *Client {
	cfg = cfg.parse()
	name := fmt.Sprintf("%s-%d", c.ID, index)
	issued := make(map[string]connection.Label)
	for _, t := range c.Targets {
		if t.IssuedAck == "" {
			continue
		}
		if l, ok := connection.ResolveLabel(t.IssuedAck, c.ID); ok {
			issued[t.Address] = l
		}
	}
	return &Client{
		cfg:     cfg,
		id:      c.ID,
		name:    name,
		pub:     pub,
		log:     connlog.New(cfg.Log),
		status:  connection.StatusClosed,
		since:   cfg.Now(),
		metrics: connection.ClientMetrics{Client: name},
		issued:  issued,
	}
}

// Handle implements [workerpool.Worker].
func (c *Client) Handle(ctx context.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case *connection.Open:
		return c.open(ctx)
	case *connection.Close:
		return c.close()
	case *connection.Test:
		return c.test(ctx)
	case *connection.OutboundSignal:
		c.publish(ctx, m)
		return nil, nil
	case connection.SearchCommand:
		return c.search(m), nil
	case *connection.RetrieveLogs:
		return c.log.Report(), nil
	case *connection.RetrieveStatus:
		return c.clientStatus(), nil
	case *connection.RetrieveMetrics:
		return c.metrics, nil
	case *connection.EnableLogs:
		until := c.log.Enable(c.cfg.LogDuration)
		c.cfg.Logger.Debug("Connection logging enabled", "client", c.name, "until", until)
		return nil, nil
	case *connection.DisableLogs:
		c.log.Disable()
		return nil, nil
	case *connection.CheckLogsActive:
		c.log.CheckActive(m.At)
		return nil, nil
	case *connection.ResetMetrics:
		c.metrics = connection.ClientMetrics{Client: c.name}
		return nil, nil
	default:
		c.cfg.Logger.Warn("Unknown client message", "client", c.name, "type", fmt.Sprintf("%T", msg))
		return nil, fmt.Errorf("%w: %T", connection.ErrUnknownMessage, msg)
	}
}

func (c *Client) open(ctx context.Context) (any, error) {
	if c.status == connection.StatusOpen {
		return "already connected", nil
	}
	err := retry.Do(ctx, c.cfg.Connect, func(ctx context.Context) error {
		err := c.pub.Connect(ctx)
		if err != nil {
			c.cfg.Logger.Debug("Client connect failed", "client", c.name, "error", err)
		}
		return err
	})
	if err != nil {
		c.setStatus(connection.StatusFailed, err.Error())
		c.log.Failure("connect", err.Error(), "", "")
		return nil, connection.NewError(c.id, connection.ErrConnectionFailed, err)
	}
	c.setStatus(connection.StatusOpen, "connected")
	c.log.Success("connect", "client connected", "", "")
	c.cfg.Logger.Info("Client connected", "client", c.name)
	return "connected", nil
}

func (c *Client) close() (any, error) {
	err := c.pub.Close()
	c.setStatus(connection.StatusClosed, "disconnected")
	if err != nil {
		c.log.Failure("disconnect", err.Error(), "", "")
		return nil, connection.NewError(c.id, connection.ErrConnectionFailed, err)
	}
	c.log.Success("disconnect", "client disconnected", "", "")
	return "disconnected", nil
}

func (c *Client) test(ctx context.Context) (any, error) {
	if err := c.pub.Connect(ctx); err != nil {
		c.log.Failure("test", err.Error(), "", "")
		return nil, connection.NewError(c.id, connection.ErrConnectionFailed, err)
	}
	if err := c.pub.Close(); err != nil {
		c.cfg.Logger.Warn("Closing test client failed", "client", c.name, "error", err)
	}
	return "successfully connected + initialized mapper", nil
}

func (c *Client) publish(ctx context.Context, out *connection.OutboundSignal) {
	s := out.Signal
	if c.status != connection.StatusOpen {
		c.metrics.Dropped++
		c.log.Failure("publish", ErrNotConnected.Error(), "", s.CorrelationID)
		c.acknowledgeAll(out, http.StatusServiceUnavailable)
		return
	}
	for _, t := range out.Targets {
		status := http.StatusOK
		if err := c.pub.Publish(ctx, t, s); err != nil {
			status = http.StatusServiceUnavailable
			c.metrics.Failed++
			c.log.Failure("publish", err.Error(), t.Address, s.CorrelationID)
			c.cfg.Logger.Warn("Publishing signal failed",
				"client", c.name,
				"address", t.Address,
				"error", err)
		} else {
			c.metrics.Published++
			c.log.Success("publish", "published "+s.Type, t.Address, s.CorrelationID)
		}
		c.acknowledge(s, t, status)
	}
}

func (c *Client) acknowledgeAll(out *connection.OutboundSignal, status int) {
	for _, t := range out.Targets {
		c.acknowledge(out.Signal, t, status)
	}
}

// acknowledge answers the label issued by target if the signal requested it.
func (c *Client) acknowledge(s *connection.Signal, t connection.Target, status int) {
	label, ok := c.issued[t.Address]
	if !ok || s.Sender == nil {
		return
	}
	for _, req := range s.AckRequests {
		if req != label {
			continue
		}
		s.Sender.Deliver(&connection.Acknowledgement{
			Label:         label,
			EntityID:      s.EntityID,
			CorrelationID: s.CorrelationID,
			StatusCode:    status,
		})
		c.metrics.Acknowledged++
		return
	}
}

// search records a search command. Sessions themselves are served by the
// search backend.
func (c *Client) search(cmd connection.SearchCommand) any {
	c.metrics.SearchCommands++
	var detail string
	switch m := cmd.(type) {
	case *connection.CreateSubscription:
		detail = "create subscription " + m.Prefix
	case *connection.RequestFromSubscription:
		detail = fmt.Sprintf("request %d from %s", m.Demand, m.SubscriptionID)
	case *connection.CancelSubscription:
		detail = "cancel " + m.SubscriptionID
	}
	c.log.Success("search", detail, "", "")
	return cmd
}

func (c *Client) setStatus(s connection.Status, msg string) {
	if c.status != s {
		c.since = c.cfg.Now()
	}
	c.status, c.message = s, msg
}

func (c *Client) clientStatus() connection.ClientStatus {
	return connection.ClientStatus{
		Client:     c.name,
		InstanceID: c.cfg.InstanceID,
		Status:     c.status,
		Message:    c.message,
		Since:      c.since,
	}
}

// Close implements [workerpool.Worker].
func (c *Client) Close() error {
	if c.status == connection.StatusClosed {
		return nil
	}
	c.status = connection.StatusClosed
	return c.pub.Close()
}
