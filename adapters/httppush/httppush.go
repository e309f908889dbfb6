// Package httppush publishes signals as CloudEvents over HTTP.
//
// Target addresses have the form "METHOD:/path", for example
// "POST:/events". A bare path uses POST. Every signal becomes one
// binary-mode CloudEvent: the signal type is the event type, the entity id
// its subject and the payload its data.
package httppush

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/google/uuid"

	"github.com/raujonas/ditto/adapters/internal/wire"
	"github.com/raujonas/ditto/connection"
)

// Config configures a [Publisher].
type Config struct {
	// BaseURL is prefixed to the path of every target address.
	BaseURL string

	// Source is the CloudEvents source attribute (default: "/connections").
	Source string

	// Client is the HTTP client to use (default: a client with a 10s
	// timeout).
	Client *http.Client

	// Headers are additional HTTP headers to include in requests.
	Headers http.Header

	// Logger for structured logging.
	Logger *slog.Logger
}

func (c Config) parse() Config {
	if c.Source == "" {
		c.Source = "/connections"
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// FromConnection derives the publisher config of c.
func FromConnection(c *connection.Connection) Config {
	return Config{
		BaseURL: strings.TrimSuffix(c.URI, "/"),
		Source:  "/connections/" + string(c.ID),
	}
}

// Publisher sends signals to an HTTP endpoint.
type Publisher struct {
	cfg Config
}

// NewPublisher creates a publisher for cfg.BaseURL.
func NewPublisher(cfg Config) *Publisher {
	return &Publisher{cfg: cfg.parse()}
}

// Connect checks that the endpoint answers. Any HTTP status except 401 and
// 403 counts as reachable.
func (p *Publisher) Connect(ctx context.Context) error {
	if _, err := url.ParseRequestURI(p.cfg.BaseURL); err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("endpoint answered %d: %w", resp.StatusCode, wire.ErrRejected)
	}
	return nil
}

// Event builds the CloudEvent of s.
func (p *Publisher) Event(s *connection.Signal) (cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	id := s.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}
	e.SetID(id)
	e.SetSource(p.cfg.Source)
	e.SetType(s.Type)
	e.SetSubject(s.EntityID)
	e.SetTime(time.Now())
	e.SetExtension("topic", string(s.Topic))
	if s.Path != "" {
		e.SetExtension("path", s.Path)
	}
	if v := wire.Value(s.Payload); v != nil {
		if err := e.SetData(cloudevents.ApplicationJSON, []byte(v)); err != nil {
			return e, err
		}
	}
	return e, nil
}

// ParseAddress splits "METHOD:/path" into method and path.
func ParseAddress(address string) (string, string) {
	method, path, ok := strings.Cut(address, ":")
	if !ok || strings.HasPrefix(path, "//") || strings.Contains(method, "/") {
		return http.MethodPost, address
	}
	return strings.ToUpper(method), path
}

// Publish sends s to the endpoint of the target address.
func (p *Publisher) Publish(ctx context.Context, target connection.Target, s *connection.Signal) error {
	event, err := p.Event(s)
	if err != nil {
		return fmt.Errorf("converting to CloudEvent: %w", err)
	}
	method, path := ParseAddress(target.Address)
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := cehttp.NewHTTPRequestFromEvent(ctx, p.cfg.BaseURL+path, event)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Method = method
	for k, v := range p.cfg.Headers {
		req.Header[k] = v
	}
	if s.CorrelationID != "" {
		req.Header.Set(wire.HeaderCorrelationID, s.CorrelationID)
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

// Close is a no-op; requests do not hold a session.
func (p *Publisher) Close() error { return nil }
