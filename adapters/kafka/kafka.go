// Package kafka publishes signals to Kafka topics.
//
// Target addresses have the form "topic" or "topic/key". Without an
// explicit key the entity id is used, so all signals of one entity land on
// the same partition and keep their order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/raujonas/ditto/adapters/internal/wire"
	"github.com/raujonas/ditto/connection"
)

// Config configures a [Publisher].
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// BatchTimeout is the maximum time to wait for a full batch.
	// Default is 10ms; signals are published one at a time.
	BatchTimeout time.Duration

	// RequiredAcks controls producer acknowledgment.
	// Default is kafka.RequireAll for durability.
	RequiredAcks kafka.RequiredAcks

	// Logger for operational logging.
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// FromConnection derives the publisher config of c. Brokers come from the
// specific config key "bootstrapServers" (comma separated), falling back
// to the host of the connection URI.
func FromConnection(c *connection.Connection) (Config, error) {
	var brokers []string
	for _, b := range strings.Split(c.SpecificConfig["bootstrapServers"], ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		u, err := url.Parse(c.URI)
		if err != nil {
			return Config{}, fmt.Errorf("invalid kafka uri: %w", err)
		}
		if u.Host == "" {
			return Config{}, errors.New("no kafka bootstrap servers")
		}
		brokers = []string{u.Host}
	}
	return Config{Brokers: brokers}, nil
}

// Publisher publishes signals to Kafka topics through one writer.
type Publisher struct {
	config Config
	writer *kafka.Writer
	mu     sync.Mutex
}

// NewPublisher creates a new Kafka publisher.
func NewPublisher(config Config) *Publisher {
	return &Publisher{
		config: config.applyDefaults(),
	}
}

// Connect checks that a broker is reachable and prepares the writer.
func (p *Publisher) Connect(ctx context.Context) error {
	if len(p.config.Brokers) == 0 {
		return errors.New("no kafka bootstrap servers")
	}
	var dialErr error
	for _, b := range p.config.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			dialErr = errors.Join(dialErr, err)
			continue
		}
		conn.Close()
		dialErr = nil
		break
	}
	if dialErr != nil {
		return fmt.Errorf("failed to connect to Kafka: %w", dialErr)
	}

	p.mu.Lock()
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: p.config.BatchTimeout,
		RequiredAcks: p.config.RequiredAcks,
	}
	p.mu.Unlock()

	p.config.Logger.Debug("Kafka publisher connected", "brokers", p.config.Brokers)
	return nil
}

// Message builds the Kafka record of s for address.
func Message(address string, s *connection.Signal) kafka.Message {
	topic, key := wire.SplitAddress(address)
	if key == "" {
		key = s.EntityID
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: s.Payload,
		Time:  time.Now(),
	}
	for k, v := range wire.Headers(s) {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return msg
}

// Publish writes s to the topic of the target address.
func (p *Publisher) Publish(ctx context.Context, target connection.Target, s *connection.Signal) error {
	p.mu.Lock()
	w := p.writer
	p.mu.Unlock()

	if w == nil {
		return errors.New("not connected to Kafka")
	}
	if err := w.WriteMessages(ctx, Message(target.Address, s)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", target.Address, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		return nil
	}
	err := p.writer.Close()
	p.writer = nil
	return err
}
