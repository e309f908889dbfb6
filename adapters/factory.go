package adapters

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/raujonas/ditto/adapters/httppush"
	"github.com/raujonas/ditto/adapters/kafka"
	"github.com/raujonas/ditto/adapters/nats"
	"github.com/raujonas/ditto/adapters/rabbitmq"
	"github.com/raujonas/ditto/adapters/websocket"
	"github.com/raujonas/ditto/connection"
	"github.com/raujonas/ditto/workerpool"
)

// ErrUnsupportedType is returned for connection types without a publisher.
var ErrUnsupportedType = errors.New("adapters: unsupported connection type")

// PublisherFunc creates the publisher of one client of c.
type PublisherFunc func(c *connection.Connection, logger *slog.Logger) (Publisher, error)

// Factory creates [Client] workers. It implements [workerpool.Factory].
type Factory struct {
	cfg        ClientConfig
	publishers map[connection.Type]PublisherFunc
}

// NewFactory returns a factory with publishers for every supported
// connection type.
func NewFactory(cfg ClientConfig) *Factory {
	f := &Factory{
		cfg:        cfg.parse(),
		publishers: make(map[connection.Type]PublisherFunc),
	}
	f.Register(connection.TypeAMQP091, func(c *connection.Connection, logger *slog.Logger) (Publisher, error) {
		cfg := rabbitmq.FromConnection(c)
		cfg.Logger = logger
		return rabbitmq.NewPublisher(cfg), nil
	})
	f.Register(connection.TypeKafka, func(c *connection.Connection, logger *slog.Logger) (Publisher, error) {
		cfg, err := kafka.FromConnection(c)
		if err != nil {
			return nil, err
		}
		cfg.Logger = logger
		return kafka.NewPublisher(cfg), nil
	})
	f.Register(connection.TypeNATS, func(c *connection.Connection, logger *slog.Logger) (Publisher, error) {
		cfg := nats.FromConnection(c)
		cfg.Logger = logger
		return nats.NewPublisher(cfg), nil
	})
	f.Register(connection.TypeHTTPPush, func(c *connection.Connection, logger *slog.Logger) (Publisher, error) {
		cfg := httppush.FromConnection(c)
		cfg.Logger = logger
		return httppush.NewPublisher(cfg), nil
	})
	f.Register(connection.TypeWebsocket, func(c *connection.Connection, logger *slog.Logger) (Publisher, error) {
		cfg := websocket.FromConnection(c)
		cfg.Logger = logger
		return websocket.NewPublisher(cfg), nil
	})
	return f
}

// Register sets the publisher of connection type t.
func (f *Factory) Register(t connection.Type, fn PublisherFunc) {
	f.publishers[t] = fn
}

// Supports reports whether the factory has a publisher for t.
func (f *Factory) Supports(t connection.Type) bool {
	_, ok := f.publishers[t]
	return ok
}

// NewWorker implements [workerpool.Factory].
func (f *Factory) NewWorker(c *connection.Connection, index int, logger workerpool.Logger) (workerpool.Worker, error) {
	fn, ok := f.publishers[c.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, c.Type)
	}
	sl, ok := logger.(*slog.Logger)
	if !ok {
		sl = slog.Default()
	}
	pub, err := fn(c, sl.With("client", fmt.Sprintf("%s-%d", c.ID, index)))
	if err != nil {
		return nil, connection.NewError(c.ID, connection.ErrValidation, err)
	}
	cfg := f.cfg
	cfg.Logger = logger
	return NewClient(c, index, pub, cfg), nil
}
