package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/raujonas/ditto/connection"
)

// Validator checks a command before any pipeline starts. A returned error
// rejects the command without changing state.
type Validator interface {
	Validate(ctx context.Context, cmd connection.Command, current *connection.Connection) error
}

// ValidatorFunc adapts a function to [Validator].
type ValidatorFunc func(ctx context.Context, cmd connection.Command, current *connection.Connection) error

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, cmd connection.Command, current *connection.Connection) error {
	return f(ctx, cmd, current)
}

// DefaultValidator checks the connection carried by create, modify and test
// commands.
type DefaultValidator struct {
	// Supports reports whether a client implementation exists for a
	// connection type. Nil accepts every type.
	Supports func(connection.Type) bool
}

// Validate implements [Validator].
func (v DefaultValidator) Validate(_ context.Context, cmd connection.Command, _ *connection.Connection) error {
	var c *connection.Connection
	switch m := cmd.(type) {
	case *connection.Create:
		c = m.Connection
	case *connection.Modify:
		c = m.Connection
	case *connection.Test:
		c = m.Connection
	default:
		if cmd.ConnectionID() == "" {
			return errors.New("missing connection id")
		}
		return nil
	}
	if c == nil {
		return errors.New("missing connection")
	}
	return v.validateConnection(c)
}

func (v DefaultValidator) validateConnection(c *connection.Connection) error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("missing connection id"))
	}
	if c.Type == "" {
		errs = append(errs, errors.New("missing connection type"))
	} else if v.Supports != nil && !v.Supports(c.Type) {
		errs = append(errs, fmt.Errorf("unsupported connection type %q", c.Type))
	}
	if _, err := url.Parse(c.URI); err != nil || c.URI == "" {
		errs = append(errs, fmt.Errorf("invalid uri %q", c.URI))
	}
	if c.ClientCount < 1 {
		errs = append(errs, fmt.Errorf("client count must be at least 1, got %d", c.ClientCount))
	}
	switch c.Status {
	case connection.StatusOpen, connection.StatusClosed, connection.StatusUnknown:
	default:
		errs = append(errs, fmt.Errorf("invalid desired status %q", c.Status))
	}
	for i, src := range c.Sources {
		if len(src.Addresses) == 0 {
			errs = append(errs, fmt.Errorf("source %d has no address", i))
		}
		for _, l := range src.DeclaredAcks {
			if _, ok := connection.ResolveLabel(l, c.ID); !ok {
				errs = append(errs, fmt.Errorf("source %d declares invalid acknowledgement label %q", i, l))
			}
		}
	}
	for i, t := range c.Targets {
		if t.Address == "" {
			errs = append(errs, fmt.Errorf("target %d has no address", i))
		}
		if len(t.Topics) == 0 {
			errs = append(errs, fmt.Errorf("target %d has no topics", i))
		}
		for _, ft := range t.Topics {
			if !ft.Topic.Valid() {
				errs = append(errs, fmt.Errorf("target %d has unknown topic %q", i, ft.Topic))
			}
		}
		if t.IssuedAck != "" {
			if _, ok := connection.ResolveLabel(t.IssuedAck, c.ID); !ok {
				errs = append(errs, fmt.Errorf("target %d issues invalid acknowledgement label %q", i, t.IssuedAck))
			}
		}
	}
	return errors.Join(errs...)
}
