package coordinator

import (
	"time"

	"github.com/raujonas/ditto/connection"
	"github.com/raujonas/ditto/routing"
)

// forwarder routes acknowledgements for one correlation id back to the
// sender of the signal that requested them.
type forwarder struct {
	entityID string
	sender   connection.Recipient
	timer    *time.Timer
}

func (c *Coordinator) routeSignal(s *connection.Signal) {
	if s.Origin == c.id {
		c.logger.Debug("Dropping self-originated signal", "type", s.Type, "correlationId", s.CorrelationID)
		return
	}
	if c.pool == nil || c.filter == nil {
		c.logger.Debug("Dropping signal, clients not started", "type", s.Type, "correlationId", s.CorrelationID)
		return
	}
	targets := c.filter.Filter(s)
	if len(targets) == 0 {
		c.logger.Debug("Dropping signal, no authorized target subscribed", "type", s.Type, "correlationId", s.CorrelationID)
		return
	}

	if len(s.AckRequests) > 0 {
		s = c.scopeAckRequests(s)
	}
	out := &connection.OutboundSignal{Signal: s, Targets: targets}
	if !c.pool.Tell(s.EntityID, out) {
		c.log.Failure("dispatch", "client inbox full, signal dropped", "", s.CorrelationID)
	}
}

// scopeAckRequests starts a forwarder for requested source-declared labels
// and withholds target-issued labels until they are declared. Requests for
// labels the connection neither declares nor issues are removed.
func (c *Coordinator) scopeAckRequests(s *connection.Signal) *connection.Signal {
	sourceLabels := connection.SourceDeclaredLabels(c.entity)
	targetLabels := connection.TargetIssuedLabels(c.entity)
	declared := c.declarer.Declared()

	kept := make([]connection.Label, 0, len(s.AckRequests))
	forward := false
	for _, l := range s.AckRequests {
		switch {
		case sourceLabels.Has(l):
			forward = true
		case targetLabels.Has(l) && declared:
		default:
			continue
		}
		kept = append(kept, l)
	}
	if forward && s.Sender != nil && s.CorrelationID != "" {
		c.startForwarder(s)
	}
	if len(kept) == len(s.AckRequests) {
		return s
	}
	return s.WithAckRequests(kept)
}

func (c *Coordinator) startForwarder(s *connection.Signal) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = c.cfg.AckForwarderTimeout
	}
	if old, ok := c.forwarders[s.CorrelationID]; ok {
		old.timer.Stop()
	}
	corr := s.CorrelationID
	c.forwarders[corr] = &forwarder{
		entityID: s.EntityID,
		sender:   s.Sender,
		timer: time.AfterFunc(timeout, func() {
			c.post(forwarderTimeout{correlationID: corr})
		}),
	}
}

func (c *Coordinator) expireForwarder(correlationID string) {
	if f, ok := c.forwarders[correlationID]; ok {
		f.timer.Stop()
		delete(c.forwarders, correlationID)
	}
}

func (c *Coordinator) routeAcknowledgement(a *connection.Acknowledgement) {
	if !connection.SourceDeclaredLabels(c.entity).Has(a.Label) {
		c.log.Failure("acknowledgement", "label "+string(a.Label)+" is not declared by any source", "", a.CorrelationID)
		if a.Sender != nil {
			a.Sender.Deliver(&connection.Response{
				ConnectionID: c.id,
				Command:      "acknowledgement",
				Err:          connection.NewError(c.id, connection.ErrAckLabelNotDeclared, nil),
			})
		}
		return
	}
	if f, ok := c.forwarders[a.CorrelationID]; ok && f.entityID == a.EntityID {
		f.sender.Deliver(a)
		return
	}
	c.cfg.DefaultAckSink.Deliver(a)
}

func (c *Coordinator) routeSearch(cmd connection.SearchCommand) {
	if c.pool == nil {
		c.logger.Debug("Dropping search command, clients not started")
		return
	}
	count := c.entity.ClientCount
	var key string
	switch m := cmd.(type) {
	case *connection.CreateSubscription:
		key = c.prefixer.Next(count)
		cp := *m
		cp.Prefix = key
		cmd = &cp
	case *connection.RequestFromSubscription:
		p, ok := routing.ExtractPrefix(m.SubscriptionID, routing.PrefixLength(count))
		if !ok {
			c.logger.Debug("Dropping search command with invalid subscription id", "subscriptionId", m.SubscriptionID)
			return
		}
		key = p
	case *connection.CancelSubscription:
		p, ok := routing.ExtractPrefix(m.SubscriptionID, routing.PrefixLength(count))
		if !ok {
			c.logger.Debug("Dropping search command with invalid subscription id", "subscriptionId", m.SubscriptionID)
			return
		}
		key = p
	}
	c.pool.Tell(key, cmd)
}
