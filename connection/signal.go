package connection

import (
	"strings"
	"time"
)

// Signal is a live platform event, command or message on its way to the
// targets of a connection.
type Signal struct {
	Type          string        `cbor:"type" json:"type"`
	Topic         Topic         `cbor:"topic" json:"topic"`
	EntityID      string        `cbor:"entityId" json:"entityId"`
	Path          string        `cbor:"path,omitempty" json:"path,omitempty"`
	Origin        ID            `cbor:"origin,omitempty" json:"origin,omitempty"`
	CorrelationID string        `cbor:"correlationId,omitempty" json:"correlationId,omitempty"`
	AckRequests   []Label       `cbor:"ackRequests,omitempty" json:"ackRequests,omitempty"`
	ReadSubjects  []string      `cbor:"readSubjects,omitempty" json:"readSubjects,omitempty"`
	Payload       []byte        `cbor:"payload,omitempty" json:"payload,omitempty"`
	Timeout       time.Duration `cbor:"timeout,omitempty" json:"timeout,omitempty"`

	// Sender receives acknowledgements for this signal. It is process-local
	// and never encoded.
	Sender Recipient `cbor:"-" json:"-"`
}

// Namespace returns the part of the entity id before the first ':'.
func (s *Signal) Namespace() string {
	ns, _, ok := strings.Cut(s.EntityID, ":")
	if !ok {
		return ""
	}
	return ns
}

// WithAckRequests returns a shallow copy of s carrying labels as its
// acknowledgement requests.
func (s *Signal) WithAckRequests(labels []Label) *Signal {
	cp := *s
	cp.AckRequests = labels
	return &cp
}

// OutboundSignal is a signal bound to the targets that may receive it.
type OutboundSignal struct {
	Signal  *Signal
	Targets []Target
}

// Acknowledgement confirms or rejects the handling of a signal for one
// label.
type Acknowledgement struct {
	Label         Label  `json:"label"`
	EntityID      string `json:"entityId"`
	CorrelationID string `json:"correlationId"`
	StatusCode    int    `json:"status"`
	Payload       []byte `json:"payload,omitempty"`

	// Sender receives the answer to an acknowledgement that was rejected.
	Sender Recipient `json:"-"`
}

// SearchCommand is a command of a paginated search session.
type SearchCommand interface {
	isSearchCommand()
}

// CreateSubscription starts a search session. The coordinator assigns
// Prefix before forwarding.
type CreateSubscription struct {
	Prefix string    `json:"prefix,omitempty"`
	Filter string    `json:"filter,omitempty"`
	Sender Recipient `json:"-"`
}

// RequestFromSubscription asks a search session for more results.
type RequestFromSubscription struct {
	SubscriptionID string    `json:"subscriptionId"`
	Demand         int64     `json:"demand"`
	Sender         Recipient `json:"-"`
}

// CancelSubscription ends a search session.
type CancelSubscription struct {
	SubscriptionID string    `json:"subscriptionId"`
	Sender         Recipient `json:"-"`
}

func (*CreateSubscription) isSearchCommand()      {}
func (*RequestFromSubscription) isSearchCommand() {}
func (*CancelSubscription) isSearchCommand()      {}
