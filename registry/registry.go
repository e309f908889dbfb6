// Package registry is the cluster-wide publish/subscribe fabric seen by
// connection coordinators.
//
// A coordinator subscribes its connection to the topics and authorization
// subjects of its targets and receives matching signals through its
// [connection.Recipient]. It also claims acknowledgement labels, which are
// unique across the cluster: a declaration that touches a label owned by
// another subscriber fails with [ErrLabelNotUnique] and claims nothing.
package registry

import (
	"context"

	"github.com/raujonas/ditto/connection"
)

// ErrLabelNotUnique is returned when another subscriber owns a label.
var ErrLabelNotUnique = connection.ErrAckLabelNotUnique

// Subscriber receives the signals of its subscription.
type Subscriber struct {
	// ID identifies the subscriber cluster-wide. Coordinators use the
	// connection id.
	ID string
	// Recipient receives *connection.Signal values. Deliver must not block.
	Recipient connection.Recipient
}

// Registry is the contract between coordinators and the fabric.
type Registry interface {
	// Subscribe replaces the subscription of sub.
	Subscribe(ctx context.Context, sub Subscriber, topics []connection.Topic, subjects []string) error
	// RemoveSubscriber removes the subscription of the subscriber id.
	RemoveSubscriber(ctx context.Context, id string) error
	// DeclareAckLabels replaces the labels owned by the subscriber id with
	// labels, all or nothing.
	DeclareAckLabels(ctx context.Context, id string, labels connection.LabelSet) error
	// RemoveAckLabelDeclaration releases every label of the subscriber id.
	RemoveAckLabelDeclaration(ctx context.Context, id string) error
	// Publish delivers s to every subscriber of its topic whose subjects
	// intersect the read subjects of s.
	Publish(ctx context.Context, s *connection.Signal) error
}

type subscription struct {
	recipient connection.Recipient
	topics    map[connection.Topic]struct{}
	subjects  map[string]struct{}
}

func newSubscription(sub Subscriber, topics []connection.Topic, subjects []string) *subscription {
	s := &subscription{
		recipient: sub.Recipient,
		topics:    make(map[connection.Topic]struct{}, len(topics)),
		subjects:  make(map[string]struct{}, len(subjects)),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	for _, subj := range subjects {
		s.subjects[subj] = struct{}{}
	}
	return s
}

func (s *subscription) matches(sig *connection.Signal) bool {
	if _, ok := s.topics[sig.Topic]; !ok {
		return false
	}
	for _, subj := range sig.ReadSubjects {
		if _, ok := s.subjects[subj]; ok {
			return true
		}
	}
	return false
}
