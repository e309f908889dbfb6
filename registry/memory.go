package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/raujonas/ditto/connection"
)

// Memory is a single-process [Registry].
type Memory struct {
	mu     sync.Mutex
	subs   map[string]*subscription
	owners map[connection.Label]string
	owned  map[string]connection.LabelSet
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{
		subs:   make(map[string]*subscription),
		owners: make(map[connection.Label]string),
		owned:  make(map[string]connection.LabelSet),
	}
}

func (m *Memory) Subscribe(_ context.Context, sub Subscriber, topics []connection.Topic, subjects []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = newSubscription(sub, topics, subjects)
	return nil
}

func (m *Memory) RemoveSubscriber(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *Memory) DeclareAckLabels(_ context.Context, id string, labels connection.LabelSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range labels.Sorted() {
		if owner, ok := m.owners[l]; ok && owner != id {
			return fmt.Errorf("%w: %s", ErrLabelNotUnique, l)
		}
	}
	m.releaseLocked(id)
	claimed := make(connection.LabelSet, len(labels))
	for l := range labels {
		m.owners[l] = id
		claimed[l] = struct{}{}
	}
	m.owned[id] = claimed
	return nil
}

func (m *Memory) RemoveAckLabelDeclaration(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(id)
	return nil
}

func (m *Memory) releaseLocked(id string) {
	for l := range m.owned[id] {
		if m.owners[l] == id {
			delete(m.owners, l)
		}
	}
	delete(m.owned, id)
}

func (m *Memory) Publish(_ context.Context, s *connection.Signal) error {
	m.mu.Lock()
	var recipients []connection.Recipient
	for _, sub := range m.subs {
		if sub.matches(s) {
			recipients = append(recipients, sub.recipient)
		}
	}
	m.mu.Unlock()

	for _, r := range recipients {
		r.Deliver(s)
	}
	return nil
}

// Owner returns the subscriber owning label.
func (m *Memory) Owner(label connection.Label) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.owners[label]
	return id, ok
}
