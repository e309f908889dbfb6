package journal

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/raujonas/ditto/connection"
)

// Memory is an in-process [Journal]. Events and snapshots are stored
// encoded, so callers never share state with the journal.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memoryStream
}

type memoryStream struct {
	revisions []int64
	events    [][]byte
	snapshot  []byte
}

// NewMemory returns an empty journal.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*memoryStream)}
}

func (m *Memory) stream(pid string) *memoryStream {
	s, ok := m.streams[pid]
	if !ok {
		s = &memoryStream{}
		m.streams[pid] = s
	}
	return s
}

func (m *Memory) Append(_ context.Context, pid string, events ...connection.Event) error {
	encoded := make([][]byte, len(events))
	for i, e := range events {
		b, err := EncodeEvent(e)
		if err != nil {
			return err
		}
		encoded[i] = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(pid)
	last := int64(0)
	if n := len(s.revisions); n > 0 {
		last = s.revisions[n-1]
	}
	for _, e := range events {
		rev := e.Meta().Revision
		if rev <= last {
			return fmt.Errorf("%w: %s revision %d after %d", ErrRevision, pid, rev, last)
		}
		last = rev
	}
	for i, e := range events {
		s.revisions = append(s.revisions, e.Meta().Revision)
		s.events = append(s.events, encoded[i])
	}
	return nil
}

func (m *Memory) Replay(_ context.Context, pid string, after int64) ([]connection.Event, error) {
	m.mu.Lock()
	s, ok := m.streams[pid]
	var raw [][]byte
	if ok {
		for i, rev := range s.revisions {
			if rev > after {
				raw = append(raw, s.events[i])
			}
		}
	}
	m.mu.Unlock()

	out := make([]connection.Event, 0, len(raw))
	for _, b := range raw {
		e, err := DecodeEvent(b)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, pid string, snap Snapshot) error {
	b, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream(pid).snapshot = b
	return nil
}

func (m *Memory) LoadSnapshot(_ context.Context, pid string) (Snapshot, bool, error) {
	m.mu.Lock()
	s, ok := m.streams[pid]
	var b []byte
	if ok {
		b = s.snapshot
	}
	m.mu.Unlock()
	if b == nil {
		return Snapshot{}, false, nil
	}
	snap, err := DecodeSnapshot(b)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (m *Memory) DeleteEventsTo(_ context.Context, pid string, revision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[pid]
	if !ok {
		return nil
	}
	i := 0
	for i < len(s.revisions) && s.revisions[i] <= revision {
		i++
	}
	s.revisions = slices.Clone(s.revisions[i:])
	s.events = slices.Clone(s.events[i:])
	return nil
}

func (m *Memory) PersistenceIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.streams))
	for pid, s := range m.streams {
		if len(s.events) > 0 {
			out = append(out, pid)
		}
	}
	slices.Sort(out)
	return out, nil
}
