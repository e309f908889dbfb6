// Package journal persists connection events and snapshots.
//
// Each connection owns one append-only stream keyed by its persistence id
// ("connection:" + id) and at most one snapshot. Recovery loads the
// snapshot and replays the events with a higher revision.
package journal

import (
	"context"
	"errors"

	"github.com/raujonas/ditto/connection"
)

// ErrRevision is returned when an appended event does not continue the
// stream.
var ErrRevision = errors.New("journal: revision out of order")

// Journal is the persistence contract of a coordinator.
type Journal interface {
	// Append durably appends events. Revisions must increase.
	Append(ctx context.Context, persistenceID string, events ...connection.Event) error
	// Replay returns the events with a revision greater than after, in order.
	Replay(ctx context.Context, persistenceID string, after int64) ([]connection.Event, error)
	// SaveSnapshot replaces the snapshot of the persistence id.
	SaveSnapshot(ctx context.Context, persistenceID string, s Snapshot) error
	// LoadSnapshot returns the snapshot, or false if there is none.
	LoadSnapshot(ctx context.Context, persistenceID string) (Snapshot, bool, error)
	// DeleteEventsTo deletes the events with a revision up to and including
	// revision.
	DeleteEventsTo(ctx context.Context, persistenceID string, revision int64) error
	// PersistenceIDs returns every persistence id that has events left.
	// Ids whose events were all cleaned up are not listed.
	PersistenceIDs(ctx context.Context) ([]string, error)
}

// Recovered is the state rebuilt by [Recover].
type Recovered struct {
	Connection *connection.Connection
	Revision   int64
	// SinceSnapshot counts the events replayed on top of the snapshot.
	SinceSnapshot int
}

// Recover rebuilds the connection stored under persistenceID from its
// snapshot and the events after it. A connection without lifecycle is
// treated as active.
func Recover(ctx context.Context, j Journal, persistenceID string) (Recovered, error) {
	var r Recovered
	s, ok, err := j.LoadSnapshot(ctx, persistenceID)
	if err != nil {
		return r, err
	}
	if ok {
		r.Connection = s.Connection
		r.Revision = s.Revision
	}
	events, err := j.Replay(ctx, persistenceID, r.Revision)
	if err != nil {
		return r, err
	}
	for _, e := range events {
		r.Connection = connection.Apply(e, r.Connection)
		r.Revision = e.Meta().Revision
	}
	r.SinceSnapshot = len(events)
	if r.Connection != nil && r.Connection.Lifecycle == "" {
		r.Connection.Lifecycle = connection.LifecycleActive
	}
	return r, nil
}

// Cleanup deletes the events covered by the snapshot at revision except
// the last stale ones.
func Cleanup(ctx context.Context, j Journal, persistenceID string, revision int64, stale int) error {
	to := revision - int64(stale)
	if to <= 0 {
		return nil
	}
	return j.DeleteEventsTo(ctx, persistenceID, to)
}
