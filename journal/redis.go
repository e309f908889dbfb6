package journal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/raujonas/ditto/connection"
)

// Redis is a [Journal] on Redis. Events live in one stream per persistence
// id with the revision as entry id; snapshots are plain keys.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a journal using client. Keys start with keyPrefix.
func NewRedis(client redis.UniversalClient, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "connectivity"
	}
	return &Redis{client: client, prefix: keyPrefix}
}

func (r *Redis) streamKey(pid string) string   { return r.prefix + ":journal:" + pid }
func (r *Redis) snapshotKey(pid string) string { return r.prefix + ":snapshot:" + pid }

func entryID(revision int64) string { return strconv.FormatInt(revision, 10) + "-0" }

func (r *Redis) Append(ctx context.Context, pid string, events ...connection.Event) error {
	key := r.streamKey(pid)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range events {
			b, err := EncodeEvent(e)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: key,
				ID:     entryID(e.Meta().Revision),
				Values: map[string]any{"type": e.EventType(), "event": b},
			})
		}
		return nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "equal or smaller") {
			return fmt.Errorf("%w: %s: %v", ErrRevision, pid, err)
		}
		return fmt.Errorf("journal: append %s: %w", pid, err)
	}
	return nil
}

func (r *Redis) Replay(ctx context.Context, pid string, after int64) ([]connection.Event, error) {
	msgs, err := r.client.XRange(ctx, r.streamKey(pid), entryID(after+1), "+").Result()
	if err != nil {
		return nil, fmt.Errorf("journal: replay %s: %w", pid, err)
	}
	out := make([]connection.Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["event"].(string)
		if !ok {
			return nil, fmt.Errorf("journal: replay %s: entry %s has no event", pid, m.ID)
		}
		e, err := DecodeEvent([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Redis) SaveSnapshot(ctx context.Context, pid string, s Snapshot) error {
	b, err := EncodeSnapshot(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.snapshotKey(pid), b, 0).Err(); err != nil {
		return fmt.Errorf("journal: save snapshot %s: %w", pid, err)
	}
	return nil
}

func (r *Redis) LoadSnapshot(ctx context.Context, pid string) (Snapshot, bool, error) {
	b, err := r.client.Get(ctx, r.snapshotKey(pid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("journal: load snapshot %s: %w", pid, err)
	}
	s, err := DecodeSnapshot(b)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

func (r *Redis) DeleteEventsTo(ctx context.Context, pid string, revision int64) error {
	key := r.streamKey(pid)
	msgs, err := r.client.XRange(ctx, key, "-", entryID(revision)).Result()
	if err != nil {
		return fmt.Errorf("journal: delete events %s: %w", pid, err)
	}
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := r.client.XDel(ctx, key, ids...).Err(); err != nil {
		return fmt.Errorf("journal: delete events %s: %w", pid, err)
	}
	return nil
}

func (r *Redis) PersistenceIDs(ctx context.Context) ([]string, error) {
	keyPrefix := r.streamKey("")
	var out []string
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := r.client.XLen(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("journal: persistence ids: %w", err)
		}
		if n > 0 {
			out = append(out, strings.TrimPrefix(key, keyPrefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("journal: persistence ids: %w", err)
	}
	slices.Sort(out)
	return out, nil
}
