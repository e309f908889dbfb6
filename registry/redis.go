package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"

	"github.com/raujonas/ditto/connection"
)

// declareScript claims every label key for the owner or nothing.
// KEYS[1] is the owner set, KEYS[2..] the label keys.
// ARGV[1] is the owner, ARGV[2] the claim TTL in milliseconds.
// Returns the first conflicting key, or "" on success.
var declareScript = redis.NewScript(`
for i = 2, #KEYS do
  local cur = redis.call('GET', KEYS[i])
  if cur and cur ~= ARGV[1] then
    return KEYS[i]
  end
end
local old = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(old) do
  if redis.call('GET', k) == ARGV[1] then
    redis.call('DEL', k)
  end
end
redis.call('DEL', KEYS[1])
for i = 2, #KEYS do
  redis.call('SET', KEYS[i], ARGV[1], 'PX', ARGV[2])
  redis.call('SADD', KEYS[1], KEYS[i])
end
return ''
`)

// releaseScript deletes the label keys still owned by the owner.
// KEYS[1] is the owner set, ARGV[1] the owner.
var releaseScript = redis.NewScript(`
local old = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(old) do
  if redis.call('GET', k) == ARGV[1] then
    redis.call('DEL', k)
  end
end
redis.call('DEL', KEYS[1])
return 0
`)

// refreshScript extends the TTL of the label keys owned by the owner.
// KEYS[1] is the owner set, ARGV[1] the owner, ARGV[2] the TTL in ms.
var refreshScript = redis.NewScript(`
local old = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(old) do
  if redis.call('GET', k) == ARGV[1] then
    redis.call('PEXPIRE', k, ARGV[2])
  end
end
return 0
`)

var signalEncMode, _ = cbor.CoreDetEncOptions().EncMode()

// RedisConfig configures a [Redis] registry.
type RedisConfig struct {
	// KeyPrefix prefixes every key and channel (default: "connectivity").
	KeyPrefix string
	// AckLabelTTL is the lifetime of a label claim. Claims of local
	// subscribers are refreshed at a third of it (default: 30s).
	AckLabelTTL time.Duration
	// Logger for registry events (default: slog.Default()).
	Logger *slog.Logger
}

func (c RedisConfig) parse() RedisConfig {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "connectivity"
	}
	if c.AckLabelTTL <= 0 {
		c.AckLabelTTL = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Redis is a cluster-wide [Registry] on Redis.
//
// Label claims are keys holding the owner id, written by a Lua script so a
// declaration is atomic. Subscriptions are recorded in a hash for
// inspection and served locally: signals travel CBOR-encoded over Redis
// pub/sub on one channel per topic, named by a blake3 digest of the topic.
type Redis struct {
	cfg    RedisConfig
	client redis.UniversalClient
	pubsub *redis.PubSub

	mu       sync.Mutex
	subs     map[string]*subscription
	channels map[string]int
	declared map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis starts a registry on client. Close releases it.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	cfg = cfg.parse()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		cfg:      cfg,
		client:   client,
		pubsub:   client.Subscribe(ctx, cfg.KeyPrefix+":control"),
		subs:     make(map[string]*subscription),
		channels: make(map[string]int),
		declared: make(map[string]struct{}),
		cancel:   cancel,
	}
	r.wg.Add(2)
	go r.receive()
	go r.keepAlive(ctx)
	return r
}

func (r *Redis) labelKey(l connection.Label) string { return r.cfg.KeyPrefix + ":acklabel:" + string(l) }
func (r *Redis) ownerKey(id string) string          { return r.cfg.KeyPrefix + ":acklabels:" + id }
func (r *Redis) subscribersKey() string             { return r.cfg.KeyPrefix + ":subscribers" }

// TopicChannel returns the pub/sub channel of a topic.
func (r *Redis) TopicChannel(t connection.Topic) string {
	sum := blake3.Sum256([]byte(t))
	return r.cfg.KeyPrefix + ":topic:" + hex.EncodeToString(sum[:8])
}

type subscriberRecord struct {
	Topics   []connection.Topic `cbor:"topics"`
	Subjects []string           `cbor:"subjects"`
}

func (r *Redis) Subscribe(ctx context.Context, sub Subscriber, topics []connection.Topic, subjects []string) error {
	rec, err := signalEncMode.Marshal(subscriberRecord{Topics: topics, Subjects: subjects})
	if err != nil {
		return fmt.Errorf("registry: encode subscriber: %w", err)
	}
	if err := r.client.HSet(ctx, r.subscribersKey(), sub.ID, rec).Err(); err != nil {
		return fmt.Errorf("registry: subscribe %s: %w", sub.ID, err)
	}

	r.mu.Lock()
	old := r.subs[sub.ID]
	next := newSubscription(sub, topics, subjects)
	r.subs[sub.ID] = next
	add, drop := r.retainLocked(next), r.releaseChannelsLocked(old)
	r.mu.Unlock()

	if len(add) > 0 {
		if err := r.pubsub.Subscribe(ctx, add...); err != nil {
			return fmt.Errorf("registry: subscribe %s: %w", sub.ID, err)
		}
	}
	if len(drop) > 0 {
		if err := r.pubsub.Unsubscribe(ctx, drop...); err != nil {
			return fmt.Errorf("registry: unsubscribe %s: %w", sub.ID, err)
		}
	}
	return nil
}

func (r *Redis) RemoveSubscriber(ctx context.Context, id string) error {
	r.mu.Lock()
	old := r.subs[id]
	delete(r.subs, id)
	drop := r.releaseChannelsLocked(old)
	r.mu.Unlock()

	if err := r.client.HDel(ctx, r.subscribersKey(), id).Err(); err != nil {
		return fmt.Errorf("registry: remove subscriber %s: %w", id, err)
	}
	if len(drop) > 0 {
		if err := r.pubsub.Unsubscribe(ctx, drop...); err != nil {
			return fmt.Errorf("registry: unsubscribe %s: %w", id, err)
		}
	}
	return nil
}

// retainLocked counts the channels of s and returns those that are new.
func (r *Redis) retainLocked(s *subscription) []string {
	var add []string
	for t := range s.topics {
		ch := r.TopicChannel(t)
		r.channels[ch]++
		if r.channels[ch] == 1 {
			add = append(add, ch)
		}
	}
	return add
}

// releaseChannelsLocked uncounts the channels of s and returns those no
// longer needed.
func (r *Redis) releaseChannelsLocked(s *subscription) []string {
	if s == nil {
		return nil
	}
	var drop []string
	for t := range s.topics {
		ch := r.TopicChannel(t)
		r.channels[ch]--
		if r.channels[ch] <= 0 {
			delete(r.channels, ch)
			drop = append(drop, ch)
		}
	}
	return drop
}

func (r *Redis) DeclareAckLabels(ctx context.Context, id string, labels connection.LabelSet) error {
	keys := []string{r.ownerKey(id)}
	for _, l := range labels.Sorted() {
		keys = append(keys, r.labelKey(l))
	}
	conflict, err := declareScript.Run(ctx, r.client, keys, id, r.cfg.AckLabelTTL.Milliseconds()).Text()
	if err != nil {
		return fmt.Errorf("registry: declare %s: %w", id, err)
	}
	if conflict != "" {
		return fmt.Errorf("%w: %s", ErrLabelNotUnique, conflict[len(r.cfg.KeyPrefix+":acklabel:"):])
	}
	r.mu.Lock()
	r.declared[id] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *Redis) RemoveAckLabelDeclaration(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.declared, id)
	r.mu.Unlock()
	if err := releaseScript.Run(ctx, r.client, []string{r.ownerKey(id)}, id).Err(); err != nil {
		return fmt.Errorf("registry: release %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, s *connection.Signal) error {
	b, err := signalEncMode.Marshal(s)
	if err != nil {
		return fmt.Errorf("registry: encode signal: %w", err)
	}
	if err := r.client.Publish(ctx, r.TopicChannel(s.Topic), b).Err(); err != nil {
		return fmt.Errorf("registry: publish: %w", err)
	}
	return nil
}

func (r *Redis) receive() {
	defer r.wg.Done()
	for msg := range r.pubsub.Channel() {
		var s connection.Signal
		if err := cbor.Unmarshal([]byte(msg.Payload), &s); err != nil {
			r.cfg.Logger.Warn("Dropping undecodable signal",
				"component", "registry",
				"channel", msg.Channel,
				"error", err)
			continue
		}
		r.mu.Lock()
		var recipients []connection.Recipient
		for _, sub := range r.subs {
			if sub.matches(&s) {
				recipients = append(recipients, sub.recipient)
			}
		}
		r.mu.Unlock()
		for _, rc := range recipients {
			sig := s
			rc.Deliver(&sig)
		}
	}
}

func (r *Redis) keepAlive(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.AckLabelTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			ids := make([]string, 0, len(r.declared))
			for id := range r.declared {
				ids = append(ids, id)
			}
			r.mu.Unlock()
			for _, id := range ids {
				err := refreshScript.Run(ctx, r.client, []string{r.ownerKey(id)}, id, r.cfg.AckLabelTTL.Milliseconds()).Err()
				if err != nil && !errors.Is(err, context.Canceled) {
					r.cfg.Logger.Warn("Refreshing acknowledgement labels failed",
						"component", "registry",
						"subscriber", id,
						"error", err)
				}
			}
		}
	}
}

// Close stops delivery and the keep-alive loop. Label claims expire after
// their TTL.
func (r *Redis) Close() error {
	r.cancel()
	err := r.pubsub.Close()
	r.wg.Wait()
	return err
}
