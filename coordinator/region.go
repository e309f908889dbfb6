package coordinator

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/raujonas/ditto/connection"
)

// Region holds the coordinators of this process, one per connection id.
type Region struct {
	cfg    Config
	starts singleflight.Group

	mu           sync.Mutex
	coordinators map[connection.ID]*Coordinator
	stopped      bool
}

// ErrRegionStopped is returned by a stopped region.
var ErrRegionStopped = errors.New("coordinator: region stopped")

// NewRegion returns an empty region. Every coordinator is started with
// cfg.
func NewRegion(cfg Config) *Region {
	r := &Region{coordinators: make(map[connection.ID]*Coordinator)}
	onPassivate := cfg.OnPassivate
	cfg.OnPassivate = func(id connection.ID) {
		r.forget(id)
		if onPassivate != nil {
			onPassivate(id)
		}
	}
	r.cfg = cfg
	return r
}

// Get returns the running coordinator of id, recovering it if needed.
// Recovery runs without holding the region lock; concurrent calls for the
// same id share one recovery.
func (r *Region) Get(ctx context.Context, id connection.ID) (*Coordinator, error) {
	if c, err, ok := r.lookup(id); ok {
		return c, err
	}
	v, err, _ := r.starts.Do(string(id), func() (any, error) {
		if c, err, ok := r.lookup(id); ok {
			return c, err
		}
		c, err := Start(ctx, id, r.cfg)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			_ = c.Stop(ctx)
			return nil, ErrRegionStopped
		}
		r.coordinators[id] = c
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Coordinator), nil
}

// lookup reports the running coordinator of id. ok is false when one has
// to be started.
func (r *Region) lookup(id connection.ID) (c *Coordinator, err error, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrRegionStopped, true
	}
	c, found := r.coordinators[id]
	if !found {
		return nil, nil, false
	}
	select {
	case <-c.Done():
		delete(r.coordinators, id)
		return nil, nil, false
	default:
		return c, nil, true
	}
}

func (r *Region) forget(id connection.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.coordinators[id]; ok {
		select {
		case <-c.Done():
			delete(r.coordinators, id)
		default:
		}
	}
}

// Send forwards cmd to the coordinator of its connection.
func (r *Region) Send(ctx context.Context, cmd connection.Command, sender connection.Recipient) error {
	for attempt := 0; ; attempt++ {
		c, err := r.Get(ctx, cmd.ConnectionID())
		if err != nil {
			return err
		}
		err = c.Send(ctx, cmd, sender)
		if errors.Is(err, ErrStopped) && attempt == 0 {
			continue
		}
		return err
	}
}

// Ask forwards cmd and waits for the response.
func (r *Region) Ask(ctx context.Context, cmd connection.Command) (*connection.Response, error) {
	for attempt := 0; ; attempt++ {
		c, err := r.Get(ctx, cmd.ConnectionID())
		if err != nil {
			return nil, err
		}
		resp, err := c.Ask(ctx, cmd)
		if errors.Is(err, ErrStopped) && attempt == 0 {
			continue
		}
		return resp, err
	}
}

// Tell delivers a signal, acknowledgement or search command to the
// coordinator of id without blocking.
func (r *Region) Tell(ctx context.Context, id connection.ID, msg any) error {
	c, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.Tell(msg)
}

// WakeUp starts the coordinator of every persisted connection. Connections
// that were open before a restart re-open their clients.
func (r *Region) WakeUp(ctx context.Context) error {
	pids, err := r.cfg.Journal.PersistenceIDs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, pid := range pids {
		id, ok := connection.IDFromPersistenceID(pid)
		if !ok {
			continue
		}
		if _, err := r.Get(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of running coordinators.
func (r *Region) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.coordinators)
}

// Stop stops every coordinator and rejects further requests.
func (r *Region) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	coordinators := make([]*Coordinator, 0, len(r.coordinators))
	for _, c := range r.coordinators {
		coordinators = append(coordinators, c)
	}
	r.coordinators = make(map[connection.ID]*Coordinator)
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range coordinators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
