// Package workerpool runs the protocol client workers of one connection.
//
// Every worker owns a goroutine and a bounded inbox, so messages routed to
// the same worker are handled in order. Messages are routed by a
// consistent-hash [Ring] over a routing key: the entity id for live signals,
// the session prefix for search commands.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raujonas/ditto/connection"
)

var (
	// ErrStopped is returned for requests to a stopped pool.
	ErrStopped = errors.New("workerpool: stopped")
	// ErrTimeout is the reply of a worker that did not answer in time.
	ErrTimeout = errors.New("workerpool: timeout")
)

// Logger defines an interface for logging at different severity levels.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Worker handles the messages routed to one client.
type Worker interface {
	// Handle processes msg and returns the reply. It must return promptly
	// once ctx is done.
	Handle(ctx context.Context, msg any) (any, error)
	// Close releases the client. It is called once, after the last Handle.
	Close() error
}

// Factory creates the worker with the given index for a connection.
type Factory interface {
	NewWorker(c *connection.Connection, index int, logger Logger) (Worker, error)
}

// FactoryFunc adapts a function to [Factory].
type FactoryFunc func(c *connection.Connection, index int, logger Logger) (Worker, error)

// NewWorker calls f.
func (f FactoryFunc) NewWorker(c *connection.Connection, index int, logger Logger) (Worker, error) {
	return f(c, index, logger)
}

// Config configures a [Pool].
type Config struct {
	// InboxSize is the per-worker inbox capacity (default: 64).
	InboxSize int
	// VirtualNodes is the number of ring points per worker (default: 64).
	VirtualNodes int
	// Logger for pool events (default: slog.Default()).
	Logger Logger
}

func (c Config) parse() Config {
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
	if c.VirtualNodes <= 0 {
		c.VirtualNodes = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Reply is the answer of one worker to a gathered request.
type Reply struct {
	Worker string
	Value  any
	Err    error
}

// Pool is a started set of workers. It is created by [Start] and owned by
// one coordinator.
type Pool struct {
	cfg     Config
	id      connection.ID
	workers []*worker
	ring    *Ring

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

type worker struct {
	name  string
	impl  Worker
	inbox chan envelope
}

type envelope struct {
	ctx   context.Context
	msg   any
	reply chan Reply
}

// Start creates count workers for c. If a worker cannot be created, the
// workers created so far are closed and the error is returned.
func Start(f Factory, c *connection.Connection, count int, cfg Config) (*Pool, error) {
	cfg = cfg.parse()
	if count < 1 {
		count = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		id:     c.ID,
		ring:   NewRing(count, cfg.VirtualNodes),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	for i := range count {
		name := fmt.Sprintf("%s-%d", c.ID, i)
		impl, err := f.NewWorker(c, i, cfg.Logger)
		if err != nil {
			cancel()
			for _, w := range p.workers {
				_ = w.impl.Close()
			}
			return nil, fmt.Errorf("workerpool: start worker %s: %w", name, err)
		}
		p.workers = append(p.workers, &worker{
			name:  name,
			impl:  impl,
			inbox: make(chan envelope, cfg.InboxSize),
		})
	}

	for _, w := range p.workers {
		p.wg.Add(1)
		go p.run(w)
	}
	cfg.Logger.Debug("Worker pool started", "component", "workerpool", "connection", c.ID, "workers", count)
	return p, nil
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case env := <-w.inbox:
			v, err := w.impl.Handle(env.ctx, env.msg)
			if env.reply != nil {
				env.reply <- Reply{Worker: w.name, Value: v, Err: err}
			}
		}
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Names returns the worker names in index order.
func (p *Pool) Names() []string {
	out := make([]string, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.name
	}
	return out
}

func (p *Pool) route(key string) *worker {
	return p.workers[p.ring.Locate(key)]
}

// Tell routes msg to the worker owning key without waiting. It reports
// false if the pool is stopped or the inbox is full; the message is then
// dropped.
func (p *Pool) Tell(key string, msg any) bool {
	return p.tell(p.route(key), msg)
}

func (p *Pool) tell(w *worker, msg any) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case w.inbox <- envelope{ctx: p.ctx, msg: msg}:
		return true
	default:
		p.cfg.Logger.Warn("Worker inbox full, dropping message",
			"component", "workerpool",
			"worker", w.name,
			"message", fmt.Sprintf("%T", msg))
		return false
	}
}

// BroadcastTell tells msg to every worker.
func (p *Pool) BroadcastTell(msg any) {
	for _, w := range p.workers {
		p.tell(w, msg)
	}
}

// Ask routes msg to the worker owning key and waits for its reply.
func (p *Pool) Ask(ctx context.Context, key string, msg any) (any, error) {
	r := p.ask(ctx, p.route(key), msg)
	return r.Value, r.Err
}

func (p *Pool) ask(ctx context.Context, w *worker, msg any) Reply {
	select {
	case <-p.done:
		return Reply{Worker: w.name, Err: ErrStopped}
	default:
	}
	ctx, cancel := mergeDone(ctx, p.done)
	defer cancel()

	reply := make(chan Reply, 1)
	select {
	case w.inbox <- envelope{ctx: ctx, msg: msg, reply: reply}:
	case <-p.done:
		return Reply{Worker: w.name, Err: ErrStopped}
	case <-ctx.Done():
		return Reply{Worker: w.name, Err: askErr(ctx, p.done)}
	}

	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return Reply{Worker: w.name, Err: askErr(ctx, p.done)}
	}
}

func askErr(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return ErrStopped
	default:
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// Broadcast sends msg to every worker and waits until all of them replied.
// The first failure cancels the remaining requests and is returned.
// Replies are returned in worker order.
func (p *Pool) Broadcast(ctx context.Context, msg any) ([]any, error) {
	out := make([]any, len(p.workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range p.workers {
		g.Go(func() error {
			r := p.ask(gctx, w, msg)
			if r.Err != nil {
				return fmt.Errorf("%s: %w", w.name, r.Err)
			}
			out[i] = r.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Gather sends msg to every worker and collects the replies that arrive
// within timeout. Workers that did not answer in time reply [ErrTimeout].
// Gather returns once, after every worker answered or the timeout elapsed.
func (p *Pool) Gather(ctx context.Context, msg any, timeout time.Duration) []Reply {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := make([]Reply, len(p.workers))
	var wg sync.WaitGroup
	for i, w := range p.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = p.ask(ctx, w, msg)
		}()
	}
	wg.Wait()
	return out
}

// Stop stops every worker and closes its client. It is safe to call more
// than once; later calls return the result of the first.
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.done)
		p.wg.Wait()

		var errs []error
		for _, w := range p.workers {
			if err := w.impl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", w.name, err))
			}
		}
		p.stopErr = errors.Join(errs...)
		p.cfg.Logger.Debug("Worker pool stopped", "component", "workerpool", "connection", p.id)
	})
	return p.stopErr
}

// mergeDone returns a context that is also canceled when done is closed.
func mergeDone(ctx context.Context, done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
