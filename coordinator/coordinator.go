// Package coordinator owns the lifecycle of connections.
//
// A [Coordinator] is a single goroutine per connection fed by a bounded
// inbox. It owns the connection entity, the worker pool handle, the
// acknowledgement label declaration and the signal filter; nothing else
// touches that state. Commands are translated into a [StagedCommand] whose
// actions the coordinator executes in order. Asynchronous actions run on
// their own goroutine and post their outcome back into the inbox, where the
// pipeline resumes.
//
// A [Region] creates coordinators on demand, recovering each from the
// journal first, and forgets them when they passivate.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raujonas/ditto/acklabel"
	"github.com/raujonas/ditto/connection"
	"github.com/raujonas/ditto/connlog"
	"github.com/raujonas/ditto/journal"
	"github.com/raujonas/ditto/registry"
	"github.com/raujonas/ditto/routing"
	"github.com/raujonas/ditto/workerpool"
)

var (
	// ErrStopped is returned for messages sent to a stopped coordinator.
	ErrStopped = errors.New("coordinator: stopped")
	// ErrInboxFull is returned when a message cannot be enqueued.
	ErrInboxFull = errors.New("coordinator: inbox full")
)

// Config configures a [Coordinator].
type Config struct {
	// Journal persists the connection events. Required.
	Journal journal.Journal
	// Registry is the pub/sub fabric. Required.
	Registry registry.Registry
	// Factory creates the protocol client workers. Required.
	Factory workerpool.Factory
	// Validator checks commands (default: DefaultValidator{}).
	Validator Validator
	// Pool configures worker pools.
	Pool workerpool.Config

	// ClientAskTimeout bounds starting, testing and closing clients
	// (default: 10s).
	ClientAskTimeout time.Duration
	// RetrieveTimeout is the command timeout assumed by retrieve commands
	// without one (default: 500ms).
	RetrieveTimeout time.Duration
	// DeclareInterval is the retry delay of acknowledgement label
	// declarations (default: 5s).
	DeclareInterval time.Duration
	// AckForwarderTimeout bounds the lifetime of an acknowledgement
	// forwarder without a signal timeout (default: 1m).
	AckForwarderTimeout time.Duration
	// InboxSize is the capacity of the inbox (default: 256).
	InboxSize int
	// MaxClientsPerNode caps the number of workers; 0 means no cap.
	MaxClientsPerNode int
	// ActivityCheckInterval is the inactivity after which a connection that
	// is not desired open passivates (default: 15m).
	ActivityCheckInterval time.Duration
	// SnapshotThreshold is the number of events between snapshots
	// (default: 10).
	SnapshotThreshold int
	// LogDuration is the length of a diagnostic logging window
	// (default: 1h).
	LogDuration time.Duration
	// LoggingCheckInterval is the period of the logging liveness check
	// (default: 5m).
	LoggingCheckInterval time.Duration
	// Log configures the coordinator's diagnostic log.
	Log connlog.Config
	// InstanceID identifies this process in status reports
	// (default: a random UUID).
	InstanceID string
	// DefaultAckSink receives acknowledgements without a forwarder
	// (default: discard).
	DefaultAckSink connection.Recipient
	// OnPassivate is called after the coordinator stopped by passivation.
	OnPassivate func(connection.ID)

	// Now returns the current time (default: time.Now).
	Now func() time.Time
	// Logger for coordinator events (default: slog.Default()).
	Logger *slog.Logger
}

func (c Config) parse() Config {
	if c.Validator == nil {
		c.Validator = DefaultValidator{}
	}
	if c.ClientAskTimeout <= 0 {
		c.ClientAskTimeout = 10 * time.Second
	}
	if c.RetrieveTimeout <= 0 {
		c.RetrieveTimeout = 500 * time.Millisecond
	}
	if c.DeclareInterval <= 0 {
		c.DeclareInterval = 5 * time.Second
	}
	if c.AckForwarderTimeout <= 0 {
		c.AckForwarderTimeout = time.Minute
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.ActivityCheckInterval <= 0 {
		c.ActivityCheckInterval = 15 * time.Minute
	}
	if c.SnapshotThreshold <= 0 {
		c.SnapshotThreshold = 10
	}
	if c.LogDuration <= 0 {
		c.LogDuration = time.Hour
	}
	if c.LoggingCheckInterval <= 0 {
		c.LoggingCheckInterval = 5 * time.Minute
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.DefaultAckSink == nil {
		c.DefaultAckSink = connection.RecipientFunc(func(any) {})
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Log.Now == nil {
		c.Log.Now = c.Now
	}
	if c.Log.MaxBytes <= 0 {
		c.Log.MaxBytes = 250_000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Pool.Logger == nil {
		c.Pool.Logger = c.Logger
	}
	return c
}

type state int

const (
	stateNotCreated state = iota
	stateCreated
	stateDeleted
)

// Messages of the inbox. Every value the coordinator receives is one of
// these; anything else arriving through Deliver is dropped.
type (
	commandMsg struct {
		cmd    connection.Command
		sender connection.Recipient
	}
	// resumeMsg carries the outcome of an asynchronous action.
	resumeMsg struct {
		pipeline uint64
		staged   StagedCommand
		err      error
		pool     *workerpool.Pool
		poolGen  uint64
		replies  []workerpool.Reply
	}
	declareTick   struct{}
	declareResult struct {
		labels connection.LabelSet
		err    error
	}
	loggingTick       struct{}
	activityTick      struct{}
	forwarderTimeout  struct{ correlationID string }
	snapshotCompleted struct {
		revision int64
		err      error
	}
	stopMsg struct{}
)

// Coordinator serializes everything that happens to one connection.
type Coordinator struct {
	id     connection.ID
	cfg    Config
	logger *slog.Logger
	inbox  chan any
	done   chan struct{}
	exited chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once

	// Owned by the run goroutine.
	state         state
	entity        *connection.Connection
	revision      int64
	sinceSnapshot int
	closedAt      time.Time

	pool    *workerpool.Pool
	poolGen uint64
	testing bool

	pipelineSeq uint64
	inflight    map[uint64]struct{}
	mutating    uint64
	stash       []commandMsg

	filter     *routing.SignalFilter
	declarer   acklabel.Declarer
	declareTmr *ticker
	labels     *labelCalls
	prefixer   routing.Prefixer
	forwarders map[string]*forwarder

	log        *connlog.Log
	loggingTmr *ticker

	lastActivity time.Time
	activityTmr  *ticker
}

// Start recovers the connection id from the journal and starts its
// coordinator. A connection that was desired open re-opens its clients,
// ignoring connection failures.
func Start(ctx context.Context, id connection.ID, cfg Config) (*Coordinator, error) {
	cfg = cfg.parse()
	rec, err := journal.Recover(ctx, cfg.Journal, id.PersistenceID())
	if err != nil {
		return nil, connection.NewError(id, connection.ErrPersistence, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		id:            id,
		cfg:           cfg,
		logger:        cfg.Logger.With("connection", string(id)),
		inbox:         make(chan any, cfg.InboxSize),
		done:          make(chan struct{}),
		exited:        make(chan struct{}),
		ctx:           runCtx,
		cancel:        cancel,
		entity:        rec.Connection,
		revision:      rec.Revision,
		sinceSnapshot: rec.SinceSnapshot,
		closedAt:      cfg.Now(),
		inflight:      make(map[uint64]struct{}),
		forwarders:    make(map[string]*forwarder),
		log:           connlog.New(cfg.Log),
		lastActivity:  cfg.Now(),
		labels:        newLabelCalls(),
	}
	switch {
	case rec.Connection == nil:
		c.state = stateNotCreated
	case rec.Connection.IsDeleted():
		c.state = stateDeleted
	default:
		c.state = stateCreated
	}

	c.goAsync(c.labels.run)
	go c.run()
	return c, nil
}

// ID returns the connection id.
func (c *Coordinator) ID() connection.ID { return c.id }

// Done is closed once the coordinator stopped.
func (c *Coordinator) Done() <-chan struct{} { return c.exited }

// Send enqueues cmd. The response is delivered to sender, which may be nil.
func (c *Coordinator) Send(ctx context.Context, cmd connection.Command, sender connection.Recipient) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- commandMsg{cmd: cmd, sender: sender}:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ask sends cmd and waits for its response.
func (c *Coordinator) Ask(ctx context.Context, cmd connection.Command) (*connection.Response, error) {
	reply := make(chan *connection.Response, 1)
	sender := connection.RecipientFunc(func(msg any) {
		if r, ok := msg.(*connection.Response); ok {
			select {
			case reply <- r:
			default:
			}
		}
	})
	if err := c.Send(ctx, cmd, sender); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-c.exited:
		// The response may have been delivered right before exiting.
		select {
		case r := <-reply:
			return r, nil
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver implements [connection.Recipient]. It accepts live signals,
// acknowledgements and search commands without blocking; messages that do
// not fit into the inbox are dropped.
func (c *Coordinator) Deliver(msg any) {
	if err := c.Tell(msg); err != nil && !errors.Is(err, ErrStopped) {
		c.logger.Warn("Dropping message", "type", fmt.Sprintf("%T", msg), "error", err)
	}
}

// Tell enqueues msg without blocking.
func (c *Coordinator) Tell(msg any) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return ErrStopped
	default:
		return ErrInboxFull
	}
}

// Stop stops the coordinator, its clients and timers and withdraws its
// registry subscription and label claims. It waits until the coordinator
// exited or ctx is done.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		go func() {
			select {
			case c.inbox <- stopMsg{}:
			case <-c.done:
			}
		}()
	})
	select {
	case <-c.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers the outcome of an asynchronous operation. It blocks until
// the inbox has room, unless the coordinator stopped. It must not be called
// from the run goroutine.
func (c *Coordinator) post(msg any) {
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

// goAsync runs fn on a tracked goroutine.
func (c *Coordinator) goAsync(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Coordinator) run() {
	c.activityTmr = c.startTicker(c.cfg.ActivityCheckInterval, activityTick{})
	if c.state == stateCreated {
		c.resetDeclaration()
		if c.entity.IsDesiredOpen() {
			c.logger.Info("Restoring open connection after recovery")
			c.startPipeline(NewStagedCommand(&connection.Open{ID: c.id}, nil, nil, nil,
				OpenConnectionIgnoreErrors, UpdateSubscriptions))
		}
	}

	for msg := range c.inbox {
		if !c.handle(msg) {
			break
		}
	}
	c.shutdown()
}

// handle processes one message and reports whether the coordinator keeps
// running.
func (c *Coordinator) handle(msg any) bool {
	switch m := msg.(type) {
	case commandMsg:
		c.lastActivity = c.cfg.Now()
		return c.handleCommand(m)
	case resumeMsg:
		return c.resume(m)
	case *connection.Signal:
		c.lastActivity = c.cfg.Now()
		c.routeSignal(m)
	case *connection.Acknowledgement:
		c.lastActivity = c.cfg.Now()
		c.routeAcknowledgement(m)
	case connection.SearchCommand:
		c.lastActivity = c.cfg.Now()
		c.routeSearch(m)
	case declareTick:
		c.applyDeclarerEffects(c.declarer.Tick())
	case declareResult:
		c.handleDeclareResult(m)
	case loggingTick:
		c.checkLoggingActive()
	case activityTick:
		return c.checkActivity()
	case forwarderTimeout:
		c.expireForwarder(m.correlationID)
	case snapshotCompleted:
		c.handleSnapshotCompleted(m)
	case stopMsg:
		return false
	default:
		c.logger.Warn("Unknown message", "type", fmt.Sprintf("%T", msg))
		c.log.Failure("protocol", fmt.Sprintf("unknown message %T", msg), "", "")
	}
	return true
}

func (c *Coordinator) handleCommand(m commandMsg) bool {
	if m.cmd.ConnectionID() != c.id {
		c.reply(m.sender, errorResponse(m.cmd, connection.NewError(c.id, connection.ErrValidation,
			fmt.Errorf("command for connection %q", m.cmd.ConnectionID()))))
		return true
	}
	if c.mutating != 0 && isMutating(m.cmd) {
		c.stash = append(c.stash, m)
		return true
	}
	if err := c.cfg.Validator.Validate(c.ctx, m.cmd, c.entity); err != nil {
		c.log.Failure("validation", err.Error(), "", m.cmd.Head().CorrelationID)
		c.reply(m.sender, errorResponse(m.cmd, connection.NewError(c.id, connection.ErrValidation, err)))
		return true
	}
	staged, err := c.strategy(m.cmd, m.sender)
	if err != nil {
		c.reply(m.sender, errorResponse(m.cmd, err))
		return true
	}
	return c.startPipeline(staged)
}

// unstash replays the commands that arrived while a mutating pipeline ran.
func (c *Coordinator) unstash() bool {
	for c.mutating == 0 && len(c.stash) > 0 {
		m := c.stash[0]
		c.stash = c.stash[1:]
		if !c.handleCommand(m) {
			return false
		}
	}
	return true
}

func (c *Coordinator) reply(sender connection.Recipient, r *connection.Response) {
	if sender != nil && r != nil {
		sender.Deliver(r)
	}
}

func (c *Coordinator) checkActivity() bool {
	if c.state == stateCreated && c.entity.IsDesiredOpen() {
		return true
	}
	if c.mutating != 0 || len(c.inflight) > 0 {
		return true
	}
	if c.cfg.Now().Sub(c.lastActivity) < c.cfg.ActivityCheckInterval {
		return true
	}
	c.logger.Debug("Passivating inactive connection")
	c.passivated()
	return false
}

// passivated marks the coordinator for removal from its region once it
// exited.
func (c *Coordinator) passivated() {
	if c.cfg.OnPassivate == nil {
		return
	}
	id, fn := c.id, c.cfg.OnPassivate
	go func() {
		<-c.exited
		fn(id)
	}()
}

func (c *Coordinator) shutdown() {
	c.declareTmr.stop()
	c.loggingTmr.stop()
	c.activityTmr.stop()
	for id := range c.forwarders {
		c.expireForwarder(id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ClientAskTimeout)
	defer cancel()
	if c.pool != nil {
		if err := c.pool.Stop(); err != nil {
			c.logger.Warn("Stopping clients failed", "error", err)
		}
		c.pool = nil
	}
	if c.state == stateCreated {
		if err := c.cfg.Registry.RemoveSubscriber(ctx, string(c.id)); err != nil {
			c.logger.Warn("Removing subscriber failed", "error", err)
		}
	}
	var release func()
	if c.state == stateCreated && c.declarer.Desired() != nil {
		release = func() {
			if err := c.cfg.Registry.RemoveAckLabelDeclaration(ctx, string(c.id)); err != nil {
				c.logger.Warn("Releasing acknowledgement labels failed", "error", err)
			}
		}
	}
	c.labels.close(release)

	for _, m := range c.stash {
		c.reply(m.sender, errorResponse(m.cmd, connection.NewError(c.id, connection.ErrNotAccessible, ErrStopped)))
	}
	c.stash = nil

	c.cancel()
	close(c.done)
	c.wg.Wait()
	// Drain pool handles posted by late asynchronous actions.
	for {
		select {
		case msg := <-c.inbox:
			if r, ok := msg.(resumeMsg); ok && r.pool != nil {
				_ = r.pool.Stop()
			}
			continue
		default:
		}
		break
	}
	close(c.exited)
	c.logger.Debug("Coordinator stopped")
}

// ticker posts msg into the inbox every period until stopped.
type ticker struct {
	stopCh chan struct{}
	once   sync.Once
}

func (c *Coordinator) startTicker(period time.Duration, msg any) *ticker {
	t := &ticker{stopCh: make(chan struct{})}
	c.goAsync(func() {
		tk := time.NewTicker(period)
		defer tk.Stop()
		for {
			select {
			case <-tk.C:
				select {
				case c.inbox <- msg:
				case <-t.stopCh:
					return
				case <-c.done:
					return
				}
			case <-t.stopCh:
				return
			case <-c.done:
				return
			}
		}
	})
	return t
}

func (t *ticker) stop() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stopCh) })
}

func isMutating(cmd connection.Command) bool {
	switch cmd.(type) {
	case *connection.Create, *connection.Modify, *connection.Open, *connection.Close, *connection.Delete:
		return true
	default:
		return false
	}
}
