package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/raujonas/ditto/acklabel"
	"github.com/raujonas/ditto/connection"
	"github.com/raujonas/ditto/journal"
	"github.com/raujonas/ditto/registry"
	"github.com/raujonas/ditto/routing"
	"github.com/raujonas/ditto/workerpool"
)

type outcome int

const (
	proceed outcome = iota
	suspend
	halt
)

// startPipeline registers and runs a new staged command. It reports whether
// the coordinator keeps running.
func (c *Coordinator) startPipeline(sc StagedCommand) bool {
	c.pipelineSeq++
	id := c.pipelineSeq
	c.inflight[id] = struct{}{}
	switch sc.Command.(type) {
	case *connection.Test:
		c.testing = true
		c.mutating = id
	default:
		if isMutating(sc.Command) {
			c.mutating = id
		}
	}
	return c.execute(id, sc)
}

// execute runs actions until one suspends, the pipeline ends or the
// coordinator passivates.
func (c *Coordinator) execute(id uint64, sc StagedCommand) bool {
	for {
		action, ok := sc.Current()
		if !ok {
			return c.finish(id)
		}
		var (
			err error
			out outcome
		)
		out, err = c.perform(id, sc, action)
		switch out {
		case suspend:
			return true
		case halt:
			delete(c.inflight, id)
			return false
		}
		if err != nil {
			c.recordFailure(sc, action, err)
		}
		var more bool
		if sc, more = Step(sc, err); !more {
			return c.finish(id)
		}
	}
}

// resume continues a pipeline after its asynchronous action completed.
func (c *Coordinator) resume(m resumeMsg) bool {
	if _, ok := c.inflight[m.pipeline]; !ok {
		if m.pool != nil {
			c.logger.Debug("Stopping clients of a superseded pipeline")
			c.goAsync(func() { _ = m.pool.Stop() })
		}
		return true
	}
	sc, err := m.staged, m.err
	action, _ := sc.Current()
	switch action {
	case OpenConnection, OpenConnectionIgnoreErrors:
		if m.pool != nil {
			c.adoptPool(m.pool)
		}
		if err != nil && action == OpenConnectionIgnoreErrors {
			c.logger.Warn("Opening connection failed, continuing", "error", err)
		}
	case CloseConnection:
		if m.poolGen != c.poolGen {
			err = nil
		}
	case PersistAndApplyEvent:
		if err == nil {
			c.applyPersisted(sc.Event)
		}
	case RetrieveConnectionLogs, RetrieveConnectionStatus, RetrieveConnectionMetrics:
		c.reply(sc.Sender, c.aggregate(sc.Command, m.replies, m.poolGen == c.poolGen && c.pool != nil))
	}
	if err != nil {
		c.recordFailure(sc, action, err)
	}
	next, more := Step(sc, err)
	if !more {
		return c.finish(m.pipeline)
	}
	return c.execute(m.pipeline, next)
}

func (c *Coordinator) finish(id uint64) bool {
	delete(c.inflight, id)
	if c.mutating == id {
		c.mutating = 0
		c.testing = false
	}
	return c.unstash()
}

func (c *Coordinator) recordFailure(sc StagedCommand, action Action, err error) {
	c.logger.Warn("Action failed", "action", action.String(), "command", sc.Command.Name(), "error", err)
	c.log.Failure("connection", fmt.Sprintf("%s failed: %v", action, err), "", sc.Command.Head().CorrelationID)
}

// perform executes one action. Asynchronous actions return suspend and post
// a resumeMsg once done.
func (c *Coordinator) perform(id uint64, sc StagedCommand, action Action) (outcome, error) {
	switch action {
	case TestConnection:
		c.testConnection(id, sc)
		return suspend, nil

	case OpenConnection, OpenConnectionIgnoreErrors:
		c.openConnection(id, sc, action == OpenConnectionIgnoreErrors)
		return suspend, nil

	case CloseConnection:
		if c.pool == nil {
			return proceed, nil
		}
		pool, gen := c.pool, c.poolGen
		c.goAsync(func() {
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ClientAskTimeout)
			defer cancel()
			_, err := pool.Broadcast(ctx, &connection.Close{ID: c.id})
			if err != nil {
				err = connection.NewError(c.id, connection.ErrConnectionFailed, err)
			}
			c.post(resumeMsg{pipeline: id, staged: sc, err: err, poolGen: gen})
		})
		return suspend, nil

	case StopClientActors:
		c.stopPool()
		return proceed, nil

	case ApplyEvent:
		c.entity = connection.Apply(sc.Event, c.entity)
		return proceed, nil

	case PersistAndApplyEvent:
		event := sc.Event
		c.goAsync(func() {
			err := c.cfg.Journal.Append(c.ctx, c.id.PersistenceID(), event)
			if err != nil {
				err = connection.NewError(c.id, connection.ErrPersistence, err)
			}
			c.post(resumeMsg{pipeline: id, staged: sc, err: err})
		})
		return suspend, nil

	case SendResponse:
		c.reply(sc.Sender, sc.Response)
		return proceed, nil

	case BecomeCreated:
		c.state = stateCreated
		return proceed, nil

	case BecomeDeleted:
		c.state = stateDeleted
		return proceed, nil

	case UpdateSubscriptions:
		c.updateSubscriptions(id, sc)
		return suspend, nil

	case BroadcastToClientActorsIfStarted:
		if c.pool != nil {
			c.pool.BroadcastTell(sc.Command)
		}
		return proceed, nil

	case RetrieveConnectionLogs, RetrieveConnectionStatus, RetrieveConnectionMetrics:
		if c.pool == nil {
			c.reply(sc.Sender, c.aggregate(sc.Command, nil, false))
			return proceed, nil
		}
		pool, gen := c.pool, c.poolGen
		timeout := c.aggregationTimeout(sc.Command)
		c.goAsync(func() {
			replies := pool.Gather(c.ctx, sc.Command, timeout)
			c.post(resumeMsg{pipeline: id, staged: sc, poolGen: gen, replies: replies})
		})
		return suspend, nil

	case EnableLogging:
		c.enableLogging()
		return proceed, nil

	case DisableLogging:
		c.disableLogging()
		return proceed, nil

	case Passivate:
		c.passivated()
		return halt, nil

	default:
		return proceed, fmt.Errorf("unknown action %d", action)
	}
}

func (c *Coordinator) clientCount(entity *connection.Connection) int {
	n := max(1, entity.ClientCount)
	if c.cfg.MaxClientsPerNode > 0 {
		n = min(n, c.cfg.MaxClientsPerNode)
	}
	return n
}

func (c *Coordinator) testConnection(id uint64, sc StagedCommand) {
	entity := c.entity.Clone()
	c.goAsync(func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ClientAskTimeout)
		defer cancel()
		pool, err := workerpool.Start(c.cfg.Factory, entity, 1, c.cfg.Pool)
		if err != nil {
			c.post(resumeMsg{pipeline: id, staged: sc, err: connection.NewError(c.id, connection.ErrConnectionFailed, err)})
			return
		}
		replies, err := pool.Broadcast(ctx, sc.Command)
		_ = pool.Stop()
		if err != nil {
			c.post(resumeMsg{pipeline: id, staged: sc, err: connection.NewError(c.id, connection.ErrConnectionFailed, err)})
			return
		}
		r := *sc.Response
		if msg, ok := replies[0].(string); ok {
			r.Message = msg
		}
		c.post(resumeMsg{pipeline: id, staged: sc.WithResponse(&r)})
	})
}

func (c *Coordinator) openConnection(id uint64, sc StagedCommand, ignoreErrors bool) {
	open := &connection.Open{Headers: sc.Command.Head(), ID: c.id}
	if pool := c.pool; pool != nil {
		gen := c.poolGen
		c.goAsync(func() {
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ClientAskTimeout)
			defer cancel()
			_, err := pool.Broadcast(ctx, open)
			if err != nil {
				err = connection.NewError(c.id, connection.ErrConnectionFailed, err)
			}
			c.post(resumeMsg{pipeline: id, staged: sc, err: err, poolGen: gen})
		})
		return
	}

	entity := c.entity.Clone()
	count := c.clientCount(entity)
	c.goAsync(func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ClientAskTimeout)
		defer cancel()
		pool, err := workerpool.Start(c.cfg.Factory, entity, count, c.cfg.Pool)
		if err != nil {
			c.post(resumeMsg{pipeline: id, staged: sc, err: connection.NewError(c.id, connection.ErrConnectionFailed, err)})
			return
		}
		if _, err := pool.Broadcast(ctx, open); err != nil {
			err = connection.NewError(c.id, connection.ErrConnectionFailed, err)
			if !ignoreErrors {
				_ = pool.Stop()
				pool = nil
			}
			c.post(resumeMsg{pipeline: id, staged: sc, err: err, pool: pool})
			return
		}
		c.post(resumeMsg{pipeline: id, staged: sc, pool: pool})
	})
}

func (c *Coordinator) adoptPool(pool *workerpool.Pool) {
	if c.pool == pool {
		return
	}
	c.stopPool()
	c.pool = pool
	c.logger.Info("Clients started", "clients", pool.Size())
	if c.log.Enabled() {
		pool.BroadcastTell(&connection.EnableLogs{ID: c.id})
	}
}

// stopPool detaches the pool and stops it in the background. Results of
// requests sent to the old pool are recognized by their generation.
func (c *Coordinator) stopPool() {
	if c.pool == nil {
		return
	}
	pool := c.pool
	c.pool = nil
	c.poolGen++
	c.closedAt = c.cfg.Now()
	c.goAsync(func() {
		if err := pool.Stop(); err != nil {
			c.logger.Warn("Stopping clients failed", "error", err)
		}
	})
}

// applyPersisted applies a journaled event and re-evaluates the label
// declaration. Every SnapshotThreshold events a snapshot is written.
func (c *Coordinator) applyPersisted(event connection.Event) {
	c.entity = connection.Apply(event, c.entity)
	c.revision = event.Meta().Revision
	c.sinceSnapshot++
	c.resetDeclaration()

	if c.sinceSnapshot < c.cfg.SnapshotThreshold {
		return
	}
	c.sinceSnapshot = 0
	snapshot := journal.Snapshot{Revision: c.revision, Timestamp: c.cfg.Now(), Connection: c.entity.Clone()}
	stale := 0
	if c.entity.IsDesiredOpen() {
		stale = 1
	}
	pid := c.id.PersistenceID()
	c.goAsync(func() {
		err := c.cfg.Journal.SaveSnapshot(c.ctx, pid, snapshot)
		if err == nil {
			err = journal.Cleanup(c.ctx, c.cfg.Journal, pid, snapshot.Revision, stale)
		}
		c.post(snapshotCompleted{revision: snapshot.Revision, err: err})
	})
}

func (c *Coordinator) handleSnapshotCompleted(m snapshotCompleted) {
	if m.err != nil {
		c.logger.Warn("Saving snapshot failed", "revision", m.revision, "error", m.err)
		return
	}
	c.logger.Debug("Snapshot saved", "revision", m.revision)
}

func (c *Coordinator) updateSubscriptions(id uint64, sc StagedCommand) {
	entity := c.entity
	c.filter = routing.NewSignalFilter(entity)
	subscribe := c.state != stateDeleted && entity.IsDesiredOpen() && len(entity.Targets) > 0
	topics := routing.Topics(entity)
	subjects := routing.AuthorizationSubjects(entity)

	c.restartLoggingCheck()

	sub := registry.Subscriber{ID: string(c.id), Recipient: c}
	c.goAsync(func() {
		var err error
		if subscribe {
			err = c.cfg.Registry.Subscribe(c.ctx, sub, topics, subjects)
		} else {
			err = c.cfg.Registry.RemoveSubscriber(c.ctx, sub.ID)
		}
		if err != nil {
			err = connection.NewError(c.id, connection.ErrInternal, err)
		}
		c.post(resumeMsg{pipeline: id, staged: sc, err: err})
	})
}

// resetDeclaration re-evaluates the labels the connection claims.
func (c *Coordinator) resetDeclaration() {
	c.applyDeclarerEffects(c.declarer.Reset(connection.LabelsToDeclare(c.entity)))
}

func (c *Coordinator) applyDeclarerEffects(effects []acklabel.Effect) {
	for _, e := range effects {
		switch e := e.(type) {
		case acklabel.Relinquish:
			c.labels.submit(func() {
				if err := c.cfg.Registry.RemoveAckLabelDeclaration(c.ctx, string(c.id)); err != nil {
					c.logger.Warn("Releasing acknowledgement labels failed", "error", err)
				}
			})
		case acklabel.StartTimer:
			c.declareTmr.stop()
			c.declareTmr = c.startTicker(c.cfg.DeclareInterval, declareTick{})
		case acklabel.CancelTimer:
			c.declareTmr.stop()
			c.declareTmr = nil
		case acklabel.Declare:
			labels := e.Labels
			c.labels.submit(func() {
				err := c.cfg.Registry.DeclareAckLabels(c.ctx, string(c.id), labels)
				select {
				case c.inbox <- declareResult{labels: labels, err: err}:
				case <-c.labels.quit:
				case <-c.done:
				}
			})
		}
	}
}

func (c *Coordinator) handleDeclareResult(m declareResult) {
	switch {
	case m.err == nil:
		c.logger.Debug("Acknowledgement labels declared", "labels", m.labels.String())
		c.applyDeclarerEffects(c.declarer.Succeeded(m.labels))
	case errors.Is(m.err, registry.ErrLabelNotUnique):
		c.logger.Info("Acknowledgement labels taken, retrying", "labels", m.labels.String())
		c.applyDeclarerEffects(c.declarer.Conflicted(m.labels))
	default:
		c.logger.Warn("Declaring acknowledgement labels failed", "labels", m.labels.String(), "error", m.err)
		c.applyDeclarerEffects(c.declarer.Conflicted(m.labels))
	}
}
