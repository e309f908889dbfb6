package coordinator

import (
	"errors"
	"slices"
	"time"

	"github.com/raujonas/ditto/connection"
	"github.com/raujonas/ditto/connlog"
	"github.com/raujonas/ditto/workerpool"
)

const disconnectedMessage = "[DISCONNECTED] connection is closed"

// aggregationTimeout leaves a quarter of the command timeout for the
// response to travel back.
func (c *Coordinator) aggregationTimeout(cmd connection.Command) time.Duration {
	timeout := cmd.Head().Timeout
	if timeout <= 0 {
		timeout = c.cfg.RetrieveTimeout
	}
	return timeout * 3 / 4
}

// aggregate builds the response of a retrieve command from the replies of
// the clients. Without clients the closed defaults are returned.
func (c *Coordinator) aggregate(cmd connection.Command, replies []workerpool.Reply, live bool) *connection.Response {
	r := &connection.Response{ConnectionID: c.id, Command: cmd.Name()}
	if !live {
		replies = nil
	}
	switch cmd.(type) {
	case *connection.RetrieveLogs:
		r.Logs = c.aggregateLogs(replies, live)
	case *connection.RetrieveStatus:
		r.Status = c.aggregateStatus(replies, live)
	case *connection.RetrieveMetrics:
		r.Metrics = c.aggregateMetrics(replies)
	}
	return r
}

func (c *Coordinator) aggregateLogs(replies []workerpool.Reply, live bool) *connection.LogsReport {
	own := c.log.Report()
	if !live {
		return &connection.LogsReport{Entries: own.Entries}
	}
	entries := own.Entries
	for _, rep := range replies {
		if logs, ok := rep.Value.(*connection.LogsReport); ok && rep.Err == nil {
			entries = append(entries, logs.Entries...)
		}
	}
	slices.SortStableFunc(entries, func(a, b connection.LogEntry) int {
		return a.Time.Compare(b.Time)
	})
	own.Entries = connlog.Truncate(entries, c.cfg.Log.MaxBytes)
	return own
}

func (c *Coordinator) aggregateStatus(replies []workerpool.Reply, live bool) *connection.StatusReport {
	report := &connection.StatusReport{ConnectionStatus: connection.StatusClosed}
	if c.entity != nil {
		report.ConnectionStatus = c.entity.Status
	}
	if !live {
		report.LiveStatus = connection.StatusClosed
		report.Clients = []connection.ClientStatus{{
			Client:     string(c.id),
			InstanceID: c.cfg.InstanceID,
			Status:     connection.StatusClosed,
			Message:    disconnectedMessage,
			Since:      c.closedAt,
		}}
		return report
	}

	var anyOpen, anyFailed bool
	for _, rep := range replies {
		st, ok := rep.Value.(connection.ClientStatus)
		switch {
		case rep.Err != nil && errors.Is(rep.Err, workerpool.ErrTimeout):
			st = connection.ClientStatus{Client: rep.Worker, Status: connection.StatusUnknown, Message: "timeout"}
		case rep.Err != nil || !ok:
			st = connection.ClientStatus{Client: rep.Worker, Status: connection.StatusFailed}
			if rep.Err != nil {
				st.Message = rep.Err.Error()
			}
		}
		switch st.Status {
		case connection.StatusOpen:
			anyOpen = true
			if report.ConnectedSince == nil || st.Since.Before(*report.ConnectedSince) {
				since := st.Since
				report.ConnectedSince = &since
			}
		case connection.StatusFailed:
			anyFailed = true
		}
		report.Clients = append(report.Clients, st)
	}
	switch {
	case anyOpen:
		report.LiveStatus = connection.StatusOpen
	case anyFailed:
		report.LiveStatus = connection.StatusFailed
	default:
		report.LiveStatus = connection.StatusClosed
	}
	return report
}

func (c *Coordinator) aggregateMetrics(replies []workerpool.Reply) *connection.MetricsReport {
	report := &connection.MetricsReport{Clients: []connection.ClientMetrics{}}
	for _, rep := range replies {
		if m, ok := rep.Value.(connection.ClientMetrics); ok && rep.Err == nil {
			report.Clients = append(report.Clients, m)
		}
	}
	return report
}

// enableLogging opens the diagnostic logging window and starts its
// liveness check.
func (c *Coordinator) enableLogging() {
	until := c.log.Enable(c.cfg.LogDuration)
	c.logger.Info("Connection logging enabled", "until", until)
	c.restartLoggingCheck()
}

func (c *Coordinator) disableLogging() {
	c.log.Disable()
	c.loggingTmr.stop()
	c.loggingTmr = nil
	c.logger.Info("Connection logging disabled")
}

// restartLoggingCheck restarts the liveness check while the window is open
// and extends the window of the clients.
func (c *Coordinator) restartLoggingCheck() {
	c.loggingTmr.stop()
	c.loggingTmr = nil
	if !c.log.Enabled() {
		return
	}
	c.loggingTmr = c.startTicker(c.cfg.LoggingCheckInterval, loggingTick{})
	if c.pool != nil {
		c.pool.BroadcastTell(&connection.EnableLogs{ID: c.id})
	}
}

func (c *Coordinator) checkLoggingActive() {
	now := c.cfg.Now()
	if c.pool != nil {
		c.pool.BroadcastTell(&connection.CheckLogsActive{ID: c.id, At: now})
	}
	if !c.log.CheckActive(now) {
		c.disableLogging()
	}
}
