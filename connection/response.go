package connection

import "time"

// Recipient receives responses and acknowledgements.
type Recipient interface {
	Deliver(msg any)
}

// RecipientFunc adapts a function to [Recipient].
type RecipientFunc func(msg any)

// Deliver calls f(msg).
func (f RecipientFunc) Deliver(msg any) { f(msg) }

// Response answers a [Command].
type Response struct {
	ConnectionID ID             `json:"connectionId"`
	Command      string         `json:"command"`
	Connection   *Connection    `json:"connection,omitempty"`
	Message      string         `json:"message,omitempty"`
	Status       *StatusReport  `json:"status,omitempty"`
	Metrics      *MetricsReport `json:"metrics,omitempty"`
	Logs         *LogsReport    `json:"logs,omitempty"`
	Err          error          `json:"-"`
}

// OK reports whether the response carries no error.
func (r *Response) OK() bool { return r.Err == nil }

// ClientStatus is the live status of one client worker.
type ClientStatus struct {
	Client     string    `json:"client"`
	InstanceID string    `json:"instanceId,omitempty"`
	Status     Status    `json:"status"`
	Message    string    `json:"statusDetails,omitempty"`
	Since      time.Time `json:"inStateSince"`
}

// StatusReport aggregates the live status of a connection.
type StatusReport struct {
	ConnectionStatus Status         `json:"connectionStatus"`
	LiveStatus       Status         `json:"liveStatus"`
	ConnectedSince   *time.Time     `json:"connectedSince,omitempty"`
	Clients          []ClientStatus `json:"clientStatus"`
}

// ClientMetrics holds the counters of one client worker.
type ClientMetrics struct {
	Client         string `json:"client"`
	Published      int64  `json:"published"`
	Dropped        int64  `json:"dropped"`
	Failed         int64  `json:"failed"`
	Acknowledged   int64  `json:"acknowledged"`
	SearchCommands int64  `json:"searchCommands"`
}

// MetricsReport aggregates the counters of a connection.
type MetricsReport struct {
	Clients []ClientMetrics `json:"clients"`
}

// Totals sums the counters of all clients.
func (r *MetricsReport) Totals() ClientMetrics {
	var t ClientMetrics
	if r == nil {
		return t
	}
	for _, c := range r.Clients {
		t.Published += c.Published
		t.Dropped += c.Dropped
		t.Failed += c.Failed
		t.Acknowledged += c.Acknowledged
		t.SearchCommands += c.SearchCommands
	}
	return t
}

// LogLevel tells whether a logged operation succeeded.
type LogLevel string

const (
	LogSuccess LogLevel = "success"
	LogFailure LogLevel = "failure"
)

// LogEntry is one entry of the connection diagnostic log.
type LogEntry struct {
	Time          time.Time `json:"timestamp"`
	Level         LogLevel  `json:"level"`
	Category      string    `json:"category"`
	Message       string    `json:"message"`
	Address       string    `json:"address,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// LogsReport aggregates diagnostic log entries. EnabledSince and
// EnabledUntil are nil while logging is disabled.
type LogsReport struct {
	EnabledSince *time.Time `json:"enabledSince"`
	EnabledUntil *time.Time `json:"enabledUntil"`
	Entries      []LogEntry `json:"connectionLogs"`
}
