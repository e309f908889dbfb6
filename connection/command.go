package connection

import "time"

// Headers are carried by every command.
type Headers struct {
	CorrelationID string        `json:"correlationId,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// Head returns the headers.
func (h Headers) Head() Headers { return h }

// SetHead replaces the headers. Decoders use it on freshly created
// commands.
func (h *Headers) SetHead(n Headers) { *h = n }

// Command is an inbound connectivity command addressed to one connection.
type Command interface {
	// ConnectionID returns the addressed connection.
	ConnectionID() ID
	// Name returns the command name, e.g. "createConnection".
	Name() string
	// Head returns the command headers.
	Head() Headers

	isCommand()
}

// Create creates a connection.
type Create struct {
	Headers
	Connection *Connection `json:"connection"`
}

// Modify replaces the configuration of an existing connection.
type Modify struct {
	Headers
	Connection *Connection `json:"connection"`
}

// Test opens a trial client for a connection that was not created yet.
type Test struct {
	Headers
	Connection *Connection `json:"connection"`
}

// Open sets the desired status to open and starts the clients.
type Open struct {
	Headers
	ID ID `json:"connectionId"`
}

// Close sets the desired status to closed and stops the clients.
type Close struct {
	Headers
	ID ID `json:"connectionId"`
}

// Delete deletes a connection.
type Delete struct {
	Headers
	ID ID `json:"connectionId"`
}

// Retrieve returns the persisted connection.
type Retrieve struct {
	Headers
	ID ID `json:"connectionId"`
}

// RetrieveLogs aggregates the diagnostic logs of all clients.
type RetrieveLogs struct {
	Headers
	ID ID `json:"connectionId"`
}

// RetrieveStatus aggregates the live status of all clients.
type RetrieveStatus struct {
	Headers
	ID ID `json:"connectionId"`
}

// RetrieveMetrics aggregates the counters of all clients.
type RetrieveMetrics struct {
	Headers
	ID ID `json:"connectionId"`
}

// EnableLogs opens the diagnostic logging window.
type EnableLogs struct {
	Headers
	ID ID `json:"connectionId"`
}

// DisableLogs closes the diagnostic logging window.
type DisableLogs struct {
	Headers
	ID ID `json:"connectionId"`
}

// ResetMetrics resets the counters of all clients.
type ResetMetrics struct {
	Headers
	ID ID `json:"connectionId"`
}

// CheckLogsActive is broadcast to clients on every logging liveness tick.
// Clients disable logging once At is past their enabled-until time.
type CheckLogsActive struct {
	Headers
	ID ID        `json:"connectionId"`
	At time.Time `json:"at"`
}

func (c *Create) ConnectionID() ID          { return connectionIDOf(c.Connection) }
func (c *Modify) ConnectionID() ID          { return connectionIDOf(c.Connection) }
func (c *Test) ConnectionID() ID            { return connectionIDOf(c.Connection) }
func (c *Open) ConnectionID() ID            { return c.ID }
func (c *Close) ConnectionID() ID           { return c.ID }
func (c *Delete) ConnectionID() ID          { return c.ID }
func (c *Retrieve) ConnectionID() ID        { return c.ID }
func (c *RetrieveLogs) ConnectionID() ID    { return c.ID }
func (c *RetrieveStatus) ConnectionID() ID  { return c.ID }
func (c *RetrieveMetrics) ConnectionID() ID { return c.ID }
func (c *EnableLogs) ConnectionID() ID      { return c.ID }
func (c *DisableLogs) ConnectionID() ID     { return c.ID }
func (c *ResetMetrics) ConnectionID() ID    { return c.ID }
func (c *CheckLogsActive) ConnectionID() ID { return c.ID }

func (*Create) Name() string          { return "createConnection" }
func (*Modify) Name() string          { return "modifyConnection" }
func (*Test) Name() string            { return "testConnection" }
func (*Open) Name() string            { return "openConnection" }
func (*Close) Name() string           { return "closeConnection" }
func (*Delete) Name() string          { return "deleteConnection" }
func (*Retrieve) Name() string        { return "retrieveConnection" }
func (*RetrieveLogs) Name() string    { return "retrieveConnectionLogs" }
func (*RetrieveStatus) Name() string  { return "retrieveConnectionStatus" }
func (*RetrieveMetrics) Name() string { return "retrieveConnectionMetrics" }
func (*EnableLogs) Name() string      { return "enableConnectionLogs" }
func (*DisableLogs) Name() string     { return "disableConnectionLogs" }
func (*ResetMetrics) Name() string    { return "resetConnectionMetrics" }
func (*CheckLogsActive) Name() string { return "checkConnectionLogsActive" }

func (*Create) isCommand()          {}
func (*Modify) isCommand()          {}
func (*Test) isCommand()            {}
func (*Open) isCommand()            {}
func (*Close) isCommand()           {}
func (*Delete) isCommand()          {}
func (*Retrieve) isCommand()        {}
func (*RetrieveLogs) isCommand()    {}
func (*RetrieveStatus) isCommand()  {}
func (*RetrieveMetrics) isCommand() {}
func (*EnableLogs) isCommand()      {}
func (*DisableLogs) isCommand()     {}
func (*ResetMetrics) isCommand()    {}
func (*CheckLogsActive) isCommand() {}

func connectionIDOf(c *Connection) ID {
	if c == nil {
		return ""
	}
	return c.ID
}

// NewCommand returns an empty command for a command name, or false if the
// name is unknown. Decoders fill the returned value.
func NewCommand(name string) (Command, bool) {
	switch name {
	case "createConnection":
		return &Create{}, true
	case "modifyConnection":
		return &Modify{}, true
	case "testConnection":
		return &Test{}, true
	case "openConnection":
		return &Open{}, true
	case "closeConnection":
		return &Close{}, true
	case "deleteConnection":
		return &Delete{}, true
	case "retrieveConnection":
		return &Retrieve{}, true
	case "retrieveConnectionLogs":
		return &RetrieveLogs{}, true
	case "retrieveConnectionStatus":
		return &RetrieveStatus{}, true
	case "retrieveConnectionMetrics":
		return &RetrieveMetrics{}, true
	case "enableConnectionLogs":
		return &EnableLogs{}, true
	case "disableConnectionLogs":
		return &DisableLogs{}, true
	case "resetConnectionMetrics":
		return &ResetMetrics{}, true
	default:
		return nil, false
	}
}

// WithID sets the addressed connection id on commands that carry only an
// id. Commands carrying a full connection are returned unchanged.
func WithID(cmd Command, id ID) Command {
	switch c := cmd.(type) {
	case *Open:
		c.ID = id
	case *Close:
		c.ID = id
	case *Delete:
		c.ID = id
	case *Retrieve:
		c.ID = id
	case *RetrieveLogs:
		c.ID = id
	case *RetrieveStatus:
		c.ID = id
	case *RetrieveMetrics:
		c.ID = id
	case *EnableLogs:
		c.ID = id
	case *DisableLogs:
		c.ID = id
	case *ResetMetrics:
		c.ID = id
	}
	return cmd
}
