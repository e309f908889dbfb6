package connection

import "time"

// Event is a persisted lifecycle change. The set of events is closed; the
// unexported marker keeps other packages from adding variants.
type Event interface {
	// ConnectionID returns the id of the affected connection.
	ConnectionID() ID
	// Meta returns revision and timestamp.
	Meta() EventMeta
	// EventType names the event for journals and logs.
	EventType() string

	isEvent()
}

// EventMeta is shared by all events.
type EventMeta struct {
	Revision  int64     `cbor:"revision" json:"revision"`
	Timestamp time.Time `cbor:"timestamp" json:"timestamp"`
}

// Meta implements Event.
func (m EventMeta) Meta() EventMeta { return m }

// Created records the creation of a connection.
type Created struct {
	EventMeta
	Connection *Connection `cbor:"connection" json:"connection"`
}

// Modified replaces the connection configuration.
type Modified struct {
	EventMeta
	Connection *Connection `cbor:"connection" json:"connection"`
}

// Opened sets the desired status to open.
type Opened struct {
	EventMeta
	ID ID `cbor:"id" json:"id"`
}

// Closed sets the desired status to closed.
type Closed struct {
	EventMeta
	ID ID `cbor:"id" json:"id"`
}

// Deleted marks the connection as deleted.
type Deleted struct {
	EventMeta
	ID ID `cbor:"id" json:"id"`
}

const (
	EventTypeCreated  = "connectivity.events:connectionCreated"
	EventTypeModified = "connectivity.events:connectionModified"
	EventTypeOpened   = "connectivity.events:connectionOpened"
	EventTypeClosed   = "connectivity.events:connectionClosed"
	EventTypeDeleted  = "connectivity.events:connectionDeleted"
)

func (e *Created) ConnectionID() ID  { return e.Connection.ID }
func (e *Modified) ConnectionID() ID { return e.Connection.ID }
func (e *Opened) ConnectionID() ID   { return e.ID }
func (e *Closed) ConnectionID() ID   { return e.ID }
func (e *Deleted) ConnectionID() ID  { return e.ID }

func (*Created) EventType() string  { return EventTypeCreated }
func (*Modified) EventType() string { return EventTypeModified }
func (*Opened) EventType() string   { return EventTypeOpened }
func (*Closed) EventType() string   { return EventTypeClosed }
func (*Deleted) EventType() string  { return EventTypeDeleted }

func (*Created) isEvent()  {}
func (*Modified) isEvent() {}
func (*Opened) isEvent()   {}
func (*Closed) isEvent()   {}
func (*Deleted) isEvent()  {}

// NewEvent returns an empty event for the given type, used by decoders.
func NewEvent(eventType string) (Event, bool) {
	switch eventType {
	case EventTypeCreated:
		return &Created{}, true
	case EventTypeModified:
		return &Modified{}, true
	case EventTypeOpened:
		return &Opened{}, true
	case EventTypeClosed:
		return &Closed{}, true
	case EventTypeDeleted:
		return &Deleted{}, true
	default:
		return nil, false
	}
}

// Apply folds event into entity and returns the new state. entity is not
// modified. Events that need an existing entity return it unchanged when
// entity is nil.
func Apply(event Event, entity *Connection) *Connection {
	switch e := event.(type) {
	case *Created:
		c := e.Connection.Clone()
		c.Lifecycle = LifecycleActive
		return c
	case *Modified:
		c := e.Connection.Clone()
		c.Lifecycle = LifecycleActive
		return c
	case *Opened:
		if entity == nil {
			return nil
		}
		c := entity.Clone()
		c.Status = StatusOpen
		return c
	case *Closed:
		if entity == nil {
			return nil
		}
		c := entity.Clone()
		c.Status = StatusClosed
		return c
	case *Deleted:
		if entity == nil {
			return nil
		}
		c := entity.Clone()
		c.Lifecycle = LifecycleDeleted
		c.Status = StatusClosed
		return c
	default:
		return entity
	}
}
