package connection

import (
	"maps"
	"slices"
	"strings"
)

// ID identifies a connection. It is opaque to the coordinator.
type ID string

func (id ID) String() string { return string(id) }

// PersistenceIDPrefix prefixes the connection id to form the journal key.
const PersistenceIDPrefix = "connection:"

// PersistenceID returns the journal key of the connection.
func (id ID) PersistenceID() string { return PersistenceIDPrefix + string(id) }

// IDFromPersistenceID reverses [ID.PersistenceID].
func IDFromPersistenceID(pid string) (ID, bool) {
	rest, ok := strings.CutPrefix(pid, PersistenceIDPrefix)
	if !ok || rest == "" {
		return "", false
	}
	return ID(rest), true
}

// Type selects the protocol client used for a connection.
type Type string

const (
	TypeAMQP091   Type = "amqp-091"
	TypeKafka     Type = "kafka"
	TypeNATS      Type = "nats"
	TypeHTTPPush  Type = "http-push"
	TypeWebsocket Type = "websocket"
	TypeMQTT      Type = "mqtt"
)

// Status is both the desired status of a connection and the status a
// client worker reports.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// Lifecycle tells whether the connection still exists. The empty value means
// the lifecycle was never recorded; recovery treats it as [LifecycleActive].
type Lifecycle string

const (
	LifecycleActive  Lifecycle = "ACTIVE"
	LifecycleDeleted Lifecycle = "DELETED"
)

// Topic is a stream of platform signals a target can subscribe to.
type Topic string

const (
	TopicTwinEvents   Topic = "_/_/things/twin/events"
	TopicLiveEvents   Topic = "_/_/things/live/events"
	TopicLiveCommands Topic = "_/_/things/live/commands"
	TopicLiveMessages Topic = "_/_/things/live/messages"
)

// Valid reports whether t is one of the known topics.
func (t Topic) Valid() bool {
	switch t {
	case TopicTwinEvents, TopicLiveEvents, TopicLiveCommands, TopicLiveMessages:
		return true
	default:
		return false
	}
}

// FilteredTopic is a topic subscription of a target, optionally narrowed to
// entity namespaces and to a "/" separated resource path pattern.
type FilteredTopic struct {
	Topic      Topic    `cbor:"topic" json:"topic" yaml:"topic"`
	Namespaces []string `cbor:"namespaces,omitempty" json:"namespaces,omitempty" yaml:"namespaces,omitempty"`
	PathFilter string   `cbor:"pathFilter,omitempty" json:"pathFilter,omitempty" yaml:"pathFilter,omitempty"`
}

// Source consumes messages from the remote broker.
type Source struct {
	Addresses             []string `cbor:"addresses" json:"addresses" yaml:"addresses"`
	AuthorizationSubjects []string `cbor:"authorizationSubjects,omitempty" json:"authorizationSubjects,omitempty" yaml:"authorizationSubjects,omitempty"`
	DeclaredAcks          []Label  `cbor:"declaredAcks,omitempty" json:"declaredAcks,omitempty" yaml:"declaredAcks,omitempty"`
}

// Target publishes platform signals to the remote broker.
type Target struct {
	Address               string          `cbor:"address" json:"address" yaml:"address"`
	Topics                []FilteredTopic `cbor:"topics" json:"topics" yaml:"topics"`
	AuthorizationSubjects []string        `cbor:"authorizationSubjects,omitempty" json:"authorizationSubjects,omitempty" yaml:"authorizationSubjects,omitempty"`
	IssuedAck             Label           `cbor:"issuedAck,omitempty" json:"issuedAck,omitempty" yaml:"issuedAck,omitempty"`
}

// Connection is the persisted aggregate.
type Connection struct {
	ID             ID                `cbor:"id" json:"id"`
	Name           string            `cbor:"name,omitempty" json:"name,omitempty"`
	Type           Type              `cbor:"type" json:"type"`
	URI            string            `cbor:"uri" json:"uri"`
	Status         Status            `cbor:"status" json:"status"`
	Lifecycle      Lifecycle         `cbor:"lifecycle,omitempty" json:"lifecycle,omitempty"`
	Sources        []Source          `cbor:"sources,omitempty" json:"sources,omitempty"`
	Targets        []Target          `cbor:"targets,omitempty" json:"targets,omitempty"`
	ClientCount    int               `cbor:"clientCount" json:"clientCount"`
	SpecificConfig map[string]string `cbor:"specificConfig,omitempty" json:"specificConfig,omitempty"`
	SchemaVersion  int               `cbor:"schemaVersion" json:"schemaVersion"`
}

// CurrentSchemaVersion is stamped on connections created by this module.
const CurrentSchemaVersion = 2

// Clone returns a deep copy of c. A nil receiver yields nil.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Sources != nil {
		cp.Sources = make([]Source, len(c.Sources))
	}
	for i, s := range c.Sources {
		cp.Sources[i] = Source{
			Addresses:             slices.Clone(s.Addresses),
			AuthorizationSubjects: slices.Clone(s.AuthorizationSubjects),
			DeclaredAcks:          slices.Clone(s.DeclaredAcks),
		}
	}
	if c.Targets != nil {
		cp.Targets = make([]Target, len(c.Targets))
	}
	for i, t := range c.Targets {
		var topics []FilteredTopic
		if t.Topics != nil {
			topics = make([]FilteredTopic, len(t.Topics))
		}
		for j, ft := range t.Topics {
			topics[j] = FilteredTopic{
				Topic:      ft.Topic,
				Namespaces: slices.Clone(ft.Namespaces),
				PathFilter: ft.PathFilter,
			}
		}
		cp.Targets[i] = Target{
			Address:               t.Address,
			Topics:                topics,
			AuthorizationSubjects: slices.Clone(t.AuthorizationSubjects),
			IssuedAck:             t.IssuedAck,
		}
	}
	cp.SpecificConfig = maps.Clone(c.SpecificConfig)
	return &cp
}

// IsDeleted reports whether the lifecycle is DELETED.
func (c *Connection) IsDeleted() bool {
	return c != nil && c.Lifecycle == LifecycleDeleted
}

// IsDesiredOpen reports whether the connection exists and should be open.
func (c *Connection) IsDesiredOpen() bool {
	return c != nil && !c.IsDeleted() && c.Status == StatusOpen
}
