// Package wire maps signals to the headers and envelopes shared by the
// protocol publishers.
package wire

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/raujonas/ditto/connection"
)

// ErrRejected marks a connect refused by the remote system because of
// credentials or permissions. Retrying does not help.
var ErrRejected = errors.New("connection rejected by remote")

// Header names written on every published signal.
const (
	HeaderCorrelationID = "correlation-id"
	HeaderEntityID      = "entity-id"
	HeaderTopic         = "topic"
	HeaderType          = "type"
	HeaderPath          = "path"
	HeaderRequestedAcks = "requested-acks"
)

// ContentType of published payloads.
const ContentType = "application/json"

// Headers returns the protocol headers of s. Empty values are omitted.
func Headers(s *connection.Signal) map[string]string {
	h := map[string]string{
		HeaderEntityID: s.EntityID,
		HeaderTopic:    string(s.Topic),
		HeaderType:     s.Type,
	}
	if s.CorrelationID != "" {
		h[HeaderCorrelationID] = s.CorrelationID
	}
	if s.Path != "" {
		h[HeaderPath] = s.Path
	}
	if len(s.AckRequests) > 0 {
		acks := make([]string, len(s.AckRequests))
		for i, l := range s.AckRequests {
			acks[i] = string(l)
		}
		h[HeaderRequestedAcks] = strings.Join(acks, ",")
	}
	return h
}

// Envelope is the JSON document sent by message-oriented transports that
// have no native headers.
type Envelope struct {
	Topic   string            `json:"topic"`
	Address string            `json:"address,omitempty"`
	Headers map[string]string `json:"headers"`
	Path    string            `json:"path,omitempty"`
	Value   json.RawMessage   `json:"value,omitempty"`
}

// NewEnvelope wraps s for address. A payload that is not valid JSON is
// sent as a JSON string.
func NewEnvelope(address string, s *connection.Signal) Envelope {
	return Envelope{
		Topic:   string(s.Topic),
		Address: address,
		Headers: Headers(s),
		Path:    s.Path,
		Value:   Value(s.Payload),
	}
}

// Value returns payload as a JSON value.
func Value(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	b, _ := json.Marshal(string(payload))
	return b
}

// SplitAddress splits "a/b" into ("a", "b"). An address without a slash
// yields (address, "").
func SplitAddress(address string) (string, string) {
	first, rest, _ := strings.Cut(address, "/")
	return first, rest
}
