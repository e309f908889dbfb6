// Package gateway accepts connectivity commands, live signals and search
// commands as CloudEvents over HTTP.
//
// The event type selects the payload:
//
//	connectivity.command.<name>   a command, answered with a connectivity.response event
//	connectivity.signal           a live signal, published into the registry
//	connectivity.search.create    a search session, told to the connection
//	connectivity.search.request
//	connectivity.search.cancel
//
// The subject attribute carries the connection id.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/binding"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/google/uuid"

	"github.com/raujonas/ditto/connection"
)

// Event types.
const (
	TypeCommandPrefix = "connectivity.command."
	TypeResponse      = "connectivity.response"
	TypeSignal        = "connectivity.signal"
	TypeSearchCreate  = "connectivity.search.create"
	TypeSearchRequest = "connectivity.search.request"
	TypeSearchCancel  = "connectivity.search.cancel"
)

// ExtensionCorrelationID carries the correlation id of a response.
const ExtensionCorrelationID = "correlationid"

// Commands routes commands and messages to connection coordinators.
// *coordinator.Region implements it.
type Commands interface {
	Ask(ctx context.Context, cmd connection.Command) (*connection.Response, error)
	Tell(ctx context.Context, id connection.ID, msg any) error
}

// Publisher publishes live signals. Every registry implements it.
type Publisher interface {
	Publish(ctx context.Context, s *connection.Signal) error
}

// Config configures a [Handler].
type Config struct {
	// Commands receives commands and search commands. Required.
	Commands Commands
	// Publisher receives live signals. Required.
	Publisher Publisher
	// Source is the source attribute of response events
	// (default: "/connectivity").
	Source string
	// Timeout bounds commands without a timeout extension (default: 10s).
	Timeout time.Duration
	// Now returns the current time (default: time.Now).
	Now func() time.Time
	// Logger for request failures (default: slog.Default()).
	Logger *slog.Logger
}

func (c Config) parse() Config {
	if c.Source == "" {
		c.Source = "/connectivity"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Handler is an http.Handler for connectivity CloudEvents.
type Handler struct {
	cfg Config
}

// NewHandler returns a handler for cfg.
func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg.parse()}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	event, err := cehttp.NewEventFromHTTPRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch t := event.Type(); {
	case strings.HasPrefix(t, TypeCommandPrefix):
		h.serveCommand(w, r, event, strings.TrimPrefix(t, TypeCommandPrefix))
	case t == TypeSignal:
		h.serveSignal(w, r, event)
	case t == TypeSearchCreate, t == TypeSearchRequest, t == TypeSearchCancel:
		h.serveSearch(w, r, event)
	default:
		http.Error(w, fmt.Sprintf("unknown event type %q", t), http.StatusBadRequest)
	}
}

func (h *Handler) serveCommand(w http.ResponseWriter, r *http.Request, event *cloudevents.Event, name string) {
	cmd, err := DecodeCommand(name, event)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	timeout := cmd.Head().Timeout
	if timeout <= 0 {
		timeout = h.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp, err := h.cfg.Commands.Ask(ctx, cmd)
	if err != nil {
		h.cfg.Logger.Warn("Command failed", "command", name, "connection", cmd.ConnectionID(), "error", err)
		resp = &connection.Response{ConnectionID: cmd.ConnectionID(), Command: cmd.Name(), Err: err}
	}
	h.writeResponse(r.Context(), w, cmd.Head().CorrelationID, resp)
}

// DecodeCommand builds the command name from event. The data holds the
// command JSON; the subject sets the connection id of commands that carry
// only an id. The event id becomes the correlation id unless the data sets
// one, and a "timeout" extension sets the timeout.
func DecodeCommand(name string, event *cloudevents.Event) (connection.Command, error) {
	cmd, ok := connection.NewCommand(name)
	if !ok {
		return nil, fmt.Errorf("unknown command %q", name)
	}
	if data := event.Data(); len(data) > 0 {
		if err := json.Unmarshal(data, cmd); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	if subject := event.Subject(); subject != "" {
		cmd = connection.WithID(cmd, connection.ID(subject))
	}

	head := cmd.Head()
	if head.CorrelationID == "" {
		head.CorrelationID = event.ID()
	}
	if v, ok := event.Extensions()["timeout"]; ok {
		d, err := time.ParseDuration(fmt.Sprint(v))
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %v: %w", v, err)
		}
		head.Timeout = d
	}
	if s, ok := cmd.(interface{ SetHead(connection.Headers) }); ok {
		s.SetHead(head)
	}
	if cmd.ConnectionID() == "" {
		return nil, errors.New("missing connection id")
	}
	return cmd, nil
}

func (h *Handler) serveSignal(w http.ResponseWriter, r *http.Request, event *cloudevents.Event) {
	var s connection.Signal
	if err := json.Unmarshal(event.Data(), &s); err != nil {
		http.Error(w, "decode signal: "+err.Error(), http.StatusBadRequest)
		return
	}
	if s.CorrelationID == "" {
		s.CorrelationID = event.ID()
	}
	if err := h.cfg.Publisher.Publish(r.Context(), &s); err != nil {
		h.cfg.Logger.Warn("Publishing signal failed", "correlationId", s.CorrelationID, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) serveSearch(w http.ResponseWriter, r *http.Request, event *cloudevents.Event) {
	id := connection.ID(event.Subject())
	if id == "" {
		http.Error(w, "missing connection id", http.StatusBadRequest)
		return
	}
	var cmd connection.SearchCommand
	switch event.Type() {
	case TypeSearchCreate:
		cmd = &connection.CreateSubscription{}
	case TypeSearchRequest:
		cmd = &connection.RequestFromSubscription{}
	default:
		cmd = &connection.CancelSubscription{}
	}
	if data := event.Data(); len(data) > 0 {
		if err := json.Unmarshal(data, cmd); err != nil {
			http.Error(w, "decode search command: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := h.cfg.Commands.Tell(r.Context(), id, cmd); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type responseBody struct {
	*connection.Response
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error,omitempty"`
}

func (h *Handler) writeResponse(ctx context.Context, w http.ResponseWriter, correlationID string, resp *connection.Response) {
	status := StatusCode(resp.Err)
	body := responseBody{Response: resp, StatusCode: status}
	if resp.Err != nil {
		body.Error = resp.Err.Error()
	}

	out := cloudevents.NewEvent()
	out.SetID(uuid.NewString())
	out.SetSource(h.cfg.Source)
	out.SetType(TypeResponse)
	out.SetSubject(string(resp.ConnectionID))
	out.SetTime(h.cfg.Now())
	if correlationID != "" {
		out.SetExtension(ExtensionCorrelationID, correlationID)
	}
	if err := out.SetData(cloudevents.ApplicationJSON, body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := cehttp.WriteResponseWriter(ctx, binding.ToMessage(&out), status, w); err != nil {
		h.cfg.Logger.Warn("Writing response failed", "connection", resp.ConnectionID, "error", err)
	}
}

// StatusCode maps a command error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, connection.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, connection.ErrNotAccessible):
		return http.StatusNotFound
	case errors.Is(err, connection.ErrConflict), errors.Is(err, connection.ErrAlreadyCreated):
		return http.StatusConflict
	case errors.Is(err, connection.ErrConnectionFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
