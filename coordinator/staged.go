package coordinator

import (
	"slices"

	"github.com/raujonas/ditto/connection"
)

// Action is one step of a [StagedCommand].
type Action int

const (
	TestConnection Action = iota + 1
	OpenConnection
	OpenConnectionIgnoreErrors
	CloseConnection
	StopClientActors
	ApplyEvent
	PersistAndApplyEvent
	SendResponse
	BecomeCreated
	BecomeDeleted
	UpdateSubscriptions
	BroadcastToClientActorsIfStarted
	RetrieveConnectionLogs
	RetrieveConnectionStatus
	RetrieveConnectionMetrics
	EnableLogging
	DisableLogging
	Passivate
)

var actionNames = map[Action]string{
	TestConnection:                   "TEST_CONNECTION",
	OpenConnection:                   "OPEN_CONNECTION",
	OpenConnectionIgnoreErrors:       "OPEN_CONNECTION_IGNORE_ERRORS",
	CloseConnection:                  "CLOSE_CONNECTION",
	StopClientActors:                 "STOP_CLIENT_ACTORS",
	ApplyEvent:                       "APPLY_EVENT",
	PersistAndApplyEvent:             "PERSIST_AND_APPLY_EVENT",
	SendResponse:                     "SEND_RESPONSE",
	BecomeCreated:                    "BECOME_CREATED",
	BecomeDeleted:                    "BECOME_DELETED",
	UpdateSubscriptions:              "UPDATE_SUBSCRIPTIONS",
	BroadcastToClientActorsIfStarted: "BROADCAST_TO_CLIENT_ACTORS_IF_STARTED",
	RetrieveConnectionLogs:           "RETRIEVE_CONNECTION_LOGS",
	RetrieveConnectionStatus:         "RETRIEVE_CONNECTION_STATUS",
	RetrieveConnectionMetrics:        "RETRIEVE_CONNECTION_METRICS",
	EnableLogging:                    "ENABLE_LOGGING",
	DisableLogging:                   "DISABLE_LOGGING",
	Passivate:                        "PASSIVATE",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "UNKNOWN_ACTION"
}

// StagedCommand binds a command to the actions still to execute, the event
// it persists, the response it answers with and the original sender.
// It is immutable: every method returns a modified copy.
type StagedCommand struct {
	Command  connection.Command
	Event    connection.Event
	Response *connection.Response
	Sender   connection.Recipient

	actions []Action
	aborted bool
}

// NewStagedCommand returns a staged command starting at the first of
// actions.
func NewStagedCommand(cmd connection.Command, event connection.Event, response *connection.Response,
	sender connection.Recipient, actions ...Action) StagedCommand {
	return StagedCommand{
		Command:  cmd,
		Event:    event,
		Response: response,
		Sender:   sender,
		actions:  slices.Clone(actions),
	}
}

// Current returns the action to execute next.
func (s StagedCommand) Current() (Action, bool) {
	if len(s.actions) == 0 {
		return 0, false
	}
	return s.actions[0], true
}

// Actions returns the remaining actions, current first.
func (s StagedCommand) Actions() []Action { return slices.Clone(s.actions) }

// Aborted reports whether the command runs compensation actions after a
// failure.
func (s StagedCommand) Aborted() bool { return s.aborted }

// Next drops the current action.
func (s StagedCommand) Next() StagedCommand {
	if len(s.actions) > 0 {
		s.actions = s.actions[1:]
	}
	return s
}

// WithResponse replaces the response.
func (s StagedCommand) WithResponse(r *connection.Response) StagedCommand {
	s.Response = r
	return s
}

// fail replaces the remaining actions with actions and the response with
// err.
func (s StagedCommand) fail(err error, actions ...Action) StagedCommand {
	s.actions = actions
	s.aborted = true
	s.Response = errorResponse(s.Command, err)
	return s
}

// Step returns the successor of s after its current action completed with
// err, and whether the pipeline continues.
//
// A failed action ends the pipeline. Its remaining actions are replaced by
// the compensation of the failed action, which always reports the failure
// to the sender. Only OPEN_CONNECTION_IGNORE_ERRORS continues as if it
// had succeeded.
func Step(s StagedCommand, err error) (StagedCommand, bool) {
	current, ok := s.Current()
	if !ok {
		return s, false
	}
	if err == nil || current == OpenConnectionIgnoreErrors {
		next := s.Next()
		return next, len(next.actions) > 0
	}
	if s.aborted {
		// Compensation never fails over into more compensation.
		next := s.Next()
		return next, len(next.actions) > 0
	}
	switch current {
	case CloseConnection:
		return s.fail(err, StopClientActors, SendResponse), true
	case TestConnection:
		return s.fail(err, SendResponse, Passivate), true
	default:
		return s.fail(err, SendResponse), true
	}
}

func errorResponse(cmd connection.Command, err error) *connection.Response {
	r := &connection.Response{Err: err}
	if cmd != nil {
		r.ConnectionID = cmd.ConnectionID()
		r.Command = cmd.Name()
	}
	return r
}
