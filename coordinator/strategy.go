package coordinator

import (
	"github.com/raujonas/ditto/connection"
)

// strategy translates cmd into the staged command for the current state.
func (c *Coordinator) strategy(cmd connection.Command, sender connection.Recipient) (StagedCommand, error) {
	if c.state == stateCreated {
		return c.createdStrategy(cmd, sender)
	}
	return c.notCreatedStrategy(cmd, sender)
}

func (c *Coordinator) notCreatedStrategy(cmd connection.Command, sender connection.Recipient) (StagedCommand, error) {
	switch m := cmd.(type) {
	case *connection.Create:
		event := &connection.Created{EventMeta: c.nextMeta(), Connection: m.Connection.Clone()}
		entity := connection.Apply(event, c.entity)
		actions := []Action{PersistAndApplyEvent, BecomeCreated}
		if entity.IsDesiredOpen() {
			actions = append(actions, OpenConnection, UpdateSubscriptions)
		}
		actions = append(actions, SendResponse)
		return NewStagedCommand(cmd, event, c.response(cmd, entity), sender, actions...), nil

	case *connection.Test:
		if c.pool != nil || c.testing || c.mutating != 0 {
			return StagedCommand{}, connection.NewError(c.id, connection.ErrAlreadyCreated, nil)
		}
		event := &connection.Created{EventMeta: c.nextMeta(), Connection: m.Connection.Clone()}
		return NewStagedCommand(cmd, event, c.response(cmd, nil), sender,
			ApplyEvent, TestConnection, SendResponse, Passivate), nil

	default:
		return StagedCommand{}, connection.NewError(c.id, connection.ErrNotAccessible, nil)
	}
}

func (c *Coordinator) createdStrategy(cmd connection.Command, sender connection.Recipient) (StagedCommand, error) {
	switch m := cmd.(type) {
	case *connection.Create:
		return StagedCommand{}, connection.NewError(c.id, connection.ErrConflict, nil)

	case *connection.Test:
		return StagedCommand{}, connection.NewError(c.id, connection.ErrAlreadyCreated, nil)

	case *connection.Modify:
		event := &connection.Modified{EventMeta: c.nextMeta(), Connection: m.Connection.Clone()}
		entity := connection.Apply(event, c.entity)
		actions := []Action{PersistAndApplyEvent, CloseConnection, StopClientActors}
		if entity.IsDesiredOpen() {
			actions = append(actions, OpenConnection)
		}
		actions = append(actions, UpdateSubscriptions, SendResponse)
		return NewStagedCommand(cmd, event, c.response(cmd, entity), sender, actions...), nil

	case *connection.Open:
		event := &connection.Opened{EventMeta: c.nextMeta(), ID: c.id}
		return NewStagedCommand(cmd, event, c.response(cmd, nil), sender,
			PersistAndApplyEvent, OpenConnection, UpdateSubscriptions, SendResponse), nil

	case *connection.Close:
		event := &connection.Closed{EventMeta: c.nextMeta(), ID: c.id}
		return NewStagedCommand(cmd, event, c.response(cmd, nil), sender,
			PersistAndApplyEvent, UpdateSubscriptions, CloseConnection, StopClientActors, SendResponse), nil

	case *connection.Delete:
		event := &connection.Deleted{EventMeta: c.nextMeta(), ID: c.id}
		return NewStagedCommand(cmd, event, c.response(cmd, nil), sender,
			PersistAndApplyEvent, UpdateSubscriptions, CloseConnection, StopClientActors,
			BecomeDeleted, SendResponse, Passivate), nil

	case *connection.Retrieve:
		return NewStagedCommand(cmd, nil, c.response(cmd, c.entity), sender, SendResponse), nil

	case *connection.RetrieveLogs:
		return NewStagedCommand(cmd, nil, nil, sender, RetrieveConnectionLogs), nil

	case *connection.RetrieveStatus:
		return NewStagedCommand(cmd, nil, nil, sender, RetrieveConnectionStatus), nil

	case *connection.RetrieveMetrics:
		return NewStagedCommand(cmd, nil, nil, sender, RetrieveConnectionMetrics), nil

	case *connection.EnableLogs:
		return NewStagedCommand(cmd, nil, c.response(cmd, nil), sender,
			BroadcastToClientActorsIfStarted, SendResponse, EnableLogging), nil

	case *connection.DisableLogs:
		return NewStagedCommand(cmd, nil, c.response(cmd, nil), sender,
			BroadcastToClientActorsIfStarted, SendResponse, DisableLogging), nil

	case *connection.ResetMetrics:
		return NewStagedCommand(cmd, nil, c.response(cmd, nil), sender,
			BroadcastToClientActorsIfStarted, SendResponse), nil

	case *connection.CheckLogsActive:
		return NewStagedCommand(cmd, nil, nil, sender, BroadcastToClientActorsIfStarted), nil

	default:
		return StagedCommand{}, connection.NewError(c.id, connection.ErrUnknownMessage, nil)
	}
}

func (c *Coordinator) nextMeta() connection.EventMeta {
	return connection.EventMeta{Revision: c.revision + 1, Timestamp: c.cfg.Now()}
}

func (c *Coordinator) response(cmd connection.Command, entity *connection.Connection) *connection.Response {
	return &connection.Response{
		ConnectionID: c.id,
		Command:      cmd.Name(),
		Connection:   entity.Clone(),
	}
}
