package coordinator_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/raujonas/ditto/connection"
	"github.com/raujonas/ditto/coordinator"
)

// run drives sc to completion and fails the action at index failAt.
func run(sc coordinator.StagedCommand, failAt int) ([]coordinator.Action, coordinator.StagedCommand) {
	var executed []coordinator.Action
	for i := 0; ; i++ {
		a, ok := sc.Current()
		if !ok {
			return executed, sc
		}
		executed = append(executed, a)
		var err error
		if i == failAt {
			err = errors.New("boom")
		}
		var more bool
		if sc, more = coordinator.Step(sc, err); !more {
			return executed, sc
		}
	}
}

func TestStep_SuccessRunsAllActions(t *testing.T) {
	actions := []coordinator.Action{
		coordinator.PersistAndApplyEvent, coordinator.OpenConnection,
		coordinator.UpdateSubscriptions, coordinator.SendResponse,
	}
	executed, _ := run(coordinator.NewStagedCommand(&connection.Open{ID: "c"}, nil, nil, nil, actions...), -1)
	if !slices.Equal(executed, actions) {
		t.Errorf("Expected %v, got %v", actions, executed)
	}
}

func TestStep_FailureSkipsRemainingActions(t *testing.T) {
	pipelines := [][]coordinator.Action{
		{coordinator.PersistAndApplyEvent, coordinator.BecomeCreated, coordinator.OpenConnection, coordinator.UpdateSubscriptions, coordinator.SendResponse},
		{coordinator.PersistAndApplyEvent, coordinator.CloseConnection, coordinator.StopClientActors, coordinator.OpenConnection, coordinator.UpdateSubscriptions, coordinator.SendResponse},
		{coordinator.PersistAndApplyEvent, coordinator.UpdateSubscriptions, coordinator.CloseConnection, coordinator.StopClientActors, coordinator.BecomeDeleted, coordinator.SendResponse, coordinator.Passivate},
	}
	for _, actions := range pipelines {
		for failAt, failed := range actions {
			cmd := &connection.Open{ID: "c"}
			executed, last := run(coordinator.NewStagedCommand(cmd, nil, nil, nil, actions...), failAt)

			if !slices.Equal(executed[:failAt+1], actions[:failAt+1]) {
				t.Fatalf("Expected prefix %v, got %v", actions[:failAt+1], executed)
			}
			var compensation []coordinator.Action
			switch failed {
			case coordinator.CloseConnection:
				compensation = []coordinator.Action{coordinator.StopClientActors, coordinator.SendResponse}
			default:
				compensation = []coordinator.Action{coordinator.SendResponse}
			}
			if got := executed[failAt+1:]; !slices.Equal(got, compensation) {
				t.Errorf("%v failing: expected compensation %v, got %v", failed, compensation, got)
			}
			if !last.Aborted() || last.Response == nil || last.Response.Err == nil {
				t.Errorf("%v failing: expected aborted command with error response", failed)
			}
		}
	}
}

func TestStep_IgnoreErrorsContinues(t *testing.T) {
	actions := []coordinator.Action{coordinator.OpenConnectionIgnoreErrors, coordinator.UpdateSubscriptions}
	executed, last := run(coordinator.NewStagedCommand(&connection.Open{ID: "c"}, nil, nil, nil, actions...), 0)
	if !slices.Equal(executed, actions) {
		t.Errorf("Expected %v, got %v", actions, executed)
	}
	if last.Aborted() {
		t.Error("Expected command not to be aborted")
	}
}

func TestStep_TestFailurePassivates(t *testing.T) {
	actions := []coordinator.Action{coordinator.ApplyEvent, coordinator.TestConnection, coordinator.SendResponse, coordinator.Passivate}
	executed, _ := run(coordinator.NewStagedCommand(&connection.Test{}, nil, nil, nil, actions...), 1)
	if !slices.Equal(executed, actions) {
		t.Errorf("Expected %v, got %v", actions, executed)
	}
}

func TestAction_String(t *testing.T) {
	if s := coordinator.BroadcastToClientActorsIfStarted.String(); s != "BROADCAST_TO_CLIENT_ACTORS_IF_STARTED" {
		t.Errorf("Expected BROADCAST_TO_CLIENT_ACTORS_IF_STARTED, got %s", s)
	}
	if s := coordinator.Action(99).String(); s != "UNKNOWN_ACTION" {
		t.Errorf("Expected UNKNOWN_ACTION, got %s", s)
	}
}

func TestDefaultValidator(t *testing.T) {
	valid := &connection.Connection{
		ID: "c", Type: connection.TypeKafka, URI: "tcp://broker:9092", Status: connection.StatusOpen, ClientCount: 1,
		Targets: []connection.Target{{
			Address:   "topic/key",
			Topics:    []connection.FilteredTopic{{Topic: connection.TopicTwinEvents}},
			IssuedAck: "{{connection:id}}:delivered",
		}},
	}
	v := coordinator.DefaultValidator{}
	if err := v.Validate(t.Context(), &connection.Create{Connection: valid}, nil); err != nil {
		t.Fatalf("Expected valid connection, got %v", err)
	}

	invalid := valid.Clone()
	invalid.ClientCount = 0
	invalid.Targets[0].IssuedAck = "{{thing:id}}:delivered"
	if err := v.Validate(t.Context(), &connection.Modify{Connection: invalid}, nil); err == nil {
		t.Error("Expected validation error")
	}

	restricted := coordinator.DefaultValidator{Supports: func(t connection.Type) bool { return t != connection.TypeKafka }}
	if err := restricted.Validate(t.Context(), &connection.Test{Connection: valid}, nil); err == nil {
		t.Error("Expected unsupported type to be rejected")
	}
	if err := v.Validate(t.Context(), &connection.Open{}, nil); err == nil {
		t.Error("Expected missing id to be rejected")
	}
}
