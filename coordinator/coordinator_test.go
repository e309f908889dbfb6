package coordinator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/raujonas/ditto/adapters"
	"github.com/raujonas/ditto/connection"
	"github.com/raujonas/ditto/coordinator"
	"github.com/raujonas/ditto/journal"
	"github.com/raujonas/ditto/registry"
	"github.com/raujonas/ditto/workerpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const subject = "integration:ditto"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// broker stands in for the remote system behind every client.
type broker struct {
	gate      chan struct{}
	connects  atomic.Int32
	published chan *connection.Signal
}

func newBroker() *broker {
	return &broker{published: make(chan *connection.Signal, 64)}
}

type brokerPublisher struct{ b *broker }

func (p brokerPublisher) Connect(ctx context.Context) error {
	p.b.connects.Add(1)
	if p.b.gate != nil {
		select {
		case <-p.b.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p brokerPublisher) Publish(_ context.Context, _ connection.Target, s *connection.Signal) error {
	p.b.published <- s
	return nil
}

func (p brokerPublisher) Close() error { return nil }

type fixture struct {
	journal  *journal.Memory
	registry *registry.Memory
	broker   *broker
	factory  *adapters.Factory
	acks     chan *connection.Acknowledgement
}

func newFixture() *fixture {
	f := &fixture{
		journal:  journal.NewMemory(),
		registry: registry.NewMemory(),
		broker:   newBroker(),
		acks:     make(chan *connection.Acknowledgement, 16),
	}
	f.factory = adapters.NewFactory(adapters.ClientConfig{InstanceID: "instance-1"})
	f.factory.Register(connection.TypeHTTPPush, func(*connection.Connection, *slog.Logger) (adapters.Publisher, error) {
		return brokerPublisher{b: f.broker}, nil
	})
	return f
}

func (f *fixture) config() coordinator.Config {
	return coordinator.Config{
		Journal:         f.journal,
		Registry:        f.registry,
		Factory:         f.factory,
		Validator:       coordinator.DefaultValidator{Supports: f.factory.Supports},
		DeclareInterval: 20 * time.Millisecond,
		InstanceID:      "instance-1",
		DefaultAckSink: connection.RecipientFunc(func(msg any) {
			f.acks <- msg.(*connection.Acknowledgement)
		}),
		Logger: discard,
	}
}

func (f *fixture) start(t *testing.T, id connection.ID, cfg coordinator.Config) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.Start(t.Context(), id, cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Stop(ctx); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return c
}

func testConnection(id connection.ID, status connection.Status) *connection.Connection {
	return &connection.Connection{
		ID:          id,
		Type:        connection.TypeHTTPPush,
		URI:         "http://localhost:8080",
		Status:      status,
		ClientCount: 2,
		Sources: []connection.Source{{
			Addresses:    []string{"inbox"},
			DeclaredAcks: []connection.Label{"{{connection:id}}:custom"},
		}},
		Targets: []connection.Target{{
			Address:               "POST:/events",
			Topics:                []connection.FilteredTopic{{Topic: connection.TopicTwinEvents}},
			AuthorizationSubjects: []string{subject},
		}},
	}
}

func twinEvent(correlationID string) *connection.Signal {
	return &connection.Signal{
		Type:          "things.events:modified",
		Topic:         connection.TopicTwinEvents,
		EntityID:      "org.acme:sensor",
		CorrelationID: correlationID,
		ReadSubjects:  []string{subject},
	}
}

func ask(t *testing.T, c *coordinator.Coordinator, cmd connection.Command) *connection.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	r, err := c.Ask(ctx, cmd)
	if err != nil {
		t.Fatalf("%s failed: %v", cmd.Name(), err)
	}
	return r
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectSignal(t *testing.T, b *broker, correlationID string) {
	t.Helper()
	select {
	case s := <-b.published:
		if s.CorrelationID != correlationID {
			t.Fatalf("Expected signal %s, got %s", correlationID, s.CorrelationID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Expected signal %s to be published", correlationID)
	}
}

func expectNoSignal(t *testing.T, b *broker) {
	t.Helper()
	select {
	case s := <-b.published:
		t.Fatalf("Expected no signal, got %s", s.CorrelationID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoordinator_CreateOpenAndRetrieve(t *testing.T) {
	f := newFixture()
	c := f.start(t, "conn-1", f.config())

	r := ask(t, c, &connection.Create{Connection: testConnection("conn-1", connection.StatusOpen)})
	if !r.OK() {
		t.Fatalf("Expected create to succeed, got %v", r.Err)
	}
	if r.Connection == nil || r.Connection.Lifecycle != connection.LifecycleActive {
		t.Errorf("Expected active connection in response, got %+v", r.Connection)
	}

	r = ask(t, c, &connection.RetrieveStatus{ID: "conn-1"})
	if r.Status.LiveStatus != connection.StatusOpen || len(r.Status.Clients) != 2 {
		t.Errorf("Expected 2 open clients, got %+v", r.Status)
	}
	if r.Status.ConnectedSince == nil {
		t.Error("Expected connectedSince to be set")
	}

	r = ask(t, c, &connection.RetrieveMetrics{ID: "conn-1"})
	if len(r.Metrics.Clients) != 2 {
		t.Errorf("Expected metrics of 2 clients, got %+v", r.Metrics)
	}

	r = ask(t, c, &connection.Retrieve{ID: "conn-1"})
	if r.Connection == nil || r.Connection.ID != "conn-1" {
		t.Errorf("Expected connection, got %+v", r.Connection)
	}

	if r := ask(t, c, &connection.Create{Connection: testConnection("conn-1", connection.StatusOpen)}); !errors.Is(r.Err, connection.ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", r.Err)
	}
}

func TestCoordinator_NotCreated(t *testing.T) {
	f := newFixture()
	c := f.start(t, "conn-1", f.config())

	if r := ask(t, c, &connection.Open{ID: "conn-1"}); !errors.Is(r.Err, connection.ErrNotAccessible) {
		t.Errorf("Expected ErrNotAccessible, got %v", r.Err)
	}
	if r := ask(t, c, &connection.Open{ID: "other"}); !errors.Is(r.Err, connection.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", r.Err)
	}

	invalid := testConnection("conn-1", connection.StatusOpen)
	invalid.ClientCount = 0
	if r := ask(t, c, &connection.Create{Connection: invalid}); !errors.Is(r.Err, connection.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", r.Err)
	}
	if ids, _ := f.journal.PersistenceIDs(t.Context()); len(ids) != 0 {
		t.Errorf("Expected nothing persisted, got %v", ids)
	}
}

func TestCoordinator_RetrieveDefaultsWithoutClients(t *testing.T) {
	f := newFixture()
	c := f.start(t, "conn-1", f.config())
	ask(t, c, &connection.Create{Connection: testConnection("conn-1", connection.StatusClosed)})

	r := ask(t, c, &connection.RetrieveStatus{ID: "conn-1"})
	if r.Status.ConnectionStatus != connection.StatusClosed || r.Status.LiveStatus != connection.StatusClosed {
		t.Errorf("Expected closed status, got %+v", r.Status)
	}
	if len(r.Status.Clients) != 1 {
		t.Fatalf("Expected one synthetic client status, got %+v", r.Status.Clients)
	}
	st := r.Status.Clients[0]
	if st.InstanceID != "instance-1" || st.Message != "[DISCONNECTED] connection is closed" || st.Since.IsZero() {
		t.Errorf("Unexpected client status %+v", st)
	}

	r = ask(t, c, &connection.RetrieveMetrics{ID: "conn-1"})
	if r.Metrics == nil || len(r.Metrics.Clients) != 0 {
		t.Errorf("Expected empty metrics, got %+v", r.Metrics)
	}

	r = ask(t, c, &connection.RetrieveLogs{ID: "conn-1"})
	if r.Logs == nil || r.Logs.EnabledSince != nil || r.Logs.EnabledUntil != nil {
		t.Errorf("Expected logs without window, got %+v", r.Logs)
	}
	if f.broker.connects.Load() != 0 {
		t.Errorf("Expected no client to connect, got %d", f.broker.connects.Load())
	}
}

func TestCoordinator_TestWhileCreatedIsRejected(t *testing.T) {
	f := newFixture()
	c := f.start(t, "conn-1", f.config())
	ask(t, c, &connection.Create{Connection: testConnection("conn-1", connection.StatusOpen)})
	connects := f.broker.connects.Load()

	r := ask(t, c, &connection.Test{Connection: testConnection("conn-1", connection.StatusOpen)})
	if !errors.Is(r.Err, connection.ErrAlreadyCreated) {
		t.Errorf("Expected ErrAlreadyCreated, got %v", r.Err)
	}
	if got := f.broker.connects.Load(); got != connects {
		t.Errorf("Expected no new client, got %d connects after %d", got, connects)
	}
}

func TestCoordinator_TestConnectionPassivates(t *testing.T) {
	f := newFixture()
	passivated := make(chan connection.ID, 1)
	cfg := f.config()
	cfg.OnPassivate = func(id connection.ID) { passivated <- id }
	c := f.start(t, "conn-1", cfg)

	r := ask(t, c, &connection.Test{Connection: testConnection("conn-1", connection.StatusOpen)})
	if !r.OK() || r.Message == "" {
		t.Fatalf("Expected successful test with message, got %+v", r)
	}
	select {
	case id := <-passivated:
		if id != "conn-1" {
			t.Errorf("Expected conn-1, got %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected coordinator to passivate")
	}
	if f.broker.connects.Load() != 1 {
		t.Errorf("Expected exactly one trial client, got %d", f.broker.connects.Load())
	}
	if ids, _ := f.journal.PersistenceIDs(t.Context()); len(ids) != 0 {
		t.Errorf("Expected test not to persist, got %v", ids)
	}
}

func TestCoordinator_SignalBeforeOpenIsDropped(t *testing.T) {
	f := newFixture()
	f.broker.gate = make(chan struct{})
	c := f.start(t, "conn-1", f.config())

	responses := make(chan *connection.Response, 1)
	create := &connection.Create{Connection: testConnection("conn-1", connection.StatusOpen)}
	if err := c.Send(t.Context(), create, connection.RecipientFunc(func(msg any) {
		responses <- msg.(*connection.Response)
	})); err != nil {
		t.Fatal(err)
	}
	eventually(t, "clients to connect", func() bool { return f.broker.connects.Load() > 0 })

	c.Deliver(twinEvent("early"))
	close(f.broker.gate)

	select {
	case r := <-responses:
		if !r.OK() {
			t.Fatalf("Expected create to succeed, got %v", r.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected create response")
	}
	expectNoSignal(t, f.broker)

	c.Deliver(twinEvent("late"))
	expectSignal(t, f.broker, "late")
}

func TestCoordinator_SelfOriginatedSignalIsDropped(t *testing.T) {
	f := newFixture()
	c := f.start(t, "conn-1", f.config())
	ask(t, c, &connection.Create{Connection: testConnection("conn-1", connection.StatusOpen)})

	for _, topic := range []connection.Topic{connection.TopicTwinEvents, connection.TopicLiveEvents, connection.TopicLiveMessages} {
		s := twinEvent("self")
		s.Topic = topic
		s.Origin = "conn-1"
		c.Deliver(s)
	}
	expectNoSignal(t, f.broker)

	s := twinEvent("foreign")
	s.Origin = "conn-2"
	c.Deliver(s)
	expectSignal(t, f.broker, "foreign")
}

func TestCoordinator_SignalsThroughRegistry(t *testing.T) {
	f := newFixture()
	c := f.start(t, "conn-1", f.config())
	ask(t, c, &connection.Create{Connection: testConnection("conn-1", connection.StatusOpen)})

	if err := f.registry.Publish(t.Context(), twinEvent("published")); err != nil {
		t.Fatal(err)
	}
	expectSignal(t, f.broker, "published")

	unauthorized := twinEvent("hidden")
	unauthorized.ReadSubjects = []string{"someone:else"}
	_ = f.registry.Publish(t.Context(), unauthorized)
	expectNoSignal(t, f.broker)

	ask(t, c, &connection.Close{ID: "conn-1"})
	_ = f.registry.Publish(t.Context(), twinEvent("after-close"))
	expectNoSignal(t, f.broker)
}

func TestCoordinator_CloseRelinquishesLabels(t *testing.T) {
	f := newFixture()
	c := f.start(t, "conn-1", f.config())
	ask(t, c, &connection.Create{Connection: testConnection("conn-1", connection.StatusOpen)})

	eventually(t, "label to be declared", func() bool {
		owner, ok := f.registry.Owner("conn-1:custom")
		return ok && owner == "conn-1"
	})

	if r := ask(t, c, &connection.Close{ID: "conn-1"}); !r.OK() {
		t.Fatalf("Expected close to succeed, got %v", r.Err)
	}
	eventually(t, "label to be released", func() bool {
		_, ok := f.registry.Owner("conn-1:custom")
		return !ok
	})

	r := ask(t, c, &connection.RetrieveStatus{ID: "conn-1"})
	if r.Status.ConnectionStatus != connection.StatusClosed || r.Status.LiveStatus != connection.StatusClosed {
		t.Errorf("Expected closed status, got %+v", r.Status)
	}
}

// slowRegistry delays label declarations so they complete after a close.
type slowRegistry struct {
	*registry.Memory
	delay time.Duration
}

func (r slowRegistry) DeclareAckLabels(ctx context.Context, id string, labels connection.LabelSet) error {
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.Memory.DeclareAckLabels(ctx, id, labels)
}

func TestCoordinator_CloseReleasesLabelsDeclaredLate(t *testing.T) {
	f := newFixture()
	cfg := f.config()
	cfg.Registry = slowRegistry{Memory: f.registry, delay: 200 * time.Millisecond}
	cfg.DeclareInterval = time.Hour
	c := f.start(t, "conn-1", cfg)

	ask(t, c, &connection.Create{Connection: testConnection("conn-1", connection.StatusOpen)})
	if r := ask(t, c, &connection.Close{ID: "conn-1"}); !r.OK() {
		t.Fatalf("Expected close to succeed, got %v", r.Err)
	}

	time.Sleep(500 * time.Millisecond)
	if owner, ok := f.registry.Owner("conn-1:custom"); ok {
		t.Errorf("Expected label to be released after close, still owned by %s", owner)
	}

	other := f.start(t, "conn-2", f.config())
	shared := testConnection("conn-2", connection.StatusOpen)
	shared.Sources[0].DeclaredAcks = []connection.Label{"conn-1:custom"}
	ask(t, other, &connection.Create{Connection: shared})
	eventually(t, "label to be taken over", func() bool {
		owner, ok := f.registry.Owner("conn-1:custom")
		return ok && owner == "conn-2"
	})
}

func TestCoordinator_ForeignAckRequestsAreRemoved(t *testing.T) {
	f := newFixture()
	c := f.start(t, "conn-1", f.config())
	conn := testConnection("conn-1", connection.StatusOpen)
	conn.Targets[0].IssuedAck = "{{connection:id}}:delivered"
	ask(t, c, &connection.Create{Connection: conn})
	eventually(t, "labels to be declared", func() bool {
		owner, ok := f.registry.Owner("conn-1:delivered")
		return ok && owner == "conn-1"
	})

	s := twinEvent("foreign-acks")
	s.AckRequests = []connection.Label{"somebody-else:label", "conn-1:delivered"}
	c.Deliver(s)
	select {
	case got := <-f.broker.published:
		if len(got.AckRequests) != 1 || got.AckRequests[0] != "conn-1:delivered" {
			t.Errorf("Expected only conn-1:delivered to be requested, got %v", got.AckRequests)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected signal to be published")
	}
}

func TestCoordinator_LabelConflictRetries(t *testing.T) {
	f := newFixture()
	shared := func(id connection.ID) *connection.Connection {
		c := testConnection(id, connection.StatusOpen)
		c.Sources[0].DeclaredAcks = []connection.Label{"shared-label"}
		return c
	}
	a := f.start(t, "conn-a", f.config())
	b := f.start(t, "conn-b", f.config())
	ask(t, a, &connection.Create{Connection: shared("conn-a")})
	ask(t, b, &connection.Create{Connection: shared("conn-b")})

	var first string
	eventually(t, "one owner", func() bool {
		owner, ok := f.registry.Owner("shared-label")
		first = owner
		return ok
	})
	// The loser keeps retrying without taking the label over.
	time.Sleep(100 * time.Millisecond)
	if owner, _ := f.registry.Owner("shared-label"); owner != first {
		t.Fatalf("Expected %s to keep the label, got %s", first, owner)
	}

	winner, other := a, "conn-b"
	if first == "conn-b" {
		winner, other = b, "conn-a"
	}
	ask(t, winner, &connection.Close{ID: winner.ID()})
	eventually(t, other+" to take over the label", func() bool {
		owner, _ := f.registry.Owner("shared-label")
		return owner == other
	})
}

func TestCoordinator_AcknowledgementForwarding(t *testing.T) {
	f := newFixture()
	c := f.start(t, "conn-1", f.config())
	ask(t, c, &connection.Create{Connection: testConnection("conn-1", connection.StatusOpen)})

	forwarded := make(chan any, 4)
	s := twinEvent("corr-1")
	s.AckRequests = []connection.Label{"conn-1:custom"}
	s.Sender = connection.RecipientFunc(func(msg any) { forwarded <- msg })
	c.Deliver(s)
	expectSignal(t, f.broker, "corr-1")

	c.Deliver(&connection.Acknowledgement{Label: "conn-1:custom", EntityID: "org.acme:sensor", CorrelationID: "corr-1", StatusCode: 204})
	select {
	case msg := <-forwarded:
		if a, ok := msg.(*connection.Acknowledgement); !ok || a.StatusCode != 204 {
			t.Errorf("Expected forwarded acknowledgement, got %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected acknowledgement to be forwarded")
	}

	c.Deliver(&connection.Acknowledgement{Label: "conn-1:custom", EntityID: "org.acme:sensor", CorrelationID: "unknown"})
	select {
	case a := <-f.acks:
		if a.CorrelationID != "unknown" {
			t.Errorf("Expected unknown correlation id, got %s", a.CorrelationID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected acknowledgement at the default sink")
	}

	rejected := make(chan any, 1)
	c.Deliver(&connection.Acknowledgement{
		Label:  "undeclared",
		Sender: connection.RecipientFunc(func(msg any) { rejected <- msg }),
	})
	select {
	case msg := <-rejected:
		r, ok := msg.(*connection.Response)
		if !ok || !errors.Is(r.Err, connection.ErrAckLabelNotDeclared) {
			t.Errorf("Expected ErrAckLabelNotDeclared, got %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected rejection of undeclared label")
	}
}

type failingJournal struct {
	journal.Journal
}

func (failingJournal) Append(context.Context, string, ...connection.Event) error {
	return errors.New("disk full")
}

func TestCoordinator_PersistenceFailureAborts(t *testing.T) {
	f := newFixture()
	cfg := f.config()
	cfg.Journal = failingJournal{Journal: f.journal}
	c := f.start(t, "conn-1", cfg)

	r := ask(t, c, &connection.Create{Connection: testConnection("conn-1", connection.StatusOpen)})
	if !errors.Is(r.Err, connection.ErrPersistence) {
		t.Fatalf("Expected ErrPersistence, got %v", r.Err)
	}
	if f.broker.connects.Load() != 0 {
		t.Errorf("Expected no client after persistence failure, got %d", f.broker.connects.Load())
	}
	if r := ask(t, c, &connection.Retrieve{ID: "conn-1"}); !errors.Is(r.Err, connection.ErrNotAccessible) {
		t.Errorf("Expected connection not to exist, got %v", r.Err)
	}
}

func TestCoordinator_RecoveryReopens(t *testing.T) {
	f := newFixture()
	original := testConnection("conn-1", connection.StatusOpen)

	c, err := coordinator.Start(t.Context(), "conn-1", f.config())
	if err != nil {
		t.Fatal(err)
	}
	ask(t, c, &connection.Create{Connection: original})
	ask(t, c, &connection.Close{ID: "conn-1"})
	ask(t, c, &connection.Open{ID: "conn-1"})
	if err := c.Stop(t.Context()); err != nil {
		t.Fatal(err)
	}
	connects := f.broker.connects.Load()

	c = f.start(t, "conn-1", f.config())
	eventually(t, "clients to reconnect", func() bool { return f.broker.connects.Load() >= connects+2 })

	r := ask(t, c, &connection.Retrieve{ID: "conn-1"})
	got := r.Connection
	if got.Status != connection.StatusOpen || got.Lifecycle != connection.LifecycleActive ||
		got.ClientCount != original.ClientCount || len(got.Sources) != 1 || len(got.Targets) != 1 {
		t.Errorf("Expected recovered connection equal to %+v, got %+v", original, got)
	}

	c.Deliver(twinEvent("recovered"))
	expectSignal(t, f.broker, "recovered")
}

func TestCoordinator_LoggingWindow(t *testing.T) {
	f := newFixture()
	c := f.start(t, "conn-1", f.config())
	ask(t, c, &connection.Create{Connection: testConnection("conn-1", connection.StatusOpen)})

	if r := ask(t, c, &connection.EnableLogs{ID: "conn-1"}); !r.OK() {
		t.Fatalf("Expected enable to succeed, got %v", r.Err)
	}
	r := ask(t, c, &connection.RetrieveLogs{ID: "conn-1"})
	if r.Logs.EnabledUntil == nil {
		t.Fatal("Expected logging window")
	}

	c.Deliver(twinEvent("logged"))
	expectSignal(t, f.broker, "logged")
	eventually(t, "publish entry", func() bool {
		r := ask(t, c, &connection.RetrieveLogs{ID: "conn-1"})
		return len(r.Logs.Entries) > 0
	})

	ask(t, c, &connection.DisableLogs{ID: "conn-1"})
	r = ask(t, c, &connection.RetrieveLogs{ID: "conn-1"})
	if r.Logs.EnabledUntil != nil {
		t.Errorf("Expected logging to be disabled, got %v", r.Logs.EnabledUntil)
	}
}

func TestCoordinator_DeletePassivates(t *testing.T) {
	f := newFixture()
	region := coordinator.NewRegion(f.config())
	t.Cleanup(func() { _ = region.Stop(context.Background()) })

	ctx := t.Context()
	if r, err := region.Ask(ctx, &connection.Create{Connection: testConnection("conn-1", connection.StatusOpen)}); err != nil || !r.OK() {
		t.Fatalf("Expected create to succeed, got %v %v", r, err)
	}
	if region.Len() != 1 {
		t.Fatalf("Expected 1 coordinator, got %d", region.Len())
	}
	if r, err := region.Ask(ctx, &connection.Delete{ID: "conn-1"}); err != nil || !r.OK() {
		t.Fatalf("Expected delete to succeed, got %v %v", r, err)
	}
	eventually(t, "coordinator to passivate", func() bool { return region.Len() == 0 })
	if _, ok := f.registry.Owner("conn-1:custom"); ok {
		t.Error("Expected labels of deleted connection to be released")
	}

	r, err := region.Ask(ctx, &connection.Retrieve{ID: "conn-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(r.Err, connection.ErrNotAccessible) {
		t.Errorf("Expected deleted connection to be inaccessible, got %v", r.Err)
	}

	if r, _ := region.Ask(ctx, &connection.Create{Connection: testConnection("conn-1", connection.StatusClosed)}); !r.OK() {
		t.Errorf("Expected re-create after delete to succeed, got %v", r.Err)
	}
}

func TestRegion_WakeUp(t *testing.T) {
	f := newFixture()
	first := coordinator.NewRegion(f.config())
	ctx := t.Context()
	for _, id := range []connection.ID{"conn-1", "conn-2"} {
		if _, err := first.Ask(ctx, &connection.Create{Connection: testConnection(id, connection.StatusOpen)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := first.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Get(ctx, "conn-1"); !errors.Is(err, coordinator.ErrRegionStopped) {
		t.Errorf("Expected ErrRegionStopped, got %v", err)
	}
	connects := f.broker.connects.Load()

	second := coordinator.NewRegion(f.config())
	t.Cleanup(func() { _ = second.Stop(context.Background()) })
	if err := second.WakeUp(ctx); err != nil {
		t.Fatal(err)
	}
	if second.Len() != 2 {
		t.Errorf("Expected 2 coordinators, got %d", second.Len())
	}
	eventually(t, "both connections to reopen", func() bool { return f.broker.connects.Load() >= connects+4 })
}

// gatedJournal blocks the recovery of one persistence id until released.
type gatedJournal struct {
	*journal.Memory
	blocked string
	entered chan struct{}
	release chan struct{}
}

func (j gatedJournal) LoadSnapshot(ctx context.Context, pid string) (journal.Snapshot, bool, error) {
	if pid == j.blocked {
		close(j.entered)
		<-j.release
	}
	return j.Memory.LoadSnapshot(ctx, pid)
}

func TestRegion_SlowRecoveryDoesNotBlockOthers(t *testing.T) {
	f := newFixture()
	cfg := f.config()
	gated := gatedJournal{
		Memory:  f.journal,
		blocked: connection.ID("slow").PersistenceID(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cfg.Journal = gated
	region := coordinator.NewRegion(cfg)
	t.Cleanup(func() { _ = region.Stop(context.Background()) })

	slowDone := make(chan error, 1)
	go func() {
		_, err := region.Get(context.Background(), "slow")
		slowDone <- err
	}()
	<-gated.entered

	got := make(chan error, 1)
	go func() {
		_, err := region.Get(context.Background(), "fast")
		got <- err
	}()
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("Expected fast connection to start, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected lookup of another connection while a recovery is pending")
	}

	close(gated.release)
	if err := <-slowDone; err != nil {
		t.Fatalf("Expected slow connection to start, got %v", err)
	}
	if region.Len() != 2 {
		t.Errorf("Expected 2 coordinators, got %d", region.Len())
	}
}

// searchWorker records the search commands it receives.
type searchWorker struct {
	prefixes chan string
	targets  chan string
}

func (w searchWorker) Handle(_ context.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case *connection.CreateSubscription:
		w.prefixes <- m.Prefix
	case *connection.RequestFromSubscription:
		w.targets <- m.SubscriptionID
	case *connection.Open, *connection.Close:
		return "ok", nil
	}
	return nil, nil
}

func (searchWorker) Close() error { return nil }

func TestCoordinator_SearchPrefixes(t *testing.T) {
	f := newFixture()
	var mu sync.Mutex
	workers := 0
	w := searchWorker{prefixes: make(chan string, 8), targets: make(chan string, 8)}
	cfg := f.config()
	cfg.Factory = workerpool.FactoryFunc(func(*connection.Connection, int, workerpool.Logger) (workerpool.Worker, error) {
		mu.Lock()
		workers++
		mu.Unlock()
		return w, nil
	})
	cfg.Validator = coordinator.DefaultValidator{}
	c := f.start(t, "conn-1", cfg)

	conn := testConnection("conn-1", connection.StatusOpen)
	conn.ClientCount = 16
	ask(t, c, &connection.Create{Connection: conn})
	mu.Lock()
	if workers != 16 {
		t.Errorf("Expected 16 workers, got %d", workers)
	}
	mu.Unlock()

	for range 3 {
		c.Deliver(&connection.CreateSubscription{Filter: "eq(attributes/on,true)"})
	}
	var prefixes []string
	for range 3 {
		select {
		case p := <-w.prefixes:
			prefixes = append(prefixes, p)
		case <-time.After(3 * time.Second):
			t.Fatalf("Expected 3 subscriptions, got %v", prefixes)
		}
	}
	slices.Sort(prefixes)
	if want := []string{"01", "02", "03"}; !slices.Equal(prefixes, want) {
		t.Errorf("Expected %v, got %v", want, prefixes)
	}

	c.Deliver(&connection.RequestFromSubscription{SubscriptionID: "0"})
	c.Deliver(&connection.RequestFromSubscription{SubscriptionID: "02"})
	c.Deliver(&connection.RequestFromSubscription{SubscriptionID: "02-session", Demand: 1})
	select {
	case id := <-w.targets:
		if id != "02-session" {
			t.Errorf("Expected 02-session, got %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected request to be routed")
	}
}
