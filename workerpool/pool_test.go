package workerpool_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/raujonas/ditto/connection"
	"github.com/raujonas/ditto/workerpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoWorker struct {
	index  int
	delay  time.Duration
	fail   error
	closed atomic.Bool

	mu   sync.Mutex
	seen []any
}

func (w *echoWorker) Handle(ctx context.Context, msg any) (any, error) {
	w.mu.Lock()
	w.seen = append(w.seen, msg)
	w.mu.Unlock()
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if w.fail != nil {
		return nil, w.fail
	}
	return fmt.Sprintf("%d:%v", w.index, msg), nil
}

func (w *echoWorker) Close() error {
	w.closed.Store(true)
	return nil
}

func (w *echoWorker) messages() []any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]any(nil), w.seen...)
}

type testFactory struct {
	mu      sync.Mutex
	workers []*echoWorker
	setup   func(*echoWorker)
	failAt  int
}

func (f *testFactory) NewWorker(_ *connection.Connection, index int, _ workerpool.Logger) (workerpool.Worker, error) {
	if f.failAt > 0 && index == f.failAt {
		return nil, errors.New("boom")
	}
	w := &echoWorker{index: index}
	if f.setup != nil {
		f.setup(w)
	}
	f.mu.Lock()
	f.workers = append(f.workers, w)
	f.mu.Unlock()
	return w, nil
}

var testConn = &connection.Connection{ID: "conn-1"}

func TestPool_Ask(t *testing.T) {
	f := &testFactory{}
	p, err := workerpool.Start(f, testConn, 3, workerpool.Config{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	if p.Size() != 3 {
		t.Fatalf("Expected 3 workers, got %d", p.Size())
	}

	// The same key always reaches the same worker.
	first, err := p.Ask(context.Background(), "org.acme:thing", "a")
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	for range 5 {
		got, _ := p.Ask(context.Background(), "org.acme:thing", "a")
		if got != first {
			t.Fatalf("Expected sticky routing to %v, got %v", first, got)
		}
	}
}

func TestPool_TellKeepsOrderPerKey(t *testing.T) {
	f := &testFactory{}
	p, err := workerpool.Start(f, testConn, 4, workerpool.Config{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := range 20 {
		p.Tell("org.acme:thing", i)
	}
	// A trailing ask on the same key is handled after all tells.
	if _, err := p.Ask(context.Background(), "org.acme:thing", "sync"); err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	p.Stop()

	var got []any
	for _, w := range f.workers {
		if m := w.messages(); len(m) > 0 {
			if got != nil {
				t.Fatal("Expected all messages for one key on one worker")
			}
			got = m
		}
	}
	if len(got) != 21 {
		t.Fatalf("Expected 21 messages, got %d", len(got))
	}
	for i := range 20 {
		if got[i] != i {
			t.Fatalf("Expected message %d at position %d, got %v", i, i, got[i])
		}
	}
}

func TestPool_TellInboxFull(t *testing.T) {
	f := &testFactory{setup: func(w *echoWorker) { w.delay = time.Hour }}
	p, err := workerpool.Start(f, testConn, 1, workerpool.Config{InboxSize: 1})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	// First message is taken by the worker, second fills the inbox.
	p.Tell("k", 1)
	deadline := time.Now().Add(time.Second)
	for len(f.workers[0].messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !p.Tell("k", 2) {
		t.Fatal("Expected second message to be queued")
	}
	if p.Tell("k", 3) {
		t.Error("Expected third message to be dropped")
	}
}

func TestPool_Broadcast(t *testing.T) {
	f := &testFactory{}
	p, err := workerpool.Start(f, testConn, 3, workerpool.Config{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	replies, err := p.Broadcast(context.Background(), "open")
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	for i, r := range replies {
		if want := fmt.Sprintf("%d:open", i); r != want {
			t.Errorf("Expected %q, got %v", want, r)
		}
	}
}

func TestPool_BroadcastFailure(t *testing.T) {
	errOpen := errors.New("connection refused")
	f := &testFactory{setup: func(w *echoWorker) {
		if w.index == 1 {
			w.fail = errOpen
		}
	}}
	p, err := workerpool.Start(f, testConn, 3, workerpool.Config{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	if _, err := p.Broadcast(context.Background(), "open"); !errors.Is(err, errOpen) {
		t.Errorf("Expected %v, got %v", errOpen, err)
	}
}

func TestPool_GatherPartial(t *testing.T) {
	f := &testFactory{setup: func(w *echoWorker) {
		if w.index == 2 {
			w.delay = time.Hour
		}
	}}
	p, err := workerpool.Start(f, testConn, 3, workerpool.Config{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	start := time.Now()
	replies := p.Gather(context.Background(), "status", 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Expected Gather to return after the timeout, took %v", elapsed)
	}
	if len(replies) != 3 {
		t.Fatalf("Expected 3 replies, got %d", len(replies))
	}
	for i, r := range replies[:2] {
		if r.Err != nil || r.Value != fmt.Sprintf("%d:status", i) {
			t.Errorf("Expected reply from worker %d, got %+v", i, r)
		}
	}
	if !errors.Is(replies[2].Err, workerpool.ErrTimeout) {
		t.Errorf("Expected ErrTimeout for slow worker, got %v", replies[2].Err)
	}
}

func TestPool_StopIdempotent(t *testing.T) {
	f := &testFactory{}
	p, err := workerpool.Start(f, testConn, 2, workerpool.Config{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	for _, w := range f.workers {
		if !w.closed.Load() {
			t.Error("Expected worker to be closed")
		}
	}
	if p.Tell("k", 1) {
		t.Error("Expected Tell on stopped pool to fail")
	}
	if _, err := p.Ask(context.Background(), "k", 1); !errors.Is(err, workerpool.ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

func TestStart_FactoryFailure(t *testing.T) {
	f := &testFactory{failAt: 2}
	if _, err := workerpool.Start(f, testConn, 3, workerpool.Config{}); err == nil {
		t.Fatal("Expected Start to fail")
	}
	for _, w := range f.workers {
		if !w.closed.Load() {
			t.Error("Expected created workers to be closed")
		}
	}
}

func TestRing_Distribution(t *testing.T) {
	r := workerpool.NewRing(4, 64)
	counts := make([]int, 4)
	for i := range 4000 {
		counts[r.Locate(fmt.Sprintf("org.acme:thing-%d", i))]++
	}
	for i, c := range counts {
		if c < 400 {
			t.Errorf("worker %d owns only %d of 4000 keys", i, c)
		}
	}
	if workerpool.NewRing(0, 64).Locate("x") != -1 {
		t.Error("Expected empty ring to locate -1")
	}
}
