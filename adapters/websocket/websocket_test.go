package websocket_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/raujonas/ditto/adapters/internal/wire"
	"github.com/raujonas/ditto/adapters/websocket"
	"github.com/raujonas/ditto/connection"
)

func TestPublisher_Publish(t *testing.T) {
	got := make(chan wire.Envelope, 1)
	upgrader := gorilla.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err == nil {
			got <- env
		}
		// Drain until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := &connection.Connection{
		ID:             "conn-1",
		URI:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		SpecificConfig: map[string]string{"header.Authorization": "Bearer token"},
	}
	p := websocket.NewPublisher(websocket.FromConnection(c))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	s := &connection.Signal{
		Type:     "things.live.messages:hello",
		Topic:    connection.TopicLiveMessages,
		EntityID: "org.acme:s1",
		Payload:  []byte("plain text"),
	}
	if err := p.Publish(ctx, connection.Target{Address: "inbox"}, s); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case env := <-got:
		if env.Address != "inbox" || env.Headers[wire.HeaderEntityID] != "org.acme:s1" {
			t.Errorf("Unexpected envelope %+v", env)
		}
		if string(env.Value) != `"plain text"` {
			t.Errorf("Expected non-JSON payload as string, got %s", env.Value)
		}
	case <-ctx.Done():
		t.Fatal("envelope not received")
	}

	if err := p.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := p.Publish(ctx, connection.Target{Address: "inbox"}, s); err == nil {
		t.Error("Expected publish on closed publisher to fail")
	}
}

func TestPublisher_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := websocket.NewPublisher(websocket.Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	err := p.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Expected handshake failure with 401, got %v", err)
	}
	if !errors.Is(err, wire.ErrRejected) {
		t.Errorf("Expected ErrRejected, got %v", err)
	}
}
