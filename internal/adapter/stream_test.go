package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStreamDialerReceivesMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bbo","bid":100,"ask":101}`))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	var mu sync.Mutex
	var received []string
	done := make(chan struct{}, 1)
	d := NewStreamDialer("test", wsURL, func(data []byte) {
		mu.Lock()
		received = append(received, string(data))
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer d.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 {
		t.Fatal("expected at least one message")
	}
	if received[0] != `{"type":"bbo","bid":100,"ask":101}` {
		t.Errorf("unexpected message: %s", received[0])
	}
}

func TestStreamDialerIsConnectedTracksState(t *testing.T) {
	d := NewStreamDialer("test", "ws://unused", func(data []byte) {})
	if d.IsConnected() {
		t.Fatal("expected not connected before Connect")
	}
}
