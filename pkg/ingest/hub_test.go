package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telefold/telefold/pkg/telemetry"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAnomalyHub_BroadcastReachesClients(t *testing.T) {
	hub := NewAnomalyHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dialHub(t, srv)
	waitFor(t, 3*time.Second, hub.HasClients)

	tag := telemetry.AnomalyTag{
		Reading:  testReading(time.Now().UTC(), 50.0),
		Reason:   "value 50 deviates 12.0 sigma from baseline mean 20",
		Severity: telemetry.SeverityCritical,
	}
	if err := hub.Broadcast(tag); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var got telemetry.AnomalyTag
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Reading.Value != 50.0 || got.Severity != telemetry.SeverityCritical {
		t.Errorf("streamed tag = %+v", got)
	}
}

func TestWSClient_SerializesConcurrentWrites(t *testing.T) {
	const writers, perWriter = 8, 10

	serverDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(serverDone)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := &wsClient{conn: conn}

		// Broadcasts and pings write from separate goroutines in
		// production; hammering the same connection from many
		// goroutines must interleave cleanly.
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWriter; j++ {
					if err := client.write(websocket.TextMessage, []byte("tick")); err != nil {
						t.Errorf("write failed: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()
		conn.Close()
	}))
	defer srv.Close()

	conn := dialHub(t, srv)

	var received int
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		received++
	}
	if received != writers*perWriter {
		t.Errorf("received %d messages, want %d", received, writers*perWriter)
	}
	<-serverDone
}
