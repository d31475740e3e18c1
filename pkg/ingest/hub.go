package ingest

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telefold/telefold/pkg/config"
	"github.com/telefold/telefold/pkg/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (curl, dashboards, tooling)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// wsClient wraps a connection with a write lock. gorilla/websocket supports
// one concurrent writer per connection, and broadcasts and keepalive pings
// come from different goroutines, so every write goes through here.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
	return c.conn.WriteMessage(messageType, data)
}

// AnomalyHub streams anomaly tags to connected WebSocket clients as the
// pipeline raises them. Delivery is best effort: a slow client or a full
// broadcast buffer drops messages rather than stalling ingestion.
type AnomalyHub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte

	mu sync.RWMutex
}

// NewAnomalyHub creates a WebSocket hub for anomaly streaming.
func NewAnomalyHub() *AnomalyHub {
	return &AnomalyHub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient, config.WSChannelBuffer),
		unregister: make(chan *wsClient, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
	}
}

// Run starts the hub's main loop.
func (h *AnomalyHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.conn.Close()
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Anomaly stream client connected (total: %d)", count)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Anomaly stream client disconnected (total: %d)", count)
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*wsClient
			for client := range h.clients {
				if err := client.write(websocket.TextMessage, message); err != nil {
					log.Printf("Anomaly stream write error: %v", err)
					failed = append(failed, client)
				}
			}
			h.mu.RUnlock()

			// Unregister failed connections without holding the lock
			for _, client := range failed {
				h.unregister <- client
			}
		}
	}
}

// Broadcast fans an anomaly tag out to all connected clients.
func (h *AnomalyHub) Broadcast(tag telemetry.AnomalyTag) error {
	message, err := json.Marshal(tag)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
		return nil
	default:
		log.Printf("Anomaly broadcast buffer full, dropping message")
		return nil
	}
}

// HasClients returns true if any WebSocket clients are connected.
func (h *AnomalyHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// Handler returns the WebSocket upgrade handler for GET /v1/anomalies/stream.
func (h *AnomalyHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}

		client := &wsClient{conn: conn}
		h.register <- client

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Ping sender keeps the connection alive across idle periods.
		go func() {
			ticker := time.NewTicker(config.WSPingInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := client.write(websocket.PingMessage, nil); err != nil {
						return
					}
				}
			}
		}()

		defer func() {
			cancel()
			h.unregister <- client
		}()

		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
			return nil
		})

		// Read loop handles control frames and detects connection close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("Anomaly stream error: %v", err)
				}
				break
			}
		}
	}
}
