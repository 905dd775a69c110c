package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/events"
	"github.com/atmx/arena-ledger/internal/metrics"
)

// wsMessage is one outbound frame with the accounts it concerns.
type wsMessage struct {
	data     []byte
	accounts [2]address.Address
}

// wsClient is a connection and the accounts it watches. An empty watch
// set receives everything.
type wsClient struct {
	conn  *websocket.Conn
	watch map[address.Address]struct{}
}

func (c *wsClient) wants(m wsMessage) bool {
	if len(c.watch) == 0 {
		return true
	}
	for _, a := range m.accounts {
		if _, ok := c.watch[a]; ok {
			return true
		}
	}
	return false
}

// WSHub manages WebSocket connections and broadcasts committed ledger
// events to connected clients. It implements events.Publisher.
type WSHub struct {
	clients    map[*websocket.Conn]*wsClient
	broadcast  chan wsMessage
	register   chan *wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]*wsClient),
		broadcast:  make(chan wsMessage, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called
// in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total, "watching", len(c.watch))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, c := range h.clients {
				if !c.wants(msg) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

// Publish queues evt for every interested client.
func (h *WSHub) Publish(_ context.Context, evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsMessage{data: data, accounts: [2]address.Address{evt.Address, evt.Owner}}:
		metrics.EventsPublished.WithLabelValues("websocket", "ok").Inc()
	default:
		// Drop if buffer full to avoid blocking ledger operations.
		metrics.EventsPublished.WithLabelValues("websocket", "dropped").Inc()
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. Repeated
// ?account= parameters restrict the stream to those addresses.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	watch := make(map[address.Address]struct{})
	for _, s := range r.URL.Query()["account"] {
		addr, err := address.Parse(s)
		if err != nil {
			writeError(w, "invalid account filter: "+s, "InvalidAddress", http.StatusBadRequest)
			return
		}
		watch[addr] = struct{}{}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- &wsClient{conn: conn, watch: watch}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
