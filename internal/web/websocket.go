package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/recorder"
)

const hubQueueSize = 256

// Hub fans recorder lifecycle events out to websocket clients. It
// implements recorder.EventSink; Publish never blocks and drops events when
// the queue is full.
type Hub struct {
	logger  logger.Logger
	clients map[*websocket.Conn]struct{}
	mu      sync.RWMutex

	upgrader websocket.Upgrader
	events   chan recorder.Event
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewHub creates a hub and starts its broadcast loop.
func NewHub(log logger.Logger) *Hub {
	h := &Hub{
		logger:  log,
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		events: make(chan recorder.Event, hubQueueSize),
		done:   make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// Publish implements recorder.EventSink
func (h *Hub) Publish(e recorder.Event) {
	select {
	case <-h.done:
	case h.events <- e:
	default:
		h.logger.Debug("Event queue full, dropping event", "type", string(e.Type))
	}
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case e := <-h.events:
			h.Broadcast(e)
		case <-h.done:
			return
		}
	}
}

// Upgrade upgrades the HTTP connection to WebSocket.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	h.register(conn)
	return conn, nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(conn)
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.unregister(conn)

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()

	conn.Close()
}

// Broadcast sends payload to all active connections.
func (h *Hub) Broadcast(event interface{}) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal websocket payload", "error", err)
		return
	}

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn("Failed to write to websocket client", "error", err)
			h.unregister(conn)
		}
	}
}

// Close stops the broadcast loop and terminates all connections.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
		h.wg.Wait()

		h.mu.Lock()
		conns := make([]*websocket.Conn, 0, len(h.clients))
		for conn := range h.clients {
			conns = append(conns, conn)
		}
		h.clients = make(map[*websocket.Conn]struct{})
		h.mu.Unlock()

		for _, conn := range conns {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		}
	})
}
