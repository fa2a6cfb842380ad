package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

const (
	broadcastInterval = 500 * time.Millisecond
	writeTimeout      = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// StatusSource provides the live run view.
type StatusSource interface {
	Status() types.RunMetrics
}

// WebSocketServer streams run statistics to connected clients.
type WebSocketServer struct {
	source   StatusSource
	logger   *slog.Logger
	interval time.Duration

	clients   map[*websocket.Conn]*sync.Mutex
	clientsMu sync.RWMutex

	done     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketServer creates a new WebSocket server.
func NewWebSocketServer(source StatusSource, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		source:   source,
		logger:   logger,
		interval: broadcastInterval,
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		done:     make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler. Each new client gets the current
// status immediately.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		writeMu := &sync.Mutex{}
		ws.clientsMu.Lock()
		ws.clients[conn] = writeMu
		total := len(ws.clients)
		ws.clientsMu.Unlock()
		ws.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		defer func() {
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			total := len(ws.clients)
			ws.clientsMu.Unlock()
			conn.Close()
			ws.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		if data, err := json.Marshal(ws.source.Status()); err == nil {
			ws.write(conn, writeMu, data)
		}

		// Clients only read; the loop notices disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Start begins the broadcast loop.
func (ws *WebSocketServer) Start() {
	go ws.broadcastLoop()
}

// Stop ends the broadcast loop and closes all client connections.
func (ws *WebSocketServer) Stop() {
	ws.stopOnce.Do(func() {
		close(ws.done)

		ws.clientsMu.Lock()
		for conn := range ws.clients {
			conn.Close()
		}
		ws.clients = make(map[*websocket.Conn]*sync.Mutex)
		ws.clientsMu.Unlock()
	})
}

// broadcastLoop sends the status to all clients while a run exists. An idle
// runner that never ran has nothing to stream.
func (ws *WebSocketServer) broadcastLoop() {
	ticker := time.NewTicker(ws.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			if ws.ClientCount() == 0 {
				continue
			}
			status := ws.source.Status()
			if status.Status == types.StatusIdle {
				continue
			}
			ws.broadcast(status)
		}
	}
}

func (ws *WebSocketServer) broadcast(status types.RunMetrics) {
	data, err := json.Marshal(status)
	if err != nil {
		ws.logger.Error("Failed to marshal status", slog.String("error", err.Error()))
		return
	}

	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	for conn, mu := range ws.clients {
		ws.write(conn, mu, data)
	}
}

// write sends one message. Failed clients are removed by their read loop.
func (ws *WebSocketServer) write(conn *websocket.Conn, mu *sync.Mutex, data []byte) {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
