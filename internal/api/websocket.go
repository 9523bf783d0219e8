package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/speech"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
	eventBuffer    = 256
)

// ErrNoListeners is returned by WebSocketPlayer when no client is
// connected to hear the audio.
var ErrNoListeners = errors.New("no websocket listeners")

// frame is one queued WebSocket message.
type frame struct {
	kind int
	data []byte
}

type wsClient struct {
	conn *websocket.Conn
	send chan frame
}

// controlMessage is a command sent by a client.
type controlMessage struct {
	Type string `json:"type"`
}

// Hub fans operational events and spoken audio out to WebSocket
// clients. Events are JSON text frames; audio clips are binary WAV
// frames.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	onStop  func()
}

// NewHub creates a hub with no clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// OnStop registers the handler for a client's speech_stop command.
func (h *Hub) OnStop(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStop = fn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run streams bus events to clients until ctx is done, then
// disconnects everyone.
func (h *Hub) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(eventBuffer)
	defer bus.Unsubscribe(ch)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Debug("event marshal failed", "kind", e.Kind, "error", err)
				continue
			}
			h.broadcast(frame{kind: websocket.TextMessage, data: data})
		}
	}
}

// BroadcastJSON sends v to every client as a text frame.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.broadcast(frame{kind: websocket.TextMessage, data: data})
	return nil
}

// BroadcastBinary sends data to every client as a binary frame and
// returns how many clients it was queued for.
func (h *Hub) BroadcastBinary(data []byte) int {
	return h.broadcast(frame{kind: websocket.BinaryMessage, data: data})
}

// broadcast queues f for every client. A client whose queue is full
// misses the frame.
func (h *Hub) broadcast(f frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		select {
		case c.send <- f:
			n++
		default:
			h.logger.Debug("websocket client lagging, frame dropped")
		}
	}
	return n
}

// ServeHTTP upgrades the request and serves the client until it goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan frame, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "remote", r.RemoteAddr, "clients", count)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Info("websocket client disconnected", "clients", len(h.clients))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "speech_stop" {
			h.mu.RLock()
			stop := h.onStop
			h.mu.RUnlock()
			if stop != nil {
				stop()
			}
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "websocket not configured")
		return
	}
	s.hub.ServeHTTP(w, r)
}

// WebSocketPlayer plays speech by streaming WAV clips to WebSocket
// clients. Clients play what they receive; the player waits out each
// clip's duration so chunks stay in order.
type WebSocketPlayer struct {
	hub *Hub

	// Grace is added to each clip's duration before the next clip is
	// sent.
	Grace time.Duration
}

// NewWebSocketPlayer creates a player on hub.
func NewWebSocketPlayer(hub *Hub) *WebSocketPlayer {
	return &WebSocketPlayer{hub: hub, Grace: 250 * time.Millisecond}
}

// Play sends a to every client and waits for it to finish playing.
// Cancellation tells clients to drop whatever they are playing.
func (p *WebSocketPlayer) Play(ctx context.Context, a *llm.Audio) error {
	wav := speech.WAV(a)
	if p.hub.BroadcastBinary(wav.Data) == 0 {
		return ErrNoListeners
	}

	t := time.NewTimer(speech.Duration(a) + p.Grace)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		_ = p.hub.BroadcastJSON(controlMessage{Type: "speech_stop"})
		return ctx.Err()
	}
}
