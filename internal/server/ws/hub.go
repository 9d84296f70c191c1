// Package ws streams market events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

// frame is the envelope of every message sent to a client.
type frame struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type Config struct {
	Mode           string
	AllowedOrigins []string
	StartedAt      time.Time
}

// Hub fans market events from the signal bus out to connected clients,
// routed by market channel. A client whose send queue is full is evicted
// rather than silently skipped, so a connected client never misses an
// event without noticing.
type Hub struct {
	bus      domain.SignalBus
	upgrader websocket.Upgrader
	logger   *slog.Logger
	mode     string
	started  time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	started := cfg.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     allowOrigin(cfg.AllowedOrigins),
		},
		logger:  logger.With(slog.String("component", "ws_hub")),
		mode:    mode,
		started: started,
		clients: make(map[*client]struct{}),
	}
}

func allowOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") {
			return true
		}
		return slices.ContainsFunc(allowed, func(o string) bool {
			return strings.EqualFold(strings.TrimRight(o, "/"), origin)
		})
	}
}

// Run relays bus events until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	events, err := h.bus.Subscribe(ctx, domain.EventsChannelPattern)
	if err != nil {
		return err
	}
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-events:
			if !ok {
				h.logger.Warn("ws: event subscription closed")
				<-ctx.Done()
				return ctx.Err()
			}
			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil || ev.MarketID == "" {
				h.logger.Warn("ws: skipping malformed event")
				continue
			}
			h.broadcast(ev.Channel(), data)
		}
	}
}

func (h *Hub) broadcast(channel string, payload []byte) {
	msg, err := json.Marshal(frame{Type: "event", Channel: channel, Payload: payload})
	if err != nil {
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.follows(channel) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("ws: evicting slow client", slog.String("remote", c.remote))
		h.remove(c)
	}
}

// reply queues msg for c unless c has already been removed.
func (h *Hub) reply(c *client, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("ws: client connected", slog.Int("clients", len(h.clients)))
	return true
}

// remove closes c's queue once; the write pump then closes the socket.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Info("ws: client disconnected", slog.Int("clients", len(h.clients)))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// HandleWS upgrades the request. New connections follow every market until
// they narrow their subscriptions.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn, r.RemoteAddr)
	c.send <- h.hello()
	if !h.add(c) {
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) hello() []byte {
	payload, _ := json.Marshal(map[string]any{
		"mode":           h.mode,
		"uptime_seconds": max(int64(time.Since(h.started).Seconds()), 0),
	})
	msg, _ := json.Marshal(frame{
		Type:     "hello",
		Channels: []string{domain.EventsChannelPattern},
		Payload:  payload,
	})
	return msg
}
