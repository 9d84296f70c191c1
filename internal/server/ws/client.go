package ws

import (
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxInbound = 4096
	queueSize  = 256
	// maxChannels bounds the subscriptions one connection may hold.
	maxChannels = 64
)

// request changes a client's subscriptions, e.g.
// {"action":"subscribe","channels":["ch:market:<id>"]}. Bare market ids
// are accepted too.
type request struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn, remote string) *client {
	return &client{
		hub:    h,
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, queueSize),
		subs:   map[string]bool{domain.EventsChannelPattern: true},
	}
}

// follows reports whether channel matches a subscription exactly or by a
// trailing * wildcard.
func (c *client) follows(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	for s := range c.subs {
		if prefix, ok := strings.CutSuffix(s, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// apply changes the subscription set and returns it sorted.
func (c *client) apply(req request) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range req.Channels {
		if !strings.HasPrefix(ch, "ch:") {
			ch = domain.Event{MarketID: ch}.Channel()
		}
		switch req.Action {
		case "subscribe":
			if len(c.subs) >= maxChannels && !c.subs[ch] {
				return nil, false
			}
			c.subs[ch] = true
		case "unsubscribe":
			delete(c.subs, ch)
		default:
			return nil, false
		}
	}
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	slices.Sort(out)
	return out, true
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInbound)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws: read failed", slog.String("error", err.Error()))
			}
			return
		}

		var req request
		if json.Unmarshal(raw, &req) != nil || req.Action == "" {
			continue
		}
		subs, ok := c.apply(req)
		reply := frame{Type: "subscribed", Channels: subs}
		if !ok {
			reply = frame{Type: "error", Payload: json.RawMessage(`"subscription rejected"`)}
		}
		if msg, err := json.Marshal(reply); err == nil {
			c.hub.reply(c, msg)
		}
	}
}

// writePump drains the queue and pings. A closed queue ends the
// connection with a close frame.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
