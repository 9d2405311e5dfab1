package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// replayLimit caps how many stream entries a reconnecting client gets.
	replayLimit = 500
)

// subscribeMsg is the JSON message a client sends to change its channels.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// envelope is the frame written to clients.
type envelope struct {
	Channel  string          `json:"channel"`
	StreamID string          `json:"stream_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// event is a bus message tagged with its channel and, for order events, the
// owning account.
type event struct {
	channel string
	owner   string
	data    []byte
}

// client is one WebSocket connection. A client with a non-empty account only
// receives order events for orders that account owns.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	account string

	mu   sync.RWMutex
	subs map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn, account string) *client {
	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		account: account,
		subs:    make(map[string]bool, len(defaultChannels)),
	}
	for _, ch := range defaultChannels {
		c.subs[ch] = true
	}
	return c
}

// offer queues frame unless the send buffer is full.
func (c *client) offer(frame []byte) bool {
	if frame == nil {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) wants(ev event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.subs[ev.channel] {
		return false
	}
	if ev.channel == domain.ChannelOrders && c.account != "" {
		return ev.owner == c.account
	}
	return true
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range msg.Channels {
		switch msg.Action {
		case "subscribe":
			c.subs[ch] = true
		case "unsubscribe":
			delete(c.subs, ch)
		}
	}
}

// replay queues stream entries newer than since. It stops at the first entry
// that does not fit; the client can reconnect with the last id it saw.
func (c *client) replay(ctx context.Context, since string) {
	entries, err := c.hub.bus.StreamRead(ctx, domain.StreamOrders, since, replayLimit)
	if err != nil {
		c.hub.logger.WarnContext(ctx, "stream replay failed", slog.String("error", err.Error()))
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	for _, e := range entries {
		if !json.Valid(e.Payload) {
			continue
		}
		ev := event{channel: domain.ChannelOrders, owner: eventOwner(e.Payload), data: e.Payload}
		if !c.wants(ev) {
			continue
		}
		frame, err := json.Marshal(envelope{Channel: ev.channel, StreamID: e.ID, Data: e.Payload})
		if err != nil {
			continue
		}
		if !c.offer(frame) {
			return
		}
	}
}

// readLoop applies subscription changes until the connection fails, then
// unregisters the client.
func (c *client) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(data, &msg) == nil {
			c.apply(msg)
		}
	}
}

// writeLoop drains the send queue and keeps the connection alive with pings.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, nil)
				return
			}
			if c.write(websocket.TextMessage, frame) != nil {
				return
			}
		case <-ticker.C:
			if c.write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *client) write(kind int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}
