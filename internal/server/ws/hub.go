package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// defaultChannels are the signal bus channels the hub relays.
var defaultChannels = []string{
	domain.ChannelOrders,
	domain.ChannelPrices,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// Hub relays order and price events from the signal bus to connected
// WebSocket clients. Each bus channel is consumed by its own goroutine so
// events keep their publish order per channel.
type Hub struct {
	bus       domain.SignalBus
	logger    *slog.Logger
	mode      string
	startedAt time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub bridging bus to WebSocket clients.
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
		bus:       bus,
		logger:    logger.With(slog.String("component", "ws_hub")),
		mode:      mode,
		startedAt: started,
		clients:   make(map[*client]struct{}),
	}
}

// Run subscribes to every relayed channel and blocks until ctx is cancelled,
// then disconnects all clients.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range defaultChannels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			h.logger.ErrorContext(ctx, "subscribe failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
			continue
		}
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			h.relay(ctx, channel, msgs)
		}(ch)
	}

	<-ctx.Done()
	wg.Wait()

	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	return ctx.Err()
}

func (h *Hub) relay(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("channel subscription closed", slog.String("channel", channel))
				return
			}
			if !json.Valid(data) {
				continue
			}
			ev := event{channel: channel, data: data}
			if channel == domain.ChannelOrders {
				ev.owner = eventOwner(data)
			}
			h.dispatch(ev)
		}
	}
}

// dispatch hands ev to every interested client without blocking. Slow
// clients lose the frame.
func (h *Hub) dispatch(ev event) {
	frame, err := json.Marshal(envelope{Channel: ev.channel, Data: ev.data})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		if !c.offer(frame) {
			h.logger.Warn("dropping message for slow client",
				slog.String("channel", ev.channel),
				slog.String("account", c.account),
			)
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("client connected",
		slog.String("account", c.account),
		slog.Int("total_clients", len(h.clients)),
	)
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Info("client disconnected", slog.Int("total_clients", len(h.clients)))
}

// HandleWS upgrades the request and registers the client.
// GET /ws?account=alice&since=1700000000000-0
//
// account restricts order events to one owner; since replays order events
// from the durable stream after the given entry id before live delivery.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	q := r.URL.Query()
	c := newClient(h, conn, strings.TrimSpace(q.Get("account")))
	c.offer(h.statusFrame(c))
	if !h.add(c) {
		conn.Close()
		return
	}
	if since := q.Get("since"); since != "" {
		c.replay(r.Context(), since)
	}

	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) statusFrame(c *client) []byte {
	uptime := int64(time.Since(h.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	frame, _ := json.Marshal(map[string]any{
		"type": "engine_status",
		"payload": map[string]any{
			"mode":           h.mode,
			"uptime_seconds": uptime,
			"account":        c.account,
			"channels":       defaultChannels,
		},
	})
	return frame
}

// eventOwner extracts the order owner from an order event payload.
func eventOwner(data []byte) string {
	var evt domain.OrderEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ""
	}
	return evt.Order.Owner
}
