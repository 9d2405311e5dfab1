package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

type memBus struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	stream []domain.StreamMessage
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]chan []byte)}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		ch <- payload
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = append(b.subs[channel], ch)
	return ch, nil
}

func (b *memBus) subscribed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *memBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *memBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	for _, m := range b.stream {
		if m.ID > lastID && len(out) < count {
			out = append(out, m)
		}
	}
	return out, nil
}

func orderEvent(t *testing.T, typ, owner string, id uint64) []byte {
	t.Helper()
	data, err := json.Marshal(domain.OrderEvent{Type: typ, SagaID: "s", Order: domain.OrderRecord{ID: id, Owner: owner}})
	require.NoError(t, err)
	return data
}

func startHub(t *testing.T, bus *memBus) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "Full"})
	go hub.Run(ctx)
	require.Eventually(t, func() bool { return bus.subscribed() == len(defaultChannels) }, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) (int, map[string]any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return typ, out
}

func TestHubFiltersOrderEventsByAccount(t *testing.T) {
	bus := newMemBus()
	srv := startHub(t, bus)
	conn := dial(t, srv, "?account=alice")

	typ, status := readJSON(t, conn)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.Equal(t, "engine_status", status["type"])
	payload := status["payload"].(map[string]any)
	assert.Equal(t, "full", payload["mode"])
	assert.Equal(t, "alice", payload["account"])

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, domain.ChannelOrders, orderEvent(t, domain.EventOrderCreated, "bob", 1)))
	require.NoError(t, bus.Publish(ctx, domain.ChannelOrders, orderEvent(t, domain.EventOrderCreated, "alice", 2)))

	_, msg := readJSON(t, conn)
	assert.Equal(t, domain.ChannelOrders, msg["channel"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, domain.EventOrderCreated, data["type"])
	assert.Equal(t, float64(2), data["order"].(map[string]any)["id"])

	require.NoError(t, bus.Publish(ctx, domain.ChannelPrices, []byte(`{"event":"prices_updated"}`)))
	_, msg = readJSON(t, conn)
	assert.Equal(t, domain.ChannelPrices, msg["channel"])
}

func TestHubUnsubscribe(t *testing.T) {
	bus := newMemBus()
	srv := startHub(t, bus)
	conn := dial(t, srv, "")
	readJSON(t, conn)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelPrices}}))
	// The read pump applies the change asynchronously.
	time.Sleep(100 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, domain.ChannelPrices, []byte(`{"event":"prices_updated"}`)))
	require.NoError(t, bus.Publish(ctx, domain.ChannelOrders, orderEvent(t, domain.EventOrderCanceled, "carol", 3)))

	_, msg := readJSON(t, conn)
	assert.Equal(t, domain.ChannelOrders, msg["channel"])
}

func TestHubReplaysStream(t *testing.T) {
	bus := newMemBus()
	bus.stream = []domain.StreamMessage{
		{ID: "1-0", Payload: orderEvent(t, domain.EventOrderCreated, "alice", 1)},
		{ID: "2-0", Payload: orderEvent(t, domain.EventOrderCreated, "bob", 2)},
		{ID: "3-0", Payload: orderEvent(t, domain.EventOrderExecuted, "alice", 1)},
	}
	srv := startHub(t, bus)
	conn := dial(t, srv, "?account=alice&since=1-0")
	readJSON(t, conn)

	_, msg := readJSON(t, conn)
	assert.Equal(t, "3-0", msg["stream_id"])
	assert.Equal(t, domain.EventOrderExecuted, msg["data"].(map[string]any)["type"])
}

func TestEventOwner(t *testing.T) {
	assert.Equal(t, "alice", eventOwner(orderEvent(t, domain.EventOrderCreated, "alice", 1)))
	assert.Equal(t, "", eventOwner([]byte("not json")))
}
