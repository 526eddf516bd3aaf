package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/routex/internal/events"
)

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	url := strings.Replace(server.URL, "http://", "ws://", 1) + "/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newServer(t *testing.T, hub *Hub) *httptest.Server {
	mux := http.NewServeMux()
	mux.Handle("/stream", hub)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var e events.Event
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub := NewHub(DefaultConfig(), nil)
	server := newServer(t, hub)

	a := dial(t, server, "")
	b := dial(t, server, "")
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	e := events.New(events.DecisionTransition, "ord-1", "nse", map[string]string{"to": "routed"})
	require.NoError(t, hub.Handle(context.Background(), e))

	for _, conn := range []*websocket.Conn{a, b} {
		got := readEvent(t, conn)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, events.DecisionTransition, got.Type)
		assert.Equal(t, "ord-1", got.OrderID)
	}
}

func TestHubFiltersByType(t *testing.T) {
	hub := NewHub(DefaultConfig(), nil)
	server := newServer(t, hub)

	conn := dial(t, server, "?types=failure.recorded,%20metric.finalized")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Handle(ctx, events.New(events.DecisionTransition, "ord-1", "", nil)))
	require.NoError(t, hub.Handle(ctx, events.New(events.MetricFinalized, "ord-2", "", nil)))

	got := readEvent(t, conn)
	assert.Equal(t, events.MetricFinalized, got.Type)
	assert.Equal(t, "ord-2", got.OrderID)
}

func TestHubDropsSlowViewers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBuffer = 1
	hub := NewHub(cfg, nil)
	c := &client{send: make(chan []byte, 1)}
	require.NoError(t, hub.add(c))

	ctx := context.Background()
	require.NoError(t, hub.Handle(ctx, events.New(events.AlgoProgress, "a", "", nil)))
	require.NoError(t, hub.Handle(ctx, events.New(events.AlgoProgress, "a", "", nil)))

	assert.Equal(t, 0, hub.Clients())
	<-c.send
	_, open := <-c.send
	assert.False(t, open)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(DefaultConfig(), nil)
	server := newServer(t, hub)
	conn := dial(t, server, "")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())
	assert.ErrorIs(t, hub.Handle(context.Background(), events.New(events.VenueUpdated, "", "nse", nil)), ErrHubClosed)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived), "got %v", err)
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(Config{AllowOrigins: []string{"https://desk.example"}}, nil)
	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	assert.True(t, hub.checkOrigin(r))

	r.Header.Set("Origin", "https://desk.example")
	assert.True(t, hub.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, hub.checkOrigin(r))
}
