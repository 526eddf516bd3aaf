package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/routex/internal/events"
)

var ErrHubClosed = errors.New("stream hub closed")

// Config holds websocket stream settings
type Config struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	AllowOrigins []string      `mapstructure:"allow_origins"`
}

// DefaultConfig returns the stream defaults
func DefaultConfig() Config {
	return Config{
		SendBuffer:   256,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// client is one connected viewer
type client struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[events.Type]bool
	once  sync.Once
}

func (c *client) wants(t events.Type) bool {
	return len(c.types) == 0 || c.types[t]
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub broadcasts routing events to websocket viewers. A viewer that cannot
// keep up is disconnected.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	closed   bool
	upgrader websocket.Upgrader
	config   Config
	logger   *logrus.Entry
}

// NewHub creates a hub
func NewHub(config Config, logger *logrus.Entry) *Hub {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	def := DefaultConfig()
	if config.SendBuffer <= 0 {
		config.SendBuffer = def.SendBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	h := &Hub{
		clients: make(map[*client]bool),
		config:  config,
		logger:  logger.WithField("component", "stream"),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// ServeHTTP upgrades the request and streams events until the viewer
// leaves. The types query parameter narrows the stream, e.g.
// ?types=decision.transition,failure.recorded
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	c := &client{
		conn:  conn,
		send:  make(chan []byte, h.config.SendBuffer),
		types: parseTypes(r.URL.Query().Get("types")),
	}
	if err := h.add(c); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		conn.Close()
		return
	}
	h.logger.WithField("remote", r.RemoteAddr).Info("Viewer connected")

	go h.writePump(c)
	h.readPump(c)
}

// Handle broadcasts one event to every interested viewer
func (h *Hub) Handle(_ context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", e.Type, err)
	}

	var slow []*client
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	for c := range h.clients {
		if !c.wants(e.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Viewer too slow, disconnecting")
		h.remove(c)
	}
	return nil
}

// Clients counts connected viewers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every viewer and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]bool)
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// Helper methods

func (h *Hub) add(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.clients[c] = true
	return nil
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// readPump discards viewer input and notices disconnects
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.config.AllowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func parseTypes(s string) map[events.Type]bool {
	if s == "" {
		return nil
	}
	out := make(map[events.Type]bool)
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[events.Type(t)] = true
		}
	}
	return out
}
