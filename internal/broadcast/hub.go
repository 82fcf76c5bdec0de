// Package broadcast fans engine events out to websocket clients. Delivery
// is fire and forget: a client whose send buffer is full is dropped rather
// than allowed to stall the event pipeline.
package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opengov/budgetcore/internal/events"
	"github.com/opengov/budgetcore/internal/system"
	"github.com/opengov/budgetcore/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Event payloads carry no credentials; cross-origin dashboards may
	// subscribe.
	CheckOrigin: func(*http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan events.Event
}

// Hub subscribes to the event log and pushes each event to every connected
// websocket client.
type Hub struct {
	log      *logger.Logger
	eventLog events.Log

	mu          sync.Mutex
	clients     map[*client]struct{}
	unsubscribe func()
	running     bool
	wg          sync.WaitGroup
}

var _ system.Service = (*Hub)(nil)

// NewHub constructs a hub over the given event log.
func NewHub(eventLog events.Log, log *logger.Logger) *Hub {
	if eventLog == nil {
		eventLog = events.NoOp{}
	}
	if log == nil {
		log = logger.NewDefault("broadcast")
	}
	return &Hub{
		log:      log,
		eventLog: eventLog,
		clients:  make(map[*client]struct{}),
	}
}

func (h *Hub) Name() string { return "broadcast" }

// Start subscribes to the event log.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	h.unsubscribe = h.eventLog.Subscribe(h.publish)
	h.running = true
	h.log.Info("broadcast hub started")
	return nil
}

// Stop unsubscribes and closes all client connections.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	conns := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		close(c.send)
	}
	h.wg.Wait()
	h.log.Info("broadcast hub stopped")
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// publish delivers one event to every client, dropping clients that cannot
// keep up.
func (h *Hub) publish(event events.Event) {
	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			slow = append(slow, c)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		close(c.send)
		h.log.Warn("dropping slow websocket client")
	}
}

// ServeHTTP upgrades the request to a websocket and streams events until the
// client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan events.Event, sendBufferSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(2)
	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
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

// readLoop drains the connection so pings are answered and close frames are
// seen; inbound payloads are ignored.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if present {
		close(c.send)
	}
}
