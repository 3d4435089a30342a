package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
)

const (
	clientBuffer   = 64
	broadcastQueue = 256
	writeTimeout   = 10 * time.Second
)

// Hub fans status messages out to websocket clients. A client whose send
// buffer is full is disconnected rather than slowing the broadcaster.
type Hub struct {
	broadcast  chan any
	register   chan client
	unregister chan client
	origins    []string
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	pumps  sync.WaitGroup

	mu      sync.Mutex
	clients int
	stopped bool
}

// client allows both websocket connections and in-process subscribers.
// Closing the send channel tells the client to go away.
type client interface {
	sendChannel() chan []byte
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
}

func (c *wsClient) sendChannel() chan []byte { return c.send }

func (c *wsClient) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
}

// NewHub creates a hub. originPatterns lists the hosts allowed to open a
// websocket from a browser; same-host requests are always allowed.
func NewHub(originPatterns []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		broadcast:  make(chan any, broadcastQueue),
		register:   make(chan client),
		unregister: make(chan client),
		origins:    originPatterns,
		logger:     logger.Named("hub"),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until Stop.
func (h *Hub) Run() {
	defer close(h.done)
	clients := make(map[client]bool)
	remove := func(c client) {
		if clients[c] {
			delete(clients, c)
			close(c.sendChannel())
		}
		h.setClients(len(clients))
	}

	for {
		select {
		case c := <-h.register:
			clients[c] = true
			h.setClients(len(clients))
			h.logger.Debug("websocket client connected", zap.Int("clients", len(clients)))

		case c := <-h.unregister:
			remove(c)
			h.logger.Debug("websocket client disconnected", zap.Int("clients", len(clients)))

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("failed to marshal broadcast", zap.Error(err))
				continue
			}
			for c := range clients {
				select {
				case c.sendChannel() <- data:
				default:
					h.logger.Warn("websocket client too slow, disconnecting")
					remove(c)
				}
			}

		case <-h.ctx.Done():
			for c := range clients {
				remove(c)
			}
			return
		}
	}
}

func (h *Hub) setClients(n int) {
	h.mu.Lock()
	h.clients = n
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients
}

// Stop disconnects every client and waits for the hub and its connection
// goroutines to exit. Run must have been started.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	h.cancel()
	<-h.done
	h.pumps.Wait()
}

// Broadcast queues v for every client. It never blocks; when the queue is
// full the message is dropped.
func (h *Hub) Broadcast(v any) {
	if h.ctx.Err() != nil {
		return
	}
	select {
	case h.broadcast <- v:
	default:
		h.logger.Warn("broadcast queue full, dropping message")
	}
}

func (h *Hub) add(c client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) remove(c client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Subscribe registers an in-process client and returns its message channel.
// The channel is closed when the client is dropped or the hub stops.
func (h *Hub) Subscribe(buffer int) (<-chan []byte, func()) {
	c := &chanClient{send: make(chan []byte, max(buffer, 1))}
	if !h.add(c) {
		close(c.send)
		return c.send, func() {}
	}
	return c.send, func() { h.remove(c) }
}

type chanClient struct {
	send chan []byte
}

func (c *chanClient) sendChannel() chan []byte { return c.send }

// ServeHTTP upgrades the request and streams broadcasts to the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	h.pumps.Add(2)
	if !h.add(c) {
		h.pumps.Add(-2)
		_ = conn.Close(websocket.StatusGoingAway, "shutting down") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *wsClient) writePump() {
	defer c.hub.pumps.Done()
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	for msg := range c.send {
		ctx, cancel := context.WithTimeout(c.hub.ctx, writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()
		if err != nil {
			return
		}
	}
}

// readPump drains client frames so that disconnects are noticed.
func (c *wsClient) readPump() {
	defer c.hub.pumps.Done()
	defer c.hub.remove(c)

	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}
