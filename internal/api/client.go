package api

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/natemellendorf/wt-tracker/internal/metrics"
	"github.com/natemellendorf/wt-tracker/internal/model"
	"github.com/natemellendorf/wt-tracker/internal/shard"
	"github.com/natemellendorf/wt-tracker/internal/tracker"
)

// Client represents a connected WebSocket client. It is the connection
// handle passed to the engine or the shard router.
type Client struct {
	tracker.PeerSet
	shard.Endpoints

	ID     string
	Server string
	Conn   *websocket.Conn
	Send   chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps conn for the listener named server.
func NewClient(conn *websocket.Conn, server string, queue int) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Server: server,
		Conn:   conn,
		Send:   make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

// SendMessage queues msg without blocking. It reports false when the message
// was dropped because the client is closed or its queue is full.
func (c *Client) SendMessage(msg model.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		metrics.IncrementDropped()
		return false
	}
}

// Close closes the socket. The read pump then tears the client down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ClientRegistry tracks connected clients per listener.
type ClientRegistry struct {
	mu       sync.RWMutex
	byServer map[string]map[*Client]bool
	count    int
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{byServer: make(map[string]map[*Client]bool)}
}

// Register adds client.
func (r *ClientRegistry) Register(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byServer[client.Server] == nil {
		r.byServer[client.Server] = make(map[*Client]bool)
	}
	if !r.byServer[client.Server][client] {
		r.byServer[client.Server][client] = true
		r.count++
		metrics.ConnectionsCurrent.Inc()
	}
}

// Unregister removes client.
func (r *ClientRegistry) Unregister(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clients, ok := r.byServer[client.Server]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(r.byServer, client.Server)
	}
	r.count--
	metrics.ConnectionsCurrent.Dec()
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// CountServer returns the number of clients connected to server.
func (r *ClientRegistry) CountServer(server string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byServer[server])
}
