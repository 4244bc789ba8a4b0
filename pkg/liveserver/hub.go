package liveserver

import (
	"context"
	"encoding/json"
	"sync"

	"streamhub/internal/core"
)

// Client represents a WebSocket client connection
type Client struct {
	id     string
	user   core.UserID
	send   chan Message
	mu     sync.Mutex
	closed bool
}

// NewClient creates a new client owned by a user
func NewClient(id string, user core.UserID) *Client {
	return &Client{
		id:   id,
		user: user,
		send: make(chan Message, 256), // Buffered to prevent blocking
	}
}

// Send sends a message to the client (non-blocking)
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		// Channel full, client is slow
		return false
	}
}

// GetSendChan returns the send channel for reading
func (c *Client) GetSendChan() <-chan Message {
	return c.send
}

// Close closes the client
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub manages WebSocket client connections, routed per owning user
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients grouped by owning user
	byUser map[core.UserID]map[*Client]struct{}

	// Register client
	register chan *Client

	// Unregister client
	unregister chan *Client

	// Mutex for client maps
	mu sync.RWMutex

	// Logger (optional)
	logger Logger
}

// Logger is a simple logging interface
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// NewHub creates a new Hub
func NewHub(logger Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byUser:     make(map[core.UserID]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Shutdown: close all clients
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				h.removeLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			owned, ok := h.byUser[client.user]
			if !ok {
				owned = make(map[*Client]struct{})
				h.byUser[client.user] = owned
			}
			owned[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("Client registered", "client_id", client.id, "user", client.user, "total_clients", total)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				h.removeLocked(client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			if ok && h.logger != nil {
				h.logger.Info("Client unregistered", "client_id", client.id, "user", client.user, "total_clients", total)
			}
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client)
	if owned, ok := h.byUser[client.user]; ok {
		delete(owned, client)
		if len(owned) == 0 {
			delete(h.byUser, client.user)
		}
	}
}

// Register registers a client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// PushToUser delivers a message to every connected client of one user.
// Reports whether at least one client accepted it. Implements the
// notification push surface.
func (h *Hub) PushToUser(user core.UserID, messageType string, data json.RawMessage) bool {
	h.mu.RLock()
	owned := h.byUser[user]
	clientList := make([]*Client, 0, len(owned))
	for client := range owned {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	delivered := false
	for _, client := range clientList {
		if client.Send(Message{Type: messageType, Data: data}) {
			delivered = true
			continue
		}
		// Client is slow or disconnected, unregister
		select {
		case h.unregister <- client:
		default:
		}
	}
	return delivered
}

// Broadcast sends a message to every connected client
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	clientList := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	for _, client := range clientList {
		if !client.Send(msg) {
			select {
			case h.unregister <- client:
			default:
			}
		}
	}
}

// ClientCount returns the current number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserCount returns the number of distinct users with a live connection
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser)
}
