package game

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

type Client struct {
	conn     *websocket.Conn
	playerID string
	mu       sync.Mutex
}

// Hub fans round events out to every connected player.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan interface{}
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan interface{}, 100),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] Client connected: %s (Total: %d)", client.playerID, total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
				log.Printf("[WS] Client disconnected: %s (Total: %d)", client.playerID, len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			jsonMessage, err := json.Marshal(message)
			if err != nil {
				log.Printf("[WS] Marshal error: %v", err)
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				go client.Send(jsonMessage) // Non-blocking send
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) Broadcast(message interface{}) {
	select {
	case h.broadcast <- message:
	default:
		log.Println("[WS] Broadcast channel full, dropping message")
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send marshals and writes one frame. Every write to the connection goes
// through here; the mutex keeps hub broadcasts and per-request replies from
// writing concurrently.
func (c *Client) Send(message interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var data []byte
	var err error

	switch v := message.(type) {
	case []byte:
		data = v
	default:
		data, err = json.Marshal(v)
		if err != nil {
			log.Printf("[WS] Send marshal error: %v", err)
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[WS] Write error for player %s: %v", c.playerID, err)
	}
}

// SendInitialState delivers the current round to a freshly connected client.
func (c *Client) SendInitialState(state *RoundState) {
	if state != nil {
		c.Send(WSMessage{Type: "initial_state", Data: state})
	}
}

func (h *Hub) RegisterClient(conn *websocket.Conn, playerID string) *Client {
	client := &Client{
		conn:     conn,
		playerID: playerID,
	}
	h.register <- client
	return client
}

func (h *Hub) UnregisterClient(conn *websocket.Conn) {
	h.mu.RLock()
	for client := range h.clients {
		if client.conn == conn {
			h.mu.RUnlock()
			h.unregister <- client
			return
		}
	}
	h.mu.RUnlock()
}
