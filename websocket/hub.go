package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"

	"roadwatch/models"
)

// BroadcastMessage is the envelope pushed to every live map client.
type BroadcastMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans stored detections out to connected admin map clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mutex          sync.RWMutex
	broadcastCount int
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run is the hub's main loop; call it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			log.Infof("Live map client connected, %d total", h.ClientCount())

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			log.Infof("Live map client disconnected, %d total", h.ClientCount())

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.broadcastCount++
			h.mutex.Unlock()
		}
	}
}

// BroadcastDetection pushes one freshly stored detection to all clients.
func (h *Hub) BroadcastDetection(rec models.StoredDetectionRecord) {
	msg := BroadcastMessage{
		Type:      "detection",
		Data:      rec,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("Failed to serialize detection broadcast: %v", err)
		return
	}
	h.broadcast <- data
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Register attaches a freshly upgraded connection and starts its pumps.
func (h *Hub) Register(conn *websocket.Conn) {
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.register <- client
	go client.writePump()
	go client.readPump()
}
