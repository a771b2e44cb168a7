package handlers

import (
	"net/http"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"

	ws "roadwatch/websocket"
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// LiveHandler upgrades /ws/live connections and attaches them to the hub.
type LiveHandler struct {
	hub *ws.Hub
}

func NewLiveHandler(hub *ws.Hub) *LiveHandler {
	return &LiveHandler{hub: hub}
}

func (h *LiveHandler) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("Failed to upgrade connection to WebSocket: %v", err)
		return
	}
	h.hub.Register(conn)
}
