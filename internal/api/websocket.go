package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // read-only stream; CORS policy lives on the REST surface
	},
}

// Hub fans mesh lifecycle events out to connected websocket clients:
// peers joining and leaving, task lifecycle, anomaly detections,
// blacklist updates, issuance finalization, anchor state changes.
type Hub struct {
	log       *zap.Logger
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:       log.Named("stream"),
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Run drains the broadcast channel until it is closed. A write
// deadline keeps one blocked client from stalling the fan-out.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Debug("Websocket write failed, dropping client", zap.Error(err))
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades the connection and registers the client. The
// stream only pushes; reads exist solely to notice disconnects.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()
	h.log.Info("Stream client connected", zap.Int("clients", total))

	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			total := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			h.log.Info("Stream client disconnected", zap.Int("clients", total))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Debug("Websocket read error", zap.Error(err))
				}
				break
			}
		}
	}()
}

// Broadcast queues raw bytes for every client. Drops the message when
// the queue is full rather than block an event producer.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
	}
}

// BroadcastEvent wraps data in the stream envelope. The signature
// matches the event-sink hooks on the mesh, scheduler and defender, so
// the composition root can hand it straight to them.
func (h *Hub) BroadcastEvent(event string, data any) {
	payload, err := json.Marshal(gin.H{
		"type": event,
		"data": data,
		"atMs": time.Now().UnixMilli(),
	})
	if err != nil {
		h.log.Warn("Stream event marshal failed", zap.String("type", event), zap.Error(err))
		return
	}
	h.Broadcast(payload)
}
