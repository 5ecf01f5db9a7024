package services

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DispatchEvent 投递结果事件，推送给订阅日志流的客户端
type DispatchEvent struct {
	Type           string    `json:"type"` // dispatch.sent, dispatch.failed
	LogID          uint      `json:"log_id"`
	AutomationID   uint      `json:"automation_id"`
	InvocationID   string    `json:"invocation_id"`
	RecipientEmail string    `json:"recipient_email"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type eventClient struct {
	id           string
	automationID uint // 0 = all rules
	conn         *websocket.Conn
	send         chan DispatchEvent
	hub          *DispatchEventHub
}

// DispatchEventHub fans dispatch events out to websocket subscribers.
type DispatchEventHub struct {
	clients    map[string]*eventClient
	broadcast  chan DispatchEvent
	register   chan *eventClient
	unregister chan *eventClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var eventUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewDispatchEventHub(logger *logrus.Logger) *DispatchEventHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &DispatchEventHub{
		clients:    make(map[string]*eventClient),
		broadcast:  make(chan DispatchEvent, 256),
		register:   make(chan *eventClient),
		unregister: make(chan *eventClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run 处理注册/注销/广播，直到 ctx 结束
func (h *DispatchEventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c.id] = c
			h.mutex.Unlock()
			h.logger.Debugf("dispatch stream: client %s connected", c.id)

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mutex.Unlock()

		case evt := <-h.broadcast:
			h.mutex.Lock()
			for id, c := range h.clients {
				if c.automationID != 0 && c.automationID != evt.AutomationID {
					continue
				}
				select {
				case c.send <- evt:
				default:
					// 慢客户端直接断开
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Publish never blocks the dispatch path; events are dropped when the buffer is full.
func (h *DispatchEventHub) Publish(evt DispatchEvent) {
	if h == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Debug("dispatch stream: buffer full, event dropped")
	}
}

func (h *DispatchEventHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request; ?automation_id= narrows the feed to one rule.
func (h *DispatchEventHub) HandleWebSocket(c *gin.Context) {
	var automationID uint
	if raw := c.Query("automation_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid automation_id"})
			return
		}
		automationID = uint(id)
	}

	conn, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("dispatch stream: upgrade failed: %v", err)
		return
	}

	client := &eventClient{
		id:           uuid.NewString(),
		automationID: automationID,
		conn:         conn,
		send:         make(chan DispatchEvent, 64),
		hub:          h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only drains control frames; subscribers never send data.
func (c *eventClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugf("dispatch stream: %v", err)
			}
			return
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
