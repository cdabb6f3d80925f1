package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/KodaTao/daily-assistant/server/config"
	"github.com/KodaTao/daily-assistant/server/notify"
)

// WSMessage 下行通知与心跳
type WSMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client 一个浏览器标签页或终端客户端的连接
type Client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
		c.conn.Close()
	}
}

// Hub 按 owner 管理通知连接，同一用户可以有多个连接
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	cfg     *config.WebSocketConfig
	log     logrus.FieldLogger
}

func NewHub(cfg *config.WebSocketConfig, log logrus.FieldLogger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		cfg:     cfg,
		log:     log,
	}
}

var (
	ErrNoClient       = &HubError{"no client connected"}
	ErrSendBufferFull = &HubError{"send buffer full"}
)

type HubError struct {
	msg string
}

func (e *HubError) Error() string { return e.msg }

// ClientCount 某用户当前的连接数
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// SendToUser 发给该用户的全部连接；只要有一个连接收下就算成功
func (h *Hub) SendToUser(userID string, msg *WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNoClient
	}

	var lastErr error
	delivered := 0
	for _, client := range targets {
		client.mu.Lock()
		if client.closed {
			client.mu.Unlock()
			lastErr = ErrNoClient
			continue
		}
		select {
		case client.send <- data:
			delivered++
		default:
			lastErr = ErrSendBufferFull
		}
		client.mu.Unlock()
	}
	if delivered == 0 {
		return lastErr
	}
	return nil
}

// Deliver 实现 notify.Sink
func (h *Hub) Deliver(n notify.Notification) {
	err := h.SendToUser(n.UserID, &WSMessage{Type: n.Type, ID: n.ID})
	if err != nil && err != ErrNoClient {
		h.log.WithError(err).WithField("user_id", n.UserID).Warn("[WS] deliver failed")
	}
}

// HandleWS 处理 WebSocket 连接请求，需在 Auth 之后
func (h *Hub) HandleWS(c *gin.Context) {
	userID := c.GetString(userIDKey)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("[WS] upgrade error")
		return
	}

	client := &Client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}

	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][client] = struct{}{}
	h.mu.Unlock()

	h.log.WithField("user_id", userID).Info("[WS] client connected")

	go h.writePump(client)
	go h.pingPump(client)
	h.readPump(client)
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if set, ok := h.clients[client.userID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.clients, client.userID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) readDeadline() time.Duration {
	return time.Duration(h.cfg.PingInterval+h.cfg.PongTimeout) * time.Second
}

// readPump 只关心 PONG，用来刷新读超时
func (h *Hub) readPump(client *Client) {
	defer func() {
		h.unregister(client)
		client.Close()
		h.log.WithField("user_id", client.userID).Info("[WS] client disconnected")
	}()

	client.conn.SetReadDeadline(time.Now().Add(h.readDeadline()))

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Warn("[WS] read error")
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.WithError(err).Warn("[WS] invalid message")
			continue
		}

		// 收到任何消息都刷新读超时（证明连接活跃）
		client.conn.SetReadDeadline(time.Now().Add(h.readDeadline()))
	}
}

// writePump 将消息写入 WebSocket 连接
func (h *Hub) writePump(client *Client) {
	for data := range client.send {
		client.mu.Lock()
		if client.closed {
			client.mu.Unlock()
			return
		}
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()

		if err != nil {
			h.log.WithError(err).Warn("[WS] write error")
			return
		}
	}
}

// pingPump 定期发送应用层 PING 心跳
// 客户端收到后回复应用层 PONG（JSON 文本），由 readPump 刷新读超时
func (h *Hub) pingPump(client *Client) {
	ticker := time.NewTicker(time.Duration(h.cfg.PingInterval) * time.Second)
	defer ticker.Stop()

	data, _ := json.Marshal(&WSMessage{Type: "PING"})
	for {
		<-ticker.C

		client.mu.Lock()
		if client.closed {
			client.mu.Unlock()
			return
		}
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()

		if err != nil {
			h.log.WithError(err).Warn("[WS] ping error")
			return
		}
	}
}
