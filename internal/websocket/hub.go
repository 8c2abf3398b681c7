package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/middleware"
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 无 Origin 视为同源或非浏览器客户端
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeNewMail MessageType = "new_mail"
	MessageTypePing    MessageType = "ping"
	MessageTypePong    MessageType = "pong"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	BotID     string          `json:"botId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID    string
	BotID string
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
	log   *zap.Logger
}

// Hub 管理所有WebSocket连接。
// 每个连接以其认证通过的 Bot 为订阅范围，入站邮件到达时
// 推送给该 Bot 的全部连接。
type Hub struct {
	clients    map[string]map[string]*Client // botID -> clientID -> Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage
	mu         sync.RWMutex
	log        *zap.Logger
	upgrader   websocket.Upgrader
	connGauge  prometheus.Gauge // 可选，连接数指标
}

// SetConnectionsGauge 设置连接数指标
func (h *Hub) SetConnectionsGauge(gauge prometheus.Gauge) {
	h.connGauge = gauge
}

type broadcastMessage struct {
	botID   string
	message *Message
}

// NewHub 创建WebSocket Hub
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return &Hub{
		clients:    make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
		log:        log,
		upgrader:   upgraderFactory(allowedOrigins),
	}
}

// Run 启动Hub
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.BotID] == nil {
				h.clients[client.BotID] = make(map[string]*Client)
			}
			h.clients[client.BotID][client.ID] = client
			h.mu.Unlock()
			if h.connGauge != nil {
				h.connGauge.Inc()
			}
			h.log.Info("client registered",
				zap.String("id", client.ID),
				zap.String("botId", client.BotID))

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.BotID]; ok {
				if _, exists := clients[client.ID]; exists {
					delete(clients, client.ID)
					if len(clients) == 0 {
						delete(h.clients, client.BotID)
					}
					close(client.send)
					if h.connGauge != nil {
						h.connGauge.Dec()
					}
					h.log.Info("client unregistered", zap.String("id", client.ID))
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.broadcastToBot(msg.botID, msg.message)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// NewMailData 新邮件通知数据
type NewMailData struct {
	MessageID   string `json:"messageId"`
	ThreadID    string `json:"threadId"`
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	Subject     string `json:"subject"`
	Preview     string `json:"preview,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// previewText 截取正文前 n 个字符作为预览，在字符边界截断，
// 避免多字节字符被切成非法 UTF-8。
func previewText(body string, n int) string {
	runes := []rune(body)
	if len(runes) <= n {
		return body
	}
	return string(runes[:n])
}

// NotifyInbound 推送入站邮件通知，实现 service.InboundNotifier。
func (h *Hub) NotifyInbound(botID string, message *domain.Message) {
	preview := previewText(message.BodyText, 100)

	data, err := json.Marshal(NewMailData{
		MessageID:   message.ID,
		ThreadID:    message.ThreadID,
		FromAddress: message.FromAddress,
		ToAddress:   message.ToAddress,
		Subject:     message.Subject,
		Preview:     preview,
		CreatedAt:   message.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		h.log.Error("failed to marshal new mail data", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- &broadcastMessage{
		botID: botID,
		message: &Message{
			Type:      MessageTypeNewMail,
			BotID:     botID,
			Data:      data,
			Timestamp: time.Now(),
		},
	}:
	default:
		h.log.Warn("broadcast channel full, dropping notification",
			zap.String("botId", botID))
	}
}

// HandleWS 处理 WebSocket 升级请求。
// 调用方必须先经过 Bot 认证中间件。
func (h *Hub) HandleWS(c *gin.Context) {
	bot, ok := middleware.BotFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code": http.StatusUnauthorized,
			"msg":  "authentication required",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:    uuid.NewString(),
		BotID: bot.ID,
		conn:  conn,
		send:  make(chan []byte, 64),
		hub:   h,
		log:   h.log,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) broadcastToBot(botID string, msg *Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients[botID] {
		select {
		case client.send <- payload:
		default:
			// 发送缓冲已满的客户端直接跳过
			h.log.Warn("client send buffer full",
				zap.String("id", client.ID))
		}
	}
}

func (h *Hub) pingAllClients() {
	payload, _ := json.Marshal(&Message{
		Type:      MessageTypePing,
		Timestamp: time.Now(),
	})

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, clients := range h.clients {
		for _, client := range clients {
			select {
			case client.send <- payload:
			default:
			}
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.clients {
		for _, client := range clients {
			close(client.send)
			_ = client.conn.Close()
		}
	}
	h.clients = make(map[string]map[string]*Client)
}

// ConnectionCount 当前连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// readPump 读取客户端消息，仅处理 pong 与关闭
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == MessageTypePong {
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

// writePump 向客户端写入消息
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
