package jam

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"JamFM/cache"
	"JamFM/logger"

	"github.com/gorilla/websocket"
)

// EventType 广播事件类型
type EventType string

const (
	// 系统事件
	EventPing EventType = "ping" // 心跳
	EventPong EventType = "pong" // 心跳响应

	// 会话事件
	EventStateUpdate       EventType = "state_update"       // 主持人播放状态补丁
	EventParticipantJoined EventType = "participant_joined" // 有参与者加入
	EventParticipantLeft   EventType = "participant_left"   // 有参与者离开
	EventEnded             EventType = "ended"              // 会话结束（终态）
)

// Event 会话频道上的广播消息
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	UserID    int64           `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Broadcaster 会话事件的发布接口。Hub 是生产实现，测试里用假实现。
type Broadcaster interface {
	BroadcastEvent(sessionID string, evt *Event, excludeUserID int64) error
	CloseSession(sessionID string)
}

// Client WebSocket 客户端连接
type Client struct {
	Hub       *Hub
	Conn      *websocket.Conn
	Send      chan []byte
	SessionID string
	UserID    int64
	Username  string
}

// Hub 会话 WebSocket 管理中心，按会话ID做命名空间隔离的扇出。
type Hub struct {
	// 会话 -> 客户端集合
	sessions map[string]map[*Client]bool

	// 用户 -> 客户端（一个用户在一个会话只保留一个连接）
	userClients map[string]*Client // key: sessionID:userID

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu sync.RWMutex

	done chan struct{}
}

type broadcastMessage struct {
	SessionID string
	Message   []byte
	ExcludeID int64 // 不向该用户回发（通常是写入方自己）
}

// NewHub 创建会话 Hub
func NewHub() *Hub {
	return &Hub{
		sessions:    make(map[string]map[*Client]bool),
		userClients: make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *broadcastMessage, 256),
		done:        make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.broadcastToSession(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessionID := client.SessionID
	userKey := h.userKey(sessionID, client.UserID)

	// 同一用户重复连接时踢掉旧连接
	if oldClient, exists := h.userClients[userKey]; exists {
		h.removeClient(oldClient)
	}

	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*Client]bool)
	}
	h.sessions[sessionID][client] = true
	h.userClients[userKey] = client

	// 刷新 Redis 心跳
	ctx := context.Background()
	sessionCache := cache.NewSessionCache()
	if err := sessionCache.TouchPresence(ctx, sessionID, client.UserID); err != nil {
		logger.Warn("failed to touch presence on register",
			logger.ErrorField(err),
			logger.String("session", sessionID),
			logger.Int64("user", client.UserID))
	}

	logger.Info("client registered",
		logger.String("session", sessionID),
		logger.Int64("user", client.UserID),
		logger.String("username", client.Username))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeClient(client)
}

// removeClient 移除客户端（内部方法，需要持有锁）
func (h *Hub) removeClient(client *Client) {
	sessionID := client.SessionID
	userKey := h.userKey(sessionID, client.UserID)

	if _, ok := h.sessions[sessionID]; ok {
		if _, ok := h.sessions[sessionID][client]; ok {
			delete(h.sessions[sessionID], client)
			close(client.Send)

			if len(h.sessions[sessionID]) == 0 {
				delete(h.sessions, sessionID)
			}
		}
	}

	delete(h.userClients, userKey)

	logger.Info("client unregistered",
		logger.String("session", sessionID),
		logger.Int64("user", client.UserID))
}

func (h *Hub) broadcastToSession(msg *broadcastMessage) {
	h.mu.RLock()
	clients, ok := h.sessions[msg.SessionID]
	if !ok {
		h.mu.RUnlock()
		return
	}

	// 复制客户端列表以避免长时间持有锁
	clientList := make([]*Client, 0, len(clients))
	for client := range clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	for _, client := range clientList {
		if msg.ExcludeID > 0 && client.UserID == msg.ExcludeID {
			continue
		}

		select {
		case client.Send <- msg.Message:
		default:
			// 发送缓冲区满视为死连接，就地摘除。
			// 不能走 unregister 通道，主循环此刻正停在这里。
			h.mu.Lock()
			h.removeClient(client)
			h.mu.Unlock()
		}
	}
}

// cleanup 清理所有连接
func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.sessions {
		for client := range clients {
			close(client.Send)
		}
	}
	h.sessions = make(map[string]map[*Client]bool)
	h.userClients = make(map[string]*Client)
}

func (h *Hub) userKey(sessionID string, userID int64) string {
	return fmt.Sprintf("%s:%d", sessionID, userID)
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastEvent 向会话频道广播事件
func (h *Hub) BroadcastEvent(sessionID string, evt *Event, excludeUserID int64) error {
	evt.SessionID = sessionID
	evt.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	h.broadcast <- &broadcastMessage{
		SessionID: sessionID,
		Message:   data,
		ExcludeID: excludeUserID,
	}
	return nil
}

// CloseSession 会话结束后断开该会话的所有连接
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	for client := range clients {
		delete(h.sessions[sessionID], client)
		delete(h.userClients, h.userKey(sessionID, client.UserID))
		close(client.Send)
	}
	delete(h.sessions, sessionID)

	logger.Info("session channel closed", logger.String("session", sessionID))
}

// SessionClientCount 获取会话当前连接数
func (h *Hub) SessionClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.sessions[sessionID])
}

// ========== Client 方法 ==========

// ReadPump 读取消息循环。会话频道是单向扇出，客户端只会发 ping。
func (c *Client) ReadPump(ctx context.Context, presence *PresenceTracker) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096) // 4KB
	c.Conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.Conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn("websocket read error",
						logger.ErrorField(err),
						logger.String("session", c.SessionID),
						logger.Int64("user", c.UserID))
				}
				return
			}

			var evt Event
			if err := json.Unmarshal(message, &evt); err != nil {
				logger.Warn("invalid message format",
					logger.ErrorField(err),
					logger.String("session", c.SessionID))
				continue
			}

			// 应用层心跳：刷新在线状态并回 pong
			if evt.Type == EventPing {
				presence.Heartbeat(ctx, c.SessionID, c.UserID)

				pong := &Event{Type: EventPong, Timestamp: time.Now().UnixMilli()}
				if data, err := json.Marshal(pong); err == nil {
					select {
					case c.Send <- data:
					default:
					}
				}
			}
		}
	}
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 合并发送队列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
