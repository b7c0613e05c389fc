package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"mixdeck/core/playback"
	"mixdeck/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageType 消息类型
type MessageType string

const (
	// 服务端 -> 客户端
	MsgTypeSync  MessageType = "sync"  // 连接时的完整快照
	MsgTypeEvent MessageType = "event" // 协调器事件
	MsgTypeError MessageType = "error"
	MsgTypePong  MessageType = "pong"

	// 客户端 -> 服务端
	MsgTypePing        MessageType = "ping"
	MsgTypePlay        MessageType = "play"
	MsgTypePause       MessageType = "pause"
	MsgTypeStop        MessageType = "stop"
	MsgTypeTogglePlay  MessageType = "toggle_play"
	MsgTypeSeek        MessageType = "seek"
	MsgTypeToggleTrack MessageType = "toggle_track"
	MsgTypeVolume      MessageType = "volume"
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// SeekData 跳转参数
type SeekData struct {
	Time *float64 `json:"time"`
}

// TrackData 音轨开关与音量参数
type TrackData struct {
	TrackID string   `json:"trackId"`
	Enabled *bool    `json:"enabled,omitempty"`
	Gain    *float64 `json:"gain,omitempty"`
}

func newMessage(t MessageType, v interface{}) ([]byte, error) {
	msg := WSMessage{Type: t, Timestamp: time.Now().UnixMilli()}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}
	return json.Marshal(msg)
}

// Client WebSocket 客户端
type Client struct {
	ID   string
	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte
}

// NewClient 创建客户端
func NewClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.New().String(),
		Hub:  h,
		Conn: conn,
		Send: make(chan []byte, 256),
	}
}

// Hub 把协调器事件广播给所有 WebSocket 客户端
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu   sync.RWMutex
	done chan struct{}
	once sync.Once
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Info("client registered", logger.String("client", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeClient(client)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.broadcastAll(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub，可重复调用
func (h *Hub) Stop() {
	h.once.Do(func() {
		close(h.done)
	})
}

// removeClient 需要持有锁
func (h *Hub) removeClient(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.Send)
		logger.Info("client unregistered", logger.String("client", client.ID))
	}
}

func (h *Hub) broadcastAll(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.Send <- msg:
		default:
			// 发送缓冲区满，断开连接；ReadPump 退出时注销
			logger.Warn("client too slow, disconnecting", logger.String("client", client.ID))
			client.Conn.Close()
		}
	}
}

func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]bool)
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnEvent 作为协调器监听器使用。不阻塞：广播队列满时丢弃事件。
func (h *Hub) OnEvent(e playback.Event) {
	data, err := newMessage(MsgTypeEvent, e)
	if err != nil {
		logger.Warn("encode event failed", logger.ErrorField(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		logger.Warn("event dropped, broadcast queue full", logger.String("type", string(e.Type)))
	}
}

// SendMessage 发送消息给客户端，缓冲区满时丢弃
func (c *Client) SendMessage(t MessageType, v interface{}) error {
	data, err := newMessage(t, v)
	if err != nil {
		return err
	}
	select {
	case c.Send <- data:
	default:
	}
	return nil
}

// ReadPump 读取消息循环
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, client *Client, msg *WSMessage)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error",
					logger.ErrorField(err),
					logger.String("client", c.ID))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("invalid message format",
				logger.ErrorField(err),
				logger.String("client", c.ID))
			continue
		}

		if msg.Type == MsgTypePing {
			c.SendMessage(MsgTypePong, nil)
			continue
		}
		handler(ctx, c, &msg)
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

			// 合并发送队列中的消息，以换行分隔
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
