package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
	requestTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 前端和 API 可能不同源部署，Origin 校验交给外层网关
	CheckOrigin: func(*http.Request) bool { return true },
}

// Client 是一个 WebSocket 订阅者，读写各一个循环
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// ServeWS 升级连接并接入订阅者集合，连上立即收到一份最新文章快照
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("warn: websocket upgrade failed: %v", err)
		return
	}
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	// 中心已停止时事件循环不再消费注册，直接挂断，不能让 handler 卡死
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// 快照要在读循环启动前入队，避免与断开清理竞争
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	c.sendLatest(ctx)
	cancel()

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("warn: websocket read: %v", err)
			}
			return
		}
		c.handle(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle 处理客户端指令。指令有问题只回 error 消息，连接保持打开
func (c *Client) handle(raw []byte) {
	var req struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("Invalid JSON format")
		return
	}
	if req.Type == "" {
		req.Type = "unknown"
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch req.Type {
	case "get_latest":
		c.sendLatest(ctx)
	case "get_stats":
		c.sendStats(ctx)
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

// sendLatest 发送最新文章列表，数据层出错只记日志不回消息
func (c *Client) sendLatest(ctx context.Context) {
	articles, err := c.hub.store.RecentArticles(ctx, snapshotLimit)
	if err != nil {
		log.Printf("warn: load latest articles failed: %v", err)
		return
	}
	c.enqueue(Message{Type: "latest_articles", Data: articles})
}

func (c *Client) sendStats(ctx context.Context) {
	stats, err := c.hub.store.Stats(ctx)
	if err != nil {
		log.Printf("warn: load stats failed: %v", err)
		return
	}
	c.enqueue(Message{Type: "stats", Data: stats})
}

func (c *Client) sendError(msg string) {
	c.enqueue(Message{Type: "error", Message: msg})
}

func (c *Client) enqueue(m Message) {
	bs, err := json.Marshal(m)
	if err != nil {
		return
	}
	select {
	case c.send <- bs:
	default:
		// 队列满说明连接已经跟不上，收尾交给写循环和注销流程
	}
}
