// Package hub 维护 WebSocket 订阅者集合，把新入库的文章实时推给前端。
// 所有共享状态都收在 Run 的单个事件循环里，注册、注销和广播通过通道串行化
package hub

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/LJTian/NewsHub/internal/storage"
)

const (
	// 每次推送携带的文章条数
	publishLimit = 10
	// 连接建立与 get_latest 指令返回的快照条数
	snapshotLimit = 20
	// 广播队列长度，推送频率远低于消费速度，满了说明整体已经不健康
	broadcastBuffer = 16
)

// Snapshotter 提供推送所需的只读数据
type Snapshotter interface {
	RecentArticles(ctx context.Context, limit int) ([]storage.ArticleView, error)
	Stats(ctx context.Context) (*storage.ArticleStats, error)
}

// Message 是下行消息的统一信封
type Message struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// updatePayload 是 news_update 推送的内容
type updatePayload struct {
	Articles  []storage.ArticleView `json:"articles"`
	Timestamp time.Time             `json:"timestamp"`
}

type Hub struct {
	store Snapshotter

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	// clients 只在 Run 循环里读写
	clients map[*Client]bool
	done    chan struct{}
}

func New(store Snapshotter) *Hub {
	return &Hub{
		store:      store,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, broadcastBuffer),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// Run 驱动订阅者集合直到 ctx 取消。必须先于 ServeWS 启动
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				c.conn.Close()
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			log.Printf("websocket client connected (%d online)", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				log.Printf("websocket client disconnected (%d online)", len(h.clients))
			}
			// send 只在这里关闭一次，写循环靠它退出
			close(c.send)

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// 消费不过来的订阅者直接断开，不拖慢其他人；
					// 它的读循环随后会走正常的注销流程
					delete(h.clients, c)
					c.conn.Close()
				}
			}
		}
	}
}

// PublishLatest 把最新文章广播给全部订阅者。入库批次出现新文章后由流水线调用，
// 送达是尽力而为：每个在线订阅者至多收到一次
func (h *Hub) PublishLatest(ctx context.Context) {
	articles, err := h.store.RecentArticles(ctx, publishLimit)
	if err != nil {
		log.Printf("warn: load articles for push failed: %v", err)
		return
	}
	bs, err := json.Marshal(Message{Type: "news_update", Data: updatePayload{
		Articles:  articles,
		Timestamp: time.Now().UTC(),
	}})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- bs:
	default:
		log.Printf("warn: broadcast queue full, news update dropped")
	}
}
