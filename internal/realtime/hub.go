// Package realtime pushes notifications to users over WebSocket connections.
package realtime

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

// Client is one WebSocket connection owned by a user.
type Client struct {
	UserID int64
	Conn   *websocket.Conn
}

// Envelope addresses a payload to every connection of a user.
type Envelope struct {
	UserID int64
	Data   []byte
}

// Hub tracks connections per user and delivers envelopes to them. All state
// is owned by the Run loop.
type Hub struct {
	clients    map[int64]map[*Client]struct{}
	Register   chan *Client
	Unregister chan *Client
	Send       chan Envelope
	counts     chan countReq
	logger     *zap.Logger
}

type countReq struct {
	userID int64
	reply  chan int
}

// NewHub constructs a Hub. Run must be started before use.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Send:       make(chan Envelope, 64),
		counts:     make(chan countReq),
		logger:     logger,
	}
}

// Run processes register, unregister and send events until ctx ends, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.Register:
			set, ok := h.clients[c.UserID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[c.UserID] = set
			}
			set[c] = struct{}{}
		case c := <-h.Unregister:
			h.drop(c)
		case env := <-h.Send:
			for c := range h.clients[env.UserID] {
				_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.Conn.WriteMessage(websocket.TextMessage, env.Data); err != nil {
					h.logger.Debug("websocket write failed", zap.Int64("user_id", c.UserID), zap.Error(err))
					h.drop(c)
				}
			}
		case req := <-h.counts:
			req.reply <- len(h.clients[req.userID])
		}
	}
}

// Deliver queues data for userID. It gives up when ctx ends first.
func (h *Hub) Deliver(ctx context.Context, userID int64, data []byte) error {
	select {
	case h.Send <- Envelope{UserID: userID, Data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connections reports how many connections userID has open.
func (h *Hub) Connections(ctx context.Context, userID int64) int {
	req := countReq{userID: userID, reply: make(chan int, 1)}
	select {
	case h.counts <- req:
		return <-req.reply
	case <-ctx.Done():
		return 0
	}
}

func (h *Hub) drop(c *Client) {
	set, ok := h.clients[c.UserID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.UserID)
	}
	c.Conn.Close()
}

func (h *Hub) closeAll() {
	for _, set := range h.clients {
		for c := range set {
			c.Conn.Close()
		}
	}
	h.clients = make(map[int64]map[*Client]struct{})
}
