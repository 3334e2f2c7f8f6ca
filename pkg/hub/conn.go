package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/wire"
)

// maxMessageBytes bounds a single inbound frame.
const maxMessageBytes = 1024 * 1024

// maxDroppedMessages is how many sends may hit a full buffer before the
// hub disconnects the slow consumer.
const maxDroppedMessages = 3

// conn is one live WebSocket connection as the hub sees it.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan *wire.Message
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	userID     string
	authWallet string
	subs       map[string]wire.Subscription
	drops      int
}

// bindUser records the authenticated identity and returns the previously
// bound user ID so the hub can fix its index.
func (c *conn) bindUser(userID, wallet string) (oldUser string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	oldUser = c.userID
	c.userID = userID
	if wallet != "" {
		c.authWallet = wallet
	}
	return oldUser
}

func (c *conn) trackSub(sub wire.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub.ID] = sub
}

func (c *conn) untrackSub(id string) (wire.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	return sub, ok
}

// identity reports everything the hub indexes about this connection: the
// bound user plus the wallet and topic sets derived from authentication
// and the remaining subscriptions.
func (c *conn) identity() (userID string, wallets map[string]bool, topics map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wallets = make(map[string]bool)
	topics = make(map[string]bool)
	if c.authWallet != "" {
		wallets[c.authWallet] = true
	}
	for _, sub := range c.subs {
		topics[sub.Topic] = true
		for _, w := range sub.Filters["walletAddress"] {
			if w != "" {
				wallets[w] = true
			}
		}
	}
	return c.userID, wallets, topics
}

func (c *conn) addDrop() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops++
	return c.drops
}

// trySend enqueues without blocking. Repeatedly full buffers mark a slow
// consumer, which gets disconnected rather than stall everyone else.
func (h *Hub) trySend(c *conn, msg *wire.Message) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
		h.config.logger.Debug("hub: connection gone, message not sent", "conn_id", c.id, "type", string(msg.Type))
	default:
		n := c.addDrop()
		h.dropped.Add(1)
		h.config.logger.Warn("hub: send buffer full, message dropped",
			"conn_id", c.id, "type", string(msg.Type), "dropped", n)
		if n >= maxDroppedMessages {
			h.config.logger.Warn("hub: disconnecting slow consumer", "conn_id", c.id)
			_ = c.ws.Close(websocket.StatusPolicyViolation, "too many dropped messages")
			go h.unregister(c, "slow consumer")
		}
	}
}

func (h *Hub) readLoop(c *conn) {
	defer h.wg.Done()
	defer h.unregister(c, "read loop ended")

	for {
		var msg wire.Message
		if err := wsjson.Read(c.ctx, c.ws, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) ||
				status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				h.config.logger.Debug("hub: connection closed", "conn_id", c.id)
			} else {
				h.config.logger.Warn("hub: read failed", "conn_id", c.id, "err", err)
			}
			return
		}
		h.handleInbound(c, &msg)
	}
}

func (h *Hub) writePump(c *conn) {
	defer h.wg.Done()

	for {
		select {
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, h.config.writeTimeout)
			err := wsjson.Write(writeCtx, c.ws, msg)
			cancel()
			if err != nil {
				h.config.logger.Warn("hub: write failed", "conn_id", c.id, "type", string(msg.Type), "err", err)
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (h *Hub) pingLoop(c *conn) {
	defer h.wg.Done()
	if h.config.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.config.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, h.config.pingInterval/2)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				h.config.logger.Warn("hub: ping failed", "conn_id", c.id, "err", err)
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
