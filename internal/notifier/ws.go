package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/orderstate"
	"restaurant-order-service/internal/util"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

// Stream message types
const (
	MessageSnapshot = "snapshot"
	MessageChange   = "change"
	MessageResync   = "resync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // callers authenticate before the upgrade
	},
}

// Snapshotter reads the current orders behind a filter.
type Snapshotter interface {
	ListOrders(ctx context.Context, q ledger.OrderQuery) ([]models.Order, error)
}

// Message is one frame on the stream.
type Message struct {
	Type   string              `json:"type"`
	Orders []models.Order      `json:"orders,omitempty"`
	Change *models.OrderChange `json:"change,omitempty"`
	Label  string              `json:"label,omitempty"`
}

// client is one WebSocket connection attached to a subscription.
type client struct {
	conn    *websocket.Conn
	sub     *Subscription
	surface orderstate.Surface
	logger  *zap.Logger
}

// ServeWS upgrades the request, subscribes before reading the snapshot so nothing
// committed in between is lost, sends the snapshot and then streams changes. A
// subscriber that falls behind receives a resync frame and is disconnected.
func ServeWS(hub *Hub, snapshots Snapshotter, filter Filter, surface orderstate.Surface, w http.ResponseWriter, r *http.Request) {
	logger := util.GetLogger()

	sub, err := hub.Subscribe(filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	orders, err := snapshots.ListOrders(r.Context(), filter.Query())
	if err != nil {
		sub.Close()
		http.Error(w, "failed to load snapshot", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, sub: sub, surface: surface, logger: logger}
	if err := c.write(Message{Type: MessageSnapshot, Orders: orders}); err != nil {
		sub.Close()
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only watches for disconnects; clients never send data.
func (c *client) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket closed", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case change, ok := <-c.sub.C():
			if !ok {
				if c.sub.Missed() {
					if err := c.write(Message{Type: MessageResync}); err != nil {
						c.logger.Debug("Failed to send resync frame", zap.Error(err))
						return
					}
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("Failed to send close frame", zap.Error(err))
				}
				return
			}
			msg := Message{Type: MessageChange, Change: change}
			if c.surface != "" {
				msg.Label = orderstate.Label(c.surface, change.Status)
			}
			if err := c.write(msg); err != nil {
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

func (c *client) write(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}
