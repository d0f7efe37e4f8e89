package ws

import (
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Browsers only send pongs and close frames.
	maxMessageSize = 4 << 10

	// Send buffer size
	sendBufSize = 64
)

// Client is one owner's notification connection.
type Client struct {
	OwnerID int64
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	limiter *rate.Limiter
}

// NewClient wraps a WebSocket connection. progressPerSec bounds how many
// progress notices per second reach this connection.
func NewClient(ownerID int64, conn *websocket.Conn, hub *Hub, progressPerSec int) *Client {
	if progressPerSec < 1 {
		progressPerSec = 1
	}
	return &Client{
		OwnerID: ownerID,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, sendBufSize),
		limiter: rate.NewLimiter(rate.Limit(progressPerSec), progressPerSec),
	}
}

// Run starts read and write pumps. Blocks until the connection closes.
func (c *Client) Run() {
	c.hub.Register(c)
	done := make(chan struct{})
	go c.writePump(done)
	c.readPump() // blocks
	close(done)
	c.hub.Unregister(c)
}

// ─────────────────────────────────────────────
// Read pump: drains control frames and detects closure
// ─────────────────────────────────────────────

func (c *Client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithField("owner_id", c.OwnerID).WithError(err).Debug("[ws] read error")
			}
			return
		}
	}
}

// ─────────────────────────────────────────────
// Write pump: Server → Owner
// ─────────────────────────────────────────────

func (c *Client) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
