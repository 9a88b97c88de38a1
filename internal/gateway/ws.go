// internal/gateway/ws.go
package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"robot-bridge/internal/model"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway binds to loopback; origin checks belong to the
		// UI shell, not here.
		return true
	},
}

// handleEventSocket upgrades the connection and streams domain events
// to the UI until the client goes away. Slow clients are dropped
// rather than allowed to block the dispatcher.
func (g *Gateway) handleEventSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &eventClient{
		conn: conn,
		send: make(chan model.DomainEvent, wsSendBuffer),
	}

	dispose := g.bridge.Subscribe(client.enqueue)
	defer dispose()

	g.logger.Info("Event stream client connected",
		zap.String("remote", conn.RemoteAddr().String()))

	go client.readLoop()
	client.writeLoop(g.logger)

	g.logger.Info("Event stream client disconnected",
		zap.String("remote", conn.RemoteAddr().String()))
}

// eventClient is one connected event-stream consumer
type eventClient struct {
	conn   *websocket.Conn
	send   chan model.DomainEvent
	mu     sync.Mutex
	closed bool
}

// enqueue hands an event to the writer. A full buffer means the
// client stopped reading, so the stream is closed instead of blocking
// the dispatcher.
func (c *eventClient) enqueue(ev model.DomainEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- ev:
	default:
		c.closed = true
		close(c.send)
	}
}

func (c *eventClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readLoop drains client frames so close and ping/pong handling work.
// Inbound payloads are ignored; commands go through the REST surface.
func (c *eventClient) readLoop() {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop pushes events and periodic pings until the send channel
// closes
func (c *eventClient) writeLoop(logger *zap.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				logger.Debug("Event stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
