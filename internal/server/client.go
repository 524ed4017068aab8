package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nick-hill-dev/wsrelay-server/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

type frame struct {
	binary  bool
	payload []byte
}

// client adapts one websocket connection to the relay engine's Conn
// capability. Outbound frames go through a buffered channel so the engine
// never blocks on a slow consumer; a consumer that falls behind is cut off.
type client struct {
	ws      *websocket.Conn
	send    chan frame
	quit    chan struct{}
	once    sync.Once
	log     *zap.Logger
	metrics *relayMetrics
}

func newClient(ws *websocket.Conn, log *zap.Logger, metrics *relayMetrics) *client {
	return &client{
		ws:      ws,
		send:    make(chan frame, sendBufferSize),
		quit:    make(chan struct{}),
		log:     log,
		metrics: metrics,
	}
}

// SendText implements relay.Conn. Must not block: the relay manager holds
// its lock while calling.
func (c *client) SendText(packet string) {
	c.push(frame{payload: []byte(packet)})
	c.metrics.recordFrame("out", "text")
}

// SendBinary implements relay.Conn.
func (c *client) SendBinary(packet []byte) {
	c.push(frame{binary: true, payload: packet})
	c.metrics.recordFrame("out", "binary")
}

func (c *client) push(f frame) {
	select {
	case c.send <- f:
	case <-c.quit:
	default:
		c.log.Warn("disconnecting slow consumer")
		c.metrics.recordDrop("slow_consumer")
		c.close()
	}
}

// close makes both pumps wind down; safe to call from any goroutine.
func (c *client) close() {
	c.once.Do(func() { close(c.quit) })
}

// readPump delivers inbound frames to the relay engine until the connection
// fails or is closed. It runs on the handler goroutine.
func (c *client) readPump(userID int, manager *relay.Manager, maxFrameSize int64) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}

		switch kind {
		case websocket.TextMessage:
			c.metrics.recordFrame("in", "text")
			manager.HandleText(userID, string(payload))
		case websocket.BinaryMessage:
			c.metrics.recordFrame("in", "binary")
			manager.HandleBinary(userID, payload)
		}
	}
}

// writePump owns all writes to the websocket, including pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			kind := websocket.TextMessage
			if f.binary {
				kind = websocket.BinaryMessage
			}
			if err := c.ws.WriteMessage(kind, f.payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.quit:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
