package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tickflow/internal/model"
	"tickflow/logger"
)

// wsClient is one subscriber connection. All outbound frames go through
// a bounded queue drained by a single writer goroutine, so a slow
// consumer can only ever cost itself dropped updates.
type wsClient struct {
	id   string
	conn *websocket.Conn
	srv  *Server
	log  *logger.Entry

	send chan interface{}
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn, srv *Server) *wsClient {
	id := uuid.NewString()
	return &wsClient{
		id:   id,
		conn: conn,
		srv:  srv,
		log:  srv.log.WithComponent("gateway").WithFields(logger.Fields{"connection": id}),
		send: make(chan interface{}, srv.cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsClient) ID() string { return c.id }

// Send implements the fanout subscriber contract.
func (c *wsClient) Send(tick model.Tick) bool {
	return c.enqueue(newTickEvent(tick))
}

func (c *wsClient) enqueue(frame interface{}) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *wsClient) sendAck(cmd clientCommand, symbols []string) {
	if !c.enqueue(ackEvent{
		Type:       eventAck,
		RequestID:  cmd.RequestID,
		Action:     cmd.Action,
		AssetClass: cmd.AssetClass,
		Symbols:    symbols,
	}) {
		c.log.Warn("send queue full, ack dropped")
	}
}

func (c *wsClient) sendError(requestID, msg string) {
	if !c.enqueue(errorEvent{Type: eventError, RequestID: requestID, Msg: msg}) {
		c.log.Warn("send queue full, error response dropped")
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump consumes subscription commands until the connection drops,
// then tears down every group membership.
func (c *wsClient) readPump() {
	defer func() {
		c.srv.hub.OnDisconnect(c.id)
		c.close()
		c.log.Debug("subscriber disconnected")
	}()

	for {
		var cmd clientCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("subscriber read failed")
			}
			return
		}
		c.srv.handleCommand(c, cmd)
	}
}

// writePump serializes all outbound frames and keeps the connection
// alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.log.WithError(err).Debug("subscriber write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}
