package network

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 4096
	// Minimum spacing between commands from one client.
	commandInterval = 50 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one WebSocket connection.
type Client struct {
	id          string
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	lastCommand time.Time
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, hub.sendBuffer),
	}
}

// ServeWs upgrades the request and starts the client's pumps.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.recordError()
		hub.logger.Warn("failed to upgrade websocket connection", zap.Error(err))
		return
	}

	client := NewClient(hub, conn)
	if !client.Register() {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// Register adds the client to the hub. It fails once the hub has stopped.
func (c *Client) Register() bool {
	return c.hub.add(c)
}

func (c *Client) unregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// ReadPump reads commands from the connection until it fails.
func (c *Client) ReadPump() {
	defer func() {
		c.unregister()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.recordError()
				c.hub.logger.Warn("websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			break
		}
		c.hub.recordIncoming()

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.hub.sendTo(c, Message{Type: MsgTypeError, Payload: errorBody{Error: "invalid command: " + err.Error()}})
			continue
		}
		c.hub.sendTo(c, c.handleCommand(cmd))
	}
}

func (c *Client) handleCommand(cmd Command) Message {
	if since := time.Since(c.lastCommand); since < commandInterval {
		return Message{Type: MsgTypeError, Ref: cmd.Ref, Payload: errorBody{Error: "rate limit exceeded"}}
	}
	c.lastCommand = time.Now()

	result, err := execute(c.hub.control, cmd)
	if err != nil {
		c.hub.logger.Warn("websocket command failed",
			zap.String("client", c.id), zap.String("command", cmd.Type), zap.String("loop", cmd.LoopID), zap.Error(err))
		return Message{Type: MsgTypeError, Ref: cmd.Ref, Payload: errorBody{Error: err.Error()}}
	}
	c.hub.logger.Event("WS_COMMAND", c.id, cmd.Type+" "+cmd.LoopID)
	return Message{Type: MsgTypeAck, Ref: cmd.Ref, Payload: result}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one JSON document per frame; clients decode frames independently
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.recordError()
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
