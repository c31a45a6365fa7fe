package ws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"LiveDesk/entity"
	"LiveDesk/internal/lib/sl"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8192
	sendQueueSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one live transport-level connection belonging to an Identity.
type Client struct {
	ID       string
	hub      *Hub
	gateway  *Gateway
	conn     *websocket.Conn
	send     chan []byte
	identity *entity.Identity

	mu         sync.Mutex
	activeRoom string
	closeOnce  sync.Once
}

func (c *Client) Identity() *entity.Identity {
	return c.identity
}

// ActiveRoom returns the room the client declared as its active view.
func (c *Client) ActiveRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeRoom
}

func (c *Client) setActiveRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeRoom = roomID
}

// trySend enqueues without blocking; false means the queue is full or closed.
func (c *Client) trySend(data []byte) bool {
	defer func() { recover() }() // send on closed channel during teardown
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump pumps inbound actions from the connection to the gateway.
// It handles ping/pong keepalive and detects disconnects.
func (c *Client) readPump() {
	defer func() {
		c.gateway.HandleDisconnect(c)
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
			break
		}
		c.gateway.Dispatch(c, raw)
	}
}

// writePump pumps queued events to the connection.
func (c *Client) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
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

// ServeWs authenticates and upgrades an incoming connection. Authentication
// failure refuses the connection outright; every later failure is reported
// as an error event on the open socket instead.
func ServeWs(gateway *Gateway, log *slog.Logger, w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := gateway.auth.AuthenticateByToken(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", sl.Err(err))
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		hub:      gateway.hub,
		gateway:  gateway,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		identity: identity,
	}

	if err := gateway.HandleConnect(client); err != nil {
		log.Error("connection setup failed",
			slog.String("identity_id", identity.ID),
			sl.Err(err),
		)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
