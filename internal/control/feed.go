package control

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"uprelay/internal/constants"
)

// The default origin check applies: only pages served from the API's own
// host may subscribe.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  constants.WSBufferSize,
	WriteBufferSize: constants.WSBufferSize,
}

type deviceMessage struct {
	Type      string    `json:"type"`
	Connected bool      `json:"connected"`
	Time      time.Time `json:"time"`
}

// PublishDevice pushes a device check result to every feed subscriber. It
// is meant to be the callback of the supervisor's device watch.
func (c *Control) PublishDevice(connected bool) {
	msg := &deviceMessage{Type: "device", Connected: connected, Time: time.Now()}

	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()

	c.lastDevice = msg
	for conn := range c.clients {
		if err := writeFrame(conn, msg); err != nil {
			conn.Close()
			delete(c.clients, conn)
		}
	}
}

func (c *Control) handleDeviceFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c.clientsMu.Lock()
	if c.lastDevice != nil {
		if err := writeFrame(conn, c.lastDevice); err != nil {
			c.clientsMu.Unlock()
			return
		}
	}
	c.clients[conn] = true
	c.clientsMu.Unlock()

	defer func() {
		c.clientsMu.Lock()
		delete(c.clients, conn)
		c.clientsMu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Control) closeClients() {
	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()
	for conn := range c.clients {
		conn.Close()
		delete(c.clients, conn)
	}
}

func writeFrame(conn *websocket.Conn, msg *deviceMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
	return conn.WriteJSON(msg)
}
