package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second
)

// Client is one connected websocket peer.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	writeMu sync.Mutex
	closed  bool
}

func newClient(id string, conn *websocket.Conn, server *Server) *Client {
	return &Client{id: id, conn: conn, server: server}
}

// Run reads request frames until the connection drops. Each request is
// handled on its own goroutine so one slow method cannot stall the
// read loop.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go c.pingLoop(ctx)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.Type != "req" {
			c.send(Response{
				Type:  "res",
				ID:    req.ID,
				Error: invalidRequest("malformed request frame"),
			})
			continue
		}

		go func(req Request) {
			payload, rpcErr := c.server.methods.Dispatch(ctx, req.Method, req.Params)
			res := Response{Type: "res", ID: req.ID}
			if rpcErr != nil {
				res.Error = rpcErr
			} else {
				res.OK = true
				res.Payload = payload
			}
			c.send(res)
		}(req)
	}
}

// SendEvent delivers a broadcast frame; failures drop the frame and
// let the read loop notice the dead connection.
func (c *Client) SendEvent(evt Event) {
	c.send(evt)
}

// Close shuts the connection down once.
func (c *Client) Close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}

func (c *Client) send(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteJSON(v)
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			if c.closed {
				c.writeMu.Unlock()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
