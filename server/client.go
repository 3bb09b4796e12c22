package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fetchkit/fetchd/manager"
)

// WebSocket timeout constants following Gorilla best practices
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// ClientMessage is an incoming WebSocket frame
type ClientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`

	// version cursors for a sync request
	OptionsSince uint64 `json:"options_since,omitempty"`
	LogsSince    uint64 `json:"logs_since,omitempty"`
	EntriesSince uint64 `json:"entries_since,omitempty"`
}

// eventFrame wraps a bus event for the wire
type eventFrame struct {
	Type  string        `json:"type"`
	Event manager.Event `json:"event"`
}

// snapshotFrame carries a full job snapshot, sent when the client fell
// behind the event stream and needs to re-anchor
type snapshotFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Client represents a WebSocket client connection
type Client struct {
	server    *Server
	conn      *websocket.Conn
	sub       *manager.Subscriber
	send      chan interface{} // server-initiated frames (snapshots, sync replies)
	id        string
	jobFilter string
	closeOnce sync.Once
}

// HandleWebSocket upgrades the connection and attaches it to the event bus.
// An optional ?job_id= narrows the stream to one job.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	jobFilter := r.URL.Query().Get("job_id")
	client := &Client{
		server:    s,
		conn:      conn,
		sub:       s.mgr.Bus().Subscribe(jobFilter),
		send:      make(chan interface{}, 16),
		id:        fmt.Sprintf("c_%d", time.Now().UnixNano()),
		jobFilter: jobFilter,
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		client.shutdown()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

// readPump handles incoming messages until the connection drops
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
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
			c.handleReadError(err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.server.logger.Warnw("JSON unmarshal error",
				"error", err.Error(),
				"client_id", c.id,
			)
			continue
		}
		c.routeMessage(&msg)
	}
}

// handleReadError logs unexpected WebSocket read errors. Expected closure
// codes are silently ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error",
			"error", err.Error(),
			"client_id", c.id,
		)
	}
}

// routeMessage dispatches incoming WebSocket messages
func (c *Client) routeMessage(msg *ClientMessage) {
	switch msg.Type {
	case "sync":
		c.handleSync(msg)
	case "snapshot":
		c.sendSnapshot(msg.JobID)
	case "ping":
		// deadline refresh is handled by the pong handler
	default:
		c.server.logger.Debugw("Unknown message type",
			"type", msg.Type,
			"client_id", c.id,
		)
	}
}

// handleSync answers a since-V sync request over the socket
func (c *Client) handleSync(msg *ClientMessage) {
	id := msg.JobID
	if id == "" {
		id = c.jobFilter
	}
	if id == "" {
		c.queue(map[string]string{"type": "error", "error": "sync requires a job_id"})
		return
	}

	options, err := c.server.mgr.OptionsSince(id, msg.OptionsSince)
	if err != nil {
		c.queue(map[string]string{"type": "error", "error": err.Error()})
		return
	}
	logs, err := c.server.mgr.LogsSince(id, msg.LogsSince)
	if err != nil {
		c.queue(map[string]string{"type": "error", "error": err.Error()})
		return
	}
	entries, err := c.server.mgr.EntriesSince(id, msg.EntriesSince)
	if err != nil {
		c.queue(map[string]string{"type": "error", "error": err.Error()})
		return
	}

	c.queue(map[string]interface{}{
		"type":    "sync",
		"job_id":  id,
		"options": options,
		"logs":    logs,
		"entries": entries,
	})
}

// sendSnapshot queues the current state of one job, or the whole list for an
// unfiltered client
func (c *Client) sendSnapshot(jobID string) {
	if jobID == "" {
		jobID = c.jobFilter
	}
	if jobID != "" {
		j, err := c.server.mgr.Get(jobID)
		if err != nil {
			c.queue(map[string]string{"type": "error", "error": err.Error()})
			return
		}
		c.queue(snapshotFrame{Type: "snapshot", Data: j})
		return
	}

	jobs, err := c.server.mgr.List("")
	if err != nil {
		c.queue(map[string]string{"type": "error", "error": err.Error()})
		return
	}
	c.queue(snapshotFrame{Type: "snapshot", Data: jobs})
}

// queue hands a frame to the write pump without blocking
func (c *Client) queue(frame interface{}) {
	select {
	case c.send <- frame:
	default:
		c.server.logger.Warnw("Client send channel full, dropping frame",
			"client_id", c.id,
		)
	}
}

// writePump forwards bus events and server frames to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return

		case ev, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(eventFrame{Type: "event", Event: ev}); err != nil {
				c.server.logger.Debugw("Event write error",
					"error", err.Error(),
					"client_id", c.id,
				)
				return
			}

			// the bus dropped events for this client; re-anchor it with a
			// full snapshot
			if c.sub.NeedsResync() {
				c.server.logger.Infow("Client fell behind, sending snapshot",
					"client_id", c.id,
					"job_filter", c.jobFilter,
				)
				c.sendSnapshot(c.jobFilter)
			}

		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.server.logger.Debugw("Frame write error",
					"error", err.Error(),
					"client_id", c.id,
				)
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

// shutdown detaches the client from the bus and closes its connection
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.server.mgr.Bus().Unsubscribe(c.sub)
		c.conn.Close()
	})
}
