package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
	sendQueueSize  = 256
)

// Client is one connected control-plane session. Frames go out through
// the send channel only; the write pump is the sole writer on the conn.
type Client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	remote string

	send chan any

	mu        sync.Mutex
	authed    bool
	principal string
	sub       *bus.Subscription
	closed    bool
}

func newClient(s *Server, conn *websocket.Conn, remote string) *Client {
	return &Client{
		id:     genID("cli"),
		server: s,
		conn:   conn,
		remote: remote,
		send:   make(chan any, sendQueueSize),
	}
}

func (c *Client) pingInterval() time.Duration {
	return time.Duration(c.server.cfg.Gateway.PingIntervalS) * time.Second
}

func (c *Client) pongWait() time.Duration {
	return time.Duration(c.server.cfg.Gateway.PingTimeoutS) * time.Second
}

// readPump decodes request frames and dispatches them. Every request
// gets exactly one response frame, errors included.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
		return nil
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("gateway.read_failed", "client_id", c.id, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			// WriteControl is safe alongside the write pump.
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "text frames only"),
				time.Now().Add(writeWait))
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.enqueue(protocol.NewErrorResponse("unknown", "", protocol.ErrInvalidRequest, "malformed frame"))
			continue
		}
		start := time.Now()
		resp := c.server.router.Dispatch(context.Background(), c, &req)
		c.server.metrics.RequestDuration.WithLabelValues(req.Method()).Observe(time.Since(start).Seconds())
		c.enqueue(resp)
		if req.Method() == protocol.MethodHello && !resp.OK {
			// A failed handshake gets its response, then the socket closes.
			c.enqueue(closeFrame{code: websocket.ClosePolicyViolation, text: "handshake failed"})
		}
	}
}

// closeFrame is a sentinel queued behind pending responses; the write
// pump sends the close frame and drops the connection.
type closeFrame struct {
	code int
	text string
}

// writePump serializes all writes: responses, events and pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if cf, isClose := frame.(closeFrame); isClose {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(cf.code, cf.text))
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
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

// enqueue queues a frame for the write pump, dropping it if the client
// is closed or its queue is full.
func (c *Client) enqueue(frame any) {
	// The closed check and the send stay under one lock so teardown can
	// never close the channel between them.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.server.log.Warn("gateway.client_send_full", "client_id", c.id)
	}
}

// startEventPump subscribes the authenticated client to the bus and
// replays persisted events after afterSeq first, so the client sees a
// gap-free ordered stream.
func (c *Client) startEventPump(afterSeq uint64) (replayed int, lastSeq uint64) {
	sub := c.server.core.Bus().Subscribe(bus.Filter{})
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	watermark := afterSeq
	if afterSeq > 0 {
		events, wm, err := c.server.core.TailEvents(context.Background(), "", afterSeq, 1000)
		if err != nil {
			c.server.log.Warn("gateway.replay_failed", "client_id", c.id, "error", err)
		} else {
			for _, rec := range events {
				var payload any
				json.Unmarshal(rec.Payload, &payload)
				c.enqueue(protocol.NewEventFrame(rec.Type, rec.Seq, rec.TS, payload))
			}
			replayed = len(events)
			watermark = wm
		}
	} else {
		watermark = c.server.core.Bus().CurrentSeq()
	}

	go func() {
		for e := range sub.C {
			if e.Seq <= watermark {
				continue
			}
			c.enqueue(protocol.NewEventFrame(e.Type, e.Seq, e.TS, e.Payload))
		}
	}()
	return replayed, watermark
}

func (c *Client) setAuthed(principal string) {
	c.mu.Lock()
	c.authed = true
	c.principal = principal
	c.mu.Unlock()
}

func (c *Client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Client) teardown() {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	sub := c.sub
	c.mu.Unlock()

	if sub != nil {
		c.server.core.Bus().Unsubscribe(sub)
	}
	if !alreadyClosed {
		close(c.send)
	}
	c.conn.Close()
	c.server.removeClient(c)
}

// close is teardown initiated from the server side.
func (c *Client) close() { c.teardown() }
