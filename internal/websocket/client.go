// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

// Package websocket adapts gorilla/websocket connections to the relay
// engine. Each connection gets a Client with a read pump and a write
// pump; the read pump turns inbound frames into engine events, the write
// pump drains the client's send channel back to the socket.
package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/trailmarks/relay/internal/logging"
	"github.com/trailmarks/relay/internal/metrics"
	"github.com/trailmarks/relay/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // 64 KB, far above the 1000-char chat limit
)

// handleCounter generates unique, monotonically increasing connection
// handles. Handles are never reused within a process, which keeps the
// engine's ordered delivery deterministic.
var handleCounter atomic.Uint64

// inboundFrame is the raw client frame envelope. Data stays unparsed
// until the type is known.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client bridges one websocket connection and the relay engine. Client
// implements relay.Sender: the engine pushes outbound messages through
// Send and terminates the connection through Close.
type Client struct {
	handle  relay.Handle
	engine  *relay.Engine
	conn    *websocket.Conn
	limiter *rate.Limiter

	// sendMu guards send against the engine closing the channel while
	// the read pump is still replying to pings.
	sendMu sync.Mutex
	closed bool
	send   chan relay.Message
}

// Options tunes per-connection behavior.
type Options struct {
	// SendBuffer sizes the outbound channel. Default 256.
	SendBuffer int

	// InboundRate and InboundBurst limit client frames per second.
	// Zero disables limiting.
	InboundRate  float64
	InboundBurst int
}

// NewClient wraps an upgraded connection. The client is inert until
// Start is called.
func NewClient(engine *relay.Engine, conn *websocket.Conn, opts Options) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}

	var limiter *rate.Limiter
	if opts.InboundRate > 0 {
		if opts.InboundBurst <= 0 {
			opts.InboundBurst = int(opts.InboundRate)
		}
		limiter = rate.NewLimiter(rate.Limit(opts.InboundRate), opts.InboundBurst)
	}

	return &Client{
		handle:  relay.Handle(handleCounter.Add(1)),
		engine:  engine,
		conn:    conn,
		limiter: limiter,
		send:    make(chan relay.Message, opts.SendBuffer),
	}
}

// Handle returns the connection's engine handle.
func (c *Client) Handle() relay.Handle {
	return c.handle
}

// Send queues an outbound message without blocking. A full buffer means
// the client is too slow to keep up; the message is dropped and Send
// reports false. Sending after Close is a drop, never a panic.
func (c *Client) Send(msg relay.Message) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the write pump. Safe to call more than once and safe to
// race with Send from the read pump.
func (c *Client) Close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Start registers the connection with the engine and launches both pumps.
func (c *Client) Start() {
	c.engine.Connect(c.handle, c)
	go c.writePump()
	go c.readPump()
}

// readPump pumps frames from the socket into the engine. It owns all
// reads on the connection and exits on any read error, reporting the
// disconnect to the engine exactly once.
func (c *Client) readPump() {
	defer func() {
		c.engine.Disconnect(c.handle)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Uint64("handle", uint64(c.handle)).Msg("unexpected websocket close")
			}
			break
		}
		metrics.FramesReceived.Inc()

		if c.limiter != nil && !c.limiter.Allow() {
			metrics.MessagesDropped.WithLabelValues("rate_limited").Inc()
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			logging.Debug().Uint64("handle", uint64(c.handle)).Msg("malformed frame")
			continue
		}
		c.dispatch(frame)
	}
}

// dispatch routes one parsed frame. Malformed payloads are dropped
// silently; a hostile client learns nothing from the response.
func (c *Client) dispatch(frame inboundFrame) {
	switch frame.Type {
	case relay.MessageTypeAuth:
		var credential string
		if err := json.Unmarshal(frame.Data, &credential); err != nil || credential == "" {
			logging.Debug().Uint64("handle", uint64(c.handle)).Msg("malformed auth frame")
			return
		}
		c.engine.Credential(c.handle, credential)

	case relay.MessageTypeChat:
		var req relay.ChatRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			logging.Debug().Uint64("handle", uint64(c.handle)).Msg("malformed chat frame")
			return
		}
		c.engine.Message(c.handle, req)

	case relay.MessageTypePing:
		c.Send(relay.Message{Type: relay.MessageTypePong, Data: nil})

	default:
		logging.Debug().Str("type", frame.Type).Uint64("handle", uint64(c.handle)).Msg("unknown frame type")
	}
}

// writePump pumps messages from the send channel to the socket and keeps
// the connection alive with periodic pings. It owns all writes on the
// connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The engine closed the channel.
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					logging.Debug().Err(err).Msg("failed to write close message")
				}
				return
			}

			payload, err := json.Marshal(message)
			if err != nil {
				logging.Error().Err(err).Msg("failed to encode frame")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logging.Debug().Err(err).Msg("failed to write frame")
				return
			}
			metrics.FramesSent.Inc()

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
