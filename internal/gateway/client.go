package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"golang.org/x/time/rate"
)

const (
	// Host audio arrives as base64 WAV, so frames can be large.
	maxMessageSize = 16 * 1024 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
)

type client struct {
	id      string
	name    string
	gw      *Gateway
	conn    *websocket.Conn
	limiter *rate.Limiter
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func newClient(gw *Gateway, conn *websocket.Conn, name string, limiter *rate.Limiter) *client {
	return &client{
		id:      uuid.NewString(),
		name:    name,
		gw:      gw,
		conn:    conn,
		limiter: limiter,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
	}
}

func (c *client) run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Send queues msg for the write pump. It never blocks on a slow reader.
func (c *client) Send(_ context.Context, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientGone
	default:
		c.gw.logger.Warn("client send buffer full, dropping message", slog.String("client", c.id), slog.String("method", msg.Method))
		return errClientGone
	}
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Warn("websocket read error", slog.String("client", c.id), slogError(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(ctx, data)
	}
}

func (c *client) handleFrame(ctx context.Context, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = c.Send(ctx, protocol.Message{Type: protocol.TypeResponse, Error: &protocol.Error{
			Code: protocol.ErrInvalidArgument, Message: "malformed frame: " + err.Error(),
		}})
		return
	}
	if msg.Type == "" {
		msg.Type = protocol.TypeRequest
	}
	if msg.From == "" {
		msg.From = c.name
		if msg.From == "" {
			msg.From = c.id
		}
	}
	if msg.To == "" {
		msg.To = c.gw.name
	}
	// Host replies are never throttled.
	if msg.Type != protocol.TypeResponse && !c.limiter.Allow() {
		c.gw.logger.Warn("rate limited", slog.String("client", c.id), slog.String("method", msg.Method))
		if msg.Type == protocol.TypeRequest {
			_ = c.Send(ctx, protocol.Message{To: msg.From, From: msg.To, Type: protocol.TypeResponse, ID: msg.ID, Error: &protocol.Error{
				Code: protocol.ErrRateLimited, Message: "too many requests",
			}})
		}
		return
	}
	c.gw.dispatcher.Dispatch(ctx, msg, c)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
