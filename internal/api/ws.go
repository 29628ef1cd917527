package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CZERTAINLY/Bosun/internal/broadcast"
	"github.com/CZERTAINLY/Bosun/internal/model"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("connection write queue is full")
)

// wsConn is a broadcast.Subscriber backed by a WebSocket connection.
// Events are queued and written by a single goroutine, a connection which
// can't keep up is closed.
type wsConn struct {
	conn  *websocket.Conn
	queue chan model.Event
	open  atomic.Bool
	once  sync.Once
	done  chan struct{}
}

func newWSConn(conn *websocket.Conn, size int) *wsConn {
	if size <= 0 {
		size = 256
	}
	c := &wsConn{
		conn:  conn,
		queue: make(chan model.Event, size),
		done:  make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

func (c *wsConn) Open() bool {
	return c.open.Load()
}

func (c *wsConn) Send(e model.Event) error {
	if !c.open.Load() {
		return errConnClosed
	}
	select {
	case c.queue <- e:
		return nil
	default:
		c.close()
		return errSlowConsumer
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		c.open.Store(false)
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsConn) writeLoop(ctx context.Context, ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case e := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(e); err != nil {
				slog.DebugContext(ctx, "websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.DebugContext(ctx, "websocket ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop handles subscription frames until the peer goes away. A peer
// has to answer pings, it is considered gone after two missed ones.
func (c *wsConn) readLoop(ctx context.Context, b *broadcast.Broadcaster, ping time.Duration) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * ping))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * ping))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.Open() {
				slog.DebugContext(ctx, "websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * ping))

		var msg model.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.WarnContext(ctx, "ignoring unparseable websocket message", "error", err)
			continue
		}
		if msg.ExecutionID == "" {
			slog.WarnContext(ctx, "ignoring websocket message without executionId", "type", msg.Type)
			continue
		}
		switch msg.Type {
		case "subscribe":
			b.Subscribe(msg.ExecutionID, c)
		case "unsubscribe":
			b.Unsubscribe(msg.ExecutionID, c)
		default:
			slog.WarnContext(ctx, "ignoring unknown websocket message", "type", msg.Type)
		}
	}
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already replied
		slog.DebugContext(c.Request.Context(), "websocket upgrade failed", "error", err)
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	ws := newWSConn(conn, s.cfg.WriteQueue)
	ping := s.cfg.PingEvery()

	var wg sync.WaitGroup
	wg.Go(func() {
		ws.writeLoop(ctx, ping)
	})
	ws.readLoop(ctx, s.broadcaster, ping)

	s.broadcaster.Drop(ws)
	ws.close()
	wg.Wait()
}
