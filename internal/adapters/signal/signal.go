// Package signal is the WebSocket connection layer: one socket per session,
// commands in, replies and room events out.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/roomsignal/internal/app/orch"
	"github.com/dkeye/roomsignal/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

type Config struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	CommandTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 32768
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 15 * time.Second
	}
	return c
}

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// WsSignalConn implements core.SignalConnection over a websocket. Frames
// queue in send and are written by the write pump.
type WsSignalConn struct {
	conn WSConn
	send chan core.Frame
	done chan struct{}
	once sync.Once
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func NewWsSignalConn(conn WSConn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		conn: conn,
		send: make(chan core.Frame, buffer),
		done: make(chan struct{}),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

// Send queues a reply, waiting for room in the queue.
func (c *WsSignalConn) Send(ctx context.Context, f core.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.send <- f:
		return nil
	}
}

func (c *WsSignalConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

type SignalWSController struct {
	Orch *orch.Orchestrator
	cfg  Config
}

func NewSignalWSController(o *orch.Orchestrator, cfg Config) *SignalWSController {
	return &SignalWSController{Orch: o, cfg: cfg.withDefaults()}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until either
// side closes it or ctx is done.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	logger.Info().Str("client", c.GetString("client_token")).Str("remote", c.ClientIP()).Msg("new WS connection")

	conn := NewWsSignalConn(ws, ctl.cfg.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)
	stop := func() {
		cancel()
		conn.Close()
	}
	sess := ctl.Orch.OpenSession(sid, conn, stop)

	go ctl.writePump(ctx, sid, conn)
	go ctl.readPump(ctx, sess, conn, stop)
}
