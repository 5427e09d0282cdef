package signal

import (
	"context"
	"time"

	"github.com/dkeye/roomsignal/internal/app"
	"github.com/dkeye/roomsignal/internal/core"
	"github.com/dkeye/roomsignal/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("writePump ctx done")
			return
		case <-c.done:
			return
		case data := <-c.send:
			if err := ctl.write(c, websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := ctl.write(c, websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump ping error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) write(c *WsSignalConn, mt int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(mt, data)
}

func (ctl *SignalWSController) readPump(ctx context.Context, sess *app.Session, c *WsSignalConn, stop func()) {
	sid := sess.SID()
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Logger()
	defer func() {
		logger.Info().Msg("readPump closing")
		stop()
		ctl.Orch.OnDisconnect(sid)
	}()

	c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		ctl.handleFrame(ctx, sess, c, data, &logger)
	}
}

// handleFrame runs one command and queues its reply. Command failures are
// reported to the client and never end the connection.
func (ctl *SignalWSController) handleFrame(ctx context.Context, sess *app.Session, c *WsSignalConn, data []byte, logger *zerolog.Logger) {
	env, cmd, err := protocol.Decode(data)
	var out []byte
	if err != nil {
		logger.Debug().Err(err).Str("type", string(env.Type)).Msg("bad command")
		// A refused session state outranks a malformed payload.
		if env.Type != "" {
			if aerr := sess.Admit(env.Type); aerr != nil {
				err = aerr
			}
		}
		out, err = protocol.EncodeFailure(env.ID, env.Type, err)
	} else {
		cctx, cancel := context.WithTimeout(ctx, ctl.cfg.CommandTimeout)
		res, herr := sess.Handle(cctx, cmd)
		cancel()
		if herr != nil {
			logger.Info().Err(herr).Str("type", string(cmd.Type())).Msg("command failed")
			out, err = protocol.EncodeFailure(env.ID, cmd.Type(), herr)
		} else {
			out, err = protocol.EncodeReply(env.ID, cmd.Type(), res)
		}
	}
	if err != nil {
		logger.Error().Err(err).Msg("encode reply")
		return
	}
	if err := c.Send(ctx, out); err != nil {
		logger.Debug().Err(err).Msg("reply not queued")
	}
}
