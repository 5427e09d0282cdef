package orch

import (
	"github.com/dkeye/roomsignal/internal/app"
	"github.com/dkeye/roomsignal/internal/core"
	"github.com/dkeye/roomsignal/internal/domain"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Engine       core.MediaEngine
	Validator    core.CredentialValidator
	Limiter      *app.RateLimiter
	Policy       app.Policy
	Mirror       core.EventMirror
	VideoAllowed bool
}

// Orchestrator ties connections to sessions and rooms. The connection layer
// calls OpenSession on accept and OnDisconnect when the socket goes away.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    *app.RoomManagerImpl
	Policy   app.Policy

	deps app.SessionDeps
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		Registry: app.NewRegistry(),
		Policy:   opts.Policy,
	}
	o.Rooms = app.NewRoomManager(opts.VideoAllowed, core.RoomOptions{
		Mirror:    opts.Mirror,
		OnDropped: o.onDropped,
	})
	o.deps = app.SessionDeps{
		Rooms:     o.Rooms,
		Engine:    opts.Engine,
		Validator: opts.Validator,
		Limiter:   opts.Limiter,
		OnEvict: func(sid core.SessionID) {
			log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("evicting duplicate login")
			o.KickBySID(sid)
		},
	}
	return o
}

// OpenSession registers a new connection. cancel must stop the connection;
// its disconnect path then calls OnDisconnect.
func (o *Orchestrator) OpenSession(sid core.SessionID, conn core.SignalConnection, cancel func()) *app.Session {
	sess := app.NewSession(sid, conn, o.deps)
	o.Registry.Bind(sess, cancel)
	return sess
}

// OnDisconnect tears the session down exactly once.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	sess, ok := o.Registry.Unbind(sid)
	if !ok {
		return
	}
	sess.Close()
	if o.deps.Limiter != nil {
		o.deps.Limiter.Forget(string(sid))
	}
}

func (o *Orchestrator) KickBySID(sid core.SessionID) bool {
	return o.Registry.Cancel(sid)
}

// KickUser disconnects the member uid of room id.
func (o *Orchestrator) KickUser(id domain.RoomID, uid domain.UserID) bool {
	room, ok := o.Rooms.GetRoom(id)
	if !ok {
		return false
	}
	ms, ok := room.SessionOf(uid)
	if !ok {
		return false
	}
	log.Info().Str("module", "orch").Str("room", string(id)).Str("user", string(uid)).Msg("kick member")
	return o.KickBySID(ms.SID())
}

// Shutdown cancels every live connection.
func (o *Orchestrator) Shutdown() {
	o.Registry.CancelAll()
}

func (o *Orchestrator) onDropped(room core.RoomService, ms core.MemberSession) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(room, ms) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("sid", string(ms.SID())).Str("room", string(room.Room().ID)).Msg("slow member kicked")
		o.KickBySID(ms.SID())
	case app.DropEvent:
		log.Debug().Str("module", "orch").Str("sid", string(ms.SID())).Msg("event dropped for slow member")
	case app.NoAction:
	}
}
