package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/roomsignal/internal/core"
	"github.com/dkeye/roomsignal/internal/domain"
	"github.com/dkeye/roomsignal/internal/protocol"
	"github.com/rs/zerolog/log"
)

type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SessionDeps are the collaborators shared by all sessions.
type SessionDeps struct {
	Rooms     core.RoomManager
	Engine    core.MediaEngine
	Validator core.CredentialValidator
	// Limiter throttles Authenticate attempts per connection. Optional.
	Limiter *RateLimiter
	// OnEvict is called with the session displaced by a duplicate login.
	OnEvict func(sid core.SessionID)
}

// Session is one connected participant. It executes commands strictly one
// at a time; Close waits for an in-flight command to finish.
type Session struct {
	sid  core.SessionID
	conn core.SignalConnection
	deps SessionDeps

	mu         sync.Mutex
	state      SessionState
	user       *domain.User
	room       core.RoomService
	caps       domain.RTPCapabilities
	transports Transports
}

var _ protocol.Handler = (*Session)(nil)
var _ core.MemberSession = (*Session)(nil)

func NewSession(sid core.SessionID, conn core.SignalConnection, deps SessionDeps) *Session {
	return &Session{sid: sid, conn: conn, deps: deps}
}

func (s *Session) SID() core.SessionID           { return s.sid }
func (s *Session) Signal() core.SignalConnection { return s.conn }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// User returns the authenticated user, nil before Authenticate.
func (s *Session) User() *domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Handle runs one command and returns its reply data.
func (s *Session) Handle(ctx context.Context, cmd protocol.Command) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(cmd.Type()); err != nil {
		return nil, err
	}
	return protocol.Dispatch(ctx, s, cmd)
}

// Admit reports the error a command of type t would be refused with in the
// current state, nil if it may run. The connection layer uses it to rank
// state errors above decode errors.
func (s *Session) Admit(t protocol.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitLocked(t)
}

func (s *Session) admitLocked(t protocol.Type) error {
	switch s.state {
	case StateClosed:
		return domain.ErrSessionClosed
	case StateUnauthenticated:
		if t != protocol.TypeAuthenticate {
			return domain.ErrNotAuthenticated
		}
	}
	return nil
}

// Close leaves the room and releases every media resource the session
// owns. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.leaveRoomLocked()
	for _, id := range s.transports.reset() {
		s.deps.Engine.CloseTransport(id)
	}
	log.Info().Str("module", "app.session").Str("sid", string(s.sid)).Msg("session closed")
}

func (s *Session) owner() core.Owner {
	return core.Owner{UserID: s.user.ID, SID: s.sid}
}

func (s *Session) leaveRoomLocked() {
	if s.room == nil {
		return
	}
	td, _ := s.deps.Rooms.Leave(s.room, s.owner())
	s.release(td)
	s.room = nil
}

// release closes engine resources handed over by the room.
func (s *Session) release(td core.Teardown) {
	for _, id := range td.Consumers {
		s.deps.Engine.CloseConsumer(id)
	}
	for _, id := range td.Producers {
		s.deps.Engine.CloseProducer(id)
	}
}

func (s *Session) Authenticate(ctx context.Context, cmd protocol.Authenticate) (*protocol.AuthenticateReply, error) {
	if s.deps.Limiter != nil && !s.deps.Limiter.Allow(string(s.sid)) {
		return nil, domain.ErrRateLimited
	}
	user, err := s.deps.Validator.Validate(ctx, cmd.RoomID, cmd.Token)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.session").Str("sid", string(s.sid)).Str("room", string(cmd.RoomID)).Msg("authentication rejected")
		if domain.CodeOf(err) == domain.CodeAuth {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrAuth, err)
	}

	if s.room != nil {
		s.leaveRoomLocked()
	}
	room, res := s.deps.Rooms.Join(cmd.RoomID, user, s)
	s.user, s.room, s.state = user, room, StateAuthenticated
	if res.Evicted != nil {
		s.release(res.Teardown)
		if s.deps.OnEvict != nil {
			s.deps.OnEvict(res.Evicted.SID())
		}
	}

	log.Info().Str("module", "app.session").Str("sid", string(s.sid)).Str("user", string(user.ID)).Str("room", string(cmd.RoomID)).Msg("authenticated")
	return &protocol.AuthenticateReply{
		UserID:          user.ID,
		RoomID:          cmd.RoomID,
		RTPCapabilities: s.deps.Engine.Capabilities(),
	}, nil
}

func (s *Session) InitializeTransports(ctx context.Context, cmd protocol.InitializeTransports) (*domain.TransportPair, error) {
	if len(cmd.RTPCapabilities.Codecs) > 0 {
		s.caps = cmd.RTPCapabilities
	}
	// A direction is missing on first use or after a failed connect.
	for _, dir := range []domain.TransportDirection{domain.DirectionSend, domain.DirectionRecv} {
		if s.transports.Has(dir) {
			continue
		}
		opts, err := s.deps.Engine.CreateTransport(ctx, s.user.ID, dir)
		if err != nil {
			return nil, mediaError("create "+string(dir)+" transport", err)
		}
		s.transports.set(dir, opts)
		log.Info().Str("module", "app.session").Str("sid", string(s.sid)).Str("dir", string(dir)).Str("transport", string(opts.ID)).Msg("transport created")
	}
	pair := s.transports.Pair()
	return &pair, nil
}

func (s *Session) ConnectTransport(ctx context.Context, cmd protocol.ConnectTransport) error {
	connected, err := s.transports.Connected(cmd.ID)
	if err != nil {
		return err
	}
	if connected {
		return nil
	}
	if err := s.deps.Engine.ConnectTransport(ctx, cmd.ConnectTransportData); err != nil {
		// A failed negotiation cannot be restarted on the same transport.
		s.transports.drop(cmd.ID)
		s.deps.Engine.CloseTransport(cmd.ID)
		log.Warn().Err(err).Str("module", "app.session").Str("sid", string(s.sid)).Str("transport", string(cmd.ID)).Msg("transport dropped after failed connect")
		return mediaError("connect transport", err)
	}
	s.transports.markConnected(cmd.ID)
	log.Info().Str("module", "app.session").Str("sid", string(s.sid)).Str("transport", string(cmd.ID)).Msg("transport connected")
	return nil
}

func (s *Session) RoomInfo(ctx context.Context, _ protocol.RoomInfo) (*domain.RoomSnapshot, error) {
	// An evicted session keeps its room until its connection is torn down.
	if ms, ok := s.room.SessionOf(s.user.ID); !ok || ms.SID() != s.sid {
		return nil, domain.ErrNotInRoom
	}
	snap := s.room.Snapshot()
	return &snap, nil
}

func (s *Session) StartProduce(ctx context.Context, cmd protocol.StartProduce) (*protocol.StartProduceReply, error) {
	tid, err := s.transports.Ready(domain.DirectionSend)
	if err != nil {
		return nil, err
	}
	kind := cmd.ProduceType.Kind()
	if kind == domain.KindVideo && !s.room.Room().VideoAllowed {
		return nil, domain.ErrVideoNotAllowed
	}

	pid, err := s.deps.Engine.Produce(ctx, tid, kind, cmd.RTPParameters)
	if err != nil {
		return nil, mediaError("produce", err)
	}
	td, err := s.room.AddProducer(s.owner(), domain.Producer{ID: pid, Type: cmd.ProduceType, Kind: kind})
	if err != nil {
		s.deps.Engine.CloseProducer(pid)
		return nil, err
	}
	s.release(td)
	return &protocol.StartProduceReply{ProducerID: pid}, nil
}

func (s *Session) StopProduce(ctx context.Context, cmd protocol.StopProduce) error {
	td, err := s.room.RemoveProducer(s.owner(), cmd.ProduceType)
	if err != nil {
		return err
	}
	s.release(td)
	return nil
}

func (s *Session) StartConsume(ctx context.Context, cmd protocol.StartConsume) (*protocol.StartConsumeReply, error) {
	tid, err := s.transports.Ready(domain.DirectionRecv)
	if err != nil {
		return nil, err
	}
	p, ok := s.room.Producer(cmd.UserID, cmd.ProduceType)
	if !ok {
		return nil, domain.ErrNoSuchProducer
	}

	params, err := s.deps.Engine.Consume(ctx, tid, p.ID, s.caps, true)
	if err != nil {
		return nil, mediaError("consume", err)
	}
	c := domain.Consumer{
		ID:           params.ID,
		ProducerID:   p.ID,
		ProducerUser: cmd.UserID,
		ProduceType:  cmd.ProduceType,
		Kind:         params.Kind,
		Paused:       true,
	}
	// The producer may have been replaced or stopped while the engine call
	// was in flight.
	if err := s.room.AddConsumer(s.owner(), c); err != nil {
		s.deps.Engine.CloseConsumer(params.ID)
		return nil, err
	}
	return &protocol.StartConsumeReply{
		ID:            params.ID,
		ProducerID:    p.ID,
		Kind:          params.Kind,
		RTPParameters: params.RTPParameters,
		Paused:        true,
	}, nil
}

func (s *Session) StopConsume(ctx context.Context, cmd protocol.StopConsume) error {
	c, err := s.room.RemoveConsumer(s.owner(), cmd.ID)
	if err != nil {
		return err
	}
	s.deps.Engine.CloseConsumer(c.ID)
	return nil
}

func (s *Session) SetConsumerPause(ctx context.Context, cmd protocol.SetConsumerPause) error {
	if _, err := s.room.Consumer(s.owner(), cmd.ID); err != nil {
		return err
	}
	if err := s.deps.Engine.SetPause(ctx, cmd.ID, cmd.Paused); err != nil {
		return mediaError("set pause", err)
	}
	return s.room.SetConsumerPaused(s.owner(), cmd.ID, cmd.Paused)
}

// mediaError keeps the code of engine errors that already carry one and
// reports the rest as media failures.
func mediaError(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrMedia, op, err)
}
