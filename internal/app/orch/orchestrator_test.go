package orch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/dkeye/roomsignal/internal/app"
	"github.com/dkeye/roomsignal/internal/core"
	"github.com/dkeye/roomsignal/internal/domain"
	"github.com/dkeye/roomsignal/internal/protocol"
)

type nopEngine struct{}

func (nopEngine) Capabilities() domain.RTPCapabilities { return domain.RTPCapabilities{} }
func (nopEngine) CreateTransport(context.Context, domain.UserID, domain.TransportDirection) (domain.TransportOptions, error) {
	return domain.TransportOptions{}, errors.New("not wired")
}
func (nopEngine) ConnectTransport(context.Context, domain.ConnectTransportData) error { return nil }
func (nopEngine) Produce(context.Context, domain.TransportID, domain.MediaKind, domain.RTPParameters) (domain.ProducerID, error) {
	return "", nil
}
func (nopEngine) Consume(context.Context, domain.TransportID, domain.ProducerID, domain.RTPCapabilities, bool) (domain.ConsumerParameters, error) {
	return domain.ConsumerParameters{}, nil
}
func (nopEngine) SetPause(context.Context, domain.ConsumerID, bool) error { return nil }
func (nopEngine) CloseConsumer(domain.ConsumerID)                         {}
func (nopEngine) CloseProducer(domain.ProducerID)                         {}
func (nopEngine) CloseTransport(domain.TransportID)                       {}

// tokenIsUser treats the token as the user id.
type tokenIsUser struct{}

func (tokenIsUser) Validate(_ context.Context, _ domain.RoomID, token string) (*domain.User, error) {
	if token == "" {
		return nil, domain.ErrAuth
	}
	return domain.NewUser(token, "")
}

type stubConn struct{ full atomic.Bool }

func (c *stubConn) TrySend(core.Frame) error {
	if c.full.Load() {
		return errors.New("full")
	}
	return nil
}
func (c *stubConn) Close() {}

type conn struct {
	sess     *app.Session
	signal   *stubConn
	canceled *atomic.Bool
}

func open(t *testing.T, o *Orchestrator, sid string) conn {
	t.Helper()
	c := conn{signal: &stubConn{}, canceled: &atomic.Bool{}}
	c.sess = o.OpenSession(core.SessionID(sid), c.signal, func() { c.canceled.Store(true) })
	return c
}

func auth(t *testing.T, c conn, room, user string) {
	t.Helper()
	cmd := protocol.Authenticate{RoomID: domain.RoomID(room), Token: user}
	if _, err := c.sess.Handle(context.Background(), cmd); err != nil {
		t.Fatalf("authenticate %s: %v", user, err)
	}
}

func newOrch(policy app.Policy) *Orchestrator {
	return New(Options{Engine: nopEngine{}, Validator: tokenIsUser{}, Policy: policy, VideoAllowed: true})
}

func TestDuplicateLoginCancelsOldConnection(t *testing.T) {
	o := newOrch(app.SimplePolicy{Action: app.KickMember})
	first := open(t, o, "s1")
	second := open(t, o, "s2")
	auth(t, first, "R1", "alice")
	auth(t, second, "R1", "alice")

	if !first.canceled.Load() {
		t.Error("old connection not canceled")
	}
	if second.canceled.Load() {
		t.Error("new connection canceled")
	}

	o.OnDisconnect("s1")
	room, ok := o.Rooms.GetRoom("R1")
	if !ok || room.MemberCount() != 1 {
		t.Fatalf("room state after stale disconnect: %v", ok)
	}
}

func TestSlowMemberPolicy(t *testing.T) {
	tests := []struct {
		name       string
		action     app.BackpressureAction
		wantKicked bool
	}{
		{"kick", app.KickMember, true},
		{"drop", app.DropEvent, false},
		{"none", app.NoAction, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrch(app.SimplePolicy{Action: tt.action})
			slow := open(t, o, "slow")
			auth(t, slow, "R1", "slow")
			slow.signal.full.Store(true)

			other := open(t, o, "other")
			auth(t, other, "R1", "other")

			if slow.canceled.Load() != tt.wantKicked {
				t.Errorf("kicked = %v, want %v", slow.canceled.Load(), tt.wantKicked)
			}
			if other.canceled.Load() {
				t.Error("healthy member kicked")
			}
		})
	}
}

func TestKickUserAndDisconnect(t *testing.T) {
	o := newOrch(nil)
	a := open(t, o, "sa")
	auth(t, a, "R1", "alice")

	if o.KickUser("R1", "bob") || o.KickUser("R2", "alice") {
		t.Error("kicked a missing member")
	}
	if !o.KickUser("R1", "alice") || !a.canceled.Load() {
		t.Fatal("kick did not cancel the connection")
	}

	o.OnDisconnect("sa")
	o.OnDisconnect("sa")
	if a.sess.State() != app.StateClosed {
		t.Errorf("state %s", a.sess.State())
	}
	if len(o.Rooms.List()) != 0 {
		t.Errorf("rooms %v", o.Rooms.List())
	}
	if o.Registry.Count() != 0 {
		t.Errorf("registry keeps %d sessions", o.Registry.Count())
	}
}

func TestShutdownCancelsAll(t *testing.T) {
	o := newOrch(nil)
	conns := []conn{open(t, o, "1"), open(t, o, "2"), open(t, o, "3")}
	o.Shutdown()
	for i, c := range conns {
		if !c.canceled.Load() {
			t.Errorf("connection %d not canceled", i)
		}
	}
}
