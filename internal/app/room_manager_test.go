package app

import (
	"errors"
	"testing"

	"github.com/dkeye/roomsignal/internal/core"
	"github.com/dkeye/roomsignal/internal/domain"
)

type stubMember struct {
	sid  core.SessionID
	conn *fakeConn
}

func (m stubMember) SID() core.SessionID           { return m.sid }
func (m stubMember) Signal() core.SignalConnection { return m.conn }

func TestRoomManagerLifecycle(t *testing.T) {
	rm := NewRoomManager(false, core.RoomOptions{})
	alice, _ := domain.NewUser("alice", "")
	bob, _ := domain.NewUser("bob", "")
	ma := stubMember{sid: "s-a", conn: &fakeConn{}}
	mb := stubMember{sid: "s-b", conn: &fakeConn{}}

	r1, _ := rm.Join("R1", alice, ma)
	r1again, _ := rm.Join("R1", bob, mb)
	if r1 != r1again {
		t.Fatal("second join created a new room")
	}
	rm.Join("R0", bob, stubMember{sid: "s-b2", conn: &fakeConn{}})
	if r1.Room().VideoAllowed {
		t.Error("video flag not taken from manager")
	}

	list := rm.List()
	if len(list) != 2 || list[0].ID != "R0" || list[1].ID != "R1" || list[1].MemberCount != 2 {
		t.Errorf("list %+v", list)
	}

	if _, ok := rm.Leave(r1, core.Owner{UserID: "alice", SID: "s-a"}); !ok {
		t.Fatal("leave alice")
	}
	if _, ok := rm.GetRoom("R1"); !ok {
		t.Fatal("room dropped while bob is in it")
	}
	rm.Leave(r1, core.Owner{UserID: "bob", SID: "s-b"})
	if _, ok := rm.GetRoom("R1"); ok {
		t.Error("empty room kept")
	}

	// A stale handle to a destroyed room must not remove its successor.
	r1new, _ := rm.Join("R1", alice, ma)
	rm.Leave(r1, core.Owner{UserID: "alice", SID: "s-a"})
	if got, ok := rm.GetRoom("R1"); !ok || got != r1new {
		t.Error("stale leave removed the new room")
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    BackpressureAction
		wantErr bool
	}{
		{"", KickMember, false},
		{"kick", KickMember, false},
		{"drop", DropEvent, false},
		{"none", NoAction, false},
		{"shout", 0, true},
	}
	for _, tt := range tests {
		p, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: err %v", tt.in, err)
		}
		if err == nil && p.OnBackPressure(nil, nil) != tt.want {
			t.Errorf("%q: got %v", tt.in, p.OnBackPressure(nil, nil))
		}
	}
}

func TestTransportsReadiness(t *testing.T) {
	var tr Transports
	if _, err := tr.Ready(domain.DirectionSend); err == nil {
		t.Fatal("ready before init")
	}
	tr.set(domain.DirectionSend, domain.TransportOptions{ID: "s"})
	if tr.Initialized() || !tr.Has(domain.DirectionSend) {
		t.Fatal("half a pair counts as initialized")
	}
	tr.set(domain.DirectionRecv, domain.TransportOptions{ID: "r"})
	if _, err := tr.Connected("x"); err == nil {
		t.Error("unknown id accepted")
	}
	tr.markConnected("r")
	if id, err := tr.Ready(domain.DirectionRecv); err != nil || id != "r" {
		t.Errorf("recv: %s %v", id, err)
	}
	if _, err := tr.Ready(domain.DirectionSend); err == nil {
		t.Error("send ready without connect")
	}

	if tr.drop("x") || !tr.drop("s") || tr.Has(domain.DirectionSend) || !tr.Has(domain.DirectionRecv) {
		t.Error("drop touched the wrong slot")
	}
	if _, err := tr.Connected("s"); !errors.Is(err, domain.ErrUnknownTransport) {
		t.Errorf("dropped id still known: %v", err)
	}
	if ids := tr.reset(); len(ids) != 1 || tr.Initialized() {
		t.Errorf("reset %v", ids)
	}
}
