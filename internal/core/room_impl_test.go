package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/dkeye/roomsignal/internal/domain"
	"github.com/dkeye/roomsignal/internal/protocol"
)

var errQueueFull = errors.New("queue full")

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
}

func (c *fakeConn) TrySend(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errQueueFull
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) events(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var ev struct {
			Type string `json:"type"`
			Data struct {
				ID   string `json:"id"`
				Type string `json:"type"`
			} `json:"data"`
		}
		if err := json.Unmarshal(f, &ev); err != nil {
			t.Fatalf("bad frame %s: %v", f, err)
		}
		s := ev.Type + ":" + ev.Data.ID
		if ev.Data.Type != "" {
			s += ":" + ev.Data.Type
		}
		out = append(out, s)
	}
	return out
}

type fakeSession struct {
	sid  SessionID
	conn *fakeConn
}

func (s *fakeSession) SID() SessionID           { return s.sid }
func (s *fakeSession) Signal() SignalConnection { return s.conn }

func newFakeSession(sid string) *fakeSession {
	return &fakeSession{sid: SessionID(sid), conn: &fakeConn{}}
}

func joinUser(t *testing.T, r RoomService, uid string) (*fakeSession, Owner) {
	t.Helper()
	u, err := domain.NewUser(uid, "")
	if err != nil {
		t.Fatal(err)
	}
	s := newFakeSession("sid-" + uid)
	r.Join(u, s)
	return s, Owner{UserID: u.ID, SID: s.sid}
}

func newTestRoom(opts RoomOptions) RoomService {
	return NewRoomService(&domain.Room{ID: "R1", VideoAllowed: true}, opts)
}

func TestJoinAndLeaveEvents(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	a, _ := joinUser(t, r, "A")
	b, ob := joinUser(t, r, "B")

	if got := a.conn.events(t); !slices.Equal(got, []string{"UserJoined:B"}) {
		t.Fatalf("A got %v", got)
	}
	if got := b.conn.events(t); len(got) != 0 {
		t.Fatalf("B should not see its own join, got %v", got)
	}

	if _, ok := r.Leave(ob); !ok {
		t.Fatal("leave failed")
	}
	if got := a.conn.events(t); !slices.Equal(got, []string{"UserJoined:B", "UserLeft:B"}) {
		t.Fatalf("A got %v", got)
	}
	if r.MemberCount() != 1 {
		t.Errorf("member count %d", r.MemberCount())
	}
	if _, ok := r.Leave(ob); ok {
		t.Error("second leave should report false")
	}
}

func TestProducerReplaceTearsDownConsumers(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	a, oa := joinUser(t, r, "A")
	_, ob := joinUser(t, r, "B")

	if _, err := r.AddProducer(oa, domain.Producer{ID: "p1", Type: domain.ProduceVideo, Kind: domain.KindVideo}); err != nil {
		t.Fatal(err)
	}
	c := domain.Consumer{ID: "c1", ProducerID: "p1", ProducerUser: "A", ProduceType: domain.ProduceVideo, Kind: domain.KindVideo, Paused: true}
	if err := r.AddConsumer(ob, c); err != nil {
		t.Fatal(err)
	}

	td, err := r.AddProducer(oa, domain.Producer{ID: "p2", Type: domain.ProduceVideo, Kind: domain.KindVideo})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(td.Producers, []domain.ProducerID{"p1"}) || !slices.Equal(td.Consumers, []domain.ConsumerID{"c1"}) {
		t.Errorf("teardown %+v", td)
	}
	if _, err := r.Consumer(ob, "c1"); !errors.Is(err, domain.ErrUnknownConsumer) {
		t.Errorf("consumer should be gone, got %v", err)
	}
	p, ok := r.Producer("A", domain.ProduceVideo)
	if !ok || p.ID != "p2" {
		t.Errorf("producer %+v %v", p, ok)
	}
	// A is excluded from its own produce events.
	if got := a.conn.events(t); !slices.Equal(got, []string{"UserJoined:B"}) {
		t.Errorf("A got %v", got)
	}
}

func TestReplaceEmitsStopThenStart(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	_, oa := joinUser(t, r, "A")
	b, _ := joinUser(t, r, "B")

	r.AddProducer(oa, domain.Producer{ID: "p1", Type: domain.ProduceAudio, Kind: domain.KindAudio})
	r.AddProducer(oa, domain.Producer{ID: "p2", Type: domain.ProduceAudio, Kind: domain.KindAudio})

	want := []string{
		"UserStartProduce:A:audio",
		"UserStopProduce:A:audio",
		"UserStartProduce:A:audio",
	}
	if got := b.conn.events(t); !slices.Equal(got, want) {
		t.Errorf("B got %v, want %v", got, want)
	}
}

func TestRemoveMissingProducerIsNoop(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	_, oa := joinUser(t, r, "A")
	b, _ := joinUser(t, r, "B")

	td, err := r.RemoveProducer(oa, domain.ProduceScreen)
	if err != nil || !td.Empty() {
		t.Fatalf("got (%+v, %v)", td, err)
	}
	if got := b.conn.events(t); len(got) != 0 {
		t.Errorf("no event expected, got %v", got)
	}
}

func TestAddConsumerRevalidatesProducer(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	_, oa := joinUser(t, r, "A")
	_, ob := joinUser(t, r, "B")

	r.AddProducer(oa, domain.Producer{ID: "p1", Type: domain.ProduceAudio, Kind: domain.KindAudio})
	r.AddProducer(oa, domain.Producer{ID: "p2", Type: domain.ProduceAudio, Kind: domain.KindAudio})

	stale := domain.Consumer{ID: "c1", ProducerID: "p1", ProducerUser: "A", ProduceType: domain.ProduceAudio}
	if err := r.AddConsumer(ob, stale); !errors.Is(err, domain.ErrNoSuchProducer) {
		t.Errorf("stale producer: got %v", err)
	}
	gone := domain.Consumer{ID: "c2", ProducerID: "p9", ProducerUser: "Z", ProduceType: domain.ProduceAudio}
	if err := r.AddConsumer(ob, gone); !errors.Is(err, domain.ErrNoSuchProducer) {
		t.Errorf("missing user: got %v", err)
	}
}

func TestConsumerOwnership(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	_, oa := joinUser(t, r, "A")
	_, ob := joinUser(t, r, "B")
	_, oc := joinUser(t, r, "C")

	r.AddProducer(oa, domain.Producer{ID: "p1", Type: domain.ProduceAudio, Kind: domain.KindAudio})
	r.AddConsumer(ob, domain.Consumer{ID: "c1", ProducerID: "p1", ProducerUser: "A", ProduceType: domain.ProduceAudio, Paused: true})

	if err := r.SetConsumerPaused(oc, "c1", false); !errors.Is(err, domain.ErrUnknownConsumer) {
		t.Errorf("foreign pause: got %v", err)
	}
	if _, err := r.RemoveConsumer(oc, "c1"); !errors.Is(err, domain.ErrUnknownConsumer) {
		t.Errorf("foreign stop: got %v", err)
	}
	if err := r.SetConsumerPaused(ob, "c1", false); err != nil {
		t.Fatal(err)
	}
	c, err := r.Consumer(ob, "c1")
	if err != nil || c.Paused {
		t.Errorf("got (%+v, %v)", c, err)
	}
	if _, err := r.RemoveConsumer(ob, "c1"); err != nil {
		t.Fatal(err)
	}
	// Removing the producer now has no dependent consumers left.
	td, _ := r.RemoveProducer(oa, domain.ProduceAudio)
	if len(td.Consumers) != 0 {
		t.Errorf("teardown %+v", td)
	}
}

func TestLeaveCascadesMedia(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	_, oa := joinUser(t, r, "A")
	_, ob := joinUser(t, r, "B")
	c, _ := joinUser(t, r, "C")

	r.AddProducer(oa, domain.Producer{ID: "pa", Type: domain.ProduceAudio, Kind: domain.KindAudio})
	r.AddProducer(ob, domain.Producer{ID: "pb", Type: domain.ProduceVideo, Kind: domain.KindVideo})
	r.AddConsumer(ob, domain.Consumer{ID: "c-ba", ProducerID: "pa", ProducerUser: "A", ProduceType: domain.ProduceAudio})
	r.AddConsumer(oa, domain.Consumer{ID: "c-ab", ProducerID: "pb", ProducerUser: "B", ProduceType: domain.ProduceVideo})

	td, ok := r.Leave(oa)
	if !ok {
		t.Fatal("leave failed")
	}
	slices.Sort(td.Consumers)
	if !slices.Equal(td.Producers, []domain.ProducerID{"pa"}) || !slices.Equal(td.Consumers, []domain.ConsumerID{"c-ab", "c-ba"}) {
		t.Errorf("teardown %+v", td)
	}
	if _, err := r.Consumer(ob, "c-ba"); !errors.Is(err, domain.ErrUnknownConsumer) {
		t.Errorf("B's consumer of A should be gone: %v", err)
	}
	// B's producer lost its back-reference to A's consumer.
	td, _ = r.RemoveProducer(ob, domain.ProduceVideo)
	if len(td.Consumers) != 0 {
		t.Errorf("stale back-reference: %+v", td)
	}

	want := []string{"UserStartProduce:A:audio", "UserStartProduce:B:video", "UserStopProduce:A:audio", "UserLeft:A", "UserStopProduce:B:video"}
	if got := c.conn.events(t); !slices.Equal(got, want) {
		t.Errorf("C got %v, want %v", got, want)
	}
}

func TestRejoinEvictsOldSession(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	b, _ := joinUser(t, r, "B")
	old, oa := joinUser(t, r, "A")
	r.AddProducer(oa, domain.Producer{ID: "pa", Type: domain.ProduceAudio, Kind: domain.KindAudio})

	u, _ := domain.NewUser("A", "again")
	fresh := newFakeSession("sid-A2")
	res := r.Join(u, fresh)
	if res.Evicted != old {
		t.Fatalf("evicted %v", res.Evicted)
	}
	if !slices.Equal(res.Teardown.Producers, []domain.ProducerID{"pa"}) {
		t.Errorf("teardown %+v", res.Teardown)
	}
	if _, err := r.RemoveProducer(oa, domain.ProduceAudio); !errors.Is(err, domain.ErrNotInRoom) {
		t.Errorf("stale owner should be rejected, got %v", err)
	}
	if _, ok := r.Leave(oa); ok {
		t.Error("stale leave must not remove the new session")
	}
	if s, _ := r.SessionOf("A"); s != fresh {
		t.Error("new session not registered")
	}
	want := []string{"UserJoined:A", "UserStartProduce:A:audio", "UserStopProduce:A:audio", "UserLeft:A", "UserJoined:A"}
	if got := b.conn.events(t); !slices.Equal(got, want) {
		t.Errorf("B got %v, want %v", got, want)
	}
	if got := fresh.conn.events(t); len(got) != 0 {
		t.Errorf("new session got %v", got)
	}
}

func TestSnapshot(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	_, oa := joinUser(t, r, "A")
	joinUser(t, r, "B")
	r.AddProducer(oa, domain.Producer{ID: "pa", Type: domain.ProduceScreen, Kind: domain.KindVideo})

	snap := r.Snapshot()
	if snap.ID != "R1" || !snap.VideoAllowed || len(snap.Users) != 2 {
		t.Fatalf("snapshot %+v", snap)
	}
	if snap.Users["A"].Producers[domain.ProduceScreen] != "pa" {
		t.Errorf("A %+v", snap.Users["A"])
	}
	if len(snap.Users["B"].Producers) != 0 {
		t.Errorf("B %+v", snap.Users["B"])
	}
	b, _ := json.Marshal(snap.Users["B"])
	if string(b) != `{"id":"B","name":"B","producers":{}}` {
		t.Errorf("user info json %s", b)
	}
}

type recordingMirror struct {
	mu     sync.Mutex
	events []protocol.EventType
}

func (m *recordingMirror) Mirror(_ domain.RoomID, ev protocol.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev.Type)
}

func TestBackpressureAndMirror(t *testing.T) {
	mirror := &recordingMirror{}
	var dropped []SessionID
	r := newTestRoom(RoomOptions{
		Mirror: mirror,
		OnDropped: func(_ RoomService, ms MemberSession) {
			dropped = append(dropped, ms.SID())
		},
	})
	a, _ := joinUser(t, r, "A")
	slow, _ := joinUser(t, r, "S")
	slow.conn.full = true

	res := r.Broadcast("X", protocol.UserJoined("X"))
	if res.SendTo != 1 || len(res.Dropped) != 1 || res.Dropped[0] != slow {
		t.Errorf("result %+v", res)
	}
	if !slices.Equal(dropped, []SessionID{"sid-S"}) {
		t.Errorf("dropped %v", dropped)
	}
	if got := a.conn.events(t); got[len(got)-1] != "UserJoined:X" {
		t.Errorf("A got %v", got)
	}
	want := []protocol.EventType{protocol.EventUserJoined, protocol.EventUserJoined, protocol.EventUserJoined}
	if !slices.Equal(mirror.events, want) {
		t.Errorf("mirror %v", mirror.events)
	}
}

func TestConcurrentProducersKeepTablesConsistent(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	owners := make([]Owner, 8)
	for i := range owners {
		_, owners[i] = joinUser(t, r, fmt.Sprintf("U%d", i))
	}

	var wg sync.WaitGroup
	for i, o := range owners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				pid := domain.ProducerID(fmt.Sprintf("p%d-%d", i, j))
				r.AddProducer(o, domain.Producer{ID: pid, Type: domain.ProduceAudio, Kind: domain.KindAudio})
				peer := owners[(i+1)%len(owners)]
				if p, ok := r.Producer(peer.UserID, domain.ProduceAudio); ok {
					r.AddConsumer(o, domain.Consumer{
						ID:           domain.ConsumerID(fmt.Sprintf("c%d-%d", i, j)),
						ProducerID:   p.ID,
						ProducerUser: peer.UserID,
						ProduceType:  domain.ProduceAudio,
					})
				}
			}
		}()
	}
	wg.Wait()

	// Every surviving consumer must point at its producer's current id.
	snap := r.Snapshot()
	for _, o := range owners {
		for j := 0; j < 50; j++ {
			c, err := r.Consumer(o, domain.ConsumerID(fmt.Sprintf("c%d-%d", slices.Index(owners, o), j)))
			if err != nil {
				continue
			}
			if snap.Users[c.ProducerUser].Producers[domain.ProduceAudio] != c.ProducerID {
				t.Fatalf("consumer %s bound to stale producer %s", c.ID, c.ProducerID)
			}
		}
	}
}
