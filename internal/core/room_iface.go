package core

import (
	"github.com/dkeye/roomsignal/internal/domain"
	"github.com/dkeye/roomsignal/internal/protocol"
)

// PublishResult reports delivery stats/backpressure to the caller.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// Owner identifies a member by user and by the session that joined.
// A stale session of an evicted user no longer matches.
type Owner struct {
	UserID domain.UserID
	SID    SessionID
}

// Teardown lists media resources removed from a room table. Whoever
// receives a Teardown owns closing them in the media engine.
type Teardown struct {
	Producers []domain.ProducerID
	Consumers []domain.ConsumerID
}

func (t *Teardown) Merge(o Teardown) {
	t.Producers = append(t.Producers, o.Producers...)
	t.Consumers = append(t.Consumers, o.Consumers...)
}

func (t Teardown) Empty() bool {
	return len(t.Producers) == 0 && len(t.Consumers) == 0
}

// JoinResult describes what a join displaced. Evicted is nil unless the
// same user was already present through another session.
type JoinResult struct {
	Evicted  MemberSession
	Teardown Teardown
}

// RoomService is the core-facing API of a room.
// It owns the membership and media tables but never touches transport
// resources. Every method is one critical section.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	Snapshot() domain.RoomSnapshot
	SessionOf(uid domain.UserID) (MemberSession, bool)

	Join(user *domain.User, ms MemberSession) JoinResult
	Leave(owner Owner) (Teardown, bool)

	// AddProducer replaces any producer of the same type.
	AddProducer(owner Owner, p domain.Producer) (Teardown, error)
	// RemoveProducer is a no-op when the producer does not exist.
	RemoveProducer(owner Owner, t domain.ProduceType) (Teardown, error)
	Producer(uid domain.UserID, t domain.ProduceType) (domain.Producer, bool)

	// AddConsumer fails with domain.ErrNoSuchProducer when the source
	// producer is gone or was replaced.
	AddConsumer(owner Owner, c domain.Consumer) error
	RemoveConsumer(owner Owner, id domain.ConsumerID) (domain.Consumer, error)
	Consumer(owner Owner, id domain.ConsumerID) (domain.Consumer, error)
	SetConsumerPaused(owner Owner, id domain.ConsumerID, paused bool) error

	// Broadcast sends ev to every member except the user from.
	Broadcast(from domain.UserID, ev protocol.Event) PublishResult
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}

type RoomManager interface {
	// Join adds the user to the room, creating it when absent.
	Join(id domain.RoomID, user *domain.User, ms MemberSession) (RoomService, JoinResult)
	// Leave removes the member and destroys the room once empty.
	Leave(room RoomService, owner Owner) (Teardown, bool)
	GetRoom(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
}

// EventMirror receives every room event after local delivery.
type EventMirror interface {
	Mirror(roomID domain.RoomID, ev protocol.Event)
}

type RoomOptions struct {
	Mirror EventMirror
	// OnDropped is called outside the room lock for each member whose
	// signal queue rejected an event.
	OnDropped func(room RoomService, ms MemberSession)
}
