package protocol

import (
	"encoding/json"

	"github.com/dkeye/roomsignal/internal/domain"
)

type EventType string

const (
	EventUserJoined       EventType = "UserJoined"
	EventUserLeft         EventType = "UserLeft"
	EventUserStartProduce EventType = "UserStartProduce"
	EventUserStopProduce  EventType = "UserStopProduce"
)

// Event is an unsolicited room notification. It never carries an id.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type UserRef struct {
	ID domain.UserID `json:"id"`
}

type UserProduce struct {
	ID   domain.UserID      `json:"id"`
	Type domain.ProduceType `json:"type"`
}

func UserJoined(id domain.UserID) Event {
	return Event{Type: EventUserJoined, Data: UserRef{ID: id}}
}

func UserLeft(id domain.UserID) Event {
	return Event{Type: EventUserLeft, Data: UserRef{ID: id}}
}

func UserStartProduce(id domain.UserID, t domain.ProduceType) Event {
	return Event{Type: EventUserStartProduce, Data: UserProduce{ID: id, Type: t}}
}

func UserStopProduce(id domain.UserID, t domain.ProduceType) Event {
	return Event{Type: EventUserStopProduce, Data: UserProduce{ID: id, Type: t}}
}

func EncodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
