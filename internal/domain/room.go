package domain

type RoomID string

type Room struct {
	ID           RoomID
	VideoAllowed bool
}

// RoomSnapshot is a consistent read of a room's membership and producers.
type RoomSnapshot struct {
	ID           RoomID              `json:"id"`
	VideoAllowed bool                `json:"videoAllowed"`
	Users        map[UserID]UserInfo `json:"users"`
}
