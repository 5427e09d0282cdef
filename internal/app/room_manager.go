package app

import (
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/roomsignal/internal/core"
	"github.com/dkeye/roomsignal/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomManagerImpl creates rooms on first join and drops them once empty.
// Its lock is held across a room's join and leave, so a room is never
// removed while someone is joining it.
type RoomManagerImpl struct {
	videoAllowed bool
	opts         core.RoomOptions

	mu    sync.Mutex
	rooms map[domain.RoomID]core.RoomService
}

func NewRoomManager(videoAllowed bool, opts core.RoomOptions) *RoomManagerImpl {
	return &RoomManagerImpl{
		videoAllowed: videoAllowed,
		opts:         opts,
		rooms:        make(map[domain.RoomID]core.RoomService),
	}
}

func (f *RoomManagerImpl) Join(id domain.RoomID, user *domain.User, ms core.MemberSession) (core.RoomService, core.JoinResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok {
		room = core.NewRoomService(&domain.Room{ID: id, VideoAllowed: f.videoAllowed}, f.opts)
		f.rooms[id] = room
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room created")
	}
	return room, room.Join(user, ms)
}

func (f *RoomManagerImpl) Leave(room core.RoomService, owner core.Owner) (core.Teardown, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	td, ok := room.Leave(owner)
	id := room.Room().ID
	if room.MemberCount() == 0 && f.rooms[id] == room {
		delete(f.rooms, id)
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room destroyed")
	}
	return td, ok
}

func (f *RoomManagerImpl) GetRoom(id domain.RoomID) (core.RoomService, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: r.MemberCount()})
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}
