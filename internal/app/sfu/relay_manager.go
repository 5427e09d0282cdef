package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/roomsignal/internal/domain"
	"github.com/rs/zerolog/log"
)

// RelayManager owns one Relay per producer and knows which relay every
// consumer hangs off.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.ProducerID]*Relay
	subs   map[domain.ConsumerID]domain.ProducerID
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.ProducerID]*Relay),
		subs:   make(map[domain.ConsumerID]domain.ProducerID),
	}
}

// StartRelay creates a new Relay for the producer and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, pid domain.ProducerID, read ReadFunc) {
	logger := log.With().
		Str("module", "relay").
		Str("producer", string(pid)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(read, cancel)

	m.mu.Lock()
	if old, ok := m.relays[pid]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		old.cancel()
	}
	m.relays[pid] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)
}

// AddSubscriber attaches an OutTrack for consumer cid to the relay of pid.
func (m *RelayManager) AddSubscriber(pid domain.ProducerID, cid domain.ConsumerID, w Writer, paused bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	relay, ok := m.relays[pid]
	if !ok {
		return false
	}
	relay.AddOutTrack(cid, NewOutTrack(w, paused))
	m.subs[cid] = pid
	return true
}

func (m *RelayManager) lookup(cid domain.ConsumerID) (*OutTrack, bool) {
	m.mu.RLock()
	pid, ok := m.subs[cid]
	relay := m.relays[pid]
	m.mu.RUnlock()
	if !ok || relay == nil {
		return nil, false
	}
	return relay.outTrack(cid)
}

// SetPaused mutes or resumes forwarding to one consumer.
func (m *RelayManager) SetPaused(cid domain.ConsumerID, paused bool) bool {
	ot, ok := m.lookup(cid)
	if !ok || ot.GetState() == TrackStateDelete {
		return false
	}
	if paused {
		ot.MarkMuted()
	} else {
		ot.MarkOk()
	}
	return true
}

// RemoveSubscriber marks the consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) RemoveSubscriber(cid domain.ConsumerID) {
	ot, ok := m.lookup(cid)
	m.mu.Lock()
	delete(m.subs, cid)
	m.mu.Unlock()
	if ok {
		ot.MarkDelete()
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(pid domain.ProducerID) {
	m.mu.Lock()
	relay, ok := m.relays[pid]
	if ok {
		delete(m.relays, pid)
		for cid, p := range m.subs {
			if p == pid {
				delete(m.subs, cid)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
}

// HasRelay reports whether a relay exists for pid.
func (m *RelayManager) HasRelay(pid domain.ProducerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[pid]
	return ok
}
