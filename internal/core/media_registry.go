package core

import (
	"maps"
	"slices"

	"github.com/dkeye/roomsignal/internal/domain"
)

type producerEntry struct {
	domain.Producer
	// consumers are back-references: consumer id -> owning user.
	consumers map[domain.ConsumerID]domain.UserID
}

// MediaRegistry holds one member's producers and consumers.
// It has no lock of its own; the owning room guards it.
type MediaRegistry struct {
	producers map[domain.ProduceType]*producerEntry
	consumers map[domain.ConsumerID]*domain.Consumer
}

func NewMediaRegistry() *MediaRegistry {
	return &MediaRegistry{
		producers: make(map[domain.ProduceType]*producerEntry),
		consumers: make(map[domain.ConsumerID]*domain.Consumer),
	}
}

func (m *MediaRegistry) Producer(t domain.ProduceType) (domain.Producer, bool) {
	e, ok := m.producers[t]
	if !ok {
		return domain.Producer{}, false
	}
	return e.Producer, true
}

func (m *MediaRegistry) ProducerIDs() map[domain.ProduceType]domain.ProducerID {
	out := make(map[domain.ProduceType]domain.ProducerID, len(m.producers))
	for t, e := range m.producers {
		out[t] = e.ID
	}
	return out
}

func (m *MediaRegistry) Consumer(id domain.ConsumerID) (domain.Consumer, bool) {
	c, ok := m.consumers[id]
	if !ok {
		return domain.Consumer{}, false
	}
	return *c, true
}

func (m *MediaRegistry) Len() (producers, consumers int) {
	return len(m.producers), len(m.consumers)
}

func (m *MediaRegistry) addProducer(p domain.Producer) {
	m.producers[p.Type] = &producerEntry{
		Producer:  p,
		consumers: make(map[domain.ConsumerID]domain.UserID),
	}
}

func (m *MediaRegistry) removeProducer(t domain.ProduceType) (*producerEntry, bool) {
	e, ok := m.producers[t]
	if ok {
		delete(m.producers, t)
	}
	return e, ok
}

// linkConsumer records a dependent consumer on the producer of type t,
// provided that producer is still pid.
func (m *MediaRegistry) linkConsumer(t domain.ProduceType, pid domain.ProducerID, cid domain.ConsumerID, owner domain.UserID) bool {
	e, ok := m.producers[t]
	if !ok || e.ID != pid {
		return false
	}
	e.consumers[cid] = owner
	return true
}

func (m *MediaRegistry) unlinkConsumer(t domain.ProduceType, cid domain.ConsumerID) {
	if e, ok := m.producers[t]; ok {
		delete(e.consumers, cid)
	}
}

func (m *MediaRegistry) addConsumer(c domain.Consumer) {
	m.consumers[c.ID] = &c
}

func (m *MediaRegistry) removeConsumer(id domain.ConsumerID) (domain.Consumer, bool) {
	c, ok := m.consumers[id]
	if !ok {
		return domain.Consumer{}, false
	}
	delete(m.consumers, id)
	return *c, true
}

func (m *MediaRegistry) setPaused(id domain.ConsumerID, paused bool) bool {
	c, ok := m.consumers[id]
	if ok {
		c.Paused = paused
	}
	return ok
}

func (m *MediaRegistry) producerTypes() []domain.ProduceType {
	return slices.Sorted(maps.Keys(m.producers))
}

func (m *MediaRegistry) consumerIDs() []domain.ConsumerID {
	return slices.Sorted(maps.Keys(m.consumers))
}
