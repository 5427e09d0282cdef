package core

import (
	"sync"

	"github.com/dkeye/roomsignal/internal/domain"
	"github.com/dkeye/roomsignal/internal/protocol"
	"github.com/rs/zerolog/log"
)

type member struct {
	user  *domain.User
	sess  MemberSession
	media *MediaRegistry
}

// outgoing is an event queued during a mutation. It is delivered before the
// lock is released so peers observe events in mutation order.
type outgoing struct {
	exclude domain.UserID
	ev      protocol.Event
}

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room *domain.Room
	opts RoomOptions

	mu      sync.RWMutex
	members map[domain.UserID]*member
}

func NewRoomService(room *domain.Room, opts RoomOptions) RoomService {
	return &roomImpl{
		room:    room,
		opts:    opts,
		members: make(map[domain.UserID]*member),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *roomImpl) SessionOf(uid domain.UserID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[uid]
	if !ok {
		return nil, false
	}
	return m.sess, true
}

func (r *roomImpl) Snapshot() domain.RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := domain.RoomSnapshot{
		ID:           r.room.ID,
		VideoAllowed: r.room.VideoAllowed,
		Users:        make(map[domain.UserID]domain.UserInfo, len(r.members)),
	}
	for uid, m := range r.members {
		snap.Users[uid] = domain.UserInfo{
			ID:        uid,
			Name:      m.user.Username,
			Producers: m.media.ProducerIDs(),
		}
	}
	return snap
}

func (r *roomImpl) Join(user *domain.User, ms MemberSession) JoinResult {
	var (
		res JoinResult
		out []outgoing
	)
	r.mu.Lock()
	if old, ok := r.members[user.ID]; ok {
		res.Evicted = old.sess
		res.Teardown = r.removeMemberLocked(old, &out)
	}
	r.members[user.ID] = &member{user: user, sess: ms, media: NewMediaRegistry()}
	out = append(out, outgoing{exclude: user.ID, ev: protocol.UserJoined(user.ID)})
	dropped := r.deliverLocked(out)
	r.mu.Unlock()

	r.afterDeliver(out, dropped)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(ms.SID())).Str("user", string(user.ID)).Bool("evicted", res.Evicted != nil).Msg("member added")
	return res
}

func (r *roomImpl) Leave(owner Owner) (Teardown, bool) {
	var out []outgoing
	r.mu.Lock()
	m, err := r.memberLocked(owner)
	if err != nil {
		r.mu.Unlock()
		return Teardown{}, false
	}
	td := r.removeMemberLocked(m, &out)
	dropped := r.deliverLocked(out)
	r.mu.Unlock()

	r.afterDeliver(out, dropped)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(owner.SID)).Str("user", string(owner.UserID)).Msg("member removed")
	return td, true
}

func (r *roomImpl) AddProducer(owner Owner, p domain.Producer) (Teardown, error) {
	var (
		out []outgoing
		td  Teardown
	)
	r.mu.Lock()
	m, err := r.memberLocked(owner)
	if err != nil {
		r.mu.Unlock()
		return td, err
	}
	if _, exists := m.media.producers[p.Type]; exists {
		td = r.dropProducerLocked(m, p.Type, &out)
	}
	m.media.addProducer(p)
	out = append(out, outgoing{exclude: owner.UserID, ev: protocol.UserStartProduce(owner.UserID, p.Type)})
	dropped := r.deliverLocked(out)
	r.mu.Unlock()

	r.afterDeliver(out, dropped)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("user", string(owner.UserID)).Str("type", string(p.Type)).Str("producer", string(p.ID)).Msg("producer added")
	return td, nil
}

func (r *roomImpl) RemoveProducer(owner Owner, t domain.ProduceType) (Teardown, error) {
	var out []outgoing
	r.mu.Lock()
	m, err := r.memberLocked(owner)
	if err != nil {
		r.mu.Unlock()
		return Teardown{}, err
	}
	if _, exists := m.media.producers[t]; !exists {
		r.mu.Unlock()
		return Teardown{}, nil
	}
	td := r.dropProducerLocked(m, t, &out)
	dropped := r.deliverLocked(out)
	r.mu.Unlock()

	r.afterDeliver(out, dropped)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("user", string(owner.UserID)).Str("type", string(t)).Int("consumers", len(td.Consumers)).Msg("producer removed")
	return td, nil
}

func (r *roomImpl) Producer(uid domain.UserID, t domain.ProduceType) (domain.Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[uid]
	if !ok {
		return domain.Producer{}, false
	}
	return m.media.Producer(t)
}

func (r *roomImpl) AddConsumer(owner Owner, c domain.Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.memberLocked(owner)
	if err != nil {
		return err
	}
	src, ok := r.members[c.ProducerUser]
	if !ok {
		return domain.ErrNoSuchProducer
	}
	if !src.media.linkConsumer(c.ProduceType, c.ProducerID, c.ID, owner.UserID) {
		return domain.ErrNoSuchProducer
	}
	m.media.addConsumer(c)
	return nil
}

func (r *roomImpl) RemoveConsumer(owner Owner, id domain.ConsumerID) (domain.Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.memberLocked(owner)
	if err != nil {
		return domain.Consumer{}, err
	}
	c, ok := m.media.removeConsumer(id)
	if !ok {
		return domain.Consumer{}, domain.ErrUnknownConsumer
	}
	if src, ok := r.members[c.ProducerUser]; ok {
		src.media.unlinkConsumer(c.ProduceType, c.ID)
	}
	return c, nil
}

func (r *roomImpl) Consumer(owner Owner, id domain.ConsumerID) (domain.Consumer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, err := r.memberLocked(owner)
	if err != nil {
		return domain.Consumer{}, err
	}
	c, ok := m.media.Consumer(id)
	if !ok {
		return domain.Consumer{}, domain.ErrUnknownConsumer
	}
	return c, nil
}

func (r *roomImpl) SetConsumerPaused(owner Owner, id domain.ConsumerID, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.memberLocked(owner)
	if err != nil {
		return err
	}
	if !m.media.setPaused(id, paused) {
		return domain.ErrUnknownConsumer
	}
	return nil
}

func (r *roomImpl) Broadcast(from domain.UserID, ev protocol.Event) PublishResult {
	out := []outgoing{{exclude: from, ev: ev}}
	r.mu.RLock()
	res := r.publishLocked(out)
	r.mu.RUnlock()

	r.afterDeliver(out, res.Dropped)
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) memberLocked(owner Owner) (*member, error) {
	m, ok := r.members[owner.UserID]
	if !ok || m.sess.SID() != owner.SID {
		return nil, domain.ErrNotInRoom
	}
	return m, nil
}

// dropProducerLocked removes the producer of type t and every consumer bound
// to it, queueing the stop event.
func (r *roomImpl) dropProducerLocked(m *member, t domain.ProduceType, out *[]outgoing) Teardown {
	var td Teardown
	e, ok := m.media.removeProducer(t)
	if !ok {
		return td
	}
	for cid, uid := range e.consumers {
		owner := m
		if uid != m.user.ID {
			if owner, ok = r.members[uid]; !ok {
				continue
			}
		}
		if _, ok := owner.media.removeConsumer(cid); ok {
			td.Consumers = append(td.Consumers, cid)
		}
	}
	td.Producers = append(td.Producers, e.ID)
	*out = append(*out, outgoing{exclude: m.user.ID, ev: protocol.UserStopProduce(m.user.ID, t)})
	return td
}

// removeMemberLocked walks the member's media top-down: its producers with
// their dependent consumers first, then its own consumers.
func (r *roomImpl) removeMemberLocked(m *member, out *[]outgoing) Teardown {
	delete(r.members, m.user.ID)
	var td Teardown
	for _, t := range m.media.producerTypes() {
		td.Merge(r.dropProducerLocked(m, t, out))
	}
	for _, cid := range m.media.consumerIDs() {
		c, _ := m.media.removeConsumer(cid)
		if src, ok := r.members[c.ProducerUser]; ok {
			src.media.unlinkConsumer(c.ProduceType, c.ID)
		}
		td.Consumers = append(td.Consumers, cid)
	}
	*out = append(*out, outgoing{exclude: m.user.ID, ev: protocol.UserLeft(m.user.ID)})
	return td
}

func (r *roomImpl) deliverLocked(out []outgoing) []MemberSession {
	return r.publishLocked(out).Dropped
}

// publishLocked never blocks: a member whose queue is full is reported as
// dropped and delivery to the others continues.
func (r *roomImpl) publishLocked(out []outgoing) PublishResult {
	var res PublishResult
	seen := make(map[SessionID]bool)
	for _, o := range out {
		frame, err := protocol.EncodeEvent(o.ev)
		if err != nil {
			log.Error().Err(err).Str("module", "core.room").Str("event", string(o.ev.Type)).Msg("encode event")
			continue
		}
		for uid, m := range r.members {
			if uid == o.exclude {
				continue
			}
			if err := m.sess.Signal().TrySend(frame); err != nil {
				if !seen[m.sess.SID()] {
					seen[m.sess.SID()] = true
					res.Dropped = append(res.Dropped, m.sess)
				}
				continue
			}
			res.SendTo++
		}
	}
	return res
}

func (r *roomImpl) afterDeliver(out []outgoing, dropped []MemberSession) {
	if r.opts.Mirror != nil {
		for _, o := range out {
			r.opts.Mirror.Mirror(r.room.ID, o.ev)
		}
	}
	if r.opts.OnDropped != nil {
		for _, ms := range dropped {
			r.opts.OnDropped(r, ms)
		}
	}
}
