// Package pubsub mirrors room events to other services.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/roomsignal/internal/core"
	"github.com/dkeye/roomsignal/internal/domain"
	"github.com/dkeye/roomsignal/internal/protocol"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Message is what lands on the channel.
type Message struct {
	Type      protocol.EventType `json:"type"`
	RoomID    domain.RoomID      `json:"room_id"`
	Payload   json.RawMessage    `json:"payload"`
	Timestamp int64              `json:"timestamp"`
}

// Publisher is the part of a redis client the mirror uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type queued struct {
	room domain.RoomID
	ev   protocol.Event
	at   time.Time
}

// RedisMirror publishes room events on "<prefix>:room:<id>". Mirror never
// blocks the room: events that do not fit the queue are dropped.
type RedisMirror struct {
	pub     Publisher
	prefix  string
	queue   chan queued
	dropped atomic.Int64
	now     func() time.Time
}

var _ core.EventMirror = (*RedisMirror)(nil)

func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisMirror(pub Publisher, prefix string, buffer int) *RedisMirror {
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisMirror{
		pub:    pub,
		prefix: prefix,
		queue:  make(chan queued, buffer),
		now:    time.Now,
	}
}

func (m *RedisMirror) Channel(room domain.RoomID) string {
	return fmt.Sprintf("%s:room:%s", m.prefix, room)
}

func (m *RedisMirror) Mirror(room domain.RoomID, ev protocol.Event) {
	select {
	case m.queue <- queued{room: room, ev: ev, at: m.now()}:
	default:
		if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warn().Str("module", "pubsub").Str("room", string(room)).Int64("dropped", n).Msg("mirror queue full")
		}
	}
}

// Dropped reports how many events never made it into the queue.
func (m *RedisMirror) Dropped() int64 {
	return m.dropped.Load()
}

// Run publishes queued events until ctx is done.
func (m *RedisMirror) Run(ctx context.Context) error {
	logger := log.With().Str("module", "pubsub").Logger()
	logger.Info().Str("prefix", m.prefix).Msg("event mirror started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("event mirror stopped")
			return nil
		case q := <-m.queue:
			if err := m.publish(ctx, q); err != nil {
				logger.Error().Err(err).Str("room", string(q.room)).Str("event", string(q.ev.Type)).Msg("publish failed")
			}
		}
	}
}

func (m *RedisMirror) publish(ctx context.Context, q queued) error {
	payload, err := json.Marshal(q.ev.Data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(Message{
		Type:      q.ev.Type,
		RoomID:    q.room,
		Payload:   payload,
		Timestamp: q.at.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return m.pub.Publish(ctx, m.Channel(q.room), data).Err()
}
