package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/roomsignal/internal/core"
	"github.com/dkeye/roomsignal/internal/domain"
)

type fakeEngine struct {
	mu         sync.Mutex
	seq        int
	connectErr error
	produceErr error
	connects   int
	transports []domain.TransportID
	failed     map[domain.TransportID]bool
	kinds      map[domain.ProducerID]domain.MediaKind
	paused     map[domain.ConsumerID]bool

	closedTransports []domain.TransportID
	closedProducers  []domain.ProducerID
	closedConsumers  []domain.ConsumerID

	// beforeConsume runs at the start of Consume, while the consuming
	// session is still mid-command.
	beforeConsume func()
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		failed: make(map[domain.TransportID]bool),
		kinds:  make(map[domain.ProducerID]domain.MediaKind),
		paused: make(map[domain.ConsumerID]bool),
	}
}

func (e *fakeEngine) next(prefix string) string {
	e.seq++
	return fmt.Sprintf("%s%d", prefix, e.seq)
}

func (e *fakeEngine) Capabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: []domain.RTPCodec{
		{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2},
	}}
}

func (e *fakeEngine) CreateTransport(_ context.Context, _ domain.UserID, _ domain.TransportDirection) (domain.TransportOptions, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := domain.TransportID(e.next("t"))
	e.transports = append(e.transports, id)
	return domain.TransportOptions{ID: id}, nil
}

// ConnectTransport forgets a transport whose negotiation failed, like the
// real engine does once the connect deadline passes.
func (e *fakeEngine) ConnectTransport(_ context.Context, data domain.ConnectTransportData) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connects++
	if e.failed[data.ID] {
		return domain.ErrUnknownTransport
	}
	if e.connectErr != nil {
		e.failed[data.ID] = true
	}
	return e.connectErr
}

func (e *fakeEngine) Produce(_ context.Context, _ domain.TransportID, kind domain.MediaKind, _ domain.RTPParameters) (domain.ProducerID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.produceErr != nil {
		return "", e.produceErr
	}
	id := domain.ProducerID(e.next("p"))
	e.kinds[id] = kind
	return id, nil
}

func (e *fakeEngine) Consume(_ context.Context, _ domain.TransportID, producer domain.ProducerID, _ domain.RTPCapabilities, paused bool) (domain.ConsumerParameters, error) {
	if e.beforeConsume != nil {
		e.beforeConsume()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	kind, ok := e.kinds[producer]
	if !ok {
		return domain.ConsumerParameters{}, domain.ErrNoSuchProducer
	}
	id := domain.ConsumerID(e.next("c"))
	e.paused[id] = paused
	return domain.ConsumerParameters{
		ID:   id,
		Kind: kind,
		RTPParameters: domain.RTPParameters{
			Codecs:    e.Capabilities().Codecs,
			Encodings: []domain.RTPEncoding{{SSRC: 1000 + uint32(e.seq)}},
		},
	}, nil
}

func (e *fakeEngine) SetPause(_ context.Context, consumer domain.ConsumerID, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.paused[consumer]; !ok {
		return domain.ErrUnknownConsumer
	}
	e.paused[consumer] = paused
	return nil
}

func (e *fakeEngine) CloseConsumer(id domain.ConsumerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.paused, id)
	e.closedConsumers = append(e.closedConsumers, id)
}

func (e *fakeEngine) CloseProducer(id domain.ProducerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closedProducers = append(e.closedProducers, id)
}

func (e *fakeEngine) CloseTransport(id domain.TransportID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closedTransports = append(e.closedTransports, id)
}

// fakeValidator accepts any token of the form "user:<id>".
type fakeValidator struct{}

func (fakeValidator) Validate(_ context.Context, _ domain.RoomID, token string) (*domain.User, error) {
	var id string
	if _, err := fmt.Sscanf(token, "user:%s", &id); err != nil {
		return nil, fmt.Errorf("%w: malformed token", domain.ErrAuth)
	}
	return domain.NewUser(id, "")
}

var errFull = errors.New("queue full")

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full || c.closed {
		return errFull
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// events returns "Type:id[:produceType]" for every frame received.
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

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
