package core

import (
	"context"

	"github.com/dkeye/roomsignal/internal/domain"
)

// MediaEngine moves the actual media. Calls may block on network
// negotiation and must never be made while holding a room lock.
type MediaEngine interface {
	// Capabilities lists the codecs rooms negotiate with clients.
	Capabilities() domain.RTPCapabilities

	CreateTransport(ctx context.Context, user domain.UserID, dir domain.TransportDirection) (domain.TransportOptions, error)
	// ConnectTransport completes ICE and DTLS for a created transport.
	ConnectTransport(ctx context.Context, data domain.ConnectTransportData) error

	Produce(ctx context.Context, transport domain.TransportID, kind domain.MediaKind, params domain.RTPParameters) (domain.ProducerID, error)
	// Consume attaches a new consumer of producer to transport. caps are the
	// receiving client's capabilities.
	Consume(ctx context.Context, transport domain.TransportID, producer domain.ProducerID, caps domain.RTPCapabilities, paused bool) (domain.ConsumerParameters, error)
	SetPause(ctx context.Context, consumer domain.ConsumerID, paused bool) error

	CloseConsumer(id domain.ConsumerID)
	CloseProducer(id domain.ProducerID)
	CloseTransport(id domain.TransportID)
}
