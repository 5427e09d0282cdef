// Package protocol defines the signaling wire format: commands sent by a
// client, replies correlated to them, and unsolicited room events.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/roomsignal/internal/domain"
)

// Type names a command. A reply carries the type of the command it answers.
type Type string

const (
	TypeAuthenticate         Type = "Authenticate"
	TypeInitializeTransports Type = "InitializeTransports"
	TypeConnectTransport     Type = "ConnectTransport"
	TypeRoomInfo             Type = "RoomInfo"
	TypeStartProduce         Type = "StartProduce"
	TypeStopProduce          Type = "StopProduce"
	TypeStartConsume         Type = "StartConsume"
	TypeStopConsume          Type = "StopConsume"
	TypeSetConsumerPause     Type = "SetConsumerPause"
)

// Command is a decoded client request. The set of implementations is closed:
// each one dispatches itself onto the matching Handler method.
type Command interface {
	Type() Type
	dispatch(ctx context.Context, h Handler) (any, error)
}

// Handler executes commands. A new command cannot be added without adding
// its method here.
type Handler interface {
	Authenticate(ctx context.Context, cmd Authenticate) (*AuthenticateReply, error)
	InitializeTransports(ctx context.Context, cmd InitializeTransports) (*domain.TransportPair, error)
	ConnectTransport(ctx context.Context, cmd ConnectTransport) error
	RoomInfo(ctx context.Context, cmd RoomInfo) (*domain.RoomSnapshot, error)
	StartProduce(ctx context.Context, cmd StartProduce) (*StartProduceReply, error)
	StopProduce(ctx context.Context, cmd StopProduce) error
	StartConsume(ctx context.Context, cmd StartConsume) (*StartConsumeReply, error)
	StopConsume(ctx context.Context, cmd StopConsume) error
	SetConsumerPause(ctx context.Context, cmd SetConsumerPause) error
}

// Dispatch runs cmd on h and returns the reply data, nil when the command
// has none.
func Dispatch(ctx context.Context, h Handler, cmd Command) (any, error) {
	return cmd.dispatch(ctx, h)
}

type Authenticate struct {
	RoomID domain.RoomID `json:"roomId"`
	Token  string        `json:"token"`
}

type AuthenticateReply struct {
	UserID          domain.UserID          `json:"userId"`
	RoomID          domain.RoomID          `json:"roomId"`
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
}

// InitializeTransports carries the client's receive capabilities.
type InitializeTransports struct {
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
}

type ConnectTransport struct {
	domain.ConnectTransportData
}

type RoomInfo struct{}

type StartProduce struct {
	ProduceType   domain.ProduceType   `json:"produceType"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
}

type StartProduceReply struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type StopProduce struct {
	ProduceType domain.ProduceType `json:"produceType"`
}

type StartConsume struct {
	ProduceType domain.ProduceType `json:"produceType"`
	UserID      domain.UserID      `json:"userId"`
}

type StartConsumeReply struct {
	ID            domain.ConsumerID    `json:"id"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
	Paused        bool                 `json:"paused"`
}

type StopConsume struct {
	ID domain.ConsumerID `json:"id"`
}

type SetConsumerPause struct {
	ID     domain.ConsumerID `json:"id"`
	Paused bool              `json:"paused"`
}

func (Authenticate) Type() Type         { return TypeAuthenticate }
func (InitializeTransports) Type() Type { return TypeInitializeTransports }
func (ConnectTransport) Type() Type     { return TypeConnectTransport }
func (RoomInfo) Type() Type             { return TypeRoomInfo }
func (StartProduce) Type() Type         { return TypeStartProduce }
func (StopProduce) Type() Type          { return TypeStopProduce }
func (StartConsume) Type() Type         { return TypeStartConsume }
func (StopConsume) Type() Type          { return TypeStopConsume }
func (SetConsumerPause) Type() Type     { return TypeSetConsumerPause }

func (c Authenticate) dispatch(ctx context.Context, h Handler) (any, error) {
	return nonNil[AuthenticateReply](h.Authenticate(ctx, c))
}

func (c InitializeTransports) dispatch(ctx context.Context, h Handler) (any, error) {
	return nonNil[domain.TransportPair](h.InitializeTransports(ctx, c))
}

func (c ConnectTransport) dispatch(ctx context.Context, h Handler) (any, error) {
	return nil, h.ConnectTransport(ctx, c)
}

func (c RoomInfo) dispatch(ctx context.Context, h Handler) (any, error) {
	return nonNil[domain.RoomSnapshot](h.RoomInfo(ctx, c))
}

func (c StartProduce) dispatch(ctx context.Context, h Handler) (any, error) {
	return nonNil[StartProduceReply](h.StartProduce(ctx, c))
}

func (c StopProduce) dispatch(ctx context.Context, h Handler) (any, error) {
	return nil, h.StopProduce(ctx, c)
}

func (c StartConsume) dispatch(ctx context.Context, h Handler) (any, error) {
	return nonNil[StartConsumeReply](h.StartConsume(ctx, c))
}

func (c StopConsume) dispatch(ctx context.Context, h Handler) (any, error) {
	return nil, h.StopConsume(ctx, c)
}

func (c SetConsumerPause) dispatch(ctx context.Context, h Handler) (any, error) {
	return nil, h.SetConsumerPause(ctx, c)
}

// nonNil keeps a typed nil pointer out of the returned interface.
func nonNil[T any](v *T, err error) (any, error) {
	if err != nil || v == nil {
		return nil, err
	}
	return v, nil
}

// Envelope is the outer shape shared by commands and replies.
type Envelope struct {
	ID   *string         `json:"id"`
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses one inbound frame. On failure the returned envelope holds
// whatever id and type could be recovered so the failure can still be
// correlated.
func Decode(raw []byte) (Envelope, Command, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return recoverEnvelope(raw), nil, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	if env.Type == "" {
		return env, nil, fmt.Errorf("%w: missing type", domain.ErrBadRequest)
	}

	cmd, err := decodeData(env.Type, env.Data)
	if err != nil {
		return env, nil, err
	}
	return env, cmd, nil
}

func decodeData(t Type, data json.RawMessage) (Command, error) {
	switch t {
	case TypeAuthenticate:
		var c Authenticate
		if err := unmarshalData(data, &c); err != nil {
			return nil, err
		}
		if c.RoomID == "" || c.Token == "" {
			return nil, fmt.Errorf("%w: roomId and token are required", domain.ErrBadRequest)
		}
		return c, nil
	case TypeInitializeTransports:
		var c InitializeTransports
		if len(data) > 0 && string(data) != "null" {
			if err := unmarshalData(data, &c); err != nil {
				return nil, err
			}
		}
		return c, nil
	case TypeConnectTransport:
		var c ConnectTransport
		if err := unmarshalData(data, &c); err != nil {
			return nil, err
		}
		if c.ID == "" {
			return nil, fmt.Errorf("%w: transport id is required", domain.ErrBadRequest)
		}
		return c, nil
	case TypeRoomInfo:
		return RoomInfo{}, nil
	case TypeStartProduce:
		var c StartProduce
		if err := unmarshalData(data, &c); err != nil {
			return nil, err
		}
		if !c.ProduceType.Valid() {
			return nil, fmt.Errorf("%w: unknown produceType %q", domain.ErrBadRequest, c.ProduceType)
		}
		if len(c.RTPParameters.Codecs) == 0 || len(c.RTPParameters.Encodings) == 0 {
			return nil, fmt.Errorf("%w: rtpParameters need a codec and an encoding", domain.ErrBadRequest)
		}
		return c, nil
	case TypeStopProduce:
		var c StopProduce
		if err := unmarshalData(data, &c); err != nil {
			return nil, err
		}
		if !c.ProduceType.Valid() {
			return nil, fmt.Errorf("%w: unknown produceType %q", domain.ErrBadRequest, c.ProduceType)
		}
		return c, nil
	case TypeStartConsume:
		var c StartConsume
		if err := unmarshalData(data, &c); err != nil {
			return nil, err
		}
		if !c.ProduceType.Valid() || c.UserID == "" {
			return nil, fmt.Errorf("%w: produceType and userId are required", domain.ErrBadRequest)
		}
		return c, nil
	case TypeStopConsume:
		var c StopConsume
		if err := unmarshalData(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeSetConsumerPause:
		var c SetConsumerPause
		if err := unmarshalData(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", domain.ErrBadRequest, t)
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", domain.ErrBadRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	return nil
}

// recoverEnvelope pulls id and type out of a frame whose data did not parse.
func recoverEnvelope(raw []byte) Envelope {
	var loose struct {
		ID   json.RawMessage `json:"id"`
		Type json.RawMessage `json:"type"`
	}
	var env Envelope
	if json.Unmarshal(raw, &loose) != nil {
		return env
	}
	var id string
	if json.Unmarshal(loose.ID, &id) == nil {
		env.ID = &id
	}
	var t string
	if json.Unmarshal(loose.Type, &t) == nil {
		env.Type = Type(t)
	}
	return env
}
