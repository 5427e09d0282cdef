package domain

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

type (
	TransportID string
	ProducerID  string
	ConsumerID  string
)

// ProduceType is the slot a user publishes into. A user holds at most one
// producer per type.
type ProduceType string

const (
	ProduceAudio  ProduceType = "audio"
	ProduceVideo  ProduceType = "video"
	ProduceScreen ProduceType = "screen"
)

func (t ProduceType) Valid() bool {
	switch t {
	case ProduceAudio, ProduceVideo, ProduceScreen:
		return true
	}
	return false
}

// Kind is the media kind carried by the produce type.
func (t ProduceType) Kind() MediaKind {
	if t == ProduceAudio {
		return KindAudio
	}
	return KindVideo
}

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

// RTPCodec describes one negotiated codec.
type RTPCodec struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc"`
}

type RTPParameters struct {
	Codecs    []RTPCodec    `json:"codecs"`
	Encodings []RTPEncoding `json:"encodings"`
}

type RTPCapabilities struct {
	Codecs []RTPCodec `json:"codecs"`
}

// Supports reports whether a codec with the given mime type is listed.
func (c RTPCapabilities) Supports(mimeType string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return true
		}
	}
	return false
}

// TransportOptions is what a client needs to build its side of a transport.
type TransportOptions struct {
	ID             TransportID           `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// TransportPair is the reply to transport initialization.
type TransportPair struct {
	Send TransportOptions `json:"send"`
	Recv TransportOptions `json:"recv"`
}

// ConnectTransportData completes negotiation of one transport.
type ConnectTransportData struct {
	ID             TransportID           `json:"id"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
}

type Producer struct {
	ID   ProducerID
	Type ProduceType
	Kind MediaKind
}

// Consumer is one member's subscription to another member's producer.
type Consumer struct {
	ID           ConsumerID
	ProducerID   ProducerID
	ProducerUser UserID
	ProduceType  ProduceType
	Kind         MediaKind
	Paused       bool
}

// ConsumerParameters is what the media engine returns for a new consumer.
type ConsumerParameters struct {
	ID            ConsumerID
	Kind          MediaKind
	RTPParameters RTPParameters
}
