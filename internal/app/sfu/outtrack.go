package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// Writer is the sink of forwarded packets, usually a
// *webrtc.TrackLocalStaticRTP bound to a consumer's sender.
type Writer interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack represents a single outgoing track to a consumer.
type OutTrack struct {
	Track Writer
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(track Writer, paused bool) *OutTrack {
	ot := &OutTrack{Track: track}
	if paused {
		ot.MarkMuted()
	}
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkDelete is final; a deleted track never comes back.
func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
