package app

import (
	"github.com/dkeye/roomsignal/internal/domain"
)

type transportEntry struct {
	opts      domain.TransportOptions
	connected bool
}

// Transports is a user's send/recv transport pair.
// Not threadsafe; the owning Session serializes access.
type Transports struct {
	send *transportEntry
	recv *transportEntry
}

func (t *Transports) Initialized() bool {
	return t.send != nil && t.recv != nil
}

func (t *Transports) Pair() domain.TransportPair {
	if !t.Initialized() {
		return domain.TransportPair{}
	}
	return domain.TransportPair{Send: t.send.opts, Recv: t.recv.opts}
}

func (t *Transports) slot(dir domain.TransportDirection) **transportEntry {
	if dir == domain.DirectionRecv {
		return &t.recv
	}
	return &t.send
}

// Has reports whether a transport exists for dir.
func (t *Transports) Has(dir domain.TransportDirection) bool {
	return *t.slot(dir) != nil
}

func (t *Transports) set(dir domain.TransportDirection, opts domain.TransportOptions) {
	*t.slot(dir) = &transportEntry{opts: opts}
}

// drop forgets the transport id so the next initialization replaces it.
func (t *Transports) drop(id domain.TransportID) bool {
	for _, p := range []**transportEntry{&t.send, &t.recv} {
		if *p != nil && (*p).opts.ID == id {
			*p = nil
			return true
		}
	}
	return false
}

func (t *Transports) lookup(id domain.TransportID) (*transportEntry, bool) {
	for _, e := range []*transportEntry{t.send, t.recv} {
		if e != nil && e.opts.ID == id {
			return e, true
		}
	}
	return nil, false
}

// Connected reports whether id belongs to this pair and has completed
// negotiation. Unknown ids yield domain.ErrUnknownTransport.
func (t *Transports) Connected(id domain.TransportID) (bool, error) {
	e, ok := t.lookup(id)
	if !ok {
		return false, domain.ErrUnknownTransport
	}
	return e.connected, nil
}

func (t *Transports) markConnected(id domain.TransportID) {
	if e, ok := t.lookup(id); ok {
		e.connected = true
	}
}

// Ready returns the id of the connected transport for dir.
func (t *Transports) Ready(dir domain.TransportDirection) (domain.TransportID, error) {
	e := *t.slot(dir)
	if e == nil || !e.connected {
		return "", domain.ErrTransportNotReady
	}
	return e.opts.ID, nil
}

// reset forgets the pair and returns the ids that were held.
func (t *Transports) reset() []domain.TransportID {
	var ids []domain.TransportID
	for _, e := range []*transportEntry{t.send, t.recv} {
		if e != nil {
			ids = append(ids, e.opts.ID)
		}
	}
	t.send, t.recv = nil, nil
	return ids
}
