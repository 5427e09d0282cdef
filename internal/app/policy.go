package app

import (
	"fmt"

	"github.com/dkeye/roomsignal/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropEvent
	KickMember
)

// Policy decides what happens to a member whose signal queue is full.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
}

type SimplePolicy struct {
	Action BackpressureAction
}

func (p SimplePolicy) OnBackPressure(core.RoomService, core.MemberSession) BackpressureAction {
	return p.Action
}

// ParsePolicy maps the signal.slow_policy setting onto a policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{Action: KickMember}, nil
	case "drop":
		return SimplePolicy{Action: DropEvent}, nil
	case "none":
		return SimplePolicy{Action: NoAction}, nil
	}
	return nil, fmt.Errorf("unknown slow policy %q", name)
}
