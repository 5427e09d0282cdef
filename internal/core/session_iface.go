package core

type SessionID string

// MemberSession is what a room stores and fans out to.
type MemberSession interface {
	SID() SessionID
	Signal() SignalConnection
}
