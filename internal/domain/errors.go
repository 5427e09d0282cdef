package domain

import "errors"

// Code is the failure code reported on the wire.
type Code string

const (
	CodeBadRequest        Code = "BadRequest"
	CodeAuth              Code = "AuthError"
	CodeNotAuthenticated  Code = "NotAuthenticated"
	CodeUnknownTransport  Code = "UnknownTransport"
	CodeUnknownConsumer   Code = "UnknownConsumer"
	CodeNoSuchProducer    Code = "NoSuchProducer"
	CodeTransportNotReady Code = "TransportNotReady"
	CodeVideoNotAllowed   Code = "VideoNotAllowed"
	CodeRateLimited       Code = "RateLimited"
	CodeMedia             Code = "MediaError"
	CodeInternal          Code = "InternalError"
)

// Error is a command failure with a wire code.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

var (
	ErrBadRequest        = &Error{CodeBadRequest, "bad request"}
	ErrAuth              = &Error{CodeAuth, "authentication failed"}
	ErrTokenExpired      = &Error{CodeAuth, "token expired"}
	ErrNotAuthenticated  = &Error{CodeNotAuthenticated, "not authenticated"}
	ErrUnknownTransport  = &Error{CodeUnknownTransport, "unknown transport"}
	ErrUnknownConsumer   = &Error{CodeUnknownConsumer, "unknown consumer"}
	ErrNoSuchProducer    = &Error{CodeNoSuchProducer, "no such producer"}
	ErrTransportNotReady = &Error{CodeTransportNotReady, "transport not ready"}
	ErrVideoNotAllowed   = &Error{CodeVideoNotAllowed, "video is not allowed in this room"}
	ErrRateLimited       = &Error{CodeRateLimited, "too many attempts"}
	ErrMedia             = &Error{CodeMedia, "media engine failure"}
	ErrSessionClosed     = &Error{CodeNotAuthenticated, "session closed"}
	ErrNotInRoom         = &Error{CodeNotAuthenticated, "not in room"}
)

// CodeOf maps any error to its wire code.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
