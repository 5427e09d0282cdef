package protocol

import (
	"encoding/json"

	"github.com/dkeye/roomsignal/internal/domain"
)

// Reply answers one command. ID is echoed verbatim and serialised as null
// when the command had none; Type always equals the command's type.
type Reply struct {
	ID    *string  `json:"id"`
	Type  Type     `json:"type"`
	Data  any      `json:"data,omitempty"`
	Error *Failure `json:"error,omitempty"`
}

type Failure struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
}

func EncodeReply(id *string, t Type, data any) ([]byte, error) {
	return json.Marshal(Reply{ID: id, Type: t, Data: data})
}

func EncodeFailure(id *string, t Type, err error) ([]byte, error) {
	return json.Marshal(Reply{
		ID:   id,
		Type: t,
		Error: &Failure{
			Code:    domain.CodeOf(err),
			Message: err.Error(),
		},
	})
}
