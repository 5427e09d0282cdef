package core

import (
	"context"

	"github.com/dkeye/roomsignal/internal/domain"
)

// CredentialValidator resolves a room token into a user identity.
// A rejected token yields an error carrying domain.CodeAuth.
type CredentialValidator interface {
	Validate(ctx context.Context, roomID domain.RoomID, token string) (*domain.User, error)
}
