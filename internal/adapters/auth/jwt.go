// Package auth resolves room tokens into user identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/roomsignal/internal/core"
	"github.com/dkeye/roomsignal/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by a room token. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
}

// JWTValidator accepts HS256 tokens signed with a shared secret. A token is
// bound to one room.
type JWTValidator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

var _ core.CredentialValidator = (*JWTValidator)(nil)

func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (v *JWTValidator) Validate(_ context.Context, roomID domain.RoomID, token string) (*domain.User, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", domain.ErrAuth)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrAuth, err)
	}
	if claims.RoomID != string(roomID) {
		return nil, fmt.Errorf("%w: token is for another room", domain.ErrAuth)
	}

	user, err := domain.NewUser(claims.Subject, claims.Username)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrAuth, err)
	}
	return user, nil
}

// Issue signs a token for user in room, valid for ttl.
func (v *JWTValidator) Issue(roomID domain.RoomID, user domain.User, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   string(user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		RoomID:   string(roomID),
		Username: user.Username,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
