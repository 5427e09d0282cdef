// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"unicode/utf8"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
)

var (
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUsernameTooLong = errors.New("username too long")
)

type UserID string

// User is the identity a credential resolves to.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"name"`
}

// NewUser validates the identity carried by a credential.
// An empty username falls back to the id.
func NewUser(id, username string) (*User, error) {
	if id == "" {
		return nil, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	u := &User{ID: UserID(id), Username: id}
	if username != "" {
		if err := u.SetUsername(username); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (u *User) SetUsername(username string) error {
	if utf8.RuneCountInString(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}

// UserInfo is the public view of a room member sent to peers.
// No credentials or transport data here.
type UserInfo struct {
	ID        UserID                     `json:"id"`
	Name      string                     `json:"name"`
	Producers map[ProduceType]ProducerID `json:"producers"`
}
