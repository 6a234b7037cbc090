// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	MaxUsernameLen = 36
	MinPasswordLen = 4
	SystemUsername = "system"
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUsernameInvalid = errors.New("username contains invalid characters")
	ErrPasswordShort   = errors.New("password too short")
)

// User is the durable account record. PasswordHash never leaves the server.
type User struct {
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"-"`
	Avatar       string    `json:"avatar,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastSeen     time.Time `json:"lastSeen,omitempty"`
}

// Profile is the public view of a User.
type Profile struct {
	Username string    `json:"username"`
	Avatar   string    `json:"avatar,omitempty"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

func (u User) Profile() Profile {
	return Profile{Username: u.Username, Avatar: u.Avatar, LastSeen: u.LastSeen}
}

// ValidateUsername trims and checks a username supplied by a client.
func ValidateUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if len(username) == 0 {
		return "", ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return "", ErrUsernameTooLong
	}
	if strings.ContainsAny(username, "<>&\"'/\\ \t\n") {
		return "", ErrUsernameInvalid
	}
	if strings.EqualFold(username, SystemUsername) {
		return "", ErrUsernameInvalid
	}
	return username, nil
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(username string, hash []byte, avatar string, now time.Time) (*User, error) {
	name, err := ValidateUsername(username)
	if err != nil {
		return nil, err
	}
	return &User{Username: name, PasswordHash: hash, Avatar: avatar, CreatedAt: now}, nil
}

func ValidatePassword(password string) error {
	if len(password) < MinPasswordLen {
		return ErrPasswordShort
	}
	return nil
}
