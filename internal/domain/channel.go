package domain

import (
	"errors"
	"strings"
	"time"
)

const MaxChannelNameLen = 64

var (
	ErrChannelNameEmpty   = errors.New("channel name empty")
	ErrChannelNameTooLong = errors.New("channel name too long")
)

type ChannelID string

// Channel is a durable chat room. Host is the single fully authorized user
// and is not expressed as a membership row.
type Channel struct {
	ID        ChannelID `json:"id"`
	Name      string    `json:"name"`
	Passcode  string    `json:"-"`
	Host      string    `json:"host"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c Channel) HasPasscode() bool { return c.Passcode != "" }

// ChannelInfo is the redacted listing view of a channel.
type ChannelInfo struct {
	ID          ChannelID `json:"id"`
	Name        string    `json:"name"`
	Host        string    `json:"host"`
	HasPasscode bool      `json:"hasPasscode"`
}

func (c Channel) Info() ChannelInfo {
	return ChannelInfo{ID: c.ID, Name: c.Name, Host: c.Host, HasPasscode: c.HasPasscode()}
}

func NewChannel(id ChannelID, name, passcode, host string, now time.Time) (*Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrChannelNameEmpty
	}
	if len(name) > MaxChannelNameLen {
		return nil, ErrChannelNameTooLong
	}
	if host == "" {
		return nil, ErrUsernameEmpty
	}
	return &Channel{ID: id, Name: name, Passcode: passcode, Host: host, CreatedAt: now}, nil
}
