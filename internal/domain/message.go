package domain

import (
	"errors"
	"time"
)

const (
	MaxMessageLen = 4000
	EditedMarker  = " (edited)"
)

var (
	ErrMessageEmpty   = errors.New("message empty")
	ErrMessageTooLong = errors.New("message too long")
)

type MessageID string

// Message is append-only except for owner text edits and owner deletes.
// CreatedAt is the server-assigned ordering key; TimeLabel is whatever the
// client displayed when it sent the message.
type Message struct {
	ID        MessageID  `json:"id"`
	ChannelID ChannelID  `json:"channelId"`
	Sender    string     `json:"sender"`
	Text      string     `json:"text"`
	TimeLabel string     `json:"time,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ReplyTo   MessageID  `json:"replyTo,omitempty"`
	ThreadID  MessageID  `json:"threadId,omitempty"`
	System    bool       `json:"system,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
}

type Reaction struct {
	MessageID MessageID `json:"messageId"`
	Username  string    `json:"username"`
	Emoji     string    `json:"emoji"`
}

func ValidateMessageText(text string) error {
	if text == "" {
		return ErrMessageEmpty
	}
	if len(text) > MaxMessageLen {
		return ErrMessageTooLong
	}
	return nil
}
