package domain

import "time"

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool { return k == CallAudio || k == CallVideo }

// PendingCall is the marker kept on a caller's connection between
// initiate_call and accept/decline/cancel. It is never persisted.
type PendingCall struct {
	ID     string    `json:"id"`
	Target string    `json:"target"`
	Room   ChannelID `json:"room,omitempty"`
	Kind   CallKind  `json:"kind"`
	Since  time.Time `json:"since"`
}
