package domain

import "time"

type MembershipStatus string

const (
	StatusInvited  MembershipStatus = "invited"
	StatusAccepted MembershipStatus = "accepted"
	StatusBanned   MembershipStatus = "banned"
)

type Role string

const (
	RoleMember     Role = "member"
	RoleHostAssist Role = "host_assist"
)

// Membership is the durable (channel, user) record. A missing row is the
// implicit "none" state.
type Membership struct {
	ChannelID ChannelID        `json:"channelId"`
	Username  string           `json:"username"`
	Status    MembershipStatus `json:"status"`
	Role      Role             `json:"role"`
	InvitedBy string           `json:"invitedBy,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func (m Membership) IsHostAssist() bool {
	return m.Status == StatusAccepted && m.Role == RoleHostAssist
}
