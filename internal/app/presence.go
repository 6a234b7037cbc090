package app

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type MemberView struct {
	Username     string `json:"username"`
	Avatar       string `json:"avatar,omitempty"`
	IsHost       bool   `json:"isHost"`
	IsHostAssist bool   `json:"isHostAssist"`
	Connections  int    `json:"connections"`
}

type UserView struct {
	Username string     `json:"username"`
	Avatar   string     `json:"avatar,omitempty"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Presence derives member, user and channel lists from the registry and
// the store and pushes them to the sockets that display them. Broadcasts
// are best effort: a store failure is logged and the push skipped.
type Presence struct {
	reg   *Registry
	auth  *Authority
	store core.Store
	out   *Fanout
}

func NewPresence(reg *Registry, auth *Authority, store core.Store, out *Fanout) *Presence {
	return &Presence{reg: reg, auth: auth, store: store, out: out}
}

func (p *Presence) RoomMembers(ctx context.Context, room domain.ChannelID) ([]MemberView, error) {
	usernames := p.reg.ListByRoom(room)
	counts := make(map[string]int, len(usernames))
	for _, peer := range p.reg.MembersOfRoom(room) {
		counts[peer.Username]++
	}
	host, assists, err := p.auth.RoomRoles(ctx, room)
	if err != nil {
		return nil, err
	}
	out := make([]MemberView, 0, len(usernames))
	for _, username := range usernames {
		if counts[username] == 0 {
			// Left between the two snapshots; the next broadcast covers it.
			continue
		}
		v := MemberView{
			Username:     username,
			IsHost:       username == host,
			IsHostAssist: assists[username],
			Connections:  counts[username],
		}
		prof, err := p.store.GetUserProfile(ctx, username)
		switch {
		case err == nil:
			v.Avatar = prof.Avatar
		case !errors.Is(err, core.ErrNotFound):
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (p *Presence) BroadcastRoomMembers(ctx context.Context, room domain.ChannelID) {
	if room == "" {
		return
	}
	members, err := p.RoomMembers(ctx, room)
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Str("room", string(room)).Msg("room members")
		return
	}
	p.out.ToRoom(room, struct {
		Type      string           `json:"type"`
		ChannelID domain.ChannelID `json:"channelId"`
		Members   []MemberView     `json:"members"`
	}{"room_members", room, members})
}

func (p *Presence) UserList(ctx context.Context) ([]UserView, error) {
	profiles, err := p.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	online := p.reg.OnlineUsernames()
	out := make([]UserView, 0, len(profiles))
	for _, prof := range profiles {
		v := UserView{Username: prof.Username, Avatar: prof.Avatar, Online: online[prof.Username] > 0}
		if !prof.LastSeen.IsZero() {
			seen := prof.LastSeen
			v.LastSeen = &seen
		}
		out = append(out, v)
	}
	return out, nil
}

func userListEvent(users []UserView) any {
	return struct {
		Type  string     `json:"type"`
		Users []UserView `json:"users"`
	}{"user_list", users}
}

func (p *Presence) BroadcastGlobalUserList(ctx context.Context) {
	users, err := p.UserList(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("user list")
		return
	}
	p.out.ToAll(userListEvent(users))
}

func (p *Presence) SendUserList(ctx context.Context, id core.ConnID) error {
	users, err := p.UserList(ctx)
	if err != nil {
		return err
	}
	p.out.ToConn(id, userListEvent(users))
	return nil
}

// ChannelList returns every channel with the passcode reduced to a flag.
func (p *Presence) ChannelList(ctx context.Context) ([]domain.ChannelInfo, error) {
	channels, err := p.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChannelInfo, 0, len(channels))
	for _, c := range channels {
		out = append(out, c.Info())
	}
	return out, nil
}

func channelListEvent(channels []domain.ChannelInfo) any {
	return struct {
		Type     string               `json:"type"`
		Channels []domain.ChannelInfo `json:"channels"`
	}{"channel_list", channels}
}

func (p *Presence) BroadcastChannelList(ctx context.Context) {
	channels, err := p.ChannelList(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("channel list")
		return
	}
	p.out.ToAll(channelListEvent(channels))
}

func (p *Presence) SendChannelList(ctx context.Context, id core.ConnID) error {
	channels, err := p.ChannelList(ctx)
	if err != nil {
		return err
	}
	p.out.ToConn(id, channelListEvent(channels))
	return nil
}
