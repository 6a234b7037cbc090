package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type targetPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Username  string           `json:"username"`
}

type inviteError struct {
	Type      string           `json:"type"`
	Message   string           `json:"message"`
	ChannelID domain.ChannelID `json:"channelId"`
	Username  string           `json:"username,omitempty"`
}

func (o *Orchestrator) channelName(ctx context.Context, id domain.ChannelID) string {
	ch, err := o.Store.GetChannel(ctx, id)
	if err != nil {
		return string(id)
	}
	return ch.Name
}

// handleInvite covers both member and host-assist invitations. The target
// has to be online to be invited; callers without the right are ignored.
func (o *Orchestrator) handleInvite(ctx context.Context, id core.ConnID, username string, data []byte, role domain.Role) {
	p, err := decode[targetPayload](data)
	if err != nil {
		o.report(id, "invite_error", err)
		return
	}
	err = o.Authority.CanInvite(ctx, p.ChannelID, username, role)
	if errors.Is(err, core.ErrNotFound) {
		o.Out.ToConn(id, inviteError{Type: "invite_error", Message: "channel not found", ChannelID: p.ChannelID, Username: p.Username})
		return
	}
	if err != nil {
		o.report(id, "invite_error", err)
		return
	}
	if !o.Registry.IsOnline(p.Username) {
		o.Out.ToConn(id, inviteError{Type: "invite_error", Message: "user not online", ChannelID: p.ChannelID, Username: p.Username})
		return
	}
	err = o.Authority.Invite(ctx, p.ChannelID, p.Username, username, role)
	if errors.Is(err, core.ErrNotFound) {
		o.Out.ToConn(id, inviteError{Type: "invite_error", Message: "user not found", ChannelID: p.ChannelID, Username: p.Username})
		return
	}
	if err != nil {
		o.report(id, "invite_error", err)
		return
	}
	notice := "channel_invite"
	if role == domain.RoleHostAssist {
		notice = "host_assist_invite"
	}
	o.Out.ToUser(p.Username, struct {
		Type        string           `json:"type"`
		ChannelID   domain.ChannelID `json:"channelId"`
		ChannelName string           `json:"channelName"`
		From        string           `json:"from"`
	}{notice, p.ChannelID, o.channelName(ctx, p.ChannelID), username})
	o.Out.ToConn(id, struct {
		Type      string           `json:"type"`
		ChannelID domain.ChannelID `json:"channelId"`
		Username  string           `json:"username"`
		Role      domain.Role      `json:"role"`
	}{"invite_success", p.ChannelID, p.Username, role})
}

func (o *Orchestrator) handleRespondHostAssist(ctx context.Context, id core.ConnID, username string, data []byte) {
	p, err := decode[struct {
		ChannelID domain.ChannelID `json:"channelId"`
		Accepted  bool             `json:"accepted"`
	}](data)
	if err != nil {
		o.report(id, "invite_error", err)
		return
	}
	err = o.Authority.RespondHostAssistInvite(ctx, p.ChannelID, username, p.Accepted)
	if errors.Is(err, core.ErrNotFound) {
		o.Out.ToConn(id, inviteError{Type: "invite_error", Message: "no pending invitation", ChannelID: p.ChannelID})
		return
	}
	if err != nil {
		o.report(id, "invite_error", err)
		return
	}
	resp := struct {
		Type      string           `json:"type"`
		ChannelID domain.ChannelID `json:"channelId"`
		Username  string           `json:"username"`
		Accepted  bool             `json:"accepted"`
	}{"host_assist_response", p.ChannelID, username, p.Accepted}
	o.Out.ToConn(id, resp)
	if ch, err := o.Store.GetChannel(ctx, p.ChannelID); err == nil {
		o.Out.ToUser(ch.Host, resp)
	}
	if p.Accepted {
		o.postSystem(ctx, p.ChannelID, username+" is now a host assist")
	}
	o.Presence.BroadcastRoomMembers(ctx, p.ChannelID)
}

// handleKick bans the target and moves any of their connections in the
// channel to the default channel.
func (o *Orchestrator) handleKick(ctx context.Context, id core.ConnID, username string, data []byte) {
	p, err := decode[targetPayload](data)
	if err != nil {
		o.report(id, "error", err)
		return
	}
	if err := o.Authority.Kick(ctx, p.ChannelID, p.Username, username); err != nil {
		o.report(id, "error", err)
		return
	}

	var moved []core.ConnID
	for _, cid := range o.Registry.ConnectionsOf(p.Username) {
		if o.inRoom(cid, p.ChannelID) {
			moved = append(moved, cid)
		}
	}
	o.Out.ToConns(moved, struct {
		Type      string           `json:"type"`
		ChannelID domain.ChannelID `json:"channelId"`
		By        string           `json:"by"`
	}{"kicked", p.ChannelID, username})

	o.postSystem(ctx, p.ChannelID, p.Username+" was kicked by "+username)
	if len(moved) == 0 {
		o.Presence.BroadcastRoomMembers(ctx, p.ChannelID)
		return
	}
	def, err := o.Store.GetChannel(ctx, o.cfg.DefaultChannel)
	for _, cid := range moved {
		if err != nil || def.ID == p.ChannelID {
			o.Registry.SetRoom(cid, "")
			continue
		}
		o.enterRoom(ctx, cid, p.Username, def, leaveQuiet)
	}
	if err != nil || def.ID == p.ChannelID {
		o.Presence.BroadcastRoomMembers(ctx, p.ChannelID)
	}
}

func (o *Orchestrator) handleUnban(ctx context.Context, id core.ConnID, username string, data []byte) {
	p, err := decode[targetPayload](data)
	if err != nil {
		o.report(id, "error", err)
		return
	}
	err = o.Authority.Unban(ctx, p.ChannelID, p.Username, username)
	if errors.Is(err, core.ErrNotFound) {
		o.fail(id, "error", "user is not banned")
		return
	}
	if err != nil {
		o.report(id, "error", err)
		return
	}
	o.Out.ToConn(id, struct {
		Type      string           `json:"type"`
		ChannelID domain.ChannelID `json:"channelId"`
		Username  string           `json:"username"`
	}{"unban_success", p.ChannelID, p.Username})
}

func (o *Orchestrator) handleMakeHost(ctx context.Context, id core.ConnID, username string, data []byte) {
	p, err := decode[targetPayload](data)
	if err != nil {
		o.report(id, "error", err)
		return
	}
	if err := o.Authority.TransferHost(ctx, p.ChannelID, p.Username, username); err != nil {
		o.report(id, "error", err)
		return
	}
	o.postSystem(ctx, p.ChannelID, username+" made "+p.Username+" the host")
	o.Presence.BroadcastRoomMembers(ctx, p.ChannelID)
	o.Presence.BroadcastChannelList(ctx)
}
