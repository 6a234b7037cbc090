package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type leaveMode int

const (
	// leaveAnnounce posts a system message when the user's last
	// connection leaves and refreshes the member list.
	leaveAnnounce leaveMode = iota
	// leaveQuiet only refreshes the member list.
	leaveQuiet
	// leaveGone skips both; the room no longer exists.
	leaveGone
)

type channelRef struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

type joinError struct {
	Type          string           `json:"type"`
	Message       string           `json:"message"`
	ChannelID     domain.ChannelID `json:"channelId,omitempty"`
	NeedsPasscode bool             `json:"needsPasscode,omitempty"`
}

func (o *Orchestrator) handleCreateChannel(ctx context.Context, id core.ConnID, username string, data []byte) {
	p, err := decode[struct {
		Name     string `json:"name"`
		Passcode string `json:"passcode"`
	}](data)
	if err != nil {
		o.report(id, "channel_error", err)
		return
	}
	ch, err := o.Authority.CreateChannel(ctx, o.clean(p.Name), p.Passcode, username)
	if err != nil {
		o.report(id, "channel_error", err)
		return
	}
	o.Out.ToConn(id, struct {
		Type    string             `json:"type"`
		Channel domain.ChannelInfo `json:"channel"`
	}{"channel_created", ch.Info()})
	o.Presence.BroadcastChannelList(ctx)
}

func (o *Orchestrator) handleJoin(ctx context.Context, id core.ConnID, username string, data []byte) {
	p, err := decode[struct {
		ChannelID domain.ChannelID `json:"channelId"`
		Passcode  string           `json:"passcode"`
	}](data)
	if err != nil || p.ChannelID == "" {
		o.Out.ToConn(id, joinError{Type: "join_channel_error", Message: "channelId required"})
		return
	}
	ch, err := o.Store.GetChannel(ctx, p.ChannelID)
	if errors.Is(err, core.ErrNotFound) {
		o.Out.ToConn(id, joinError{Type: "join_channel_error", Message: "Channel not found", ChannelID: p.ChannelID})
		return
	}
	if err != nil {
		o.report(id, "join_channel_error", err)
		return
	}
	decision, err := o.Authority.CheckJoin(ctx, ch.ID, username, p.Passcode)
	if err != nil {
		o.report(id, "join_channel_error", err)
		return
	}
	log.Debug().Str("module", "orch").Str("conn", string(id)).Str("channel", string(ch.ID)).Stringer("decision", decision).Msg("join")
	switch decision {
	case app.JoinAllowed:
		o.enterRoom(ctx, id, username, ch, leaveAnnounce)
	case app.JoinBanned:
		o.Out.ToConn(id, joinError{Type: "join_channel_error", Message: "You are banned from this channel", ChannelID: ch.ID})
	case app.JoinNeedsPasscode:
		o.Out.ToConn(id, joinError{Type: "join_channel_error", Message: "Passcode required", ChannelID: ch.ID, NeedsPasscode: true})
	case app.JoinWrongPasscode:
		o.Out.ToConn(id, joinError{Type: "join_channel_error", Message: "Incorrect passcode", ChannelID: ch.ID, NeedsPasscode: true})
	}
}

// enterRoom moves a connection into ch, replays recent history to it and
// refreshes presence in both the old and the new room.
func (o *Orchestrator) enterRoom(ctx context.Context, id core.ConnID, username string, ch domain.Channel, prevMode leaveMode) {
	wasPresent := o.Registry.InRoom(username, ch.ID)
	prev, ok := o.Registry.SetRoom(id, ch.ID)
	if !ok {
		return
	}
	grants, err := o.Authority.Authorize(ctx, ch.ID, username)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("channel", string(ch.ID)).Msg("authorize after join")
	}
	o.Out.ToConn(id, struct {
		Type         string           `json:"type"`
		ChannelID    domain.ChannelID `json:"channelId"`
		ChannelName  string           `json:"channelName"`
		Host         string           `json:"host"`
		IsHost       bool             `json:"isHost"`
		IsHostAssist bool             `json:"isHostAssist"`
	}{"join_channel_success", ch.ID, ch.Name, ch.Host, grants.IsHost, grants.IsHostAssist})
	if err := o.sendHistory(ctx, id, ch.ID, time.Time{}, o.cfg.HistoryPage, true); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("channel", string(ch.ID)).Msg("history")
	}

	if prev != "" && prev != ch.ID {
		o.afterLeave(ctx, username, prev, prevMode)
	}
	if !wasPresent {
		o.postSystem(ctx, ch.ID, username+" joined the channel")
	}
	o.Presence.BroadcastRoomMembers(ctx, ch.ID)
}

func (o *Orchestrator) afterLeave(ctx context.Context, username string, room domain.ChannelID, mode leaveMode) {
	switch mode {
	case leaveGone:
		return
	case leaveAnnounce:
		if !o.Registry.InRoom(username, room) {
			o.postSystem(ctx, room, username+" left the channel")
		}
	case leaveQuiet:
	}
	o.Presence.BroadcastRoomMembers(ctx, room)
}

func (o *Orchestrator) handleLeave(ctx context.Context, id core.ConnID, username string, data []byte) {
	p, err := decode[channelRef](data)
	if err != nil {
		o.report(id, "error", err)
		return
	}
	room, ok := o.Registry.RoomOf(id)
	if !ok || (p.ChannelID != "" && p.ChannelID != room) {
		o.fail(id, "error", "not in that channel")
		return
	}
	o.Registry.SetRoom(id, "")
	o.Out.ToConn(id, struct {
		Type      string           `json:"type"`
		ChannelID domain.ChannelID `json:"channelId"`
	}{"leave_channel_success", room})
	o.afterLeave(ctx, username, room, leaveAnnounce)
}

func (o *Orchestrator) handleDeleteChannel(ctx context.Context, id core.ConnID, username string, data []byte) {
	p, err := decode[channelRef](data)
	if err != nil {
		o.report(id, "channel_error", err)
		return
	}
	if p.ChannelID == o.cfg.DefaultChannel {
		o.fail(id, "channel_error", "the default channel cannot be deleted")
		return
	}
	if err := o.Authority.DeleteChannel(ctx, p.ChannelID, username); err != nil {
		o.report(id, "channel_error", err)
		return
	}
	o.seqs.Delete(p.ChannelID)
	o.Out.ToAll(struct {
		Type      string           `json:"type"`
		ChannelID domain.ChannelID `json:"channelId"`
	}{"channel_deleted", p.ChannelID})

	o.evacuate(ctx, p.ChannelID, leaveGone)
	o.Presence.BroadcastChannelList(ctx)
}

// evacuate moves every connection still in room to the default channel.
func (o *Orchestrator) evacuate(ctx context.Context, room domain.ChannelID, mode leaveMode) {
	peers := o.Registry.MembersOfRoom(room)
	if len(peers) == 0 {
		return
	}
	def, err := o.Store.GetChannel(ctx, o.cfg.DefaultChannel)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("default channel")
		for _, peer := range peers {
			o.Registry.SetRoom(peer.ID, "")
		}
		return
	}
	for _, peer := range peers {
		o.enterRoom(ctx, peer.ID, peer.Username, def, mode)
	}
}

// sendHistory replies with one page of messages older than before, oldest
// first.
func (o *Orchestrator) sendHistory(ctx context.Context, id core.ConnID, room domain.ChannelID, before time.Time, limit int, initial bool) error {
	msgs, err := o.Store.ListMessages(ctx, room, before, limit)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	o.Out.ToConn(id, struct {
		Type      string           `json:"type"`
		ChannelID domain.ChannelID `json:"channelId"`
		Messages  []domain.Message `json:"messages"`
		Initial   bool             `json:"initial"`
		HasMore   bool             `json:"hasMore"`
	}{"messages_loaded", room, msgs, initial, len(msgs) == limit})
	return nil
}
