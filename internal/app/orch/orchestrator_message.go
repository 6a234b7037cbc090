package orch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

const (
	maxTimeLabelLen = 32
	maxEmojiLen     = 32
	maxHistoryPage  = 200
)

// channelSeq serializes persist-then-broadcast for one channel so every
// connection sees its messages in timestamp order.
type channelSeq struct {
	mu   sync.Mutex
	last time.Time
}

func (o *Orchestrator) seq(room domain.ChannelID) *channelSeq {
	v, _ := o.seqs.LoadOrStore(room, &channelSeq{})
	return v.(*channelSeq)
}

type messageError struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

type receiveMessage struct {
	Type    string         `json:"type"`
	Message domain.Message `json:"message"`
}

// post assigns the server timestamp and id, persists msg and broadcasts
// it to the room. Nothing is broadcast when the insert fails.
func (o *Orchestrator) post(ctx context.Context, msg domain.Message) (domain.Message, error) {
	s := o.seq(msg.ChannelID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := o.now().UTC().Truncate(time.Microsecond)
	if !ts.After(s.last) {
		ts = s.last.Add(time.Microsecond)
	}
	msg.CreatedAt = ts
	msg.ID = domain.MessageID(ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String())
	if err := o.Store.InsertMessage(ctx, msg); err != nil {
		return domain.Message{}, err
	}
	s.last = ts
	o.Out.ToRoom(msg.ChannelID, receiveMessage{Type: "receive_message", Message: msg})
	return msg, nil
}

// postSystem records a membership notice in the room's history. Failures
// are logged only.
func (o *Orchestrator) postSystem(ctx context.Context, room domain.ChannelID, text string) {
	_, err := o.post(ctx, domain.Message{
		ChannelID: room,
		Sender:    domain.SystemUsername,
		Text:      o.clean(text),
		System:    true,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("channel", string(room)).Msg("system message")
	}
}

func (o *Orchestrator) inRoom(id core.ConnID, room domain.ChannelID) bool {
	current, ok := o.Registry.RoomOf(id)
	return ok && current == room
}

func (o *Orchestrator) handleSendMessage(ctx context.Context, id core.ConnID, username string, data []byte) {
	p, err := decode[struct {
		ChannelID domain.ChannelID `json:"channelId"`
		Message   string           `json:"message"`
		Time      string           `json:"time"`
		ReplyTo   domain.MessageID `json:"replyTo"`
		ThreadID  domain.MessageID `json:"threadId"`
	}](data)
	if err != nil {
		o.report(id, "message_error", err)
		return
	}
	if !o.inRoom(id, p.ChannelID) {
		o.fail(id, "message_error", "join the channel first")
		return
	}
	text := o.clean(p.Message)
	if err := domain.ValidateMessageText(text); err != nil {
		o.fail(id, "message_error", err.Error())
		return
	}
	for _, ref := range []domain.MessageID{p.ReplyTo, p.ThreadID} {
		if ref == "" {
			continue
		}
		if err := o.checkReference(ctx, p.ChannelID, ref); err != nil {
			o.report(id, "message_error", err)
			return
		}
	}
	// Rejected sends above do not count against the budget.
	if ok, retry := o.Messages.Allow(username); !ok {
		log.Info().Str("module", "orch").Str("username", username).Dur("retry", retry).Msg("message rate limited")
		o.Out.ToConn(id, messageError{
			Type:       "message_error",
			Message:    "rate limit exceeded",
			RetryAfter: int(math.Ceil(retry.Seconds())),
		})
		return
	}
	label := truncate(o.clean(p.Time), maxTimeLabelLen)
	_, err = o.post(ctx, domain.Message{
		ChannelID: p.ChannelID,
		Sender:    username,
		Text:      text,
		TimeLabel: label,
		ReplyTo:   p.ReplyTo,
		ThreadID:  p.ThreadID,
	})
	if err != nil {
		o.report(id, "message_error", err)
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (o *Orchestrator) checkReference(ctx context.Context, room domain.ChannelID, ref domain.MessageID) error {
	m, err := o.Store.GetMessage(ctx, ref)
	if errors.Is(err, core.ErrNotFound) || (err == nil && m.ChannelID != room) {
		return fmt.Errorf("referenced message not found: %w", core.ErrValidation)
	}
	return err
}

// ownMessage loads a message and reports whether username wrote it.
// Messages of others are ignored without a reply.
func (o *Orchestrator) ownMessage(ctx context.Context, id core.ConnID, username string, mid domain.MessageID) (domain.Message, bool) {
	m, err := o.Store.GetMessage(ctx, mid)
	if errors.Is(err, core.ErrNotFound) {
		o.fail(id, "message_error", "message not found")
		return domain.Message{}, false
	}
	if err != nil {
		o.report(id, "message_error", err)
		return domain.Message{}, false
	}
	if m.Sender != username || m.System {
		log.Debug().Str("module", "orch").Str("username", username).Str("message", string(mid)).Msg("not the owner")
		return domain.Message{}, false
	}
	return m, true
}

func (o *Orchestrator) handleEditMessage(ctx context.Context, id core.ConnID, username string, data []byte) {
	p, err := decode[struct {
		MessageID domain.MessageID `json:"messageId"`
		Text      string           `json:"text"`
	}](data)
	if err != nil {
		o.report(id, "message_error", err)
		return
	}
	m, ok := o.ownMessage(ctx, id, username, p.MessageID)
	if !ok {
		return
	}
	text := strings.TrimSuffix(o.clean(p.Text), domain.EditedMarker)
	if err := domain.ValidateMessageText(text); err != nil {
		o.fail(id, "message_error", err.Error())
		return
	}
	text += domain.EditedMarker
	if err := o.Store.UpdateMessageText(ctx, m.ID, text); err != nil {
		o.report(id, "message_error", err)
		return
	}
	o.Out.ToRoom(m.ChannelID, struct {
		Type      string           `json:"type"`
		MessageID domain.MessageID `json:"messageId"`
		ChannelID domain.ChannelID `json:"channelId"`
		Text      string           `json:"text"`
	}{"message_edited", m.ID, m.ChannelID, text})
}

func (o *Orchestrator) handleDeleteMessage(ctx context.Context, id core.ConnID, username string, data []byte) {
	p, err := decode[struct {
		MessageID domain.MessageID `json:"messageId"`
	}](data)
	if err != nil {
		o.report(id, "message_error", err)
		return
	}
	m, ok := o.ownMessage(ctx, id, username, p.MessageID)
	if !ok {
		return
	}
	if err := o.Store.DeleteMessage(ctx, m.ID); err != nil {
		o.report(id, "message_error", err)
		return
	}
	o.Out.ToRoom(m.ChannelID, struct {
		Type      string           `json:"type"`
		MessageID domain.MessageID `json:"messageId"`
		ChannelID domain.ChannelID `json:"channelId"`
	}{"message_deleted", m.ID, m.ChannelID})
}

func (o *Orchestrator) handleToggleReaction(ctx context.Context, id core.ConnID, username string, data []byte) {
	p, err := decode[struct {
		MessageID domain.MessageID `json:"messageId"`
		Emoji     string           `json:"emoji"`
	}](data)
	if err != nil {
		o.report(id, "message_error", err)
		return
	}
	emoji := o.clean(p.Emoji)
	if emoji == "" || len(emoji) > maxEmojiLen {
		o.fail(id, "message_error", "invalid emoji")
		return
	}
	m, err := o.Store.GetMessage(ctx, p.MessageID)
	if err != nil {
		o.report(id, "message_error", err)
		return
	}
	if !o.inRoom(id, m.ChannelID) {
		o.fail(id, "message_error", "join the channel first")
		return
	}
	added, err := o.Store.ToggleReaction(ctx, domain.Reaction{MessageID: m.ID, Username: username, Emoji: emoji})
	if err != nil {
		o.report(id, "message_error", err)
		return
	}
	o.Out.ToRoom(m.ChannelID, struct {
		Type      string           `json:"type"`
		MessageID domain.MessageID `json:"messageId"`
		ChannelID domain.ChannelID `json:"channelId"`
		Emoji     string           `json:"emoji"`
		Username  string           `json:"username"`
		Added     bool             `json:"added"`
	}{"reaction_updated", m.ID, m.ChannelID, emoji, username, added})
}

func (o *Orchestrator) handleLoadMessages(ctx context.Context, id core.ConnID, data []byte) {
	p, err := decode[struct {
		ChannelID domain.ChannelID `json:"channelId"`
		Before    string           `json:"before"`
		Limit     int              `json:"limit"`
	}](data)
	if err != nil {
		o.report(id, "message_error", err)
		return
	}
	if !o.inRoom(id, p.ChannelID) {
		o.fail(id, "message_error", "join the channel first")
		return
	}
	var before time.Time
	if p.Before != "" {
		before, err = time.Parse(time.RFC3339Nano, p.Before)
		if err != nil {
			o.fail(id, "message_error", "invalid before timestamp")
			return
		}
	}
	limit := p.Limit
	if limit <= 0 {
		limit = o.cfg.HistoryPage
	}
	limit = min(limit, maxHistoryPage)
	if err := o.sendHistory(ctx, id, p.ChannelID, before, limit, false); err != nil {
		o.report(id, "message_error", err)
	}
}

func (o *Orchestrator) handleTyping(id core.ConnID, username string, data []byte) {
	p, err := decode[struct {
		ChannelID domain.ChannelID `json:"channelId"`
		Typing    bool             `json:"typing"`
	}](data)
	if err != nil || !o.inRoom(id, p.ChannelID) {
		return
	}
	o.Out.ToRoom(p.ChannelID, struct {
		Type      string           `json:"type"`
		ChannelID domain.ChannelID `json:"channelId"`
		Username  string           `json:"username"`
		Typing    bool             `json:"typing"`
	}{"user_typing", p.ChannelID, username, p.Typing}, o.Registry.ConnectionsOf(username)...)
}
