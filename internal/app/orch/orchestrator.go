package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	DefaultChannel domain.ChannelID
	HistoryPage    int
	StoreTimeout   time.Duration
	RingTimeout    time.Duration
	MessageLimit   int
	MessageWindow  time.Duration
	ICEServers     []webrtc.ICEServer
	BcryptCost     int
}

func (c *Config) applyDefaults() {
	if c.DefaultChannel == "" {
		c.DefaultChannel = "c1"
	}
	if c.HistoryPage <= 0 {
		c.HistoryPage = 50
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = 30
	}
	if c.MessageWindow <= 0 {
		c.MessageWindow = time.Minute
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
}

// Orchestrator turns inbound client events into registry, authority and
// store operations and the fan-out that follows. Events from different
// connections are handled concurrently.
type Orchestrator struct {
	Registry  *app.Registry
	Authority *app.Authority
	Presence  *app.Presence
	Relay     *app.Relay
	Out       *app.Fanout
	Store     core.Store
	Messages  *app.FixedWindowLimiter

	cfg       Config
	sanitizer *bluemonday.Policy
	seqs      sync.Map // domain.ChannelID -> *channelSeq
	now       func() time.Time
}

func New(store core.Store, policy app.Policy, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	reg := app.NewRegistry()
	out := app.NewFanout(reg, policy)
	auth := app.NewAuthority(store)
	return &Orchestrator{
		Registry:  reg,
		Authority: auth,
		Presence:  app.NewPresence(reg, auth, store, out),
		Relay:     app.NewRelay(reg, out, cfg.RingTimeout),
		Out:       out,
		Store:     store,
		Messages:  app.NewFixedWindowLimiter(cfg.MessageLimit, cfg.MessageWindow),
		cfg:       cfg,
		sanitizer: bluemonday.StrictPolicy(),
		now:       time.Now,
	}
}

func (o *Orchestrator) DefaultChannel() domain.ChannelID { return o.cfg.DefaultChannel }

func (o *Orchestrator) HistoryPage() int { return o.cfg.HistoryPage }

// EnsureDefaultChannel creates the open lobby channel on first start.
func (o *Orchestrator) EnsureDefaultChannel(ctx context.Context) error {
	_, err := o.Store.GetChannel(ctx, o.cfg.DefaultChannel)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return err
	}
	err = o.Store.CreateChannel(ctx, domain.Channel{
		ID:        o.cfg.DefaultChannel,
		Name:      "general",
		Host:      domain.SystemUsername,
		CreatedAt: o.now().UTC(),
	})
	if err != nil && !errors.Is(err, core.ErrConflict) {
		return err
	}
	log.Info().Str("module", "orch").Str("channel", string(o.cfg.DefaultChannel)).Msg("default channel ready")
	return nil
}

func (o *Orchestrator) Connect(id core.ConnID, sig core.SignalConnection, cancel context.CancelFunc) {
	o.Registry.Register(id, sig, cancel)
}

// Disconnect updates presence first; store writes that follow may fail
// without leaving other users with a stale view.
func (o *Orchestrator) Disconnect(id core.ConnID) {
	dep, ok := o.Registry.Unregister(id)
	if !ok || dep.Username == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()

	stillOnline := o.Registry.IsOnline(dep.Username)
	o.Relay.OnDisconnect(dep.Username, dep.Call, stillOnline)
	if dep.Room != "" {
		o.afterLeave(ctx, dep.Username, dep.Room, leaveAnnounce)
	}
	if !stillOnline {
		if err := o.Store.TouchLastSeen(ctx, dep.Username, o.now().UTC()); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("username", dep.Username).Msg("touch last seen")
		}
		o.Presence.BroadcastGlobalUserList(ctx)
	}
	log.Info().Str("module", "orch").Str("conn", string(id)).Str("username", dep.Username).Msg("disconnected")
}

// Shutdown disarms ring timers.
func (o *Orchestrator) Shutdown() {
	o.Relay.Stop()
}

// Handle dispatches one inbound event. data is the whole envelope; each
// handler decodes the fields it needs from it.
func (o *Orchestrator) Handle(ctx context.Context, id core.ConnID, typ core.EventType, data []byte) {
	o.Registry.Touch(id)
	if !typ.Known() {
		log.Warn().Str("module", "orch").Str("conn", string(id)).Str("type", string(typ)).Msg("unknown event")
		o.fail(id, "error", "unknown event type")
		return
	}
	username, authed := o.Registry.UsernameOf(id)
	if typ.RequiresAuth() && !authed {
		o.fail(id, "error", "login required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()

	switch typ {
	case core.EvPing:
		o.Out.ToConn(id, map[string]any{"type": "pong"})
	case core.EvLogin:
		o.handleLogin(ctx, id, data)
	case core.EvSignup:
		o.handleSignup(ctx, id, data)
	case core.EvGetChannels:
		if err := o.Presence.SendChannelList(ctx, id); err != nil {
			o.report(id, "error", err)
		}
	case core.EvGetUsers:
		if err := o.Presence.SendUserList(ctx, id); err != nil {
			o.report(id, "error", err)
		}
	case core.EvCreateChannel:
		o.handleCreateChannel(ctx, id, username, data)
	case core.EvJoinChannel:
		o.handleJoin(ctx, id, username, data)
	case core.EvLeaveChannel:
		o.handleLeave(ctx, id, username, data)
	case core.EvDeleteChannel:
		o.handleDeleteChannel(ctx, id, username, data)
	case core.EvSendMessage:
		o.handleSendMessage(ctx, id, username, data)
	case core.EvEditMessage:
		o.handleEditMessage(ctx, id, username, data)
	case core.EvDeleteMessage:
		o.handleDeleteMessage(ctx, id, username, data)
	case core.EvToggleReaction:
		o.handleToggleReaction(ctx, id, username, data)
	case core.EvLoadMessages:
		o.handleLoadMessages(ctx, id, data)
	case core.EvTyping:
		o.handleTyping(id, username, data)
	case core.EvInviteUser:
		o.handleInvite(ctx, id, username, data, domain.RoleMember)
	case core.EvInviteHostAssist:
		o.handleInvite(ctx, id, username, data, domain.RoleHostAssist)
	case core.EvKickUser:
		o.handleKick(ctx, id, username, data)
	case core.EvUnbanUser:
		o.handleUnban(ctx, id, username, data)
	case core.EvMakeHost:
		o.handleMakeHost(ctx, id, username, data)
	case core.EvRespondHostAssist:
		o.handleRespondHostAssist(ctx, id, username, data)
	case core.EvInitiateCall:
		o.handleInitiateCall(id, data)
	case core.EvAcceptCall:
		o.handleAcceptCall(id, data)
	case core.EvDeclineCall:
		o.handleDeclineCall(id, data)
	case core.EvCancelCall:
		o.Relay.RouteCallCancel(id)
	case core.EvOffer:
		o.handleDescription(id, data, webrtc.SDPTypeOffer)
	case core.EvAnswer:
		o.handleDescription(id, data, webrtc.SDPTypeAnswer)
	case core.EvIceCandidate:
		o.handleIceCandidate(id, data)
	case core.EvCallUser:
		o.handlePeerSignal(id, data, "incoming_signal")
	case core.EvAnswerCall:
		o.handlePeerSignal(id, data, "call_answered")
	}
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (o *Orchestrator) fail(id core.ConnID, typ, msg string) {
	o.Out.ToConn(id, errorEvent{Type: typ, Message: msg})
}

// report maps err onto what the client is told. Authorization denials
// are dropped without a reply.
func (o *Orchestrator) report(id core.ConnID, typ string, err error) {
	switch {
	case errors.Is(err, core.ErrAuthorizationDenied):
		log.Debug().Str("module", "orch").Str("conn", string(id)).Str("reply", typ).Msg("denied")
	case errors.Is(err, core.ErrValidation):
		o.fail(id, typ, validationMessage(err))
	case errors.Is(err, core.ErrNotFound):
		o.fail(id, typ, "not found")
	case errors.Is(err, core.ErrConflict):
		o.fail(id, typ, "already exists")
	default:
		log.Error().Err(err).Str("module", "orch").Str("conn", string(id)).Str("reply", typ).Msg("store failure")
		o.fail(id, typ, "server error")
	}
}

func validationMessage(err error) string {
	msg := err.Error()
	msg = strings.TrimPrefix(msg, core.ErrValidation.Error()+": ")
	msg = strings.TrimSuffix(msg, ": "+core.ErrValidation.Error())
	return msg
}

func decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: invalid payload", core.ErrValidation)
	}
	return v, nil
}

func (o *Orchestrator) clean(s string) string {
	return strings.TrimSpace(o.sanitizer.Sanitize(s))
}
