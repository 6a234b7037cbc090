package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const msgBadCredentials = "invalid username or password"

func (o *Orchestrator) handleLogin(ctx context.Context, id core.ConnID, data []byte) {
	p, err := decode[struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}](data)
	if err != nil {
		o.report(id, "login_error", err)
		return
	}
	if _, authed := o.Registry.UsernameOf(id); authed {
		o.fail(id, "login_error", "already logged in")
		return
	}
	prof, err := o.Authenticate(ctx, p.Username, p.Password)
	if errors.Is(err, core.ErrAuthorizationDenied) {
		log.Info().Str("module", "orch").Str("conn", string(id)).Msg("login rejected")
		o.fail(id, "login_error", msgBadCredentials)
		return
	}
	if err != nil {
		o.report(id, "login_error", err)
		return
	}
	o.completeLogin(ctx, id, prof)
}

// ResumeSession authenticates a fresh connection from a cookie session
// established over HTTP.
func (o *Orchestrator) ResumeSession(ctx context.Context, id core.ConnID, username string) bool {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	prof, err := o.Store.GetUserProfile(ctx, username)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("username", username).Msg("resume session")
		return false
	}
	return o.completeLogin(ctx, id, prof)
}

func (o *Orchestrator) completeLogin(ctx context.Context, id core.ConnID, prof domain.Profile) bool {
	first := !o.Registry.IsOnline(prof.Username)
	if !o.Registry.Authenticate(id, prof.Username) {
		o.fail(id, "login_error", "already logged in")
		return false
	}
	o.Out.ToConn(id, struct {
		Type     string      `json:"type"`
		Username string      `json:"username"`
		Avatar   string      `json:"avatar,omitempty"`
		ConnID   core.ConnID `json:"connId"`
	}{"login_success", prof.Username, prof.Avatar, id})
	o.Out.ToConn(id, struct {
		Type       string             `json:"type"`
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}{"rtc_config", o.cfg.ICEServers})
	if err := o.Presence.SendChannelList(ctx, id); err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("channel list after login")
	}
	if first {
		o.Presence.BroadcastGlobalUserList(ctx)
	}
	log.Info().Str("module", "orch").Str("conn", string(id)).Str("username", prof.Username).Msg("logged in")
	return true
}

// Register creates an account. It is shared by the signup event and the
// HTTP signup endpoint.
func (o *Orchestrator) Register(ctx context.Context, username, password, avatar string) (domain.Profile, error) {
	if err := domain.ValidatePassword(password); err != nil {
		return domain.Profile{}, errors.Join(core.ErrValidation, err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), o.cfg.BcryptCost)
	if err != nil {
		return domain.Profile{}, errors.Join(core.ErrValidation, err)
	}
	user, err := domain.NewUser(username, hash, o.clean(avatar), o.now().UTC())
	if err != nil {
		return domain.Profile{}, errors.Join(core.ErrValidation, err)
	}
	if err := o.Store.CreateUser(ctx, *user); err != nil {
		return domain.Profile{}, err
	}
	log.Info().Str("module", "orch").Str("username", user.Username).Msg("signed up")
	return user.Profile(), nil
}

// Authenticate checks credentials without touching any connection.
func (o *Orchestrator) Authenticate(ctx context.Context, username, password string) (domain.Profile, error) {
	username, err := domain.ValidateUsername(username)
	if err != nil {
		return domain.Profile{}, core.ErrAuthorizationDenied
	}
	user, err := o.Store.GetUser(ctx, username)
	if errors.Is(err, core.ErrNotFound) {
		return domain.Profile{}, core.ErrAuthorizationDenied
	}
	if err != nil {
		return domain.Profile{}, err
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		return domain.Profile{}, core.ErrAuthorizationDenied
	}
	return user.Profile(), nil
}

func (o *Orchestrator) handleSignup(ctx context.Context, id core.ConnID, data []byte) {
	p, err := decode[struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Avatar   string `json:"avatar"`
	}](data)
	if err != nil {
		o.report(id, "signup_error", err)
		return
	}
	prof, err := o.Register(ctx, p.Username, p.Password, p.Avatar)
	switch {
	case errors.Is(err, core.ErrConflict):
		o.fail(id, "signup_error", "username already exists")
		return
	case errors.Is(err, core.ErrValidation):
		o.fail(id, "signup_error", SignupMessage(err))
		return
	case err != nil:
		o.report(id, "signup_error", err)
		return
	}
	o.Out.ToConn(id, struct {
		Type     string `json:"type"`
		Username string `json:"username"`
	}{"signup_success", prof.Username})
	o.Presence.BroadcastGlobalUserList(ctx)
}

// SignupMessage picks the client-facing reason for a failed Register.
func SignupMessage(err error) string {
	for _, known := range []error{
		domain.ErrUsernameEmpty, domain.ErrUsernameTooLong, domain.ErrUsernameInvalid, domain.ErrPasswordShort,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "invalid signup"
}
