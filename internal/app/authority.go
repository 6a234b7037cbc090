package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type JoinDecision int

const (
	JoinAllowed JoinDecision = iota
	JoinNeedsPasscode
	JoinWrongPasscode
	JoinBanned
)

func (d JoinDecision) String() string {
	switch d {
	case JoinAllowed:
		return "allowed"
	case JoinNeedsPasscode:
		return "needs_passcode"
	case JoinWrongPasscode:
		return "wrong_passcode"
	case JoinBanned:
		return "banned"
	default:
		return fmt.Sprintf("JoinDecision(%d)", int(d))
	}
}

// Grants are a user's privileges in one channel.
type Grants struct {
	IsHost       bool
	IsHostAssist bool
}

func (g Grants) CanModerate() bool { return g.IsHost || g.IsHostAssist }

// Authority makes every membership and role decision. It reads the store
// on each call and keeps no cache.
type Authority struct {
	store core.Store
	now   func() time.Time
}

func NewAuthority(store core.Store) *Authority {
	return &Authority{store: store, now: time.Now}
}

func (a *Authority) membership(ctx context.Context, id domain.ChannelID, username string) (domain.Membership, bool, error) {
	m, err := a.store.GetMembership(ctx, id, username)
	if errors.Is(err, core.ErrNotFound) {
		return domain.Membership{}, false, nil
	}
	if err != nil {
		return domain.Membership{}, false, err
	}
	return m, true, nil
}

// CheckJoin decides whether username may enter the channel. The checks
// run in a fixed order: ban, existing invite or acceptance, host, open
// channel, passcode.
func (a *Authority) CheckJoin(ctx context.Context, id domain.ChannelID, username, passcode string) (JoinDecision, error) {
	ch, err := a.store.GetChannel(ctx, id)
	if err != nil {
		return JoinBanned, err
	}
	return a.checkJoin(ctx, ch, username, passcode, true)
}

func (a *Authority) checkJoin(ctx context.Context, ch domain.Channel, username, passcode string, retry bool) (JoinDecision, error) {
	m, ok, err := a.membership(ctx, ch.ID, username)
	if err != nil {
		return JoinBanned, err
	}
	if ok {
		switch m.Status {
		case domain.StatusBanned:
			return JoinBanned, nil
		case domain.StatusInvited:
			// Host-assist invitations stay pending until answered explicitly.
			if m.Role == domain.RoleMember {
				if _, err := a.store.PromoteInvite(ctx, ch.ID, username, domain.RoleMember); err != nil {
					return JoinBanned, err
				}
			}
			return JoinAllowed, nil
		case domain.StatusAccepted:
			return JoinAllowed, nil
		}
	}
	if ch.Host == username {
		return JoinAllowed, nil
	}
	if !ch.HasPasscode() {
		return JoinAllowed, nil
	}
	if passcode != "" && subtle.ConstantTimeCompare([]byte(passcode), []byte(ch.Passcode)) == 1 {
		created, err := a.store.CreateMembership(ctx, domain.Membership{
			ChannelID: ch.ID,
			Username:  username,
			Status:    domain.StatusAccepted,
			Role:      domain.RoleMember,
			UpdatedAt: a.now(),
		})
		if err != nil {
			return JoinBanned, err
		}
		if !created && retry {
			// A row appeared between the read and the insert; decide again on it.
			return a.checkJoin(ctx, ch, username, passcode, false)
		}
		return JoinAllowed, nil
	}
	if passcode == "" {
		return JoinNeedsPasscode, nil
	}
	return JoinWrongPasscode, nil
}

// Authorize reports the user's grants in the channel.
func (a *Authority) Authorize(ctx context.Context, id domain.ChannelID, username string) (Grants, error) {
	ch, err := a.store.GetChannel(ctx, id)
	if err != nil {
		return Grants{}, err
	}
	return a.grants(ctx, ch, username)
}

func (a *Authority) grants(ctx context.Context, ch domain.Channel, username string) (Grants, error) {
	if ch.Host == username {
		return Grants{IsHost: true}, nil
	}
	m, ok, err := a.membership(ctx, ch.ID, username)
	if err != nil {
		return Grants{}, err
	}
	return Grants{IsHostAssist: ok && m.IsHostAssist()}, nil
}

// RoomRoles returns the channel's host and its accepted host-assists in
// one read, for building member lists.
func (a *Authority) RoomRoles(ctx context.Context, id domain.ChannelID) (string, map[string]bool, error) {
	ch, err := a.store.GetChannel(ctx, id)
	if err != nil {
		return "", nil, err
	}
	rows, err := a.store.ListMemberships(ctx, id)
	if err != nil {
		return "", nil, err
	}
	assists := make(map[string]bool)
	for _, m := range rows {
		if m.IsHostAssist() && m.Username != ch.Host {
			assists[m.Username] = true
		}
	}
	return ch.Host, assists, nil
}

// CanRead reports whether username may read the channel's history
// without joining it.
func (a *Authority) CanRead(ctx context.Context, id domain.ChannelID, username string) (bool, error) {
	ch, err := a.store.GetChannel(ctx, id)
	if err != nil {
		return false, err
	}
	m, ok, err := a.membership(ctx, id, username)
	if err != nil {
		return false, err
	}
	if ok {
		return m.Status != domain.StatusBanned, nil
	}
	return ch.Host == username || !ch.HasPasscode(), nil
}

// CreateChannel persists a new channel hosted by host.
func (a *Authority) CreateChannel(ctx context.Context, name, passcode, host string) (domain.Channel, error) {
	if host == "" {
		return domain.Channel{}, fmt.Errorf("username required: %w", core.ErrValidation)
	}
	for attempt := 0; attempt < 3; attempt++ {
		id := domain.ChannelID("c" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
		ch, err := domain.NewChannel(id, name, strings.TrimSpace(passcode), host, a.now())
		if err != nil {
			return domain.Channel{}, fmt.Errorf("%w: %w", core.ErrValidation, err)
		}
		err = a.store.CreateChannel(ctx, *ch)
		if errors.Is(err, core.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.Channel{}, err
		}
		log.Info().Str("module", "app.authority").Str("channel", string(id)).Str("host", host).Msg("channel created")
		return *ch, nil
	}
	return domain.Channel{}, fmt.Errorf("allocate channel id: %w", core.ErrConflict)
}

// Invite records an invitation for target. Member invitations need host
// or host-assist, host-assist invitations need the host. An invitation
// replaces a ban; an accepted member is left as is.
func (a *Authority) Invite(ctx context.Context, id domain.ChannelID, target, by string, role domain.Role) error {
	ch, err := a.store.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	if err := a.canInvite(ctx, ch, by, role); err != nil {
		return err
	}
	if target == "" || target == by || target == ch.Host {
		return fmt.Errorf("invalid invite target: %w", core.ErrValidation)
	}
	if _, err := a.store.GetUser(ctx, target); err != nil {
		return err
	}
	m, ok, err := a.membership(ctx, id, target)
	if err != nil {
		return err
	}
	if ok && m.Status == domain.StatusAccepted && (role == domain.RoleMember || m.Role == role) {
		return nil
	}
	err = a.store.UpsertMembership(ctx, domain.Membership{
		ChannelID: id,
		Username:  target,
		Status:    domain.StatusInvited,
		Role:      role,
		InvitedBy: by,
		UpdatedAt: a.now(),
	})
	if err != nil {
		return err
	}
	log.Info().Str("module", "app.authority").Str("channel", string(id)).Str("target", target).Str("by", by).Str("role", string(role)).Msg("invited")
	return nil
}

// CanInvite checks whether by may send role invitations in the channel.
// A missing channel is reported as core.ErrNotFound.
func (a *Authority) CanInvite(ctx context.Context, id domain.ChannelID, by string, role domain.Role) error {
	ch, err := a.store.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	return a.canInvite(ctx, ch, by, role)
}

func (a *Authority) canInvite(ctx context.Context, ch domain.Channel, by string, role domain.Role) error {
	g, err := a.grants(ctx, ch, by)
	if err != nil {
		return err
	}
	switch role {
	case domain.RoleHostAssist:
		if !g.IsHost {
			return core.ErrAuthorizationDenied
		}
	case domain.RoleMember:
		if !g.CanModerate() {
			return core.ErrAuthorizationDenied
		}
	default:
		return fmt.Errorf("role %q: %w", role, core.ErrValidation)
	}
	return nil
}

// RespondHostAssistInvite accepts or declines a pending host-assist
// invitation. Declining removes the row.
func (a *Authority) RespondHostAssistInvite(ctx context.Context, id domain.ChannelID, username string, accepted bool) error {
	m, ok, err := a.membership(ctx, id, username)
	if err != nil {
		return err
	}
	if !ok || m.Status != domain.StatusInvited || m.Role != domain.RoleHostAssist {
		return fmt.Errorf("host-assist invitation: %w", core.ErrNotFound)
	}
	if !accepted {
		return a.store.DeleteMembership(ctx, id, username)
	}
	promoted, err := a.store.PromoteInvite(ctx, id, username, domain.RoleHostAssist)
	if err != nil {
		return err
	}
	if !promoted {
		return fmt.Errorf("host-assist invitation: %w", core.ErrNotFound)
	}
	return nil
}

// Kick bans target from the channel. The host cannot be kicked.
func (a *Authority) Kick(ctx context.Context, id domain.ChannelID, target, by string) error {
	ch, err := a.store.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	g, err := a.grants(ctx, ch, by)
	if err != nil {
		return err
	}
	if !g.CanModerate() || target == ch.Host {
		return core.ErrAuthorizationDenied
	}
	if target == "" || target == by {
		return fmt.Errorf("invalid kick target: %w", core.ErrValidation)
	}
	err = a.store.UpsertMembership(ctx, domain.Membership{
		ChannelID: id,
		Username:  target,
		Status:    domain.StatusBanned,
		Role:      domain.RoleMember,
		InvitedBy: by,
		UpdatedAt: a.now(),
	})
	if err != nil {
		return err
	}
	log.Info().Str("module", "app.authority").Str("channel", string(id)).Str("target", target).Str("by", by).Msg("banned")
	return nil
}

// Unban deletes a ban row so later joins fall through to the host and
// passcode rules. Rows that are not bans are left alone.
func (a *Authority) Unban(ctx context.Context, id domain.ChannelID, target, by string) error {
	g, err := a.Authorize(ctx, id, by)
	if err != nil {
		return err
	}
	if !g.CanModerate() {
		return core.ErrAuthorizationDenied
	}
	m, ok, err := a.membership(ctx, id, target)
	if err != nil {
		return err
	}
	if !ok || m.Status != domain.StatusBanned {
		return fmt.Errorf("ban for %q: %w", target, core.ErrNotFound)
	}
	return a.store.DeleteMembership(ctx, id, target)
}

// TransferHost hands the channel to target. Only the host may do it; the
// previous host keeps access as an accepted member.
func (a *Authority) TransferHost(ctx context.Context, id domain.ChannelID, target, by string) error {
	ch, err := a.store.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	if ch.Host != by {
		return core.ErrAuthorizationDenied
	}
	if target == "" || target == by {
		return fmt.Errorf("invalid host target: %w", core.ErrValidation)
	}
	if _, err := a.store.GetUser(ctx, target); err != nil {
		return err
	}
	m, ok, err := a.membership(ctx, id, target)
	if err != nil {
		return err
	}
	if ok && m.Status == domain.StatusBanned {
		return fmt.Errorf("%q is banned: %w", target, core.ErrValidation)
	}
	if err := a.store.SetChannelHost(ctx, id, target); err != nil {
		return err
	}
	if ok && m.Role == domain.RoleHostAssist {
		m.Role = domain.RoleMember
		m.Status = domain.StatusAccepted
		m.UpdatedAt = a.now()
		if err := a.store.UpsertMembership(ctx, m); err != nil {
			return err
		}
	}
	if _, err := a.store.CreateMembership(ctx, domain.Membership{
		ChannelID: id,
		Username:  by,
		Status:    domain.StatusAccepted,
		Role:      domain.RoleMember,
		UpdatedAt: a.now(),
	}); err != nil {
		return err
	}
	log.Info().Str("module", "app.authority").Str("channel", string(id)).Str("from", by).Str("to", target).Msg("host transferred")
	return nil
}

// DeleteChannel removes the channel and everything in it. Host only.
func (a *Authority) DeleteChannel(ctx context.Context, id domain.ChannelID, by string) error {
	ch, err := a.store.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	if ch.Host != by {
		return core.ErrAuthorizationDenied
	}
	if err := a.store.DeleteChannel(ctx, id); err != nil {
		return err
	}
	log.Info().Str("module", "app.authority").Str("channel", string(id)).Str("by", by).Msg("channel deleted")
	return nil
}
