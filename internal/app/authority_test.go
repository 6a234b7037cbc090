package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/store/memstore"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedStore(t *testing.T) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	s := memstore.New()
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		if err := s.CreateUser(ctx, domain.User{Username: u, Avatar: u + ".png", CreatedAt: epoch}); err != nil {
			t.Fatal(err)
		}
	}
	channels := []domain.Channel{
		{ID: "c1", Name: "general", Host: domain.SystemUsername, CreatedAt: epoch},
		{ID: "c9", Name: "nine", Passcode: "secret", Host: "alice", CreatedAt: epoch.Add(time.Second)},
	}
	for _, c := range channels {
		if err := s.CreateChannel(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func status(t *testing.T, s core.Store, ch domain.ChannelID, user string) domain.MembershipStatus {
	t.Helper()
	m, err := s.GetMembership(context.Background(), ch, user)
	if errors.Is(err, core.ErrNotFound) {
		return ""
	}
	if err != nil {
		t.Fatal(err)
	}
	return m.Status
}

func TestCheckJoinPasscodeScenario(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	a := NewAuthority(s)

	steps := []struct {
		passcode string
		want     JoinDecision
	}{
		{"", JoinNeedsPasscode},
		{"wrong", JoinWrongPasscode},
		{"secret", JoinAllowed},
		{"", JoinAllowed},
	}
	for i, step := range steps {
		got, err := a.CheckJoin(ctx, "c9", "bob", step.passcode)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != step.want {
			t.Fatalf("step %d (%q): got %s, want %s", i, step.passcode, got, step.want)
		}
	}
	if st := status(t, s, "c9", "bob"); st != domain.StatusAccepted {
		t.Errorf("membership: got %q, want accepted", st)
	}
}

func TestCheckJoinPrecedence(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	a := NewAuthority(s)

	if d, _ := a.CheckJoin(ctx, "c9", "alice", ""); d != JoinAllowed {
		t.Errorf("host: got %s", d)
	}
	if d, _ := a.CheckJoin(ctx, "c1", "bob", ""); d != JoinAllowed {
		t.Errorf("open channel: got %s", d)
	}

	// A ban wins over the correct passcode and over being the host.
	_ = s.UpsertMembership(ctx, domain.Membership{ChannelID: "c9", Username: "alice", Status: domain.StatusBanned, Role: domain.RoleMember})
	if d, _ := a.CheckJoin(ctx, "c9", "alice", "secret"); d != JoinBanned {
		t.Errorf("banned host: got %s", d)
	}

	_ = s.UpsertMembership(ctx, domain.Membership{ChannelID: "c9", Username: "carol", Status: domain.StatusInvited, Role: domain.RoleMember})
	if d, _ := a.CheckJoin(ctx, "c9", "carol", ""); d != JoinAllowed {
		t.Errorf("invited: got %s", d)
	}
	if st := status(t, s, "c9", "carol"); st != domain.StatusAccepted {
		t.Errorf("invite not promoted: %q", st)
	}

	_ = s.UpsertMembership(ctx, domain.Membership{ChannelID: "c9", Username: "dave", Status: domain.StatusInvited, Role: domain.RoleHostAssist})
	if d, _ := a.CheckJoin(ctx, "c9", "dave", ""); d != JoinAllowed {
		t.Errorf("invited host-assist: got %s", d)
	}
	if st := status(t, s, "c9", "dave"); st != domain.StatusInvited {
		t.Errorf("host-assist invite must stay pending, got %q", st)
	}

	if _, err := a.CheckJoin(ctx, "nope", "bob", ""); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("missing channel: got %v", err)
	}
}

func TestKickIsBan(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	a := NewAuthority(s)

	if d, _ := a.CheckJoin(ctx, "c9", "bob", "secret"); d != JoinAllowed {
		t.Fatalf("join: %s", d)
	}
	if err := a.Kick(ctx, "c9", "bob", "alice"); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if d, _ := a.CheckJoin(ctx, "c9", "bob", "secret"); d != JoinBanned {
		t.Fatalf("rejoin after kick: got %s, want banned", d)
	}

	if err := a.Kick(ctx, "c9", "alice", "carol"); !errors.Is(err, core.ErrAuthorizationDenied) {
		t.Errorf("kick by non-member: got %v", err)
	}
	if err := a.Kick(ctx, "c9", "alice", "alice"); !errors.Is(err, core.ErrAuthorizationDenied) {
		t.Errorf("kicking the host: got %v", err)
	}

	if err := a.Unban(ctx, "c9", "bob", "carol"); !errors.Is(err, core.ErrAuthorizationDenied) {
		t.Errorf("unban by non-member: got %v", err)
	}
	if err := a.Unban(ctx, "c9", "bob", "alice"); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	if st := status(t, s, "c9", "bob"); st != "" {
		t.Errorf("unban should delete the row, got %q", st)
	}
	if d, _ := a.CheckJoin(ctx, "c9", "bob", ""); d != JoinNeedsPasscode {
		t.Errorf("after unban: got %s, want needs passcode", d)
	}
}

func TestInviteBanInviteEndsInvited(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	a := NewAuthority(s)

	for i := 0; i < 3; i++ {
		if err := a.Invite(ctx, "c9", "bob", "alice", domain.RoleMember); err != nil {
			t.Fatalf("Invite: %v", err)
		}
		if err := a.Kick(ctx, "c9", "bob", "alice"); err != nil {
			t.Fatalf("Kick: %v", err)
		}
	}
	if err := a.Invite(ctx, "c9", "bob", "alice", domain.RoleMember); err != nil {
		t.Fatal(err)
	}
	if st := status(t, s, "c9", "bob"); st != domain.StatusInvited {
		t.Fatalf("got %q, want invited", st)
	}

	if err := a.Invite(ctx, "c9", "ghost", "alice", domain.RoleMember); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("invite unknown user: got %v", err)
	}
	if err := a.Invite(ctx, "c9", "carol", "bob", domain.RoleMember); !errors.Is(err, core.ErrAuthorizationDenied) {
		t.Errorf("invite by non-moderator: got %v", err)
	}
}

func TestHostAssistLifecycle(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	a := NewAuthority(s)

	if err := a.Invite(ctx, "c9", "bob", "carol", domain.RoleHostAssist); !errors.Is(err, core.ErrAuthorizationDenied) {
		t.Fatalf("host-assist invite by non-host: got %v", err)
	}
	if err := a.Invite(ctx, "c9", "bob", "alice", domain.RoleHostAssist); err != nil {
		t.Fatal(err)
	}
	if g, _ := a.Authorize(ctx, "c9", "bob"); g.IsHostAssist {
		t.Fatal("pending invitation must not grant host-assist")
	}
	if err := a.RespondHostAssistInvite(ctx, "c9", "bob", true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	g, _ := a.Authorize(ctx, "c9", "bob")
	if !g.IsHostAssist || g.IsHost {
		t.Fatalf("after accept: got %+v", g)
	}

	// A host-assist can kick and invite members but not hand over the channel.
	if err := a.Kick(ctx, "c9", "carol", "bob"); err != nil {
		t.Errorf("host-assist kick: %v", err)
	}
	if err := a.TransferHost(ctx, "c9", "bob", "bob"); !errors.Is(err, core.ErrAuthorizationDenied) {
		t.Errorf("host-assist transfer: got %v", err)
	}
	if err := a.DeleteChannel(ctx, "c9", "bob"); !errors.Is(err, core.ErrAuthorizationDenied) {
		t.Errorf("host-assist delete: got %v", err)
	}

	if err := a.Invite(ctx, "c9", "dave", "alice", domain.RoleHostAssist); err != nil {
		t.Fatal(err)
	}
	if err := a.RespondHostAssistInvite(ctx, "c9", "dave", false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if st := status(t, s, "c9", "dave"); st != "" {
		t.Errorf("decline should delete the row, got %q", st)
	}
	if err := a.RespondHostAssistInvite(ctx, "c9", "dave", true); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("respond without invitation: got %v", err)
	}
}

func TestTransferHost(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	a := NewAuthority(s)

	if err := a.TransferHost(ctx, "c9", "carol", "bob"); !errors.Is(err, core.ErrAuthorizationDenied) {
		t.Fatalf("non-host transfer: got %v", err)
	}
	ch, _ := s.GetChannel(ctx, "c9")
	if ch.Host != "alice" {
		t.Fatalf("host changed by non-host: %q", ch.Host)
	}

	if err := a.TransferHost(ctx, "c9", "bob", "alice"); err != nil {
		t.Fatalf("TransferHost: %v", err)
	}
	g, _ := a.Authorize(ctx, "c9", "bob")
	if !g.IsHost || g.IsHostAssist {
		t.Fatalf("new host grants: %+v", g)
	}
	if d, _ := a.CheckJoin(ctx, "c9", "alice", ""); d != JoinAllowed {
		t.Errorf("previous host should keep access, got %s", d)
	}

	_ = a.Kick(ctx, "c9", "carol", "bob")
	if err := a.TransferHost(ctx, "c9", "carol", "bob"); !errors.Is(err, core.ErrValidation) {
		t.Errorf("transfer to banned user: got %v", err)
	}
}

func TestCreateAndDeleteChannel(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	a := NewAuthority(s)

	ch, err := a.CreateChannel(ctx, "  lounge ", " pw ", "bob")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if ch.Host != "bob" || ch.Passcode != "pw" || ch.ID == "" {
		t.Fatalf("created: %+v", ch)
	}
	if _, err := a.CreateChannel(ctx, "", "", "bob"); !errors.Is(err, core.ErrValidation) {
		t.Errorf("empty name: got %v", err)
	}
	if _, err := a.CreateChannel(ctx, "x", "", ""); !errors.Is(err, core.ErrValidation) {
		t.Errorf("empty host: got %v", err)
	}
	if err := a.DeleteChannel(ctx, ch.ID, "alice"); !errors.Is(err, core.ErrAuthorizationDenied) {
		t.Errorf("delete by non-host: got %v", err)
	}
	if err := a.DeleteChannel(ctx, ch.ID, "bob"); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if _, err := s.GetChannel(ctx, ch.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("channel survived: %v", err)
	}
}

func TestAuthorityStoreFailure(t *testing.T) {
	s := seedStore(t)
	a := NewAuthority(s)
	s.FailWith = errors.New("disk on fire")
	if _, err := a.CheckJoin(context.Background(), "c9", "bob", "secret"); !errors.Is(err, core.ErrStore) {
		t.Fatalf("got %v, want ErrStore", err)
	}
}

func TestCanInvite(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	a := NewAuthority(s)
	if err := s.UpsertMembership(ctx, domain.Membership{
		ChannelID: "c9", Username: "bob", Status: domain.StatusAccepted, Role: domain.RoleHostAssist, UpdatedAt: epoch,
	}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		channel domain.ChannelID
		by      string
		role    domain.Role
		want    error
	}{
		{"c9", "alice", domain.RoleMember, nil},
		{"c9", "alice", domain.RoleHostAssist, nil},
		{"c9", "bob", domain.RoleMember, nil},
		{"c9", "bob", domain.RoleHostAssist, core.ErrAuthorizationDenied},
		{"c9", "carol", domain.RoleMember, core.ErrAuthorizationDenied},
		{"cmissing", "alice", domain.RoleMember, core.ErrNotFound},
		{"c9", "alice", domain.Role("owner"), core.ErrValidation},
	}
	for _, tc := range cases {
		err := a.CanInvite(ctx, tc.channel, tc.by, tc.role)
		if (tc.want == nil && err != nil) || (tc.want != nil && !errors.Is(err, tc.want)) {
			t.Errorf("CanInvite(%s, %s, %s): got %v, want %v", tc.channel, tc.by, tc.role, err, tc.want)
		}
	}
	if got := status(t, s, "c9", "carol"); got != "" {
		t.Errorf("CanInvite wrote a membership row: %q", got)
	}
}
