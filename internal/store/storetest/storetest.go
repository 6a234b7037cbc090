// Package storetest holds the conformance suite every core.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) core.Store

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func Run(t *testing.T, newStore Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("Channels", func(t *testing.T) { testChannels(t, newStore(t)) })
	t.Run("Memberships", func(t *testing.T) { testMemberships(t, newStore(t)) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("DeleteChannelCascades", func(t *testing.T) { testCascade(t, newStore(t)) })
}

func testUsers(t *testing.T, s core.Store) {
	ctx := context.Background()
	u := domain.User{Username: "alice", PasswordHash: []byte("hash"), Avatar: "a.png", CreatedAt: base}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.CreateUser(ctx, u); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("CreateUser duplicate: got %v, want ErrConflict", err)
	}
	got, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if string(got.PasswordHash) != "hash" || got.Avatar != "a.png" {
		t.Errorf("GetUser: got %+v", got)
	}
	if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetUser missing: got %v, want ErrNotFound", err)
	}
	seen := base.Add(time.Hour)
	if err := s.TouchLastSeen(ctx, "alice", seen); err != nil {
		t.Fatalf("TouchLastSeen: %v", err)
	}
	p, err := s.GetUserProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserProfile: %v", err)
	}
	if !p.LastSeen.Equal(seen) {
		t.Errorf("LastSeen: got %v, want %v", p.LastSeen, seen)
	}
	if err := s.CreateUser(ctx, domain.User{Username: "bob", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0].Username != "alice" || users[1].Username != "bob" {
		t.Errorf("ListUsers: got %+v", users)
	}
}

func testChannels(t *testing.T, s core.Store) {
	ctx := context.Background()
	c := domain.Channel{ID: "c9", Name: "nine", Passcode: "secret", Host: "alice", CreatedAt: base}
	if err := s.CreateChannel(ctx, c); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := s.CreateChannel(ctx, c); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("CreateChannel duplicate: got %v, want ErrConflict", err)
	}
	if err := s.SetChannelHost(ctx, "c9", "bob"); err != nil {
		t.Fatalf("SetChannelHost: %v", err)
	}
	got, err := s.GetChannel(ctx, "c9")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.Host != "bob" || got.Passcode != "secret" || got.Name != "nine" {
		t.Errorf("GetChannel: got %+v", got)
	}
	if _, err := s.GetChannel(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetChannel missing: got %v, want ErrNotFound", err)
	}
	if err := s.SetChannelHost(ctx, "nope", "bob"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("SetChannelHost missing: got %v, want ErrNotFound", err)
	}
	if err := s.CreateChannel(ctx, domain.Channel{ID: "c10", Name: "ten", Host: "bob", CreatedAt: base.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListChannels(ctx)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if len(list) != 2 || list[0].ID != "c9" || list[1].ID != "c10" {
		t.Errorf("ListChannels: got %+v", list)
	}
}

func testMemberships(t *testing.T, s core.Store) {
	ctx := context.Background()
	if _, err := s.GetMembership(ctx, "c9", "bob"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("GetMembership missing: got %v, want ErrNotFound", err)
	}
	m := domain.Membership{ChannelID: "c9", Username: "bob", Status: domain.StatusInvited, Role: domain.RoleMember, InvitedBy: "alice", UpdatedAt: base}
	created, err := s.CreateMembership(ctx, m)
	if err != nil || !created {
		t.Fatalf("CreateMembership: got %v, %v; want true, nil", created, err)
	}
	banned := m
	banned.Status = domain.StatusBanned
	created, err = s.CreateMembership(ctx, banned)
	if err != nil || created {
		t.Fatalf("CreateMembership existing: got %v, %v; want false, nil", created, err)
	}
	if err := s.UpsertMembership(ctx, m); err != nil {
		t.Fatalf("UpsertMembership: %v", err)
	}
	ok, err := s.PromoteInvite(ctx, "c9", "bob", domain.RoleHostAssist)
	if err != nil || ok {
		t.Fatalf("PromoteInvite wrong role: got %v, %v; want false, nil", ok, err)
	}
	ok, err = s.PromoteInvite(ctx, "c9", "bob", domain.RoleMember)
	if err != nil || !ok {
		t.Fatalf("PromoteInvite: got %v, %v; want true, nil", ok, err)
	}
	got, err := s.GetMembership(ctx, "c9", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusAccepted || got.InvitedBy != "alice" {
		t.Errorf("after promote: got %+v", got)
	}
	ok, err = s.PromoteInvite(ctx, "c9", "bob", domain.RoleMember)
	if err != nil || ok {
		t.Errorf("PromoteInvite twice: got %v, %v; want false, nil", ok, err)
	}

	m.Status = domain.StatusBanned
	if err := s.UpsertMembership(ctx, m); err != nil {
		t.Fatalf("UpsertMembership replace: %v", err)
	}
	got, _ = s.GetMembership(ctx, "c9", "bob")
	if got.Status != domain.StatusBanned {
		t.Errorf("after upsert: got %s, want banned", got.Status)
	}
	list, err := s.ListMemberships(ctx, "c9")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListMemberships: got %+v, %v", list, err)
	}
	if err := s.DeleteMembership(ctx, "c9", "bob"); err != nil {
		t.Fatalf("DeleteMembership: %v", err)
	}
	if _, err := s.GetMembership(ctx, "c9", "bob"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("after delete: got %v, want ErrNotFound", err)
	}
}

func testMessages(t *testing.T, s core.Store) {
	ctx := context.Background()
	for i, id := range []domain.MessageID{"m1", "m2", "m3"} {
		msg := domain.Message{ID: id, ChannelID: "c9", Sender: "alice", Text: string(id), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("InsertMessage %s: %v", id, err)
		}
	}
	if err := s.InsertMessage(ctx, domain.Message{ID: "x1", ChannelID: "c10", Sender: "bob", Text: "x", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.ListMessages(ctx, "c9", time.Time{}, 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[1].ID != "m3" {
		t.Fatalf("ListMessages newest page: got %+v", msgs)
	}
	msgs, err = s.ListMessages(ctx, "c9", msgs[0].CreatedAt, 10)
	if err != nil || len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("ListMessages before: got %+v, %v", msgs, err)
	}

	if err := s.UpdateMessageText(ctx, "m1", "m1 (edited)"); err != nil {
		t.Fatalf("UpdateMessageText: %v", err)
	}
	added, err := s.ToggleReaction(ctx, domain.Reaction{MessageID: "m1", Username: "bob", Emoji: "+1"})
	if err != nil || !added {
		t.Fatalf("ToggleReaction add: got %v, %v", added, err)
	}
	got, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "m1 (edited)" || len(got.Reactions) != 1 {
		t.Errorf("GetMessage: got %+v", got)
	}
	added, err = s.ToggleReaction(ctx, domain.Reaction{MessageID: "m1", Username: "bob", Emoji: "+1"})
	if err != nil || added {
		t.Fatalf("ToggleReaction remove: got %v, %v", added, err)
	}
	if _, err := s.ToggleReaction(ctx, domain.Reaction{MessageID: "zz", Username: "bob", Emoji: "+1"}); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("ToggleReaction missing message: got %v", err)
	}

	if err := s.DeleteMessage(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if _, err := s.GetMessage(ctx, "m1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetMessage after delete: got %v", err)
	}
	if err := s.UpdateMessageText(ctx, "m1", "x"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("UpdateMessageText after delete: got %v", err)
	}
}

func testCascade(t *testing.T, s core.Store) {
	ctx := context.Background()
	if err := s.CreateChannel(ctx, domain.Channel{ID: "c9", Name: "nine", Host: "alice", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	_ = s.UpsertMembership(ctx, domain.Membership{ChannelID: "c9", Username: "bob", Status: domain.StatusAccepted, Role: domain.RoleMember, UpdatedAt: base})
	_ = s.InsertMessage(ctx, domain.Message{ID: "m1", ChannelID: "c9", Sender: "alice", Text: "hi", CreatedAt: base})
	_, _ = s.ToggleReaction(ctx, domain.Reaction{MessageID: "m1", Username: "bob", Emoji: "+1"})

	if err := s.DeleteChannel(ctx, "c9"); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if _, err := s.GetChannel(ctx, "c9"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("channel survived delete: %v", err)
	}
	if _, err := s.GetMembership(ctx, "c9", "bob"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("membership survived delete: %v", err)
	}
	if _, err := s.GetMessage(ctx, "m1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("message survived delete: %v", err)
	}
	if err := s.DeleteChannel(ctx, "c9"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second DeleteChannel: got %v, want ErrNotFound", err)
	}
}
