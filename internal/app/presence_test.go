package app

import (
	"context"
	"testing"

	"github.com/dkeye/Huddle/internal/app/apptest"
	"github.com/dkeye/Huddle/internal/domain"
)


func TestRoomMembersTracksRegistry(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	reg := NewRegistry()
	auth := NewAuthority(s)
	out := NewFanout(reg, SimplePolicy{})
	p := NewPresence(reg, auth, s, out)

	alice := register(reg, "a1", "alice")
	register(reg, "a2", "alice")
	bob := register(reg, "b1", "bob")
	carol := register(reg, "c1", "carol")
	reg.SetRoom("a1", "c9")
	reg.SetRoom("a2", "c9")
	reg.SetRoom("b1", "c9")
	reg.SetRoom("c1", "c1")

	_ = s.UpsertMembership(ctx, domain.Membership{ChannelID: "c9", Username: "bob", Status: domain.StatusAccepted, Role: domain.RoleHostAssist})

	p.BroadcastRoomMembers(ctx, "c9")
	ev, ok := bob.Last("room_members")
	if !ok {
		t.Fatal("bob got no room_members")
	}
	members := ev["members"].([]any)
	if len(members) != 2 {
		t.Fatalf("members: got %v", members)
	}
	first := members[0].(map[string]any)
	if first["username"] != "alice" || first["isHost"] != true || first["connections"] != float64(2) || first["avatar"] != "alice.png" {
		t.Errorf("alice entry: %v", first)
	}
	second := members[1].(map[string]any)
	if second["username"] != "bob" || second["isHostAssist"] != true || second["isHost"] != false {
		t.Errorf("bob entry: %v", second)
	}
	if len(alice.OfType("room_members")) != 1 {
		t.Error("alice's connection should get the list")
	}
	if len(carol.OfType("room_members")) != 0 {
		t.Error("carol is in another room")
	}

	reg.Unregister("b1")
	got, err := p.RoomMembers(ctx, "c9")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Username != "alice" {
		t.Errorf("after unregister: %+v", got)
	}
}

func TestUserAndChannelLists(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	reg := NewRegistry()
	out := NewFanout(reg, nil)
	p := NewPresence(reg, NewAuthority(s), s, out)

	bob := register(reg, "b1", "bob")
	anon := apptest.NewConn()
	reg.Register("anon", anon, nil)

	p.BroadcastGlobalUserList(ctx)
	ev, ok := bob.Last("user_list")
	if !ok {
		t.Fatal("no user_list")
	}
	online := map[string]bool{}
	for _, u := range ev["users"].([]any) {
		m := u.(map[string]any)
		online[m["username"].(string)] = m["online"].(bool)
	}
	if !online["bob"] || online["alice"] || len(online) != 4 {
		t.Errorf("online flags: %v", online)
	}
	if len(anon.Events()) != 0 {
		t.Error("unauthenticated connections get no broadcasts")
	}

	p.BroadcastChannelList(ctx)
	ev, _ = bob.Last("channel_list")
	channels := ev["channels"].([]any)
	if len(channels) != 2 {
		t.Fatalf("channels: %v", channels)
	}
	nine := channels[1].(map[string]any)
	if nine["hasPasscode"] != true {
		t.Errorf("c9 should report a passcode: %v", nine)
	}
	if _, leaked := nine["passcode"]; leaked {
		t.Error("passcode leaked into channel list")
	}
}
