package orch

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/app/apptest"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

const sampleSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// lastMessage returns the most recent chat message c saw broadcast.
func lastMessage(t *testing.T, c *apptest.Conn) map[string]any {
	t.Helper()
	ev, ok := c.Last("receive_message")
	if !ok {
		t.Fatalf("no receive_message: %v", c.Types())
	}
	return ev["message"].(map[string]any)
}

func TestToggleReaction(t *testing.T) {
	h := newHarness(t)
	alice := h.user("a1", "alice")
	bob := h.user("b1", "bob")
	h.join("a1", "c1", "")
	h.send("a1", core.EvSendMessage, map[string]any{"channelId": "c1", "message": "react to me"})
	mid := lastMessage(t, alice)["id"].(string)

	for _, want := range []bool{true, false} {
		h.send("a1", core.EvToggleReaction, map[string]any{"messageId": mid, "emoji": "👍"})
		ev, ok := alice.Last("reaction_updated")
		if !ok || ev["added"] != want || ev.Str("emoji") != "👍" || ev.Str("username") != "alice" {
			t.Fatalf("toggle, want added=%v: %v", want, ev)
		}
	}

	h.send("b1", core.EvToggleReaction, map[string]any{"messageId": mid, "emoji": "👍"})
	if ev, _ := bob.Last("message_error"); ev.Str("message") != "join the channel first" {
		t.Errorf("reaction from outside the room: %v", ev)
	}
	if got := len(alice.OfType("reaction_updated")); got != 2 {
		t.Errorf("reaction_updated count: got %d, want 2", got)
	}

	h.send("a1", core.EvToggleReaction, map[string]any{"messageId": mid, "emoji": ""})
	if ev, _ := alice.Last("message_error"); ev.Str("message") != "invalid emoji" {
		t.Errorf("empty emoji: %v", ev)
	}
}

func TestLoadMessagesPaging(t *testing.T) {
	h := newHarness(t)
	bob := h.user("b1", "bob")
	h.user("a1", "alice")
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 250; i++ {
		err := h.store.InsertMessage(ctx, domain.Message{
			ID:        domain.MessageID(fmt.Sprintf("m%03d", i)),
			ChannelID: "c1",
			Sender:    "alice",
			Text:      fmt.Sprintf("msg %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	h.send("b1", core.EvLoadMessages, map[string]any{"channelId": "c1", "limit": 10})
	if ev, _ := bob.Last("message_error"); ev.Str("message") != "join the channel first" {
		t.Fatalf("load outside the room: %v", ev)
	}
	h.join("b1", "c1", "")

	// The join above posted a system message at the wall clock, so every
	// page is bounded by before.
	end := base.Add(250 * time.Second).Format(time.RFC3339Nano)
	cases := []struct {
		name     string
		payload  map[string]any
		wantLen  int
		wantMore bool
		wantLast string
	}{
		{"capped", map[string]any{"before": end, "limit": 500}, 200, true, "msg 249"},
		{"first page", map[string]any{"before": end, "limit": 10}, 10, true, "msg 249"},
		{"older page", map[string]any{"before": base.Add(240 * time.Second).Format(time.RFC3339Nano), "limit": 10}, 10, true, "msg 239"},
		{"last page", map[string]any{"before": base.Add(5 * time.Second).Format(time.RFC3339Nano), "limit": 10}, 5, false, "msg 4"},
	}
	for _, tc := range cases {
		bob.Reset()
		tc.payload["channelId"] = "c1"
		h.send("b1", core.EvLoadMessages, tc.payload)
		ev, ok := bob.Last("messages_loaded")
		if !ok {
			t.Fatalf("%s: %v", tc.name, bob.Types())
		}
		msgs := ev["messages"].([]any)
		if len(msgs) != tc.wantLen || ev["hasMore"] != tc.wantMore || ev["initial"] != false {
			t.Errorf("%s: got %d messages hasMore=%v initial=%v", tc.name, len(msgs), ev["hasMore"], ev["initial"])
			continue
		}
		if last := msgs[len(msgs)-1].(map[string]any)["text"]; last != tc.wantLast {
			t.Errorf("%s: newest message %v, want %s", tc.name, last, tc.wantLast)
		}
	}

	h.send("b1", core.EvLoadMessages, map[string]any{"channelId": "c1", "before": "yesterday"})
	if ev, _ := bob.Last("message_error"); ev.Str("message") != "invalid before timestamp" {
		t.Errorf("bad before: %v", ev)
	}
}

func TestTypingSkipsSenderDevices(t *testing.T) {
	h := newHarness(t)
	alice := h.user("a1", "alice")
	phone := h.user("b1", "bob")
	laptop := h.user("b2", "bob")
	for _, id := range []core.ConnID{"a1", "b1", "b2"} {
		h.join(id, "c1", "")
	}

	h.send("b1", core.EvTyping, map[string]any{"channelId": "c1", "typing": true})
	ev, ok := alice.Last("user_typing")
	if !ok || ev.Str("username") != "bob" || ev["typing"] != true {
		t.Fatalf("alice: %v", ev)
	}
	for name, c := range map[string]*apptest.Conn{"phone": phone, "laptop": laptop} {
		if _, ok := c.Last("user_typing"); ok {
			t.Errorf("%s received its own typing notice", name)
		}
	}

	alice.Reset()
	h.send("b1", core.EvTyping, map[string]any{"channelId": "c9", "typing": true})
	if _, ok := alice.Last("user_typing"); ok {
		t.Error("typing for a room the sender is not in was relayed")
	}
}

func TestUnbanUser(t *testing.T) {
	h := newHarness(t)
	alice := h.user("a1", "alice")
	bob := h.user("b1", "bob")
	c9 := h.channel("a1", alice, "nine", "")
	h.join("a1", c9, "")
	h.join("b1", c9, "")

	h.send("a1", core.EvUnbanUser, map[string]any{"channelId": string(c9), "username": "bob"})
	if ev, _ := alice.Last("error"); ev.Str("message") != "user is not banned" {
		t.Fatalf("unban of a member: %v", ev)
	}

	h.send("a1", core.EvKickUser, map[string]any{"channelId": string(c9), "username": "bob"})
	h.send("b1", core.EvUnbanUser, map[string]any{"channelId": string(c9), "username": "bob"})
	if _, ok := bob.Last("unban_success"); ok {
		t.Fatal("a banned user unbanned themselves")
	}

	h.send("a1", core.EvUnbanUser, map[string]any{"channelId": string(c9), "username": "bob"})
	ev, ok := alice.Last("unban_success")
	if !ok || ev.Str("username") != "bob" || ev.Str("channelId") != string(c9) {
		t.Fatalf("unban_success: %v", ev)
	}
	h.join("b1", c9, "")
	if ev, _ := bob.Last("join_channel_success"); ev.Str("channelId") != string(c9) {
		t.Errorf("rejoin after unban: %v", bob.Types())
	}
}

func TestLeaveChannel(t *testing.T) {
	h := newHarness(t)
	bob := h.user("b1", "bob")
	h.join("b1", "c1", "")

	h.send("b1", core.EvLeaveChannel, map[string]any{"channelId": "c9"})
	if ev, _ := bob.Last("error"); ev.Str("message") != "not in that channel" {
		t.Fatalf("mismatched leave: %v", ev)
	}
	if room, _ := h.o.Registry.RoomOf("b1"); room != "c1" {
		t.Fatalf("room after mismatched leave: %q", room)
	}

	h.send("b1", core.EvLeaveChannel, map[string]any{"channelId": "c1"})
	if ev, ok := bob.Last("leave_channel_success"); !ok || ev.Str("channelId") != "c1" {
		t.Fatalf("leave: %v", bob.Types())
	}
	if room, _ := h.o.Registry.RoomOf("b1"); room != "" {
		t.Errorf("room after leave: %q", room)
	}
}

func TestSignalingThroughHandle(t *testing.T) {
	h := newHarness(t)
	alice := h.user("a1", "alice")
	bob := h.user("b1", "bob")

	h.send("a1", core.EvOffer, map[string]any{"to": "bob", "sdp": map[string]any{"type": "offer", "sdp": sampleSDP}})
	ev, ok := bob.Last("offer")
	if !ok || ev.Str("from") != "alice" || ev.Str("fromConn") != "a1" {
		t.Fatalf("offer: %v", bob.Types())
	}

	h.send("b1", core.EvAnswer, map[string]any{"toConn": "a1", "sdp": map[string]any{"type": "answer", "sdp": sampleSDP}})
	if ev, ok := alice.Last("answer"); !ok || ev.Str("from") != "bob" {
		t.Fatalf("answer: %v", alice.Types())
	}

	cand := map[string]any{"candidate": "candidate:1 1 UDP 2122252543 192.168.1.2 54321 typ host", "sdpMid": "0", "sdpMLineIndex": 0}
	h.send("b1", core.EvIceCandidate, map[string]any{"to": "alice", "candidate": cand})
	ev, ok = alice.Last("ice_candidate")
	if !ok || ev["candidate"].(map[string]any)["candidate"] != cand["candidate"] {
		t.Fatalf("ice_candidate: %v", ev)
	}

	bob.Reset()
	h.send("a1", core.EvOffer, map[string]any{"to": "bob", "sdp": map[string]any{"type": "answer", "sdp": sampleSDP}})
	if _, ok := bob.Last("offer"); ok {
		t.Error("an answer sent as offer was forwarded")
	}
	if _, ok := alice.Last("call_failed"); !ok {
		t.Errorf("mismatched sdp type not reported: %v", alice.Types())
	}

	h.send("a1", core.EvOffer, map[string]any{"to": "bob", "sdp": "not an object"})
	if ev, _ := alice.Last("call_failed"); ev.Str("message") != "invalid payload" {
		t.Errorf("undecodable offer: %v", ev)
	}
}

func TestRejectedSendsKeepRateBudget(t *testing.T) {
	h := newHarness(t)
	bob := h.user("b1", "bob")
	h.join("b1", "c1", "")

	for i := 0; i < 30; i++ {
		h.send("b1", core.EvSendMessage, map[string]any{"channelId": "c1", "message": "   "})
		h.send("b1", core.EvSendMessage, map[string]any{"channelId": "c9", "message": "wrong room"})
	}
	for _, ev := range bob.OfType("message_error") {
		if ev.Str("message") == "rate limit exceeded" {
			t.Fatal("invalid sends were rate limited")
		}
	}
	bob.Reset()
	for i := 0; i < 30; i++ {
		h.send("b1", core.EvSendMessage, map[string]any{"channelId": "c1", "message": "ok"})
	}
	if errs := bob.OfType("message_error"); len(errs) != 0 {
		t.Fatalf("valid sends after rejected ones: %v", errs)
	}
	if got := len(bob.OfType("receive_message")); got != 30 {
		t.Errorf("delivered %d, want 30", got)
	}
}

func TestTimeLabelKeepsRunes(t *testing.T) {
	h := newHarness(t)
	bob := h.user("b1", "bob")
	h.join("b1", "c1", "")

	// 31 ASCII bytes then a two-byte rune straddling the 32 byte cap.
	label := strings.Repeat("a", 31) + "é"
	h.send("b1", core.EvSendMessage, map[string]any{"channelId": "c1", "message": "hi", "time": label})
	if got := lastMessage(t, bob)["time"]; got != strings.Repeat("a", 31) {
		t.Errorf("time label: got %q", got)
	}

	h.send("b1", core.EvSendMessage, map[string]any{"channelId": "c1", "message": "hi", "time": "12:30 é"})
	if got := lastMessage(t, bob)["time"]; got != "12:30 é" {
		t.Errorf("short label changed: got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 32, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"日本", 4, "日"},
		{"日本", 2, ""},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Errorf("truncate(%q, %d): got %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestInviteChecksRightsFirst(t *testing.T) {
	h := newHarness(t)
	alice := h.user("a1", "alice")
	h.user("b1", "bob")
	carol := h.user("k1", "carol")
	c9 := h.channel("a1", alice, "nine", "secret")

	carol.Reset()
	for _, target := range []string{"bob", "nobody-online"} {
		h.send("k1", core.EvInviteUser, map[string]any{"channelId": string(c9), "username": target})
	}
	if types := carol.Types(); len(types) != 0 {
		t.Fatalf("unauthorized inviter got replies: %v", types)
	}

	h.send("a1", core.EvInviteUser, map[string]any{"channelId": "cmissing", "username": "bob"})
	if ev, _ := alice.Last("invite_error"); ev.Str("message") != "channel not found" {
		t.Errorf("missing channel: %v", ev)
	}
	h.send("a1", core.EvInviteUser, map[string]any{"channelId": string(c9), "username": "dave"})
	if ev, _ := alice.Last("invite_error"); ev.Str("message") != "user not online" {
		t.Errorf("offline target: %v", ev)
	}
}
