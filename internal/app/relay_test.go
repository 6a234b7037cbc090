package app

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/app/apptest"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

const testSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func newRelayHarness(ring time.Duration) (*Registry, *Relay) {
	reg := NewRegistry()
	return reg, NewRelay(reg, NewFanout(reg, nil), ring)
}

func TestRelayInviteAcceptAcrossDevices(t *testing.T) {
	reg, r := newRelayHarness(0)
	alice := register(reg, "a1", "alice")
	bobPhone := register(reg, "b1", "bob")
	bobLaptop := register(reg, "b2", "bob")

	r.RouteCallInvite("a1", "bob", "c9", domain.CallVideo)
	if _, ok := alice.Last("call_ringing"); !ok {
		t.Fatal("caller should see call_ringing")
	}
	for _, c := range []*apptest.Conn{bobPhone, bobLaptop} {
		ev, ok := c.Last("incoming_call")
		if !ok || ev.Str("from") != "alice" || ev.Str("kind") != "video" || ev.Str("fromConn") != "a1" {
			t.Fatalf("incoming_call: %v", ev)
		}
	}

	r.RouteCallAccept("b2", "alice")
	ev, ok := alice.Last("call_accepted")
	if !ok || ev.Str("by") != "bob" || ev.Str("byConn") != "b2" {
		t.Fatalf("call_accepted: %v", ev)
	}
	if ev, ok := bobPhone.Last("call_cancelled"); !ok || ev.Str("reason") != ReasonAnsweredElsewhere {
		t.Errorf("other device: %v", ev)
	}
	if _, ok := bobLaptop.Last("call_cancelled"); ok {
		t.Error("answering device must not be cancelled")
	}
	if _, pending := reg.PendingCall("a1"); pending {
		t.Error("pending call should be cleared")
	}
}

func TestRelayTargetOffline(t *testing.T) {
	reg, r := newRelayHarness(0)
	alice := register(reg, "a1", "alice")

	r.RouteCallInvite("a1", "bob", "", "")
	ev, ok := alice.Last("call_failed")
	if !ok || ev.Str("message") != "user not online" || ev.Str("to") != "bob" {
		t.Fatalf("call_failed: %v", ev)
	}
	if _, pending := reg.PendingCall("a1"); pending {
		t.Error("no pending call for an offline target")
	}

	r.RouteIceCandidate("a1", "bob", "", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	if len(alice.OfType("call_failed")) != 2 {
		t.Error("ice to offline user should fail back to the sender")
	}
}

func TestRelayDecline(t *testing.T) {
	reg, r := newRelayHarness(0)
	alice := register(reg, "a1", "alice")
	register(reg, "b1", "bob")

	r.RouteCallInvite("a1", "bob", "", domain.CallAudio)
	r.RouteCallDecline("b1", "alice")
	if ev, ok := alice.Last("call_declined"); !ok || ev.Str("by") != "bob" {
		t.Fatalf("call_declined: %v", ev)
	}
	r.RouteCallDecline("b1", "alice")
	if len(alice.OfType("call_declined")) != 1 {
		t.Error("second decline should be ignored")
	}
}

func TestRelayCallerDisconnectCancels(t *testing.T) {
	reg, r := newRelayHarness(0)
	register(reg, "a1", "alice")
	bob := register(reg, "b1", "bob")

	r.RouteCallInvite("a1", "bob", "c9", domain.CallAudio)
	dep, _ := reg.Unregister("a1")
	r.OnDisconnect(dep.Username, dep.Call, reg.IsOnline(dep.Username))

	ev, ok := bob.Last("call_cancelled")
	if !ok || ev.Str("from") != "alice" || ev.Str("reason") != ReasonCallerDisconnected {
		t.Fatalf("call_cancelled: %v", ev)
	}
}

func TestRelayCalleeDisconnectCancels(t *testing.T) {
	reg, r := newRelayHarness(0)
	alice := register(reg, "a1", "alice")
	register(reg, "b1", "bob")

	r.RouteCallInvite("a1", "bob", "", domain.CallAudio)
	dep, _ := reg.Unregister("b1")
	r.OnDisconnect(dep.Username, dep.Call, reg.IsOnline(dep.Username))

	ev, ok := alice.Last("call_cancelled")
	if !ok || ev.Str("reason") != ReasonCalleeDisconnected {
		t.Fatalf("call_cancelled: %v", ev)
	}
	if _, pending := reg.PendingCall("a1"); pending {
		t.Error("caller's pending call should be cleared")
	}
}

func TestRelayRingTimeout(t *testing.T) {
	reg, r := newRelayHarness(20 * time.Millisecond)
	alice := register(reg, "a1", "alice")
	bob := register(reg, "b1", "bob")

	r.RouteCallInvite("a1", "bob", "", domain.CallAudio)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := alice.Last("call_failed"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	ev, ok := alice.Last("call_failed")
	if !ok || ev.Str("message") != "no answer" {
		t.Fatalf("call_failed: %v", ev)
	}
	if ev, ok := bob.Last("call_cancelled"); !ok || ev.Str("reason") != ReasonTimeout {
		t.Fatalf("callee call_cancelled: %v", ev)
	}
	if r.Pending() != 0 {
		t.Error("timer not released")
	}
}

func TestRelayCancelStopsTimer(t *testing.T) {
	reg, r := newRelayHarness(time.Hour)
	register(reg, "a1", "alice")
	bob := register(reg, "b1", "bob")

	r.RouteCallInvite("a1", "bob", "", domain.CallAudio)
	if r.Pending() != 1 {
		t.Fatalf("timers: %d", r.Pending())
	}
	r.RouteCallCancel("a1")
	if r.Pending() != 0 {
		t.Error("cancel should disarm the timer")
	}
	if ev, ok := bob.Last("call_cancelled"); !ok || ev.Str("reason") != ReasonCancelled {
		t.Errorf("call_cancelled: %v", ev)
	}
}

func TestRelayOfferValidation(t *testing.T) {
	reg, r := newRelayHarness(0)
	alice := register(reg, "a1", "alice")
	bob := register(reg, "b1", "bob")
	register(reg, "b2", "bob")
	reg.Touch("b2")

	r.RouteOffer("a1", "bob", "b1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP})
	ev, ok := bob.Last("offer")
	if !ok || ev.Str("from") != "alice" {
		t.Fatalf("offer not delivered to the named connection: %v", ev)
	}
	sdp := ev["sdp"].(map[string]any)
	if sdp["type"] != "offer" || sdp["sdp"] != testSDP {
		t.Errorf("sdp not forwarded verbatim: %v", sdp)
	}

	r.RouteOffer("a1", "bob", "", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP})
	r.RouteAnswer("a1", "bob", "", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "garbage"})
	if got := len(alice.OfType("call_failed")); got != 2 {
		t.Errorf("invalid descriptions: got %d call_failed, want 2", got)
	}

	r.RouteOffer("a1", "carol", "b1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP})
	if got := len(alice.OfType("call_failed")); got != 3 {
		t.Error("a connection id owned by someone else must not resolve")
	}
}

func TestRelayPeerSignalSameRoomOnly(t *testing.T) {
	reg, r := newRelayHarness(0)
	alice := register(reg, "a1", "alice")
	bob := register(reg, "b1", "bob")
	carol := register(reg, "c1", "carol")
	reg.SetRoom("a1", "c9")
	reg.SetRoom("b1", "c9")
	reg.SetRoom("c1", "other")

	payload := json.RawMessage(`{"sdp":"x"}`)
	r.RoutePeerSignal("a1", "b1", "incoming_signal", payload)
	ev, ok := bob.Last("incoming_signal")
	if !ok || ev.Str("fromConn") != "a1" {
		t.Fatalf("incoming_signal: %v", ev)
	}
	if sig := ev["signal"].(map[string]any); sig["sdp"] != "x" {
		t.Errorf("signal payload: %v", sig)
	}

	r.RoutePeerSignal("a1", "c1", "incoming_signal", payload)
	if len(carol.Events()) != 0 {
		t.Error("signal crossed rooms")
	}
	if _, ok := alice.Last("call_failed"); !ok {
		t.Error("sender should be told the peer is unreachable")
	}
}
