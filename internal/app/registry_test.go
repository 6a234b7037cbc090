package app

import (
	"slices"
	"testing"

	"github.com/dkeye/Huddle/internal/app/apptest"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

func register(r *Registry, id core.ConnID, username string) *apptest.Conn {
	c := apptest.NewConn()
	r.Register(id, c, nil)
	if username != "" {
		r.Authenticate(id, username)
	}
	return c
}

func TestRegistryRoomOccupancy(t *testing.T) {
	r := NewRegistry()
	register(r, "a1", "alice")
	register(r, "a2", "alice")
	register(r, "b1", "bob")
	register(r, "anon", "")

	r.SetRoom("a1", "c1")
	r.SetRoom("a2", "c1")
	r.SetRoom("b1", "c1")
	r.SetRoom("anon", "c1")

	if got := r.ListByRoom("c1"); !slices.Equal(got, []string{"alice", "bob"}) {
		t.Fatalf("ListByRoom: got %v", got)
	}
	if got := len(r.MembersOfRoom("c1")); got != 3 {
		t.Fatalf("MembersOfRoom: got %d peers, want 3", got)
	}

	prev, _ := r.SetRoom("b1", "")
	if prev != "c1" {
		t.Errorf("SetRoom prev: got %q", prev)
	}
	if got := r.ListByRoom("c1"); !slices.Equal(got, []string{"alice"}) {
		t.Errorf("after leave: got %v", got)
	}

	dep, ok := r.Unregister("a1")
	if !ok || dep.Username != "alice" || dep.Room != "c1" {
		t.Fatalf("Unregister: got %+v, %v", dep, ok)
	}
	if !r.InRoom("alice", "c1") {
		t.Error("alice's second connection should keep her in c1")
	}
	r.Unregister("a2")
	if got := r.ListByRoom("c1"); len(got) != 0 {
		t.Errorf("after all gone: got %v", got)
	}
	if r.IsOnline("alice") {
		t.Error("alice should be offline")
	}
	if _, ok := r.Unregister("a2"); ok {
		t.Error("second Unregister should report unknown")
	}
}

func TestRegistryFindByUsernamePrefersMostRecent(t *testing.T) {
	r := NewRegistry()
	register(r, "a1", "alice")
	register(r, "a2", "alice")

	if id, _ := r.FindByUsername("alice"); id != "a2" {
		t.Fatalf("FindByUsername: got %q, want a2", id)
	}
	r.Touch("a1")
	if id, _ := r.FindByUsername("alice"); id != "a1" {
		t.Fatalf("after touch: got %q, want a1", id)
	}
	if got := r.ConnectionsOf("alice"); !slices.Equal(got, []core.ConnID{"a1", "a2"}) {
		t.Errorf("ConnectionsOf: got %v", got)
	}
	if _, ok := r.FindByUsername("nobody"); ok {
		t.Error("FindByUsername should miss unknown users")
	}
}

func TestRegistryAuthenticateOnce(t *testing.T) {
	r := NewRegistry()
	register(r, "x", "alice")
	if r.Authenticate("x", "bob") {
		t.Fatal("rebinding to another user must fail")
	}
	if !r.Authenticate("x", "alice") {
		t.Fatal("same user should be accepted")
	}
	if r.Authenticate("missing", "bob") {
		t.Fatal("unknown connection must fail")
	}
	if u, _ := r.UsernameOf("x"); u != "alice" {
		t.Errorf("UsernameOf: got %q", u)
	}
}

func TestRegistryPendingCall(t *testing.T) {
	r := NewRegistry()
	register(r, "a1", "alice")
	call := &domain.PendingCall{ID: "k1", Target: "bob", Kind: domain.CallAudio}
	if !r.SetPendingCall("a1", call) {
		t.Fatal("SetPendingCall failed")
	}
	if r.SetPendingCall("a1", &domain.PendingCall{ID: "k2"}) {
		t.Fatal("second pending call must be refused")
	}
	if got := r.CallsTargeting("bob"); !slices.Equal(got, []core.ConnID{"a1"}) {
		t.Errorf("CallsTargeting: got %v", got)
	}
	if _, ok := r.TakePendingCall("a1", "stale"); ok {
		t.Fatal("mismatched call id must not clear")
	}
	dep, _ := r.Unregister("a1")
	if dep.Call == nil || dep.Call.ID != "k1" {
		t.Errorf("Departure.Call: got %+v", dep.Call)
	}
}

func TestRegistryCancelInvokesTransport(t *testing.T) {
	r := NewRegistry()
	cancelled := false
	r.Register("a1", apptest.NewConn(), func() { cancelled = true })
	if !r.Cancel("a1") || !cancelled {
		t.Fatal("Cancel should call the transport cancel func")
	}
	if r.Cancel("zz") {
		t.Fatal("Cancel on unknown connection should report false")
	}
}
