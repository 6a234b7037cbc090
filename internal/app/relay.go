package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrInvalidSDP = errors.New("invalid session description")

const msgNotOnline = "user not online"

// Cancellation reasons carried on call_cancelled.
const (
	ReasonCancelled          = "cancelled"
	ReasonCallerDisconnected = "caller_disconnected"
	ReasonCalleeDisconnected = "callee_disconnected"
	ReasonTimeout            = "timeout"
	ReasonAnsweredElsewhere  = "answered_elsewhere"
	ReasonDeclined           = "declined"
)

// Relay forwards call setup between connections. It does not look inside
// media negotiation beyond checking that an SDP parses. The only state it
// keeps is the ring timer per pending call; the pending call itself lives
// on the caller's registry entry.
type Relay struct {
	reg         *Registry
	out         *Fanout
	ringTimeout time.Duration
	now         func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewRelay builds a relay. A zero ringTimeout lets calls ring until
// answered, declined, cancelled or disconnected.
func NewRelay(reg *Registry, out *Fanout, ringTimeout time.Duration) *Relay {
	return &Relay{
		reg:         reg,
		out:         out,
		ringTimeout: ringTimeout,
		now:         time.Now,
		timers:      make(map[string]*time.Timer),
	}
}

type callFailed struct {
	Type    string `json:"type"`
	To      string `json:"to,omitempty"`
	CallID  string `json:"callId,omitempty"`
	Message string `json:"message"`
}

type callCancelled struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

func (r *Relay) fail(id core.ConnID, to, callID, msg string) {
	r.out.ToConn(id, callFailed{Type: "call_failed", To: to, CallID: callID, Message: msg})
}

// RouteCallInvite rings every connection of the target user and records
// the pending call on the caller's connection.
func (r *Relay) RouteCallInvite(from core.ConnID, to string, room domain.ChannelID, kind domain.CallKind) {
	caller, ok := r.reg.UsernameOf(from)
	if !ok {
		return
	}
	if kind == "" {
		kind = domain.CallAudio
	}
	switch {
	case !kind.Valid():
		r.fail(from, to, "", "invalid call kind")
		return
	case to == "" || to == caller:
		r.fail(from, to, "", "invalid call target")
		return
	}
	callees := r.reg.ConnectionsOf(to)
	if len(callees) == 0 {
		r.fail(from, to, "", msgNotOnline)
		return
	}
	call := &domain.PendingCall{
		ID:     uuid.NewString(),
		Target: to,
		Room:   room,
		Kind:   kind,
		Since:  r.now(),
	}
	if !r.reg.SetPendingCall(from, call) {
		r.fail(from, to, "", "call already in progress")
		return
	}
	r.out.ToConns(callees, struct {
		Type      string           `json:"type"`
		From      string           `json:"from"`
		FromConn  core.ConnID      `json:"fromConn"`
		CallID    string           `json:"callId"`
		ChannelID domain.ChannelID `json:"channelId,omitempty"`
		Kind      domain.CallKind  `json:"kind"`
	}{"incoming_call", caller, from, call.ID, room, kind})
	r.out.ToConn(from, struct {
		Type   string `json:"type"`
		To     string `json:"to"`
		CallID string `json:"callId"`
	}{"call_ringing", to, call.ID})
	r.armTimer(from, call.ID)
	log.Info().Str("module", "app.relay").Str("conn", string(from)).Str("to", to).Str("call", call.ID).Msg("ringing")
}

// findCall locates the caller connection of fromUser that is ringing
// callee and clears its pending call.
func (r *Relay) findCall(fromUser, callee string) (core.ConnID, *domain.PendingCall, bool) {
	for _, id := range r.reg.ConnectionsOf(fromUser) {
		call, ok := r.reg.PendingCall(id)
		if !ok || call.Target != callee {
			continue
		}
		if taken, ok := r.reg.TakePendingCall(id, call.ID); ok {
			r.stopTimer(taken.ID)
			return id, taken, true
		}
	}
	return "", nil, false
}

// RouteCallAccept tells the caller which connection answered and stops
// the other devices of the callee from ringing.
func (r *Relay) RouteCallAccept(calleeConn core.ConnID, fromUser string) {
	callee, ok := r.reg.UsernameOf(calleeConn)
	if !ok {
		return
	}
	callerConn, call, ok := r.findCall(fromUser, callee)
	if !ok {
		r.fail(calleeConn, fromUser, "", "call no longer available")
		return
	}
	r.out.ToConn(callerConn, struct {
		Type   string          `json:"type"`
		By     string          `json:"by"`
		ByConn core.ConnID     `json:"byConn"`
		CallID string          `json:"callId"`
		Kind   domain.CallKind `json:"kind"`
	}{"call_accepted", callee, calleeConn, call.ID, call.Kind})
	r.cancelOtherDevices(callee, calleeConn, fromUser, call.ID, ReasonAnsweredElsewhere)
}

func (r *Relay) RouteCallDecline(calleeConn core.ConnID, fromUser string) {
	callee, ok := r.reg.UsernameOf(calleeConn)
	if !ok {
		return
	}
	callerConn, call, ok := r.findCall(fromUser, callee)
	if !ok {
		return
	}
	r.out.ToConn(callerConn, struct {
		Type   string `json:"type"`
		By     string `json:"by"`
		CallID string `json:"callId"`
	}{"call_declined", callee, call.ID})
	r.cancelOtherDevices(callee, calleeConn, fromUser, call.ID, ReasonDeclined)
}

// RouteCallCancel withdraws the caller's own pending call.
func (r *Relay) RouteCallCancel(callerConn core.ConnID) {
	caller, ok := r.reg.UsernameOf(callerConn)
	if !ok {
		return
	}
	call, ok := r.reg.TakePendingCall(callerConn, "")
	if !ok {
		return
	}
	r.stopTimer(call.ID)
	r.notifyCancelled(call.Target, caller, call.ID, ReasonCancelled)
}

func (r *Relay) cancelOtherDevices(callee string, keep core.ConnID, caller, callID, reason string) {
	var others []core.ConnID
	for _, id := range r.reg.ConnectionsOf(callee) {
		if id != keep {
			others = append(others, id)
		}
	}
	if len(others) > 0 {
		r.out.ToConns(others, callCancelled{Type: "call_cancelled", From: caller, CallID: callID, Reason: reason})
	}
}

func (r *Relay) notifyCancelled(username, from, callID, reason string) {
	r.out.ToUser(username, callCancelled{Type: "call_cancelled", From: from, CallID: callID, Reason: reason})
}

// resolve finds the connection to deliver a directed signal to. An
// explicit toConn must belong to the named user.
func (r *Relay) resolve(to string, toConn core.ConnID) (core.ConnID, bool) {
	if toConn != "" {
		owner, ok := r.reg.UsernameOf(toConn)
		if !ok || (to != "" && owner != to) {
			return "", false
		}
		return toConn, true
	}
	return r.reg.FindByUsername(to)
}

func validateDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return fmt.Errorf("%w: type %q", ErrInvalidSDP, desc.Type.String())
	}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSDP, err)
	}
	return nil
}

type sdpForward struct {
	Type     string                    `json:"type"`
	From     string                    `json:"from"`
	FromConn core.ConnID               `json:"fromConn"`
	SDP      webrtc.SessionDescription `json:"sdp"`
}

func (r *Relay) routeDescription(from core.ConnID, to string, toConn core.ConnID, desc webrtc.SessionDescription, want webrtc.SDPType) {
	sender, ok := r.reg.UsernameOf(from)
	if !ok {
		return
	}
	if err := validateDescription(desc, want); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("conn", string(from)).Msg("rejected sdp")
		r.fail(from, to, "", err.Error())
		return
	}
	target, ok := r.resolve(to, toConn)
	if !ok {
		r.fail(from, to, "", msgNotOnline)
		return
	}
	r.out.ToConn(target, sdpForward{Type: want.String(), From: sender, FromConn: from, SDP: desc})
}

func (r *Relay) RouteOffer(from core.ConnID, to string, toConn core.ConnID, desc webrtc.SessionDescription) {
	r.routeDescription(from, to, toConn, desc, webrtc.SDPTypeOffer)
}

func (r *Relay) RouteAnswer(from core.ConnID, to string, toConn core.ConnID, desc webrtc.SessionDescription) {
	r.routeDescription(from, to, toConn, desc, webrtc.SDPTypeAnswer)
}

func (r *Relay) RouteIceCandidate(from core.ConnID, to string, toConn core.ConnID, cand webrtc.ICECandidateInit) {
	sender, ok := r.reg.UsernameOf(from)
	if !ok {
		return
	}
	target, ok := r.resolve(to, toConn)
	if !ok {
		r.fail(from, to, "", msgNotOnline)
		return
	}
	r.out.ToConn(target, struct {
		Type      string                  `json:"type"`
		From      string                  `json:"from"`
		FromConn  core.ConnID             `json:"fromConn"`
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}{"ice_candidate", sender, from, cand})
}

// RoutePeerSignal forwards an opaque mesh signal to one connection in the
// sender's room. outType names the event the receiver sees.
func (r *Relay) RoutePeerSignal(from, toConn core.ConnID, outType string, signal json.RawMessage) {
	sender, ok := r.reg.UsernameOf(from)
	if !ok {
		return
	}
	room, inRoom := r.reg.RoomOf(from)
	targetRoom, targetInRoom := r.reg.RoomOf(toConn)
	if _, online := r.reg.UsernameOf(toConn); !online || !inRoom || !targetInRoom || room != targetRoom {
		r.out.ToConn(from, struct {
			Type    string      `json:"type"`
			ToConn  core.ConnID `json:"toConn"`
			Message string      `json:"message"`
		}{"call_failed", toConn, msgNotOnline})
		return
	}
	r.out.ToConn(toConn, struct {
		Type     string          `json:"type"`
		From     string          `json:"from"`
		FromConn core.ConnID     `json:"fromConn"`
		Signal   json.RawMessage `json:"signal"`
	}{outType, sender, from, signal})
}

// OnDisconnect cancels calls the departing connection was part of. call
// is the pending call the connection itself was ringing; stillOnline
// tells whether the user has other live connections.
func (r *Relay) OnDisconnect(username string, call *domain.PendingCall, stillOnline bool) {
	if call != nil {
		r.stopTimer(call.ID)
		r.notifyCancelled(call.Target, username, call.ID, ReasonCallerDisconnected)
	}
	if stillOnline {
		return
	}
	for _, callerConn := range r.reg.CallsTargeting(username) {
		pending, ok := r.reg.TakePendingCall(callerConn, "")
		if !ok || pending.Target != username {
			continue
		}
		r.stopTimer(pending.ID)
		r.out.ToConn(callerConn, callCancelled{Type: "call_cancelled", From: username, CallID: pending.ID, Reason: ReasonCalleeDisconnected})
	}
}

func (r *Relay) armTimer(callerConn core.ConnID, callID string) {
	if r.ringTimeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers[callID] = time.AfterFunc(r.ringTimeout, func() { r.expire(callerConn, callID) })
}

func (r *Relay) stopTimer(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[callID]; ok {
		t.Stop()
		delete(r.timers, callID)
	}
}

func (r *Relay) expire(callerConn core.ConnID, callID string) {
	r.mu.Lock()
	delete(r.timers, callID)
	r.mu.Unlock()

	call, ok := r.reg.TakePendingCall(callerConn, callID)
	if !ok {
		return
	}
	caller, _ := r.reg.UsernameOf(callerConn)
	r.fail(callerConn, call.Target, call.ID, "no answer")
	r.notifyCancelled(call.Target, caller, call.ID, ReasonTimeout)
	log.Info().Str("module", "app.relay").Str("conn", string(callerConn)).Str("call", call.ID).Msg("ring timeout")
}

// Pending reports how many ring timers are armed.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop disarms every ring timer.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
