package orch

import (
	"encoding/json"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) handleInitiateCall(id core.ConnID, data []byte) {
	p, err := decode[struct {
		To        string           `json:"to"`
		ChannelID domain.ChannelID `json:"channelId"`
		Kind      domain.CallKind  `json:"kind"`
	}](data)
	if err != nil {
		o.report(id, "call_failed", err)
		return
	}
	o.Relay.RouteCallInvite(id, p.To, p.ChannelID, p.Kind)
}

type callReply struct {
	From string `json:"from"`
}

func (o *Orchestrator) handleAcceptCall(id core.ConnID, data []byte) {
	p, err := decode[callReply](data)
	if err != nil {
		o.report(id, "call_failed", err)
		return
	}
	o.Relay.RouteCallAccept(id, p.From)
}

func (o *Orchestrator) handleDeclineCall(id core.ConnID, data []byte) {
	p, err := decode[callReply](data)
	if err != nil {
		o.report(id, "call_failed", err)
		return
	}
	o.Relay.RouteCallDecline(id, p.From)
}

func (o *Orchestrator) handleDescription(id core.ConnID, data []byte, want webrtc.SDPType) {
	p, err := decode[struct {
		To     string                    `json:"to"`
		ToConn core.ConnID               `json:"toConn"`
		SDP    webrtc.SessionDescription `json:"sdp"`
	}](data)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conn", string(id)).Msg("bad session description")
		o.report(id, "call_failed", err)
		return
	}
	switch want {
	case webrtc.SDPTypeOffer:
		o.Relay.RouteOffer(id, p.To, p.ToConn, p.SDP)
	case webrtc.SDPTypeAnswer:
		o.Relay.RouteAnswer(id, p.To, p.ToConn, p.SDP)
	}
}

func (o *Orchestrator) handleIceCandidate(id core.ConnID, data []byte) {
	p, err := decode[struct {
		To        string                  `json:"to"`
		ToConn    core.ConnID             `json:"toConn"`
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}](data)
	if err != nil {
		o.report(id, "call_failed", err)
		return
	}
	o.Relay.RouteIceCandidate(id, p.To, p.ToConn, p.Candidate)
}

func (o *Orchestrator) handlePeerSignal(id core.ConnID, data []byte, outType string) {
	p, err := decode[struct {
		ToConn core.ConnID     `json:"toConn"`
		Signal json.RawMessage `json:"signal"`
	}](data)
	if err != nil || p.ToConn == "" || len(p.Signal) == 0 {
		o.fail(id, "call_failed", "invalid signal")
		return
	}
	o.Relay.RoutePeerSignal(id, p.ToConn, outType, p.Signal)
}
