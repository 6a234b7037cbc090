package app

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// PublishResult reports who got a frame and whose queue was full.
type PublishResult struct {
	SentTo  int
	Dropped []core.ConnID
}

// Fanout encodes outbound events once and enqueues them on registered
// connections. Enqueueing never blocks; full queues go through Policy.
type Fanout struct {
	reg    *Registry
	policy Policy
}

func NewFanout(reg *Registry, policy Policy) *Fanout {
	return &Fanout{reg: reg, policy: policy}
}

func Encode(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}

// ToConn sends v to one connection and reports whether it was enqueued.
func (f *Fanout) ToConn(id core.ConnID, v any) bool {
	frame, err := Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.fanout").Msg("marshal")
		return false
	}
	sig, ok := f.reg.Signal(id)
	if !ok {
		return false
	}
	res := f.send([]Peer{{ID: id, Signal: sig}}, frame)
	return res.SentTo == 1
}

// ToUser sends v to every connection of username and returns how many
// accepted it.
func (f *Fanout) ToUser(username string, v any) int {
	ids := f.reg.ConnectionsOf(username)
	if len(ids) == 0 {
		return 0
	}
	return f.ToConns(ids, v).SentTo
}

func (f *Fanout) ToConns(ids []core.ConnID, v any) PublishResult {
	frame, err := Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.fanout").Msg("marshal")
		return PublishResult{}
	}
	peers := make([]Peer, 0, len(ids))
	for _, id := range ids {
		if sig, ok := f.reg.Signal(id); ok {
			peers = append(peers, Peer{ID: id, Signal: sig})
		}
	}
	return f.send(peers, frame)
}

// ToRoom sends v to every connection in room except the given ones.
func (f *Fanout) ToRoom(room domain.ChannelID, v any, except ...core.ConnID) PublishResult {
	frame, err := Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.fanout").Msg("marshal")
		return PublishResult{}
	}
	peers := f.reg.MembersOfRoom(room)
	if len(except) > 0 {
		kept := peers[:0]
		for _, p := range peers {
			skip := false
			for _, id := range except {
				if p.ID == id {
					skip = true
					break
				}
			}
			if !skip {
				kept = append(kept, p)
			}
		}
		peers = kept
	}
	return f.send(peers, frame)
}

// ToAll sends v to every authenticated connection.
func (f *Fanout) ToAll(v any) PublishResult {
	frame, err := Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.fanout").Msg("marshal")
		return PublishResult{}
	}
	return f.send(f.reg.Authenticated(), frame)
}

func (f *Fanout) send(peers []Peer, frame core.Frame) PublishResult {
	var res PublishResult
	for _, p := range peers {
		err := p.Signal.TrySend(frame)
		switch {
		case err == nil:
			res.SentTo++
		case errors.Is(err, core.ErrBackpressure):
			res.Dropped = append(res.Dropped, p.ID)
		default:
			log.Debug().Err(err).Str("module", "app.fanout").Str("conn", string(p.ID)).Msg("send failed")
		}
	}
	f.applyPolicy(res.Dropped)
	return res
}

func (f *Fanout) applyPolicy(dropped []core.ConnID) {
	if f.policy == nil {
		return
	}
	for _, id := range dropped {
		switch f.policy.OnBackPressure(id) {
		case KickMember:
			log.Warn().Str("module", "app.fanout").Str("conn", string(id)).Msg("slow consumer, disconnecting")
			f.reg.Cancel(id)
		case DropFrame, NoAction:
		}
	}
}
