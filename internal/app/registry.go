package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	username string
	room     domain.ChannelID
	signal   core.SignalConnection
	cancel   context.CancelFunc
	active   uint64
	call     *domain.PendingCall
}

// Registry tracks every live connection: who it belongs to, which room it
// sits in and the outgoing call it is ringing. A secondary index maps
// usernames to their connections so one user may hold several sessions.
type Registry struct {
	mu     sync.RWMutex
	conns  map[core.ConnID]*connEntry
	byUser map[string]map[core.ConnID]struct{}
	seq    uint64
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[core.ConnID]*connEntry),
		byUser: make(map[string]map[core.ConnID]struct{}),
	}
}

// Peer is a point-in-time view of one registered connection.
type Peer struct {
	ID       core.ConnID
	Username string
	Signal   core.SignalConnection
}

// Departure is what Unregister hands back so the caller can clean up.
type Departure struct {
	Username string
	Room     domain.ChannelID
	Call     *domain.PendingCall
}

func (r *Registry) Register(id core.ConnID, sig core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.conns[id] = &connEntry{signal: sig, cancel: cancel, active: r.seq}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("registered connection")
}

// Authenticate binds a username to a connection. It fails when the
// connection is unknown or already bound to someone else.
func (r *Registry) Authenticate(id core.ConnID, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	if e.username != "" {
		return e.username == username
	}
	e.username = username
	set := r.byUser[username]
	if set == nil {
		set = make(map[core.ConnID]struct{})
		r.byUser[username] = set
	}
	set[id] = struct{}{}
	r.seq++
	e.active = r.seq
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("username", username).Msg("authenticated")
	return true
}

// SetRoom moves a connection to room; an empty room means lobby.
// It returns the previous room.
func (r *Registry) SetRoom(id core.ConnID, room domain.ChannelID) (domain.ChannelID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return "", false
	}
	prev := e.room
	e.room = room
	log.Debug().Str("module", "app.registry").Str("conn", string(id)).Str("from", string(prev)).Str("to", string(room)).Msg("updated room")
	return prev, true
}

// Unregister removes the connection and both index entries in one step.
func (r *Registry) Unregister(id core.ConnID) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return Departure{}, false
	}
	delete(r.conns, id)
	if e.username != "" {
		if set := r.byUser[e.username]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, e.username)
			}
		}
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("username", e.username).Msg("unregistered connection")
	return Departure{Username: e.username, Room: e.room, Call: e.call}, true
}

// Touch marks the connection as the user's most recently active one.
func (r *Registry) Touch(id core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		r.seq++
		e.active = r.seq
	}
}

func (r *Registry) UsernameOf(id core.ConnID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.username == "" {
		return "", false
	}
	return e.username, true
}

func (r *Registry) RoomOf(id core.ConnID) (domain.ChannelID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.room == "" {
		return "", false
	}
	return e.room, true
}

func (r *Registry) Signal(id core.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.signal, true
}

// FindByUsername returns the user's most recently active connection.
func (r *Registry) FindByUsername(username string) (core.ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best   core.ConnID
		bestAt uint64
	)
	for id := range r.byUser[username] {
		if e := r.conns[id]; e != nil && e.active >= bestAt {
			best, bestAt = id, e.active
		}
	}
	return best, best != ""
}

// ConnectionsOf lists every connection of username, sorted by id.
func (r *Registry) ConnectionsOf(username string) []core.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.ConnID, 0, len(r.byUser[username]))
	for id := range r.byUser[username] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) IsOnline(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[username]) > 0
}

// InRoom reports whether any connection of username sits in room.
func (r *Registry) InRoom(username string, room domain.ChannelID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.byUser[username] {
		if e := r.conns[id]; e != nil && e.room == room {
			return true
		}
	}
	return false
}

// ListByRoom returns the distinct usernames present in room, sorted.
func (r *Registry) ListByRoom(room domain.ChannelID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, e := range r.conns {
		if e.room == room && e.username != "" {
			seen[e.username] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// MembersOfRoom snapshots the connections in room.
func (r *Registry) MembersOfRoom(room domain.ChannelID) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0)
	for id, e := range r.conns {
		if e.room == room && e.username != "" {
			out = append(out, Peer{ID: id, Username: e.username, Signal: e.signal})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Authenticated snapshots every logged-in connection.
func (r *Registry) Authenticated() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.conns))
	for id, e := range r.conns {
		if e.username != "" {
			out = append(out, Peer{ID: id, Username: e.username, Signal: e.signal})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnlineUsernames returns the set of users with at least one connection.
func (r *Registry) OnlineUsernames() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.byUser))
	for u, set := range r.byUser {
		out[u] = len(set)
	}
	return out
}

// SetPendingCall records an outgoing call on the caller's connection.
// A connection rings at most one call at a time.
func (r *Registry) SetPendingCall(id core.ConnID, call *domain.PendingCall) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || e.call != nil {
		return false
	}
	e.call = call
	return true
}

func (r *Registry) PendingCall(id core.ConnID) (*domain.PendingCall, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.call == nil {
		return nil, false
	}
	return e.call, true
}

// TakePendingCall clears and returns the connection's pending call. A
// non-empty callID must match, so a stale timer cannot clear a newer call.
func (r *Registry) TakePendingCall(id core.ConnID, callID string) (*domain.PendingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || e.call == nil {
		return nil, false
	}
	if callID != "" && e.call.ID != callID {
		return nil, false
	}
	call := e.call
	e.call = nil
	return call, true
}

// CallsTargeting lists the caller connections currently ringing username.
func (r *Registry) CallsTargeting(username string) []core.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.ConnID
	for id, e := range r.conns {
		if e.call != nil && e.call.Target == username {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Cancel stops the transport behind a connection; the adapter then runs
// the normal disconnect path.
func (r *Registry) Cancel(id core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
