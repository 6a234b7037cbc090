// Package memstore is an in-process core.Store used by tests and the
// "memory" store driver. Every method holds one mutex, which gives the
// per-key upsert atomicity the authority relies on.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type memberKey struct {
	channel  domain.ChannelID
	username string
}

type Store struct {
	mu          sync.RWMutex
	users       map[string]domain.User
	channels    map[domain.ChannelID]domain.Channel
	memberships map[memberKey]domain.Membership
	messages    map[domain.MessageID]domain.Message
	reactions   map[domain.MessageID][]domain.Reaction

	// FailWith, when set, makes every call return it. Tests use it to
	// simulate an outage.
	FailWith error
}

var _ core.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:       make(map[string]domain.User),
		channels:    make(map[domain.ChannelID]domain.Channel),
		memberships: make(map[memberKey]domain.Membership),
		messages:    make(map[domain.MessageID]domain.Message),
		reactions:   make(map[domain.MessageID][]domain.Reaction),
	}
}

func (s *Store) fail() error {
	if s.FailWith != nil {
		return fmt.Errorf("%w: %w", core.ErrStore, s.FailWith)
	}
	return nil
}

func (s *Store) CreateUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.users[u.Username]; ok {
		return fmt.Errorf("user %q: %w", u.Username, core.ErrConflict)
	}
	s.users[u.Username] = u
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return domain.User{}, err
	}
	u, ok := s.users[username]
	if !ok {
		return domain.User{}, fmt.Errorf("user %q: %w", username, core.ErrNotFound)
	}
	return u, nil
}

func (s *Store) GetUserProfile(ctx context.Context, username string) (domain.Profile, error) {
	u, err := s.GetUser(ctx, username)
	if err != nil {
		return domain.Profile{}, err
	}
	return u.Profile(), nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	out := make([]domain.Profile, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Profile())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) TouchLastSeen(_ context.Context, username string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	u, ok := s.users[username]
	if !ok {
		return fmt.Errorf("user %q: %w", username, core.ErrNotFound)
	}
	u.LastSeen = at
	s.users[username] = u
	return nil
}

func (s *Store) CreateChannel(_ context.Context, c domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.channels[c.ID]; ok {
		return fmt.Errorf("channel %q: %w", c.ID, core.ErrConflict)
	}
	s.channels[c.ID] = c
	return nil
}

func (s *Store) GetChannel(_ context.Context, id domain.ChannelID) (domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return domain.Channel{}, err
	}
	c, ok := s.channels[id]
	if !ok {
		return domain.Channel{}, fmt.Errorf("channel %q: %w", id, core.ErrNotFound)
	}
	return c, nil
}

func (s *Store) ListChannels(_ context.Context) ([]domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	out := make([]domain.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SetChannelHost(_ context.Context, id domain.ChannelID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	c, ok := s.channels[id]
	if !ok {
		return fmt.Errorf("channel %q: %w", id, core.ErrNotFound)
	}
	c.Host = username
	s.channels[id] = c
	return nil
}

func (s *Store) DeleteChannel(_ context.Context, id domain.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.channels[id]; !ok {
		return fmt.Errorf("channel %q: %w", id, core.ErrNotFound)
	}
	delete(s.channels, id)
	for k := range s.memberships {
		if k.channel == id {
			delete(s.memberships, k)
		}
	}
	for mid, m := range s.messages {
		if m.ChannelID == id {
			delete(s.messages, mid)
			delete(s.reactions, mid)
		}
	}
	return nil
}

func (s *Store) GetMembership(_ context.Context, id domain.ChannelID, username string) (domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return domain.Membership{}, err
	}
	m, ok := s.memberships[memberKey{id, username}]
	if !ok {
		return domain.Membership{}, fmt.Errorf("membership %s/%s: %w", id, username, core.ErrNotFound)
	}
	return m, nil
}

func (s *Store) UpsertMembership(_ context.Context, m domain.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.memberships[memberKey{m.ChannelID, m.Username}] = m
	return nil
}

func (s *Store) CreateMembership(_ context.Context, m domain.Membership) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	k := memberKey{m.ChannelID, m.Username}
	if _, ok := s.memberships[k]; ok {
		return false, nil
	}
	s.memberships[k] = m
	return true, nil
}

func (s *Store) PromoteInvite(_ context.Context, id domain.ChannelID, username string, role domain.Role) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	k := memberKey{id, username}
	m, ok := s.memberships[k]
	if !ok || m.Status != domain.StatusInvited || m.Role != role {
		return false, nil
	}
	m.Status = domain.StatusAccepted
	m.UpdatedAt = time.Now()
	s.memberships[k] = m
	return true, nil
}

func (s *Store) DeleteMembership(_ context.Context, id domain.ChannelID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	delete(s.memberships, memberKey{id, username})
	return nil
}

func (s *Store) ListMemberships(_ context.Context, id domain.ChannelID) ([]domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var out []domain.Membership
	for k, m := range s.memberships {
		if k.channel == id {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) InsertMessage(_ context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.messages[m.ID]; ok {
		return fmt.Errorf("message %q: %w", m.ID, core.ErrConflict)
	}
	m.Reactions = nil
	s.messages[m.ID] = m
	return nil
}

func (s *Store) GetMessage(_ context.Context, id domain.MessageID) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return domain.Message{}, err
	}
	m, ok := s.messages[id]
	if !ok {
		return domain.Message{}, fmt.Errorf("message %q: %w", id, core.ErrNotFound)
	}
	m.Reactions = slices.Clone(s.reactions[id])
	return m, nil
}

func (s *Store) ListMessages(_ context.Context, id domain.ChannelID, before time.Time, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var all []domain.Message
	for _, m := range s.messages {
		if m.ChannelID != id {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		m.Reactions = slices.Clone(s.reactions[m.ID])
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *Store) UpdateMessageText(_ context.Context, id domain.MessageID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %q: %w", id, core.ErrNotFound)
	}
	m.Text = text
	s.messages[id] = m
	return nil
}

func (s *Store) DeleteMessage(_ context.Context, id domain.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if _, ok := s.messages[id]; !ok {
		return fmt.Errorf("message %q: %w", id, core.ErrNotFound)
	}
	delete(s.messages, id)
	delete(s.reactions, id)
	return nil
}

func (s *Store) ToggleReaction(_ context.Context, r domain.Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	if _, ok := s.messages[r.MessageID]; !ok {
		return false, fmt.Errorf("message %q: %w", r.MessageID, core.ErrNotFound)
	}
	list := s.reactions[r.MessageID]
	for i, have := range list {
		if have.Username == r.Username && have.Emoji == r.Emoji {
			s.reactions[r.MessageID] = slices.Delete(list, i, i+1)
			return false, nil
		}
	}
	s.reactions[r.MessageID] = append(list, r)
	return true, nil
}

func (s *Store) Close() error { return nil }
