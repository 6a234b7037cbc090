package core

import (
	"context"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
)

// Store is the durable collaborator. Implementations must make every
// single-row write atomic per key (upsert semantics) and return ErrNotFound
// and ErrConflict for the corresponding conditions.
type Store interface {
	CreateUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, username string) (domain.User, error)
	GetUserProfile(ctx context.Context, username string) (domain.Profile, error)
	ListUsers(ctx context.Context) ([]domain.Profile, error)
	TouchLastSeen(ctx context.Context, username string, at time.Time) error

	CreateChannel(ctx context.Context, c domain.Channel) error
	GetChannel(ctx context.Context, id domain.ChannelID) (domain.Channel, error)
	ListChannels(ctx context.Context) ([]domain.Channel, error)
	SetChannelHost(ctx context.Context, id domain.ChannelID, username string) error
	// DeleteChannel cascades to memberships, messages and reactions.
	DeleteChannel(ctx context.Context, id domain.ChannelID) error

	GetMembership(ctx context.Context, id domain.ChannelID, username string) (domain.Membership, error)
	UpsertMembership(ctx context.Context, m domain.Membership) error
	// CreateMembership inserts m only when no row exists for its key and
	// reports whether it did.
	CreateMembership(ctx context.Context, m domain.Membership) (bool, error)
	// PromoteInvite flips an invited member row to accepted; it reports
	// whether a row was changed.
	PromoteInvite(ctx context.Context, id domain.ChannelID, username string, role domain.Role) (bool, error)
	DeleteMembership(ctx context.Context, id domain.ChannelID, username string) error
	ListMemberships(ctx context.Context, id domain.ChannelID) ([]domain.Membership, error)

	InsertMessage(ctx context.Context, m domain.Message) error
	GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, error)
	// ListMessages returns up to limit messages older than before (zero means
	// newest), oldest first, reactions attached.
	ListMessages(ctx context.Context, id domain.ChannelID, before time.Time, limit int) ([]domain.Message, error)
	UpdateMessageText(ctx context.Context, id domain.MessageID, text string) error
	DeleteMessage(ctx context.Context, id domain.MessageID) error
	// ToggleReaction adds the reaction or removes it if present; added
	// reports which happened.
	ToggleReaction(ctx context.Context, r domain.Reaction) (added bool, err error)

	Close() error
}
