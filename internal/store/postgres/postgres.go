// Package postgres implements core.Store on a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username      TEXT PRIMARY KEY,
		password_hash BYTEA,
		avatar        TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		last_seen     TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		passcode   TEXT NOT NULL DEFAULT '',
		host       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		channel_id TEXT NOT NULL,
		username   TEXT NOT NULL,
		status     TEXT NOT NULL,
		role       TEXT NOT NULL,
		invited_by TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (channel_id, username)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		sender     TEXT NOT NULL,
		text       TEXT NOT NULL,
		time_label TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		reply_to   TEXT NOT NULL DEFAULT '',
		thread_id  TEXT NOT NULL DEFAULT '',
		system     BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS messages_channel_created ON messages (channel_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		message_id TEXT NOT NULL,
		username   TEXT NOT NULL,
		emoji      TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (message_id, username, emoji)
	)`,
}

type Store struct {
	pool *pgxpool.Pool
}

var _ core.Store = (*Store)(nil)

// Connect creates a pgx pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 8
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func wrap(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", op, core.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("postgres: %s: %w", op, core.ErrConflict)
	}
	return fmt.Errorf("postgres: %s: %w: %w", op, core.ErrStore, err)
}

func mustAffect(op string, tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: %s: %w", op, core.ErrNotFound)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO users (username, password_hash, avatar, created_at, last_seen) VALUES ($1, $2, $3, $4, $5)",
		u.Username, u.PasswordHash, u.Avatar, u.CreatedAt, nullTime(u.LastSeen))
	if err != nil {
		return wrap("create user", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (domain.User, error) {
	var (
		u        domain.User
		lastSeen *time.Time
	)
	err := s.pool.QueryRow(ctx,
		"SELECT username, password_hash, avatar, created_at, last_seen FROM users WHERE username = $1", username,
	).Scan(&u.Username, &u.PasswordHash, &u.Avatar, &u.CreatedAt, &lastSeen)
	if err != nil {
		return domain.User{}, wrap("get user", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.LastSeen = deref(lastSeen)
	return u, nil
}

func (s *Store) GetUserProfile(ctx context.Context, username string) (domain.Profile, error) {
	u, err := s.GetUser(ctx, username)
	if err != nil {
		return domain.Profile{}, err
	}
	return u.Profile(), nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.Profile, error) {
	rows, err := s.pool.Query(ctx, "SELECT username, avatar, last_seen FROM users ORDER BY username")
	if err != nil {
		return nil, wrap("list users", err)
	}
	defer rows.Close()
	var out []domain.Profile
	for rows.Next() {
		var (
			p        domain.Profile
			lastSeen *time.Time
		)
		if err := rows.Scan(&p.Username, &p.Avatar, &lastSeen); err != nil {
			return nil, wrap("scan user", err)
		}
		p.LastSeen = deref(lastSeen)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list users", err)
	}
	return out, nil
}

func (s *Store) TouchLastSeen(ctx context.Context, username string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, "UPDATE users SET last_seen = $1 WHERE username = $2", nullTime(at), username)
	if err != nil {
		return wrap("touch last seen", err)
	}
	return mustAffect("touch last seen", tag)
}

func (s *Store) CreateChannel(ctx context.Context, c domain.Channel) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO channels (id, name, passcode, host, created_at) VALUES ($1, $2, $3, $4, $5)",
		string(c.ID), c.Name, c.Passcode, c.Host, c.CreatedAt)
	if err != nil {
		return wrap("create channel", err)
	}
	return nil
}

func scanChannel(row pgx.Row) (domain.Channel, error) {
	var (
		c  domain.Channel
		id string
	)
	if err := row.Scan(&id, &c.Name, &c.Passcode, &c.Host, &c.CreatedAt); err != nil {
		return domain.Channel{}, err
	}
	c.ID = domain.ChannelID(id)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *Store) GetChannel(ctx context.Context, id domain.ChannelID) (domain.Channel, error) {
	c, err := scanChannel(s.pool.QueryRow(ctx,
		"SELECT id, name, passcode, host, created_at FROM channels WHERE id = $1", string(id)))
	if err != nil {
		return domain.Channel{}, wrap("get channel", err)
	}
	return c, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name, passcode, host, created_at FROM channels ORDER BY created_at, id")
	if err != nil {
		return nil, wrap("list channels", err)
	}
	defer rows.Close()
	var out []domain.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, wrap("scan channel", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list channels", err)
	}
	return out, nil
}

func (s *Store) SetChannelHost(ctx context.Context, id domain.ChannelID, username string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE channels SET host = $1 WHERE id = $2", username, string(id))
	if err != nil {
		return wrap("set channel host", err)
	}
	return mustAffect("set channel host", tag)
}

func (s *Store) DeleteChannel(ctx context.Context, id domain.ChannelID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("begin delete channel", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM channels WHERE id = $1", string(id))
	if err != nil {
		return wrap("delete channel", err)
	}
	if err := mustAffect("delete channel", tag); err != nil {
		return err
	}
	for _, q := range []string{
		"DELETE FROM reactions WHERE message_id IN (SELECT id FROM messages WHERE channel_id = $1)",
		"DELETE FROM messages WHERE channel_id = $1",
		"DELETE FROM memberships WHERE channel_id = $1",
	} {
		if _, err := tx.Exec(ctx, q, string(id)); err != nil {
			return wrap("delete channel cascade", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit delete channel", err)
	}
	return nil
}

func (s *Store) GetMembership(ctx context.Context, id domain.ChannelID, username string) (domain.Membership, error) {
	var (
		m            domain.Membership
		status, role string
	)
	err := s.pool.QueryRow(ctx,
		"SELECT status, role, invited_by, updated_at FROM memberships WHERE channel_id = $1 AND username = $2",
		string(id), username,
	).Scan(&status, &role, &m.InvitedBy, &m.UpdatedAt)
	if err != nil {
		return domain.Membership{}, wrap("get membership", err)
	}
	m.ChannelID = id
	m.Username = username
	m.Status = domain.MembershipStatus(status)
	m.Role = domain.Role(role)
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func (s *Store) UpsertMembership(ctx context.Context, m domain.Membership) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memberships (channel_id, username, status, role, invited_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id, username)
		DO UPDATE SET status = EXCLUDED.status,
		              role = EXCLUDED.role,
		              invited_by = EXCLUDED.invited_by,
		              updated_at = EXCLUDED.updated_at
	`, string(m.ChannelID), m.Username, string(m.Status), string(m.Role), m.InvitedBy, m.UpdatedAt)
	if err != nil {
		return wrap("upsert membership", err)
	}
	return nil
}

func (s *Store) CreateMembership(ctx context.Context, m domain.Membership) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO memberships (channel_id, username, status, role, invited_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id, username) DO NOTHING
	`, string(m.ChannelID), m.Username, string(m.Status), string(m.Role), m.InvitedBy, m.UpdatedAt)
	if err != nil {
		return false, wrap("create membership", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) PromoteInvite(ctx context.Context, id domain.ChannelID, username string, role domain.Role) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE memberships SET status = $1, updated_at = now()
		WHERE channel_id = $2 AND username = $3 AND status = $4 AND role = $5
	`, string(domain.StatusAccepted), string(id), username, string(domain.StatusInvited), string(role))
	if err != nil {
		return false, wrap("promote invite", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DeleteMembership(ctx context.Context, id domain.ChannelID, username string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM memberships WHERE channel_id = $1 AND username = $2", string(id), username); err != nil {
		return wrap("delete membership", err)
	}
	return nil
}

func (s *Store) ListMemberships(ctx context.Context, id domain.ChannelID) ([]domain.Membership, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT username, status, role, invited_by, updated_at FROM memberships WHERE channel_id = $1 ORDER BY username",
		string(id))
	if err != nil {
		return nil, wrap("list memberships", err)
	}
	defer rows.Close()
	var out []domain.Membership
	for rows.Next() {
		var (
			m            domain.Membership
			status, role string
		)
		if err := rows.Scan(&m.Username, &status, &role, &m.InvitedBy, &m.UpdatedAt); err != nil {
			return nil, wrap("scan membership", err)
		}
		m.ChannelID = id
		m.Status = domain.MembershipStatus(status)
		m.Role = domain.Role(role)
		m.UpdatedAt = m.UpdatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list memberships", err)
	}
	return out, nil
}

func (s *Store) InsertMessage(ctx context.Context, m domain.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, channel_id, sender, text, time_label, created_at, reply_to, thread_id, system)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, string(m.ID), string(m.ChannelID), m.Sender, m.Text, m.TimeLabel, m.CreatedAt,
		string(m.ReplyTo), string(m.ThreadID), m.System)
	if err != nil {
		return wrap("insert message", err)
	}
	return nil
}

const messageColumns = "id, channel_id, sender, text, time_label, created_at, reply_to, thread_id, system"

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m                        domain.Message
		id, channel, reply, thrd string
	)
	if err := row.Scan(&id, &channel, &m.Sender, &m.Text, &m.TimeLabel, &m.CreatedAt, &reply, &thrd, &m.System); err != nil {
		return domain.Message{}, err
	}
	m.ID = domain.MessageID(id)
	m.ChannelID = domain.ChannelID(channel)
	m.ReplyTo = domain.MessageID(reply)
	m.ThreadID = domain.MessageID(thrd)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = $1", string(id)))
	if err != nil {
		return domain.Message{}, wrap("get message", err)
	}
	msgs := []domain.Message{m}
	if err := s.attachReactions(ctx, msgs); err != nil {
		return domain.Message{}, err
	}
	return msgs[0], nil
}

func (s *Store) ListMessages(ctx context.Context, id domain.ChannelID, before time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, "SELECT "+messageColumns+`
		FROM messages
		WHERE channel_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, string(id), nullTime(before), limit)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, wrap("scan message", err)
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap("list messages", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if err := s.attachReactions(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) attachReactions(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[domain.MessageID]int, len(msgs))
	ids := make([]string, 0, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
		ids = append(ids, string(m.ID))
	}
	rows, err := s.pool.Query(ctx,
		"SELECT message_id, username, emoji FROM reactions WHERE message_id = ANY($1) ORDER BY created_at", ids)
	if err != nil {
		return wrap("list reactions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r   domain.Reaction
			mid string
		)
		if err := rows.Scan(&mid, &r.Username, &r.Emoji); err != nil {
			return wrap("scan reaction", err)
		}
		r.MessageID = domain.MessageID(mid)
		i := index[r.MessageID]
		msgs[i].Reactions = append(msgs[i].Reactions, r)
	}
	if err := rows.Err(); err != nil {
		return wrap("list reactions", err)
	}
	return nil
}

func (s *Store) UpdateMessageText(ctx context.Context, id domain.MessageID, text string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE messages SET text = $1 WHERE id = $2", text, string(id))
	if err != nil {
		return wrap("update message", err)
	}
	return mustAffect("update message", tag)
}

func (s *Store) DeleteMessage(ctx context.Context, id domain.MessageID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("begin delete message", err)
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, "DELETE FROM messages WHERE id = $1", string(id))
	if err != nil {
		return wrap("delete message", err)
	}
	if err := mustAffect("delete message", tag); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM reactions WHERE message_id = $1", string(id)); err != nil {
		return wrap("delete reactions", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit delete message", err)
	}
	return nil
}

func (s *Store) ToggleReaction(ctx context.Context, r domain.Reaction) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, wrap("begin toggle reaction", err)
	}
	defer tx.Rollback(ctx)

	var exists int
	if err := tx.QueryRow(ctx, "SELECT 1 FROM messages WHERE id = $1", string(r.MessageID)).Scan(&exists); err != nil {
		return false, wrap("toggle reaction", err)
	}
	tag, err := tx.Exec(ctx,
		"DELETE FROM reactions WHERE message_id = $1 AND username = $2 AND emoji = $3",
		string(r.MessageID), r.Username, r.Emoji)
	if err != nil {
		return false, wrap("toggle reaction", err)
	}
	added := tag.RowsAffected() == 0
	if added {
		if _, err := tx.Exec(ctx,
			"INSERT INTO reactions (message_id, username, emoji) VALUES ($1, $2, $3)",
			string(r.MessageID), r.Username, r.Emoji); err != nil {
			return false, wrap("toggle reaction", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, wrap("commit toggle reaction", err)
	}
	return added, nil
}
