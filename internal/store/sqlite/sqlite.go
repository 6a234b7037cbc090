// Package sqlite implements core.Store on database/sql with the
// mattn/go-sqlite3 driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username      TEXT PRIMARY KEY,
		password_hash BLOB,
		avatar        TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		last_seen     INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		passcode   TEXT NOT NULL DEFAULT '',
		host       TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		channel_id TEXT NOT NULL,
		username   TEXT NOT NULL,
		status     TEXT NOT NULL,
		role       TEXT NOT NULL,
		invited_by TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (channel_id, username)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		sender     TEXT NOT NULL,
		text       TEXT NOT NULL,
		time_label TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		reply_to   TEXT NOT NULL DEFAULT '',
		thread_id  TEXT NOT NULL DEFAULT '',
		system     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS messages_channel_created ON messages (channel_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		message_id TEXT NOT NULL,
		username   TEXT NOT NULL,
		emoji      TEXT NOT NULL,
		PRIMARY KEY (message_id, username, emoji)
	)`,
}

type Store struct {
	db *sql.DB
}

var _ core.Store = (*Store)(nil)

// Open opens (and creates if needed) the database at dsn. ":memory:" is
// pinned to a single connection so every query sees the same database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db}, nil
}

// Migrate creates the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func nanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}

func wrap(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: %s: %w", op, core.ErrNotFound)
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("sqlite: %s: %w", op, core.ErrConflict)
	}
	return fmt.Errorf("sqlite: %s: %w: %w", op, core.ErrStore, err)
}

func mustAffect(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %s: %w", op, core.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, avatar, created_at, last_seen) VALUES (?, ?, ?, ?, ?)",
		u.Username, u.PasswordHash, u.Avatar, u.CreatedAt.UnixNano(), nanos(u.LastSeen))
	if err != nil {
		return wrap("create user", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (domain.User, error) {
	var (
		u         domain.User
		createdAt int64
		lastSeen  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT username, password_hash, avatar, created_at, last_seen FROM users WHERE username = ?", username,
	).Scan(&u.Username, &u.PasswordHash, &u.Avatar, &createdAt, &lastSeen)
	if err != nil {
		return domain.User{}, wrap("get user", err)
	}
	u.CreatedAt = time.Unix(0, createdAt).UTC()
	u.LastSeen = fromNanos(lastSeen)
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
	rows, err := s.db.QueryContext(ctx, "SELECT username, avatar, last_seen FROM users ORDER BY username")
	if err != nil {
		return nil, wrap("list users", err)
	}
	defer rows.Close()

	var out []domain.Profile
	for rows.Next() {
		var (
			p        domain.Profile
			lastSeen sql.NullInt64
		)
		if err := rows.Scan(&p.Username, &p.Avatar, &lastSeen); err != nil {
			return nil, wrap("scan user", err)
		}
		p.LastSeen = fromNanos(lastSeen)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list users", err)
	}
	return out, nil
}

func (s *Store) TouchLastSeen(ctx context.Context, username string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET last_seen = ? WHERE username = ?", nanos(at), username)
	if err != nil {
		return wrap("touch last seen", err)
	}
	return mustAffect("touch last seen", res)
}

func (s *Store) CreateChannel(ctx context.Context, c domain.Channel) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO channels (id, name, passcode, host, created_at) VALUES (?, ?, ?, ?, ?)",
		string(c.ID), c.Name, c.Passcode, c.Host, c.CreatedAt.UnixNano())
	if err != nil {
		return wrap("create channel", err)
	}
	return nil
}

func scanChannel(sc interface{ Scan(...any) error }) (domain.Channel, error) {
	var (
		c         domain.Channel
		id        string
		createdAt int64
	)
	if err := sc.Scan(&id, &c.Name, &c.Passcode, &c.Host, &createdAt); err != nil {
		return domain.Channel{}, err
	}
	c.ID = domain.ChannelID(id)
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	return c, nil
}

func (s *Store) GetChannel(ctx context.Context, id domain.ChannelID) (domain.Channel, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, name, passcode, host, created_at FROM channels WHERE id = ?", string(id))
	c, err := scanChannel(row)
	if err != nil {
		return domain.Channel{}, wrap("get channel", err)
	}
	return c, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, passcode, host, created_at FROM channels ORDER BY created_at, id")
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
	res, err := s.db.ExecContext(ctx, "UPDATE channels SET host = ? WHERE id = ?", username, string(id))
	if err != nil {
		return wrap("set channel host", err)
	}
	return mustAffect("set channel host", res)
}

func (s *Store) DeleteChannel(ctx context.Context, id domain.ChannelID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin delete channel", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM channels WHERE id = ?", string(id))
	if err != nil {
		return wrap("delete channel", err)
	}
	if err := mustAffect("delete channel", res); err != nil {
		return err
	}
	stmts := []string{
		"DELETE FROM reactions WHERE message_id IN (SELECT id FROM messages WHERE channel_id = ?)",
		"DELETE FROM messages WHERE channel_id = ?",
		"DELETE FROM memberships WHERE channel_id = ?",
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, string(id)); err != nil {
			return wrap("delete channel cascade", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit delete channel", err)
	}
	return nil
}

func (s *Store) GetMembership(ctx context.Context, id domain.ChannelID, username string) (domain.Membership, error) {
	var (
		m         domain.Membership
		status    string
		role      string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT status, role, invited_by, updated_at FROM memberships WHERE channel_id = ? AND username = ?",
		string(id), username,
	).Scan(&status, &role, &m.InvitedBy, &updatedAt)
	if err != nil {
		return domain.Membership{}, wrap("get membership", err)
	}
	m.ChannelID = id
	m.Username = username
	m.Status = domain.MembershipStatus(status)
	m.Role = domain.Role(role)
	m.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return m, nil
}

func (s *Store) UpsertMembership(ctx context.Context, m domain.Membership) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memberships (channel_id, username, status, role, invited_by, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(m.ChannelID), m.Username, string(m.Status), string(m.Role), m.InvitedBy, m.UpdatedAt.UnixNano())
	if err != nil {
		return wrap("upsert membership", err)
	}
	return nil
}

func (s *Store) CreateMembership(ctx context.Context, m domain.Membership) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO memberships (channel_id, username, status, role, invited_by, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(m.ChannelID), m.Username, string(m.Status), string(m.Role), m.InvitedBy, m.UpdatedAt.UnixNano())
	if err != nil {
		return false, wrap("create membership", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("create membership", err)
	}
	return n > 0, nil
}

func (s *Store) PromoteInvite(ctx context.Context, id domain.ChannelID, username string, role domain.Role) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET status = ?, updated_at = ?
		 WHERE channel_id = ? AND username = ? AND status = ? AND role = ?`,
		string(domain.StatusAccepted), time.Now().UnixNano(), string(id), username, string(domain.StatusInvited), string(role))
	if err != nil {
		return false, wrap("promote invite", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("promote invite", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteMembership(ctx context.Context, id domain.ChannelID, username string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM memberships WHERE channel_id = ? AND username = ?", string(id), username); err != nil {
		return wrap("delete membership", err)
	}
	return nil
}

func (s *Store) ListMemberships(ctx context.Context, id domain.ChannelID) ([]domain.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT username, status, role, invited_by, updated_at FROM memberships WHERE channel_id = ? ORDER BY username",
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
			updatedAt    int64
		)
		if err := rows.Scan(&m.Username, &status, &role, &m.InvitedBy, &updatedAt); err != nil {
			return nil, wrap("scan membership", err)
		}
		m.ChannelID = id
		m.Status = domain.MembershipStatus(status)
		m.Role = domain.Role(role)
		m.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list memberships", err)
	}
	return out, nil
}

func (s *Store) InsertMessage(ctx context.Context, m domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, sender, text, time_label, created_at, reply_to, thread_id, system)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), string(m.ChannelID), m.Sender, m.Text, m.TimeLabel, m.CreatedAt.UnixNano(),
		string(m.ReplyTo), string(m.ThreadID), m.System)
	if err != nil {
		return wrap("insert message", err)
	}
	return nil
}

const messageColumns = "id, channel_id, sender, text, time_label, created_at, reply_to, thread_id, system"

func scanMessage(sc interface{ Scan(...any) error }) (domain.Message, error) {
	var (
		m                        domain.Message
		id, channel, reply, thrd string
		createdAt                int64
	)
	if err := sc.Scan(&id, &channel, &m.Sender, &m.Text, &m.TimeLabel, &createdAt, &reply, &thrd, &m.System); err != nil {
		return domain.Message{}, err
	}
	m.ID = domain.MessageID(id)
	m.ChannelID = domain.ChannelID(channel)
	m.ReplyTo = domain.MessageID(reply)
	m.ThreadID = domain.MessageID(thrd)
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", string(id))
	m, err := scanMessage(row)
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
	var beforeNanos int64
	if !before.IsZero() {
		beforeNanos = before.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+` FROM messages
		 WHERE channel_id = ? AND (? = 0 OR created_at < ?)
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		string(id), beforeNanos, beforeNanos, limit)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrap("scan message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list messages", err)
	}
	rows.Close()
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
	args := make([]any, 0, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
		args = append(args, string(m.ID))
	}
	q := "SELECT message_id, username, emoji FROM reactions WHERE message_id IN (?" +
		strings.Repeat(", ?", len(msgs)-1) + ") ORDER BY rowid"
	rows, err := s.db.QueryContext(ctx, q, args...)
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
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET text = ? WHERE id = ?", text, string(id))
	if err != nil {
		return wrap("update message", err)
	}
	return mustAffect("update message", res)
}

func (s *Store) DeleteMessage(ctx context.Context, id domain.MessageID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin delete message", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", string(id))
	if err != nil {
		return wrap("delete message", err)
	}
	if err := mustAffect("delete message", res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM reactions WHERE message_id = ?", string(id)); err != nil {
		return wrap("delete reactions", err)
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit delete message", err)
	}
	return nil
}

func (s *Store) ToggleReaction(ctx context.Context, r domain.Reaction) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrap("begin toggle reaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE id = ?", string(r.MessageID)).Scan(&exists); err != nil {
		return false, wrap("toggle reaction", err)
	}
	res, err := tx.ExecContext(ctx,
		"DELETE FROM reactions WHERE message_id = ? AND username = ? AND emoji = ?",
		string(r.MessageID), r.Username, r.Emoji)
	if err != nil {
		return false, wrap("toggle reaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("toggle reaction", err)
	}
	added := n == 0
	if added {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO reactions (message_id, username, emoji) VALUES (?, ?, ?)",
			string(r.MessageID), r.Username, r.Emoji); err != nil {
			return false, wrap("toggle reaction", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, wrap("commit toggle reaction", err)
	}
	return added, nil
}
