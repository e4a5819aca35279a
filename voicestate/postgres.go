package voicestate

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // postgres driver

	"github.com/akadon/zent-voice/errors"
)

const membershipColumns = `user_id, guild_id, channel_id, session_id, username,
	deaf, mute, self_deaf, self_mute, self_stream, self_video, suppress`

// PostgresStore persists memberships in a voice_states table, one row per
// (user, guild).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn and verifies it.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "PostgresStore", "NewPostgresStore", "open database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.WrapTransient(err, "PostgresStore", "NewPostgresStore", "ping database")
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the voice_states table and indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS voice_states (
			user_id     varchar(64)  NOT NULL,
			guild_id    varchar(64)  NOT NULL,
			channel_id  varchar(64)  NOT NULL,
			session_id  varchar(64)  NOT NULL,
			username    varchar(255) NOT NULL DEFAULT '',
			deaf        boolean      NOT NULL DEFAULT false,
			mute        boolean      NOT NULL DEFAULT false,
			self_deaf   boolean      NOT NULL DEFAULT false,
			self_mute   boolean      NOT NULL DEFAULT false,
			self_stream boolean      NOT NULL DEFAULT false,
			self_video  boolean      NOT NULL DEFAULT false,
			suppress    boolean      NOT NULL DEFAULT false,
			PRIMARY KEY (user_id, guild_id)
		)`,
		`CREATE INDEX IF NOT EXISTS voice_states_channel_id_idx ON voice_states (channel_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapFatal(err, "PostgresStore", "EnsureSchema", "create schema")
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Join implements Store. The delete, capacity check and insert run in one
// transaction; a channel-scoped advisory lock serializes the count against
// concurrent joins so two of them cannot both squeeze into the last slot.
func (s *PostgresStore) Join(ctx context.Context, params JoinParams) (*Membership, error) {
	m := params.Membership

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "Join", "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM voice_states WHERE user_id = $1 AND guild_id = $2`,
		m.UserID, m.GuildID); err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "Join", "remove prior membership")
	}

	if params.UserLimit > 0 {
		// Serialize concurrent joiners on the channel. Row locks cannot do
		// this: an empty channel has no rows to lock, and a waiter's count
		// never sees rows committed by the transaction it waited on. The
		// advisory lock is transaction-scoped and released on commit or
		// rollback.
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1))`, m.ChannelID); err != nil {
			return nil, errors.WrapTransient(err, "PostgresStore", "Join", "lock channel")
		}

		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM voice_states WHERE channel_id = $1`,
			m.ChannelID).Scan(&count)
		if err != nil {
			return nil, errors.WrapTransient(err, "PostgresStore", "Join", "count occupancy")
		}
		if count >= params.UserLimit {
			return nil, errors.ErrChannelFull
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO voice_states (`+membershipColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.UserID, m.GuildID, m.ChannelID, m.SessionID, m.Username,
		m.Deaf, m.Mute, m.SelfDeaf, m.SelfMute, m.SelfStream, m.SelfVideo,
		m.Suppress); err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "Join", "insert membership")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "Join", "commit transaction")
	}
	return &m, nil
}

// Leave implements Store.
func (s *PostgresStore) Leave(ctx context.Context, userID, guildID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM voice_states WHERE user_id = $1 AND guild_id = $2
		 RETURNING `+membershipColumns,
		userID, guildID)

	prior, err := scanMembership(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "PostgresStore", "Leave", "delete membership")
	}
	return prior, nil
}

// UpdateSelf implements Store.
func (s *PostgresStore) UpdateSelf(ctx context.Context, userID, guildID string, update SelfUpdate) (*Membership, error) {
	sets, args := buildSet(map[string]*bool{
		"self_mute":   update.SelfMute,
		"self_deaf":   update.SelfDeaf,
		"self_stream": update.SelfStream,
		"self_video":  update.SelfVideo,
		"suppress":    update.Suppress,
	})
	return s.applyUpdate(ctx, "UpdateSelf", userID, guildID, sets, args)
}

// UpdateServer implements Store.
func (s *PostgresStore) UpdateServer(ctx context.Context, userID, guildID string, update ServerUpdate) (*Membership, error) {
	sets, args := buildSet(map[string]*bool{
		"mute": update.Mute,
		"deaf": update.Deaf,
	})
	return s.applyUpdate(ctx, "UpdateServer", userID, guildID, sets, args)
}

func (s *PostgresStore) applyUpdate(ctx context.Context, op, userID, guildID string, sets []string, args []any) (*Membership, error) {
	if len(sets) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no fields to update"), "PostgresStore", op, "validate update")
	}

	args = append(args, userID, guildID)
	query := fmt.Sprintf(
		`UPDATE voice_states SET %s WHERE user_id = $%d AND guild_id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args)-1, len(args), membershipColumns)

	updated, err := scanMembership(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrNotPresent
		}
		return nil, errors.WrapTransient(err, "PostgresStore", op, "update membership")
	}
	return updated, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, userID, guildID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM voice_states
		 WHERE user_id = $1 AND guild_id = $2`,
		userID, guildID)

	m, err := scanMembership(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "PostgresStore", "Get", "query membership")
	}
	return m, nil
}

// ListByGuild implements Store.
func (s *PostgresStore) ListByGuild(ctx context.Context, guildID string) ([]Membership, error) {
	return s.list(ctx, "ListByGuild",
		`SELECT `+membershipColumns+` FROM voice_states WHERE guild_id = $1`, guildID)
}

// ListByChannel implements Store.
func (s *PostgresStore) ListByChannel(ctx context.Context, channelID string) ([]Membership, error) {
	return s.list(ctx, "ListByChannel",
		`SELECT `+membershipColumns+` FROM voice_states WHERE channel_id = $1`, channelID)
}

func (s *PostgresStore) list(ctx context.Context, op, query string, arg any) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", op, "query memberships")
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "PostgresStore", op, "scan membership")
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", op, "iterate memberships")
	}
	return out, nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.WrapTransient(err, "PostgresStore", "Ping", "ping database")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (*Membership, error) {
	var m Membership
	err := row.Scan(
		&m.UserID, &m.GuildID, &m.ChannelID, &m.SessionID, &m.Username,
		&m.Deaf, &m.Mute, &m.SelfDeaf, &m.SelfMute, &m.SelfStream,
		&m.SelfVideo, &m.Suppress)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// buildSet turns the non-nil fields into SET clauses with positional args.
func buildSet(fields map[string]*bool) ([]string, []any) {
	// Stable order keeps queries deterministic.
	ordered := []string{"mute", "deaf", "self_mute", "self_deaf", "self_stream", "self_video", "suppress"}

	var sets []string
	var args []any
	for _, col := range ordered {
		val, ok := fields[col]
		if !ok || val == nil {
			continue
		}
		args = append(args, *val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	return sets, args
}
