// Package sqlite implements store.Repository on modernc.org/sqlite.
// This is the standalone-mode default backend.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Repo is a sqlite-backed store.Repository.
type Repo struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// pending migrations.
func Open(path string) (*Repo, error) {
	// busy_timeout avoids SQLITE_BUSY under the gateway's concurrent reads.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single writer connection keeps
	// transactions from interleaving.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	drv, err := migsqlite.WithInstance(db, &migsqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Migrator exposes the embedded migration set for the migrate CLI.
// Unlike Open it does not apply anything; the caller drives Up/Down.
func Migrator(path string) (*migrate.Migrate, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations source: %w", err)
	}
	drv, err := migsqlite.WithInstance(db, &migsqlite.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, "sqlite", drv)
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) UpsertChannel(ctx context.Context, ch store.Channel) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO channels (id, kind, status, last_seen) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, status = excluded.status`,
		ch.ID, string(ch.Kind), string(ch.Status), nullTime(ch.LastSeen))
	return err
}

func (r *Repo) SetChannelStatus(ctx context.Context, channelID string, status store.ChannelStatus, lastSeen time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE channels SET status = ?, last_seen = ? WHERE id = ?`,
		string(status), lastSeen.UTC(), channelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repo) ListChannels(ctx context.Context) ([]store.Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, status, last_seen FROM channels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Channel
	for rows.Next() {
		var ch store.Channel
		var last sql.NullTime
		if err := rows.Scan(&ch.ID, &ch.Kind, &ch.Status, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			t := last.Time.UTC()
			ch.LastSeen = &t
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (r *Repo) UpsertChat(ctx context.Context, chat store.Chat) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chats (chat_id, channel_id, title, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (chat_id) DO UPDATE SET title = excluded.title`,
		chat.ChatID, chat.ChannelID, chat.Title, chat.CreatedAt.UTC())
	return err
}

func (r *Repo) ListChats(ctx context.Context, channelID string) ([]store.Chat, error) {
	q := `SELECT chat_id, channel_id, title, created_at FROM chats`
	var args []any
	if channelID != "" {
		q += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	q += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Chat
	for rows.Next() {
		var c store.Chat
		if err := rows.Scan(&c.ChatID, &c.ChannelID, &c.Title, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repo) AddMessage(ctx context.Context, msg store.Message) error {
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, chat_id, direction, sender_id, text, ts, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.ChatID, msg.Direction, msg.SenderID, msg.Text, msg.TS.UTC(), string(meta))
	return err
}

func (r *Repo) ListMessages(ctx context.Context, chatID string, limit int) ([]store.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	// Newest N, then reversed so callers get newest-last.
	rows, err := r.db.QueryContext(ctx,
		`SELECT message_id, chat_id, direction, sender_id, text, ts, metadata
		 FROM messages WHERE chat_id = ? ORDER BY ts DESC, message_id DESC LIMIT ?`,
		chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		var meta string
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.Direction, &m.SenderID, &m.Text, &m.TS, &meta); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			json.Unmarshal([]byte(meta), &m.Metadata)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *Repo) UpsertRun(ctx context.Context, run store.AgentRun) error {
	var errKind, errMsg sql.NullString
	if run.Error != nil {
		errKind = sql.NullString{String: run.Error.Kind, Valid: true}
		errMsg = sql.NullString{String: run.Error.Message, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO agent_runs
		   (run_id, chat_id, channel_id, requested_by, status, step, max_steps, deadline,
		    output_text, summary, error_kind, error_message, created_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
		   status = excluded.status, step = excluded.step,
		   output_text = excluded.output_text, summary = excluded.summary,
		   error_kind = excluded.error_kind, error_message = excluded.error_message,
		   ended_at = excluded.ended_at`,
		run.RunID, run.ChatID, run.ChannelID, run.RequestedBy, string(run.Status),
		run.Step, run.MaxSteps, run.Deadline.UTC(), run.OutputText, run.Summary,
		errKind, errMsg, run.CreatedAt.UTC(), nullTime(run.EndedAt))
	return err
}

func (r *Repo) GetRun(ctx context.Context, runID string) (store.AgentRun, error) {
	var run store.AgentRun
	var errKind, errMsg sql.NullString
	var ended sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT run_id, chat_id, channel_id, requested_by, status, step, max_steps, deadline,
		        output_text, summary, error_kind, error_message, created_at, ended_at
		 FROM agent_runs WHERE run_id = ?`, runID).
		Scan(&run.RunID, &run.ChatID, &run.ChannelID, &run.RequestedBy, &run.Status,
			&run.Step, &run.MaxSteps, &run.Deadline, &run.OutputText, &run.Summary,
			&errKind, &errMsg, &run.CreatedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return run, store.ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if errKind.Valid {
		run.Error = &store.RunError{Kind: errKind.String, Message: errMsg.String}
	}
	if ended.Valid {
		t := ended.Time.UTC()
		run.EndedAt = &t
	}
	return run, nil
}

func (r *Repo) AppendEvent(ctx context.Context, evt store.EventRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (seq, type, ts, run_id, channel_id, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		evt.Seq, evt.Type, evt.TS.UTC(), nullStr(evt.RunID), nullStr(evt.ChannelID), string(evt.Payload))
	return err
}

func (r *Repo) TailEvents(ctx context.Context, runID string, afterSeq uint64, limit int) ([]store.EventRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	q := `SELECT seq, type, ts, run_id, channel_id, payload FROM events WHERE seq > ?`
	args := []any{afterSeq}
	if runID != "" {
		q += ` AND run_id = ?`
		args = append(args, runID)
	}
	q += ` ORDER BY seq LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.EventRecord
	for rows.Next() {
		var e store.EventRecord
		var rid, cid sql.NullString
		var payload string
		if err := rows.Scan(&e.Seq, &e.Type, &e.TS, &rid, &cid, &payload); err != nil {
			return nil, err
		}
		e.RunID = rid.String
		e.ChannelID = cid.String
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repo) LastSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq.Int64), nil
}

func (r *Repo) SaveConfig(ctx context.Context, key string, value json.RawMessage) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC())
	return err
}

func (r *Repo) LoadConfig(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
