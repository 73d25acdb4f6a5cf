package chatsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 2

// SQLiteStorage is the durable Cache backed by a single SQLite file.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the cache database at path.
// ":memory:" is accepted for throwaway caches.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	if path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}
	if err := migrateCache(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// cacheMigrations[i] brings the schema from version i to i+1.
var cacheMigrations = []string{
	`
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL DEFAULT '',
		sender TEXT,
		content TEXT NOT NULL DEFAULT '',
		server_ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, server_ts, id);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cursors (
		conversation_id TEXT PRIMARY KEY,
		state INTEGER NOT NULL
	);`,
	`
	CREATE TABLE IF NOT EXISTS retention_floors (
		conversation_id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		server_ts INTEGER NOT NULL
	);`,
}

func migrateCache(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > sqliteSchemaVersion {
		return fmt.Errorf("cache schema version %d is newer than supported version %d", version, sqliteSchemaVersion)
	}

	for ; version < sqliteSchemaVersion; version++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(cacheMigrations[version]); err != nil {
			tx.Rollback()
			return fmt.Errorf("schema version %d: %w", version+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version+1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// ── Messages ─────────────────────────────────────────────

const upsertMessageSQL = `
	INSERT INTO messages (id, conversation_id, sender_id, sender, content, server_ts)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		conversation_id = excluded.conversation_id,
		sender_id = excluded.sender_id,
		sender = excluded.sender,
		content = excluded.content,
		server_ts = excluded.server_ts`

func messageArgs(m *Message) ([]any, error) {
	var sender sql.NullString
	if m.Sender != nil {
		b, err := json.Marshal(m.Sender)
		if err != nil {
			return nil, err
		}
		sender = sql.NullString{String: string(b), Valid: true}
	}
	return []any{m.ID, m.ConversationID, m.AuthorID(), sender, m.Content, m.ServerTimestamp.UnixNano()}, nil
}

func (s *SQLiteStorage) PutMessage(ctx context.Context, m *Message) (bool, error) {
	args, err := messageArgs(m)
	if err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE id = ?", m.ID).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, upsertMessageSQL, args...); err != nil {
		return false, fmt.Errorf("put message %s: %w", m.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return exists == 0, nil
}

func (s *SQLiteStorage) PutMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertMessageSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		args, err := messageArgs(m)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("put message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Messages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, sender, content, server_ts
		FROM messages WHERE conversation_id = ?
		ORDER BY server_ts ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m      Message
			sender sql.NullString
			ts     int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &sender, &m.Content, &ts); err != nil {
			return nil, err
		}
		if sender.Valid {
			var u User
			if err := json.Unmarshal([]byte(sender.String), &u); err == nil {
				m.Sender = &u
			}
		}
		m.ServerTimestamp = time.Unix(0, ts).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) DeleteConversationMessages(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM retention_floors WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// ── Conversations ────────────────────────────────────────

func (s *SQLiteStorage) PutConversation(ctx context.Context, c *Conversation) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, c.ID, string(b))
	return err
}

func (s *SQLiteStorage) ReplaceConversations(ctx context.Context, convs []*Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM conversations"); err != nil {
		return err
	}
	for _, c := range convs {
		b, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO conversations (id, data) VALUES (?, ?)", c.ID, string(b)); err != nil {
			return fmt.Errorf("put conversation %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Conversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM conversations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c Conversation
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("decode cached conversation: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortConversations(out)
	return out, nil
}

func (s *SQLiteStorage) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", conversationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cursors WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// ── Cursors ──────────────────────────────────────────────

func (s *SQLiteStorage) Cursor(ctx context.Context, conversationID string) (Cursor, error) {
	var state int
	err := s.db.QueryRowContext(ctx, "SELECT state FROM cursors WHERE conversation_id = ?", conversationID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return CursorUnknown, nil
	}
	if err != nil {
		return CursorUnknown, err
	}
	return Cursor(state), nil
}

func (s *SQLiteStorage) SetCursor(ctx context.Context, conversationID string, cur Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (conversation_id, state) VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET state = excluded.state`, conversationID, int(cur))
	return err
}

// ── Retention floors ─────────────────────────────────────

func (s *SQLiteStorage) RetentionFloor(ctx context.Context, conversationID string) (*Message, error) {
	var (
		id string
		ts int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT message_id, server_ts FROM retention_floors WHERE conversation_id = ?", conversationID).Scan(&id, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, ConversationID: conversationID, ServerTimestamp: time.Unix(0, ts).UTC()}, nil
}

func (s *SQLiteStorage) RaiseRetentionFloor(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retention_floors (conversation_id, message_id, server_ts) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			message_id = excluded.message_id,
			server_ts = excluded.server_ts
		WHERE excluded.server_ts > retention_floors.server_ts
			OR (excluded.server_ts = retention_floors.server_ts AND excluded.message_id > retention_floors.message_id)`,
		m.ConversationID, m.ID, m.ServerTimestamp.UnixNano())
	return err
}

func (s *SQLiteStorage) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"messages", "conversations", "cursors", "retention_floors"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
