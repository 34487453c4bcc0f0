// Package deadletter persists messages that exhausted their retry budget,
// for offline inspection and replay.
package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"relaybot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.DeadLetterStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and migrates) the dead-letter database at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp   DATETIME NOT NULL,
		provider    TEXT NOT NULL,
		chat_id     TEXT NOT NULL,
		message_id  TEXT NOT NULL,
		sender_id   TEXT,
		reply_to    TEXT,
		thread_id   TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error       TEXT,
		content     TEXT,
		metadata    TEXT,
		replayed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_time ON dead_letters(timestamp);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_provider ON dead_letters(provider, chat_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Append writes one dead-letter record.
func (s *SQLiteStore) Append(ctx context.Context, rec domain.DeadLetterRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	var metaJSON []byte
	if len(rec.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			metaJSON = nil
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (timestamp, provider, chat_id, message_id, sender_id, reply_to, thread_id, retry_count, error, content, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.Provider, rec.ChatID, rec.MessageID, rec.SenderID,
		rec.ReplyTo, rec.ThreadID, rec.RetryCount, rec.Error, rec.Content, string(metaJSON),
	)
	return err
}

// List returns the most recent records, newest first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, provider, chat_id, message_id, sender_id, reply_to, thread_id, retry_count, error, content, metadata
		 FROM dead_letters ORDER BY timestamp DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.DeadLetterRecord
	for rows.Next() {
		var rec domain.DeadLetterRecord
		var senderID, replyTo, threadID, errText, content, metaJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Provider, &rec.ChatID, &rec.MessageID,
			&senderID, &replyTo, &threadID, &rec.RetryCount, &errText, &content, &metaJSON); err != nil {
			return nil, err
		}
		rec.SenderID = senderID.String
		rec.ReplyTo = replyTo.String
		rec.ThreadID = threadID.String
		rec.Error = errText.String
		rec.Content = content.String
		if metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
				s.logger.Warn("corrupt dead-letter metadata", "id", rec.ID, "err", err)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkReplayed stamps a record as replayed.
func (s *SQLiteStore) MarkReplayed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET replayed_at = ? WHERE id = ?`, time.Now(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead letter %d not found", id)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
