// ABOUTME: SQLite implementation of MessageStore using modernc.org/sqlite
// ABOUTME: Message record persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hivewire/hivewire/internal/message"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements MessageStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id             TEXT PRIMARY KEY,
			from_agent     TEXT NOT NULL,
			to_agent       TEXT NOT NULL,
			type           TEXT NOT NULL,
			content        TEXT,
			timestamp      DATETIME NOT NULL,
			correlation_id TEXT,
			priority       TEXT NOT NULL DEFAULT 'normal',
			retry_count    INTEGER NOT NULL DEFAULT 0,
			max_retries    INTEGER NOT NULL DEFAULT 0,
			metadata       TEXT,
			status         TEXT NOT NULL,

			CHECK (type IN ('notification', 'request', 'response')),
			CHECK (status IN ('pending', 'delivered', 'failed')),
			CHECK (retry_count <= max_retries)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_status
			ON messages(status, timestamp);

		CREATE INDEX IF NOT EXISTS idx_messages_correlation
			ON messages(correlation_id);

		CREATE INDEX IF NOT EXISTS idx_messages_timestamp
			ON messages(timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveMessage inserts a new message record.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *message.Message) error {
	content, metadata, err := encodeOpaque(msg)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, from_agent, to_agent, type, content, timestamp,
			correlation_id, priority, retry_count, max_retries, metadata, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.To, string(msg.Type), content,
		msg.Timestamp.UTC(), nullable(msg.CorrelationID), string(msg.Priority),
		msg.RetryCount, msg.MaxRetries, metadata, string(msg.Status),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message record by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, from_agent, to_agent, type, content, timestamp,
			correlation_id, priority, retry_count, max_retries, metadata, status
		FROM messages WHERE id = ?`, id)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// UpdateMessage overwrites the mutable delivery fields of a record.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *message.Message) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, retry_count = ? WHERE id = ?`,
		string(msg.Status), msg.RetryCount, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByStatus returns up to limit records with the given status, oldest first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status message.Status, limit int) ([]*message.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_agent, to_agent, type, content, timestamp,
			correlation_id, priority, retry_count, max_retries, metadata, status
		FROM messages WHERE status = ?
		ORDER BY timestamp ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*message.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// DeleteBefore removes records older than cutoff.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting old messages: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking delete result: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*message.Message, error) {
	var (
		msg           message.Message
		typ, priority string
		status        string
		content       sql.NullString
		correlation   sql.NullString
		metadata      sql.NullString
	)

	err := sc.Scan(&msg.ID, &msg.From, &msg.To, &typ, &content, &msg.Timestamp,
		&correlation, &priority, &msg.RetryCount, &msg.MaxRetries, &metadata, &status)
	if err != nil {
		return nil, err
	}

	msg.Type = message.Type(typ)
	msg.Priority = message.Priority(priority)
	msg.Status = message.Status(status)
	msg.CorrelationID = correlation.String

	if content.Valid && content.String != "" {
		var c any
		if err := json.Unmarshal([]byte(content.String), &c); err != nil {
			return nil, fmt.Errorf("decoding content: %w", err)
		}
		msg.Content = c
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &msg, nil
}

// encodeOpaque serializes the content payload and metadata map to JSON text.
func encodeOpaque(msg *message.Message) (content, metadata sql.NullString, err error) {
	if msg.Content != nil {
		raw, err := json.Marshal(msg.Content)
		if err != nil {
			return content, metadata, fmt.Errorf("encoding content: %w", err)
		}
		content = sql.NullString{String: string(raw), Valid: true}
	}
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return content, metadata, fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}
	return content, metadata, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
