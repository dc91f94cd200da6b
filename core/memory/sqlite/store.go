// Package sqlite persists conversation history in a local SQLite database
// and serves keyword-based retrieval over it.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	orchestration "github.com/miavoice/mia-core/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client TEXT NOT NULL,
	line TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_history_client ON history(client, id);
`

const retrieveLimit = 8

type Store struct {
	db *sql.DB

	userName      string
	assistantName string
}

type StoreOption func(*Store)

// WithSpeakerNames overrides the "User"/"Assistant" prefixes stored with
// each line.
func WithSpeakerNames(user, assistant string) StoreOption {
	return func(s *Store) {
		if user != "" {
			s.userName = user
		}
		if assistant != "" {
			s.assistantName = assistant
		}
	}
}

func NewStore(path string, opts ...StoreOption) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	store := &Store{db: db, userName: "User", assistantName: "Assistant"}
	for _, opt := range opts {
		opt(store)
	}

	slog.Debug("history store ready", "path", path)
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ orchestration.HistoryStore = (*Store)(nil)

func (s *Store) AppendUser(ctx context.Context, client orchestration.ClientID, text string) error {
	return s.appendLine(ctx, client, s.userName+": "+text)
}

// AppendAssistant stores the assistant's line followed by any markers, each
// as its own row, in one transaction.
func (s *Store) AppendAssistant(ctx context.Context, client orchestration.ClientID, text string, markers ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history transaction: %w", err)
	}
	defer tx.Rollback()

	if text != "" {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO history (client, line) VALUES (?, ?)",
			string(client), s.assistantName+": "+text,
		); err != nil {
			return fmt.Errorf("failed to append assistant line: %w", err)
		}
	}
	for _, marker := range markers {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO history (client, line) VALUES (?, ?)",
			string(client), marker,
		); err != nil {
			return fmt.Errorf("failed to append history marker: %w", err)
		}
	}

	return tx.Commit()
}

// Retrieve finds stored lines mentioning words from the query, oldest first.
// Single-character words are ignored; they match too much.
func (s *Store) Retrieve(ctx context.Context, client orchestration.ClientID, query string) ([]string, error) {
	words := strings.Fields(strings.ToLower(query))
	words = slices.DeleteFunc(words, func(w string) bool { return len(w) < 2 })
	if len(words) == 0 {
		return nil, nil
	}

	conditions := make([]string, len(words))
	args := []any{string(client)}
	for i, word := range words {
		conditions[i] = "LOWER(line) LIKE ?"
		args = append(args, "%"+word+"%")
	}
	args = append(args, retrieveLimit)

	rows, err := s.db.QueryContext(ctx,
		"SELECT line FROM history WHERE client = ? AND ("+strings.Join(conditions, " OR ")+") ORDER BY id DESC LIMIT ?",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	lines, err := scanLines(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(lines)
	return lines, nil
}

// Recent returns the newest limit lines in chronological order.
func (s *Store) Recent(ctx context.Context, client orchestration.ClientID, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT line FROM history WHERE client = ? ORDER BY id DESC LIMIT ?",
		string(client), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent history: %w", err)
	}
	defer rows.Close()

	lines, err := scanLines(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(lines)
	return lines, nil
}

func (s *Store) appendLine(ctx context.Context, client orchestration.ClientID, line string) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO history (client, line) VALUES (?, ?)",
		string(client), line,
	); err != nil {
		return fmt.Errorf("failed to append history line: %w", err)
	}
	return nil
}

func scanLines(rows *sql.Rows) ([]string, error) {
	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("failed to scan history line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}
	return lines, nil
}
