package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/cmdassist/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes access and avoids "database is locked" under many sessions.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so a second process waits instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const checkpointColumns = `id, user_prompt, generated_command, command_output, command_error, exit_code, retry_count, max_retries, state, failure, attempts, version, created_at, updated_at`

func (s *SQLiteStore) Save(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("save session: missing id")
	}
	attempts, err := json.Marshal(sess.Attempts)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}
	if sess.Attempts == nil {
		attempts = []byte("[]")
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	next := sess.Version + 1

	if sess.Version == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO checkpoints (`+checkpointColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.UserPrompt, sess.GeneratedCommand, sess.CommandOutput, sess.CommandError,
			sess.ExitCode, sess.RetryCount, sess.MaxRetries, string(sess.State), sess.Failure,
			string(attempts), next, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("save session %s: %w", sess.ID, ErrConflict)
			}
			return fmt.Errorf("save session: %w", err)
		}
		sess.Version = next
		return nil
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET user_prompt=?, generated_command=?, command_output=?, command_error=?, exit_code=?, retry_count=?, max_retries=?, state=?, failure=?, attempts=?, version=?, updated_at=?
		WHERE id=? AND version=?`,
		sess.UserPrompt, sess.GeneratedCommand, sess.CommandOutput, sess.CommandError,
		sess.ExitCode, sess.RetryCount, sess.MaxRetries, string(sess.State), sess.Failure,
		string(attempts), next, sess.UpdatedAt.UTC(), sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoints WHERE id = ?", sess.ID).Scan(&exists); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("save session %s: %w", sess.ID, ErrNotFound)
		}
		return fmt.Errorf("save session %s: %w", sess.ID, ErrConflict)
	}
	sess.Version = next
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints`
	var args []any
	if filter.State != "" {
		query += " WHERE state = ?"
		args = append(args, string(filter.State))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) Purge(ctx context.Context, before time.Time, terminalOnly bool) (int64, error) {
	query := "DELETE FROM checkpoints WHERE updated_at < ?"
	args := []any{before.UTC()}
	if terminalOnly {
		query += " AND state IN (?, ?, ?)"
		args = append(args, string(models.StateDone), string(models.StateCancelled), string(models.StateFailed))
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var state, attempts string
	err := row.Scan(&sess.ID, &sess.UserPrompt, &sess.GeneratedCommand, &sess.CommandOutput, &sess.CommandError,
		&sess.ExitCode, &sess.RetryCount, &sess.MaxRetries, &state, &sess.Failure, &attempts,
		&sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.State = models.State(state)
	if attempts != "" && attempts != "[]" {
		if err := json.Unmarshal([]byte(attempts), &sess.Attempts); err != nil {
			return nil, fmt.Errorf("decode attempts: %w", err)
		}
	}
	return sess, nil
}
