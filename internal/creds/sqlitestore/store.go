// Package sqlitestore implements the credential store collaborator on an
// embedded SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("sqlitestore: account not found")

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) LoadCookies(ctx context.Context, accountID string) (string, error) {
	var cookies string
	err := s.db.QueryRowContext(ctx,
		`SELECT cookies FROM credentials WHERE account_id = ?`, accountID,
	).Scan(&cookies)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if err != nil {
		return "", fmt.Errorf("sqlitestore: load %s: %w", accountID, err)
	}
	return cookies, nil
}

func (s *Store) SaveCookies(ctx context.Context, accountID, cookies string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials(account_id, cookies, updated_at) VALUES(?, ?, ?)
ON CONFLICT(account_id) DO UPDATE SET cookies = excluded.cookies, updated_at = excluded.updated_at`,
		accountID, cookies, now)
	if err != nil {
		return fmt.Errorf("sqlitestore: save %s: %w", accountID, err)
	}
	return nil
}
