package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrSessionNotFound = errors.New("Session not found.")

// A saved login for a cloud host.
type Session struct {
	Name       string
	Host       string
	Username   string
	SessionId  string
	CreateTime time.Time
}

// Saved sessions, keyed by name.
type SessionStore struct {
	db *sql.DB
}

func DefaultSessionStorePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".scratchctl", "sessions.db")
	}
	return "sessions.db"
}

func OpenSessionStore(path string) (*SessionStore, error) {
	if path == "" {
		return nil, fmt.Errorf("Session store path required.")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("Create session store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("Open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	store := &SessionStore{
		db: db,
	}
	if err := store.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (self *SessionStore) ensureSchema(ctx context.Context) error {
	_, err := self.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session (
			name TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			username TEXT NOT NULL,
			session_id TEXT NOT NULL,
			create_time INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("Create schema: %w", err)
	}
	return nil
}

func (self *SessionStore) Close() error {
	return self.db.Close()
}

// Put adds or replaces a session.
func (self *SessionStore) Put(ctx context.Context, session *Session) error {
	if session.CreateTime.IsZero() {
		session.CreateTime = time.Now()
	}
	_, err := self.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO session (name, host, username, session_id, create_time) VALUES (?, ?, ?, ?, ?)`,
		session.Name,
		session.Host,
		session.Username,
		session.SessionId,
		session.CreateTime.UnixMilli(),
	)
	return err
}

func (self *SessionStore) Get(ctx context.Context, name string) (*Session, error) {
	row := self.db.QueryRowContext(
		ctx,
		`SELECT name, host, username, session_id, create_time FROM session WHERE name = ?`,
		name,
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w %s", ErrSessionNotFound, name)
	}
	return session, err
}

// List returns sessions in name order.
func (self *SessionStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT name, host, username, session_id, create_time FROM session ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (self *SessionStore) Remove(ctx context.Context, name string) error {
	result, err := self.db.ExecContext(ctx, `DELETE FROM session WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w %s", ErrSessionNotFound, name)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	session := &Session{}
	var createTime int64
	if err := row.Scan(&session.Name, &session.Host, &session.Username, &session.SessionId, &createTime); err != nil {
		return nil, err
	}
	session.CreateTime = time.UnixMilli(createTime)
	return session, nil
}
