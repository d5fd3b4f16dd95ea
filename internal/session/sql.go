package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

type queries struct {
	schema string
	upsert string
	get    string
	delete string
	purge  string
}

var dialectQueries = map[Dialect]queries{
	DialectSQLite: {
		schema: `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT NOT NULL PRIMARY KEY,
	data TEXT NOT NULL,
	expire_at INTEGER NOT NULL
)`,
		upsert: `
INSERT INTO sessions (id, data, expire_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET data = excluded.data, expire_at = excluded.expire_at`,
		get:    `SELECT data, expire_at FROM sessions WHERE id = ?`,
		delete: `DELETE FROM sessions WHERE id = ?`,
		purge:  `DELETE FROM sessions WHERE expire_at <= ?`,
	},
	DialectPostgres: {
		schema: `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	data JSONB NOT NULL,
	expire_at BIGINT NOT NULL
)`,
		upsert: `
INSERT INTO sessions (id, data, expire_at) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, expire_at = EXCLUDED.expire_at`,
		get:    `SELECT data, expire_at FROM sessions WHERE id = $1`,
		delete: `DELETE FROM sessions WHERE id = $1`,
		purge:  `DELETE FROM sessions WHERE expire_at <= $1`,
	},
}

// SQLStore keeps sessions as JSON rows in a sessions table.
// expire_at is the record TTL in epoch milliseconds.
type SQLStore struct {
	db  *sql.DB
	q   queries
	now func() time.Time
}

// NewSQLStore wraps db and creates the sessions table if needed.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	q, ok := dialectQueries[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported SQL dialect %q", dialect)
	}
	s := &SQLStore{db: db, q: q, now: time.Now}
	if _, err := db.Exec(q.schema); err != nil {
		return nil, fmt.Errorf("ensure sessions schema: %w", err)
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite database file for sessions.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open(string(DialectSQLite), path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error enabling WAL mode: %w", err)
	}
	store, err := NewSQLStore(db, DialectSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// OpenPostgres connects to the database described by dsn.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open(string(DialectPostgres), dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	store, err := NewSQLStore(db, DialectPostgres)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.q.upsert, sess.ID, string(data), sess.ExpireAt.UnixMilli()); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	var (
		data     []byte
		expireAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q.get, id).Scan(&data, &expireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if expireAt <= s.now().UnixMilli() {
		return nil, ErrNotFound
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess.ID = id
	sess.ExpireAt = time.UnixMilli(expireAt)
	return &sess, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q.delete, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes rows whose expire_at has passed.
func (s *SQLStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q.purge, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return n, nil
}
