package memo

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const memoDocumentsSchema = `
CREATE TABLE IF NOT EXISTS memo_documents (
    namespace   TEXT PRIMARY KEY,
    data        BLOB NOT NULL,
    updated_at  TEXT NOT NULL
);
`

// SQLiteStore keeps one document per namespace in a SQLite table.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
	closeDB   bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the memo_documents table and returns a store
// bound to namespace. The caller keeps ownership of db.
func NewSQLiteStore(db *sql.DB, namespace string) (*SQLiteStore, error) {
	if db == nil {
		return nil, ErrNilClient
	}
	if _, err := db.Exec(memoDocumentsSchema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, namespace: namespace}, nil
}

// OpenSQLiteStore opens the database at dsn and returns a store that closes
// it on Close. The parent directory of a file database is created if missing.
func OpenSQLiteStore(dsn, namespace string) (*SQLiteStore, error) {
	if path := sqlitePath(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(db, namespace)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.closeDB = true
	return s, nil
}

// sqlitePath returns the file behind dsn, or "" for in-memory databases.
// Both plain paths and file: URIs are accepted.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	return path
}

func (s *SQLiteStore) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM memo_documents WHERE namespace = ?`, s.namespace).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SQLiteStore) Save(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memo_documents (namespace, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		s.namespace, data, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) Close() error {
	if s.closeDB {
		return s.db.Close()
	}
	return nil
}
