package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS namespaces (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	namespace   TEXT    NOT NULL,
	key         TEXT    NOT NULL,
	url         TEXT    NOT NULL,
	status_code INTEGER NOT NULL,
	headers     TEXT    NOT NULL,
	body        BLOB,
	cached_at   INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);

CREATE INDEX IF NOT EXISTS idx_entries_key ON entries(key);
`

// SQLiteStore is a durable Store in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the store at path. Use ":memory:" for a
// throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == ":memory:" {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("sqlite: open: %w", err)
		}
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
		return initSQLite(db)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: mkdir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	return initSQLite(db)
}

func initSQLite(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: exec schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureNamespace(ctx context.Context, ex execer, name string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO namespaces (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UnixNano())
	return err
}

func upsertEntry(ctx context.Context, ex execer, namespace string, key CacheKey, entry *CacheEntry) error {
	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO entries (namespace, key, url, status_code, headers, body, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			url = excluded.url,
			status_code = excluded.status_code,
			headers = excluded.headers,
			body = excluded.body,
			cached_at = excluded.cached_at`,
		namespace, key.String(), entry.URL, entry.StatusCode, string(headers), entry.Data, entry.CachedAt.UnixNano())
	return err
}

func scanEntry(row *sql.Row) (*CacheEntry, error) {
	var (
		entry    CacheEntry
		headers  string
		cachedAt int64
	)
	if err := row.Scan(&entry.URL, &entry.StatusCode, &headers, &entry.Data, &cachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("sqlite scan: %w", err)
	}
	if err := json.Unmarshal([]byte(headers), &entry.Headers); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	entry.CachedAt = time.Unix(0, cachedAt)
	return &entry, nil
}

// Open returns a handle for namespace, creating it on first use.
func (s *SQLiteStore) Open(ctx context.Context, namespace string) (Handle, error) {
	if namespace == "" {
		CacheErrors.WithLabelValues(storeSQLite, "open").Inc()
		return nil, ErrNamespaceRequired
	}
	if err := ensureNamespace(ctx, s.db, namespace); err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "open").Inc()
		return nil, fmt.Errorf("sqlite open namespace %s: %w", namespace, err)
	}
	return &sqliteHandle{store: s, name: namespace}, nil
}

// Match looks the key up across every namespace, oldest first.
func (s *SQLiteStore) Match(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	if !key.Matchable() {
		CacheMisses.WithLabelValues(storeSQLite).Inc()
		return nil, ErrCacheMiss
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT e.url, e.status_code, e.headers, e.body, e.cached_at
		FROM entries e
		JOIN namespaces n ON n.name = e.namespace
		WHERE e.key = ?
		ORDER BY n.id
		LIMIT 1`, key.String())

	entry, err := scanEntry(row)
	switch {
	case errors.Is(err, ErrCacheMiss):
		CacheMisses.WithLabelValues(storeSQLite).Inc()
		return nil, err
	case err != nil:
		CacheErrors.WithLabelValues(storeSQLite, "match").Inc()
		return nil, err
	}
	CacheHits.WithLabelValues(storeSQLite).Inc()
	return entry, nil
}

// Namespaces lists namespace names in creation order.
func (s *SQLiteStore) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM namespaces ORDER BY id`)
	if err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "list").Inc()
		return nil, fmt.Errorf("sqlite list namespaces: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			CacheErrors.WithLabelValues(storeSQLite, "list").Inc()
			return nil, fmt.Errorf("sqlite scan namespace: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteNamespace removes a namespace and all its entries.
func (s *SQLiteStore) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "delete").Inc()
		return false, fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE namespace = ?`, name); err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "delete").Inc()
		return false, fmt.Errorf("sqlite delete entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM namespaces WHERE name = ?`, name)
	if err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "delete").Inc()
		return false, fmt.Errorf("sqlite delete namespace: %w", err)
	}
	if err := tx.Commit(); err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "delete").Inc()
		return false, fmt.Errorf("sqlite commit: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	NamespacesDeleted.WithLabelValues(storeSQLite).Inc()
	return true, nil
}

type sqliteHandle struct {
	store *SQLiteStore
	name  string
}

func (h *sqliteHandle) Namespace() string { return h.name }

func (h *sqliteHandle) Match(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	if !key.Matchable() {
		CacheMisses.WithLabelValues(storeSQLite).Inc()
		return nil, ErrCacheMiss
	}

	row := h.store.db.QueryRowContext(ctx, `
		SELECT url, status_code, headers, body, cached_at
		FROM entries
		WHERE namespace = ? AND key = ?`, h.name, key.String())

	entry, err := scanEntry(row)
	switch {
	case errors.Is(err, ErrCacheMiss):
		CacheMisses.WithLabelValues(storeSQLite).Inc()
		return nil, err
	case err != nil:
		CacheErrors.WithLabelValues(storeSQLite, "match").Inc()
		return nil, err
	}
	CacheHits.WithLabelValues(storeSQLite).Inc()
	return entry, nil
}

func (h *sqliteHandle) Put(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		CacheErrors.WithLabelValues(storeSQLite, "put").Inc()
		return ErrInvalidEntry
	}

	tx, err := h.store.db.BeginTx(ctx, nil)
	if err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "put").Inc()
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	if err := ensureNamespace(ctx, tx, h.name); err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "put").Inc()
		return fmt.Errorf("sqlite ensure namespace: %w", err)
	}
	if err := upsertEntry(ctx, tx, h.name, key, entry); err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "put").Inc()
		return fmt.Errorf("sqlite put: %w", err)
	}
	if err := tx.Commit(); err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "put").Inc()
		return fmt.Errorf("sqlite commit: %w", err)
	}

	CachePuts.WithLabelValues(storeSQLite).Inc()
	return nil
}

func (h *sqliteHandle) AddAll(ctx context.Context, entries []*CacheEntry) error {
	for _, e := range entries {
		if e == nil || e.URL == "" {
			CacheErrors.WithLabelValues(storeSQLite, "add_all").Inc()
			return ErrInvalidEntry
		}
	}

	tx, err := h.store.db.BeginTx(ctx, nil)
	if err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "add_all").Inc()
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	if err := ensureNamespace(ctx, tx, h.name); err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "add_all").Inc()
		return fmt.Errorf("sqlite ensure namespace: %w", err)
	}
	for _, e := range entries {
		if err := upsertEntry(ctx, tx, h.name, e.Key(), e); err != nil {
			CacheErrors.WithLabelValues(storeSQLite, "add_all").Inc()
			return fmt.Errorf("sqlite add %s: %w", e.URL, err)
		}
	}
	if err := tx.Commit(); err != nil {
		CacheErrors.WithLabelValues(storeSQLite, "add_all").Inc()
		return fmt.Errorf("sqlite commit: %w", err)
	}

	CachePuts.WithLabelValues(storeSQLite).Add(float64(len(entries)))
	return nil
}
