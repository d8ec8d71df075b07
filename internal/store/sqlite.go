package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pagevault/pagevault/internal/pool"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore persists pages in an embedded SQLite database with WAL mode
// for concurrent reads.
//
// Every statement runs on a connection leased from the managed pool, so the
// pool's bounds, probing, and leak detection apply to all store traffic.
type SQLiteStore struct {
	db     *sql.DB
	pool   *pool.Pool
	path   string
	logger *log.Logger
}

// sqlConn adapts a dedicated *sql.Conn session to the pool's Conn
// interface.
type sqlConn struct {
	conn *sql.Conn
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqlConn) Close() error {
	return c.conn.Close()
}

// OpenSQLite opens (creating if needed) the page database at path and
// builds its connection pool with the given configuration.
//
// The caller MUST call Close() when done to checkpoint the WAL and release
// the pool.
func OpenSQLite(path string, poolCfg *pool.Config, logger *log.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	if poolCfg == nil {
		poolCfg = pool.DefaultConfig()
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// database/sql has its own pool underneath; size it to match ours so
	// it never constrains a lease the manager already granted.
	db.SetMaxOpenConns(poolCfg.MaxPoolSize + 1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		path:   path,
		logger: logger,
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	p, err := pool.New(poolCfg, func(ctx context.Context) (pool.Conn, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return &sqlConn{conn: conn}, nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to build connection pool: %w", err)
	}
	s.pool = p

	return s, nil
}

// Pool exposes the store's connection pool for stats readouts.
func (s *SQLiteStore) Pool() *pool.Pool {
	return s.pool
}

// initSchema creates the pages table if it doesn't exist. Idempotent.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pages (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		content BLOB NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pages_updated ON pages(updated_at);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Read returns the current snapshot of op.Target.
func (s *SQLiteStore) Read(ctx context.Context, op Op) (Result, error) {
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer s.pool.Release(lease)

	conn := lease.Conn().(*sqlConn).conn

	query := `
	SELECT id, title, content, revision, updated_at
	FROM pages
	WHERE id = ?
	`

	var res Result
	var updatedAt string
	err = conn.QueryRowContext(ctx, query, op.Target).Scan(
		&res.Target,
		&res.Title,
		&res.Content,
		&res.Revision,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, op.Target)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to read page %s: %w", op.Target, err)
	}

	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		res.UpdatedAt = t
	}
	return res, nil
}

// Write upserts the full snapshot carried by op.
//
// Re-sending an identical snapshot is a no-op for revision and updated_at,
// so duplicate flushes leave the page in the same observable state.
func (s *SQLiteStore) Write(ctx context.Context, op Op) error {
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(lease)

	conn := lease.Conn().(*sqlConn).conn

	query := `
	INSERT INTO pages (id, title, content, revision, updated_at)
	VALUES (?, ?, ?, 1, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		content = excluded.content,
		revision = CASE
			WHEN pages.content = excluded.content THEN pages.revision
			ELSE pages.revision + 1
		END,
		updated_at = CASE
			WHEN pages.content = excluded.content THEN pages.updated_at
			ELSE excluded.updated_at
		END
	`

	_, err = conn.ExecContext(ctx, query,
		op.Target,
		op.Title,
		op.Payload,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to write page %s: %w", op.Target, err)
	}
	return nil
}

// List returns summaries of all stored pages, ordered by ID.
func (s *SQLiteStore) List(ctx context.Context) ([]PageInfo, error) {
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(lease)

	conn := lease.Conn().(*sqlConn).conn

	rows, err := conn.QueryContext(ctx, `
	SELECT id, title, revision, updated_at
	FROM pages
	ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var pages []PageInfo
	for rows.Next() {
		var info PageInfo
		var updatedAt string
		if err := rows.Scan(&info.ID, &info.Title, &info.Revision, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			info.UpdatedAt = t
		}
		pages = append(pages, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pages: %w", err)
	}
	return pages, nil
}

// Close releases the pool and closes the database.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}

	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Printf("Warning: error closing pool: %v", err)
		}
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.db = nil
	return nil
}
