// Package cache provides a process-private SQLite index over the entity
// store. The store's JSON files are the source of truth; the cache only
// accelerates list queries and is rebuilt from the files whenever it is
// missing or stale. Nothing in it is ever synced.
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/loomlabs/loom/internal/entity"
	"github.com/loomlabs/loom/internal/store"
)

// Cache wraps the SQLite connection.
type Cache struct {
	conn *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT '',
	priority    INTEGER NOT NULL DEFAULT 0,
	title       TEXT NOT NULL DEFAULT '',
	version     INTEGER NOT NULL,
	updated_at  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_entities_type_status ON entities(type, status);
CREATE INDEX IF NOT EXISTS idx_entities_priority ON entities(priority);
`

// Open opens (creating if needed) the cache database and its schema.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	c := &Cache{conn: conn, path: path}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	return c, nil
}

// Close checkpoints and closes the database.
func (c *Cache) Close() error {
	if c.conn == nil {
		return nil
	}
	_, _ = c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Upsert indexes one entity.
func (c *Cache) Upsert(f entity.Fields) error {
	_, err := c.conn.Exec(`
		INSERT INTO entities (id, type, status, priority, title, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			priority = excluded.priority,
			title = excluded.title,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		f.ID(), f.Type(), f.String(entity.ItemFieldStatus), f.Int64(entity.ItemFieldPriority),
		f.String(entity.ItemFieldTitle), f.Version(), entity.FormatTime(f.UpdatedAt()))
	if err != nil {
		return fmt.Errorf("failed to upsert cache row for %s: %w", f.ID(), err)
	}
	return nil
}

// Delete drops one entity from the index.
func (c *Cache) Delete(id string) error {
	if _, err := c.conn.Exec("DELETE FROM entities WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete cache row for %s: %w", id, err)
	}
	return nil
}

// Row is one indexed entity summary.
type Row struct {
	ID        string
	Type      string
	Status    string
	Priority  int64
	Title     string
	Version   int64
	UpdatedAt string
}

// Query filters List output. Zero values match everything.
type Query struct {
	Type   string
	Status string
}

// List returns indexed summaries matching the query, highest priority
// first (priority 0 is highest), then most recently updated.
func (c *Cache) List(q Query) ([]Row, error) {
	sqlq := "SELECT id, type, status, priority, title, version, updated_at FROM entities WHERE 1=1"
	var args []any
	if q.Type != "" {
		sqlq += " AND type = ?"
		args = append(args, q.Type)
	}
	if q.Status != "" {
		sqlq += " AND status = ?"
		args = append(args, q.Status)
	}
	sqlq += " ORDER BY priority ASC, updated_at DESC, id"

	rows, err := c.conn.Query(sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Type, &r.Status, &r.Priority, &r.Title, &r.Version, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rebuild drops the index and repopulates it from the store files. Run
// at startup and whenever staleness is suspected; the cache never needs
// a migration because this is always cheap and always correct.
func (c *Cache) Rebuild(s *store.Store) error {
	tx, err := c.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM entities"); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	files, err := s.Files()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO entities (id, type, status, priority, title, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for path, data := range files {
		f, err := entity.Unmarshal(data)
		if err != nil {
			// Source of truth stays authoritative; a bad file is simply
			// not indexed.
			continue
		}
		if _, err := stmt.Exec(f.ID(), f.Type(), f.String(entity.ItemFieldStatus),
			f.Int64(entity.ItemFieldPriority), f.String(entity.ItemFieldTitle),
			f.Version(), entity.FormatTime(f.UpdatedAt())); err != nil {
			return fmt.Errorf("failed to index %s: %w", path, err)
		}
	}
	return tx.Commit()
}
