// Package store persists entities as one canonical JSON file per entity
// under a collection-named directory. Writes are atomic: serialize to a
// uniquely named temporary file in the same directory, flush, then rename
// over the target. A reader never observes a partial write; a crash leaves
// at most a stale temp file, which the startup sweep removes.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loomlabs/loom/internal/entity"
)

// tmpPrefix marks in-flight writes. Temp files live in the target
// directory so the final rename never crosses a filesystem boundary.
const tmpPrefix = ".tmp-"

// MaxIDAttempts bounds collision retries during Create. Ten random
// base-36 characters make even one collision unlikely; exhausting this
// budget means the random source is broken, so we fail loudly.
const MaxIDAttempts = 5

// Store is a local entity store rooted at a data directory whose layout
// mirrors the distribution branch: one directory per collection, plus the
// archive directory managed by the attic.
type Store struct {
	root string
}

// Open opens (creating if needed) a store at the given data root.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's data root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the file path for an entity ID within its collection.
func (s *Store) Path(col *entity.Collection, id string) string {
	return filepath.Join(s.root, col.Dir, id+".json")
}

// RelPath returns the entity's path relative to the data root, which is
// also its path on the distribution branch.
func (s *Store) RelPath(col *entity.Collection, id string) string {
	return filepath.Join(col.Dir, id+".json")
}

// Write persists an entity atomically, normalizing and validating it
// first. The entity's collection is resolved from its type field.
func (s *Store) Write(f entity.Fields) error {
	col, err := entity.Lookup(f.Type())
	if err != nil {
		return err
	}
	col.Normalize(f)
	if err := col.Validate(f); err != nil {
		return fmt.Errorf("invalid entity %s: %w", f.ID(), err)
	}

	data, err := entity.Marshal(f)
	if err != nil {
		return err
	}
	return s.WriteFile(s.RelPath(col, f.ID()), data)
}

// WriteFile atomically writes raw content at a path relative to the data
// root. Used by Write and by the sync engine when materializing inbound
// entities whose canonical bytes are already known.
func (s *Store) WriteFile(relPath string, data []byte) error {
	target := filepath.Join(s.root, relPath)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create collection directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+filepath.Base(target)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	// Flush to durable storage before the rename makes the file visible.
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}
	return nil
}

// Create writes a brand-new entity, detecting ID collisions by existence
// check and regenerating the ID up to MaxIDAttempts times.
func (s *Store) Create(col *entity.Collection, fields map[string]any, now time.Time) (entity.Fields, error) {
	var lastID string
	for attempt := 0; attempt < MaxIDAttempts; attempt++ {
		e, err := entity.New(col, fields, now)
		if err != nil {
			return nil, err
		}
		lastID = e.ID()
		if s.Exists(col, e.ID()) {
			continue
		}
		if err := s.Write(e); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts (last ID %s)", ErrCollision, MaxIDAttempts, lastID)
}

// Read loads an entity by ID, resolving its collection from the ID prefix.
func (s *Store) Read(id string) (entity.Fields, error) {
	col, err := entity.LookupByID(id)
	if err != nil {
		return nil, err
	}
	path := s.Path(col, id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read entity %s: %w", id, err)
	}
	f, err := entity.Unmarshal(data)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return f, nil
}

// ReadFile loads the raw canonical bytes of an entity file by relative path.
func (s *Store) ReadFile(relPath string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return nil, err
	}
	return data, nil
}

// Exists reports whether an entity file is present.
func (s *Store) Exists(col *entity.Collection, id string) bool {
	_, err := os.Stat(s.Path(col, id))
	return err == nil
}

// Delete removes an entity file. This is the physical removal behind the
// explicit hard-delete path; normal deletion is a tombstone status write.
func (s *Store) Delete(id string) error {
	col, err := entity.LookupByID(id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.Path(col, id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

// List returns the IDs of every entity in a collection, sorted.
// A missing collection directory is an empty collection, not an error.
func (s *Store) List(col *entity.Collection) ([]string, error) {
	dir := filepath.Join(s.root, col.Dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read collection directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Files returns the relative path and canonical bytes of every entity file
// across all registered collections, keyed by relative path. This is the
// local side of a sync comparison.
func (s *Store) Files() (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, col := range entity.All() {
		ids, err := s.List(col)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			rel := s.RelPath(col, id)
			data, err := s.ReadFile(rel)
			if err != nil {
				return nil, err
			}
			out[rel] = data
		}
	}
	return out, nil
}

// SweepTemp removes abandoned temp files older than maxAge. Run at
// startup; returns the number of files removed.
func (s *Store) SweepTemp(maxAge time.Duration) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, col := range entity.All() {
		dir := filepath.Join(s.root, col.Dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("failed to read collection directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), tmpPrefix) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
