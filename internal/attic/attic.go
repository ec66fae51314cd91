// Package attic implements the loss-preserving archive. Every value a
// merge discards is appended here as an immutable record, and references
// found pointing at nonexistent targets are relocated to the orphan
// sub-archive instead of being deleted. Entries are only ever appended,
// and optionally pruned by age; nothing in the attic is mutated.
package attic

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loomlabs/loom/internal/entity"
	"github.com/loomlabs/loom/internal/merge"
)

// Directory layout under the data root, mirrored on the distribution
// branch so every writer sees every writer's discards.
const (
	ArchiveDir = "archive"
	atticDir   = "attic"
	orphanDir  = "orphans"
)

// Entry is one archived discard. ID is assigned at record time and is the
// reference used by Restore.
type Entry struct {
	ID       string        `json:"id"`
	MergedAt time.Time     `json:"merged_at"`
	Discard  merge.Discard `json:"discard"`

	// Restored marks entries consumed by a restore. The original entry is
	// never rewritten; restores append a marker entry instead.
	RestoredFrom string `json:"restored_from,omitempty"`
}

// Filter narrows List output. Zero values match everything.
type Filter struct {
	EntityID string
	Field    string
	Since    time.Time
}

// Store is the attic rooted at <dataRoot>/archive.
type Store struct {
	root string
}

// Open opens (creating if needed) the attic under the given data root.
func Open(dataRoot string) (*Store, error) {
	root := filepath.Join(dataRoot, ArchiveDir)
	for _, d := range []string{filepath.Join(root, atticDir), filepath.Join(root, orphanDir)} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	return &Store{root: root}, nil
}

// atticPath returns the per-entity append-only log file.
func (s *Store) atticPath(entityID string) string {
	return filepath.Join(s.root, atticDir, entityID+".jsonl")
}

// Record appends discards for one merged entity. Each discard becomes one
// immutable entry with a fresh entry ID.
func (s *Store) Record(discards []merge.Discard, mergedAt time.Time) ([]Entry, error) {
	entries := make([]Entry, 0, len(discards))
	for _, d := range discards {
		id, err := entity.NewID("at")
		if err != nil {
			return nil, fmt.Errorf("failed to generate attic entry ID: %w", err)
		}
		e := Entry{ID: id, MergedAt: mergedAt, Discard: d}
		if err := s.append(s.atticPath(d.EntityID), e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// RecordRestore appends the entry written when a restore overwrites a
// live value: the displaced value goes to the attic like any other
// discard, marked with the entry it was displaced by.
func (s *Store) RecordRestore(d merge.Discard, restoredFrom string, mergedAt time.Time) (Entry, error) {
	id, err := entity.NewID("at")
	if err != nil {
		return Entry{}, fmt.Errorf("failed to generate attic entry ID: %w", err)
	}
	e := Entry{ID: id, MergedAt: mergedAt, Discard: d, RestoredFrom: restoredFrom}
	if err := s.append(s.atticPath(d.EntityID), e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// append writes one JSON line. O_APPEND keeps the file append-only; a
// record is a single write so a crash leaves at most one truncated final
// line, which List skips.
func (s *Store) append(path string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal attic entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open attic file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append attic entry: %w", err)
	}
	return f.Sync()
}

// List returns entries matching the filter, oldest first.
func (s *Store) List(filter Filter) ([]Entry, error) {
	dir := filepath.Join(s.root, atticDir)
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read attic directory: %w", err)
	}

	var out []Entry
	for _, fi := range files {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".jsonl") {
			continue
		}
		if filter.EntityID != "" && fi.Name() != filter.EntityID+".jsonl" {
			continue
		}
		entries, err := s.readFile(filepath.Join(dir, fi.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if filter.Field != "" && e.Discard.Field != filter.Field {
				continue
			}
			if !filter.Since.IsZero() && e.MergedAt.Before(filter.Since) {
				continue
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MergedAt.Before(out[j].MergedAt) })
	return out, nil
}

// Get returns one entry by its ID.
func (s *Store) Get(entryID string) (Entry, error) {
	entries, err := s.List(Filter{})
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.ID == entryID {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("attic entry not found: %s", entryID)
}

func (s *Store) readFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open attic file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// A torn final line from a crashed append; skip it.
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Prune removes attic files whose newest entry is older than the TTL.
// Files are the pruning unit: an entity's history is dropped as a whole
// once all of it has aged out.
func (s *Store) Prune(ttl time.Duration, now time.Time) (int, error) {
	dir := filepath.Join(s.root, atticDir)
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read attic directory: %w", err)
	}

	cutoff := now.Add(-ttl)
	removed := 0
	for _, fi := range files {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(dir, fi.Name())
		entries, err := s.readFile(path)
		if err != nil {
			return removed, err
		}
		newest := time.Time{}
		for _, e := range entries {
			if e.MergedAt.After(newest) {
				newest = e.MergedAt
			}
		}
		if !newest.IsZero() && newest.Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
