package attic

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loomlabs/loom/internal/entity"
)

// Orphan is a reference (or a whole entity, on the hard-delete path) whose
// target could not be resolved. Orphans are relocated here by the
// integrity sweep rather than deleted, preserving recoverability.
type Orphan struct {
	ID string `json:"id"`

	// EntityID is the referencing entity that carried the broken edge,
	// or the removed entity itself when Entity is set.
	EntityID string `json:"entity_id"`

	// Field is the field the broken reference was found in
	// ("dependencies", "parent", ...). Empty for full-entity orphans.
	Field string `json:"field,omitempty"`

	// Target is the ID the reference pointed at.
	Target string `json:"target,omitempty"`

	// Value is the relocated reference value (e.g. the dependency edge
	// object), or the full entity on the hard-delete path.
	Value any `json:"value"`

	Reason      string    `json:"reason"`
	RelocatedAt time.Time `json:"relocated_at"`
}

// RecordOrphan persists one orphan record as its own file.
func (s *Store) RecordOrphan(o Orphan) (Orphan, error) {
	if o.ID == "" {
		id, err := newOrphanID()
		if err != nil {
			return Orphan{}, err
		}
		o.ID = id
	}
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return Orphan{}, fmt.Errorf("failed to marshal orphan record: %w", err)
	}
	path := filepath.Join(s.root, orphanDir, o.ID+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0640); err != nil {
		return Orphan{}, fmt.Errorf("failed to write orphan record: %w", err)
	}
	return o, nil
}

// ListOrphans returns every orphan record, oldest first.
func (s *Store) ListOrphans() ([]Orphan, error) {
	dir := filepath.Join(s.root, orphanDir)
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read orphan directory: %w", err)
	}

	var out []Orphan
	for _, fi := range files {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, fi.Name()))
		if err != nil {
			return nil, err
		}
		var o Orphan
		if err := json.Unmarshal(data, &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelocatedAt.Before(out[j].RelocatedAt) })
	return out, nil
}

// newOrphanID generates an orphan record ID with the same scheme as
// entity IDs, under the "or" prefix.
func newOrphanID() (string, error) {
	id, err := entity.NewID("or")
	if err != nil {
		return "", fmt.Errorf("failed to generate orphan ID: %w", err)
	}
	return id, nil
}
