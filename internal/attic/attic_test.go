package attic

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomlabs/loom/internal/merge"
)

func openTestAttic(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func discard(entityID, field string, value any) merge.Discard {
	return merge.Discard{
		EntityID:      entityID,
		Field:         field,
		Value:         value,
		LosingSource:  merge.SourceLocal,
		WinningSource: merge.SourceRemote,
		Reason:        "remote updated_at older",
	}
}

func TestRecordAndList(t *testing.T) {
	s := openTestAttic(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries, err := s.Record([]merge.Discard{
		discard("it-aaaaaaaaaa", "title", "old title"),
		discard("it-aaaaaaaaaa", "notes", "old notes"),
		discard("it-bbbbbbbbbb", "title", "other"),
	}, at)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Record returned %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.ID == "" {
			t.Error("entry has empty ID")
		}
	}

	all, err := s.List(Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List = %d entries, want 3", len(all))
	}

	byEntity, err := s.List(Filter{EntityID: "it-aaaaaaaaaa"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(byEntity) != 2 {
		t.Errorf("List by entity = %d entries, want 2", len(byEntity))
	}

	byField, err := s.List(Filter{EntityID: "it-aaaaaaaaaa", Field: "notes"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(byField) != 1 || byField[0].Discard.Value != "old notes" {
		t.Errorf("List by field = %v", byField)
	}
}

func TestGet(t *testing.T) {
	s := openTestAttic(t)
	entries, err := s.Record([]merge.Discard{discard("it-aaaaaaaaaa", "title", "v")}, time.Now().UTC())
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := s.Get(entries[0].ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Discard.Field != "title" {
		t.Errorf("Get returned wrong entry: %+v", got)
	}
	if _, err := s.Get("at-0000000000"); err == nil {
		t.Error("Get of missing entry succeeded")
	}
}

func TestAppendOnly(t *testing.T) {
	s := openTestAttic(t)
	at := time.Now().UTC()

	if _, err := s.Record([]merge.Discard{discard("it-aaaaaaaaaa", "title", "one")}, at); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(s.atticPath("it-aaaaaaaaaa"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Record([]merge.Discard{discard("it-aaaaaaaaaa", "title", "two")}, at); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(s.atticPath("it-aaaaaaaaaa"))
	if err != nil {
		t.Fatal(err)
	}
	if len(second) <= len(first) || string(second[:len(first)]) != string(first) {
		t.Error("second record did not append; existing entries were rewritten")
	}
}

func TestTornLineTolerated(t *testing.T) {
	s := openTestAttic(t)
	if _, err := s.Record([]merge.Discard{discard("it-aaaaaaaaaa", "title", "kept")}, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-append.
	f, err := os.OpenFile(s.atticPath("it-aaaaaaaaaa"), os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"id":"at-torn`)
	f.Close()

	entries, err := s.List(Filter{})
	if err != nil {
		t.Fatalf("List failed on torn file: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("List = %d entries, want the 1 intact entry", len(entries))
	}
}

func TestRecordRestoreMarksOrigin(t *testing.T) {
	s := openTestAttic(t)
	e, err := s.RecordRestore(discard("it-aaaaaaaaaa", "title", "displaced"), "at-1111111111", time.Now().UTC())
	if err != nil {
		t.Fatalf("RecordRestore failed: %v", err)
	}
	got, err := s.Get(e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RestoredFrom != "at-1111111111" {
		t.Errorf("RestoredFrom = %q", got.RestoredFrom)
	}
}

func TestPrune(t *testing.T) {
	s := openTestAttic(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.Record([]merge.Discard{discard("it-aaaaaaaaaa", "title", "old")}, now.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Record([]merge.Discard{discard("it-bbbbbbbbbb", "title", "new")}, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Prune(24*time.Hour, now)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune removed %d files, want 1", removed)
	}
	entries, err := s.List(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Discard.EntityID != "it-bbbbbbbbbb" {
		t.Errorf("wrong entries survived pruning: %v", entries)
	}
}

func TestOrphans(t *testing.T) {
	s := openTestAttic(t)
	now := time.Now().UTC()

	o, err := s.RecordOrphan(Orphan{
		EntityID:    "it-aaaaaaaaaa",
		Field:       "dependencies",
		Target:      "it-gonegonego",
		Value:       map[string]any{"target": "it-gonegonego", "dep_type": "blocks"},
		Reason:      "reference target not found",
		RelocatedAt: now,
	})
	if err != nil {
		t.Fatalf("RecordOrphan failed: %v", err)
	}
	if o.ID == "" {
		t.Fatal("orphan has empty ID")
	}
	if _, err := os.Stat(filepath.Join(s.root, orphanDir, o.ID+".json")); err != nil {
		t.Errorf("orphan file missing: %v", err)
	}

	list, err := s.ListOrphans()
	if err != nil {
		t.Fatalf("ListOrphans failed: %v", err)
	}
	if len(list) != 1 || list[0].Target != "it-gonegonego" {
		t.Errorf("ListOrphans = %v", list)
	}
}
