package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/loomlabs/loom/internal/entity"
	"github.com/loomlabs/loom/internal/store"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func makeItem(t *testing.T, id, title, status string, priority int) entity.Fields {
	t.Helper()
	col, err := entity.Lookup("it")
	if err != nil {
		t.Fatal(err)
	}
	f, err := entity.NewWithID(col, id, map[string]any{
		entity.ItemFieldTitle:    title,
		entity.ItemFieldStatus:   status,
		entity.ItemFieldPriority: priority,
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewWithID failed: %v", err)
	}
	return f
}

func TestUpsertAndList(t *testing.T) {
	c := openTestCache(t)

	if err := c.Upsert(makeItem(t, "it-aaaaaaaaaa", "low", entity.StatusOpen, 3)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := c.Upsert(makeItem(t, "it-bbbbbbbbbb", "high", entity.StatusOpen, 0)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	rows, err := c.List(Query{Type: "it"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("List = %d rows, want 2", len(rows))
	}
	// Priority 0 is the highest.
	if rows[0].ID != "it-bbbbbbbbbb" {
		t.Errorf("ordering wrong, got %s first (priority %d)", rows[0].ID, rows[0].Priority)
	}
}

func TestUpsertReplaces(t *testing.T) {
	c := openTestCache(t)

	f := makeItem(t, "it-aaaaaaaaaa", "before", entity.StatusOpen, 2)
	if err := c.Upsert(f); err != nil {
		t.Fatal(err)
	}
	f[entity.ItemFieldTitle] = "after"
	f[entity.ItemFieldStatus] = entity.StatusClosed
	if err := c.Upsert(f); err != nil {
		t.Fatal(err)
	}

	rows, err := c.List(Query{Status: entity.StatusClosed})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Title != "after" {
		t.Errorf("List after upsert = %+v", rows)
	}
}

func TestDelete(t *testing.T) {
	c := openTestCache(t)
	if err := c.Upsert(makeItem(t, "it-aaaaaaaaaa", "t", entity.StatusOpen, 2)); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete("it-aaaaaaaaaa"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	rows, err := c.List(Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("List after delete = %+v", rows)
	}
}

func TestRebuildFromStore(t *testing.T) {
	c := openTestCache(t)
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(makeItem(t, "it-aaaaaaaaaa", "real", entity.StatusOpen, 1)); err != nil {
		t.Fatal(err)
	}
	// A row with no backing file must disappear on rebuild.
	if err := c.Upsert(makeItem(t, "it-ghostghost", "ghost", entity.StatusOpen, 0)); err != nil {
		t.Fatal(err)
	}

	if err := c.Rebuild(s); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	rows, err := c.List(Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != "it-aaaaaaaaaa" {
		t.Errorf("Rebuild result = %+v", rows)
	}
}
