package entity

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func testItem(t *testing.T) Fields {
	t.Helper()

	col, err := Lookup("it")
	if err != nil {
		t.Fatalf("Lookup(it) failed: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f, err := NewWithID(col, "it-abcdefghij", map[string]any{
		ItemFieldTitle:  "fix the flaky watcher",
		ItemFieldStatus: StatusOpen,
		ItemFieldLabels: []any{"infra", "bug"},
	}, now)
	if err != nil {
		t.Fatalf("NewWithID failed: %v", err)
	}
	return f
}

func TestMarshalDeterministic(t *testing.T) {
	f := testItem(t)

	a, err := Marshal(f)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	b, err := Marshal(f)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("two marshals of the same entity differ")
	}
}

func TestMarshalShape(t *testing.T) {
	data, err := Marshal(testItem(t))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	s := string(data)

	if !strings.HasSuffix(s, "}\n") {
		t.Errorf("output must end with a single trailing newline, got %q", s[len(s)-4:])
	}
	if strings.HasSuffix(s, "\n\n") {
		t.Error("output has more than one trailing newline")
	}
	// Keys must appear in sorted order.
	idIdx := strings.Index(s, `"id"`)
	titleIdx := strings.Index(s, `"title"`)
	typeIdx := strings.Index(s, `"type"`)
	if !(idIdx < titleIdx && titleIdx < typeIdx) {
		t.Error("keys are not sorted in canonical output")
	}
	for _, line := range strings.Split(s, "\n") {
		if line != strings.TrimRight(line, " \t") {
			t.Errorf("trailing whitespace on line %q", line)
		}
	}
}

func TestUnmarshalRoundTrip(t *testing.T) {
	f := testItem(t)
	data, err := Marshal(f)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	again, err := Marshal(back)
	if err != nil {
		t.Fatalf("re-Marshal failed: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Errorf("round-trip changed bytes:\n%s\nvs\n%s", data, again)
	}
	if back.Version() != 1 {
		t.Errorf("Version() = %d after round-trip, want 1", back.Version())
	}
}

func TestContentHashIgnoresBookkeeping(t *testing.T) {
	f := testItem(t)
	h1, err := ContentHash(f)
	if err != nil {
		t.Fatalf("ContentHash failed: %v", err)
	}

	g := f.Clone()
	g.SetVersion(42)
	g.SetUpdatedAt(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	g.SetCreatedAt(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	h2, err := ContentHash(g)
	if err != nil {
		t.Fatalf("ContentHash failed: %v", err)
	}
	if h1 != h2 {
		t.Error("hash changed when only version/timestamps changed")
	}
}

func TestContentHashSeesContent(t *testing.T) {
	f := testItem(t)
	h1, _ := ContentHash(f)

	g := f.Clone()
	g[ItemFieldTitle] = "a different title"
	h2, _ := ContentHash(g)
	if h1 == h2 {
		t.Error("hash did not change when content changed")
	}
}

func TestCloneIndependence(t *testing.T) {
	f := testItem(t)
	g := f.Clone()
	g[ItemFieldTitle] = "changed"
	if labels, ok := g[ItemFieldLabels].([]any); ok && len(labels) > 0 {
		labels[0] = "mutated"
	}

	if f.String(ItemFieldTitle) != "fix the flaky watcher" {
		t.Error("clone shares title with original")
	}
	if ls := f.Strings(ItemFieldLabels); len(ls) > 0 && ls[0] == "mutated" {
		t.Error("clone shares label slice with original")
	}
}

func TestNormalizeSortsLabelsAndDeps(t *testing.T) {
	col, _ := Lookup("it")
	f := Fields{
		FieldType:        "it",
		FieldID:          "it-0000000000",
		ItemFieldTitle:   "t",
		ItemFieldStatus:  StatusOpen,
		ItemFieldLabels:  []any{"z", "a", "a"},
		ItemFieldDependencies: []any{
			map[string]any{"target": "it-bbbbbbbbbb", "dep_type": "blocks"},
			map[string]any{"target": "it-aaaaaaaaaa", "dep_type": "blocks"},
			map[string]any{"target": "it-aaaaaaaaaa", "dep_type": "blocks"},
		},
	}
	col.Normalize(f)

	labels := f.Strings(ItemFieldLabels)
	if len(labels) != 2 || labels[0] != "a" || labels[1] != "z" {
		t.Errorf("labels not sorted/deduped: %v", labels)
	}
	deps := f.Objects(ItemFieldDependencies)
	if len(deps) != 2 {
		t.Fatalf("duplicate dependency edge not dropped: %v", deps)
	}
	if deps[0]["target"] != "it-aaaaaaaaaa" {
		t.Errorf("dependencies not sorted by target: %v", deps)
	}
}
