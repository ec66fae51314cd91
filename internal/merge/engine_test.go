package merge

import (
	"errors"
	"testing"
	"time"

	"github.com/loomlabs/loom/internal/entity"
)

var (
	t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	t2 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// makeItem builds a version-1 work item and applies edits as two divergent
// copies would see them.
func makeItem(t *testing.T, id string) entity.Fields {
	t.Helper()
	col, err := entity.Lookup("it")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	f, err := entity.NewWithID(col, id, map[string]any{
		entity.ItemFieldTitle:  "original title",
		entity.ItemFieldStatus: entity.StatusOpen,
		entity.ItemFieldLabels: []any{"backend"},
	}, t0)
	if err != nil {
		t.Fatalf("NewWithID failed: %v", err)
	}
	return f
}

func edit(f entity.Fields, at time.Time, changes map[string]any) entity.Fields {
	g := f.Clone()
	for k, v := range changes {
		g[k] = v
	}
	g.SetVersion(g.Version() + 1)
	g.SetUpdatedAt(at)
	return g
}

func TestNeedsMerge(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")

	needs, err := NeedsMerge(base, base.Clone())
	if err != nil {
		t.Fatalf("NeedsMerge failed: %v", err)
	}
	if needs {
		t.Error("identical copies reported as needing merge")
	}

	// Version-only divergence must not trigger a merge.
	bumped := base.Clone()
	bumped.SetVersion(7)
	bumped.SetUpdatedAt(t2)
	needs, err = NeedsMerge(base, bumped)
	if err != nil {
		t.Fatalf("NeedsMerge failed: %v", err)
	}
	if needs {
		t.Error("bookkeeping-only divergence reported as needing merge")
	}

	changed := edit(base, t1, map[string]any{entity.ItemFieldTitle: "new"})
	needs, err = NeedsMerge(base, changed)
	if err != nil {
		t.Fatalf("NeedsMerge failed: %v", err)
	}
	if !needs {
		t.Error("content divergence not detected")
	}
}

func TestMergeSymmetric(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")
	local := edit(base, t1, map[string]any{entity.ItemFieldTitle: "local title"})
	remote := edit(base, t2, map[string]any{
		entity.ItemFieldStatus: entity.StatusInProgress,
		entity.ItemFieldLabels: []any{"backend", "urgent"},
	})

	ab, _, err := Merge(local, remote, t2)
	if err != nil {
		t.Fatalf("Merge(local, remote) failed: %v", err)
	}
	ba, _, err := Merge(remote, local, t2)
	if err != nil {
		t.Fatalf("Merge(remote, local) failed: %v", err)
	}

	abBytes, _ := entity.Marshal(ab)
	baBytes, _ := entity.Marshal(ba)
	if string(abBytes) != string(baBytes) {
		t.Errorf("merge is not symmetric:\n%s\nvs\n%s", abBytes, baBytes)
	}
}

func TestMergeKeepsBothEdits(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")
	local := edit(base, t1, map[string]any{entity.ItemFieldTitle: "local title"})
	remote := edit(base, t2, map[string]any{entity.ItemFieldStatus: entity.StatusInProgress})

	merged, discards, err := Merge(local, remote, t2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	// The whole-entity updated_at drives LWW, so remote (t2) wins both
	// contested fields and the losing title edit is recorded.
	if merged.String(entity.ItemFieldStatus) != entity.StatusInProgress {
		t.Errorf("status = %q, want in_progress", merged.String(entity.ItemFieldStatus))
	}
	if merged.String(entity.ItemFieldTitle) != "original title" {
		t.Errorf("title = %q, want remote's copy", merged.String(entity.ItemFieldTitle))
	}
	found := false
	for _, d := range discards {
		if d.Field == entity.ItemFieldTitle && d.Value == "local title" {
			found = true
			if d.LosingSource != SourceLocal {
				t.Errorf("losing source = %q, want local", d.LosingSource)
			}
		}
	}
	if !found {
		t.Error("losing title edit was not recorded for the attic")
	}
}

func TestMergeVersionIsMaxPlusOne(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")
	local := edit(base, t1, map[string]any{entity.ItemFieldTitle: "a"})
	local = edit(local, t1, map[string]any{entity.ItemFieldTitle: "b"}) // version 3
	remote := edit(base, t2, map[string]any{entity.ItemFieldNotes: "n"}) // version 2

	merged, _, err := Merge(local, remote, t2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if merged.Version() != 4 {
		t.Errorf("version = %d, want max(3,2)+1 = 4", merged.Version())
	}
}

func TestMergeIdempotent(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")
	local := edit(base, t1, map[string]any{entity.ItemFieldTitle: "x"})
	remote := edit(base, t2, map[string]any{entity.ItemFieldTitle: "y"})

	merged, _, err := Merge(local, remote, t2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	needs, err := NeedsMerge(merged, merged.Clone())
	if err != nil {
		t.Fatalf("NeedsMerge failed: %v", err)
	}
	if needs {
		t.Error("merge result conflicts with itself")
	}
}

func TestMergeLabelUnion(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")
	local := edit(base, t1, map[string]any{entity.ItemFieldLabels: []any{"backend", "infra"}})
	remote := edit(base, t2, map[string]any{entity.ItemFieldLabels: []any{"backend", "urgent"}})

	merged, discards, err := Merge(local, remote, t2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	labels := merged.Strings(entity.ItemFieldLabels)
	want := []string{"backend", "infra", "urgent"}
	if len(labels) != len(want) {
		t.Fatalf("labels = %v, want %v", labels, want)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("labels = %v, want %v", labels, want)
		}
	}
	for _, d := range discards {
		if d.Field == entity.ItemFieldLabels {
			t.Error("union merge produced a discard; it is lossless")
		}
	}
}

func TestMergeDependenciesByTarget(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")
	local := edit(base, t1, map[string]any{entity.ItemFieldDependencies: []any{
		map[string]any{"target": "it-bbbbbbbbbb", "dep_type": "blocks"},
	}})
	remote := edit(base, t2, map[string]any{entity.ItemFieldDependencies: []any{
		map[string]any{"target": "it-cccccccccc", "dep_type": "blocks"},
	}})

	merged, _, err := Merge(local, remote, t2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	deps := merged.Objects(entity.ItemFieldDependencies)
	if len(deps) != 2 {
		t.Fatalf("deps = %v, want both edges", deps)
	}
	if deps[0]["target"] != "it-bbbbbbbbbb" || deps[1]["target"] != "it-cccccccccc" {
		t.Errorf("deps not sorted by target: %v", deps)
	}
}

func TestMergeEqualTimestampsDeterministic(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")
	local := edit(base, t1, map[string]any{entity.ItemFieldTitle: "alpha"})
	remote := edit(base, t1, map[string]any{entity.ItemFieldTitle: "beta"})

	ab, _, err := Merge(local, remote, t2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	ba, _, err := Merge(remote, local, t2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if ab.String(entity.ItemFieldTitle) != ba.String(entity.ItemFieldTitle) {
		t.Errorf("tie-break is order-dependent: %q vs %q",
			ab.String(entity.ItemFieldTitle), ba.String(entity.ItemFieldTitle))
	}
	// "beta" > "alpha" canonically, so beta must win on both replicas.
	if ab.String(entity.ItemFieldTitle) != "beta" {
		t.Errorf("tie-break winner = %q, want beta", ab.String(entity.ItemFieldTitle))
	}
}

func TestMergeImmutableDivergenceFatal(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")
	other := makeItem(t, "it-zzzzzzzzzz")

	_, _, err := Merge(base, other, t2)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("Merge of different IDs returned %v, want IntegrityError", err)
	}
	if ie.Field != entity.FieldID {
		t.Errorf("violating field = %q, want id", ie.Field)
	}
}

func TestMergeClosedAtCoupling(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")
	local := edit(base, t2, map[string]any{entity.ItemFieldStatus: entity.StatusClosed})
	remote := edit(base, t1, map[string]any{entity.ItemFieldNotes: "progress note"})

	merged, _, err := Merge(local, remote, t2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if merged.String(entity.ItemFieldStatus) != entity.StatusClosed {
		t.Fatalf("status = %q, want closed", merged.String(entity.ItemFieldStatus))
	}
	if merged[entity.ItemFieldClosedAt] == nil {
		t.Error("closed item lost its closed_at after merge")
	}

	// Reopen on one side: closed_at must be cleared.
	reopened := edit(merged, t2.Add(time.Hour), map[string]any{entity.ItemFieldStatus: entity.StatusOpen})
	m2, _, err := Merge(reopened, merged, t2.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if m2[entity.ItemFieldClosedAt] != nil {
		t.Error("reopened item kept closed_at")
	}
}

func TestMergeExtensionsPerKey(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")
	local := edit(base, t1, map[string]any{entity.FieldExtensions: map[string]any{
		"toolA": map[string]any{"score": "5"},
	}})
	remote := edit(base, t2, map[string]any{entity.FieldExtensions: map[string]any{
		"toolB": map[string]any{"owner": "ci"},
	}})

	merged, _, err := Merge(local, remote, t2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	ext, ok := merged[entity.FieldExtensions].(map[string]any)
	if !ok {
		t.Fatal("extensions missing from merge result")
	}
	if ext["toolA"] == nil || ext["toolB"] == nil {
		t.Errorf("unrelated extension namespaces clobbered: %v", ext)
	}
}

func TestUnionThreeWayPropagatesRemovals(t *testing.T) {
	base := []string{"a", "b", "c"}
	local := []string{"a", "c"}        // removed b
	remote := []string{"a", "b", "d"}  // added d

	got := UnionThreeWay(base, local, remote)
	want := []string{"a", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("UnionThreeWay = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("UnionThreeWay = %v, want %v", got, want)
		}
	}
}

func makeAgent(t *testing.T, id string) entity.Fields {
	t.Helper()
	col, err := entity.Lookup("ag")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	f, err := entity.NewWithID(col, id, map[string]any{
		entity.AgentFieldStatus: entity.AgentIdle,
	}, t0)
	if err != nil {
		t.Fatalf("NewWithID failed: %v", err)
	}
	return f
}

func TestMergeUnionMalformedSideArchived(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")
	// Older or foreign writers may have persisted a scalar where the set
	// belongs; the engine must not drop it without a trace.
	local := edit(base, t1, nil)
	local[entity.ItemFieldLabels] = "urgent"
	remote := edit(base, t2, map[string]any{
		entity.ItemFieldLabels: []any{"backend"},
	})

	merged, discards, err := Merge(local, remote, t2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	labels := merged.Strings(entity.ItemFieldLabels)
	if len(labels) != 1 || labels[0] != "backend" {
		t.Errorf("labels = %v, want remote's array", labels)
	}

	found := false
	for _, d := range discards {
		if d.Field == entity.ItemFieldLabels && d.Value == "urgent" {
			found = true
		}
	}
	if !found {
		t.Errorf("malformed labels value dropped without a discard: %+v", discards)
	}

	// Same resolution regardless of which side is malformed.
	reversed, rdiscards, err := Merge(remote, local, t2)
	if err != nil {
		t.Fatalf("Merge(remote, local) failed: %v", err)
	}
	if got := reversed.Strings(entity.ItemFieldLabels); len(got) != 1 || got[0] != "backend" {
		t.Errorf("reversed labels = %v", got)
	}
	if len(rdiscards) != len(discards) {
		t.Errorf("discard count differs by order: %d vs %d", len(rdiscards), len(discards))
	}
}

func TestMergeReservationsKeyedByPathAlone(t *testing.T) {
	base := makeAgent(t, "ag-aaaaaaaaaa")
	// Reservations are identified by path; other keys on the objects,
	// whatever their names, never split a collision into two entries.
	local := edit(base, t1, map[string]any{
		entity.AgentFieldReservations: []any{
			map[string]any{"path": "src/api", "mode": "write", "dep_type": "x"},
		},
	})
	remote := edit(base, t2, map[string]any{
		entity.AgentFieldReservations: []any{
			map[string]any{"path": "src/api", "mode": "read", "dep_type": "y"},
			map[string]any{"path": "src/web", "mode": "read"},
		},
	})

	merged, _, err := Merge(local, remote, t2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	res := merged.Objects(entity.AgentFieldReservations)
	if len(res) != 2 {
		t.Fatalf("reservations = %v, want one entry per path", res)
	}
	if res[0]["path"] != "src/api" || res[0]["mode"] != "read" {
		t.Errorf("colliding reservation = %v, want remote's copy", res[0])
	}
	if res[1]["path"] != "src/web" {
		t.Errorf("reservations = %v", res)
	}
}

func TestMergeByIDMalformedSideArchived(t *testing.T) {
	base := makeItem(t, "it-aaaaaaaaaa")
	local := edit(base, t1, nil)
	local[entity.ItemFieldDependencies] = "it-bbbbbbbbbb"
	remote := edit(base, t2, map[string]any{
		entity.ItemFieldDependencies: []any{
			map[string]any{"target": "it-cccccccccc", "dep_type": "blocks"},
		},
	})

	merged, discards, err := Merge(local, remote, t2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	deps := merged.Objects(entity.ItemFieldDependencies)
	if len(deps) != 1 || deps[0]["target"] != "it-cccccccccc" {
		t.Errorf("dependencies = %v, want remote's array", deps)
	}
	found := false
	for _, d := range discards {
		if d.Field == entity.ItemFieldDependencies && d.Value == "it-bbbbbbbbbb" {
			found = true
		}
	}
	if !found {
		t.Errorf("malformed dependencies value dropped without a discard: %+v", discards)
	}
}
