package entity

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Work item statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusClosed     = "closed"
	StatusTombstone  = "tombstone"
)

// Work item field names beyond the base fields.
const (
	ItemFieldTitle        = "title"
	ItemFieldDescription  = "description"
	ItemFieldNotes        = "notes"
	ItemFieldStatus       = "status"
	ItemFieldPriority     = "priority"
	ItemFieldLabels       = "labels"
	ItemFieldDependencies = "dependencies"
	ItemFieldParent       = "parent"
	ItemFieldChildren     = "children"
	ItemFieldClosedAt     = "closed_at"
	ItemFieldDeletedAt    = "deleted_at"
)

var itemStatuses = map[string]bool{
	StatusOpen:       true,
	StatusInProgress: true,
	StatusBlocked:    true,
	StatusClosed:     true,
	StatusTombstone:  true,
}

func init() {
	Register(&Collection{
		Type: "it",
		Dir:  "items",
		Rules: map[string]FieldRule{
			ItemFieldTitle:        {Strategy: StrategyLWWAttic},
			ItemFieldDescription:  {Strategy: StrategyLWWAttic},
			ItemFieldNotes:        {Strategy: StrategyLWWAttic},
			ItemFieldStatus:       {Strategy: StrategyLWWAttic},
			ItemFieldPriority:     {Strategy: StrategyLWWAttic},
			ItemFieldLabels:       {Strategy: StrategyUnion},
			ItemFieldDependencies: {Strategy: StrategyMergeByID, MergeKey: "target", SubKey: "dep_type"},
			ItemFieldParent:       {Strategy: StrategyLWWAttic},
			// The child sequence is an ordered list, not a set: whole-list
			// LWW keeps one writer's ordering intact instead of interleaving.
			ItemFieldChildren:  {Strategy: StrategyLWWAttic},
			ItemFieldClosedAt:  {Strategy: StrategyLWW},
			ItemFieldDeletedAt: {Strategy: StrategyLWW},
		},
		DefaultRule:   FieldRule{Strategy: StrategyLWWAttic},
		ValidateFunc:  validateItem,
		NormalizeFunc: normalizeItem,
		PostMergeFunc: itemPostMerge,
	})
}

func validateItem(f Fields) error {
	title := f.String(ItemFieldTitle)
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if len(title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(title))
	}
	if s := f.String(ItemFieldStatus); !itemStatuses[s] {
		return fmt.Errorf("invalid status: %q", s)
	}
	if p, ok := f[ItemFieldPriority]; ok {
		n := asInt64(p)
		if n < 0 || n > 4 {
			return fmt.Errorf("priority must be between 0 and 4 (got %d)", n)
		}
	}
	// Set-like and keyed fields must be arrays; a scalar here would be
	// unmergeable against a concurrent writer's list.
	if err := requireArray(f, ItemFieldLabels); err != nil {
		return err
	}
	if err := requireArray(f, ItemFieldDependencies); err != nil {
		return err
	}
	if err := requireArray(f, ItemFieldChildren); err != nil {
		return err
	}
	for _, dep := range f.Objects(ItemFieldDependencies) {
		if dep["target"] == nil || dep["target"] == "" {
			return fmt.Errorf("dependency edge missing target")
		}
	}
	return nil
}

// requireArray rejects a present field whose value is not a JSON array.
func requireArray(f Fields, name string) error {
	if v, ok := f[name]; ok {
		if _, isArr := v.([]any); !isArr {
			return fmt.Errorf("%s must be an array", name)
		}
	}
	return nil
}

// asInt64 coerces a decoded JSON number to int64, returning 0 for anything
// that is not a number.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return i
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// normalizeItem sorts labels lexicographically and dependency edges by
// target then dep_type, dropping exact duplicates, so logically identical
// content always serializes identically.
func normalizeItem(f Fields) {
	if labels := f.Strings(ItemFieldLabels); labels != nil {
		f[ItemFieldLabels] = sortedSet(labels)
	}
	deps := f.Objects(ItemFieldDependencies)
	if deps == nil {
		return
	}
	sort.SliceStable(deps, func(i, j int) bool {
		ti, _ := deps[i]["target"].(string)
		tj, _ := deps[j]["target"].(string)
		if ti != tj {
			return ti < tj
		}
		ki, _ := deps[i]["dep_type"].(string)
		kj, _ := deps[j]["dep_type"].(string)
		return ki < kj
	})
	out := make([]any, 0, len(deps))
	seen := map[string]bool{}
	for _, d := range deps {
		t, _ := d["target"].(string)
		k, _ := d["dep_type"].(string)
		key := t + "\x00" + k
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	f[ItemFieldDependencies] = out
}

// itemPostMerge enforces the status/closed_at coupling after a merge:
// closed_at is set exactly when the merged status is closed, and cleared
// on reopen. Tombstones keep whatever closed_at they carried.
func itemPostMerge(f Fields) {
	switch f.String(ItemFieldStatus) {
	case StatusClosed:
		if f[ItemFieldClosedAt] == nil {
			f[ItemFieldClosedAt] = f[FieldUpdatedAt]
		}
	case StatusTombstone:
		if f[ItemFieldDeletedAt] == nil {
			f[ItemFieldDeletedAt] = f[FieldUpdatedAt]
		}
	default:
		delete(f, ItemFieldClosedAt)
	}
}

// sortedSet sorts and deduplicates a string set.
func sortedSet(in []string) []any {
	sort.Strings(in)
	out := make([]any, 0, len(in))
	var prev string
	for i, s := range in {
		if i > 0 && s == prev {
			continue
		}
		prev = s
		out = append(out, s)
	}
	return out
}

// IsTombstone reports whether the entity has been soft-deleted.
func IsTombstone(f Fields) bool {
	return f.String(ItemFieldStatus) == StatusTombstone
}
