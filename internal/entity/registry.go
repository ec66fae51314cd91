package entity

import (
	"fmt"
	"sort"
	"sync"
)

// Strategy names a field merge rule. The merge engine interprets these;
// collections only declare them.
type Strategy string

const (
	// StrategyImmutable requires bit-identical values on both sides.
	// Divergence is a fatal integrity violation, not a mergeable conflict.
	StrategyImmutable Strategy = "immutable"

	// StrategyLWW keeps the value from the side with the later updated_at,
	// with a deterministic tie-break.
	StrategyLWW Strategy = "lww"

	// StrategyLWWAttic resolves like lww but records the losing value to
	// the attic whenever the two sides differ.
	StrategyLWWAttic Strategy = "lww_with_attic"

	// StrategyUnion combines set-like fields by union. Additive only:
	// concurrent removals do not propagate, and a removed-then-synced
	// element can reappear. Accepted for label-like fields.
	StrategyUnion Strategy = "union"

	// StrategyMergeByID merges array-of-object fields by a declared
	// per-item key. Items present on either side survive; same-key
	// collisions keep one deterministic side.
	StrategyMergeByID Strategy = "merge_by_id"

	// StrategyMaxPlusOne is the version rule: max(local, remote) + 1.
	StrategyMaxPlusOne Strategy = "max_plus_one"

	// StrategyRecalculate stamps the field at merge time on the output.
	StrategyRecalculate Strategy = "recalculate"
)

// FieldRule declares how one field of a collection merges.
type FieldRule struct {
	Strategy Strategy

	// MergeKey is the per-item key for merge_by_id fields, e.g. "target"
	// for dependency edges or "path" for reservations.
	MergeKey string

	// SubKey optionally qualifies MergeKey so items sharing a key value
	// stay distinct, e.g. "dep_type" lets two differently typed edges to
	// the same target coexist. Empty means MergeKey alone identifies items.
	SubKey string
}

// Collection describes one entity collection: its discriminator, its
// directory on the distribution branch, and its field rule table. Adding a
// collection is adding a registry entry plus a directory; the merge engine
// and the store never change.
type Collection struct {
	// Type is the two-letter discriminator stored in every entity's
	// "type" field and used as the ID prefix.
	Type string

	// Dir is the collection directory name on the distribution branch
	// and under the local data root (e.g. "items").
	Dir string

	// Prefix is the ID prefix; it always equals Type.
	Prefix string

	// Rules maps field names to merge rules. Fields not listed fall back
	// to DefaultRule.
	Rules map[string]FieldRule

	// DefaultRule applies to fields with no declared rule. Collections
	// default to lww_with_attic so unknown fields are never silently lost.
	DefaultRule FieldRule

	// ValidateFunc checks collection-specific invariants. Optional.
	ValidateFunc func(Fields) error

	// NormalizeFunc sorts set-like and keyed array fields into their
	// defined semantic order before serialization. Optional.
	NormalizeFunc func(Fields)

	// PostMergeFunc enforces cross-field invariants on a merge result,
	// such as closed_at being set exactly when status is closed. Optional.
	PostMergeFunc func(Fields)
}

// Rule returns the merge rule for a field, falling back to the base rules
// shared by all collections and then to the collection default.
func (c *Collection) Rule(field string) FieldRule {
	if r, ok := baseRules[field]; ok {
		return r
	}
	if r, ok := c.Rules[field]; ok {
		return r
	}
	if c.DefaultRule.Strategy != "" {
		return c.DefaultRule
	}
	return FieldRule{Strategy: StrategyLWWAttic}
}

// Validate runs base and collection validation.
func (c *Collection) Validate(f Fields) error {
	if f.Type() != c.Type {
		return fmt.Errorf("entity type %q does not match collection %q", f.Type(), c.Type)
	}
	prefix, _, err := SplitID(f.ID())
	if err != nil {
		return err
	}
	if prefix != c.Prefix {
		return fmt.Errorf("entity ID prefix %q does not match collection prefix %q", prefix, c.Prefix)
	}
	if f.Version() < 0 {
		return fmt.Errorf("entity version must be non-negative (got %d)", f.Version())
	}
	if v, ok := f[FieldExtensions]; ok {
		if _, isMap := v.(map[string]any); !isMap {
			return fmt.Errorf("extensions must be an object")
		}
	}
	if c.ValidateFunc != nil {
		return c.ValidateFunc(f)
	}
	return nil
}

// Normalize applies the collection's semantic ordering, if any.
func (c *Collection) Normalize(f Fields) {
	if c.NormalizeFunc != nil {
		c.NormalizeFunc(f)
	}
}

// PostMerge applies the collection's post-merge invariant pass, if any.
func (c *Collection) PostMerge(f Fields) {
	if c.PostMergeFunc != nil {
		c.PostMergeFunc(f)
	}
}

// baseRules are the rules shared by every collection. They cannot be
// overridden: the base fields have one meaning everywhere.
var baseRules = map[string]FieldRule{
	FieldType:      {Strategy: StrategyImmutable},
	FieldID:        {Strategy: StrategyImmutable},
	FieldVersion:   {Strategy: StrategyMaxPlusOne},
	FieldCreatedAt: {Strategy: StrategyLWW},
	FieldUpdatedAt: {Strategy: StrategyRecalculate},
}

// registry maps type discriminators to collections.
var (
	registry      = make(map[string]*Collection)
	registryMutex sync.RWMutex
)

// Register registers a collection. Called from init() in the files that
// define each collection.
func Register(c *Collection) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if c == nil {
		panic("entity: Register called with nil collection")
	}
	if len(c.Type) != 2 {
		panic(fmt.Sprintf("entity: collection type must be two characters, got %q", c.Type))
	}
	if c.Prefix == "" {
		c.Prefix = c.Type
	}
	if _, exists := registry[c.Type]; exists {
		panic(fmt.Sprintf("entity: Register called twice for type %s", c.Type))
	}
	registry[c.Type] = c
}

// Lookup returns the collection for a type discriminator.
func Lookup(typ string) (*Collection, error) {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	c, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("unknown collection type: %q", typ)
	}
	return c, nil
}

// LookupByID resolves a collection from an entity ID's prefix.
func LookupByID(id string) (*Collection, error) {
	prefix, _, err := SplitID(id)
	if err != nil {
		return nil, err
	}
	return Lookup(prefix)
}

// LookupByDir resolves a collection from its branch directory name.
func LookupByDir(dir string) (*Collection, error) {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	for _, c := range registry {
		if c.Dir == dir {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no collection uses directory %q", dir)
}

// All returns every registered collection sorted by type, for sweeps and
// full-store iteration.
func All() []*Collection {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	out := make([]*Collection, 0, len(registry))
	for _, c := range registry {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
