package merge

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/loomlabs/loom/internal/entity"
)

// Source tags identify which side of a merge a value came from.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Discard records a value the merge resolved away. Every lossy resolution
// path produces exactly one Discard, which the caller persists to the attic:
// nothing is ever dropped silently.
type Discard struct {
	EntityID        string    `json:"entity_id"`
	Field           string    `json:"field"`
	Value           any       `json:"value"`
	LosingSource    string    `json:"losing_source"`
	WinningSource   string    `json:"winning_source"`
	LocalVersion    int64     `json:"local_version"`
	RemoteVersion   int64     `json:"remote_version"`
	LocalUpdatedAt  time.Time `json:"local_updated_at"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
	Reason          string    `json:"reason"`
}

// IntegrityError reports divergence in an immutable field. It is fatal for
// the affected merge and is never auto-resolved; the operator has two
// copies claiming to be the same entity with different identities.
type IntegrityError struct {
	EntityID string
	Field    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on entity %s: immutable field %q diverged", e.EntityID, e.Field)
}

// Merge reconciles two divergent copies of an entity into one, applying
// the field rules declared by the entity's collection. The result is
// symmetric: Merge(a, b, now) and Merge(b, a, now) produce field-for-field
// identical output, so every replica converges on the same bytes no matter
// which side ran the merge or in what order updates were observed.
//
// The returned discards list carries every value that lost an
// lww_with_attic resolution.
func Merge(local, remote entity.Fields, now time.Time) (entity.Fields, []Discard, error) {
	if local.ID() != remote.ID() {
		return nil, nil, &IntegrityError{EntityID: local.ID(), Field: entity.FieldID}
	}
	if local.Type() != remote.Type() {
		return nil, nil, &IntegrityError{EntityID: local.ID(), Field: entity.FieldType}
	}
	col, err := entity.Lookup(local.Type())
	if err != nil {
		return nil, nil, err
	}

	m := &merger{
		col:    col,
		local:  local,
		remote: remote,
		now:    now,
	}
	merged, err := m.run()
	if err != nil {
		return nil, nil, err
	}
	return merged, m.discards, nil
}

type merger struct {
	col      *entity.Collection
	local    entity.Fields
	remote   entity.Fields
	now      time.Time
	discards []Discard
}

func (m *merger) run() (entity.Fields, error) {
	out := entity.Fields{}

	for _, field := range m.fieldUnion() {
		lv, lok := m.local[field]
		rv, rok := m.remote[field]

		if field == entity.FieldExtensions {
			if (lok && !isObject(lv)) || (rok && !isObject(rv)) {
				m.resolveLWW(out, field, lv, lok, rv, rok, true)
				continue
			}
			if ext := m.mergeExtensions(lv, rv); ext != nil {
				out[field] = ext
			}
			continue
		}

		rule := m.col.Rule(field)
		switch rule.Strategy {
		case entity.StrategyImmutable:
			if !valuesEqual(lv, rv) {
				return nil, &IntegrityError{EntityID: m.local.ID(), Field: field}
			}
			if lok {
				out[field] = lv
			}

		case entity.StrategyMaxPlusOne:
			out.SetVersion(maxInt64(m.local.Version(), m.remote.Version()) + 1)

		case entity.StrategyRecalculate:
			out.SetUpdatedAt(m.now)

		case entity.StrategyUnion:
			// A side that is not an array cannot be unioned; fall back to
			// loss-preserving LWW so the malformed writer's value still
			// lands in the attic instead of vanishing.
			if (lok && !isArray(lv)) || (rok && !isArray(rv)) {
				m.resolveLWW(out, field, lv, lok, rv, rok, true)
				continue
			}
			if union := unionSets(lv, rv); union != nil {
				out[field] = union
			}

		case entity.StrategyMergeByID:
			if (lok && !isArray(lv)) || (rok && !isArray(rv)) {
				m.resolveLWW(out, field, lv, lok, rv, rok, true)
				continue
			}
			if items := m.mergeByKey(rule, lv, rv); items != nil {
				out[field] = items
			}

		case entity.StrategyLWWAttic:
			m.resolveLWW(out, field, lv, lok, rv, rok, true)

		case entity.StrategyLWW:
			m.resolveLWW(out, field, lv, lok, rv, rok, false)

		default:
			// Unknown strategies fall back to loss-preserving LWW rather
			// than failing the whole merge.
			m.resolveLWW(out, field, lv, lok, rv, rok, true)
		}
	}

	m.col.PostMerge(out)
	m.col.Normalize(out)
	return out, nil
}

// fieldUnion returns the sorted union of both sides' field names, always
// including the base fields so version and updated_at are recalculated
// even if a malformed side dropped them.
func (m *merger) fieldUnion() []string {
	set := map[string]bool{
		entity.FieldVersion:   true,
		entity.FieldUpdatedAt: true,
	}
	for k := range m.local {
		set[k] = true
	}
	for k := range m.remote {
		set[k] = true
	}
	fields := make([]string, 0, len(set))
	for k := range set {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// resolveLWW picks the winning side for one field. The side with the later
// updated_at wins; on a timestamp tie the winner is chosen by comparing
// the canonical encodings of the competing values, which is symmetric in
// the two inputs, so every replica picks the identical winner without any
// clock synchronization guarantee. When attic is set and the values
// actually differ, the losing value is recorded.
func (m *merger) resolveLWW(out entity.Fields, field string, lv any, lok bool, rv any, rok bool, attic bool) {
	if valuesEqual(lv, rv) {
		if lok {
			out[field] = lv
		}
		return
	}

	localWins, reason := m.localWins(lv, rv)

	winVal, winOK := lv, lok
	loseVal := rv
	winSrc, loseSrc := SourceLocal, SourceRemote
	if !localWins {
		winVal, winOK = rv, rok
		loseVal = lv
		winSrc, loseSrc = SourceRemote, SourceLocal
	}

	if winOK {
		out[field] = winVal
	}
	if attic {
		m.discards = append(m.discards, Discard{
			EntityID:        m.local.ID(),
			Field:           field,
			Value:           loseVal,
			LosingSource:    loseSrc,
			WinningSource:   winSrc,
			LocalVersion:    m.local.Version(),
			RemoteVersion:   m.remote.Version(),
			LocalUpdatedAt:  m.local.UpdatedAt(),
			RemoteUpdatedAt: m.remote.UpdatedAt(),
			Reason:          reason,
		})
	}
}

// localWins decides LWW precedence between the two sides.
func (m *merger) localWins(lv, rv any) (bool, string) {
	lt, rt := m.local.UpdatedAt(), m.remote.UpdatedAt()
	switch {
	case lt.After(rt):
		return true, "remote updated_at older"
	case rt.After(lt):
		return false, "local updated_at older"
	default:
		// Equal timestamps: break the tie on the values themselves.
		return canonicalValue(lv) > canonicalValue(rv), "timestamp tie, canonical-order tie-break"
	}
}

// mergeExtensions merges the open pass-through map key-by-key: unrelated
// third-party namespaces never clobber each other, and colliding keys
// resolve by the same LWW precedence as scalar fields.
func (m *merger) mergeExtensions(lv, rv any) map[string]any {
	lm, _ := lv.(map[string]any)
	rm, _ := rv.(map[string]any)
	if lm == nil && rm == nil {
		return nil
	}

	out := make(map[string]any)
	for k, v := range lm {
		out[k] = v
	}
	for k, v := range rm {
		existing, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		if valuesEqual(existing, v) {
			continue
		}
		if localWins, _ := m.localWins(existing, v); !localWins {
			out[k] = v
		}
	}
	return out
}

// mergeByKey merges array-of-object fields by the declared per-item key.
// Items present on either side survive. Same-key collisions keep the side
// chosen by LWW precedence, tie-broken on the items' canonical encodings.
// Output is sorted by key so the result is canonical.
func (m *merger) mergeByKey(rule entity.FieldRule, lv, rv any) []any {
	lItems := objectsByKey(lv, rule.MergeKey, rule.SubKey)
	rItems := objectsByKey(rv, rule.MergeKey, rule.SubKey)
	if lItems == nil && rItems == nil {
		return nil
	}

	merged := make(map[string]map[string]any)
	for k, item := range lItems {
		merged[k] = item
	}
	for k, item := range rItems {
		existing, ok := merged[k]
		if !ok {
			merged[k] = item
			continue
		}
		if valuesEqual(existing, item) {
			continue
		}
		if localWins, _ := m.localWins(existing, item); !localWins {
			merged[k] = item
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, merged[k])
	}
	return out
}

func objectsByKey(v any, key, subKey string) map[string]map[string]any {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make(map[string]map[string]any, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		k, _ := obj[key].(string)
		if subKey != "" {
			if sub, ok := obj[subKey].(string); ok {
				k = k + "\x00" + sub
			}
		}
		out[k] = obj
	}
	return out
}

// unionSets combines two set-like string fields: union, deduplicated,
// sorted. Additive only by design; see the collection rule docs.
func unionSets(lv, rv any) []any {
	set := map[string]bool{}
	add := func(v any) {
		items, _ := v.([]any)
		for _, item := range items {
			if s, ok := item.(string); ok {
				set[s] = true
			}
		}
	}
	add(lv)
	add(rv)
	if len(set) == 0 {
		if lv == nil && rv == nil {
			return nil
		}
		return []any{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	anyOut := make([]any, len(out))
	for i, s := range out {
		anyOut[i] = s
	}
	return anyOut
}

// UnionThreeWay is the ancestor-aware variant of the union strategy: an
// element present in the base but missing from one side was removed there,
// and the removal propagates unless the other side re-added it
// concurrently. Optional upgrade path; the baseline two-way union stays
// additive-only.
func UnionThreeWay(base, local, remote []string) []string {
	inBase := map[string]bool{}
	for _, s := range base {
		inBase[s] = true
	}
	inLocal := map[string]bool{}
	for _, s := range local {
		inLocal[s] = true
	}
	inRemote := map[string]bool{}
	for _, s := range remote {
		inRemote[s] = true
	}

	set := map[string]bool{}
	for s := range inLocal {
		if inRemote[s] || !inBase[s] {
			set[s] = true // kept by both, or added locally
		}
	}
	for s := range inRemote {
		if inLocal[s] || !inBase[s] {
			set[s] = true
		}
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// valuesEqual compares two decoded JSON values structurally via their
// canonical encodings.
func valuesEqual(a, b any) bool {
	return canonicalValue(a) == canonicalValue(b)
}

// canonicalValue renders any decoded JSON value deterministically.
// encoding/json sorts map keys, so equal structures encode equally.
func canonicalValue(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("!unencodable:%v", v)
	}
	return string(data)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
