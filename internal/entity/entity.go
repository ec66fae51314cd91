// Package entity defines the versioned entity model shared by every loom
// collection: the base fields every record carries, canonical serialization
// and content hashing, ID generation, and the collection registry that maps
// a two-letter type discriminator to its field merge rules.
package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Base field names present on every entity regardless of collection.
const (
	FieldType       = "type"
	FieldID         = "id"
	FieldVersion    = "version"
	FieldCreatedAt  = "created_at"
	FieldUpdatedAt  = "updated_at"
	FieldExtensions = "extensions"
)

// Fields is the decoded canonical form of an entity: a JSON object with
// json.Number for numeric values. All store, merge, and sync code operates
// on this form so that new collections need no core code changes.
type Fields map[string]any

// Type returns the two-letter collection discriminator, or "" if unset.
func (f Fields) Type() string {
	s, _ := f[FieldType].(string)
	return s
}

// ID returns the entity ID, or "" if unset.
func (f Fields) ID() string {
	s, _ := f[FieldID].(string)
	return s
}

// Version returns the entity version. Missing or malformed versions
// are reported as 0.
func (f Fields) Version() int64 {
	return asInt64(f[FieldVersion])
}

// SetVersion sets the entity version.
func (f Fields) SetVersion(v int64) {
	f[FieldVersion] = json.Number(fmt.Sprintf("%d", v))
}

// UpdatedAt returns the entity's updated_at timestamp, or the zero time
// if missing or malformed.
func (f Fields) UpdatedAt() time.Time {
	return f.timeField(FieldUpdatedAt)
}

// CreatedAt returns the entity's created_at timestamp, or the zero time
// if missing or malformed.
func (f Fields) CreatedAt() time.Time {
	return f.timeField(FieldCreatedAt)
}

func (f Fields) timeField(name string) time.Time {
	s, ok := f[name].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SetUpdatedAt stamps updated_at with the given time in canonical form.
func (f Fields) SetUpdatedAt(t time.Time) {
	f[FieldUpdatedAt] = FormatTime(t)
}

// SetCreatedAt stamps created_at with the given time in canonical form.
func (f Fields) SetCreatedAt(t time.Time) {
	f[FieldCreatedAt] = FormatTime(t)
}

// FormatTime renders a timestamp in the single encoding used everywhere
// in entity files. UTC keeps the encoding independent of the writer's zone.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Clone returns a deep copy of the entity. The copy shares no mutable
// state with the original.
func (f Fields) Clone() Fields {
	return cloneValue(f).(Fields)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Fields:
		out := make(Fields, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		// Strings, json.Number, bool, nil are immutable.
		return v
	}
}

// Strings extracts a []string field, tolerating the []any form produced
// by JSON decoding. Non-string elements are skipped.
func (f Fields) Strings(name string) []string {
	raw, ok := f[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Int64 extracts a numeric field, or 0 if missing or malformed.
func (f Fields) Int64(name string) int64 {
	return asInt64(f[name])
}

// String extracts a string field, or "" if missing.
func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return s
}

// Objects extracts an array-of-object field such as the dependency list.
func (f Fields) Objects(name string) []map[string]any {
	raw, ok := f[name].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// New assembles a fresh entity of the given collection with a generated ID,
// version 1, and creation timestamps. The caller-supplied fields are copied
// on top of the base fields; base fields in the input are ignored.
func New(col *Collection, fields map[string]any, now time.Time) (Fields, error) {
	id, err := NewID(col.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entity ID: %w", err)
	}
	return NewWithID(col, id, fields, now)
}

// NewWithID assembles a fresh entity with a caller-chosen ID. Used by the
// store's collision-retry path and by tests that need stable IDs.
func NewWithID(col *Collection, id string, fields map[string]any, now time.Time) (Fields, error) {
	e := Fields{}
	for k, v := range fields {
		switch k {
		case FieldType, FieldID, FieldVersion, FieldCreatedAt, FieldUpdatedAt:
			continue
		}
		e[k] = cloneValue(v)
	}
	e[FieldType] = col.Type
	e[FieldID] = id
	e.SetVersion(1)
	e.SetCreatedAt(now)
	e.SetUpdatedAt(now)

	col.Normalize(e)
	if err := col.Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}
