package entity

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Marshal renders an entity in canonical form: JSON with object keys sorted
// recursively, two-space indentation, no trailing whitespace, and a single
// trailing newline. Logically identical content always produces identical
// bytes, which is what makes content hashes comparable across writers.
//
// Array ordering is a collection concern: Collection.Normalize sorts set-like
// and keyed-object fields before an entity reaches Marshal.
func Marshal(f Fields) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(f)); err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}
	// Encoder already terminates with exactly one newline.
	return buf.Bytes(), nil
}

// Unmarshal decodes canonical (or any) JSON entity content into Fields.
// Numbers are preserved as json.Number so re-encoding never changes their
// textual form.
func Unmarshal(data []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse entity: %w", err)
	}
	return Fields(m), nil
}

// ContentHash computes the SHA-256 digest of the entity's canonical form
// with version, created_at, and updated_at stripped. Those fields are
// bookkeeping, not content: two copies conflict only when their substantive
// fields diverge, never because one side was edited more times or stamped
// at a different moment.
func ContentHash(f Fields) (string, error) {
	stripped := f.Clone()
	delete(stripped, FieldVersion)
	delete(stripped, FieldCreatedAt)
	delete(stripped, FieldUpdatedAt)

	data, err := Marshal(stripped)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}
