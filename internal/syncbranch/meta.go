package syncbranch

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// MetaFile sits at the root of the distribution branch and versions its
// layout. Readers refuse data written by a newer schema instead of
// guessing at it.
const MetaFile = "meta.yaml"

// SchemaVersion is the branch layout version this build writes.
const SchemaVersion = 1

// Meta is the parsed meta.yaml.
type Meta struct {
	SchemaVersion int `yaml:"schema_version"`
}

// ErrSchemaTooNew is returned when the branch was written by a newer
// schema than this build understands.
var ErrSchemaTooNew = fmt.Errorf("branch schema version newer than supported %d", SchemaVersion)

func encodeMeta(m Meta) ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", MetaFile, err)
	}
	return data, nil
}

func decodeMeta(data []byte) (Meta, error) {
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("failed to parse %s: %w", MetaFile, err)
	}
	return m, nil
}

func checkMeta(data []byte) error {
	m, err := decodeMeta(data)
	if err != nil {
		return err
	}
	if m.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: found %d", ErrSchemaTooNew, m.SchemaVersion)
	}
	return nil
}
