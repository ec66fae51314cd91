package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/loomlabs/loom/internal/entity"
)

// State is per-clone local state. It is never committed and never synced;
// sharing it between clones would alias node identities.
type State struct {
	// NodeID identifies this clone in sync commit messages.
	NodeID string `toml:"node_id"`

	// LastSyncCommit is the distribution-branch commit of the last
	// successful sync.
	LastSyncCommit string `toml:"last_sync_commit,omitempty"`

	// LastSyncAt is when the last successful sync finished.
	LastSyncAt time.Time `toml:"last_sync_at,omitempty"`
}

func statePath(repoRoot string) string {
	return filepath.Join(repoRoot, LoomDir, "state.toml")
}

// LoadState reads local state, generating and persisting a node ID on
// first use.
func LoadState(repoRoot string) (*State, error) {
	var st State
	path := statePath(repoRoot)
	if _, err := toml.DecodeFile(path, &st); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if st.NodeID == "" {
		id, err := entity.NewID("nd")
		if err != nil {
			return nil, fmt.Errorf("failed to generate node ID: %w", err)
		}
		st.NodeID = id
		if err := SaveState(repoRoot, &st); err != nil {
			return nil, err
		}
	}
	return &st, nil
}

// SaveState persists local state.
func SaveState(repoRoot string, st *State) error {
	dir := filepath.Join(repoRoot, LoomDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	f, err := os.Create(statePath(repoRoot))
	if err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(st); err != nil {
		return fmt.Errorf("failed to encode state file: %w", err)
	}
	return nil
}
