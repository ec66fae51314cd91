package core

import (
	"fmt"
	"path/filepath"

	"github.com/loomlabs/loom/internal/attic"
	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/gitx"
	"github.com/loomlabs/loom/internal/store"
)

// InitWorkspace sets up a repository for loom: the .loom directory with
// a default config and node identity, the data directories, and the
// archive. The distribution branch itself is created by the first sync.
// Idempotent; an already-initialized repository is left untouched.
func InitWorkspace(repoRoot string) error {
	if _, err := gitx.Open(repoRoot); err != nil {
		return fmt.Errorf("loom requires a git repository: %w", err)
	}
	if err := config.WriteDefault(repoRoot); err != nil {
		return err
	}
	cfg, err := config.Load(repoRoot)
	if err != nil {
		return err
	}
	if _, err := config.LoadState(repoRoot); err != nil {
		return err
	}
	es, err := store.Open(filepath.Join(repoRoot, cfg.DataDir))
	if err != nil {
		return err
	}
	if _, err := attic.Open(es.Root()); err != nil {
		return err
	}
	return nil
}
