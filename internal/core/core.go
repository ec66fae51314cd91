// Package core wires the store, merge engine, attic, cache, and sync
// branch manager into the operations the CLI and daemon expose. It is
// the only package that knows how the pieces fit together.
package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/loomlabs/loom/internal/attic"
	"github.com/loomlabs/loom/internal/cache"
	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/entity"
	"github.com/loomlabs/loom/internal/gitx"
	"github.com/loomlabs/loom/internal/merge"
	"github.com/loomlabs/loom/internal/store"
	"github.com/loomlabs/loom/internal/syncbranch"
)

// TempFileMaxAge is how stale an in-flight temp file must be before the
// startup sweep removes it. Generous so a concurrent slow writer is
// never clobbered.
const TempFileMaxAge = time.Hour

// Core is an open loom workspace.
type Core struct {
	repoRoot string
	cfg      *config.Config
	state    *config.State
	store    *store.Store
	attic    *attic.Store
	cache    *cache.Cache
	logger   *log.Logger

	now func() time.Time
}

// Open opens the workspace rooted at repoRoot. logger may be nil.
func Open(repoRoot string, logger *log.Logger) (*Core, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[loom] ", log.LstdFlags)
	}
	cfg, err := config.Load(repoRoot)
	if err != nil {
		return nil, err
	}
	st, err := config.LoadState(repoRoot)
	if err != nil {
		return nil, err
	}
	es, err := store.Open(filepath.Join(repoRoot, cfg.DataDir))
	if err != nil {
		return nil, err
	}
	if n, err := es.SweepTemp(TempFileMaxAge); err != nil {
		return nil, err
	} else if n > 0 {
		logger.Printf("removed %d stale temp file(s)", n)
	}
	at, err := attic.Open(es.Root())
	if err != nil {
		return nil, err
	}
	return &Core{
		repoRoot: repoRoot,
		cfg:      cfg,
		state:    st,
		store:    es,
		attic:    at,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the cache connection if one was opened.
func (c *Core) Close() error {
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}

// Config returns the resolved configuration.
func (c *Core) Config() *config.Config {
	return c.cfg
}

// Store returns the underlying entity store.
func (c *Core) Store() *store.Store {
	return c.store
}

// EnableCache opens the process-private query cache and rebuilds it from
// the store.
func (c *Core) EnableCache() error {
	if c.cache != nil {
		return nil
	}
	db, err := cache.Open(filepath.Join(c.repoRoot, config.LoomDir, "cache.db"))
	if err != nil {
		return err
	}
	if err := db.Rebuild(c.store); err != nil {
		_ = db.Close()
		return err
	}
	c.cache = db
	return nil
}

// Cache returns the query cache, or nil if EnableCache was not called.
func (c *Core) Cache() *cache.Cache {
	return c.cache
}

// RefreshCache re-indexes a single entity, or drops it if it no longer
// exists. No-op without an open cache.
func (c *Core) RefreshCache(id string) error {
	if c.cache == nil {
		return nil
	}
	f, err := c.store.Read(id)
	if err != nil {
		if isNotFound(err) {
			return c.cache.Delete(id)
		}
		return err
	}
	return c.cache.Upsert(f)
}

// Create makes a new entity of the named collection type.
func (c *Core) Create(typ string, fields map[string]any) (entity.Fields, error) {
	col, err := entity.Lookup(typ)
	if err != nil {
		return nil, err
	}
	f, err := c.store.Create(col, fields, c.now())
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if err := c.cache.Upsert(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Get loads an entity by ID.
func (c *Core) Get(id string) (entity.Fields, error) {
	return c.store.Read(id)
}

// Update applies a field patch to an entity: set each given field, or
// delete it when the patch value is nil. Base identity fields cannot be
// patched. The version is bumped and updated_at restamped.
func (c *Core) Update(id string, patch map[string]any) (entity.Fields, error) {
	f, err := c.store.Read(id)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		switch k {
		case entity.FieldType, entity.FieldID, entity.FieldVersion,
			entity.FieldCreatedAt, entity.FieldUpdatedAt:
			return nil, fmt.Errorf("field %q cannot be updated directly", k)
		}
		if v == nil {
			delete(f, k)
			continue
		}
		f[k] = v
	}
	f.SetVersion(f.Version() + 1)
	f.SetUpdatedAt(c.now())

	if err := c.store.Write(f); err != nil {
		return nil, err
	}
	if c.cache != nil {
		if err := c.cache.Upsert(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Delete soft-deletes an entity by writing a tombstone. The file stays
// on the branch so the deletion propagates to every replica.
func (c *Core) Delete(id string) (entity.Fields, error) {
	return c.Update(id, map[string]any{
		entity.ItemFieldStatus:    entity.StatusTombstone,
		entity.ItemFieldDeletedAt: entity.FormatTime(c.now()),
	})
}

// List returns the IDs in a collection.
func (c *Core) List(typ string) ([]string, error) {
	col, err := entity.Lookup(typ)
	if err != nil {
		return nil, err
	}
	return c.store.List(col)
}

// Sync runs one full sync cycle against the distribution branch and
// records the resulting commit in local state.
func (c *Core) Sync(ctx context.Context) (*syncbranch.Report, error) {
	repo, err := gitx.Open(c.repoRoot)
	if err != nil {
		return nil, err
	}
	mgr := syncbranch.New(repo, c.store, c.attic, c.cfg, c.state.NodeID, c.logger)
	report, err := mgr.Sync(ctx)
	if err != nil {
		return report, err
	}

	c.state.LastSyncCommit = report.Commit
	c.state.LastSyncAt = c.now()
	if err := config.SaveState(c.repoRoot, c.state); err != nil {
		return report, err
	}
	if c.cache != nil && (report.Inbound > 0 || report.Merged > 0) {
		if err := c.cache.Rebuild(c.store); err != nil {
			return report, err
		}
	}
	return report, nil
}

// ListAttic returns archived discards matching the filter.
func (c *Core) ListAttic(filter attic.Filter) ([]attic.Entry, error) {
	return c.attic.List(filter)
}

// Restore brings an archived value back onto its entity as a fresh
// edit. The value it displaces is archived in turn, so a restore is
// itself loss-preserving and can be undone the same way.
func (c *Core) Restore(entryID string) (entity.Fields, error) {
	e, err := c.attic.Get(entryID)
	if err != nil {
		return nil, err
	}
	f, err := c.store.Read(e.Discard.EntityID)
	if err != nil {
		return nil, fmt.Errorf("cannot restore onto %s: %w", e.Discard.EntityID, err)
	}

	now := c.now()
	displaced := merge.Discard{
		EntityID: f.ID(),
		Field:    e.Discard.Field,
		Value:    f[e.Discard.Field],
		Reason:   "displaced by restore",
	}
	if _, err := c.attic.RecordRestore(displaced, e.ID, now); err != nil {
		return nil, err
	}

	if e.Discard.Value == nil {
		delete(f, e.Discard.Field)
	} else {
		f[e.Discard.Field] = e.Discard.Value
	}
	f.SetVersion(f.Version() + 1)
	f.SetUpdatedAt(now)

	if err := c.store.Write(f); err != nil {
		return nil, err
	}
	if c.cache != nil {
		if err := c.cache.Upsert(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// PruneAttic removes attic history older than the configured TTL.
// Returns 0 when pruning is disabled.
func (c *Core) PruneAttic() (int, error) {
	if c.cfg.AtticTTL <= 0 {
		return 0, nil
	}
	return c.attic.Prune(c.cfg.AtticTTL, c.now())
}

func isNotFound(err error) bool {
	return err != nil && (os.IsNotExist(err) || errors.Is(err, store.ErrNotFound))
}
