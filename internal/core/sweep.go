package core

import (
	"time"

	"github.com/loomlabs/loom/internal/attic"
	"github.com/loomlabs/loom/internal/entity"
)

// SweepReport summarizes an integrity sweep.
type SweepReport struct {
	// Scanned is how many entities were examined.
	Scanned int
	// Relocated is how many broken references were moved to the orphan
	// archive.
	Relocated int
	// Repaired is how many entities were rewritten with broken edges
	// stripped.
	Repaired int
}

// Sweep walks every work item and agent record and relocates references
// to nonexistent items into the orphan archive, then rewrites the entity
// without them. References survive a sweep in the archive, never
// silently: a dangling edge usually means its target is still on its way
// in from another replica, and restoring it later must stay possible.
func (c *Core) Sweep() (*SweepReport, error) {
	report := &SweepReport{}

	col, err := entity.Lookup("it")
	if err != nil {
		return nil, err
	}
	ids, err := c.store.List(col)
	if err != nil {
		return nil, err
	}
	exists := make(map[string]bool, len(ids))
	for _, id := range ids {
		exists[id] = true
	}

	now := c.now()
	for _, id := range ids {
		f, err := c.store.Read(id)
		if err != nil {
			// A corrupt entity is the parse-error isolation case; skip it.
			c.logger.Printf("sweep: skipping unreadable entity %s: %v", id, err)
			continue
		}
		report.Scanned++

		changed := false

		if parent := f.String(entity.ItemFieldParent); parent != "" && !exists[parent] {
			if err := c.relocate(f.ID(), entity.ItemFieldParent, parent, parent, now); err != nil {
				return report, err
			}
			delete(f, entity.ItemFieldParent)
			report.Relocated++
			changed = true
		}

		if children := f.Strings(entity.ItemFieldChildren); children != nil {
			kept := make([]any, 0, len(children))
			for _, ch := range children {
				if exists[ch] {
					kept = append(kept, ch)
					continue
				}
				if err := c.relocate(f.ID(), entity.ItemFieldChildren, ch, ch, now); err != nil {
					return report, err
				}
				report.Relocated++
				changed = true
			}
			if changed {
				f[entity.ItemFieldChildren] = kept
			}
		}

		if deps := f.Objects(entity.ItemFieldDependencies); deps != nil {
			kept := make([]any, 0, len(deps))
			depsChanged := false
			for _, dep := range deps {
				target, _ := dep["target"].(string)
				if exists[target] {
					kept = append(kept, dep)
					continue
				}
				if err := c.relocate(f.ID(), entity.ItemFieldDependencies, target, dep, now); err != nil {
					return report, err
				}
				report.Relocated++
				depsChanged = true
			}
			if depsChanged {
				f[entity.ItemFieldDependencies] = kept
				changed = true
			}
		}

		if changed {
			if err := c.writeRepaired(f, now); err != nil {
				return report, err
			}
			report.Repaired++
		}
	}

	if err := c.sweepAgents(exists, now, report); err != nil {
		return report, err
	}
	return report, nil
}

// sweepAgents relocates agent working-set references to items that no
// longer exist.
func (c *Core) sweepAgents(exists map[string]bool, now time.Time, report *SweepReport) error {
	col, err := entity.Lookup("ag")
	if err != nil {
		return err
	}
	ids, err := c.store.List(col)
	if err != nil {
		return err
	}
	for _, id := range ids {
		f, err := c.store.Read(id)
		if err != nil {
			c.logger.Printf("sweep: skipping unreadable entity %s: %v", id, err)
			continue
		}
		report.Scanned++

		ws := f.Strings(entity.AgentFieldWorkingSet)
		if ws == nil {
			continue
		}
		kept := make([]any, 0, len(ws))
		changed := false
		for _, ref := range ws {
			if exists[ref] {
				kept = append(kept, ref)
				continue
			}
			if err := c.relocate(f.ID(), entity.AgentFieldWorkingSet, ref, ref, now); err != nil {
				return err
			}
			report.Relocated++
			changed = true
		}
		if changed {
			f[entity.AgentFieldWorkingSet] = kept
			if err := c.writeRepaired(f, now); err != nil {
				return err
			}
			report.Repaired++
		}
	}
	return nil
}

func (c *Core) writeRepaired(f entity.Fields, now time.Time) error {
	f.SetVersion(f.Version() + 1)
	f.SetUpdatedAt(now)
	if err := c.store.Write(f); err != nil {
		return err
	}
	if c.cache != nil {
		return c.cache.Upsert(f)
	}
	return nil
}

func (c *Core) relocate(entityID, field, target string, value any, now time.Time) error {
	_, err := c.attic.RecordOrphan(attic.Orphan{
		EntityID:    entityID,
		Field:       field,
		Target:      target,
		Value:       value,
		Reason:      "reference target not found",
		RelocatedAt: now,
	})
	return err
}

// HardDelete physically removes an entity. The full entity and every
// edge in other items that pointed at it are relocated to the orphan
// archive first, so even a hard delete leaves a recoverable trail.
func (c *Core) HardDelete(id string) error {
	f, err := c.store.Read(id)
	if err != nil {
		return err
	}
	now := c.now()

	if _, err := c.attic.RecordOrphan(attic.Orphan{
		EntityID:    id,
		Value:       map[string]any(f),
		Reason:      "hard delete",
		RelocatedAt: now,
	}); err != nil {
		return err
	}

	// Strip edges in other items that reference the deleted entity.
	col, err := entity.Lookup("it")
	if err != nil {
		return err
	}
	ids, err := c.store.List(col)
	if err != nil {
		return err
	}
	for _, other := range ids {
		if other == id {
			continue
		}
		g, err := c.store.Read(other)
		if err != nil {
			continue
		}
		changed := false
		if g.String(entity.ItemFieldParent) == id {
			if err := c.relocate(other, entity.ItemFieldParent, id, id, now); err != nil {
				return err
			}
			delete(g, entity.ItemFieldParent)
			changed = true
		}
		if children := g.Strings(entity.ItemFieldChildren); children != nil {
			kept := make([]any, 0, len(children))
			for _, ch := range children {
				if ch != id {
					kept = append(kept, ch)
					continue
				}
				if err := c.relocate(other, entity.ItemFieldChildren, id, id, now); err != nil {
					return err
				}
				changed = true
			}
			if changed {
				g[entity.ItemFieldChildren] = kept
			}
		}
		if deps := g.Objects(entity.ItemFieldDependencies); deps != nil {
			kept := make([]any, 0, len(deps))
			depsChanged := false
			for _, dep := range deps {
				target, _ := dep["target"].(string)
				if target != id {
					kept = append(kept, dep)
					continue
				}
				if err := c.relocate(other, entity.ItemFieldDependencies, id, dep, now); err != nil {
					return err
				}
				depsChanged = true
			}
			if depsChanged {
				g[entity.ItemFieldDependencies] = kept
				changed = true
			}
		}
		if changed {
			g.SetVersion(g.Version() + 1)
			g.SetUpdatedAt(now)
			if err := c.store.Write(g); err != nil {
				return err
			}
			if c.cache != nil {
				if err := c.cache.Upsert(g); err != nil {
					return err
				}
			}
		}
	}

	if err := c.store.Delete(id); err != nil {
		return err
	}
	if c.cache != nil {
		return c.cache.Delete(id)
	}
	return nil
}
