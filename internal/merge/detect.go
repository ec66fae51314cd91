// Package merge implements conflict detection and the field-level merge
// engine. Detection is content-hash based and completely decoupled from
// version numbers: two independent single edits can both move an entity
// from version 3 to version 4, so version comparison says nothing about
// causal order. The canonical-form hash is the single source of truth for
// "is there a conflict".
package merge

import "github.com/loomlabs/loom/internal/entity"

// NeedsMerge reports whether two copies of an entity diverge. Copies with
// equal content hashes never need a merge, regardless of their versions.
//
// A nil side means the entity exists only on the other side: present only
// locally is a pending outbound creation, present only remotely a pending
// inbound creation. Neither needs a merge; the sync engine copies them
// wholesale. Both nil is a no-op.
func NeedsMerge(local, remote entity.Fields) (bool, error) {
	if local == nil || remote == nil {
		return false, nil
	}
	lh, err := entity.ContentHash(local)
	if err != nil {
		return false, err
	}
	rh, err := entity.ContentHash(remote)
	if err != nil {
		return false, err
	}
	return lh != rh, nil
}
