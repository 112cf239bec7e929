// Package resolver holds the optimistic-versioning conflict logic: detecting
// that a remote record moved past a local snapshot, and reconciling the two
// into one result. It is pure, with no I/O and no hidden state, and is the
// single place merge semantics live.
package resolver

import (
	"fmt"
	"sort"

	"github.com/kinsync/kinsync/internal/core/models"
)

// Strategy selects how two divergent snapshots are reconciled. Merge is only
// ever applied on explicit instruction; nothing auto-resolves.
type Strategy string

const (
	// StrategyLocal keeps every local field and stamps the version past the
	// observed remote state.
	StrategyLocal Strategy = "local"
	// StrategyRemote discards local changes entirely.
	StrategyRemote Strategy = "remote"
	// StrategyMerge unions relationship sets, keeps the fresher copy of each
	// life event, and lets remote scalar values win ties.
	StrategyMerge Strategy = "merge"
)

// DetectConflict reports whether the remote record has moved past the local
// snapshot. The version gap is the only conflict signal: field differences
// without a version gap are plain last-writer updates, and a remote at or
// behind the local version is not a conflict.
func DetectConflict(local, remote *models.Entity) bool {
	if local == nil || remote == nil {
		return false
	}
	return remote.Metadata.Version > local.Metadata.Version
}

// Resolve reconciles local and remote according to the strategy. The returned
// entity is always a fresh copy; inputs are never mutated.
func Resolve(local, remote *models.Entity, strategy Strategy) (*models.Entity, error) {
	switch strategy {
	case StrategyLocal:
		out := local.Clone()
		out.Metadata.Version = remote.Metadata.Version + 1
		return out, nil

	case StrategyRemote:
		return remote.Clone(), nil

	case StrategyMerge:
		return merge(local, remote), nil

	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// merge builds the deterministic reconciliation: relationship sets become the
// order-independent union of both sides, life events union by id with the
// later LastModified winning, and scalar fields come from remote with
// local-only keys preserved. The result is stamped one version past remote.
func merge(local, remote *models.Entity) *models.Entity {
	out := remote.Clone()

	out.Parents = unionIDs(local.Parents, remote.Parents)
	out.Children = unionIDs(local.Children, remote.Children)
	out.Spouses = unionIDs(local.Spouses, remote.Spouses)
	out.LifeEvents = unionLifeEvents(local.LifeEvents, remote.LifeEvents)

	for k, v := range local.Fields {
		if _, ok := out.Fields[k]; !ok {
			if out.Fields == nil {
				out.Fields = make(map[string]interface{})
			}
			out.Fields[k] = v
		}
	}

	out.Metadata.Version = remote.Metadata.Version + 1
	if local.Metadata.LastModified.After(remote.Metadata.LastModified) {
		out.Metadata.LastModified = local.Metadata.LastModified
		out.Metadata.LastModifiedBy = local.Metadata.LastModifiedBy
	}
	return out
}

// unionIDs merges two id sets, deduplicated and sorted so the union is
// commutative and idempotent.
func unionIDs(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// unionLifeEvents merges the keyed event collections. When both sides carry
// the same event id, the copy with the later LastModified wins; remote wins
// exact timestamp ties. Output is sorted by event id for determinism.
func unionLifeEvents(local, remote []models.LifeEvent) []models.LifeEvent {
	if len(local) == 0 && len(remote) == 0 {
		return nil
	}
	byID := make(map[string]models.LifeEvent, len(local)+len(remote))
	for _, ev := range remote {
		byID[ev.ID] = ev
	}
	for _, ev := range local {
		existing, ok := byID[ev.ID]
		if !ok || ev.LastModified.After(existing.LastModified) {
			byID[ev.ID] = ev
		}
	}
	out := make([]models.LifeEvent, 0, len(byID))
	for _, ev := range byID {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
