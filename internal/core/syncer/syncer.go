// Package syncer drains the durable mutation queue against the external
// persistence API. Entries for one document replay strictly in enqueue order;
// chains for different documents drain concurrently. Version conflicts are
// surfaced to the caller as an explicit (local, remote) pair; the driver
// never picks a resolution strategy on its own.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kinsync/kinsync/internal/core/models"
	"github.com/kinsync/kinsync/internal/core/queue"
	"github.com/kinsync/kinsync/internal/core/resolver"
	"github.com/kinsync/kinsync/internal/observability/log"
)

// ErrVersionConflict is returned by PersistenceAPI.Update when the expected
// version no longer matches the stored record.
var ErrVersionConflict = errors.New("version conflict")

// ErrConflictNotFound is returned when resolving an unknown conflict.
var ErrConflictNotFound = errors.New("no recorded conflict for entry")

// PersistenceAPI is the narrow contract of the external CRUD backend. The
// driver depends on nothing else of it.
type PersistenceAPI interface {
	Create(ctx context.Context, collection string, payload json.RawMessage) (*models.Entity, error)
	Update(ctx context.Context, collection, id string, payload json.RawMessage, expectedVersion int64) (*models.Entity, error)
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (*models.Entity, error)
}

// Conflict is a surfaced divergence awaiting a strategy choice.
type Conflict struct {
	EntryID    string
	Collection string
	Local      *models.Entity
	Remote     *models.Entity
}

// Config tunes the driver.
type Config struct {
	// AttemptTimeout bounds one submission attempt; an attempt past it is a
	// failure, never assumed success.
	AttemptTimeout time.Duration
	// MaxParallelChains caps how many per-document chains drain at once.
	MaxParallelChains int
}

// DefaultConfig returns the driver defaults.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout:    10 * time.Second,
		MaxParallelChains: 4,
	}
}

// Driver replays queued mutations.
type Driver struct {
	repo   queue.Repository
	api    PersistenceAPI
	cfg    Config
	logger log.Log

	mu        sync.Mutex
	conflicts map[string]Conflict
}

// New creates a sync driver over the given queue and backend.
func New(cfg Config, repo queue.Repository, api PersistenceAPI, logger log.Log) *Driver {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if cfg.MaxParallelChains <= 0 {
		cfg.MaxParallelChains = DefaultConfig().MaxParallelChains
	}
	return &Driver{
		repo:      repo,
		api:       api,
		cfg:       cfg,
		logger:    logger.With(log.String("component", "syncer")),
		conflicts: make(map[string]Conflict),
	}
}

// Drain replays every pending entry. Submission failures are recorded on the
// entries, not returned; the error reports queue access problems only.
func (d *Driver) Drain(ctx context.Context) error {
	pending, err := d.repo.ListByStatus(ctx, queue.StatusPending)
	if err != nil {
		return errors.Wrap(err, "failed to list pending entries")
	}
	if len(pending) == 0 {
		return nil
	}

	// group into per-document chains, preserving enqueue order within each
	chains := make(map[string][]queue.Entry)
	order := make([]string, 0)
	for _, e := range pending {
		if _, ok := chains[e.DocumentID]; !ok {
			order = append(order, e.DocumentID)
		}
		chains[e.DocumentID] = append(chains[e.DocumentID], e)
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxParallelChains)
	for _, docID := range order {
		chain := chains[docID]
		g.Go(func() error {
			d.drainChain(ctx, chain)
			return nil
		})
	}
	return g.Wait()
}

// drainChain submits one document's entries sequentially. A failed entry
// stalls the remainder of its chain so causal order is never violated.
func (d *Driver) drainChain(ctx context.Context, chain []queue.Entry) {
	for _, entry := range chain {
		if !d.submit(ctx, entry) {
			return
		}
	}
}

// submit pushes one entry to the backend. Returns true when the entry was
// confirmed and removed.
func (d *Driver) submit(ctx context.Context, entry queue.Entry) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	var err error
	switch entry.Action {
	case queue.ActionCreate:
		_, err = d.api.Create(attemptCtx, entry.TargetCollection, entry.Payload)

	case queue.ActionUpdate:
		local, perr := models.UnmarshalEntity(entry.Payload)
		if perr != nil {
			d.fail(ctx, entry, errors.Wrap(perr, "unreadable payload"))
			return false
		}
		_, err = d.api.Update(attemptCtx, entry.TargetCollection, entry.DocumentID, entry.Payload, local.Metadata.Version)
		if errors.Is(err, ErrVersionConflict) {
			d.recordConflict(ctx, entry, local)
			return false
		}

	case queue.ActionDelete:
		err = d.api.Delete(attemptCtx, entry.TargetCollection, entry.DocumentID)

	default:
		err = errors.Errorf("unknown action %q", entry.Action)
	}

	if err != nil {
		d.fail(ctx, entry, err)
		return false
	}

	if err := d.repo.Remove(ctx, entry.ID); err != nil {
		d.logger.Error("failed to remove confirmed entry",
			log.String("entry_id", entry.ID), log.Error(err))
		return false
	}
	d.logger.Debug("entry confirmed",
		log.String("entry_id", entry.ID),
		log.String("document_id", entry.DocumentID))
	return true
}

// recordConflict fetches the current remote snapshot and surfaces the pair.
// The entry stays failed, without a retry increment, until the caller picks a
// strategy.
func (d *Driver) recordConflict(ctx context.Context, entry queue.Entry, local *models.Entity) {
	remote, err := d.api.Get(ctx, entry.TargetCollection, entry.DocumentID)
	if err != nil {
		d.fail(ctx, entry, errors.Wrap(err, "failed to fetch remote snapshot"))
		return
	}
	if !resolver.DetectConflict(local, remote) {
		// the backend reported a conflict but the remote is not ahead;
		// treat as a plain failure so the caller can retry
		d.fail(ctx, entry, ErrVersionConflict)
		return
	}

	d.mu.Lock()
	d.conflicts[entry.ID] = Conflict{
		EntryID:    entry.ID,
		Collection: entry.TargetCollection,
		Local:      local,
		Remote:     remote,
	}
	d.mu.Unlock()

	d.markFailed(ctx, entry.ID, fmt.Sprintf(
		"version conflict: remote at version %d, local snapshot at %d",
		remote.Metadata.Version, local.Metadata.Version))
	d.logger.Info("version conflict surfaced",
		log.String("entry_id", entry.ID),
		log.String("document_id", entry.DocumentID),
		log.Int64("local_version", local.Metadata.Version),
		log.Int64("remote_version", remote.Metadata.Version))
}

// Conflicts returns the surfaced conflicts, ordered by entry id.
func (d *Driver) Conflicts() []Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Conflict, 0, len(d.conflicts))
	for _, c := range d.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out
}

// ResolveConflict applies the chosen strategy to a surfaced conflict and
// completes the queue entry. The merged (or kept) result is submitted with the
// remote version as the expectation, so the write lands after the observed
// state.
func (d *Driver) ResolveConflict(ctx context.Context, entryID string, strategy resolver.Strategy) (*models.Entity, error) {
	d.mu.Lock()
	conflict, ok := d.conflicts[entryID]
	d.mu.Unlock()
	if !ok {
		return nil, ErrConflictNotFound
	}

	resolved, err := resolver.Resolve(conflict.Local, conflict.Remote, strategy)
	if err != nil {
		return nil, err
	}

	if strategy != resolver.StrategyRemote {
		payload, err := resolved.MarshalPayload()
		if err != nil {
			return nil, err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
		if _, err := d.api.Update(attemptCtx, conflict.Collection, conflict.Remote.ID, payload, conflict.Remote.Metadata.Version); err != nil {
			return nil, errors.Wrap(err, "failed to submit resolution")
		}
	}

	if err := d.repo.Remove(ctx, entryID); err != nil && !errors.Is(err, queue.ErrEntryNotFound) {
		return nil, err
	}
	d.mu.Lock()
	delete(d.conflicts, entryID)
	d.mu.Unlock()

	d.logger.Info("conflict resolved",
		log.String("entry_id", entryID),
		log.String("strategy", string(strategy)))
	return resolved, nil
}

// Retry flips a failed entry back to pending. Retries are always
// caller-initiated; the driver never re-submits a failed entry on its own.
func (d *Driver) Retry(ctx context.Context, entryID string) error {
	pending := queue.StatusPending
	cleared := ""
	return d.repo.Update(ctx, entryID, queue.EntryUpdate{Status: &pending, LastError: &cleared})
}

// fail records a transient failure on the entry: failed status, incremented
// retry count, last error. The user's work is never lost.
func (d *Driver) fail(ctx context.Context, entry queue.Entry, cause error) {
	failed := queue.StatusFailed
	retries := entry.RetryCount + 1
	msg := cause.Error()
	if err := d.repo.Update(ctx, entry.ID, queue.EntryUpdate{
		Status:     &failed,
		RetryCount: &retries,
		LastError:  &msg,
	}); err != nil {
		d.logger.Error("failed to record entry failure",
			log.String("entry_id", entry.ID), log.Error(err))
	}
	d.logger.Warn("entry failed",
		log.String("entry_id", entry.ID),
		log.String("document_id", entry.DocumentID),
		log.Error(cause))
}

// markFailed sets failed status and error text without touching the retry
// count; used for surfaced conflicts, which are not transient failures.
func (d *Driver) markFailed(ctx context.Context, entryID, message string) {
	failed := queue.StatusFailed
	if err := d.repo.Update(ctx, entryID, queue.EntryUpdate{Status: &failed, LastError: &message}); err != nil {
		d.logger.Error("failed to mark entry failed",
			log.String("entry_id", entryID), log.Error(err))
	}
}
