package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinsync/kinsync/internal/core/models"
	"github.com/kinsync/kinsync/internal/core/queue"
	"github.com/kinsync/kinsync/internal/core/resolver"
	"github.com/kinsync/kinsync/internal/observability/log"
)

// fakeAPI is an in-memory persistence backend with optimistic versioning.
type fakeAPI struct {
	mu      sync.Mutex
	store   map[string]*models.Entity
	calls   []string
	failing map[string]error
	delay   time.Duration
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		store:   make(map[string]*models.Entity),
		failing: make(map[string]error),
	}
}

func (f *fakeAPI) wait(ctx context.Context) error {
	if f.delay == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.delay):
		return nil
	}
}

func (f *fakeAPI) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) Create(ctx context.Context, collection string, payload json.RawMessage) (*models.Entity, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := models.UnmarshalEntity(payload)
	if err != nil {
		return nil, err
	}
	f.record("create " + e.ID)
	if err, ok := f.failing[e.ID]; ok {
		return nil, err
	}
	e.Metadata.Version = 1
	f.store[collection+"/"+e.ID] = e
	return e.Clone(), nil
}

func (f *fakeAPI) Update(ctx context.Context, collection, id string, payload json.RawMessage, expectedVersion int64) (*models.Entity, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update " + id)
	if err, ok := f.failing[id]; ok {
		return nil, err
	}
	current, ok := f.store[collection+"/"+id]
	if !ok {
		return nil, errors.New("not found")
	}
	if current.Metadata.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	e, err := models.UnmarshalEntity(payload)
	if err != nil {
		return nil, err
	}
	e.Metadata.Version = expectedVersion + 1
	f.store[collection+"/"+id] = e
	return e.Clone(), nil
}

func (f *fakeAPI) Delete(ctx context.Context, collection, id string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete " + id)
	if err, ok := f.failing[id]; ok {
		return err
	}
	delete(f.store, collection+"/"+id)
	return nil
}

func (f *fakeAPI) Get(ctx context.Context, collection, id string) (*models.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.store[collection+"/"+id]
	if !ok {
		return nil, errors.New("not found")
	}
	return e.Clone(), nil
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func setupDriver(t *testing.T, api *fakeAPI, cfg Config) (*Driver, queue.Repository) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.RunMigrations(context.Background(), db))
	repo := queue.NewSQLiteRepository(db)
	return New(cfg, repo, api, log.NewNop()), repo
}

func entityPayload(t *testing.T, e *models.Entity) json.RawMessage {
	t.Helper()
	payload, err := e.MarshalPayload()
	require.NoError(t, err)
	return payload
}

func enqueue(t *testing.T, repo queue.Repository, action queue.Action, docID string, payload json.RawMessage) string {
	t.Helper()
	id, err := repo.Enqueue(context.Background(), &queue.Entry{
		Action:           action,
		TargetCollection: "persons",
		DocumentID:       docID,
		Payload:          payload,
	})
	require.NoError(t, err)
	return id
}

func TestDrainReplaysDocumentEntriesInOrder(t *testing.T) {
	api := newFakeAPI()
	d, repo := setupDriver(t, api, DefaultConfig())
	ctx := context.Background()

	p1 := &models.Entity{ID: "p1", Fields: map[string]interface{}{"firstName": "Astrid"}}
	enqueue(t, repo, queue.ActionCreate, "p1", entityPayload(t, p1))

	p1v1 := p1.Clone()
	p1v1.Metadata.Version = 1
	p1v1.Fields["lastName"] = "Berg"
	enqueue(t, repo, queue.ActionUpdate, "p1", entityPayload(t, p1v1))

	p1v2 := p1v1.Clone()
	p1v2.Metadata.Version = 2
	p1v2.Fields["birthDate"] = "1901-04-12"
	enqueue(t, repo, queue.ActionUpdate, "p1", entityPayload(t, p1v2))

	require.NoError(t, d.Drain(ctx))

	remaining, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining, "confirmed entries must leave the queue")

	assert.Equal(t, []string{"create p1", "update p1", "update p1"}, api.callLog())

	stored, err := api.Get(ctx, "persons", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Metadata.Version)
	assert.Equal(t, "1901-04-12", stored.Fields["birthDate"])
}

func TestFailedEntryStallsOnlyItsChain(t *testing.T) {
	api := newFakeAPI()
	api.failing["p1"] = errors.New("backend unavailable")
	d, repo := setupDriver(t, api, DefaultConfig())
	ctx := context.Background()

	p1 := &models.Entity{ID: "p1"}
	failedID := enqueue(t, repo, queue.ActionCreate, "p1", entityPayload(t, p1))
	p1v1 := p1.Clone()
	p1v1.Metadata.Version = 1
	enqueue(t, repo, queue.ActionUpdate, "p1", entityPayload(t, p1v1))

	p2 := &models.Entity{ID: "p2"}
	enqueue(t, repo, queue.ActionCreate, "p2", entityPayload(t, p2))

	require.NoError(t, d.Drain(ctx))

	// the stalled chain never reached its second entry
	assert.NotContains(t, api.callLog(), "update p1")
	assert.Contains(t, api.callLog(), "create p2")

	failed, err := repo.Get(ctx, failedID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Contains(t, failed.LastError, "backend unavailable")

	// the blocked follower stays pending, untouched
	pending, err := repo.ListByStatus(ctx, queue.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p1", pending[0].DocumentID)
}

func TestRetryIsCallerInitiated(t *testing.T) {
	api := newFakeAPI()
	api.failing["p1"] = errors.New("backend unavailable")
	d, repo := setupDriver(t, api, DefaultConfig())
	ctx := context.Background()

	id := enqueue(t, repo, queue.ActionCreate, "p1", entityPayload(t, &models.Entity{ID: "p1"}))
	require.NoError(t, d.Drain(ctx))

	// a second drain must not touch the failed entry
	callsBefore := len(api.callLog())
	require.NoError(t, d.Drain(ctx))
	assert.Len(t, api.callLog(), callsBefore)

	delete(api.failing, "p1")
	require.NoError(t, d.Retry(ctx, id))

	entry, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, entry.Status)
	assert.Empty(t, entry.LastError)
	assert.Equal(t, 1, entry.RetryCount, "retry count survives the flip back to pending")

	require.NoError(t, d.Drain(ctx))
	_, err = repo.Get(ctx, id)
	assert.ErrorIs(t, err, queue.ErrEntryNotFound)
}

func TestVersionConflictIsSurfacedNotResolved(t *testing.T) {
	api := newFakeAPI()
	d, repo := setupDriver(t, api, DefaultConfig())
	ctx := context.Background()

	// remote moved ahead to version 5 while the local edit was queued at 3
	api.store["persons/p1"] = &models.Entity{
		ID:      "p1",
		Fields:  map[string]interface{}{"birthPlace": "Bergen"},
		Parents: []string{"B"},
		Metadata: models.Metadata{
			Version:        5,
			LastModified:   time.Now().UTC(),
			LastModifiedBy: "carol",
		},
	}
	local := &models.Entity{
		ID:      "p1",
		Fields:  map[string]interface{}{"birthPlace": "Oslo", "occupation": "fisher"},
		Parents: []string{"A"},
		Metadata: models.Metadata{
			Version:        3,
			LastModified:   time.Now().UTC().Add(-time.Hour),
			LastModifiedBy: "alice",
		},
	}
	entryID := enqueue(t, repo, queue.ActionUpdate, "p1", entityPayload(t, local))

	require.NoError(t, d.Drain(ctx))

	conflicts := d.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, entryID, conflicts[0].EntryID)
	assert.Equal(t, int64(3), conflicts[0].Local.Metadata.Version)
	assert.Equal(t, int64(5), conflicts[0].Remote.Metadata.Version)

	entry, err := repo.Get(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, entry.Status)
	assert.Contains(t, entry.LastError, "version conflict")
	assert.Zero(t, entry.RetryCount, "a surfaced conflict is not a transient failure")

	// nothing was written remotely
	stored, err := api.Get(ctx, "persons", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Bergen", stored.Fields["birthPlace"])
}

func TestResolveConflictWithMerge(t *testing.T) {
	api := newFakeAPI()
	d, repo := setupDriver(t, api, DefaultConfig())
	ctx := context.Background()

	api.store["persons/p1"] = &models.Entity{
		ID:       "p1",
		Fields:   map[string]interface{}{"birthPlace": "Bergen"},
		Parents:  []string{"B"},
		Metadata: models.Metadata{Version: 5, LastModified: time.Now().UTC(), LastModifiedBy: "carol"},
	}
	local := &models.Entity{
		ID:       "p1",
		Fields:   map[string]interface{}{"birthPlace": "Oslo", "occupation": "fisher"},
		Parents:  []string{"A"},
		Metadata: models.Metadata{Version: 3, LastModified: time.Now().UTC().Add(-time.Hour), LastModifiedBy: "alice"},
	}
	entryID := enqueue(t, repo, queue.ActionUpdate, "p1", entityPayload(t, local))
	require.NoError(t, d.Drain(ctx))
	require.Len(t, d.Conflicts(), 1)

	resolved, err := d.ResolveConflict(ctx, entryID, resolver.StrategyMerge)
	require.NoError(t, err)

	assert.Equal(t, int64(6), resolved.Metadata.Version)
	assert.ElementsMatch(t, []string{"A", "B"}, resolved.Parents)
	assert.Equal(t, "Bergen", resolved.Fields["birthPlace"], "remote scalar wins")
	assert.Equal(t, "fisher", resolved.Fields["occupation"], "local-only scalar survives")

	stored, err := api.Get(ctx, "persons", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), stored.Metadata.Version)

	assert.Empty(t, d.Conflicts())
	_, err = repo.Get(ctx, entryID)
	assert.ErrorIs(t, err, queue.ErrEntryNotFound)
}

func TestResolveConflictKeepRemoteWritesNothing(t *testing.T) {
	api := newFakeAPI()
	d, repo := setupDriver(t, api, DefaultConfig())
	ctx := context.Background()

	api.store["persons/p1"] = &models.Entity{
		ID:       "p1",
		Metadata: models.Metadata{Version: 5},
	}
	local := &models.Entity{ID: "p1", Metadata: models.Metadata{Version: 3}}
	entryID := enqueue(t, repo, queue.ActionUpdate, "p1", entityPayload(t, local))
	require.NoError(t, d.Drain(ctx))

	callsBefore := len(api.callLog())
	resolved, err := d.ResolveConflict(ctx, entryID, resolver.StrategyRemote)
	require.NoError(t, err)
	assert.Equal(t, int64(5), resolved.Metadata.Version)
	assert.Len(t, api.callLog(), callsBefore, "keeping the remote issues no write")

	assert.Empty(t, d.Conflicts())
	_, err = repo.Get(ctx, entryID)
	assert.ErrorIs(t, err, queue.ErrEntryNotFound)
}

func TestResolveUnknownConflict(t *testing.T) {
	api := newFakeAPI()
	d, _ := setupDriver(t, api, DefaultConfig())
	_, err := d.ResolveConflict(context.Background(), "missing", resolver.StrategyMerge)
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestAttemptTimeoutFailsTheEntry(t *testing.T) {
	api := newFakeAPI()
	api.delay = 200 * time.Millisecond
	cfg := DefaultConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	d, repo := setupDriver(t, api, cfg)
	ctx := context.Background()

	id := enqueue(t, repo, queue.ActionCreate, "p1", entityPayload(t, &models.Entity{ID: "p1"}))
	require.NoError(t, d.Drain(ctx))

	entry, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, entry.Status)
	assert.Contains(t, entry.LastError, "context deadline exceeded")
}

func TestDeleteDrains(t *testing.T) {
	api := newFakeAPI()
	api.store["persons/p9"] = &models.Entity{ID: "p9", Metadata: models.Metadata{Version: 2}}
	d, repo := setupDriver(t, api, DefaultConfig())
	ctx := context.Background()

	enqueue(t, repo, queue.ActionDelete, "p9", json.RawMessage(`{}`))
	require.NoError(t, d.Drain(ctx))

	_, err := api.Get(ctx, "persons", "p9")
	assert.Error(t, err)
	remaining, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
