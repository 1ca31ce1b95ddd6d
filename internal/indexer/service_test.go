package indexer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidschrooten/compsync/config"
	"github.com/davidschrooten/compsync/internal/changefeed"
	"github.com/davidschrooten/compsync/internal/filter"
	"github.com/davidschrooten/compsync/internal/record"
	"github.com/davidschrooten/compsync/internal/relational"
	"github.com/davidschrooten/compsync/internal/search"
	syncstate "github.com/davidschrooten/compsync/internal/sync"
)

type fakeRelational struct {
	mu        sync.Mutex
	rows      []record.CompensationRecord
	countErr  error
	readErrAt map[int]error
	pingErr   error
	offsets   []int
}

func (f *fakeRelational) CountRecords(ctx context.Context) (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return int64(len(f.rows)), nil
}

func (f *fakeRelational) ListWindow(ctx context.Context, offset, limit int) ([]record.CompensationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if err := f.readErrAt[offset]; err != nil {
		return nil, err
	}
	if offset >= len(f.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	return f.rows[offset:end], nil
}

func (f *fakeRelational) Get(ctx context.Context, id string) (*record.CompensationRecord, error) {
	for i := range f.rows {
		if f.rows[i].ID == id {
			rec := f.rows[i]
			return &rec, nil
		}
	}
	return nil, relational.ErrNotFound
}

func (f *fakeRelational) Ping(ctx context.Context) error {
	return f.pingErr
}

// fakeStore records writes in a map. bulkErrs is consumed one entry per
// BulkIndex call; a nil entry lets the call through.
type fakeStore struct {
	mu        sync.Mutex
	docs      map[string]record.SearchDocument
	bulkErrs  []error
	bulkCalls int
	reject    map[string]bool
	ensureErr error
	pingErr   error
	upsertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: map[string]record.SearchDocument{}}
}

func (f *fakeStore) EnsureIndex(ctx context.Context) error { return f.ensureErr }

func (f *fakeStore) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.docs)), nil
}

func (f *fakeStore) Refresh(ctx context.Context) error { return nil }

func (f *fakeStore) BulkIndex(ctx context.Context, docs []record.SearchDocument) (*search.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.bulkCalls
	f.bulkCalls++
	if call < len(f.bulkErrs) && f.bulkErrs[call] != nil {
		return nil, f.bulkErrs[call]
	}

	res := &search.BulkResult{}
	for _, doc := range docs {
		if f.reject[doc.ID] {
			res.Failed++
			res.Errors = append(res.Errors, search.ItemError{ID: doc.ID, Reason: "mapper_parsing_exception"})
			continue
		}
		f.docs[doc.ID] = doc
		res.Indexed++
	}
	return res, nil
}

func (f *fakeStore) Upsert(ctx context.Context, doc record.SearchDocument, waitVisible bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id string, waitVisible bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	return nil
}

func (f *fakeStore) Search(ctx context.Context, q filter.SearchQuery) (*search.Result, error) {
	return &search.Result{}, nil
}

func (f *fakeStore) Stats(ctx context.Context, q filter.SearchQuery, field string) (*search.ApproxStats, error) {
	return &search.ApproxStats{}, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) Close() error { return nil }

type fakeSource struct {
	events chan changefeed.Event
}

func (f *fakeSource) Setup(ctx context.Context) error    { return nil }
func (f *fakeSource) Teardown(ctx context.Context) error { return nil }

func (f *fakeSource) Listen(ctx context.Context) (<-chan changefeed.Event, error) {
	out := make(chan changefeed.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func makeRows(n int) []record.CompensationRecord {
	rows := make([]record.CompensationRecord, n)
	for i := range rows {
		rows[i] = record.CompensationRecord{
			ID:              fmt.Sprintf("rec-%05d", i),
			Company:         "Acme",
			Location:        "Austin",
			Level:           "Mid",
			Currency:        "USD",
			BaseSalaryCents: record.Int64(int64(5000000 + i*100)),
			CreatedAt:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return rows
}

func syncConfig(windowSize int) config.SyncConfig {
	return config.SyncConfig{
		WindowSize:   windowSize,
		RetryCeiling: 3,
		BackoffBase:  10 * time.Millisecond,
		Verify:       true,
	}
}

func newTestService(t *testing.T, rel RelationalSource, store search.Store, source changefeed.Source, cfg config.SyncConfig) (*Service, *syncstate.StateManager) {
	t.Helper()
	state := syncstate.NewStateManager("", "compensation", nil)
	svc, err := NewService(context.Background(), rel, store, source, state, cfg, nil)
	require.NoError(t, err)
	return svc, state
}

func windowSizes(report *SyncReport) []int {
	sizes := make([]int, len(report.Windows))
	for i, w := range report.Windows {
		sizes[i] = w.Size
	}
	return sizes
}

func TestSyncAll_Windows(t *testing.T) {
	rel := &fakeRelational{rows: makeRows(2500)}
	store := newFakeStore()
	svc, state := newTestService(t, rel, store, nil, syncConfig(1000))

	report, err := svc.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1000, 1000, 500}, windowSizes(report))
	assert.Equal(t, []int{0, 1000, 2000}, rel.offsets)
	assert.Equal(t, int64(2500), report.Total)
	assert.Equal(t, int64(2500), report.Processed)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 3, report.WindowCount)
	assert.Equal(t, int64(2500), report.SearchCount)
	assert.True(t, report.Verified)
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))

	snap := state.Snapshot()
	require.NotNil(t, snap.LastRun)
	assert.Equal(t, report.RunID, snap.LastRun.RunID)
	assert.Equal(t, syncstate.StatusIdle, snap.Status)
	assert.Equal(t, int64(2500), snap.DocumentsIndexed)
}

func TestSyncAll_ExactMultipleStopsAtTotal(t *testing.T) {
	rel := &fakeRelational{rows: makeRows(2000)}
	svc, _ := newTestService(t, rel, newFakeStore(), nil, syncConfig(1000))

	report, err := svc.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1000, 1000}, windowSizes(report))
	assert.Equal(t, []int{0, 1000}, rel.offsets)
}

func TestSyncAll_EmptyTable(t *testing.T) {
	svc, _ := newTestService(t, &fakeRelational{}, newFakeStore(), nil, syncConfig(1000))

	report, err := svc.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Windows)
	assert.True(t, report.Verified)
}

func TestSyncAll_RetryBound(t *testing.T) {
	rel := &fakeRelational{rows: makeRows(8)}
	store := newFakeStore()
	transport := errors.New("connection reset by peer")
	for i := 0; i < 10; i++ {
		store.bulkErrs = append(store.bulkErrs, transport)
	}
	svc, _ := newTestService(t, rel, store, nil, syncConfig(5))

	var sleeps []time.Duration
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	report, err := svc.SyncAll(context.Background())
	require.NoError(t, err)

	// Every window makes exactly RetryCeiling attempts and the run continues.
	require.Len(t, report.Windows, 2)
	assert.Equal(t, 6, store.bulkCalls)
	for _, w := range report.Windows {
		assert.Equal(t, 3, w.Attempts)
		assert.Equal(t, int64(w.Size), w.Failed)
		assert.Contains(t, w.Err, "connection reset")
	}
	assert.Equal(t, int64(8), report.Failed)
	assert.Zero(t, report.Processed)
	assert.False(t, report.Verified)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond,
		10 * time.Millisecond, 20 * time.Millisecond,
	}, sleeps)
}

func TestSyncAll_RecoversAfterTransientFailure(t *testing.T) {
	rel := &fakeRelational{rows: makeRows(4)}
	store := newFakeStore()
	store.bulkErrs = []error{errors.New("timeout")}
	svc, _ := newTestService(t, rel, store, nil, syncConfig(10))
	svc.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	report, err := svc.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Windows, 1)
	assert.Equal(t, 2, report.Windows[0].Attempts)
	assert.Equal(t, int64(4), report.Processed)
	assert.Empty(t, report.Windows[0].Err)
}

func TestSyncAll_PartialFailure(t *testing.T) {
	rel := &fakeRelational{rows: makeRows(10)}
	store := newFakeStore()
	store.reject = map[string]bool{"rec-00003": true, "rec-00007": true}
	svc, _ := newTestService(t, rel, store, nil, syncConfig(4))

	report, err := svc.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(8), report.Processed)
	assert.Equal(t, int64(2), report.Failed)
	assert.Equal(t, int64(8), report.SearchCount)
	assert.False(t, report.Verified)
	// Item failures are not retried.
	assert.Equal(t, 3, store.bulkCalls)
}

func TestSyncAll_ReadFailureCountsWindow(t *testing.T) {
	rel := &fakeRelational{
		rows:      makeRows(12),
		readErrAt: map[int]error{5: errors.New("canceling statement due to statement timeout")},
	}
	store := newFakeStore()
	svc, _ := newTestService(t, rel, store, nil, syncConfig(5))

	report, err := svc.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{5, 5, 2}, windowSizes(report))
	assert.Equal(t, int64(7), report.Processed)
	assert.Equal(t, int64(5), report.Failed)
	assert.Zero(t, report.Windows[1].Attempts)
	assert.NotEmpty(t, report.Windows[1].Err)
}

func TestSyncAll_CountFailure(t *testing.T) {
	rel := &fakeRelational{countErr: errors.New("connection refused")}
	svc, state := newTestService(t, rel, newFakeStore(), nil, syncConfig(5))

	_, err := svc.SyncAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncstate.StatusFailed, state.Snapshot().Status)
}

func TestSyncAll_Cancelled(t *testing.T) {
	rel := &fakeRelational{rows: makeRows(10)}
	svc, _ := newTestService(t, rel, newFakeStore(), nil, syncConfig(5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.SyncAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSyncAll_RejectsConcurrentRun(t *testing.T) {
	svc, _ := newTestService(t, &fakeRelational{}, newFakeStore(), nil, syncConfig(5))
	svc.running.Store(true)

	_, err := svc.SyncAll(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.ErrorIs(t, svc.TriggerSync(), ErrSyncInProgress)
}

func TestSyncAll_BulkCompleteness(t *testing.T) {
	ctx := context.Background()

	db, err := relational.Open(config.DatabaseConfig{
		Driver:      config.DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "comp.db"),
		AutoMigrate: true,
	}, nil)
	require.NoError(t, err)
	defer db.Close()

	rows := makeRows(2500)
	require.NoError(t, db.DB().CreateInBatches(rows, 500).Error)

	engine, err := search.NewEngine(config.SearchConfig{IndexName: "compensation"}, nil)
	require.NoError(t, err)
	defer engine.Close()

	svc, _ := newTestService(t, db, engine, nil, syncConfig(1000))
	report, err := svc.SyncAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{1000, 1000, 500}, windowSizes(report))
	assert.Equal(t, int64(2500), report.Processed)
	assert.True(t, report.Verified)

	count, err := engine.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), count)

	// A second run rewrites the same keys.
	report, err = svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.Equal(t, int64(2500), report.SearchCount)
}

func newEngineService(t *testing.T, rel RelationalSource) (*Service, *search.Engine) {
	t.Helper()
	engine, err := search.NewEngine(config.SearchConfig{IndexName: "compensation"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	svc, _ := newTestService(t, rel, engine, nil, syncConfig(1000))
	return svc, engine
}

func allDocs(t *testing.T, engine *search.Engine) []record.SearchDocument {
	t.Helper()
	tr := filter.NewTranslator(filter.Options{}, nil).Translate(filter.Filter{}, filter.Sort{}, filter.Pagination{Limit: 100})
	res, err := engine.Search(context.Background(), tr.Search)
	require.NoError(t, err)
	return res.Docs
}

func TestApplyChange_IdempotentRedelivery(t *testing.T) {
	svc, engine := newEngineService(t, &fakeRelational{})
	ctx := context.Background()

	row := makeRows(1)[0]
	ev := changefeed.Event{Operation: changefeed.OperationInsert, Key: row.ID, Row: &row}

	require.NoError(t, svc.ApplyChange(ctx, ev))
	once := allDocs(t, engine)
	require.NoError(t, svc.ApplyChange(ctx, ev))
	twice := allDocs(t, engine)

	require.Len(t, twice, 1)
	assert.Equal(t, once, twice)
	assert.Equal(t, record.Transform(row), twice[0])
}

func TestApplyChange_UpdateReplacesDocument(t *testing.T) {
	svc, engine := newEngineService(t, &fakeRelational{})
	ctx := context.Background()

	row := makeRows(1)[0]
	require.NoError(t, svc.ApplyChange(ctx, changefeed.Event{Operation: changefeed.OperationInsert, Key: row.ID, Row: &row}))

	updated := row
	updated.Level = "Senior"
	updated.BaseSalaryCents = record.Int64(20000000)
	require.NoError(t, svc.ApplyChange(ctx, changefeed.Event{Operation: changefeed.OperationUpdate, Key: row.ID, Row: &updated}))

	docs := allDocs(t, engine)
	require.Len(t, docs, 1)
	assert.Equal(t, "Senior", docs[0].Level)
	assert.Equal(t, record.BracketExecutive, docs[0].CompensationBracket)
}

func TestApplyChange_Delete(t *testing.T) {
	svc, engine := newEngineService(t, &fakeRelational{})
	ctx := context.Background()

	row := makeRows(1)[0]
	require.NoError(t, svc.ApplyChange(ctx, changefeed.Event{Operation: changefeed.OperationInsert, Key: row.ID, Row: &row}))
	require.NoError(t, svc.ApplyChange(ctx, changefeed.Event{Operation: changefeed.OperationDelete, Key: row.ID}))
	assert.Empty(t, allDocs(t, engine))

	// Deleting a key that was never indexed is not an error.
	require.NoError(t, svc.ApplyChange(ctx, changefeed.Event{Operation: changefeed.OperationDelete, Key: "never-indexed"}))
}

func TestApplyChange_EventWithoutRow(t *testing.T) {
	rel := &fakeRelational{rows: makeRows(1)}
	store := newFakeStore()
	svc, _ := newTestService(t, rel, store, nil, syncConfig(10))
	ctx := context.Background()

	require.NoError(t, svc.ApplyChange(ctx, changefeed.Event{Operation: changefeed.OperationUpdate, Key: "rec-00000"}))
	assert.Contains(t, store.docs, "rec-00000")

	store.docs["gone"] = record.SearchDocument{ID: "gone"}
	require.NoError(t, svc.ApplyChange(ctx, changefeed.Event{Operation: changefeed.OperationInsert, Key: "gone"}))
	assert.NotContains(t, store.docs, "gone")
}

func TestApplyChange_Errors(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = errors.New("cluster_block_exception")
	svc, _ := newTestService(t, &fakeRelational{}, store, nil, syncConfig(10))

	row := makeRows(1)[0]
	err := svc.ApplyChange(context.Background(), changefeed.Event{Operation: changefeed.OperationInsert, Key: row.ID, Row: &row})
	assert.ErrorContains(t, err, "cluster_block_exception")

	err = svc.ApplyChange(context.Background(), changefeed.Event{Operation: "truncate", Key: "a"})
	assert.Error(t, err)
}

func TestStartChangeCapture(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{events: make(chan changefeed.Event)}
	svc, state := newTestService(t, &fakeRelational{}, store, source, syncConfig(10))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.StartChangeCapture(ctx))

	rows := makeRows(2)
	source.events <- changefeed.Event{Operation: changefeed.OperationInsert, Key: rows[0].ID, Row: &rows[0]}
	source.events <- changefeed.Event{Operation: "truncate", Key: "x"}
	source.events <- changefeed.Event{Operation: changefeed.OperationInsert, Key: rows[1].ID, Row: &rows[1]}

	// The bad event is dropped and does not block later ones.
	require.Eventually(t, func() bool {
		snap := state.Snapshot()
		return snap.ChangesApplied == 2 && snap.ChangesFailed == 1
	}, 2*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	assert.Len(t, store.docs, 2)
	store.mu.Unlock()

	cancel()
	svc.wg.Wait()
}

func TestStartChangeCapture_NoSource(t *testing.T) {
	svc, _ := newTestService(t, &fakeRelational{}, newFakeStore(), nil, syncConfig(10))
	assert.ErrorIs(t, svc.StartChangeCapture(context.Background()), ErrNoChangeSource)
}

func TestService_StartStop(t *testing.T) {
	rel := &fakeRelational{rows: makeRows(3)}
	store := newFakeStore()
	source := &fakeSource{events: make(chan changefeed.Event)}
	cfg := syncConfig(10)
	cfg.OnStartup = true
	svc, state := newTestService(t, rel, store, source, cfg)

	require.NoError(t, svc.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, running := svc.Status()
		return state.Snapshot().LastRun != nil && !running
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.TriggerSync())
	svc.Stop()
	svc.Stop()

	snap, running := svc.Status()
	assert.False(t, running)
	assert.Equal(t, int64(3), snap.LastRun.Processed)
}

func TestHealthCheck(t *testing.T) {
	rel := &fakeRelational{}
	store := newFakeStore()
	svc, _ := newTestService(t, rel, store, nil, syncConfig(10))

	assert.Equal(t, Health{Relational: true, Search: true}, svc.HealthCheck(context.Background()))

	store.pingErr = errors.New("no living connections")
	assert.Equal(t, Health{Relational: true, Search: false}, svc.HealthCheck(context.Background()))

	rel.pingErr = errors.New("connection refused")
	assert.Equal(t, Health{}, svc.HealthCheck(context.Background()))
}

func TestNewService_EnsureIndexFailure(t *testing.T) {
	store := newFakeStore()
	store.ensureErr = errors.New("index_closed_exception")
	state := syncstate.NewStateManager("", "compensation", nil)

	_, err := NewService(context.Background(), &fakeRelational{}, store, nil, state, syncConfig(10), nil)
	assert.ErrorContains(t, err, "index_closed_exception")
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
