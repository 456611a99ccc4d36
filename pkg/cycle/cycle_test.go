package cycle_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppdbx/chunkpromoter/pkg/cycle"
	"github.com/ppdbx/chunkpromoter/pkg/db/chunks"
	"github.com/ppdbx/chunkpromoter/pkg/db/entities"
	"github.com/ppdbx/chunkpromoter/pkg/promoter"
	"github.com/ppdbx/chunkpromoter/pkg/retry"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse/duckdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testTables = []entities.Table{entities.DiaObject, entities.DiaSource}

type failingExecutor struct {
	warehouse.Executor
	substr string
	fired  bool
	jobs   int
}

func (f *failingExecutor) RunJob(ctx context.Context, label, stmt string) (*warehouse.Job, error) {
	f.jobs++
	if !f.fired && f.substr != "" && strings.Contains(stmt, f.substr) {
		f.fired = true
		return &warehouse.Job{Label: label, Statement: stmt, Err: "injected"}, errors.New("injected failure")
	}
	return f.Executor.RunJob(ctx, label, stmt)
}

type recordingNotifier struct {
	messages []any
	err      error
}

func (n *recordingNotifier) Publish(_ context.Context, message any) (string, error) {
	if n.err != nil {
		return "", n.err
	}
	n.messages = append(n.messages, message)
	return "1-0", nil
}

type memStorage struct {
	mu        sync.Mutex
	objects   map[string]string
	deleted   []string
	uploadErr error
}

func (m *memStorage) UploadFromString(_ context.Context, name, content string) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = content
	return nil
}

func (m *memStorage) DeleteRecursive(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, prefix)
	return 1, nil
}

type markFailStore struct {
	*chunks.MemoryStore
}

func (markFailStore) MarkChunksPromoted(context.Context, []int64) (int64, error) {
	return 0, errors.New("connection reset")
}

func setupWarehouse(t *testing.T) *duckdb.Executor {
	t.Helper()
	ctx := context.Background()
	exec, err := duckdb.Open(zaptest.NewLogger(t), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })

	for _, table := range testTables {
		_, err = exec.DB.ExecContext(ctx, `CREATE TABLE "`+table.TableName()+`" (id BIGINT)`)
		require.NoError(t, err)
		_, err = exec.DB.ExecContext(ctx, `CREATE TABLE "`+table.StagingTableName()+`" (id BIGINT, replica_chunk BIGINT)`)
		require.NoError(t, err)
		_, err = exec.DB.ExecContext(ctx, `INSERT INTO "`+table.StagingTableName()+`" VALUES (10, 1), (11, 1), (20, 2), (30, 3)`)
		require.NoError(t, err)
	}
	return exec
}

func setupStore(t *testing.T, statuses map[int64]chunks.Status) *chunks.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := chunks.NewMemoryStore()
	var promoted []int64
	for id, st := range statuses {
		if st == chunks.StatusPromoted {
			promoted = append(promoted, id)
			st = chunks.StatusStaged
		}
		_, err := store.Insert(ctx, id, chunks.Values{chunks.StatusColumn: st})
		require.NoError(t, err)
	}
	if len(promoted) > 0 {
		_, err := store.MarkChunksPromoted(ctx, promoted)
		require.NoError(t, err)
	}
	return store
}

func count(t *testing.T, exec *duckdb.Executor, table string) int {
	t.Helper()
	var n int
	require.NoError(t, exec.DB.QueryRow(`SELECT count(*) FROM "`+table+`"`).Scan(&n))
	return n
}

func TestRun_EmptyWindow(t *testing.T) {
	exec := &failingExecutor{Executor: setupWarehouse(t)}
	r := &cycle.Runner{
		Logger:   zaptest.NewLogger(t),
		Store:    setupStore(t, map[int64]chunks.Status{1: chunks.StatusPromoted, 2: "uploaded"}),
		Executor: exec,
		Tables:   testTables,
	}

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.ChunkIDs)
	assert.False(t, res.Promoted())
	assert.Zero(t, exec.jobs)
}

func TestRun_PromotesMarksAndNotifies(t *testing.T) {
	exec := setupWarehouse(t)
	store := setupStore(t, map[int64]chunks.Status{1: chunks.StatusStaged, 2: chunks.StatusStaged, 3: "uploaded"})
	notifier := &recordingNotifier{}
	storage := &memStorage{objects: map[string]string{}}
	r := &cycle.Runner{
		Logger:   zaptest.NewLogger(t),
		Store:    store,
		Executor: exec,
		Tables:   testTables,
		Notifier: notifier,
		Archiver: &cycle.ObjectArchiver{Storage: storage},
	}

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, res.ChunkIDs)
	assert.Equal(t, int64(2), res.Marked)
	assert.Equal(t, "1-0", res.EventID)
	assert.NoError(t, res.NotifyErr)

	for _, table := range testTables {
		assert.Equal(t, 3, count(t, exec, table.TableName()))
		assert.Equal(t, 1, count(t, exec, table.StagingTableName()))
	}

	window, err := store.GetPromotableChunks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, window)

	require.Len(t, notifier.messages, 1)
	event := notifier.messages[0].(cycle.Event)
	assert.Equal(t, int64(1), event.FirstChunk)
	assert.Equal(t, int64(2), event.LastChunk)
	assert.Equal(t, []string{"DiaObject", "DiaSource"}, event.Tables)

	assert.Contains(t, storage.objects, "manifests/1-2.json")
	assert.Equal(t, []string{"chunks/1/", "chunks/2/"}, storage.deleted)
}

func TestRun_RetryResumesAfterPartialPromotion(t *testing.T) {
	base := setupWarehouse(t)
	exec := &failingExecutor{Executor: base, substr: `OR REPLACE TABLE "main"."DiaSource"`}
	store := setupStore(t, map[int64]chunks.Status{1: chunks.StatusStaged, 2: chunks.StatusStaged})
	r := &cycle.Runner{
		Logger:   zaptest.NewLogger(t),
		Store:    store,
		Executor: exec,
		Tables:   testTables,
		Retry:    retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 1},
	}

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, exec.fired)
	assert.Equal(t, int64(2), res.Marked)
	assert.Equal(t, []entities.Table{entities.DiaObject}, res.Report.Resumed)

	for _, table := range testTables {
		assert.Equal(t, 3, count(t, base, table.TableName()), "duplicate rows in %s", table)
		assert.Equal(t, 1, count(t, base, table.StagingTableName()))
	}
}

func TestRun_RetryAfterStagingDeleteFailure(t *testing.T) {
	base := setupWarehouse(t)
	exec := &failingExecutor{Executor: base, substr: `DELETE FROM "main"."_DiaSource_staging"`}
	r := &cycle.Runner{
		Logger:   zaptest.NewLogger(t),
		Store:    setupStore(t, map[int64]chunks.Status{1: chunks.StatusStaged}),
		Executor: exec,
		Tables:   testTables,
		Retry:    retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 1},
	}

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, testTables, res.Report.Resumed)
	for _, table := range testTables {
		assert.Equal(t, 2, count(t, base, table.TableName()))
		assert.Equal(t, 2, count(t, base, table.StagingTableName()))
	}
}

func TestRun_FailureWithoutRetryLeavesChunksStaged(t *testing.T) {
	exec := &failingExecutor{Executor: setupWarehouse(t), substr: "EXCLUDE"}
	store := setupStore(t, map[int64]chunks.Status{1: chunks.StatusStaged})
	r := &cycle.Runner{Logger: zaptest.NewLogger(t), Store: store, Executor: exec, Tables: testTables}

	_, err := r.Run(context.Background())
	require.Error(t, err)
	pe, ok := promoter.AsPhaseError(err)
	require.True(t, ok)
	assert.Equal(t, promoter.PhaseBuildTmp, pe.Phase)

	window, err := store.GetPromotableChunks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, window)
}

func TestRun_ConfigurationErrorIsNotRetried(t *testing.T) {
	exec := &failingExecutor{Executor: setupWarehouse(t)}
	r := &cycle.Runner{
		Logger:      zaptest.NewLogger(t),
		Store:       setupStore(t, map[int64]chunks.Status{1: chunks.StatusStaged}),
		Executor:    exec,
		Tables:      testTables,
		ChunkColumn: "bad column",
		Retry:       retry.Config{MaxRetries: 5, InitialDelay: time.Hour},
	}

	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, promoter.ErrConfiguration)
	assert.Zero(t, exec.jobs)
}

func TestRun_NotifyFailureDoesNotFailCycle(t *testing.T) {
	exec := setupWarehouse(t)
	store := setupStore(t, map[int64]chunks.Status{1: chunks.StatusStaged})
	r := &cycle.Runner{
		Logger:   zaptest.NewLogger(t),
		Store:    store,
		Executor: exec,
		Tables:   testTables,
		Notifier: &recordingNotifier{err: errors.New("stream missing")},
		Archiver: &cycle.ObjectArchiver{Storage: &memStorage{uploadErr: errors.New("403")}},
	}

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Marked)
	require.Error(t, res.NotifyErr)
	assert.ErrorContains(t, res.NotifyErr, "stream missing")
	assert.ErrorContains(t, res.NotifyErr, "403")
}

func TestRun_MarkFailure(t *testing.T) {
	exec := setupWarehouse(t)
	store := markFailStore{setupStore(t, map[int64]chunks.Status{1: chunks.StatusStaged})}
	notifier := &recordingNotifier{}
	r := &cycle.Runner{Logger: zaptest.NewLogger(t), Store: store, Executor: exec, Tables: testTables, Notifier: notifier}

	res, err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection reset")
	require.NotNil(t, res.Report)
	assert.Empty(t, notifier.messages)
}

func TestRunPhaseCleanup(t *testing.T) {
	exec := setupWarehouse(t)
	ctx := context.Background()
	tmp := entities.DiaObject.PromotedTmpTableName()
	_, err := exec.DB.ExecContext(ctx, `CREATE TABLE "`+tmp+`" (id BIGINT)`)
	require.NoError(t, err)
	ok, err := exec.TableExists(ctx, tmp)
	require.NoError(t, err)
	require.True(t, ok)

	r := &cycle.Runner{Logger: zaptest.NewLogger(t), Executor: exec, Tables: testTables}
	_, err = r.RunPhase(ctx, promoter.PhaseCleanup, []int64{1})
	require.NoError(t, err)

	ok, err = exec.TableExists(ctx, tmp)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestObjectArchiver(t *testing.T) {
	storage := &memStorage{objects: map[string]string{}}
	a := &cycle.ObjectArchiver{Storage: storage, ManifestPrefix: "ppdb/manifests", ChunkPrefix: "ppdb/chunks"}
	event := cycle.Event{ChunkIDs: []int64{7, 8}, FirstChunk: 7, LastChunk: 8}

	assert.Equal(t, "ppdb/manifests/7-8.json", a.ManifestName(event))
	assert.Equal(t, "ppdb/chunks/7/", a.ChunkPrefixFor(7))

	require.NoError(t, a.Archive(context.Background(), event))
	assert.Contains(t, storage.objects["ppdb/manifests/7-8.json"], `"firstChunk": 7`)
	assert.Equal(t, []string{"ppdb/chunks/7/", "ppdb/chunks/8/"}, storage.deleted)

	keep := &memStorage{objects: map[string]string{}}
	a = &cycle.ObjectArchiver{Storage: keep, KeepChunkFiles: true}
	require.NoError(t, a.Archive(context.Background(), event))
	assert.Contains(t, keep.objects, "manifests/7-8.json")
	assert.Empty(t, keep.deleted)
}

func TestObjectArchiver_UploadFailureKeepsChunkFiles(t *testing.T) {
	storage := &memStorage{uploadErr: errors.New("403")}
	a := &cycle.ObjectArchiver{Storage: storage}
	err := a.Archive(context.Background(), cycle.Event{ChunkIDs: []int64{1}, FirstChunk: 1, LastChunk: 1})
	require.Error(t, err)
	assert.Empty(t, storage.deleted)
}
