package sqlite

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/ppdbx/chunkpromoter/pkg/db/chunks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const createTable = `
	CREATE TABLE replica_chunks (
		chunk_id INTEGER PRIMARY KEY,
		status TEXT NOT NULL,
		directory TEXT,
		last_update_time TEXT
	)`

func openStore(t *testing.T) *DB {
	t.Helper()
	db, err := Open(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "meta", "chunks.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Conn().Exec(createTable)
	require.NoError(t, err)
	return db
}

func seed(t *testing.T, db *DB, statuses ...chunks.Status) {
	t.Helper()
	rows := make(map[int64]chunks.Status, len(statuses))
	for i, st := range statuses {
		rows[int64(i+1)] = st
	}
	seedRows(t, db, rows)
}

// seedRows inserts promoted rows as staged and then marks them, since Insert refuses promoted.
func seedRows(t *testing.T, db *DB, rows map[int64]chunks.Status) {
	t.Helper()
	ctx := context.Background()
	var promoted []int64
	for id, st := range rows {
		if st == chunks.StatusPromoted {
			promoted = append(promoted, id)
			st = chunks.StatusStaged
		}
		_, err := db.Insert(ctx, id, chunks.Values{chunks.StatusColumn: st})
		require.NoError(t, err)
	}
	if len(promoted) > 0 {
		_, err := db.MarkChunksPromoted(ctx, promoted)
		require.NoError(t, err)
	}
}

func TestGetPromotableChunks(t *testing.T) {
	P, S := chunks.StatusPromoted, chunks.StatusStaged
	tests := []struct {
		name     string
		statuses []chunks.Status
		want     []int64
	}{
		{name: "promoted prefix", statuses: []chunks.Status{P, P, S, S, S}, want: []int64{3, 4, 5}},
		{name: "promoted gap", statuses: []chunks.Status{P, S, P, S, S}, want: []int64{2}},
		{name: "all promoted", statuses: []chunks.Status{P, P}, want: []int64{}},
		{name: "first staged no stop", statuses: []chunks.Status{S, S, S}, want: []int64{1, 2, 3}},
		{name: "blocked by other status", statuses: []chunks.Status{P, "uploaded", S}, want: []int64{}},
		{name: "empty table", want: []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openStore(t)
			seed(t, db, tt.statuses...)

			window, err := db.GetPromotableChunks(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, window)
		})
	}
}

// TestWindowMatchesReference compares the SQL window with the in-memory rule on random tables.
func TestWindowMatchesReference(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	r := rand.New(rand.NewSource(42))
	choices := []chunks.Status{chunks.StatusPromoted, chunks.StatusStaged, "failed"}

	for round := 0; round < 40; round++ {
		_, err := db.Conn().Exec(`DELETE FROM replica_chunks`)
		require.NoError(t, err)

		ref := make(map[int64]chunks.Status)
		id := int64(0)
		n := r.Intn(15)
		for i := 0; i < n; i++ {
			id += int64(1 + r.Intn(3))
			ref[id] = choices[r.Intn(len(choices))]
		}
		seedRows(t, db, ref)

		window, err := db.GetPromotableChunks(ctx)
		require.NoError(t, err)
		assert.Equal(t, chunks.PromotableWindow(ref), window, "round %d: %v", round, ref)
	}
}

func TestWindowNullStatusBlocks(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	_, err := db.Conn().Exec(`DROP TABLE replica_chunks`)
	require.NoError(t, err)
	_, err = db.Conn().Exec(`CREATE TABLE replica_chunks (chunk_id INTEGER PRIMARY KEY, status TEXT, directory TEXT)`)
	require.NoError(t, err)

	_, err = db.Insert(ctx, 1, chunks.Values{chunks.StatusColumn: chunks.StatusStaged})
	require.NoError(t, err)
	_, err = db.Insert(ctx, 2, chunks.Values{"directory": "/data/2"})
	require.NoError(t, err)
	_, err = db.Insert(ctx, 3, chunks.Values{chunks.StatusColumn: chunks.StatusStaged})
	require.NoError(t, err)

	window, err := db.GetPromotableChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, window)
	assert.Equal(t, chunks.PromotableWindow(map[int64]chunks.Status{1: chunks.StatusStaged, 2: "", 3: chunks.StatusStaged}), window)

	_, err = db.MarkChunksPromoted(ctx, []int64{1})
	require.NoError(t, err)
	window, err = db.GetPromotableChunks(ctx)
	require.NoError(t, err)
	assert.Empty(t, window, "a chunk without status starts and stops the window")
}

func TestMarkChunksPromoted(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	seed(t, db, chunks.StatusPromoted, chunks.StatusStaged, chunks.StatusStaged)

	n, err := db.MarkChunksPromoted(ctx, []int64{1, 2, 3, 99})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = db.MarkChunksPromoted(ctx, []int64{1, 2, 3, 99})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = db.MarkChunksPromoted(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMarkChunksPromotedBatches(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)

	ids := make([]int64, 0, 1200)
	for i := int64(1); i <= 1200; i++ {
		_, err := db.Insert(ctx, i, chunks.Values{chunks.StatusColumn: chunks.StatusStaged})
		require.NoError(t, err)
		ids = append(ids, i)
	}

	n, err := db.MarkChunksPromoted(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), n)

	window, err := db.GetPromotableChunks(ctx)
	require.NoError(t, err)
	assert.Empty(t, window)
}

func TestInsert(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)

	n, err := db.Insert(ctx, 7, chunks.Values{"status": "uploaded", "directory": "gs://bucket/chunks/7"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = db.Insert(ctx, 7, chunks.Values{"status": "staged"})
	require.ErrorIs(t, err, chunks.ErrIntegrity)

	_, err = db.Insert(ctx, 8, chunks.Values{"status": "staged", "size": 3})
	require.ErrorIs(t, err, chunks.ErrUnknownColumn)

	_, err = db.Insert(ctx, 9, chunks.Values{"status": chunks.StatusPromoted})
	require.ErrorIs(t, err, chunks.ErrIntegrity)
	_, err = db.Get(ctx, 9)
	require.ErrorIs(t, err, chunks.ErrChunkNotFound)

	chunk, err := db.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, chunks.Status("uploaded"), chunk.Status)
	assert.Equal(t, "gs://bucket/chunks/7", chunk.Values["directory"])
	assert.Equal(t, int64(7), chunk.Values["chunk_id"])
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	seed(t, db, chunks.StatusPromoted, "uploaded")

	n, err := db.Update(ctx, 2, chunks.Values{"status": chunks.StatusStaged})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = db.Update(ctx, 1, chunks.Values{"status": chunks.StatusStaged})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "promoted rows never go back")

	n, err = db.Update(ctx, 42, chunks.Values{"directory": "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = db.Update(ctx, 2, chunks.Values{"status": chunks.StatusPromoted})
	require.ErrorIs(t, err, chunks.ErrIntegrity)

	window, err := db.GetPromotableChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, window)
}

func TestColumnNames(t *testing.T) {
	db := openStore(t)
	cols, err := db.ColumnNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk_id", "status", "directory", "last_update_time"}, cols)

	missing, err := Open(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "empty.db"), "nope")
	require.NoError(t, err)
	defer missing.Close()
	_, err = missing.ColumnNames(context.Background())
	require.Error(t, err)
}

func TestGetMissing(t *testing.T) {
	db := openStore(t)
	_, err := db.Get(context.Background(), 1)
	require.ErrorIs(t, err, chunks.ErrChunkNotFound)
}
