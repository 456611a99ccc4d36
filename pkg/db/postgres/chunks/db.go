// Package chunks is the PostgreSQL replica chunk metadata store.
package chunks

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/ppdbx/chunkpromoter/pkg/db/chunks"
	"github.com/ppdbx/chunkpromoter/pkg/db/postgres"
	"go.uber.org/zap"
)

// DB stores replica chunk metadata in one PostgreSQL table. The table must already exist.
type DB struct {
	postgres.Client
	Table   string
	queries chunks.Queries

	columnsMu sync.Mutex
	columns   []string
}

var _ chunks.Store = (*DB)(nil)

// New connects using dbURL (or POSTGRES_URL) and binds the store to schema.table.
func New(ctx context.Context, logger *zap.Logger, dbURL, schema, table string, poolConfig *postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(zap.String("component", "chunks")), dbURL, schema, poolConfig)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, table), nil
}

// NewWithClient binds an existing client to table.
func NewWithClient(client postgres.Client, table string) *DB {
	if table == "" {
		table = chunks.DefaultTable
	}
	return &DB{
		Client: client,
		Table:  table,
		queries: chunks.Queries{
			Table:       pgx.Identifier{client.Schema, table}.Sanitize(),
			Placeholder: chunks.DollarPlaceholder,
		},
	}
}

// Close terminates the underlying PostgreSQL connection
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

func (db *DB) GetPromotableChunks(ctx context.Context) ([]int64, error) {
	rows, err := db.GetExecutor(ctx).Query(ctx, db.queries.Window())
	if err != nil {
		return nil, fmt.Errorf("query promotable chunks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan promotable chunks: %w", err)
	}
	db.Logger.Debug("Selected promotable chunks", zap.Int("count", len(ids)))
	return ids, nil
}

func (db *DB) MarkChunksPromoted(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.GetExecutor(ctx).Exec(ctx, db.queries.MarkPromoted(chunks.IDColumn+" = ANY($1)"), ids)
	if err != nil {
		return 0, fmt.Errorf("mark chunks promoted: %w", err)
	}
	n := tag.RowsAffected()
	db.Logger.Info("Marked replica chunks promoted",
		zap.Int("requested", len(ids)),
		zap.Int64("updated", n))
	return n, nil
}

func (db *DB) Insert(ctx context.Context, id int64, values chunks.Values) (int64, error) {
	known, err := db.ColumnNames(ctx)
	if err != nil {
		return 0, err
	}
	cols, err := chunks.InsertColumns(values, known)
	if err != nil {
		return 0, err
	}

	args := append([]any{id}, chunks.Args(values, cols)...)
	tag, err := db.GetExecutor(ctx).Exec(ctx, db.queries.Insert(cols), args...)
	if postgres.IsUniqueViolation(err) {
		return 0, fmt.Errorf("%w: chunk %d already exists: %v", chunks.ErrIntegrity, id, err)
	}
	if err != nil {
		return 0, fmt.Errorf("insert chunk %d: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return 0, fmt.Errorf("%w: no rows inserted for chunk %d, insert silently failed", chunks.ErrIntegrity, id)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) Update(ctx context.Context, id int64, values chunks.Values) (int64, error) {
	known, err := db.ColumnNames(ctx)
	if err != nil {
		return 0, err
	}
	cols, err := chunks.UpdateColumns(values, known)
	if err != nil {
		return 0, err
	}

	args := append(chunks.Args(values, cols), id)
	tag, err := db.GetExecutor(ctx).Exec(ctx, db.queries.Update(cols), args...)
	if err != nil {
		return 0, fmt.Errorf("update chunk %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		db.Logger.Warn("Update matched no replica chunk", zap.Int64("chunk", id), zap.Strings("columns", cols))
	}
	return tag.RowsAffected(), nil
}

func (db *DB) Get(ctx context.Context, id int64) (*chunks.ReplicaChunk, error) {
	rows, err := db.GetExecutor(ctx).Query(ctx, db.queries.Get(), id)
	if err != nil {
		return nil, fmt.Errorf("get chunk %d: %w", id, err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
	if postgres.IsNoRows(err) {
		return nil, fmt.Errorf("%w: %d", chunks.ErrChunkNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk %d: %w", id, err)
	}
	status, _ := row[chunks.StatusColumn].(string)
	return &chunks.ReplicaChunk{ID: id, Status: chunks.Status(status), Values: row}, nil
}

// ColumnNames returns the table's columns, loaded once per store.
func (db *DB) ColumnNames(ctx context.Context) ([]string, error) {
	db.columnsMu.Lock()
	defer db.columnsMu.Unlock()
	if db.columns != nil {
		return db.columns, nil
	}
	cols, err := db.Client.ColumnNames(ctx, db.Table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("replica chunk table %s.%s not found", db.Schema, db.Table)
	}
	db.columns = cols
	return cols, nil
}
