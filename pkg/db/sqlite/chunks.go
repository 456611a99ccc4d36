// Package sqlite stores replica chunk metadata in a local SQLite database. It serves
// single-host deployments and development setups without a PostgreSQL server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/ppdbx/chunkpromoter/pkg/db/chunks"
	"go.uber.org/zap"
)

// markBatchSize keeps MarkChunksPromoted below SQLite's bind parameter limit.
const markBatchSize = 500

// DB is a chunks.Store backed by one SQLite table. The table must already exist.
type DB struct {
	Logger  *zap.Logger
	conn    *sql.DB
	path    string
	table   string
	queries chunks.Queries

	columnsMu sync.Mutex
	columns   []string
}

var _ chunks.Store = (*DB)(nil)

// Open opens the database at path and binds the store to table.
func Open(logger *zap.Logger, path, table string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_loc=auto")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("SQLite chunk store opened", zap.String("path", path), zap.String("table", table))
	return WrapConn(logger, conn, path, table), nil
}

// WrapConn wraps an existing connection. The caller keeps ownership of conn only if it
// never calls Close on the returned store.
func WrapConn(logger *zap.Logger, conn *sql.DB, path, table string) *DB {
	if table == "" {
		table = chunks.DefaultTable
	}
	return &DB{
		Logger: logger,
		conn:   conn,
		path:   path,
		table:  table,
		queries: chunks.Queries{
			Table:       quote(table),
			Placeholder: chunks.QuestionPlaceholder,
		},
	}
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying sql.DB connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) GetPromotableChunks(ctx context.Context) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx, db.queries.Window())
	if err != nil {
		return nil, fmt.Errorf("query promotable chunks: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan promotable chunks: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan promotable chunks: %w", err)
	}
	db.Logger.Debug("Selected promotable chunks", zap.Int("count", len(ids)))
	return ids, nil
}

func (db *DB) MarkChunksPromoted(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mark chunks promoted: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for start := 0; start < len(ids); start += markBatchSize {
		batch := ids[start:min(start+markBatchSize, len(ids))]
		where := fmt.Sprintf("%s IN (%s)", chunks.IDColumn, strings.TrimSuffix(strings.Repeat("?, ", len(batch)), ", "))
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		res, err := tx.ExecContext(ctx, db.queries.MarkPromoted(where), args...)
		if err != nil {
			return 0, fmt.Errorf("mark chunks promoted: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("mark chunks promoted: %w", err)
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mark chunks promoted: %w", err)
	}

	db.Logger.Info("Marked replica chunks promoted",
		zap.Int("requested", len(ids)),
		zap.Int64("updated", total))
	return total, nil
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
	res, err := db.conn.ExecContext(ctx, db.queries.Insert(cols), args...)
	if isConstraint(err) {
		return 0, fmt.Errorf("%w: chunk %d: %v", chunks.ErrIntegrity, id, err)
	}
	if err != nil {
		return 0, fmt.Errorf("insert chunk %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert chunk %d: %w", id, err)
	}
	if n != 1 {
		return 0, fmt.Errorf("%w: no rows inserted for chunk %d, insert silently failed", chunks.ErrIntegrity, id)
	}
	return n, nil
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
	res, err := db.conn.ExecContext(ctx, db.queries.Update(cols), args...)
	if err != nil {
		return 0, fmt.Errorf("update chunk %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update chunk %d: %w", id, err)
	}
	if n == 0 {
		db.Logger.Warn("Update matched no replica chunk", zap.Int64("chunk", id), zap.Strings("columns", cols))
	}
	return n, nil
}

func (db *DB) Get(ctx context.Context, id int64) (*chunks.ReplicaChunk, error) {
	rows, err := db.conn.QueryContext(ctx, db.queries.Get(), id)
	if err != nil {
		return nil, fmt.Errorf("get chunk %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get chunk %d: %w", id, err)
		}
		return nil, fmt.Errorf("%w: %d", chunks.ErrChunkNotFound, id)
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("get chunk %d: %w", id, err)
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("get chunk %d: %w", id, err)
	}

	row := make(map[string]any, len(cols))
	for i, c := range cols {
		if b, ok := vals[i].([]byte); ok {
			row[c] = string(b)
			continue
		}
		row[c] = vals[i]
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

	rows, err := db.conn.QueryContext(ctx, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, db.table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", db.table, err)
	}
	defer rows.Close()

	cols := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list columns of %s: %w", db.table, err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", db.table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("replica chunk table %s not found in %s", db.table, db.path)
	}
	db.columns = cols
	return cols, nil
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
