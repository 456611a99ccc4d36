// Package duckdb runs promotion jobs against an embedded DuckDB database. It backs
// local runs of the promoter and the end-to-end tests of the promotion protocol.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	"github.com/ppdbx/chunkpromoter/pkg/utils"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse"
	"go.uber.org/zap"
)

const defaultSchema = "main"

// Dialect renders promotion statements for DuckDB.
type Dialect struct {
	Schema string
}

func (d Dialect) Name() string { return "duckdb" }

func (d Dialect) schema() string {
	if d.Schema == "" {
		return defaultSchema
	}
	return d.Schema
}

func (d Dialect) ref(table string) string {
	return quote(d.schema()) + "." + quote(table)
}

func (d Dialect) DropTableIfExists(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.ref(table))
}

func (d Dialect) CloneTable(dst, src string) []string {
	return []string{fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", d.ref(dst), d.ref(src))}
}

func (d Dialect) InsertStaged(dst, src, chunkColumn string, ids []int64) string {
	return fmt.Sprintf("INSERT INTO %s SELECT * EXCLUDE (%s) FROM %s WHERE %s IN (%s)",
		d.ref(dst), quote(chunkColumn), d.ref(src), quote(chunkColumn), warehouse.FormatIDs(ids))
}

// ReplaceTable rewrites dst from src in a single statement.
func (d Dialect) ReplaceTable(dst, src string) string {
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM %s", d.ref(dst), d.ref(src))
}

func (d Dialect) DeleteStaged(table, chunkColumn string, ids []int64) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", d.ref(table), quote(chunkColumn), warehouse.FormatIDs(ids))
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

type Executor struct {
	Logger   *zap.Logger
	DB       *sql.DB
	Location string
	dialect  Dialect
}

// Open opens (or creates) the database at path; an empty path is an in-memory database.
// When path is empty DUCKDB_PATH is consulted first.
func Open(logger *zap.Logger, path string) (*Executor, error) {
	if path == "" {
		path = utils.Env("DUCKDB_PATH", "")
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb %q: %w", path, err)
	}
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping duckdb %q: %w", path, err)
	}
	location := path
	if location == "" {
		location = ":memory:"
	}
	logger.Info("DuckDB warehouse opened", zap.String("location", location))
	return New(logger, db, location, utils.Env("DUCKDB_SCHEMA", defaultSchema)), nil
}

// New wraps an existing handle.
func New(logger *zap.Logger, db *sql.DB, location, schema string) *Executor {
	// an in-memory database exists per connection
	db.SetMaxOpenConns(1)
	return &Executor{Logger: logger, DB: db, Location: location, dialect: Dialect{Schema: schema}}
}

func (e *Executor) Dialect() warehouse.Dialect { return e.dialect }

func (e *Executor) RunJob(ctx context.Context, label, statement string) (*warehouse.Job, error) {
	job := &warehouse.Job{
		ID:        uuid.NewString(),
		Label:     label,
		Location:  e.Location,
		Statement: statement,
	}

	start := time.Now()
	res, err := e.DB.ExecContext(ctx, statement)
	job.Elapsed = time.Since(start)
	if err != nil {
		job.Err = err.Error()
		warehouse.LogJob(e.Logger, job)
		if isMissingTable(err) {
			return job, fmt.Errorf("%s: %w: %w", label, warehouse.ErrTableNotFound, err)
		}
		return job, fmt.Errorf("%s: %w", label, err)
	}

	if n, raErr := res.RowsAffected(); raErr == nil && n > 0 {
		job.AffectedRows = n
		job.WrittenRows = uint64(n)
	}
	warehouse.LogJob(e.Logger, job)
	return job, nil
}

func (e *Executor) TableExists(ctx context.Context, table string) (bool, error) {
	var count int64
	err := e.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?`,
		e.dialect.schema(), table,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check if table exists %s.%s: %w", e.dialect.schema(), table, err)
	}
	return count > 0, nil
}

func (e *Executor) Close() error {
	return e.DB.Close()
}

func isMissingTable(err error) bool {
	msg := err.Error()
	var dErr *duckdb.Error
	if errors.As(err, &dErr) {
		return dErr.Type == duckdb.ErrorTypeCatalog && strings.Contains(msg, "does not exist")
	}
	return strings.Contains(msg, "Catalog Error") && strings.Contains(msg, "does not exist")
}
