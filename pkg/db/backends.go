// Package db opens the metadata store and the warehouse selected by configuration.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppdbx/chunkpromoter/pkg/db/chunks"
	chdb "github.com/ppdbx/chunkpromoter/pkg/db/clickhouse"
	"github.com/ppdbx/chunkpromoter/pkg/db/postgres"
	pgchunks "github.com/ppdbx/chunkpromoter/pkg/db/postgres/chunks"
	"github.com/ppdbx/chunkpromoter/pkg/db/sqlite"
	"github.com/ppdbx/chunkpromoter/pkg/utils"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse"
	chwarehouse "github.com/ppdbx/chunkpromoter/pkg/warehouse/clickhouse"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse/duckdb"
	"go.uber.org/zap"
)

const (
	MetadataPostgres    = "postgres"
	MetadataSQLite      = "sqlite"
	WarehouseClickHouse = "clickhouse"
	WarehouseDuckDB     = "duckdb"
)

var ErrUnknownBackend = errors.New("unknown backend")

// Config selects and locates the two stores. Empty location fields fall back to the
// environment variables read by each driver package.
type Config struct {
	// Component picks the pool sizes ("promoter", "chunkctl").
	Component string

	Metadata       string
	PostgresURL    string
	PostgresSchema string
	SQLitePath     string
	ChunkTable     string

	Warehouse          string
	ClickHouseDatabase string
	DuckDBPath         string
}

// ConfigFromEnv reads METADATA_BACKEND, WAREHOUSE_BACKEND and the location variables.
func ConfigFromEnv(component string) Config {
	return Config{
		Component:          component,
		Metadata:           utils.Env("METADATA_BACKEND", MetadataPostgres),
		PostgresURL:        utils.Env("POSTGRES_URL", ""),
		PostgresSchema:     utils.Env("POSTGRES_SCHEMA", "public"),
		SQLitePath:         utils.Env("SQLITE_PATH", "replica_chunks.db"),
		ChunkTable:         utils.Env("CHUNK_TABLE", chunks.DefaultTable),
		Warehouse:          utils.Env("WAREHOUSE_BACKEND", WarehouseClickHouse),
		ClickHouseDatabase: utils.Env("CLICKHOUSE_DATABASE", ""),
		DuckDBPath:         utils.Env("DUCKDB_PATH", ""),
	}
}

// OpenStore opens the chunk metadata store named by cfg.Metadata.
func OpenStore(ctx context.Context, logger *zap.Logger, cfg Config) (chunks.Store, error) {
	switch cfg.Metadata {
	case MetadataPostgres:
		store, err := pgchunks.New(ctx, logger, cfg.PostgresURL, cfg.PostgresSchema, cfg.ChunkTable,
			postgres.GetPoolConfigForComponent(cfg.Component))
		if err != nil {
			return nil, err
		}
		return store, nil
	case MetadataSQLite:
		store, err := sqlite.Open(logger, cfg.SQLitePath, cfg.ChunkTable)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: metadata %q", ErrUnknownBackend, cfg.Metadata)
	}
}

// Warehouse is an executor that owns its connection.
type Warehouse struct {
	warehouse.Executor
	close func() error
}

func (w *Warehouse) Close() error {
	if w.close == nil {
		return nil
	}
	return w.close()
}

// OpenWarehouse connects the warehouse named by cfg.Warehouse.
func OpenWarehouse(ctx context.Context, logger *zap.Logger, cfg Config) (*Warehouse, error) {
	switch cfg.Warehouse {
	case WarehouseClickHouse:
		client, err := chdb.New(ctx, logger, cfg.ClickHouseDatabase, chdb.GetPoolConfigForComponent(cfg.Component))
		if err != nil {
			return nil, err
		}
		return &Warehouse{Executor: chwarehouse.New(logger, &client), close: client.Close}, nil
	case WarehouseDuckDB:
		exec, err := duckdb.Open(logger, cfg.DuckDBPath)
		if err != nil {
			return nil, err
		}
		return &Warehouse{Executor: exec, close: exec.Close}, nil
	default:
		return nil, fmt.Errorf("%w: warehouse %q", ErrUnknownBackend, cfg.Warehouse)
	}
}
